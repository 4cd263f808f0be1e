// pkg/schema/events.go
package schema

type NoticeLevel string

const (
	NoticeSuccess        NoticeLevel = "success"
	NoticeError          NoticeLevel = "error"
	NoticeInfo           NoticeLevel = "info"
	NoticeSessionExpired NoticeLevel = "session_expired"
)

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
	FailureTypeAuth       FailureType = "auth"
)

type JobResult struct {
	Title       string            `json:"title,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Todos       []string          `json:"todos,omitempty"`
	Speakers    map[string]string `json:"speakers,omitempty"`
	DocumentURL string            `json:"document_url,omitempty"`
}

// JobChanged is emitted whenever a tracked job's observable state changes.
type JobChanged struct {
	JobID       string     `json:"job_id"`
	OwnerUserID string     `json:"owner_user_id"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message,omitempty"`
	FileName    string     `json:"file_name,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      *JobResult `json:"result,omitempty"`
	RemainingMs int64      `json:"remaining_ms,omitempty"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
	HappenedAt  int64      `json:"happened_at"`
}

// Notice is the single top-level user notification. A newer notice replaces the previous one.
type Notice struct {
	ID          string      `json:"id"`
	Level       NoticeLevel `json:"level"`
	JobID       string      `json:"job_id,omitempty"`
	Message     string      `json:"message"`
	FailureType FailureType `json:"failure_type,omitempty"`
	HappenedAt  int64       `json:"happened_at"`
}
