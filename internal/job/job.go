// internal/job/job.go
package job

import (
	"maps"
	"slices"
	"time"
)

// Status represents the lifecycle state of a processing job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition can happen from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Result is the payload of a completed transcription job.
type Result struct {
	Title       string            `json:"title,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Todos       []string          `json:"todos,omitempty"`
	Speakers    map[string]string `json:"speakers,omitempty"`
	DocumentURL string            `json:"documentUrl,omitempty"`
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Todos = slices.Clone(r.Todos)
	out.Speakers = maps.Clone(r.Speakers)
	return &out
}

func (r *Result) equal(o *Result) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Title == o.Title &&
		r.Summary == o.Summary &&
		r.DocumentURL == o.DocumentURL &&
		slices.Equal(r.Todos, o.Todos) &&
		maps.Equal(r.Speakers, o.Speakers)
}

// Job is one submitted processing request as tracked by the client.
type Job struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	Message         string    `json:"message,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Result          *Result   `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
	OwnerUserID     string    `json:"ownerUserId"`
	FileName        string    `json:"fileName,omitempty"`
	AttachmentNames []string  `json:"attachmentNames,omitempty"`

	// RetryCount counts consecutive failed status checks.
	RetryCount int `json:"-"`
}

// New returns a pending job for an acknowledged submission.
func New(id, ownerUserID string, sub Submission, now time.Time) Job {
	return Job{
		ID:              id,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		OwnerUserID:     ownerUserID,
		FileName:        sub.FileName,
		AttachmentNames: slices.Clone(sub.AttachmentNames),
	}
}

// Clone returns a deep copy so callers never share mutable state with the registry.
func (j Job) Clone() Job {
	j.Result = j.Result.clone()
	j.AttachmentNames = slices.Clone(j.AttachmentNames)
	return j
}

// Patch is a backend observation of a job's state.
type Patch struct {
	Status   Status
	Progress int
	Message  string
	Result   *Result
	Error    string
}

// Merge applies p on top of j and returns the result. UpdatedAt is left alone.
func (j Job) Merge(p Patch) Job {
	out := j.Clone()
	if p.Status.Valid() {
		out.Status = p.Status
	}
	out.Progress = clampProgress(p.Progress)
	if p.Message != "" {
		out.Message = p.Message
	}

	out.Result = nil
	out.Error = ""
	switch out.Status {
	case StatusCompleted:
		if p.Result != nil {
			out.Result = p.Result.clone()
		} else {
			out.Result = j.Result.clone()
		}
	case StatusFailed:
		out.Error = p.Error
		if out.Error == "" {
			out.Error = j.Error
		}
	}
	return out
}

// SameState reports whether j and o carry the same observable state.
func (j Job) SameState(o Job) bool {
	return j.Status == o.Status &&
		j.Progress == o.Progress &&
		j.Message == o.Message &&
		j.Error == o.Error &&
		j.Result.equal(o.Result)
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// EstimateRemaining projects the time left for a processing job from its
// elapsed time and progress ratio. It reports false when no estimate is possible.
func EstimateRemaining(j Job, now time.Time) (time.Duration, bool) {
	if j.Status != StatusProcessing || j.Progress <= 0 || j.Progress >= 100 {
		return 0, false
	}
	elapsed := now.Sub(j.CreatedAt)
	if elapsed <= 0 {
		return 0, false
	}
	total := elapsed * 100 / time.Duration(j.Progress)
	remaining := total - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}
