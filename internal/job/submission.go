package job

import (
	"fmt"
	"strings"
)

// Submission is a user's request to process one recording with optional PDF attachments.
type Submission struct {
	FileID          string
	FileName        string
	AttachmentIDs   []string
	AttachmentNames []string
}

// ValidationError reports a submission rejected before reaching the backend.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the submission locally.
func (s Submission) Validate() error {
	if strings.TrimSpace(s.FileID) == "" {
		return &ValidationError{Field: "file_id", Reason: "no audio file selected"}
	}
	seen := make(map[string]struct{}, len(s.AttachmentIDs))
	for _, id := range s.AttachmentIDs {
		if strings.TrimSpace(id) == "" {
			return &ValidationError{Field: "attachment_file_ids", Reason: "empty attachment id"}
		}
		if id == s.FileID {
			return &ValidationError{Field: "attachment_file_ids", Reason: "recording selected as its own attachment"}
		}
		if _, dup := seen[id]; dup {
			return &ValidationError{Field: "attachment_file_ids", Reason: fmt.Sprintf("attachment %s selected twice", id)}
		}
		seen[id] = struct{}{}
	}
	return nil
}
