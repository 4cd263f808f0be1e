package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-jobwatch/internal/job"
)

// User is the authenticated account returned by the session backend.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

type AuthStatus struct {
	Authenticated bool  `json:"authenticated"`
	User          *User `json:"user,omitempty"`
}

// File is a cloud drive entry offered for processing.
type File struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	MimeType   string   `json:"mimeType"`
	Size       Size     `json:"size"`
	FolderPath string   `json:"folderPath,omitempty"`
	Parents    []string `json:"parents,omitempty"`
}

// Size is a byte count the drive backend reports as either a number or a string.
type Size int64

func (s *Size) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse size %q: %w", raw, err)
	}
	*s = Size(n)
	return nil
}

// FileQuery narrows a drive listing.
type FileQuery struct {
	FileType         string
	RecordingsFolder string
	PDFFolder        string
}

type ProcessRequest struct {
	FileID            string   `json:"file_id"`
	AttachmentFileIDs []string `json:"attachment_file_ids,omitempty"`
}

// Filter selects jobs in ListJobs.
type Filter string

const (
	FilterActive    Filter = "active"
	FilterAll       Filter = "all"
	FilterCompleted Filter = "completed"
	FilterFailed    Filter = "failed"
)

func (f Filter) Valid() bool {
	switch f {
	case FilterActive, FilterAll, FilterCompleted, FilterFailed:
		return true
	default:
		return false
	}
}

type JobResult struct {
	Title              string            `json:"title"`
	Summary            string            `json:"summary"`
	Todos              []string          `json:"todos"`
	IdentifiedSpeakers map[string]string `json:"identified_speakers"`
	NotionPageURL      string            `json:"notion_page_url"`
}

// JobStatus is the backend's view of one job.
type JobStatus struct {
	ID        string     `json:"id,omitempty"`
	Status    string     `json:"status"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Result    *JobResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt string     `json:"created_at,omitempty"`
	UpdatedAt string     `json:"updated_at,omitempty"`
}

// Patch converts the backend view into a registry update.
func (s JobStatus) Patch() job.Patch {
	p := job.Patch{
		Status:   job.Status(strings.ToLower(s.Status)),
		Progress: s.Progress,
		Message:  s.Message,
		Error:    s.Error,
	}
	if r := s.Result; r != nil {
		p.Result = &job.Result{
			Title:       r.Title,
			Summary:     r.Summary,
			Todos:       r.Todos,
			Speakers:    r.IdentifiedSpeakers,
			DocumentURL: r.NotionPageURL,
		}
	}
	return p
}

// Created parses the backend creation timestamp.
func (s JobStatus) Created() (time.Time, bool) { return parseTime(s.CreatedAt) }

// Updated parses the backend update timestamp.
func (s JobStatus) Updated() (time.Time, bool) { return parseTime(s.UpdatedAt) }

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTime accepts RFC 3339 and the naive ISO-8601 form produced by the backend.
func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type envelope struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type processResponse struct {
	envelope
	JobID string `json:"job_id"`
}

type jobResponse struct {
	envelope
	Job *JobStatus `json:"job"`
}

type batchResponse struct {
	envelope
	Jobs map[string]JobStatus `json:"jobs"`
}

type listResponse struct {
	envelope
	ActiveJobs map[string]JobStatus `json:"active_jobs"`
	Count      int                  `json:"count"`
}

type filesResponse struct {
	envelope
	Files []File `json:"files"`
}
