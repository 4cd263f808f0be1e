// Package notify delivers job changes and user notices to presentation layers.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-jobwatch/internal/bus"
	"github.com/tendant/simple-jobwatch/internal/job"
	"github.com/tendant/simple-jobwatch/pkg/schema"
)

// Sink receives job state changes and top-level notices.
type Sink interface {
	JobChanged(j job.Job)
	Notify(n schema.Notice)
}

// NewNotice builds a notice with a fresh id and timestamp.
func NewNotice(level schema.NoticeLevel, jobID, message string) schema.Notice {
	return schema.Notice{
		ID:         uuid.NewString(),
		Level:      level,
		JobID:      jobID,
		Message:    message,
		HappenedAt: time.Now().Unix(),
	}
}

// ToEvent converts a job snapshot into its wire representation.
func ToEvent(j job.Job, now time.Time) schema.JobChanged {
	evt := schema.JobChanged{
		JobID:       j.ID,
		OwnerUserID: j.OwnerUserID,
		Status:      string(j.Status),
		Progress:    j.Progress,
		Message:     j.Message,
		FileName:    j.FileName,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt.Unix(),
		UpdatedAt:   j.UpdatedAt.Unix(),
		HappenedAt:  now.Unix(),
	}
	if remaining, ok := job.EstimateRemaining(j, now); ok {
		evt.RemainingMs = remaining.Milliseconds()
	}
	if r := j.Result; r != nil {
		evt.Result = &schema.JobResult{
			Title:       r.Title,
			Summary:     r.Summary,
			Todos:       r.Todos,
			Speakers:    r.Speakers,
			DocumentURL: r.DocumentURL,
		}
	}
	return evt
}

// Discard ignores everything.
type Discard struct{}

func (Discard) JobChanged(job.Job)   {}
func (Discard) Notify(schema.Notice) {}

// Multi fans every call out to each sink in order.
type Multi []Sink

func (m Multi) JobChanged(j job.Job) {
	for _, s := range m {
		s.JobChanged(j)
	}
}

func (m Multi) Notify(n schema.Notice) {
	for _, s := range m {
		s.Notify(n)
	}
}

// LogSink writes changes and notices as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) JobChanged(j job.Job) {
	attrs := []any{"job_id", j.ID, "status", j.Status, "progress", j.Progress}
	if j.Message != "" {
		attrs = append(attrs, "message", j.Message)
	}
	if remaining, ok := job.EstimateRemaining(j, time.Now()); ok {
		attrs = append(attrs, "remaining", remaining.Round(time.Second))
	}
	s.Logger.Info("job changed", attrs...)
}

func (s LogSink) Notify(n schema.Notice) {
	level := slog.LevelInfo
	switch n.Level {
	case schema.NoticeError, schema.NoticeSessionExpired:
		level = slog.LevelWarn
	}
	s.Logger.Log(context.Background(), level, n.Message, "notice_id", n.ID, "level", n.Level, "job_id", n.JobID)
}

// BusSink publishes events on "<subject>.changed" and "<subject>.notice".
type BusSink struct {
	pub     bus.Publisher
	subject string
	logger  *slog.Logger
}

func NewBusSink(pub bus.Publisher, subject string, logger *slog.Logger) *BusSink {
	return &BusSink{pub: pub, subject: subject, logger: logger}
}

func (s *BusSink) JobChanged(j job.Job) {
	evt := ToEvent(j, time.Now())
	if err := s.pub.PublishJSON(bus.ChangedSubject(s.subject), evt); err != nil {
		s.logger.Error("publish job change failed", "subject", s.subject, "job_id", j.ID, "err", err)
	}
}

func (s *BusSink) Notify(n schema.Notice) {
	if err := s.pub.PublishJSON(bus.NoticeSubject(s.subject), n); err != nil {
		s.logger.Error("publish notice failed", "subject", s.subject, "notice_id", n.ID, "err", err)
	}
}

// Banner keeps the latest snapshot of every job and only the most recent notice.
type Banner struct {
	mu     sync.Mutex
	notice *schema.Notice
	jobs   map[string]job.Job
}

func NewBanner() *Banner {
	return &Banner{jobs: make(map[string]job.Job)}
}

func (b *Banner) JobChanged(j job.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[j.ID] = j.Clone()
}

func (b *Banner) Notify(n schema.Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notice = &n
}

// Current returns the visible notice, if any.
func (b *Banner) Current() (schema.Notice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.notice == nil {
		return schema.Notice{}, false
	}
	return *b.notice, true
}

// Dismiss hides the visible notice.
func (b *Banner) Dismiss() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notice = nil
}

// Job returns the last snapshot seen for id.
func (b *Banner) Job(id string) (job.Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	return j, ok
}
