package notify

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tendant/simple-jobwatch/internal/job"
	"github.com/tendant/simple-jobwatch/pkg/schema"
)

type fakePublisher struct {
	subjects []string
	payloads []any
	err      error
}

func (f *fakePublisher) PublishJSON(subject string, v any) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, v)
	return f.err
}

func TestBannerKeepsOnlyLatestNotice(t *testing.T) {
	b := NewBanner()
	if _, ok := b.Current(); ok {
		t.Fatal("new banner should be empty")
	}

	b.Notify(NewNotice(schema.NoticeError, "J1", "first"))
	b.Notify(NewNotice(schema.NoticeSuccess, "J2", "second"))

	n, ok := b.Current()
	if !ok || n.Message != "second" || n.Level != schema.NoticeSuccess {
		t.Fatalf("unexpected notice: %+v", n)
	}

	b.Dismiss()
	if _, ok := b.Current(); ok {
		t.Fatal("notice still visible after dismiss")
	}
}

func TestBannerTracksJobSnapshots(t *testing.T) {
	b := NewBanner()
	b.JobChanged(job.Job{ID: "J1", Status: job.StatusProcessing, Progress: 10})
	b.JobChanged(job.Job{ID: "J1", Status: job.StatusProcessing, Progress: 40})

	j, ok := b.Job("J1")
	if !ok || j.Progress != 40 {
		t.Fatalf("unexpected snapshot: %+v", j)
	}
}

func TestNewNoticeAssignsID(t *testing.T) {
	a := NewNotice(schema.NoticeInfo, "", "a")
	b := NewNotice(schema.NoticeInfo, "", "b")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("notice ids not unique: %q %q", a.ID, b.ID)
	}
}

func TestBusSinkPublishesSubjects(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewBusSink(pub, "jobwatch.events", slog.New(slog.NewTextHandler(io.Discard, nil)))

	sink.JobChanged(job.Job{ID: "J1", Status: job.StatusCompleted, Progress: 100, Result: &job.Result{Title: "X"}})
	sink.Notify(NewNotice(schema.NoticeSuccess, "J1", "done"))

	if len(pub.subjects) != 2 {
		t.Fatalf("published %d messages, want 2", len(pub.subjects))
	}
	if pub.subjects[0] != "jobwatch.events.changed" || pub.subjects[1] != "jobwatch.events.notice" {
		t.Fatalf("unexpected subjects: %v", pub.subjects)
	}
	evt, ok := pub.payloads[0].(schema.JobChanged)
	if !ok {
		t.Fatalf("payload type = %T", pub.payloads[0])
	}
	if evt.JobID != "J1" || evt.Status != "completed" || evt.Result == nil || evt.Result.Title != "X" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestBusSinkSwallowsPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats down")}
	sink := NewBusSink(pub, "s", slog.New(slog.NewTextHandler(io.Discard, nil)))

	sink.JobChanged(job.Job{ID: "J1"})
	sink.Notify(NewNotice(schema.NoticeInfo, "", "x"))
	if len(pub.subjects) != 2 {
		t.Fatalf("expected both publishes attempted, got %d", len(pub.subjects))
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewBanner(), NewBanner()
	m := Multi{a, b, Discard{}}

	m.JobChanged(job.Job{ID: "J1"})
	m.Notify(NewNotice(schema.NoticeInfo, "J1", "hello"))

	for _, banner := range []*Banner{a, b} {
		if _, ok := banner.Job("J1"); !ok {
			t.Fatal("job change not delivered")
		}
		if n, ok := banner.Current(); !ok || n.Message != "hello" {
			t.Fatal("notice not delivered")
		}
	}
}

func TestToEventIncludesEstimate(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	evt := ToEvent(job.Job{ID: "J1", Status: job.StatusProcessing, Progress: 50, CreatedAt: created}, created.Add(time.Minute))
	if evt.RemainingMs != time.Minute.Milliseconds() {
		t.Fatalf("remaining = %d, want %d", evt.RemainingMs, time.Minute.Milliseconds())
	}

	evt = ToEvent(job.Job{ID: "J1", Status: job.StatusProcessing, Progress: 0, CreatedAt: created}, created.Add(time.Minute))
	if evt.RemainingMs != 0 {
		t.Fatalf("expected no estimate at zero progress, got %d", evt.RemainingMs)
	}
}
