package registry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tendant/simple-jobwatch/internal/job"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestRegistry(t *testing.T) (*Registry, *fakeClock, *[]job.Job) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	var seen []job.Job
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(logger, WithClock(clock.Now), WithObserver(func(j job.Job) { seen = append(seen, j) }))
	return r, clock, &seen
}

func TestCreateInsertsPendingJob(t *testing.T) {
	r, _, seen := newTestRegistry(t)

	j := r.Create("J1", "user-1", job.Submission{FileID: "f1", FileName: "a.mp3"})
	if j.Status != job.StatusPending || j.Progress != 0 {
		t.Fatalf("unexpected job: %+v", j)
	}
	got, ok := r.Get("J1")
	if !ok || got.ID != "J1" {
		t.Fatalf("job not stored: %+v %v", got, ok)
	}
	if len(*seen) != 1 {
		t.Fatalf("observer calls = %d, want 1", len(*seen))
	}
	if active := r.ActiveJobs(); len(active) != 1 {
		t.Fatalf("active jobs = %d, want 1", len(active))
	}
}

func TestApplyUpdateDirtyCheck(t *testing.T) {
	r, clock, seen := newTestRegistry(t)
	r.Create("J1", "u", job.Submission{FileID: "f"})

	clock.t = clock.t.Add(time.Second)
	ch := r.ApplyUpdate("J1", job.Patch{Status: job.StatusProcessing, Progress: 40})
	if !ch.Changed || ch.Previous != job.StatusPending {
		t.Fatalf("expected change from pending, got %+v", ch)
	}
	if !ch.Job.UpdatedAt.Equal(clock.t) {
		t.Fatalf("updatedAt = %v, want %v", ch.Job.UpdatedAt, clock.t)
	}

	clock.t = clock.t.Add(time.Second)
	ch = r.ApplyUpdate("J1", job.Patch{Status: job.StatusProcessing, Progress: 40})
	if ch.Changed {
		t.Fatal("identical patch reported as change")
	}
	got, _ := r.Get("J1")
	if got.UpdatedAt.Equal(clock.t) {
		t.Fatal("identical patch bumped updatedAt")
	}
	if len(*seen) != 2 {
		t.Fatalf("observer calls = %d, want 2", len(*seen))
	}
}

func TestApplyUpdateTerminalGuard(t *testing.T) {
	r, _, seen := newTestRegistry(t)
	r.Create("J1", "u", job.Submission{FileID: "f"})

	ch := r.ApplyUpdate("J1", job.Patch{Status: job.StatusCompleted, Progress: 100, Result: &job.Result{Title: "X"}})
	if !ch.BecameTerminal {
		t.Fatalf("expected terminal transition, got %+v", ch)
	}

	for _, p := range []job.Patch{
		{Status: job.StatusProcessing, Progress: 50},
		{Status: job.StatusFailed, Error: "late"},
		{Status: job.StatusCompleted, Progress: 100, Result: &job.Result{Title: "Y"}},
	} {
		if ch := r.ApplyUpdate("J1", p); ch.Changed || ch.BecameTerminal {
			t.Fatalf("post-terminal patch %+v applied: %+v", p, ch)
		}
	}

	got, _ := r.Get("J1")
	if got.Status != job.StatusCompleted || got.Result.Title != "X" {
		t.Fatalf("terminal job mutated: %+v", got)
	}
	if len(*seen) != 2 {
		t.Fatalf("observer calls = %d, want 2", len(*seen))
	}
}

func TestUnknownJobIsNoop(t *testing.T) {
	r, _, seen := newTestRegistry(t)

	if ch := r.ApplyUpdate("missing", job.Patch{Status: job.StatusProcessing}); ch.Changed {
		t.Fatal("update on unknown job reported change")
	}
	ch, err := r.MarkTerminal("missing", job.StatusCancelled, "gone")
	if err != nil || ch.Changed {
		t.Fatalf("MarkTerminal on unknown job = %+v, %v", ch, err)
	}
	if r.RecordRetry("missing") != 0 {
		t.Fatal("retry recorded for unknown job")
	}
	if len(*seen) != 0 {
		t.Fatalf("observer called %d times", len(*seen))
	}
}

func TestMarkTerminal(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Create("J1", "u", job.Submission{FileID: "f"})
	r.Create("J2", "u", job.Submission{FileID: "g"})

	ch, err := r.MarkTerminal("J1", job.StatusFailed, "status check failed")
	if err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	if !ch.BecameTerminal || ch.Job.Error != "status check failed" {
		t.Fatalf("unexpected change: %+v", ch)
	}

	ch, _ = r.MarkTerminal("J1", job.StatusCancelled, "again")
	if ch.Changed {
		t.Fatal("terminal job transitioned again")
	}

	if _, err := r.MarkTerminal("J2", job.StatusCompleted, ""); err == nil {
		t.Fatal("expected error for completed status")
	}

	active := r.ActiveJobs()
	if len(active) != 1 || active[0].ID != "J2" {
		t.Fatalf("active jobs = %+v", active)
	}
	counts := r.Counts()
	if counts[job.StatusFailed] != 1 || counts[job.StatusPending] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestRetryCounter(t *testing.T) {
	r, _, seen := newTestRegistry(t)
	r.Create("J1", "u", job.Submission{FileID: "f"})

	for want := 1; want <= 3; want++ {
		if got := r.RecordRetry("J1"); got != want {
			t.Fatalf("RecordRetry = %d, want %d", got, want)
		}
	}
	r.ApplyUpdate("J1", job.Patch{Status: job.StatusProcessing, Progress: 10})
	if got, _ := r.Get("J1"); got.RetryCount != 3 {
		t.Fatalf("retry count lost on update: %d", got.RetryCount)
	}
	r.ResetRetry("J1")
	if got, _ := r.Get("J1"); got.RetryCount != 0 {
		t.Fatalf("retry count = %d after reset", got.RetryCount)
	}
	if len(*seen) != 2 {
		t.Fatalf("retry bookkeeping should not notify, observer calls = %d", len(*seen))
	}
}

func TestRestoreAndOrdering(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Restore([]job.Job{
		{ID: "b", Status: job.StatusCompleted, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "a", Status: job.StatusProcessing, CreatedAt: base.Add(time.Hour), RetryCount: 4},
		{ID: "c", Status: job.StatusPending, CreatedAt: base},
	})

	all := r.All()
	if len(all) != 3 || all[0].ID != "c" || all[1].ID != "a" || all[2].ID != "b" {
		t.Fatalf("unexpected order: %+v", all)
	}
	if all[1].RetryCount != 0 {
		t.Fatal("restored job kept transient retry count")
	}
	if !r.HasActive() {
		t.Fatal("expected active jobs after restore")
	}

	r.Clear()
	if len(r.All()) != 0 || r.HasActive() {
		t.Fatal("registry not cleared")
	}
}
