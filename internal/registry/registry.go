package registry

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tendant/simple-jobwatch/internal/job"
)

// Observer is called after every change that alters a job's observable state.
type Observer func(job.Job)

// Change describes the effect of a registry mutation.
type Change struct {
	Job      job.Job
	Previous job.Status
	// Changed is false for no-op updates, unknown ids, and updates dropped by the terminal guard.
	Changed bool
	// BecameTerminal is true only for the single update that moved the job into a terminal state.
	BecameTerminal bool
}

// Registry is the authoritative in-memory map of tracked jobs.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*job.Job
	observer Observer
	now      func() time.Time
	logger   *slog.Logger
}

// Option customises a Registry.
type Option func(*Registry)

// WithObserver installs the change callback.
func WithObserver(fn Observer) Option {
	return func(r *Registry) { r.observer = fn }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		jobs:   make(map[string]*job.Job),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetObserver replaces the change callback.
func (r *Registry) SetObserver(fn Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// Create inserts a new pending job for an acknowledged submission.
func (r *Registry) Create(id, ownerUserID string, sub job.Submission) job.Job {
	j := job.New(id, ownerUserID, sub, r.now().UTC())

	r.mu.Lock()
	if _, exists := r.jobs[id]; exists {
		r.logger.Warn("replacing job with duplicate id", "job_id", id)
	}
	stored := j.Clone()
	r.jobs[id] = &stored
	observer := r.observer
	r.mu.Unlock()

	if observer != nil {
		observer(j.Clone())
	}
	return j
}

// ApplyUpdate merges a backend observation into the job.
func (r *Registry) ApplyUpdate(id string, patch job.Patch) Change {
	r.mu.Lock()
	current, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("update for unknown job ignored", "job_id", id, "status", patch.Status)
		return Change{}
	}
	if current.Status.Terminal() {
		snapshot := current.Clone()
		r.mu.Unlock()
		r.logger.Debug("update for terminal job dropped", "job_id", id, "status", snapshot.Status, "incoming", patch.Status)
		return Change{Job: snapshot, Previous: snapshot.Status}
	}

	merged := current.Merge(patch)
	if merged.SameState(*current) {
		snapshot := current.Clone()
		r.mu.Unlock()
		return Change{Job: snapshot, Previous: snapshot.Status}
	}
	return r.commit(current, merged)
}

// MarkTerminal forces a job into failed or cancelled with a detail message.
func (r *Registry) MarkTerminal(id string, status job.Status, detail string) (Change, error) {
	if status != job.StatusFailed && status != job.StatusCancelled {
		return Change{}, fmt.Errorf("mark terminal: status %q not allowed", status)
	}

	r.mu.Lock()
	current, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("mark terminal for unknown job ignored", "job_id", id, "status", status)
		return Change{}, nil
	}
	if current.Status.Terminal() {
		snapshot := current.Clone()
		r.mu.Unlock()
		return Change{Job: snapshot, Previous: snapshot.Status}, nil
	}

	merged := current.Clone()
	merged.Status = status
	merged.Message = detail
	merged.Result = nil
	merged.Error = ""
	if status == job.StatusFailed {
		merged.Error = detail
	}
	return r.commit(current, merged), nil
}

// commit stores next in place of current, releases the lock, and notifies the observer.
func (r *Registry) commit(current *job.Job, next job.Job) Change {
	prev := current.Status
	next.UpdatedAt = r.now().UTC()
	next.RetryCount = current.RetryCount
	*current = next
	snapshot := next.Clone()
	observer := r.observer
	r.mu.Unlock()

	if observer != nil {
		observer(snapshot.Clone())
	}
	return Change{
		Job:            snapshot,
		Previous:       prev,
		Changed:        true,
		BecameTerminal: !prev.Terminal() && snapshot.Status.Terminal(),
	}
}

// RecordRetry increments the job's consecutive failure counter and returns it.
func (r *Registry) RecordRetry(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return 0
	}
	j.RetryCount++
	return j.RetryCount
}

// ResetRetry clears the job's consecutive failure counter.
func (r *Registry) ResetRetry(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.RetryCount = 0
	}
}

// Get returns a copy of the job with the given id.
func (r *Registry) Get(id string) (job.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return job.Job{}, false
	}
	return j.Clone(), true
}

// All returns every job ordered by creation time.
func (r *Registry) All() []job.Job {
	return r.filter(func(job.Job) bool { return true })
}

// ActiveJobs returns the jobs that still need polling.
func (r *Registry) ActiveJobs() []job.Job {
	return r.filter(func(j job.Job) bool { return !j.Status.Terminal() })
}

// HasActive reports whether any job is still pending or processing.
func (r *Registry) HasActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, j := range r.jobs {
		if !j.Status.Terminal() {
			return true
		}
	}
	return false
}

// Counts returns the number of jobs per status.
func (r *Registry) Counts() map[job.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[job.Status]int)
	for _, j := range r.jobs {
		counts[j.Status]++
	}
	return counts
}

// Restore replaces the registry contents with previously persisted jobs.
func (r *Registry) Restore(jobs []job.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = make(map[string]*job.Job, len(jobs))
	for _, j := range jobs {
		stored := j.Clone()
		stored.RetryCount = 0
		r.jobs[j.ID] = &stored
	}
}

// Clear drops every job.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = make(map[string]*job.Job)
}

func (r *Registry) filter(keep func(job.Job) bool) []job.Job {
	r.mu.RLock()
	out := make([]job.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if keep(*j) {
			out = append(out, j.Clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b job.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}
