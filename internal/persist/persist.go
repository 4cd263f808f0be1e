// Package persist stores each user's tracked jobs so they survive restarts.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-jobwatch/internal/job"
	"github.com/tendant/simple-jobwatch/internal/store"
)

const (
	DefaultRetention = 30 * 24 * time.Hour
	cleanupInterval  = 24 * time.Hour

	jobsKeyPrefix    = "tasks_"
	cleanupKeyPrefix = "cleanup_"
)

// Snapshot is the serialized form of one user's jobs.
type Snapshot struct {
	Tasks       map[string]job.Job `json:"tasks"`
	LastUpdated time.Time          `json:"lastUpdated"`
}

// Adapter saves and loads per-user job snapshots in a key-value store.
type Adapter struct {
	store     store.Store
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Adapter)

func WithRetention(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func New(s store.Store, logger *slog.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		store:     s,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func jobsKey(userID string) string    { return jobsKeyPrefix + userID }
func cleanupKey(userID string) string { return cleanupKeyPrefix + userID }

// Save writes the full job set for userID. Failures are logged, never returned.
func (a *Adapter) Save(ctx context.Context, userID string, jobs []job.Job) {
	if userID == "" {
		a.logger.Warn("skip save without user id", "jobs", len(jobs))
		return
	}
	if err := a.write(ctx, userID, jobs); err != nil {
		a.logger.Error("save jobs failed", "user_id", userID, "jobs", len(jobs), "err", err)
	}
}

func (a *Adapter) write(ctx context.Context, userID string, jobs []job.Job) error {
	snap := Snapshot{
		Tasks:       make(map[string]job.Job, len(jobs)),
		LastUpdated: a.now().UTC(),
	}
	for _, j := range jobs {
		snap.Tasks[j.ID] = j
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return a.store.Set(ctx, jobsKey(userID), data)
}

func (a *Adapter) read(ctx context.Context, userID string) (*Snapshot, error) {
	data, err := a.store.Get(ctx, jobsKey(userID))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Load returns the user's unexpired jobs, re-saving when pruning dropped any.
func (a *Adapter) Load(ctx context.Context, userID string) []job.Job {
	if userID == "" {
		return nil
	}
	snap, err := a.read(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Error("load jobs failed", "user_id", userID, "err", err)
		}
		return nil
	}

	jobs := make([]job.Job, 0, len(snap.Tasks))
	for id, j := range snap.Tasks {
		if j.ID == "" {
			j.ID = id
		}
		if j.OwnerUserID != "" && j.OwnerUserID != userID {
			a.logger.Warn("dropping job owned by another user", "user_id", userID, "job_id", j.ID)
			continue
		}
		jobs = append(jobs, j)
	}

	kept := PruneExpired(jobs, a.retention, a.now())
	if len(kept) != len(snap.Tasks) {
		a.logger.Info("pruned expired jobs", "user_id", userID, "removed", len(snap.Tasks)-len(kept))
		a.Save(ctx, userID, kept)
	}
	return kept
}

// PruneExpired returns the jobs created strictly after now minus retention.
// The input slice is not modified.
func PruneExpired(jobs []job.Job, retention time.Duration, now time.Time) []job.Job {
	cutoff := now.Add(-retention)
	out := make([]job.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.CreatedAt.After(cutoff) {
			out = append(out, j)
		}
	}
	return out
}

// ShouldRunDailyCleanup reports whether a day has passed since the last cleanup for userID.
func (a *Adapter) ShouldRunDailyCleanup(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	data, err := a.store.Get(ctx, cleanupKey(userID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("read cleanup marker failed", "user_id", userID, "err", err)
		}
		return true
	}
	last, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		a.logger.Warn("invalid cleanup marker", "user_id", userID, "value", string(data))
		return true
	}
	return a.now().Sub(last) >= cleanupInterval
}

// MarkCleanupRun records now as the user's last cleanup time.
func (a *Adapter) MarkCleanupRun(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	stamp := a.now().UTC().Format(time.RFC3339Nano)
	if err := a.store.Set(ctx, cleanupKey(userID), []byte(stamp)); err != nil {
		a.logger.Error("write cleanup marker failed", "user_id", userID, "err", err)
	}
}

// RunDailyCleanup removes the user's job slot when it holds nothing worth keeping.
// It does nothing if a cleanup already ran within the last day and reports whether it ran.
func (a *Adapter) RunDailyCleanup(ctx context.Context, userID string) bool {
	if !a.ShouldRunDailyCleanup(ctx, userID) {
		return false
	}
	defer a.MarkCleanupRun(ctx, userID)

	snap, err := a.read(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return true
	case err != nil:
		a.logger.Warn("dropping unreadable job snapshot", "user_id", userID, "err", err)
		a.deleteKey(ctx, jobsKey(userID))
		return true
	}

	stale := !snap.LastUpdated.IsZero() && !snap.LastUpdated.After(a.now().Add(-a.retention))
	if len(snap.Tasks) == 0 || stale {
		a.logger.Info("removing expired job snapshot", "user_id", userID, "last_updated", snap.LastUpdated)
		a.deleteKey(ctx, jobsKey(userID))
	}
	return true
}

// ClearUser deletes every stored entry for userID.
func (a *Adapter) ClearUser(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	a.deleteKey(ctx, jobsKey(userID))
	a.deleteKey(ctx, cleanupKey(userID))
}

func (a *Adapter) deleteKey(ctx context.Context, key string) {
	if err := a.store.Delete(ctx, key); err != nil {
		a.logger.Error("delete stored key failed", "key", key, "err", err)
	}
}
