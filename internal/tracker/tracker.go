// Package tracker owns one user session: submissions, job polling, and persistence.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-jobwatch/internal/api"
	"github.com/tendant/simple-jobwatch/internal/drive"
	"github.com/tendant/simple-jobwatch/internal/job"
	"github.com/tendant/simple-jobwatch/internal/metrics"
	"github.com/tendant/simple-jobwatch/internal/notify"
	"github.com/tendant/simple-jobwatch/internal/persist"
	"github.com/tendant/simple-jobwatch/internal/poller"
	"github.com/tendant/simple-jobwatch/internal/registry"
	"github.com/tendant/simple-jobwatch/internal/store"
	"github.com/tendant/simple-jobwatch/pkg/schema"
)

// ErrNotAuthenticated is returned when no user is signed in.
var ErrNotAuthenticated = errors.New("not authenticated")

const defaultHeartbeat = 30 * time.Second

type Config struct {
	Poller    poller.Config
	Heartbeat time.Duration
	Retention time.Duration
}

// Backend is the part of the HTTP API the controller uses.
type Backend interface {
	poller.StatusClient
	AuthStatus(ctx context.Context) (api.AuthStatus, error)
	Logout(ctx context.Context) error
	Process(ctx context.Context, req api.ProcessRequest) (string, error)
	ListJobs(ctx context.Context, filter api.Filter) (map[string]api.JobStatus, error)
}

// Controller is created once per session and owns the registry, poller, and persistence adapter.
type Controller struct {
	backend   Backend
	reg       *registry.Registry
	poller    *poller.Poller
	persist   *persist.Adapter
	sink      notify.Sink
	logger    *slog.Logger
	heartbeat time.Duration
	now       func() time.Time

	mu     sync.RWMutex
	user   *api.User
	saveMu sync.Mutex
}

type Option func(*options)

type options struct {
	metrics *metrics.Metrics
	now     func() time.Time
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New(backend Backend, kv store.Store, sink notify.Sink, cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = notify.Discard{}
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	c := &Controller{
		backend:   backend,
		sink:      sink,
		logger:    logger,
		heartbeat: cfg.Heartbeat,
		now:       o.now,
	}
	persistOpts := []persist.Option{persist.WithClock(o.now)}
	if cfg.Retention > 0 {
		persistOpts = append(persistOpts, persist.WithRetention(cfg.Retention))
	}
	c.persist = persist.New(kv, logger.With("component", "persist"), persistOpts...)
	c.reg = registry.New(logger.With("component", "registry"), registry.WithClock(o.now), registry.WithObserver(c.jobChanged))
	c.poller = poller.New(backend, c.reg, sink, cfg.Poller, logger.With("component", "poller"),
		poller.WithClock(o.now), poller.WithMetrics(o.metrics))
	return c
}

func (c *Controller) jobChanged(j job.Job) {
	c.sink.JobChanged(j)
	c.save(context.Background())
}

// save writes the full registry for the current user. Saves are serialized so
// an older snapshot never lands after a newer one.
func (c *Controller) save(ctx context.Context) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	userID := c.userID()
	if userID == "" {
		return
	}
	c.persist.Save(ctx, userID, c.reg.All())
}

func (c *Controller) userID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return ""
	}
	return c.user.ID
}

// User returns the signed-in user.
func (c *Controller) User() (api.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return api.User{}, false
	}
	return *c.user, true
}

// Identify confirms the session and records the signed-in user without
// restoring jobs or polling.
func (c *Controller) Identify(ctx context.Context) (api.User, error) {
	st, err := c.backend.AuthStatus(ctx)
	if err != nil {
		if api.IsUnauthorized(err) {
			return api.User{}, ErrNotAuthenticated
		}
		return api.User{}, fmt.Errorf("check session: %w", err)
	}
	if !st.Authenticated || st.User == nil || st.User.ID == "" {
		return api.User{}, ErrNotAuthenticated
	}
	u := *st.User

	c.mu.Lock()
	switched := c.user != nil && c.user.ID != u.ID
	c.user = &u
	c.mu.Unlock()
	if switched {
		c.poller.Stop()
	}
	return u, nil
}

// Login confirms the session, restores the user's saved jobs, and resumes polling.
func (c *Controller) Login(ctx context.Context) (api.User, error) {
	u, err := c.Identify(ctx)
	if err != nil {
		return api.User{}, err
	}

	c.persist.RunDailyCleanup(ctx, u.ID)
	jobs := c.persist.Load(ctx, u.ID)
	c.reg.Restore(jobs)
	for _, j := range jobs {
		c.sink.JobChanged(j)
	}

	active := c.reg.ActiveJobs()
	if len(active) > 0 {
		c.poller.Start(context.WithoutCancel(ctx))
	}
	c.logger.Info("session restored", "user_id", u.ID, "jobs", len(jobs), "active", len(active))
	return u, nil
}

// Submit sends a recording for processing and starts tracking the new job.
func (c *Controller) Submit(ctx context.Context, sub job.Submission) (job.Job, error) {
	u, ok := c.User()
	if !ok {
		return job.Job{}, ErrNotAuthenticated
	}
	if err := sub.Validate(); err != nil {
		c.rejected(err)
		return job.Job{}, err
	}

	id, err := c.backend.Process(ctx, api.ProcessRequest{FileID: sub.FileID, AttachmentFileIDs: sub.AttachmentIDs})
	if err != nil {
		if api.IsUnauthorized(err) {
			c.sessionExpired()
			return job.Job{}, fmt.Errorf("submit %s: %w", sub.FileID, ErrNotAuthenticated)
		}
		n := notify.NewNotice(schema.NoticeError, "", "submission failed: "+errorMessage(err))
		n.FailureType = schema.FailureTypeRetryable
		c.sink.Notify(n)
		return job.Job{}, fmt.Errorf("submit %s: %w", sub.FileID, err)
	}

	j := c.reg.Create(id, u.ID, sub)
	c.logger.Info("job submitted", "job_id", id, "file_id", sub.FileID, "attachments", len(sub.AttachmentIDs))
	c.sink.Notify(notify.NewNotice(schema.NoticeInfo, id, "processing started"))
	c.poller.Start(context.WithoutCancel(ctx))
	return j, nil
}

// SubmitFiles checks the files' types and submits them.
func (c *Controller) SubmitFiles(ctx context.Context, recording api.File, attachments []api.File) (job.Job, error) {
	if err := drive.CheckSubmission(recording, attachments); err != nil {
		c.rejected(err)
		return job.Job{}, err
	}
	sub := job.Submission{FileID: recording.ID, FileName: recording.Name}
	for _, a := range attachments {
		sub.AttachmentIDs = append(sub.AttachmentIDs, a.ID)
		sub.AttachmentNames = append(sub.AttachmentNames, a.Name)
	}
	return c.Submit(ctx, sub)
}

// Cancel asks the backend to cancel id. On failure the job is left unchanged.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	if _, ok := c.User(); !ok {
		return ErrNotAuthenticated
	}
	if err := c.poller.Cancel(ctx, id); err != nil {
		if api.IsUnauthorized(err) {
			c.sessionExpired()
			return fmt.Errorf("cancel %s: %w", id, ErrNotAuthenticated)
		}
		if !errors.Is(err, poller.ErrUnknownJob) && !errors.Is(err, poller.ErrJobFinished) {
			c.sink.Notify(notify.NewNotice(schema.NoticeError, id, "cancel failed: "+errorMessage(err)))
		}
		return err
	}
	return nil
}

func (c *Controller) Jobs() []job.Job                { return c.reg.All() }
func (c *Controller) Job(id string) (job.Job, bool)  { return c.reg.Get(id) }
func (c *Controller) Counts() map[job.Status]int     { return c.reg.Counts() }
func (c *Controller) Polling() bool                  { return c.poller.Running() }
func (c *Controller) Wait(ctx context.Context) error { return c.poller.Wait(ctx) }

// Remaining estimates the time left for a processing job.
func (c *Controller) Remaining(id string) (time.Duration, bool) {
	j, ok := c.reg.Get(id)
	if !ok {
		return 0, false
	}
	return job.EstimateRemaining(j, c.now())
}

// RemoteActiveCount returns how many jobs the backend reports as still running.
func (c *Controller) RemoteActiveCount(ctx context.Context) (int, error) {
	jobs, err := c.backend.ListJobs(ctx, api.FilterActive)
	if err != nil {
		if api.IsUnauthorized(err) {
			c.sessionExpired()
			return 0, ErrNotAuthenticated
		}
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return len(jobs), nil
}

// Logout stops polling, ends the backend session, and forgets the user's jobs.
func (c *Controller) Logout(ctx context.Context) error {
	c.poller.Stop()

	c.mu.Lock()
	var userID string
	if c.user != nil {
		userID = c.user.ID
	}
	c.user = nil
	c.mu.Unlock()

	err := c.backend.Logout(ctx)
	if err != nil {
		c.logger.Warn("backend logout failed", "err", err)
	}
	c.saveMu.Lock()
	c.persist.ClearUser(ctx, userID)
	c.reg.Clear()
	c.saveMu.Unlock()
	c.logger.Info("signed out", "user_id", userID)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Run saves a heartbeat snapshot until ctx is done, then stops polling and saves once more.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.poller.Stop()
			c.save(context.WithoutCancel(ctx))
			return nil
		case <-ticker.C:
			c.save(ctx)
		}
	}
}

func (c *Controller) sessionExpired() {
	c.poller.Stop()
	n := notify.NewNotice(schema.NoticeSessionExpired, "", "session expired, please sign in again")
	n.FailureType = schema.FailureTypeAuth
	c.sink.Notify(n)
}

func (c *Controller) rejected(err error) {
	n := notify.NewNotice(schema.NoticeError, "", err.Error())
	n.FailureType = schema.FailureTypeValidation
	c.sink.Notify(n)
}

func errorMessage(err error) string {
	var se *api.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}
