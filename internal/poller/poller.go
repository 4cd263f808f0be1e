// Package poller keeps active jobs in sync with the backend's status endpoints.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-jobwatch/internal/api"
	"github.com/tendant/simple-jobwatch/internal/job"
	"github.com/tendant/simple-jobwatch/internal/metrics"
	"github.com/tendant/simple-jobwatch/internal/notify"
	"github.com/tendant/simple-jobwatch/internal/registry"
	"github.com/tendant/simple-jobwatch/pkg/schema"
)

// ErrSessionInvalid is returned when the backend rejects the session. Polling stops.
var ErrSessionInvalid = errors.New("session invalid")

// ErrUnknownJob is returned when cancelling a job the registry does not track.
var ErrUnknownJob = errors.New("unknown job")

// ErrJobFinished is returned when cancelling a job that already reached a terminal state.
var ErrJobFinished = errors.New("job already finished")

var errBatchUnavailable = errors.New("batch status endpoint unavailable")

// FailedMessage is recorded on jobs whose status could not be checked repeatedly.
const FailedMessage = "status check failed, please resubmit"

const (
	modeBatch  = "batch"
	modeSingle = "single"
)

// StatusClient is the subset of the backend API the poller depends on.
type StatusClient interface {
	JobStatus(ctx context.Context, id string) (api.JobStatus, error)
	BatchStatus(ctx context.Context, ids []string) (map[string]api.JobStatus, error)
	CancelJob(ctx context.Context, id string) error
}

type Config struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
	Concurrency    int
	Batch          bool
}

func DefaultConfig() Config {
	return Config{
		Interval:       2 * time.Second,
		RequestTimeout: 15 * time.Second,
		BaseBackoff:    time.Second,
		MaxBackoff:     30 * time.Second,
		MaxRetries:     5,
		Concurrency:    3,
		Batch:          true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.BaseBackoff)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

// Poller periodically refreshes every active job in the registry.
type Poller struct {
	client  StatusClient
	reg     *registry.Registry
	sink    notify.Sink
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// cycle serializes fetch cycles so a loop restarted after Stop cannot
	// overlap the previous loop's unfinished requests.
	cycle sync.Mutex

	mu            sync.Mutex
	cancel        context.CancelFunc
	done          chan struct{}
	batchDisabled bool
	nextCheck     map[string]time.Time
}

type Option func(*Poller)

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

func New(client StatusClient, reg *registry.Registry, sink notify.Sink, cfg Config, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = notify.Discard{}
	}
	p := &Poller{
		client:    client,
		reg:       reg,
		sink:      sink,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
		nextCheck: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling unless it is already running. The first cycle runs immediately.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	p.logger.Debug("poller started", "interval", p.cfg.Interval)
	go p.run(loopCtx, done)
}

// Stop cancels the recurring timer. Requests already in flight still complete and apply.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release(nil)
}

// release clears the running loop. When done is non-nil only that loop is released.
// Callers hold p.mu.
func (p *Poller) release(done chan struct{}) {
	if p.done == nil || (done != nil && p.done != done) {
		return
	}
	p.cancel()
	p.cancel, p.done = nil, nil
}

// Running reports whether the polling loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil
}

// Wait blocks until the current polling loop exits or ctx is done.
func (p *Poller) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		p.mu.Lock()
		p.release(done)
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(context.WithoutCancel(ctx)); errors.Is(err, ErrSessionInvalid) {
			return
		}
		if p.idle(done) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// idle releases the loop when nothing is left to poll. Checking under p.mu
// keeps a concurrent Start from being lost.
func (p *Poller) idle(done chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reg.HasActive() {
		return false
	}
	p.logger.Debug("no active jobs, poller idle")
	p.release(done)
	return true
}

// Poll runs a single fetch cycle over every active job whose next check is due.
func (p *Poller) Poll(ctx context.Context) error {
	p.cycle.Lock()
	defer p.cycle.Unlock()

	active := p.reg.ActiveJobs()
	p.metrics.SetActive(len(active))

	due := p.dueIDs(active)
	if len(due) == 0 {
		return nil
	}

	var err error
	if p.batchEnabled() {
		err = p.pollBatch(ctx, due)
		if errors.Is(err, errBatchUnavailable) {
			err = p.pollEach(ctx, due)
		}
	} else {
		err = p.pollEach(ctx, due)
	}

	if errors.Is(err, ErrSessionInvalid) {
		p.logger.Warn("session rejected by backend, polling stopped")
		notice := notify.NewNotice(schema.NoticeSessionExpired, "", "session expired, please sign in again")
		notice.FailureType = schema.FailureTypeAuth
		p.sink.Notify(notice)
		p.Stop()
	}
	p.metrics.SetActive(len(p.reg.ActiveJobs()))
	return err
}

func (p *Poller) dueIDs(active []job.Job) []string {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[string]struct{}, len(active))
	due := make([]string, 0, len(active))
	for _, j := range active {
		live[j.ID] = struct{}{}
		if next, ok := p.nextCheck[j.ID]; ok && now.Before(next) {
			continue
		}
		due = append(due, j.ID)
	}
	for id := range p.nextCheck {
		if _, ok := live[id]; !ok {
			delete(p.nextCheck, id)
		}
	}
	return due
}

func (p *Poller) batchEnabled() bool {
	if !p.cfg.Batch {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.batchDisabled
}

func (p *Poller) pollBatch(ctx context.Context, ids []string) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	statuses, err := p.client.BatchStatus(reqCtx, ids)
	if err != nil {
		switch {
		case api.IsNotFound(err):
			p.metrics.Request(modeBatch, metrics.OutcomeNotFound)
			p.mu.Lock()
			p.batchDisabled = true
			p.mu.Unlock()
			p.logger.Info("batch status endpoint missing, using per-job requests")
			return errBatchUnavailable
		case api.IsUnauthorized(err):
			p.metrics.Request(modeBatch, metrics.OutcomeUnauthorized)
			return ErrSessionInvalid
		case api.IsTimeout(err):
			p.metrics.Request(modeBatch, metrics.OutcomeTimeout)
			for _, id := range ids {
				p.retry(id, err)
			}
			return nil
		default:
			p.metrics.Request(modeBatch, metrics.OutcomeError)
			p.logger.Warn("batch status check failed", "jobs", len(ids), "err", err)
			return nil
		}
	}

	p.metrics.Request(modeBatch, metrics.OutcomeOK)
	for _, id := range ids {
		st, ok := statuses[id]
		if !ok {
			p.retry(id, fmt.Errorf("job %s missing from batch response", id))
			continue
		}
		p.apply(id, st)
	}
	return nil
}

func (p *Poller) pollEach(ctx context.Context, ids []string) error {
	var (
		g        errgroup.Group
		rejected atomic.Bool
	)
	g.SetLimit(p.cfg.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if rejected.Load() {
				return nil
			}
			err := p.fetchOne(ctx, id)
			if errors.Is(err, ErrSessionInvalid) {
				rejected.Store(true)
			}
			return err
		})
	}
	return g.Wait()
}

func (p *Poller) fetchOne(ctx context.Context, id string) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	st, err := p.client.JobStatus(reqCtx, id)
	if err != nil {
		switch {
		case api.IsUnauthorized(err):
			p.metrics.Request(modeSingle, metrics.OutcomeUnauthorized)
			return ErrSessionInvalid
		case api.IsNotFound(err):
			p.metrics.Request(modeSingle, metrics.OutcomeNotFound)
			p.retry(id, err)
		case api.IsTimeout(err):
			p.metrics.Request(modeSingle, metrics.OutcomeTimeout)
			p.retry(id, err)
		default:
			p.metrics.Request(modeSingle, metrics.OutcomeError)
			p.logger.Warn("status check failed, keeping last known state", "job_id", id, "err", err)
		}
		return nil
	}
	p.metrics.Request(modeSingle, metrics.OutcomeOK)
	p.apply(id, st)
	return nil
}

func (p *Poller) apply(id string, st api.JobStatus) {
	p.reg.ResetRetry(id)
	p.forget(id)

	ch := p.reg.ApplyUpdate(id, st.Patch())
	if !ch.BecameTerminal {
		return
	}
	p.metrics.JobTerminal(string(ch.Job.Status))

	switch ch.Job.Status {
	case job.StatusCompleted:
		msg := "processing complete"
		if ch.Job.Result != nil && ch.Job.Result.Title != "" {
			msg += ": " + ch.Job.Result.Title
		}
		p.sink.Notify(notify.NewNotice(schema.NoticeSuccess, id, msg))
	case job.StatusFailed:
		n := notify.NewNotice(schema.NoticeError, id, "processing failed: "+ch.Job.Error)
		n.FailureType = schema.FailureTypePermanent
		p.sink.Notify(n)
	case job.StatusCancelled:
		p.logger.Info("job cancelled remotely", "job_id", id)
	}
}

// retry counts a transient failure for id and either schedules a delayed
// check or gives up once MaxRetries is exceeded.
func (p *Poller) retry(id string, cause error) {
	n := p.reg.RecordRetry(id)
	if n == 0 {
		return
	}

	if n > p.cfg.MaxRetries {
		p.forget(id)
		ch, err := p.reg.MarkTerminal(id, job.StatusFailed, FailedMessage)
		if err != nil || !ch.BecameTerminal {
			return
		}
		p.metrics.JobTerminal(string(job.StatusFailed))
		p.logger.Warn("giving up on job status", "job_id", id, "attempts", n, "err", cause)
		notice := notify.NewNotice(schema.NoticeError, id, FailedMessage)
		notice.FailureType = schema.FailureTypeRetryable
		p.sink.Notify(notice)
		return
	}

	delay := p.backoff(n)
	p.mu.Lock()
	p.nextCheck[id] = p.now().Add(delay)
	p.mu.Unlock()
	p.metrics.Retry()
	p.logger.Info("status check failed, retrying", "job_id", id, "attempt", n, "delay", delay, "err", cause)
}

// backoff returns BaseBackoff * 2^(attempt-1), capped at MaxBackoff.
func (p *Poller) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return p.cfg.MaxBackoff
	}
	d := p.cfg.BaseBackoff << (attempt - 1)
	if d <= 0 || d > p.cfg.MaxBackoff {
		return p.cfg.MaxBackoff
	}
	return d
}

func (p *Poller) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nextCheck, id)
}

// NextCheck returns when id will next be fetched, if it is delayed by backoff.
func (p *Poller) NextCheck(id string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.nextCheck[id]
	return t, ok
}

// Cancel asks the backend to cancel id and marks it cancelled locally on success.
func (p *Poller) Cancel(ctx context.Context, id string) error {
	j, ok := p.reg.Get(id)
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, ErrUnknownJob)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("cancel %s (%s): %w", id, j.Status, ErrJobFinished)
	}

	if err := p.client.CancelJob(ctx, id); err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}

	p.forget(id)
	ch, err := p.reg.MarkTerminal(id, job.StatusCancelled, "cancelled by user")
	if err != nil {
		return err
	}
	if ch.Job.ID == "" {
		return fmt.Errorf("cancel %s: %w", id, ErrUnknownJob)
	}
	if !ch.BecameTerminal {
		// a concurrent poll finished the job while the cancel was in flight
		return fmt.Errorf("cancel %s (%s): %w", id, ch.Job.Status, ErrJobFinished)
	}
	p.metrics.JobTerminal(string(job.StatusCancelled))
	p.sink.Notify(notify.NewNotice(schema.NoticeInfo, id, "job cancelled"))
	return nil
}
