// ABOUTME: Background task manager with worker pool, retry/backoff, and cancellation
// ABOUTME: Shared execution discipline for translate, log-activity, and notify-room jobs

package taskd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRetriesExhausted is the terminal error delivered to OnAbandoned when a
// job fails its final attempt
var ErrRetriesExhausted = errors.New("retries exhausted")

// ErrUnknownJobKind is returned by Schedule for a kind with no registered action
var ErrUnknownJobKind = errors.New("unknown job kind")

// ErrManagerStopped is returned by Schedule after the manager shut down
var ErrManagerStopped = errors.New("task manager stopped")

// ErrJobCancelled is the terminal error of a job cancelled before execution
var ErrJobCancelled = errors.New("job cancelled")

// collisionRetryDelay is how long a job waits before re-dispatch when
// another attempt holds its key.
const collisionRetryDelay = 25 * time.Millisecond

// Job is one unit of background work. Kind selects the registered action,
// Key (optional) serializes jobs for the same logical unit, and Payload is
// handed to the action untouched.
type Job struct {
	ID      string
	Kind    string
	Key     string
	Payload any
}

// ActionFunc executes one attempt of a job. Returning nil completes the
// job; returning an error wrapped with Permanent abandons it immediately;
// any other error is retried per the backoff policy.
type ActionFunc func(ctx context.Context, job Job) error

// permanentError marks a failure as non-recoverable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the manager abandons the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Config holds the externally supplied tuning parameters for a Manager.
type Config struct {
	Workers        int           // worker pool size
	QueueSize      int           // buffered queue capacity
	MaxAttempts    int           // attempts before abandonment
	BaseDelay      time.Duration // first retry delay
	MaxDelay       time.Duration // backoff cap
	Jitter         float64       // jitter fraction, e.g. 0.2 for ±20%
	AttemptTimeout time.Duration // per-attempt execution bound

	// OnAbandoned fires exactly once for every job that reaches the
	// abandoned state. It is the operator-facing failure signal; jobs are
	// never dropped silently.
	OnAbandoned func(job Job, err error)
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 15 * time.Second
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
}

// task is the manager's private job state. Never exposed outside except
// through the Handle.
type task struct {
	job      Job
	attempts int

	mu        sync.Mutex
	cancelled bool

	once sync.Once
	err  error
	done chan struct{}
}

func (t *task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Handle is the caller's view of a scheduled job.
type Handle struct {
	t *task
}

// Cancel marks the job cancelled. A job already in an attempt finishes that
// attempt; the cancellation takes effect at the next checkpoint.
func (h *Handle) Cancel() {
	h.t.mu.Lock()
	h.t.cancelled = true
	h.t.mu.Unlock()
}

// Done is closed when the job reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.t.done
}

// Err returns the terminal error, nil for success. Only valid after Done
// is closed.
func (h *Handle) Err() error {
	return h.t.err
}

// Manager executes background jobs on a bounded worker pool.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	actions map[string]ActionFunc
	queue   chan *task
	keys    *keyLock

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	started  bool
}

// New creates a Manager. Register actions, then call Start.
func New(cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "taskd"),
		actions: make(map[string]ActionFunc),
		queue:   make(chan *task, cfg.QueueSize),
		keys:    newKeyLock(),
		stop:    make(chan struct{}),
	}
}

// Register binds a job kind to its action. Must be called before Start;
// the registry is read-only afterwards.
func (m *Manager) Register(kind string, action ActionFunc) {
	if m.started {
		panic("taskd: Register after Start")
	}
	m.actions[kind] = action
}

// Start launches the worker pool.
func (m *Manager) Start() {
	m.started = true
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.logger.Info("task manager started",
		"workers", m.cfg.Workers,
		"queue_size", m.cfg.QueueSize,
		"max_attempts", m.cfg.MaxAttempts)
}

// Stop shuts the pool down. Jobs that never reached a worker are not
// executed, but their handles still resolve with ErrManagerStopped;
// idempotent actions make a later re-schedule safe.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()

	// Resolve anything still sitting in the queue so no caller blocks on
	// Handle.Done forever
	for {
		select {
		case t := <-m.queue:
			m.finish(t, ErrManagerStopped)
		default:
			m.logger.Info("task manager stopped")
			return
		}
	}
}

// Schedule enqueues a job for asynchronous execution and returns
// immediately. It never blocks on job completion; it blocks only while the
// queue itself is full.
func (m *Manager) Schedule(ctx context.Context, job Job) (*Handle, error) {
	if _, ok := m.actions[job.Kind]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobKind, job.Kind)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	t := &task{
		job:  job,
		done: make(chan struct{}),
	}

	select {
	case m.queue <- t:
	case <-m.stop:
		return nil, ErrManagerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.logger.Debug("job scheduled", "job_id", job.ID, "kind", job.Kind, "key", job.Key)
	return &Handle{t: t}, nil
}

func (m *Manager) worker(idx int) {
	defer m.wg.Done()

	// Per-worker RNG avoids lock contention when many jobs back off at once
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-m.stop:
			return
		case t := <-m.queue:
			m.dispatch(t, rng)
		}
	}
}

// dispatch runs one attempt of a task, honouring cancellation and the
// per-key exclusivity lock.
func (m *Manager) dispatch(t *task, rng *rand.Rand) {
	// Cancellation checkpoint: before the attempt, never mid-attempt
	if t.isCancelled() {
		m.finish(t, ErrJobCancelled)
		return
	}

	if t.job.Key != "" {
		if !m.keys.TryAcquire(t.job.Key) {
			// Another attempt for this key is in flight; try again shortly
			m.requeueAfter(t, collisionRetryDelay)
			return
		}
		defer m.keys.Release(t.job.Key)
	}

	t.attempts++
	err := m.runAttempt(t)
	if err == nil {
		m.logger.Debug("job succeeded", "job_id", t.job.ID, "kind", t.job.Kind, "attempts", t.attempts)
		m.finish(t, nil)
		return
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		m.abandon(t, perm.err)
		return
	}

	if t.attempts >= m.cfg.MaxAttempts {
		m.abandon(t, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, t.attempts, err))
		return
	}

	delay := backoffDelay(m.cfg.BaseDelay, m.cfg.MaxDelay, m.cfg.Jitter, t.attempts, rng)
	m.logger.Debug("job retry scheduled",
		"job_id", t.job.ID,
		"kind", t.job.Kind,
		"attempt", t.attempts,
		"delay", delay,
		"error", err)
	m.requeueAfter(t, delay)
}

// runAttempt executes the action under the per-attempt timeout, converting
// panics into errors so one bad job cannot kill a worker. The bound is hard:
// the action runs in its own goroutine and the worker moves on at the
// deadline, so an action that ignores its context leaks a goroutine until it
// returns but can never hold the pool or block Stop.
func (m *Manager) runAttempt(t *task) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AttemptTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("job panicked", "job_id", t.job.ID, "kind", t.job.Kind, "panic", r)
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- m.actions[t.job.Kind](ctx, t.job)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("attempt timed out after %s", m.cfg.AttemptTimeout)
	}
}

// requeueAfter returns the task to the queue once the delay elapses. The
// delay is the job's next-eligible-run gap.
func (m *Manager) requeueAfter(t *task, delay time.Duration) {
	timer := time.AfterFunc(delay, func() {
		select {
		case m.queue <- t:
		case <-m.stop:
			m.finish(t, ErrManagerStopped)
		}
	})
	// On shutdown resolve the task regardless of whether the timer already
	// fired; finish is idempotent, so racing the queue drain is harmless
	go func() {
		select {
		case <-m.stop:
			timer.Stop()
			m.finish(t, ErrManagerStopped)
		case <-t.done:
		}
	}()
}

// abandon moves a task to the terminal abandoned state and fires the
// failure callback.
func (m *Manager) abandon(t *task, err error) {
	m.logger.Error("job abandoned",
		"job_id", t.job.ID,
		"kind", t.job.Kind,
		"attempts", t.attempts,
		"error", err)
	if m.cfg.OnAbandoned != nil {
		m.cfg.OnAbandoned(t.job, err)
	}
	m.finish(t, err)
}

// finish moves a task to its terminal state. Idempotent: during shutdown a
// task can be finished by both its retry watcher and the queue drain.
func (m *Manager) finish(t *task, err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// backoffDelay computes base × 2^(attempt-1) capped at max, with a uniform
// ±jitter fraction applied.
func backoffDelay(base, max time.Duration, jitter float64, attempt int, rng *rand.Rand) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > max {
			d = max
			break
		}
	}
	if jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > max {
		d = max
	}
	return d
}
