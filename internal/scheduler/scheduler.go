package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/presencepulse/internal/adapter/metrics"
	"github.com/pscheid92/presencepulse/internal/domain"
	"github.com/pscheid92/presencepulse/internal/platform/correlation"
)

const (
	defaultWorkers      = 4
	defaultPollInterval = time.Second
	defaultReclaimIdle  = 2 * time.Minute
	defaultBatchSize    = 100
)

// Handler executes one firing. It must be idempotent: a firing can be
// delivered more than once after a worker crash.
type Handler func(ctx context.Context, firing domain.Firing) error

// JobSpec describes a job to register. A zero Repeat registers a one-shot job
// that fires once after Delay.
type JobSpec struct {
	ID      string
	Handler Handler
	Payload json.RawMessage
	Repeat  domain.RepeatPolicy
	Retry   domain.RetryPolicy
	Delay   time.Duration
}

// Leader gates the clock loop so that a single instance polls the schedule.
// Correctness does not depend on it; the queue's compare-and-set does.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

type Options struct {
	// Consumer identifies this process on the queue; worker names derive from it.
	Consumer     string
	Workers      int
	PollInterval time.Duration
	ReclaimIdle  time.Duration
	BatchSize    int
	DefaultRetry domain.RetryPolicy
	Leader       Leader
}

type registeredHandler struct {
	handler Handler
	payload json.RawMessage
	retry   domain.RetryPolicy
}

type Scheduler struct {
	queue   domain.JobQueue
	clock   clockwork.Clock
	metrics *metrics.SchedulerMetrics
	opts    Options

	registry *registry

	mu       sync.RWMutex
	handlers map[string]registeredHandler

	leading  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(queue domain.JobQueue, clock clockwork.Clock, m *metrics.SchedulerMetrics, opts Options) *Scheduler {
	if opts.Consumer == "" {
		opts.Consumer = "scheduler-" + uuid.NewString()[:8]
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ReclaimIdle <= 0 {
		opts.ReclaimIdle = defaultReclaimIdle
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.DefaultRetry.MaxAttempts <= 0 {
		opts.DefaultRetry.MaxAttempts = 1
	}

	return &Scheduler{
		queue:    queue,
		clock:    clock,
		metrics:  m,
		opts:     opts,
		registry: newRegistry(),
		handlers: make(map[string]registeredHandler),
	}
}

// Register installs the handler for spec.ID and creates its schedule on the
// queue. Registering an id that is already registered in this process is a
// no-op; an id already scheduled by another process keeps its schedule.
func (s *Scheduler) Register(ctx context.Context, spec JobSpec) error {
	if err := s.validate(spec); err != nil {
		return err
	}
	if err := validateRepeat(spec.Repeat); err != nil {
		return fmt.Errorf("job %s: %w", spec.ID, err)
	}

	if !s.registry.claim(spec.ID) {
		slog.DebugContext(ctx, "Job already registered, skipping", "job_id", spec.ID)
		return nil
	}

	retry := s.retryPolicy(spec.Retry)
	s.setHandler(spec.ID, registeredHandler{handler: spec.Handler, payload: spec.Payload, retry: retry})

	created, err := s.upsert(ctx, spec, retry)
	if err != nil {
		s.registry.release(spec.ID)
		s.removeHandler(spec.ID)
		return err
	}

	slog.InfoContext(ctx, "Job registered",
		"job_id", spec.ID,
		"every", spec.Repeat.Every,
		"cron", spec.Repeat.Cron,
		"max_attempts", retry.MaxAttempts,
		"created", created,
	)
	return nil
}

func (s *Scheduler) upsert(ctx context.Context, spec JobSpec, retry domain.RetryPolicy) (bool, error) {
	if err := s.queue.Ping(ctx); err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrSchedulerUnavailable, err)
	}

	first, err := firstFire(spec.Repeat, s.clock.Now(), spec.Delay)
	if err != nil {
		return false, fmt.Errorf("job %s: %w", spec.ID, err)
	}

	def := domain.JobDefinition{
		ID:      spec.ID,
		Payload: spec.Payload,
		Repeat:  spec.Repeat,
		Retry:   retry,
	}
	created, err := s.queue.Upsert(ctx, def, first)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrSchedulerUnavailable, err)
	}
	return created, nil
}

// Handle installs a handler for jobs that are only ever started through
// Enqueue. No schedule is created.
func (s *Scheduler) Handle(spec JobSpec) error {
	if err := s.validate(spec); err != nil {
		return err
	}
	if !s.registry.claim(spec.ID) {
		return nil
	}
	s.setHandler(spec.ID, registeredHandler{
		handler: spec.Handler,
		payload: spec.Payload,
		retry:   s.retryPolicy(spec.Retry),
	})
	return nil
}

// Unregister deletes the job's definition and schedule. Firings already on the
// queue are still delivered and dropped when no handler remains.
func (s *Scheduler) Unregister(ctx context.Context, jobID string) error {
	if err := s.queue.Remove(ctx, jobID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSchedulerUnavailable, err)
	}
	s.registry.release(jobID)
	s.removeHandler(jobID)

	slog.InfoContext(ctx, "Job unregistered", "job_id", jobID)
	return nil
}

// Enqueue pushes a single firing of a registered job. A nil payload uses the
// payload the job was registered with.
func (s *Scheduler) Enqueue(ctx context.Context, jobID string, payload json.RawMessage) error {
	entry, ok := s.handler(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownJob, jobID)
	}
	if payload == nil {
		payload = entry.payload
	}

	firing := domain.Firing{
		ID:          jobID + ":" + uuid.NewString(),
		JobID:       jobID,
		Payload:     payload,
		Attempt:     1,
		ScheduledAt: s.clock.Now().UnixMilli(),
	}
	if err := s.queue.Push(ctx, firing); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSchedulerUnavailable, err)
	}

	s.metrics.Firings.WithLabelValues(jobID).Inc()
	slog.DebugContext(ctx, "Job enqueued", "job_id", jobID, "firing_id", firing.ID)
	return nil
}

// Registered reports whether jobID has a handler in this process.
func (s *Scheduler) Registered(jobID string) bool {
	return s.registry.has(jobID)
}

// Ready checks that the queue is reachable.
func (s *Scheduler) Ready(ctx context.Context) error {
	return s.queue.Ping(ctx)
}

// Start launches the clock loop, the reclaim loop and the worker pool. They
// run until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.goLoop(func() { s.clockLoop(ctx) })
	s.goLoop(func() { s.reclaimLoop(ctx) })
	for i := range s.opts.Workers {
		consumer := fmt.Sprintf("%s-%d", s.opts.Consumer, i)
		s.goLoop(func() { s.worker(ctx, consumer) })
	}

	slog.Info("Scheduler started", "consumer", s.opts.Consumer, "workers", s.opts.Workers, "poll_interval", s.opts.PollInterval)
}

// Stop cancels all loops, waits for in-flight handlers and gives up leadership.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		if s.opts.Leader != nil && s.leading.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.opts.Leader.Release(ctx); err != nil {
				slog.Warn("Failed to release scheduler leadership", "error", err)
			}
			s.setLeading(false)
		}
		slog.Info("Scheduler stopped", "consumer", s.opts.Consumer)
	})
}

func (s *Scheduler) goLoop(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Scheduler) clockLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

// tick promotes due retries and turns due schedule entries into firings.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.holdLeadership(ctx) {
		return
	}

	now := s.clock.Now()

	promoted, err := s.queue.PromoteRetries(ctx, now, s.opts.BatchSize)
	if err != nil {
		slog.WarnContext(ctx, "Failed to promote retries", "error", err)
	} else if promoted > 0 {
		slog.DebugContext(ctx, "Promoted retries", "count", promoted)
	}

	due, err := s.queue.Due(ctx, now, s.opts.BatchSize)
	if err != nil {
		slog.WarnContext(ctx, "Failed to read due jobs", "error", err)
		return
	}

	for _, d := range due {
		s.fire(ctx, d, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, due domain.DueJob, now time.Time) {
	jobID := due.Definition.ID

	next, err := nextFire(due.Definition.Repeat, due.FireAt, now)
	if err != nil {
		slog.ErrorContext(ctx, "Unschedulable job, dropping schedule", "job_id", jobID, "error", err)
		next = time.Time{}
	}

	firing := domain.Firing{
		ID:          firingID(jobID, due.FireAt),
		JobID:       jobID,
		Payload:     due.Definition.Payload,
		Attempt:     1,
		ScheduledAt: due.FireAt.UnixMilli(),
	}

	won, err := s.queue.Advance(ctx, due, next, firing)
	if err != nil {
		slog.WarnContext(ctx, "Failed to advance schedule", "job_id", jobID, "error", err)
		return
	}
	if !won {
		return
	}

	s.metrics.Firings.WithLabelValues(jobID).Inc()
	slog.DebugContext(ctx, "Job fired", "job_id", jobID, "firing_id", firing.ID, "next_run", next)
}

func (s *Scheduler) holdLeadership(ctx context.Context) bool {
	leader := s.opts.Leader
	if leader == nil {
		return true
	}

	if s.leading.Load() {
		if err := leader.Renew(ctx); err != nil {
			slog.WarnContext(ctx, "Lost scheduler leadership", "consumer", s.opts.Consumer, "error", err)
			s.setLeading(false)
			return false
		}
		return true
	}

	acquired, err := leader.TryAcquire(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Scheduler leader election failed", "error", err)
		return false
	}
	if acquired {
		slog.InfoContext(ctx, "Acquired scheduler leadership", "consumer", s.opts.Consumer)
		s.setLeading(true)
	}
	return acquired
}

func (s *Scheduler) setLeading(v bool) {
	s.leading.Store(v)
	if v {
		s.metrics.Leader.Set(1)
	} else {
		s.metrics.Leader.Set(0)
	}
}

func (s *Scheduler) worker(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}

		deliveries, err := s.queue.Receive(ctx, consumer, 1, s.opts.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "Failed to receive firings", "consumer", consumer, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.opts.PollInterval):
			}
			continue
		}

		for _, d := range deliveries {
			s.execute(ctx, d)
		}
	}
}

func (s *Scheduler) reclaimLoop(ctx context.Context) {
	interval := s.opts.ReclaimIdle / 2
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	consumer := s.opts.Consumer + "-reclaim"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			deliveries, err := s.queue.Reclaim(ctx, consumer, s.opts.ReclaimIdle, s.opts.BatchSize)
			if err != nil {
				slog.WarnContext(ctx, "Failed to reclaim stalled firings", "error", err)
				continue
			}
			if len(deliveries) > 0 {
				s.metrics.Reclaimed.Add(float64(len(deliveries)))
				slog.InfoContext(ctx, "Reclaimed stalled firings", "count", len(deliveries))
			}
			for _, d := range deliveries {
				s.execute(ctx, d)
			}
		}
	}
}

// execute runs the handler for one delivery. Failures below MaxAttempts are
// re-queued after the fixed backoff; the delivery itself is acknowledged either
// way unless the retry could not be recorded, in which case it stays pending
// for reclaim.
func (s *Scheduler) execute(ctx context.Context, d domain.Delivery) {
	firing := d.Firing
	fctx := correlation.WithJob(ctx, firing.JobID, firing.ID)

	entry, ok := s.handler(firing.JobID)
	if !ok {
		slog.WarnContext(fctx, "No handler for firing, dropping", "attempt", firing.Attempt)
		s.metrics.Executions.WithLabelValues(firing.JobID, "unknown").Inc()
		s.ack(fctx, d)
		return
	}

	start := time.Now()
	err := invoke(fctx, entry.handler, firing)
	s.metrics.ExecutionDuration.WithLabelValues(firing.JobID).Observe(time.Since(start).Seconds())

	if err == nil {
		s.metrics.Executions.WithLabelValues(firing.JobID, "success").Inc()
		slog.DebugContext(fctx, "Job succeeded", "attempt", firing.Attempt)
		s.ack(fctx, d)
		return
	}

	err = fmt.Errorf("%w: %w", domain.ErrHandlerFailure, err)

	if firing.Attempt < entry.retry.MaxAttempts {
		retry := firing
		retry.Attempt++
		at := s.clock.Now().Add(entry.retry.Backoff)
		if rerr := s.queue.Retry(fctx, retry, at); rerr != nil {
			slog.ErrorContext(fctx, "Failed to schedule retry, leaving firing pending", "attempt", firing.Attempt, "error", rerr)
			return
		}
		s.metrics.Executions.WithLabelValues(firing.JobID, "retry").Inc()
		s.metrics.Retries.WithLabelValues(firing.JobID).Inc()
		slog.WarnContext(fctx, "Job failed, retrying",
			"attempt", firing.Attempt,
			"max_attempts", entry.retry.MaxAttempts,
			"retry_at", at,
			"error", err,
		)
		s.ack(fctx, d)
		return
	}

	s.metrics.Executions.WithLabelValues(firing.JobID, "failed").Inc()
	slog.ErrorContext(fctx, "Job failed permanently",
		"attempt", firing.Attempt,
		"max_attempts", entry.retry.MaxAttempts,
		"error", err,
	)
	s.ack(fctx, d)
}

func (s *Scheduler) ack(ctx context.Context, d domain.Delivery) {
	if err := s.queue.Ack(ctx, d); err != nil {
		slog.WarnContext(ctx, "Failed to acknowledge firing", "error", err)
	}
}

func invoke(ctx context.Context, h Handler, firing domain.Firing) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, firing)
}

func (s *Scheduler) validate(spec JobSpec) error {
	if spec.ID == "" {
		return errors.New("job id is required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("job %s: handler is required", spec.ID)
	}
	return nil
}

func (s *Scheduler) retryPolicy(p domain.RetryPolicy) domain.RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = s.opts.DefaultRetry.MaxAttempts
		if p.Backoff == 0 {
			p.Backoff = s.opts.DefaultRetry.Backoff
		}
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

func (s *Scheduler) setHandler(id string, h registeredHandler) {
	s.mu.Lock()
	s.handlers[id] = h
	s.mu.Unlock()
}

func (s *Scheduler) removeHandler(id string) {
	s.mu.Lock()
	delete(s.handlers, id)
	s.mu.Unlock()
}

func (s *Scheduler) handler(id string) (registeredHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[id]
	return h, ok
}
