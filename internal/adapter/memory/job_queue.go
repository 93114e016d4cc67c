package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/presencepulse/internal/domain"
)

var _ domain.JobQueue = (*JobQueue)(nil)

type retryEntry struct {
	firing domain.Firing
	at     int64
}

type pendingDelivery struct {
	firing      domain.Firing
	consumer    string
	deliveredAt time.Time
}

// JobQueue is a single-process JobQueue. Fire times are kept at millisecond
// precision so compare-and-set behaves like the Redis implementation.
type JobQueue struct {
	clock clockwork.Clock

	mu       sync.Mutex
	defs     map[string]domain.JobDefinition
	schedule map[string]int64
	retries  []retryEntry
	ready    []domain.Firing
	pending  map[string]*pendingDelivery
	seq      int64
	wake     chan struct{}
}

func NewJobQueue(clock clockwork.Clock) *JobQueue {
	return &JobQueue{
		clock:    clock,
		defs:     make(map[string]domain.JobDefinition),
		schedule: make(map[string]int64),
		pending:  make(map[string]*pendingDelivery),
		wake:     make(chan struct{}),
	}
}

func (q *JobQueue) Ping(context.Context) error { return nil }

func (q *JobQueue) Upsert(_ context.Context, def domain.JobDefinition, firstRun time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.defs[def.ID] = def
	if _, exists := q.schedule[def.ID]; exists {
		return false, nil
	}
	q.schedule[def.ID] = firstRun.UnixMilli()
	return true, nil
}

func (q *JobQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	delete(q.defs, jobID)
	delete(q.schedule, jobID)
	q.mu.Unlock()
	return nil
}

func (q *JobQueue) List(_ context.Context) ([]domain.ScheduledJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.ScheduledJob, 0, len(q.defs))
	for id, def := range q.defs {
		job := domain.ScheduledJob{Definition: def}
		if ms, ok := q.schedule[id]; ok {
			job.NextRun = time.UnixMilli(ms)
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition.ID < out[j].Definition.ID })
	return out, nil
}

func (q *JobQueue) Due(_ context.Context, now time.Time, limit int) ([]domain.DueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	nowMs := now.UnixMilli()
	var due []domain.DueJob
	for id, at := range q.schedule {
		if at > nowMs {
			continue
		}
		def, ok := q.defs[id]
		if !ok {
			continue
		}
		due = append(due, domain.DueJob{Definition: def, FireAt: time.UnixMilli(at)})
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].FireAt.Before(due[j].FireAt)
		}
		return due[i].Definition.ID < due[j].Definition.ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (q *JobQueue) Advance(_ context.Context, due domain.DueJob, next time.Time, firing domain.Firing) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.schedule[due.Definition.ID]
	if !ok || current != due.FireAt.UnixMilli() {
		return false, nil
	}
	if next.IsZero() {
		delete(q.schedule, due.Definition.ID)
	} else {
		q.schedule[due.Definition.ID] = next.UnixMilli()
	}
	q.pushLocked(firing)
	return true, nil
}

func (q *JobQueue) Push(_ context.Context, firing domain.Firing) error {
	q.mu.Lock()
	q.pushLocked(firing)
	q.mu.Unlock()
	return nil
}

func (q *JobQueue) pushLocked(firing domain.Firing) {
	q.ready = append(q.ready, firing)
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *JobQueue) Retry(_ context.Context, firing domain.Firing, at time.Time) error {
	q.mu.Lock()
	q.retries = append(q.retries, retryEntry{firing: firing, at: at.UnixMilli()})
	q.mu.Unlock()
	return nil
}

func (q *JobQueue) PromoteRetries(_ context.Context, now time.Time, limit int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sort.SliceStable(q.retries, func(i, j int) bool { return q.retries[i].at < q.retries[j].at })

	nowMs := now.UnixMilli()
	promoted := 0
	for len(q.retries) > 0 && q.retries[0].at <= nowMs && (limit <= 0 || promoted < limit) {
		q.pushLocked(q.retries[0].firing)
		q.retries = q.retries[1:]
		promoted++
	}
	return promoted, nil
}

// Receive hands out up to count ready firings, waiting up to block for one to
// arrive when none is ready.
func (q *JobQueue) Receive(ctx context.Context, consumer string, count int, block time.Duration) ([]domain.Delivery, error) {
	var timeout <-chan time.Time
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			deliveries := q.takeLocked(consumer, count)
			q.mu.Unlock()
			return deliveries, nil
		}
		wake := q.wake
		q.mu.Unlock()

		if block <= 0 {
			return nil, nil
		}
		if timeout == nil {
			timeout = q.clock.After(block)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-wake:
		}
	}
}

func (q *JobQueue) takeLocked(consumer string, count int) []domain.Delivery {
	if count <= 0 || count > len(q.ready) {
		count = len(q.ready)
	}
	now := q.clock.Now()
	deliveries := make([]domain.Delivery, 0, count)
	for _, f := range q.ready[:count] {
		q.seq++
		receipt := strconv.FormatInt(q.seq, 10)
		q.pending[receipt] = &pendingDelivery{firing: f, consumer: consumer, deliveredAt: now}
		deliveries = append(deliveries, domain.Delivery{Firing: f, Receipt: receipt})
	}
	q.ready = q.ready[count:]
	return deliveries
}

func (q *JobQueue) Ack(_ context.Context, d domain.Delivery) error {
	q.mu.Lock()
	delete(q.pending, d.Receipt)
	q.mu.Unlock()
	return nil
}

// Reclaim transfers deliveries unacknowledged for at least minIdle to consumer.
func (q *JobQueue) Reclaim(_ context.Context, consumer string, minIdle time.Duration, count int) ([]domain.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	receipts := make([]string, 0, len(q.pending))
	for receipt, p := range q.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			receipts = append(receipts, receipt)
		}
	}
	sort.Slice(receipts, func(i, j int) bool {
		a, _ := strconv.ParseInt(receipts[i], 10, 64)
		b, _ := strconv.ParseInt(receipts[j], 10, 64)
		return a < b
	})
	if count > 0 && len(receipts) > count {
		receipts = receipts[:count]
	}

	out := make([]domain.Delivery, 0, len(receipts))
	for _, receipt := range receipts {
		p := q.pending[receipt]
		p.consumer = consumer
		p.deliveredAt = now
		out = append(out, domain.Delivery{Firing: p.firing, Receipt: receipt})
	}
	return out, nil
}
