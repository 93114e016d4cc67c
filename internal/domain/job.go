package domain

import (
	"context"
	"encoding/json"
	"time"
)

// RepeatPolicy is either a fixed interval or a 5-field cron pattern.
// The zero value means the job fires once.
type RepeatPolicy struct {
	Every time.Duration `json:"every,omitempty"`
	Cron  string        `json:"cron,omitempty"`
}

func (p RepeatPolicy) IsZero() bool {
	return p.Every == 0 && p.Cron == ""
}

// RetryPolicy bounds the executions of a single firing. MaxAttempts counts
// every execution including the first one; Backoff is a fixed delay.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

// JobDefinition is the durable, id-keyed description of a recurring task.
type JobDefinition struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Repeat  RepeatPolicy    `json:"repeat"`
	Retry   RetryPolicy     `json:"retry"`
}

// ScheduledJob pairs a definition with its next fire time (zero when unscheduled).
type ScheduledJob struct {
	Definition JobDefinition
	NextRun    time.Time
}

// Firing is one execution unit of a job tick. ID is deterministic per tick so
// redeliveries of the same tick share it.
type Firing struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
	ScheduledAt int64           `json:"scheduled_at"`
}

// DueJob is a schedule entry whose fire time has passed.
type DueJob struct {
	Definition JobDefinition
	FireAt     time.Time
}

// Delivery is a firing handed to a worker; Receipt identifies it for Ack.
type Delivery struct {
	Firing  Firing
	Receipt string
}

// JobQueue is the durable queue behind the scheduler.
//
// Upsert must never create a second schedule for an existing id. Advance is a
// compare-and-set: it enqueues the firing and moves the schedule to next only
// if the schedule still points at due.FireAt, so concurrent schedulers produce
// one firing per tick. A zero next removes the schedule.
type JobQueue interface {
	Ping(ctx context.Context) error

	Upsert(ctx context.Context, def JobDefinition, firstRun time.Time) (created bool, err error)
	Remove(ctx context.Context, jobID string) error
	List(ctx context.Context) ([]ScheduledJob, error)

	Due(ctx context.Context, now time.Time, limit int) ([]DueJob, error)
	Advance(ctx context.Context, due DueJob, next time.Time, firing Firing) (bool, error)

	Push(ctx context.Context, firing Firing) error
	Retry(ctx context.Context, firing Firing, at time.Time) error
	PromoteRetries(ctx context.Context, now time.Time, limit int) (int, error)

	Receive(ctx context.Context, consumer string, count int, block time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]Delivery, error)
}
