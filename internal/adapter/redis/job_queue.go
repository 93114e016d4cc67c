package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pscheid92/presencepulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

var _ domain.JobQueue = (*JobQueue)(nil)

const firingField = "firing"

// JobQueue is the shared job queue. Definitions live in a hash, next fire
// times in a sorted set scored by unix milliseconds, pending retries in a
// second sorted set, and firings ready for execution in a stream read through
// one consumer group.
type JobQueue struct {
	rdb        *goredis.Client
	groupReady atomic.Bool
}

func NewJobQueue(rdb *goredis.Client) *JobQueue {
	return &JobQueue{rdb: rdb}
}

func (q *JobQueue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Upsert stores def and schedules firstRun unless the job already has a
// schedule entry, in which case that entry is kept.
func (q *JobQueue) Upsert(ctx context.Context, def domain.JobDefinition, firstRun time.Time) (bool, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return false, fmt.Errorf("failed to encode job definition: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobDefinitionsKey, def.ID, raw)
	added := pipe.ZAddNX(ctx, jobScheduleKey, goredis.Z{Score: float64(firstRun.UnixMilli()), Member: def.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("upsert job %s: %w", def.ID, err)
	}
	return added.Val() == 1, nil
}

func (q *JobQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, jobDefinitionsKey, jobID)
	pipe.ZRem(ctx, jobScheduleKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove job %s: %w", jobID, err)
	}
	return nil
}

func (q *JobQueue) List(ctx context.Context) ([]domain.ScheduledJob, error) {
	fields, err := q.rdb.HGetAll(ctx, jobDefinitionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list job definitions: %w", err)
	}
	if len(fields) == 0 {
		return []domain.ScheduledJob{}, nil
	}

	ids := make([]string, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	scores, err := q.rdb.ZMScore(ctx, jobScheduleKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("list job schedule: %w", err)
	}

	out := make([]domain.ScheduledJob, 0, len(ids))
	for i, id := range ids {
		def, err := decodeDefinition(fields[id])
		if err != nil {
			slog.Warn("Skipping malformed job definition", "job_id", id, "error", err)
			continue
		}
		job := domain.ScheduledJob{Definition: def}
		if scores[i] != 0 {
			job.NextRun = time.UnixMilli(int64(scores[i]))
		}
		out = append(out, job)
	}
	return out, nil
}

func (q *JobQueue) Due(ctx context.Context, now time.Time, limit int) ([]domain.DueJob, error) {
	opt := &goredis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	entries, err := q.rdb.ZRangeByScoreWithScores(ctx, jobScheduleKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Member.(string)
	}
	raws, err := q.rdb.HMGet(ctx, jobDefinitionsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("due job definitions: %w", err)
	}

	due := make([]domain.DueJob, 0, len(entries))
	for i, e := range entries {
		raw, ok := raws[i].(string)
		if !ok {
			continue
		}
		def, err := decodeDefinition(raw)
		if err != nil {
			slog.Warn("Skipping malformed job definition", "job_id", ids[i], "error", err)
			continue
		}
		due = append(due, domain.DueJob{Definition: def, FireAt: time.UnixMilli(int64(e.Score))})
	}
	return due, nil
}

func (q *JobQueue) Advance(ctx context.Context, due domain.DueJob, next time.Time, firing domain.Firing) (bool, error) {
	raw, err := json.Marshal(firing)
	if err != nil {
		return false, fmt.Errorf("failed to encode firing: %w", err)
	}

	nextArg := ""
	if !next.IsZero() {
		nextArg = strconv.FormatInt(next.UnixMilli(), 10)
	}

	won, err := advanceScript.Run(ctx, q.rdb, []string{jobScheduleKey, jobReadyStream},
		due.Definition.ID,
		strconv.FormatInt(due.FireAt.UnixMilli(), 10),
		nextArg,
		raw,
	).Int()
	if err != nil {
		return false, fmt.Errorf("advance job %s: %w", due.Definition.ID, err)
	}
	return won == 1, nil
}

func (q *JobQueue) Push(ctx context.Context, firing domain.Firing) error {
	raw, err := json.Marshal(firing)
	if err != nil {
		return fmt.Errorf("failed to encode firing: %w", err)
	}
	err = q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: jobReadyStream,
		Values: map[string]any{firingField: raw},
	}).Err()
	if err != nil {
		return fmt.Errorf("push firing %s: %w", firing.ID, err)
	}
	return nil
}

func (q *JobQueue) Retry(ctx context.Context, firing domain.Firing, at time.Time) error {
	raw, err := json.Marshal(firing)
	if err != nil {
		return fmt.Errorf("failed to encode firing: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, jobRetryKey, goredis.Z{Score: float64(at.UnixMilli()), Member: raw}).Err(); err != nil {
		return fmt.Errorf("schedule retry of %s: %w", firing.ID, err)
	}
	return nil
}

func (q *JobQueue) PromoteRetries(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = -1
	}
	n, err := promoteRetriesScript.Run(ctx, q.rdb, []string{jobRetryKey, jobReadyStream},
		strconv.FormatInt(now.UnixMilli(), 10),
		limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote retries: %w", err)
	}
	return n, nil
}

// Receive reads new firings for consumer, blocking up to block when the stream
// is empty. block <= 0 does not wait.
func (q *JobQueue) Receive(ctx context.Context, consumer string, count int, block time.Duration) ([]domain.Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}

	args := &goredis.XReadGroupArgs{
		Group:    jobConsumerGroup,
		Consumer: consumer,
		Streams:  []string{jobReadyStream, ">"},
		Count:    int64(count),
		Block:    -1,
	}
	if block > 0 {
		args.Block = block
	}

	streams, err := q.rdb.XReadGroup(ctx, args).Result()
	if isNoGroup(err) {
		q.groupReady.Store(false)
		return nil, nil
	}
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read firings: %w", err)
	}

	var out []domain.Delivery
	for _, stream := range streams {
		out = append(out, q.decodeMessages(ctx, stream.Messages)...)
	}
	return out, nil
}

func (q *JobQueue) Ack(ctx context.Context, d domain.Delivery) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, jobReadyStream, jobConsumerGroup, d.Receipt)
	pipe.XDel(ctx, jobReadyStream, d.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack firing %s: %w", d.Firing.ID, err)
	}
	return nil
}

// Reclaim claims up to count deliveries that other consumers left
// unacknowledged for at least minIdle.
func (q *JobQueue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]domain.Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}

	messages, _, err := q.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   jobReadyStream,
		Group:    jobConsumerGroup,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if isNoGroup(err) {
		q.groupReady.Store(false)
		return nil, nil
	}
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("reclaim firings: %w", err)
	}
	return q.decodeMessages(ctx, messages), nil
}

func (q *JobQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	err := q.rdb.XGroupCreateMkStream(ctx, jobReadyStream, jobConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.groupReady.Store(true)
	return nil
}

// decodeMessages drops and acknowledges entries that do not hold a firing.
func (q *JobQueue) decodeMessages(ctx context.Context, messages []goredis.XMessage) []domain.Delivery {
	out := make([]domain.Delivery, 0, len(messages))
	for _, msg := range messages {
		raw, _ := msg.Values[firingField].(string)
		var firing domain.Firing
		if err := json.Unmarshal([]byte(raw), &firing); err != nil || firing.JobID == "" {
			slog.Warn("Dropping malformed firing", "message_id", msg.ID, "error", err)
			_ = q.Ack(ctx, domain.Delivery{Receipt: msg.ID, Firing: domain.Firing{ID: msg.ID}})
			continue
		}
		out = append(out, domain.Delivery{Firing: firing, Receipt: msg.ID})
	}
	return out
}

func decodeDefinition(raw string) (domain.JobDefinition, error) {
	var def domain.JobDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return domain.JobDefinition{}, fmt.Errorf("%w: %v", domain.ErrMalformedRecord, err)
	}
	return def, nil
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}
