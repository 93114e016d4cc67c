package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultLeaderTTL = 30 * time.Second

var (
	ErrLeaderLockLost   = errors.New("leader lock lost")
	ErrLeaderLockStolen = errors.New("leader lock stolen")
)

// releaseScript deletes the lock only while it still names this instance.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// renewScript extends the lease only while it still names this instance.
// Returns 1 on success, 0 when the key is gone, -1 when another holder owns it.
var renewScript = goredis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if not holder then
  return 0
end
if holder ~= ARGV[1] then
  return -1
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// LeaderElector is a SET NX lease on a single key. The scheduler uses it to
// let one instance poll the schedule; the queue's compare-and-set keeps firing
// exactly-once per tick even when two instances believe they lead.
type LeaderElector struct {
	rdb        *goredis.Client
	instanceID string
	lockKey    string
	lockTTL    time.Duration
}

// NewLeaderElector creates an elector for instanceID. ttl <= 0 uses 30s; the
// lease must be renewed well within it.
func NewLeaderElector(rdb *goredis.Client, instanceID string, ttl time.Duration) *LeaderElector {
	if ttl <= 0 {
		ttl = defaultLeaderTTL
	}
	return &LeaderElector{
		rdb:        rdb,
		instanceID: instanceID,
		lockKey:    leaderKey,
		lockTTL:    ttl,
	}
}

func (l *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.lockKey, l.instanceID, l.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	return ok, nil
}

func (l *LeaderElector) Renew(ctx context.Context) error {
	res, err := renewScript.Run(ctx, l.rdb, []string{l.lockKey}, l.instanceID, l.lockTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew leader lock: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrLeaderLockLost
	default:
		return ErrLeaderLockStolen
	}
}

// Release gives up leadership if this instance still holds it.
func (l *LeaderElector) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.lockKey}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}

// Holder returns the instance currently holding the lease, or "" if none.
func (l *LeaderElector) Holder(ctx context.Context) (string, error) {
	holder, err := l.rdb.Get(ctx, l.lockKey).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read leader lock: %w", err)
	}
	return holder, nil
}
