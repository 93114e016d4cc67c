package redis

import goredis "github.com/redis/go-redis/v9"

// advanceScript moves a schedule entry forward and enqueues its firing, but
// only while the entry still holds the expected fire time.
// KEYS: [1]=schedule zset, [2]=ready stream
// ARGV: [1]=job id, [2]=expected ms, [3]=next ms or "" to remove, [4]=firing JSON
var advanceScript = goredis.NewScript(`
local current = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not current or tonumber(current) ~= tonumber(ARGV[2]) then
  return 0
end
if ARGV[3] == '' then
  redis.call('ZREM', KEYS[1], ARGV[1])
else
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
end
redis.call('XADD', KEYS[2], '*', 'firing', ARGV[4])
return 1
`)

// promoteRetriesScript moves due retries onto the ready stream.
// KEYS: [1]=retry zset, [2]=ready stream
// ARGV: [1]=now ms, [2]=limit (-1 for all)
var promoteRetriesScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('XADD', KEYS[2], '*', 'firing', member)
end
return #due
`)
