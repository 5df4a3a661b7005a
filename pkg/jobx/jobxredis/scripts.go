package jobxredis

import "github.com/redis/go-redis/v9"

// Every mutating operation is a single server-side script so its guard and
// its writes are indivisible, which is how this backend meets the engine's
// atomicity contract without row locks. Scripts that succeed return the
// job hash via HGETALL; failures return {"__err__", kind, ...}.

// claimScript pops the best pending member (lowest score = highest
// priority, lexicographic tie-break = oldest id) from the chosen pending
// index and claims it.
//
// KEYS: pop index, global pending index, claimed index
// ARGV: key prefix, now (RFC3339), now (unix seconds), worker id
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
	return false
end
local member = ids[1]
local id = string.format('%d', tonumber(member))
local jobKey = ARGV[1] .. 'job:' .. id
local jtype = redis.call('HGET', jobKey, 'type')
redis.call('ZREM', KEYS[2], member)
redis.call('ZREM', ARGV[1] .. 'pending:type:' .. jtype, member)
redis.call('HSET', jobKey, 'status', 'claimed', 'claimed_at', ARGV[2], 'worker_id', ARGV[4])
redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), member)
return redis.call('HGETALL', jobKey)
`)

// startScript moves a claimed job to running.
//
// KEYS: job hash
// ARGV: now (RFC3339)
var startScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return {'__err__', 'notfound'}
end
if status ~= 'claimed' then
	return {'__err__', 'state', status}
end
redis.call('HSET', KEYS[1], 'status', 'running', 'started_at', ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// completeScript resolves a running job successfully.
//
// KEYS: job hash, claimed index
// ARGV: result payload, now (RFC3339), zset member
var completeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return {'__err__', 'notfound'}
end
if status ~= 'running' then
	return {'__err__', 'state', status}
end
redis.call('HSET', KEYS[1], 'status', 'completed', 'result', ARGV[1], 'completed_at', ARGV[2])
redis.call('HDEL', KEYS[1], 'error')
redis.call('ZREM', KEYS[2], ARGV[3])
return redis.call('HGETALL', KEYS[1])
`)

// failScript increments retries and decides retry vs permanent failure in
// the same invocation, so racing Fail calls serialize inside Redis and can
// never double-read a stale retry count.
//
// KEYS: job hash, global pending index, claimed index
// ARGV: key prefix, error message, now (RFC3339), zset member
var failScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return {'__err__', 'notfound'}
end
if status ~= 'running' and status ~= 'claimed' then
	return {'__err__', 'state', status}
end
local retries = redis.call('HINCRBY', KEYS[1], 'retries', 1)
redis.call('HSET', KEYS[1], 'error', ARGV[2])
local max = tonumber(redis.call('HGET', KEYS[1], 'max_retries'))
if retries < max then
	local jtype = redis.call('HGET', KEYS[1], 'type')
	local score = -tonumber(redis.call('HGET', KEYS[1], 'priority'))
	redis.call('HSET', KEYS[1], 'status', 'pending')
	redis.call('HDEL', KEYS[1], 'claimed_at', 'started_at', 'worker_id')
	redis.call('ZADD', KEYS[2], score, ARGV[4])
	redis.call('ZADD', ARGV[1] .. 'pending:type:' .. jtype, score, ARGV[4])
	redis.call('ZREM', KEYS[3], ARGV[4])
else
	redis.call('HSET', KEYS[1], 'status', 'failed', 'completed_at', ARGV[3])
	redis.call('ZREM', KEYS[3], ARGV[4])
end
return redis.call('HGETALL', KEYS[1])
`)

// cancelScript withdraws a pending or claimed job.
//
// KEYS: job hash, global pending index, claimed index
// ARGV: key prefix, now (RFC3339), zset member
var cancelScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return {'__err__', 'notfound'}
end
if status ~= 'pending' and status ~= 'claimed' then
	return {'__err__', 'state', status}
end
if status == 'pending' then
	local jtype = redis.call('HGET', KEYS[1], 'type')
	redis.call('ZREM', KEYS[2], ARGV[3])
	redis.call('ZREM', ARGV[1] .. 'pending:type:' .. jtype, ARGV[3])
else
	redis.call('ZREM', KEYS[3], ARGV[3])
end
redis.call('HSET', KEYS[1], 'status', 'cancelled', 'completed_at', ARGV[2])
return redis.call('HGETALL', KEYS[1])
`)

// sweepScript conditionally resets one stale claim. The guard re-checks
// status and claim age against the claimed index score, so a job resolved
// between candidate selection and this call is left untouched. Scores have
// one-second resolution, so the cutoff comparison is inclusive; otherwise a
// zero timeout could never sweep a claim taken in the current second.
//
// KEYS: job hash, global pending index, claimed index
// ARGV: key prefix, cutoff (unix seconds), zset member
var sweepScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return false
end
if status ~= 'claimed' and status ~= 'running' then
	return false
end
local score = redis.call('ZSCORE', KEYS[3], ARGV[3])
if not score or tonumber(score) > tonumber(ARGV[2]) then
	return false
end
local jtype = redis.call('HGET', KEYS[1], 'type')
local worker = redis.call('HGET', KEYS[1], 'worker_id')
local claimedAt = redis.call('HGET', KEYS[1], 'claimed_at')
local pscore = -tonumber(redis.call('HGET', KEYS[1], 'priority'))
redis.call('HSET', KEYS[1], 'status', 'pending')
redis.call('HDEL', KEYS[1], 'claimed_at', 'started_at', 'worker_id')
redis.call('ZADD', KEYS[2], pscore, ARGV[3])
redis.call('ZADD', ARGV[1] .. 'pending:type:' .. jtype, pscore, ARGV[3])
redis.call('ZREM', KEYS[3], ARGV[3])
return {jtype, worker, claimedAt}
`)
