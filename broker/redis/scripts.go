package redis

import goredis "github.com/redis/go-redis/v9"

// Each script applies one state transition atomically. Timestamps are unix
// milliseconds supplied by the caller's clock.

// KEYS: job, queued, completed, failed. ARGV: id, available_at, field/value pairs...
// Stale terminal index entries left behind by an expired hash are dropped.
var submitScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: queued, active. ARGV: now, deadline, token, job key prefix.
// Entries whose hash has expired are dropped and the next one is tried.
var claimScript = goredis.NewScript(`
for _ = 1, 16 do
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #ids == 0 then
		return false
	end
	local id = ids[1]
	local key = ARGV[4] .. id
	redis.call('ZREM', KEYS[1], id)
	if redis.call('HGET', key, 'state') == 'queued' then
		redis.call('HINCRBY', key, 'attempts', 1)
		redis.call('HSET', key, 'state', 'active', 'claim_token', ARGV[3],
			'claim_deadline', ARGV[2], 'started_at', ARGV[1])
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		return redis.call('HGETALL', key)
	end
end
return false
`)

// KEYS: job, active, completed. ARGV: id, token, now, result, retention ms.
// Returns -1 when the job is gone, 0 when the token is not the live claim.
var ackScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local cur = redis.call('HMGET', KEYS[1], 'state', 'claim_token')
if cur[1] ~= 'active' or cur[2] ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'result', ARGV[4], 'finished_at', ARGV[3])
redis.call('HDEL', KEYS[1], 'claim_token', 'claim_deadline')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
if tonumber(ARGV[5]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return 1
`)

// KEYS: job, active, queued, failed.
// ARGV: id, token, now, retry (0/1), retry_at, error, failure_kind, retention ms.
var nackScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local cur = redis.call('HMGET', KEYS[1], 'state', 'claim_token')
if cur[1] ~= 'active' or cur[2] ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'last_error', ARGV[6], 'failure_kind', ARGV[7])
redis.call('HDEL', KEYS[1], 'claim_token', 'claim_deadline')
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[4] == '1' then
	redis.call('HSET', KEYS[1], 'state', 'queued', 'available_at', ARGV[5])
	redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
else
	redis.call('HSET', KEYS[1], 'state', 'failed', 'finished_at', ARGV[3])
	redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
	if tonumber(ARGV[8]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[8])
	end
end
return 1
`)

// KEYS: active, queued, failed. ARGV: now, limit, job key prefix, error, retention ms.
// Returns a flat list of id, new state, attempts, max_attempts, task_name,
// tenant_id, user_id.
var reclaimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
	local key = ARGV[3] .. id
	redis.call('ZREM', KEYS[1], id)
	local cur = redis.call('HMGET', key, 'state', 'attempts', 'max_attempts',
		'task_name', 'tenant_id', 'user_id')
	if cur[1] == 'active' then
		redis.call('HSET', key, 'last_error', ARGV[4], 'failure_kind', 'reclaimed')
		redis.call('HDEL', key, 'claim_token', 'claim_deadline')
		local state = 'queued'
		if tonumber(cur[2]) >= tonumber(cur[3]) then
			state = 'failed'
			redis.call('HSET', key, 'state', state, 'finished_at', ARGV[1])
			redis.call('ZADD', KEYS[3], ARGV[1], id)
			if tonumber(ARGV[5]) > 0 then
				redis.call('PEXPIRE', key, ARGV[5])
			end
		else
			redis.call('HSET', key, 'state', state, 'available_at', ARGV[1])
			redis.call('ZADD', KEYS[2], ARGV[1], id)
		end
		table.insert(out, id)
		table.insert(out, state)
		table.insert(out, cur[2])
		table.insert(out, cur[3])
		table.insert(out, cur[4] or '')
		table.insert(out, cur[5] or '')
		table.insert(out, cur[6] or '')
	end
end
return out
`)

// KEYS: completed, failed. ARGV: cutoff, job key prefix.
var purgeScript = goredis.NewScript(`
local n = 0
for i = 1, 2 do
	local ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', '(' .. ARGV[1])
	for _, id in ipairs(ids) do
		local key = ARGV[2] .. id
		local st = redis.call('HGET', key, 'state')
		if st == 'completed' or st == 'failed' then
			redis.call('DEL', key)
		end
		n = n + 1
	end
	redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', '(' .. ARGV[1])
end
return n
`)
