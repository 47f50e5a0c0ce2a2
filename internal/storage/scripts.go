package storage

import "github.com/redis/go-redis/v9"

// Every script takes the job hash as KEYS[1]. Timestamps are unix
// milliseconds and TTLs are milliseconds.

// claimScript: ARGV chunk index, now, active ttl, terminal ttl.
// A chunk of a failed multi-chunk job may still settle so that its result is
// kept for diagnostics; the job itself is not touched in that case.
var claimScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return 'missing' end
local cf = 'chunk:' .. ARGV[1] .. ':status'
local cs = redis.call('HGET', KEYS[1], cf)
if not cs then return 'missing' end
if cs ~= 'pending' or st == 'completed' then return 'discard' end
local count = tonumber(redis.call('HGET', KEYS[1], 'chunk_count') or '1')
if st == 'failed' then
  if count <= 1 then return 'discard' end
  redis.call('HSET', KEYS[1], cf, 'processing', 'chunk:' .. ARGV[1] .. ':updated_at', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
  return 'settle'
end
redis.call('HSET', KEYS[1], cf, 'processing', 'chunk:' .. ARGV[1] .. ':updated_at', ARGV[2])
if st == 'pending' then
  redis.call('HSET', KEYS[1], 'status', 'processing', 'started_at', ARGV[2], 'message', 'processing')
end
local p = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0')
if p < 1 then redis.call('HSET', KEYS[1], 'progress', '1') end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 'claimed'
`)

// heartbeatScript: ARGV chunk index, now, active ttl.
var heartbeatScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then return 0 end
if redis.call('HGET', KEYS[1], 'chunk:' .. ARGV[1] .. ':status') ~= 'processing' then return 0 end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2], 'chunk:' .. ARGV[1] .. ':updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// progressScript: ARGV progress, message, now, active ttl.
var progressScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then return 0 end
local p = tonumber(ARGV[1])
if p > 99 then p = 99 end
local cur = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0')
if p > cur then redis.call('HSET', KEYS[1], 'progress', p) end
if ARGV[2] ~= '' then redis.call('HSET', KEYS[1], 'message', ARGV[2]) end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// completeChunkScript: ARGV chunk index, result, now, active ttl, terminal ttl.
// Returns -1 missing, -2 chunk not in flight, 1 when this call completed the
// last chunk of a processing job, 0 otherwise.
var completeChunkScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
local cf = 'chunk:' .. ARGV[1] .. ':status'
if redis.call('HGET', KEYS[1], cf) ~= 'processing' then return -2 end
redis.call('HSET', KEYS[1], cf, 'completed', 'chunk:' .. ARGV[1] .. ':result', ARGV[2])
local done = redis.call('HINCRBY', KEYS[1], 'chunks_completed', 1)
if st ~= 'processing' then
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
  return 0
end
local count = tonumber(redis.call('HGET', KEYS[1], 'chunk_count') or '1')
local p = math.floor(100 * done / count)
if p > 99 then p = 99 end
local cur = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0')
if p > cur then redis.call('HSET', KEYS[1], 'progress', p) end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3], 'message', 'chunk ' .. done .. '/' .. count .. ' completed')
redis.call('PEXPIRE', KEYS[1], ARGV[4])
if done >= count then return 1 end
return 0
`)

// completeScript: ARGV result, now, terminal ttl.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'completed', 'progress', '100', 'result', ARGV[1], 'message', 'completed', 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// failScript: ARGV chunk index (may be empty), error json, now, terminal ttl, message.
// Progress is left at its last reported value.
var failScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if ARGV[1] ~= '' then
  local cf = 'chunk:' .. ARGV[1] .. ':status'
  local cs = redis.call('HGET', KEYS[1], cf)
  if cs == 'pending' or cs == 'processing' then
    redis.call('HSET', KEYS[1], cf, 'failed', 'chunk:' .. ARGV[1] .. ':error', ARGV[2])
  end
end
if st == 'completed' or st == 'failed' then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[2], 'message', ARGV[5], 'updated_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// reclaimScript: ARGV stale-before, error json, now, terminal ttl, message.
// Only chunks in flight are judged: a chunk waiting in the queue is not
// stale however long ago its sibling finished. A chunk without its own
// timestamp falls back to started_at.
var reclaimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then return 0 end
local before = tonumber(ARGV[1])
local started = tonumber(redis.call('HGET', KEYS[1], 'started_at') or '0')
local count = tonumber(redis.call('HGET', KEYS[1], 'chunk_count') or '1')
local stale = {}
for i = 0, count - 1 do
  if redis.call('HGET', KEYS[1], 'chunk:' .. i .. ':status') == 'processing' then
    local ts = tonumber(redis.call('HGET', KEYS[1], 'chunk:' .. i .. ':updated_at') or started)
    if ts < before then table.insert(stale, i) end
  end
end
if #stale == 0 then return 0 end
for _, i in ipairs(stale) do
  redis.call('HSET', KEYS[1], 'chunk:' .. i .. ':status', 'failed', 'chunk:' .. i .. ':error', ARGV[2])
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[2], 'message', ARGV[5], 'updated_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// requeueScript: ARGV stale-before, max requeues, error json, now, active ttl,
// terminal ttl, message.
// Approves re-pushing the refs of an unfinished job that has been quiet since
// stale-before with no chunk in flight. Past max requeues the job is failed
// instead.
var requeueScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'pending' and st ~= 'processing' then return 'skip' end
local ts = tonumber(redis.call('HGET', KEYS[1], 'updated_at') or redis.call('HGET', KEYS[1], 'created_at') or '0')
if ts >= tonumber(ARGV[1]) then return 'skip' end
local count = tonumber(redis.call('HGET', KEYS[1], 'chunk_count') or '1')
for i = 0, count - 1 do
  if redis.call('HGET', KEYS[1], 'chunk:' .. i .. ':status') == 'processing' then return 'skip' end
end
local n = redis.call('HINCRBY', KEYS[1], 'requeues', 1)
if n > tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[3], 'message', ARGV[7], 'updated_at', ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[6])
  return 'abandoned'
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 'requeued'
`)
