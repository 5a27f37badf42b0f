package redis

const (
	// updateDurationScript refreshes the duration of an active segment.
	// Returns -1 when the segment is missing, 0 when it is frozen, 1 otherwise.
	updateDurationScript = `
local segment_key = KEYS[1]     -- {prefix}:segment:{id}

local minutes = tonumber(ARGV[1])

if redis.call('EXISTS', segment_key) == 0 then
  return -1
end

local saturated = redis.call('HGET', segment_key, 'is_saturated')
local terminated = redis.call('HGET', segment_key, 'is_terminated')
if saturated == '1' or terminated == '1' then
  return 0
end

-- Duration never decreases
local current = tonumber(redis.call('HGET', segment_key, 'duration_minutes') or '0')
if minutes > current then
  redis.call('HSET', segment_key, 'duration_minutes', ARGV[1])
end

return 1
`

	// terminateChainScript marks every segment of a session chain terminated
	// and clears the active pointer when it belongs to the chain.
	terminateChainScript = `
local chain_key = KEYS[1]       -- {prefix}:chain:{session}:{user}:{rating}
local active_key = KEYS[2]      -- {prefix}:active:{session}:{user}

local segment_prefix = ARGV[1]  -- {prefix}:segment:

local ids = redis.call('SMEMBERS', chain_key)
local active_id = redis.call('GET', active_key)
local count = 0

for _, id in ipairs(ids) do
  local segment_key = segment_prefix .. id
  if redis.call('EXISTS', segment_key) == 1 then
    redis.call('HSET', segment_key, 'is_terminated', '1')
    count = count + 1
  end
  if active_id and active_id == id then
    redis.call('DEL', active_key)
  end
end

return count
`
)
