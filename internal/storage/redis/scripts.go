package redis

import "github.com/redis/go-redis/v9"

const (
	// consumeTimeScript atomically decrements a usage-based unlock, floored at zero
	consumeTimeScript = `
local unlock_key = KEYS[1]     -- unlockd:unlock:{userID}:{appID}

local ms = tonumber(ARGV[1])

if redis.call('EXISTS', unlock_key) == 0 then
  return -1
end

if redis.call('HGET', unlock_key, 'kind') ~= 'USAGE' then
  return tonumber(redis.call('HGET', unlock_key, 'remaining_ms') or '0')
end

local remaining = tonumber(redis.call('HGET', unlock_key, 'remaining_ms') or '0') - ms
if remaining < 0 then
  remaining = 0
end
redis.call('HSET', unlock_key, 'remaining_ms', remaining)

return remaining
`

	// grantUnlockScript atomically spends coins and adds usage-based time.
	// A WINDOW row becomes USAGE holding what was left of the window.
	grantUnlockScript = `
local account_key = KEYS[1]    -- unlockd:account:{userID}
local unlock_key = KEYS[2]     -- unlockd:unlock:{userID}:{appID}
local index_key = KEYS[3]      -- unlockd:unlocks:{userID}

local user_id = ARGV[1]
local app_id = ARGV[2]
local minutes = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local now = ARGV[5]
local window_expires = ARGV[6] or ''
local carry_ms = tonumber(ARGV[7] or '0')

-- The caller read the window before computing carry_ms
local kind = redis.call('HGET', unlock_key, 'kind')
if kind == 'WINDOW' and (redis.call('HGET', unlock_key, 'expires_at') or '') ~= window_expires then
  return -2
end

local coins = tonumber(redis.call('HGET', account_key, 'coins') or '0')
if coins < cost then
  return -1
end

if cost > 0 then
  redis.call('HSET', account_key, 'user_id', user_id)
  redis.call('HINCRBY', account_key, 'coins', -cost)
end

if redis.call('EXISTS', unlock_key) == 0 then
  redis.call('HSET', unlock_key,
    'app_id', app_id,
    'kind', 'USAGE',
    'coins_spent', 0,
    'minutes_granted', 0,
    'started_at', now,
    'expires_at', '',
    'remaining_ms', 0
  )
  redis.call('SADD', index_key, unlock_key)
end

if kind == 'WINDOW' then
  redis.call('HSET', unlock_key,
    'kind', 'USAGE',
    'expires_at', '',
    'remaining_ms', carry_ms
  )
end

redis.call('HINCRBY', unlock_key, 'remaining_ms', minutes * 60000)
redis.call('HINCRBY', unlock_key, 'minutes_granted', minutes)
redis.call('HINCRBY', unlock_key, 'coins_spent', cost)

return coins - cost
`

	// emergencyUnlockScript grants a rate-limited free unlock and resets the
	// streak. A WINDOW row is converted as in grantUnlockScript.
	emergencyUnlockScript = `
local limit_key = KEYS[1]      -- unlockd:emergency:{userID}
local account_key = KEYS[2]    -- unlockd:account:{userID}
local unlock_key = KEYS[3]     -- unlockd:unlock:{userID}:{appID}
local index_key = KEYS[4]      -- unlockd:unlocks:{userID}

local user_id = ARGV[1]
local app_id = ARGV[2]
local grant_ms = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])
local now = ARGV[5]
local window_expires = ARGV[6] or ''
local carry_ms = tonumber(ARGV[7] or '0')

if redis.call('EXISTS', limit_key) == 1 then
  return -1
end

local kind = redis.call('HGET', unlock_key, 'kind')
if kind == 'WINDOW' and (redis.call('HGET', unlock_key, 'expires_at') or '') ~= window_expires then
  return -2
end

redis.call('SET', limit_key, now, 'PX', window_ms)

redis.call('HSET', account_key,
  'user_id', user_id,
  'streak', 0,
  'last_emergency', now
)

if redis.call('EXISTS', unlock_key) == 0 then
  redis.call('HSET', unlock_key,
    'app_id', app_id,
    'kind', 'USAGE',
    'coins_spent', 0,
    'minutes_granted', 0,
    'started_at', now,
    'expires_at', '',
    'remaining_ms', 0
  )
  redis.call('SADD', index_key, unlock_key)
end

if kind == 'WINDOW' then
  redis.call('HSET', unlock_key,
    'kind', 'USAGE',
    'expires_at', '',
    'remaining_ms', carry_ms
  )
end

redis.call('HINCRBY', unlock_key, 'remaining_ms', grant_ms)

return 1
`

	// logStepsScript atomically increments or creates a daily step total
	logStepsScript = `
local steps_key = KEYS[1]      -- unlockd:steps:daily:{userID}:{date}
local index_key = KEYS[2]      -- unlockd:steps:daily:index:{date}

local user_id = ARGV[1]
local date = ARGV[2]
local steps = tonumber(ARGV[3])

if redis.call('EXISTS', steps_key) == 0 then
  redis.call('HSET', steps_key,
    'user_id', user_id,
    'date', date,
    'total_steps', steps
  )
  -- 90 days = 7776000 seconds
  redis.call('EXPIRE', steps_key, 7776000)

  redis.call('SADD', index_key, user_id)
  redis.call('EXPIRE', index_key, 7776000)
else
  redis.call('HINCRBY', steps_key, 'total_steps', steps)
end

return tonumber(redis.call('HGET', steps_key, 'total_steps'))
`
)

var (
	consumeTime     = redis.NewScript(consumeTimeScript)
	grantUnlock     = redis.NewScript(grantUnlockScript)
	emergencyUnlock = redis.NewScript(emergencyUnlockScript)
	logSteps        = redis.NewScript(logStepsScript)
)
