package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var _ Admitter = (*RedisWindow)(nil)

// fixedWindowScript returns 0 when admitted, otherwise the milliseconds left
// in the current window.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local ceiling = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < ceiling then
  current = redis.call('INCR', key)
  if current == 1 then
    redis.call('PEXPIRE', key, window)
  end
  return 0
end
local ttl = redis.call('PTTL', key)
if ttl < 0 then
  redis.call('PEXPIRE', key, window)
  ttl = window
end
return ttl
`)

// RedisWindow runs the fixed-window algorithm inside Redis so that every
// process sharing the key shares one ceiling.
type RedisWindow struct {
	client  redis.Cmdable
	key     string
	ceiling int
	length  time.Duration
}

// NewRedisWindow constructs a shared fixed window stored under key.
func NewRedisWindow(client redis.Cmdable, key string, ceiling int, length time.Duration) (*RedisWindow, error) {
	if ceiling <= 0 || length <= 0 {
		return nil, ErrInvalidLimit
	}
	if key == "" {
		key = "delivery:ratelimit:outbound"
	}
	return &RedisWindow{client: client, key: key, ceiling: ceiling, length: length}, nil
}

// Admit consumes one slot of the shared window.
func (r *RedisWindow) Admit(ctx context.Context) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.key}, r.ceiling, r.length.Milliseconds()).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis admit: %w", err)
	}
	if res == 0 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(res) * time.Millisecond}, nil
}
