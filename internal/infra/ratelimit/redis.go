package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/port"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ConnectRedis opens a client from a redis:// URL and pings it.
func ConnectRedis(ctx context.Context, url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 1 * time.Second
	opts.ReadTimeout = 400 * time.Millisecond
	opts.WriteTimeout = 400 * time.Millisecond
	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.PoolTimeout = 750 * time.Millisecond
	opts.ConnMaxIdleTime = 90 * time.Second
	opts.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
		_ = cn.ClientSetName(ctx, "giftvault-bfa").Err()
		return nil
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// luaSlidingWindow trims the key's sorted set to the window, then either
// records the hit or reports how long until the oldest hit expires.
//
// KEYS[1] = zset key
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = limit, ARGV[4] = member
// returns {allowed (0|1), retry_after_ms}
const luaSlidingWindow = `
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry = window
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, retry}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`

// Redis is a sliding-window limiter shared by every replica.
type Redis struct {
	rdb     redis.UniversalClient
	script  *redis.Script
	prefix  string
	window  time.Duration
	maxReqs int
	now     func() time.Time
}

var _ port.RateLimiter = (*Redis)(nil)

// NewRedis creates a Redis limiter. Keys are stored under prefix.
func NewRedis(rdb redis.UniversalClient, prefix string, window time.Duration, maxReqs int) *Redis {
	l := &Redis{
		rdb:     rdb,
		script:  redis.NewScript(luaSlidingWindow),
		prefix:  prefix,
		window:  window,
		maxReqs: maxReqs,
		now:     time.Now,
	}

	// Preload the script so the first call is an EVALSHA hit.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = l.script.Load(ctx, rdb).Err()
	}()
	return l
}

func (l *Redis) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now().UnixMilli()
	res, err := l.script.Run(ctx, l.rdb, []string{l.prefix + key},
		now, l.window.Milliseconds(), l.maxReqs, strconv.FormatInt(now, 10)+"-"+uuid.NewString()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

// Ping checks the Redis connection.
func (l *Redis) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}
