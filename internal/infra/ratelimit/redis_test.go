package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_SlidingWindow(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis limiter test")
	}

	ctx := context.Background()
	rdb, err := ConnectRedis(ctx, url)
	require.NoError(t, err)
	defer rdb.Close()

	rl := NewRedis(rdb, "test:ratelimit:", time.Minute, 2)
	key := uuid.NewString()
	defer rdb.Del(ctx, "test:ratelimit:"+key)

	for i := 0; i < 2; i++ {
		ok, _, err := rl.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, retry, err := rl.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Minute)

	require.NoError(t, rl.Ping(ctx))
}
