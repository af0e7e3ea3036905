// Package ratelimit provides keyed sliding-window limiters, used to cap OTP
// requests per client IP. Memory is process-local; Redis is shared across
// replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/port"
)

// Memory is an in-process sliding-window limiter.
type Memory struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	window   time.Duration
	maxReqs  int
	now      func() time.Time
	stop     chan struct{}
}

var _ port.RateLimiter = (*Memory)(nil)

// NewMemory allows maxReqs hits per key in any trailing window.
func NewMemory(window time.Duration, maxReqs int) *Memory {
	rl := &Memory{
		requests: make(map[string][]time.Time),
		window:   window,
		maxReqs:  maxReqs,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *Memory) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	reqs := rl.requests[key]
	filtered := reqs[:0]
	for _, t := range reqs {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}

	if len(filtered) >= rl.maxReqs {
		rl.requests[key] = filtered
		if len(filtered) == 0 {
			return false, rl.window, nil
		}
		return false, filtered[0].Add(rl.window).Sub(now), nil
	}

	rl.requests[key] = append(filtered, now)
	return true, 0, nil
}

// Close stops the cleanup goroutine.
func (rl *Memory) Close() {
	close(rl.stop)
}

// cleanup drops keys with no hits in the last window.
func (rl *Memory) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}

		rl.mu.Lock()
		cutoff := rl.now().Add(-rl.window)
		for key, reqs := range rl.requests {
			if len(reqs) == 0 || !reqs[len(reqs)-1].After(cutoff) {
				delete(rl.requests, key)
			}
		}
		rl.mu.Unlock()
	}
}
