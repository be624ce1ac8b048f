// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/ratelimit"
)

// RateLimiter implements ratelimit.Limiter using GCRA in memory.
// Thread-safe for concurrent access.
// Includes background cleanup to prevent unbounded memory growth.
type RateLimiter struct {
	cells           map[string]time.Time // Theoretical Arrival Time per key
	mu              sync.Mutex
	clock           quartz.Clock
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
}

// NewRateLimiter creates a limiter with a 5 minute cleanup interval that
// forgets keys idle for an hour.
func NewRateLimiter(clock quartz.Clock) *RateLimiter {
	return NewRateLimiterWithConfig(clock, 5*time.Minute, time.Hour)
}

// NewRateLimiterWithConfig creates a limiter with custom cleanup settings.
func NewRateLimiterWithConfig(clock quartz.Clock, cleanupInterval, maxTTL time.Duration) *RateLimiter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &RateLimiter{
		cells:           make(map[string]time.Time),
		clock:           clock,
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
	}
}

// Allow implements ratelimit.Limiter.
func (r *RateLimiter) Allow(_ context.Context, key string, config ratelimit.Config) (ratelimit.Result, error) {
	if config.Rate <= 0 {
		config.Rate = 1
	}
	if config.Burst <= 0 {
		config.Burst = config.Rate
	}
	if config.Period <= 0 {
		config.Period = time.Minute
	}
	emission := config.Period / time.Duration(config.Rate)
	tolerance := time.Duration(config.Burst) * emission

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	tat, ok := r.cells[key]
	if !ok || tat.Before(now) {
		tat = now
	}
	newTAT := tat.Add(emission)

	if allowAt := newTAT.Add(-tolerance); now.Before(allowAt) {
		return ratelimit.Result{Allowed: false, RetryAfter: allowAt.Sub(now)}, nil
	}

	r.cells[key] = newTAT
	remaining := int((tolerance - newTAT.Sub(now)) / emission)
	if remaining < 0 {
		remaining = 0
	}
	return ratelimit.Result{Allowed: true, Remaining: remaining}, nil
}

// StartCleanup starts the background cleanup goroutine. It stops when ctx
// is cancelled or Stop is called.
func (r *RateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := r.clock.NewTicker(r.cleanupInterval, "ratelimiter", "cleanup")
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup removes keys idle for longer than maxTTL.
func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-r.maxTTL)
	cleaned := 0
	for key, tat := range r.cells {
		if tat.Before(cutoff) {
			delete(r.cells, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(r.cells))
	}
}

// Stop stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *RateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked keys.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*RateLimiter)(nil)
