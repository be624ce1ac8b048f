// Package ratelimit holds the login throttling contract.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limiter decides whether one more event for key fits the configured rate.
// Implementations use GCRA so events are spread evenly instead of resetting
// at window boundaries.
type Limiter interface {
	Allow(ctx context.Context, key string, config Config) (Result, error)
}

// Config defines the rate limiting parameters.
type Config struct {
	// Rate is the number of allowed events per Period.
	Rate int
	// Burst is the number of events allowed back to back.
	Burst int
	Period time.Duration
}

// Result contains the outcome of an Allow call.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// KeyType identifies what a rate limit key is derived from.
type KeyType string

const (
	// KeyTypeIP throttles by client address.
	KeyTypeIP KeyType = "ip"
	// KeyTypeLogin throttles by the login name being tried.
	KeyTypeLogin KeyType = "login"
)

const keyPrefix = "ratelimit"

// FormatKey returns "ratelimit:{type}:{value}".
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}
