package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/session"
)

// DefaultCleanupInterval is how often expired revocations are purged.
const DefaultCleanupInterval = 1 * time.Minute

// RevocationStore implements session.RevocationStore with an in-memory map.
// Revocations are lost on restart; use the SQLite store to keep them.
// A background goroutine drops entries once the token would have expired.
type RevocationStore struct {
	revoked         map[string]time.Time
	mu              sync.RWMutex
	clock           quartz.Clock
	stopChan        chan struct{}
	wg              sync.WaitGroup
	cleanupInterval time.Duration
	once            sync.Once
}

// NewRevocationStore creates a store with the default cleanup interval.
func NewRevocationStore(clock quartz.Clock) *RevocationStore {
	return NewRevocationStoreWithConfig(clock, DefaultCleanupInterval)
}

// NewRevocationStoreWithConfig creates a store with a custom cleanup interval.
func NewRevocationStoreWithConfig(clock quartz.Clock, cleanupInterval time.Duration) *RevocationStore {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &RevocationStore{
		revoked:         make(map[string]time.Time),
		clock:           clock,
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
}

// StartCleanup starts the background cleanup goroutine.
// Call Stop() to stop it gracefully.
func (s *RevocationStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := s.clock.NewTicker(s.cleanupInterval, "revocations", "cleanup")
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

func (s *RevocationStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cleaned := 0
	for jti, exp := range s.revoked {
		if !now.Before(exp) {
			delete(s.revoked, jti)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("cleaned expired revocations", "count", cleaned)
	}
}

// Stop stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *RevocationStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Revoke implements session.RevocationStore.
func (s *RevocationStore) Revoke(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = expiresAt
	return nil
}

// IsRevoked implements session.RevocationStore.
func (s *RevocationStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

// Size returns the number of revocations held.
func (s *RevocationStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revoked)
}

// Compile-time interface verification.
var _ session.RevocationStore = (*RevocationStore)(nil)
