package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/coder/quartz"
)

// DefaultLoginCacheTTL is how long a verified credential pair is trusted
// without asking the backend again.
const DefaultLoginCacheTTL = 5 * time.Minute

// loginHashParams trades the OWASP interactive-login profile for a lighter
// one: cache entries are verified on every Basic-auth request.
// Memory: 19 MiB, Iterations: 2, Parallelism: 1
var loginHashParams = &argon2id.Params{
	Memory:      19 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// CredentialPairStrategy authenticates a name/password pair against the
// backend, remembering verified pairs in a LoginCache.
type CredentialPairStrategy struct {
	resolver IdentityResolver
	cache    LoginCache
	ttl      time.Duration
	clock    quartz.Clock
	logger   *slog.Logger
}

// CredentialPairOption configures a CredentialPairStrategy.
type CredentialPairOption func(*CredentialPairStrategy)

// WithLoginCache enables caching of verified pairs for ttl.
// A zero ttl uses DefaultLoginCacheTTL.
func WithLoginCache(cache LoginCache, ttl time.Duration) CredentialPairOption {
	return func(s *CredentialPairStrategy) {
		s.cache = cache
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock sets the clock used for cache expiry.
func WithClock(clock quartz.Clock) CredentialPairOption {
	return func(s *CredentialPairStrategy) {
		s.clock = clock
	}
}

// NewCredentialPairStrategy creates the credential-pair strategy.
func NewCredentialPairStrategy(resolver IdentityResolver, logger *slog.Logger, opts ...CredentialPairOption) *CredentialPairStrategy {
	s := &CredentialPairStrategy{
		resolver: resolver,
		ttl:      DefaultLoginCacheTTL,
		clock:    quartz.NewReal(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Strategy.
func (s *CredentialPairStrategy) Name() string { return StrategyCredentialPair }

// Attempt implements Strategy.
func (s *CredentialPairStrategy) Attempt(ctx context.Context, creds Credentials) (*Identity, error) {
	if !creds.HasPair {
		return nil, ErrNoCredentials
	}
	if creds.Name == "" || creds.Password == "" {
		return nil, ErrInvalidCredentials
	}

	if identity := s.fromCache(ctx, creds); identity != nil {
		return identity, nil
	}

	identity, err := s.resolver.Login(ctx, creds.Name, creds.Password)
	if err != nil {
		if s.cache != nil {
			_ = s.cache.Delete(ctx, creds.Name)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}

	s.remember(ctx, creds, identity)
	return identity, nil
}

// fromCache returns the cached identity when the pair matches a live entry.
func (s *CredentialPairStrategy) fromCache(ctx context.Context, creds Credentials) *Identity {
	if s.cache == nil {
		return nil
	}
	cached, err := s.cache.Get(ctx, creds.Name)
	if err != nil {
		return nil
	}
	if cached.IsExpired(s.clock.Now()) {
		_ = s.cache.Delete(ctx, creds.Name)
		return nil
	}
	match, err := safeArgon2idCompare(creds.Password, cached.PasswordHash)
	if err != nil || !match {
		return nil
	}
	return cached.Identity.Clone()
}

// remember stores a verified pair. Failures only cost a future round-trip.
func (s *CredentialPairStrategy) remember(ctx context.Context, creds Credentials, identity *Identity) {
	if s.cache == nil {
		return
	}
	hash, err := argon2id.CreateHash(creds.Password, loginHashParams)
	if err != nil {
		s.logger.Warn("failed to hash credentials for login cache", "error", err)
		return
	}
	entry := &CachedLogin{
		PasswordHash: hash,
		Identity:     identity.Clone(),
		ExpiresAt:    s.clock.Now().Add(s.ttl),
	}
	if err := s.cache.Put(ctx, creds.Name, entry); err != nil {
		s.logger.Warn("failed to cache login", "name", creds.Name, "error", err)
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic recovery.
// The underlying argon2 library panics on malformed hashes with invalid
// parameters (e.g., t=0 rounds, p=0 parallelism).
func safeArgon2idCompare(password, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(password, storedHash)
}

// Compile-time interface verification.
var _ Strategy = (*CredentialPairStrategy)(nil)
