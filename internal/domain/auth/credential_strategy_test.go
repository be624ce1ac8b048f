package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
)

// mockResolver implements IdentityResolver with a fixed user table.
type mockResolver struct {
	mu     sync.Mutex
	users  map[string]string // name -> password
	roles  map[string][]string
	calls  int
	failAs error
}

func newMockResolver() *mockResolver {
	return &mockResolver{
		users: map[string]string{"alice": "s3cret"},
		roles: map[string][]string{"alice": {"user_app"}},
	}
}

func (m *mockResolver) Login(ctx context.Context, name, password string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failAs != nil {
		return nil, m.failAs
	}
	if pw, ok := m.users[name]; !ok || pw != password {
		return nil, ErrInvalidCredentials
	}
	return &Identity{ID: name, Name: name, Roles: m.roles[name]}, nil
}

func (m *mockResolver) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockLoginCache implements LoginCache with a map.
type mockLoginCache struct {
	mu      sync.Mutex
	entries map[string]*CachedLogin
}

func newMockLoginCache() *mockLoginCache {
	return &mockLoginCache{entries: make(map[string]*CachedLogin)}
}

func (m *mockLoginCache) Get(ctx context.Context, name string) (*CachedLogin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, ErrLoginNotCached
	}
	return e, nil
}

func (m *mockLoginCache) Put(ctx context.Context, name string, login *CachedLogin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = login
	return nil
}

func (m *mockLoginCache) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
	return nil
}

var _ LoginCache = (*mockLoginCache)(nil)

func TestCredentialPairStrategy_NoPair(t *testing.T) {
	s := NewCredentialPairStrategy(newMockResolver(), discardLogger())
	_, err := s.Attempt(context.Background(), Credentials{CookieToken: "x"})
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Attempt() error = %v, want ErrNoCredentials", err)
	}
}

func TestCredentialPairStrategy_EmptyPair(t *testing.T) {
	resolver := newMockResolver()
	s := NewCredentialPairStrategy(resolver, discardLogger())
	_, err := s.Attempt(context.Background(), Credentials{HasPair: true, Name: "alice"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Attempt() error = %v, want ErrInvalidCredentials", err)
	}
	if resolver.callCount() != 0 {
		t.Errorf("resolver calls = %d, want 0", resolver.callCount())
	}
}

func TestCredentialPairStrategy_ResolverFailureMapsToInvalid(t *testing.T) {
	resolver := newMockResolver()
	resolver.failAs = errors.New("connection refused")
	s := NewCredentialPairStrategy(resolver, discardLogger())

	_, err := s.Attempt(context.Background(), Credentials{HasPair: true, Name: "alice", Password: "s3cret"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Attempt() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestCredentialPairStrategy_CacheAvoidsBackend(t *testing.T) {
	resolver := newMockResolver()
	cache := newMockLoginCache()
	clock := quartz.NewMock(t)
	s := NewCredentialPairStrategy(resolver, discardLogger(),
		WithLoginCache(cache, time.Minute),
		WithClock(clock),
	)
	ctx := context.Background()
	creds := Credentials{HasPair: true, Name: "alice", Password: "s3cret"}

	identity, err := s.Attempt(ctx, creds)
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if identity.Name != "alice" {
		t.Errorf("Name = %q, want alice", identity.Name)
	}

	// Second attempt with the same pair is served from the cache.
	if _, err := s.Attempt(ctx, creds); err != nil {
		t.Fatalf("cached Attempt() error = %v", err)
	}
	if resolver.callCount() != 1 {
		t.Errorf("resolver calls = %d, want 1", resolver.callCount())
	}

	// A wrong password never matches the cached hash.
	_, err = s.Attempt(ctx, Credentials{HasPair: true, Name: "alice", Password: "wrong"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if resolver.callCount() != 2 {
		t.Errorf("resolver calls = %d, want 2", resolver.callCount())
	}
	// The failed backend check evicted the entry.
	if _, err := cache.Get(ctx, "alice"); !errors.Is(err, ErrLoginNotCached) {
		t.Errorf("cache entry after failure: err = %v, want ErrLoginNotCached", err)
	}
}

func TestCredentialPairStrategy_CacheExpiry(t *testing.T) {
	resolver := newMockResolver()
	cache := newMockLoginCache()
	clock := quartz.NewMock(t)
	s := NewCredentialPairStrategy(resolver, discardLogger(),
		WithLoginCache(cache, time.Minute),
		WithClock(clock),
	)
	ctx := context.Background()
	creds := Credentials{HasPair: true, Name: "alice", Password: "s3cret"}

	if _, err := s.Attempt(ctx, creds); err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := s.Attempt(ctx, creds); err != nil {
		t.Fatalf("Attempt() after expiry error = %v", err)
	}
	if resolver.callCount() != 2 {
		t.Errorf("resolver calls = %d, want 2 (expired entry must not be used)", resolver.callCount())
	}
}

func TestSafeArgon2idCompare_MalformedHash(t *testing.T) {
	match, err := safeArgon2idCompare("pw", "$argon2id$v=19$m=0,t=0,p=0$AAAA$AAAA")
	if match {
		t.Error("malformed hash must not match")
	}
	if err == nil {
		t.Error("malformed hash should return an error")
	}
}
