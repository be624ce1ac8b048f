// Package service contains application services.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/coder/retry"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/acl"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
	"github.com/Sentinel-Gate/Syncgate/internal/port/outbound"
	"github.com/Sentinel-Gate/Syncgate/internal/telemetry"
)

// Rule store defaults.
const (
	DefaultPollTimeout     = 60 * time.Second
	DefaultRetryBackoff    = 5 * time.Second
	DefaultInvalidateDelay = 2 * time.Second
)

// RuleStoreConfig locates the rule document and tunes the watch loop.
type RuleStoreConfig struct {
	// Database holds the rule document.
	Database string
	// DocID is the rule document id.
	DocID string
	// AppDatabases have their checkpoints cleared after a rule change.
	AppDatabases []string
	// PollTimeout is the long-poll wait passed to the change feed.
	PollTimeout time.Duration
	// RetryBackoff is the fixed wait after a failed poll.
	RetryBackoff time.Duration
	// InvalidateDelay debounces checkpoint invalidation.
	InvalidateDelay time.Duration
}

// RuleStoreOption configures a RuleStore.
type RuleStoreOption func(*RuleStore)

// WithRuleStoreClock sets the clock driving the invalidation debounce.
func WithRuleStoreClock(clock quartz.Clock) RuleStoreOption {
	return func(s *RuleStore) {
		s.clock = clock
	}
}

// WithRuleStoreMetrics sets the metrics recorder.
func WithRuleStoreMetrics(m *telemetry.Metrics) RuleStoreOption {
	return func(s *RuleStore) {
		s.metrics = m
	}
}

// WithExprCompiler enables rule `when` expressions.
func WithExprCompiler(c acl.ExprCompiler) RuleStoreOption {
	return func(s *RuleStore) {
		s.compiler = c
	}
}

// RuleStatus reports the rule store state for health checks.
type RuleStatus struct {
	Loaded    bool      `json:"loaded"`
	Revision  string    `json:"revision,omitempty"`
	Roles     int       `json:"roles"`
	LastSync  time.Time `json:"last_sync,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// RuleStore keeps the current rule set in sync with the rule document.
// Readers call Current, which never blocks; the watch loop replaces the
// snapshot atomically.
type RuleStore struct {
	backend     outbound.DocumentStore
	invalidator outbound.CacheInvalidator
	compiler    acl.ExprCompiler
	cfg         RuleStoreConfig
	clock       quartz.Clock
	metrics     *telemetry.Metrics
	logger      *slog.Logger

	current atomic.Pointer[acl.RuleSet]
	// fetched is set once the rule document has been read, or found
	// missing, at least once.
	fetched atomic.Bool

	// mu serializes snapshot updates and guards the fields below.
	mu        sync.Mutex
	pending   *quartz.Timer
	stopped   bool
	lastSync  time.Time
	lastError string

	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	inflight  sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRuleStore creates a rule store. Call Start to load and watch the rules.
func NewRuleStore(backend outbound.DocumentStore, invalidator outbound.CacheInvalidator, cfg RuleStoreConfig, logger *slog.Logger, opts ...RuleStoreOption) *RuleStore {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.InvalidateDelay <= 0 {
		cfg.InvalidateDelay = DefaultInvalidateDelay
	}
	s := &RuleStore{
		backend:     backend,
		invalidator: invalidator,
		cfg:         cfg,
		clock:       quartz.NewReal(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the rule snapshot, or nil when no rule document is
// loaded.
func (s *RuleStore) Current() *acl.RuleSet {
	return s.current.Load()
}

// Status returns the store state.
func (s *RuleStore) Status() RuleStatus {
	set := s.current.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	return RuleStatus{
		Loaded:    set != nil,
		Revision:  set.Revision(),
		Roles:     set.Roles(),
		LastSync:  s.lastSync,
		LastError: s.lastError,
	}
}

// Start fetches the rule document once and starts the watch loop. A failed
// fetch leaves the store without rules until the watch loop delivers the
// document, which it then reads from the start of the feed.
func (s *RuleStore) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

		if err := s.Reload(ctx); err != nil {
			s.logger.Warn("initial rule load failed, running without rules",
				"database", s.cfg.Database, "doc_id", s.cfg.DocID, "error", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watch(s.runCtx)
		}()
	})
}

// Stop ends the watch loop, cancels any pending invalidation and waits for
// a running one to finish. Safe to call multiple times.
func (s *RuleStore) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		s.mu.Lock()
		s.stopped = true
		if s.pending != nil {
			s.pending.Stop()
			s.pending = nil
		}
		s.mu.Unlock()

		s.inflight.Wait()
	})
}

// Reload fetches the rule document and applies it. A missing document
// clears the rules.
func (s *RuleStore) Reload(ctx context.Context) error {
	doc, err := s.backend.Get(ctx, s.cfg.Database, s.cfg.DocID, nil)
	switch {
	case errors.Is(err, document.ErrNotFound):
		s.fetched.Store(true)
		return s.apply(nil)
	case err != nil:
		s.recordError(err)
		return fmt.Errorf("fetch rule document: %w", err)
	}
	s.fetched.Store(true)
	return s.apply(doc)
}

// watch long-polls the change feed for the rule document until ctx ends.
// After a successful startup fetch only later changes matter. Otherwise the
// feed starts at 0 so an existing document is delivered as a change.
func (s *RuleStore) watch(ctx context.Context) {
	since := "now"
	if !s.fetched.Load() {
		since = "0"
	}
	for r := retry.New(s.cfg.RetryBackoff, s.cfg.RetryBackoff); r.Wait(ctx); {
		res, err := s.backend.Changes(ctx, s.cfg.Database, s.feedParams(since), nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// The long-poll outlived its request; nothing changed.
				r.Reset()
				continue
			}
			s.recordError(err)
			s.logger.Warn("rule feed poll failed, retrying",
				"backoff", s.cfg.RetryBackoff, "error", err)
			continue
		}
		r.Reset()

		for _, row := range res.Results {
			if row.ID != s.cfg.DocID {
				continue
			}
			var err error
			switch {
			case row.Deleted || row.Doc.Deleted():
				err = s.apply(nil)
			case row.Doc != nil:
				err = s.apply(row.Doc)
			default:
				continue
			}
			if err != nil {
				s.logger.Warn("ignoring invalid rule document, keeping previous rules",
					"seq", document.SeqString(row.Seq), "error", err)
			}
		}
		if seq := document.SeqString(res.LastSeq); seq != "" {
			since = seq
		}
	}
}

func (s *RuleStore) feedParams(since string) url.Values {
	ids, _ := json.Marshal([]string{s.cfg.DocID})
	return url.Values{
		"feed":         {"longpoll"},
		"filter":       {"_doc_ids"},
		"doc_ids":      {string(ids)},
		"include_docs": {"true"},
		"since":        {since},
		"timeout":      {strconv.FormatInt(s.cfg.PollTimeout.Milliseconds(), 10)},
	}
}

// apply builds a rule set from doc (nil for "no rules") and swaps it in.
// Invalid documents leave the snapshot untouched.
func (s *RuleStore) apply(doc document.Doc) error {
	var next *acl.RuleSet
	if doc != nil {
		raw, err := json.Marshal(doc)
		if err != nil {
			return s.reject(fmt.Errorf("%w: %w", acl.ErrMalformedRules, err))
		}
		cfg, rev, err := acl.ParseRuleDocument(raw)
		if err != nil {
			return s.reject(err)
		}
		next, err = acl.NewRuleSet(cfg, rev, s.compiler)
		if err != nil {
			return s.reject(err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSync = s.clock.Now()
	s.lastError = ""

	prev := s.current.Load()
	switch {
	case prev == nil && next == nil:
		s.metrics.RecordRuleUpdate("unchanged", false)
		return nil
	case prev != nil && next != nil && prev.Fingerprint() == next.Fingerprint():
		// Same content under a new revision.
		s.current.Store(next)
		s.metrics.RecordRuleUpdate("unchanged", true)
		s.logger.Debug("rule document revision changed, content identical", "revision", next.Revision())
		return nil
	}

	s.current.Store(next)
	if next == nil {
		s.metrics.RecordRuleUpdate("removed", false)
		s.logger.Warn("rule document removed, authenticated users now have full access")
	} else {
		s.metrics.RecordRuleUpdate("applied", true)
		s.logger.Info("rules updated", "revision", next.Revision(), "roles", next.Roles())
	}

	if prev != nil {
		s.scheduleInvalidationLocked()
	}
	return nil
}

func (s *RuleStore) reject(err error) error {
	s.metrics.RecordRuleUpdate("rejected", s.current.Load() != nil)
	s.recordError(err)
	return err
}

func (s *RuleStore) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// scheduleInvalidationLocked (re)arms the debounce timer. A change arriving
// while a timer is pending replaces it, so bursts of edits produce one
// invalidation. s.mu must be held.
func (s *RuleStore) scheduleInvalidationLocked() {
	if s.stopped || s.invalidator == nil || len(s.cfg.AppDatabases) == 0 {
		return
	}
	if s.pending != nil {
		s.pending.Stop()
	}
	s.pending = s.clock.AfterFunc(s.cfg.InvalidateDelay, s.invalidate, "rulestore", "invalidate")
}

// invalidate clears replication checkpoints of every application database.
func (s *RuleStore) invalidate() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.inflight.Add(1)
	ctx := s.runCtx
	s.mu.Unlock()
	defer s.inflight.Done()

	if ctx == nil {
		ctx = context.Background()
	}
	for _, db := range s.cfg.AppDatabases {
		err := s.invalidator.ClearLocal(ctx, db)
		s.metrics.RecordInvalidation(err)
		if err != nil {
			s.logger.Error("failed to invalidate replication checkpoints", "db", db, "error", err)
			continue
		}
		s.logger.Info("replication checkpoints invalidated after rule change", "db", db)
	}
}
