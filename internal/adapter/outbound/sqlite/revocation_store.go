// Package sqlite provides SQLite-backed implementations of outbound ports.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/Sentinel-Gate/Syncgate/internal/domain/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS revoked_tokens (
	jti        TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS revoked_tokens_expires_at ON revoked_tokens (expires_at);
`

// RevocationStore implements session.RevocationStore in a SQLite file, so
// logged-out tokens stay revoked across restarts.
type RevocationStore struct {
	db     *sql.DB
	clock  quartz.Clock
	logger *slog.Logger
}

// OpenRevocationStore opens (creating if needed) the database at path.
// Use ":memory:" for a throwaway store.
func OpenRevocationStore(ctx context.Context, path string, clock quartz.Clock, logger *slog.Logger) (*RevocationStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open revocation db: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure revocation db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create revocation schema: %w", err)
	}

	if clock == nil {
		clock = quartz.NewReal()
	}
	return &RevocationStore{db: db, clock: clock, logger: logger}, nil
}

// Revoke implements session.RevocationStore.
func (s *RevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (jti, expires_at) VALUES (?, ?)
		 ON CONFLICT(jti) DO UPDATE SET expires_at = excluded.expires_at`,
		jti, expiresAt.Unix())
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked implements session.RevocationStore.
func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM revoked_tokens WHERE jti = ?`, jti).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check token revocation: %w", err)
	default:
		return true, nil
	}
}

// Purge deletes revocations whose tokens have expired and returns how many
// were removed.
func (s *RevocationStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= ?`, s.clock.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge revocations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("purged expired revocations", "count", n)
	}
	return n, nil
}

// Ping reports whether the database is reachable.
func (s *RevocationStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *RevocationStore) Close() error {
	return s.db.Close()
}

// Compile-time interface verification.
var _ session.RevocationStore = (*RevocationStore)(nil)
