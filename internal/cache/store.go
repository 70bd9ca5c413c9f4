// Package cache implements the persistent TTL cache and the content cache
// layered on top of it. Caching is best-effort: storage failures are logged
// and surface to callers only as misses or false writes.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/hash/sha256"
)

// Namespace selects one of the two cache tables.
type Namespace string

// Cache namespaces. The values are the table names.
const (
	NamespaceAPI  Namespace = "api_cache"
	NamespacePage Namespace = "page_cache"
)

var namespaces = []Namespace{NamespaceAPI, NamespacePage}

// DefaultTTL applies when Set is called without an explicit TTL.
const DefaultTTL = time.Hour

// Config locates the cache database.
type Config struct {
	Path       string
	DefaultTTL time.Duration
}

// Stats summarizes row counts. Expired counts rows past their expiry that
// have not been purged yet.
type Stats struct {
	API     int `json:"api_count"`
	Page    int `json:"page_count"`
	Total   int `json:"total_count"`
	Expired int `json:"total_expired"`
}

// Store is a SQLite-backed key/value store with per-row expiry.
type Store struct {
	db         *sql.DB
	defaultTTL time.Duration
	clock      crawler.Clock
	logger     *zap.Logger
}

// Open creates or opens the cache database at cfg.Path.
func Open(ctx context.Context, cfg Config, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, errors.New("cache path is required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// a single writer connection avoids SQLITE_BUSY between goroutines
	db.SetMaxOpenConns(1)

	s := &Store{db: db, defaultTTL: cfg.DefaultTTL, clock: clock, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Disabled returns a Store that caches nothing. Every read misses and every
// write reports false.
func Disabled(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{defaultTTL: DefaultTTL, logger: logger}
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("configure cache db: %w", err)
	}
	for _, ns := range namespaces {
		stmt := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				key        TEXT PRIMARY KEY,
				value      TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				expires_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_%[1]s_expires ON %[1]s(expires_at);`, ns)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create %s: %w", ns, err)
		}
	}
	return nil
}

// Enabled reports whether the store is backed by a database.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close cache db: %w", err)
	}
	return nil
}

func (s *Store) now() int64 {
	if s.clock == nil {
		return time.Now().Unix()
	}
	return s.clock.Now().Unix()
}

func validNamespace(ns Namespace) bool {
	return ns == NamespaceAPI || ns == NamespacePage
}

// Set stores value under key with the default TTL.
func (s *Store) Set(ctx context.Context, ns Namespace, key, value string) bool {
	return s.SetWithTTL(ctx, ns, key, value, s.defaultTTL)
}

// SetWithTTL upserts value under key expiring ttl from now. A zero TTL writes
// an already expired row.
func (s *Store) SetWithTTL(ctx context.Context, ns Namespace, key, value string, ttl time.Duration) bool {
	if !s.Enabled() || !validNamespace(ns) {
		return false
	}
	if ttl < 0 {
		ttl = 0
	}
	now := s.now()
	// round sub-second TTLs up so a positive TTL is never born expired
	expires := now + int64((ttl+time.Second-1)/time.Second)
	stmt := fmt.Sprintf(`
		INSERT INTO %s (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`, ns)
	if _, err := s.db.ExecContext(ctx, stmt, sha256.Sum(key), value, now, expires); err != nil {
		s.logger.Warn("cache write failed", zap.String("namespace", string(ns)), zap.Error(err))
		return false
	}
	return true
}

// Get returns the value for key when present and unexpired.
func (s *Store) Get(ctx context.Context, ns Namespace, key string) (string, bool) {
	if !s.Enabled() || !validNamespace(ns) {
		return "", false
	}
	stmt := fmt.Sprintf(`SELECT value FROM %s WHERE key = ? AND expires_at > ?`, ns)
	var value string
	err := s.db.QueryRowContext(ctx, stmt, sha256.Sum(key), s.now()).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false
	case err != nil:
		s.logger.Warn("cache read failed", zap.String("namespace", string(ns)), zap.Error(err))
		return "", false
	}
	return value, true
}

// Clear deletes every row in ns and returns how many were removed.
func (s *Store) Clear(ctx context.Context, ns Namespace) int {
	if !s.Enabled() || !validNamespace(ns) {
		return 0
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, ns))
	if err != nil {
		s.logger.Warn("cache clear failed", zap.String("namespace", string(ns)), zap.Error(err))
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}

// ClearAll empties both namespaces.
func (s *Store) ClearAll(ctx context.Context) (api, page int) {
	return s.Clear(ctx, NamespaceAPI), s.Clear(ctx, NamespacePage)
}

// PurgeExpired deletes rows past their expiry and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) int {
	if !s.Enabled() {
		return 0
	}
	now := s.now()
	total := 0
	for _, ns := range namespaces {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, ns), now)
		if err != nil {
			s.logger.Warn("cache purge failed", zap.String("namespace", string(ns)), zap.Error(err))
			continue
		}
		if n, err := res.RowsAffected(); err == nil {
			total += int(n)
		}
	}
	return total
}

// Stats reports row counts per namespace.
func (s *Store) Stats(ctx context.Context) Stats {
	var st Stats
	if !s.Enabled() {
		return st
	}
	now := s.now()
	for _, ns := range namespaces {
		var count, expired int
		stmt := fmt.Sprintf(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0) FROM %s`, ns)
		if err := s.db.QueryRowContext(ctx, stmt, now).Scan(&count, &expired); err != nil {
			s.logger.Warn("cache stats failed", zap.String("namespace", string(ns)), zap.Error(err))
			continue
		}
		switch ns {
		case NamespaceAPI:
			st.API = count
		case NamespacePage:
			st.Page = count
		}
		st.Expired += expired
	}
	st.Total = st.API + st.Page
	return st
}
