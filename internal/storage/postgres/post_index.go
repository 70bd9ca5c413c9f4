// Package postgres indexes mirrored posts in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "mirrored_posts"

// Config controls the Postgres connection pool used for the post index.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// PostIndex upserts one row per mirrored post, keyed by author and slug.
type PostIndex struct {
	pool  dbPool
	table string
}

// New connects to Postgres and returns an index. Call EnsureSchema before use
// on a fresh database.
func New(ctx context.Context, cfg Config) (*PostIndex, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostIndex{pool: pool, table: table}, nil
}

// NewWithPool constructs an index from an existing pool (primarily for testing).
func NewWithPool(pool dbPool, table string) (*PostIndex, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &PostIndex{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *PostIndex) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the index table when missing.
func (s *PostIndex) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	author      TEXT NOT NULL,
	slug        TEXT NOT NULL,
	post_id     TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	title       TEXT NOT NULL,
	url         TEXT NOT NULL,
	published   TIMESTAMPTZ,
	blob_uri    TEXT NOT NULL,
	source      TEXT NOT NULL,
	images      INTEGER NOT NULL DEFAULT 0,
	comments    INTEGER NOT NULL DEFAULT 0,
	synced_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (author, slug)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create post index: %w", err)
	}
	return nil
}

// RecordPost upserts the row for a mirrored post.
func (s *PostIndex) RecordPost(ctx context.Context, record crawler.PostRecord) error {
	if s == nil || s.pool == nil {
		return errors.New("post index is not configured")
	}
	if record.Author == "" || record.Slug == "" {
		return errors.New("record author and slug are required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	author, slug, post_id, run_id, title, url, published,
	blob_uri, source, images, comments, synced_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (author, slug) DO UPDATE SET
	post_id = EXCLUDED.post_id,
	run_id = EXCLUDED.run_id,
	title = EXCLUDED.title,
	url = EXCLUDED.url,
	published = EXCLUDED.published,
	blob_uri = EXCLUDED.blob_uri,
	source = EXCLUDED.source,
	images = EXCLUDED.images,
	comments = EXCLUDED.comments,
	synced_at = EXCLUDED.synced_at`, s.table)

	args := []any{
		record.Author,
		record.Slug,
		record.PostID,
		record.RunID,
		record.Title,
		record.URL,
		record.Published,
		record.BlobURI,
		string(record.Source),
		record.Images,
		record.Comments,
		record.SyncedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert post: %w", err)
	}
	return nil
}

// CountPosts returns how many posts of author are indexed.
func (s *PostIndex) CountPosts(ctx context.Context, author string) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE author = $1`, s.table)
	if err := s.pool.QueryRow(ctx, query, author).Scan(&n); err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}
