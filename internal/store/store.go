// Package store persists session snapshots in PostgreSQL, for deployments
// where several hosts share one logged-in identity.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xkilldash9x/forumcrawl/internal/snapshot"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateTable = `
        CREATE TABLE IF NOT EXISTS session_snapshots (
            name       TEXT PRIMARY KEY,
            document   JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlSelectSnapshot = `SELECT document FROM session_snapshots WHERE name = $1;`
	sqlUpsertSnapshot = `
        INSERT INTO session_snapshots (name, document, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (name) DO UPDATE SET
            document = EXCLUDED.document,
            updated_at = EXCLUDED.updated_at;
    `
)

// Store is a snapshot.Store over a single row of session_snapshots.
type Store struct {
	pool DBPool
	name string
	log  *zap.Logger
	now  func() time.Time
}

var _ snapshot.Store = (*Store)(nil)

// New creates a new store instance, verifies the connection and makes sure
// the table exists.
func New(ctx context.Context, pool DBPool, name string, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlCreateTable); err != nil {
		return nil, fmt.Errorf("failed to ensure session_snapshots table: %w", err)
	}
	return &Store{
		pool: pool,
		name: name,
		log:  logger.Named("store").With(zap.String("snapshot", name)),
		now:  time.Now,
	}, nil
}

// Connect opens a pgx pool for url and wraps it in a Store. The returned
// close function releases the pool.
func Connect(ctx context.Context, url, name string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, name, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

func (s *Store) Load(ctx context.Context) (*snapshot.Snapshot, bool) {
	var doc []byte
	err := s.pool.QueryRow(ctx, sqlSelectSnapshot, s.name).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		s.log.Info("No saved session found.")
		return nil, false
	}
	if err != nil {
		s.log.Warn("Could not read saved session; starting fresh.", zap.Error(err))
		return nil, false
	}

	snap, err := snapshot.Decode(doc)
	if err != nil {
		s.log.Warn("Saved session is malformed; starting fresh.", zap.Error(err))
		return nil, false
	}
	return snap, true
}

func (s *Store) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	doc, err := snapshot.Encode(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlUpsertSnapshot, s.name, doc, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	s.log.Debug("Session saved.", zap.Int("cookies", len(snap.Cookies)))
	return nil
}
