package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/and161185/stravasync/internal/errs"
)

// PG is a PostgreSQL-backed run lock built on an expiring lease row, so a
// crashed run cannot block later runs past its TTL.
type PG struct {
	pool pgxQuerier
	name string
	ttl  time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed run lock.
func NewPG(pool *pgxpool.Pool, name string, ttl time.Duration) *PG {
	return &PG{pool: pool, name: name, ttl: ttl}
}

// NewPGWithQuerier constructs a PostgreSQL-backed run lock.
func NewPGWithQuerier(q pgxQuerier, name string, ttl time.Duration) *PG {
	return &PG{pool: q, name: name, ttl: ttl}
}

// Acquire inserts the lease, or takes over one whose TTL has passed.
func (l *PG) Acquire(ctx context.Context, holder uuid.UUID) error {
	const q = `
INSERT INTO sync_lock (name, holder, acquired_at, expires_at)
VALUES ($1, $2, now(), now() + $3::interval)
ON CONFLICT (name) DO UPDATE
SET holder = EXCLUDED.holder, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
WHERE sync_lock.expires_at < now()
RETURNING holder`
	var got uuid.UUID
	err := l.pool.QueryRow(ctx, q, l.name, holder, l.ttl).Scan(&got)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return errs.ErrLocked
	default:
		return err
	}
}

// Release deletes the lease if holder still owns it.
func (l *PG) Release(ctx context.Context, holder uuid.UUID) error {
	const q = `DELETE FROM sync_lock WHERE name=$1 AND holder=$2`
	_, err := l.pool.Exec(ctx, q, l.name, holder)
	return err
}
