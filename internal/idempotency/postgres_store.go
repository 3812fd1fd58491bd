package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	idemSchemaSQL = `
CREATE TABLE IF NOT EXISTS remit_idempotency_records (
    key          TEXT PRIMARY KEY,
    request_hash TEXT        NOT NULL,
    status_code  INT         NOT NULL,
    response     BYTEA       NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS remit_idempotency_expires_idx
    ON remit_idempotency_records (expires_at);`

	idemSelectSQL = `
SELECT request_hash, status_code, response, created_at, expires_at
  FROM remit_idempotency_records
 WHERE key = $1 AND expires_at > $2`

	idemUpsertSQL = `
INSERT INTO remit_idempotency_records AS r
       (key, request_hash, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO UPDATE
   SET request_hash = EXCLUDED.request_hash,
       status_code  = EXCLUDED.status_code,
       response     = EXCLUDED.response,
       created_at   = EXCLUDED.created_at,
       expires_at   = EXCLUDED.expires_at`

	idemSweepSQL = `DELETE FROM remit_idempotency_records WHERE expires_at <= $1`
)

// PostgresStore keeps create-request replies in Postgres so every API
// replica behind the same database answers a retried key identically.
// Expired rows are never returned and are swept on each Save.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore opens a pool on dsn and creates the table when missing.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("idempotency: postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("idempotency: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("idempotency: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, idemSchemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("idempotency: create schema: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Get returns the live record for key, or nil when none exists.
func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, idemSelectSQL, key, p.now().UTC()).
		Scan(&rec.RequestHash, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("idempotency: get %q: %w", key, err)
	}
	return &rec, nil
}

// Save upserts record under key and drops expired rows in the same round
// trip.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	batch := &pgx.Batch{}
	batch.Queue(idemSweepSQL, p.now().UTC())
	batch.Queue(idemUpsertSQL, key, record.RequestHash, record.StatusCode, record.Response,
		record.CreatedAt.UTC(), record.ExpiresAt.UTC())

	results := p.pool.SendBatch(ctx, batch)
	if _, err := results.Exec(); err != nil {
		_ = results.Close()
		return fmt.Errorf("idempotency: sweep: %w", err)
	}
	if _, err := results.Exec(); err != nil {
		_ = results.Close()
		return fmt.Errorf("idempotency: save %q: %w", key, err)
	}
	return results.Close()
}
