package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps submissions in the wallet_submissions table, shared by
// every replica behind the control API.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallet_submissions (
    key         TEXT PRIMARY KEY,
    action      TEXT NOT NULL,
    tx_hash     TEXT NOT NULL DEFAULT '',
    status_code INT NOT NULL,
    response    BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS wallet_submissions_expires_at ON wallet_submissions (expires_at)`,
	`CREATE INDEX IF NOT EXISTS wallet_submissions_tx_hash ON wallet_submissions (tx_hash) WHERE tx_hash <> ''`,
}

const (
	selectLiveSQL = `
SELECT action, tx_hash, status_code, response, created_at, expires_at
FROM wallet_submissions
WHERE key = $1 AND expires_at >= $2`

	// A live record is never overwritten: the first submission under a key wins.
	upsertSQL = `
INSERT INTO wallet_submissions (key, action, tx_hash, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (key) DO UPDATE
SET action      = EXCLUDED.action,
    tx_hash     = EXCLUDED.tx_hash,
    status_code = EXCLUDED.status_code,
    response    = EXCLUDED.response,
    created_at  = EXCLUDED.created_at,
    expires_at  = EXCLUDED.expires_at
WHERE wallet_submissions.expires_at < EXCLUDED.created_at`

	purgeSQL = `DELETE FROM wallet_submissions WHERE expires_at < $1`
)

// NewPostgresStore connects with dsn and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, selectLiveSQL, key, p.now()).
		Scan(&rec.Action, &rec.TxHash, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select submission: %w", err)
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx, upsertSQL,
		key, record.Action, record.TxHash, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save submission %s: %w", record.Action, err)
	}
	return nil
}

func (p *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, purgeSQL, now)
	if err != nil {
		return 0, fmt.Errorf("purge submissions: %w", err)
	}
	return tag.RowsAffected(), nil
}
