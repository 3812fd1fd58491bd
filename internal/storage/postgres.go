package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"remitrails/internal/remit"
)

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS remit_params (
    id SMALLINT PRIMARY KEY CHECK (id = 1),
    fee_rate_bps INT NOT NULL,
    paused BOOLEAN NOT NULL,
    tokens TEXT[] NOT NULL,
    last_remittance_id BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS remit_profiles (
    account TEXT PRIMARY KEY,
    phone_number TEXT UNIQUE NOT NULL,
    display_name TEXT NOT NULL,
    totals JSONB NOT NULL,
    transaction_count BIGINT NOT NULL,
    registered_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS remit_remittances (
    id BIGINT PRIMARY KEY,
    sender TEXT NOT NULL,
    recipient TEXT NOT NULL,
    recipient_phone TEXT NOT NULL,
    token TEXT NOT NULL,
    amount TEXT NOT NULL,
    fee TEXT NOT NULL,
    exchange_rate TEXT NOT NULL,
    reference TEXT NOT NULL,
    status TEXT NOT NULL,
    kyc_verified BOOLEAN NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    settled_at TIMESTAMPTZ,
    settled_by TEXT
);

CREATE INDEX IF NOT EXISTS remit_remittances_sender_idx ON remit_remittances (sender);
CREATE INDEX IF NOT EXISTS remit_remittances_recipient_idx ON remit_remittances (recipient);
`

const remittanceColumns = `id, sender, recipient, recipient_phone, token, amount, fee, exchange_rate,
reference, status, kyc_verified, created_at, settled_at, settled_by`

const uniqueViolation = "23505"

var errNoParams = errors.New("storage: parameters row missing")

// PostgresStore persists engine state in PostgreSQL. Each Update is one
// database transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres using the DSN and ensures the schema
// exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping reports whether the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) View(ctx context.Context, fn func(remit.Tx) error) error {
	return p.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, false, fn)
}

func (p *PostgresStore) Update(ctx context.Context, fn func(remit.Tx) error) error {
	return p.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, true, fn)
}

func (p *PostgresStore) run(ctx context.Context, opts pgx.TxOptions, writable bool, fn func(remit.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{ctx: ctx, tx: tx, writable: writable}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pgTx adapts a pgx transaction to remit.Tx. The context is the one the
// enclosing View or Update was called with.
type pgTx struct {
	ctx      context.Context
	tx       pgx.Tx
	writable bool
}

func (t *pgTx) write() error {
	if !t.writable {
		return remit.ErrReadOnly
	}
	return nil
}

func (t *pgTx) GetProfile(account common.Address) (*remit.Profile, bool, error) {
	var (
		rec    profileRecord
		totals []byte
	)
	err := t.tx.QueryRow(t.ctx, `
SELECT account, phone_number, display_name, totals, transaction_count, registered_at
FROM remit_profiles
WHERE account = $1
`, addrKey(account)).Scan(&rec.Account, &rec.PhoneNumber, &rec.DisplayName, &totals, &rec.TransactionCount, &rec.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(totals, &rec.Totals); err != nil {
		return nil, false, fmt.Errorf("decode totals: %w", err)
	}
	p, err := decodeProfile(rec)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (t *pgTx) AccountByPhone(phone string) (common.Address, bool, error) {
	var account string
	err := t.tx.QueryRow(t.ctx, `SELECT account FROM remit_profiles WHERE phone_number = $1`, phone).Scan(&account)
	if errors.Is(err, pgx.ErrNoRows) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, err
	}
	addr, err := parseAddress(account)
	return addr, err == nil, err
}

func (t *pgTx) PutProfile(p *remit.Profile) error {
	if err := t.write(); err != nil {
		return err
	}
	rec := encodeProfile(p)
	totals, err := json.Marshal(rec.Totals)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx, `
INSERT INTO remit_profiles (account, phone_number, display_name, totals, transaction_count, registered_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (account) DO UPDATE
SET phone_number = EXCLUDED.phone_number,
    display_name = EXCLUDED.display_name,
    totals = EXCLUDED.totals,
    transaction_count = EXCLUDED.transaction_count
`, addrKey(p.Account), rec.PhoneNumber, rec.DisplayName, totals, int64(rec.TransactionCount), rec.RegisteredAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return remit.ErrPhoneAlreadyRegistered
	}
	return err
}

func (t *pgTx) GetRemittance(id uint64) (*remit.Remittance, bool, error) {
	rows, err := t.tx.Query(t.ctx, `SELECT `+remittanceColumns+` FROM remit_remittances WHERE id = $1`, int64(id))
	if err != nil {
		return nil, false, err
	}
	list, err := collectRemittances(rows)
	if err != nil || len(list) == 0 {
		return nil, false, err
	}
	return list[0], true, nil
}

func (t *pgTx) PutRemittance(r *remit.Remittance) error {
	if err := t.write(); err != nil {
		return err
	}
	rec := encodeRemittance(r)
	var (
		settledAt *time.Time
		settledBy *string
	)
	if rec.SettledBy != "" {
		settledAt = &rec.SettledAt
		by := strings.ToLower(rec.SettledBy)
		settledBy = &by
	}
	_, err := t.tx.Exec(t.ctx, `
INSERT INTO remit_remittances (`+remittanceColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE
SET recipient = EXCLUDED.recipient,
    status = EXCLUDED.status,
    settled_at = EXCLUDED.settled_at,
    settled_by = EXCLUDED.settled_by
`, int64(rec.ID), strings.ToLower(rec.Sender), strings.ToLower(rec.Recipient), rec.RecipientPhone,
		strings.ToLower(rec.Token), rec.Amount, rec.Fee, rec.ExchangeRate, rec.Reference, rec.Status,
		rec.KycVerified, rec.CreatedAt, settledAt, settledBy)
	return err
}

func (t *pgTx) RemittancesFor(account common.Address) ([]*remit.Remittance, error) {
	rows, err := t.tx.Query(t.ctx, `
SELECT `+remittanceColumns+`
FROM remit_remittances
WHERE sender = $1 OR recipient = $1
ORDER BY id
`, addrKey(account))
	if err != nil {
		return nil, err
	}
	return collectRemittances(rows)
}

func (t *pgTx) NextRemittanceID() (uint64, error) {
	if err := t.write(); err != nil {
		return 0, err
	}
	var id int64
	err := t.tx.QueryRow(t.ctx, `
UPDATE remit_params SET last_remittance_id = last_remittance_id + 1
WHERE id = 1
RETURNING last_remittance_id
`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errNoParams
	}
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (t *pgTx) Params() (*remit.Params, bool, error) {
	var (
		rec     paramsRecord
		feeRate int32
	)
	err := t.tx.QueryRow(t.ctx, `SELECT fee_rate_bps, paused, tokens FROM remit_params WHERE id = 1`).
		Scan(&feeRate, &rec.Paused, &rec.Tokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec.FeeRateBps = uint32(feeRate)
	p, err := decodeParams(rec)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (t *pgTx) PutParams(p *remit.Params) error {
	if err := t.write(); err != nil {
		return err
	}
	rec := encodeParams(p)
	_, err := t.tx.Exec(t.ctx, `
INSERT INTO remit_params (id, fee_rate_bps, paused, tokens)
VALUES (1, $1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET fee_rate_bps = EXCLUDED.fee_rate_bps,
    paused = EXCLUDED.paused,
    tokens = EXCLUDED.tokens
`, int32(rec.FeeRateBps), rec.Paused, rec.Tokens)
	return err
}

func collectRemittances(rows pgx.Rows) ([]*remit.Remittance, error) {
	defer rows.Close()
	var out []*remit.Remittance
	for rows.Next() {
		var (
			rec       remittanceRecord
			id        int64
			settledAt *time.Time
			settledBy *string
		)
		if err := rows.Scan(&id, &rec.Sender, &rec.Recipient, &rec.RecipientPhone, &rec.Token, &rec.Amount,
			&rec.Fee, &rec.ExchangeRate, &rec.Reference, &rec.Status, &rec.KycVerified, &rec.CreatedAt,
			&settledAt, &settledBy); err != nil {
			return nil, err
		}
		rec.ID = uint64(id)
		if settledAt != nil {
			rec.SettledAt = *settledAt
		}
		if settledBy != nil {
			rec.SettledBy = *settledBy
		}
		r, err := decodeRemittance(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// addrKey is the canonical column form of an address.
func addrKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

var _ remit.Store = (*PostgresStore)(nil)
