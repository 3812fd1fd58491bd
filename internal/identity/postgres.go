package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"remitrails/internal/remit"
)

const createIdentityTableSQL = `
CREATE TABLE IF NOT EXISTS identity_accounts (
    account TEXT PRIMARY KEY,
    phone_number TEXT UNIQUE NOT NULL,
    kyc_status TEXT NOT NULL DEFAULT 'pending',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const kycVerified = "verified"

// PostgresBridge reads the phone directory and KYC status from a table
// maintained by the identity provider.
type PostgresBridge struct {
	pool      *pgxpool.Pool
	threshold *uint256.Int
}

// NewPostgresBridge connects to Postgres using the DSN and ensures the table
// exists.
func NewPostgresBridge(ctx context.Context, dsn string, threshold *uint256.Int) (*PostgresBridge, error) {
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
	if _, err := pool.Exec(ctx, createIdentityTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	b := &PostgresBridge{pool: pool}
	if threshold != nil {
		b.threshold = threshold.Clone()
	}
	return b, nil
}

func (b *PostgresBridge) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

// Upsert writes a directory entry. The engine never calls it; it exists for
// provisioning and tests.
func (b *PostgresBridge) Upsert(ctx context.Context, e Entry) error {
	phone, err := remit.NormalizePhone(e.PhoneNumber)
	if err != nil {
		return err
	}
	status := "pending"
	if e.KycVerified {
		status = kycVerified
	}
	_, err = b.pool.Exec(ctx, `
INSERT INTO identity_accounts (account, phone_number, kyc_status, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (account) DO UPDATE
SET phone_number = EXCLUDED.phone_number,
    kyc_status = EXCLUDED.kyc_status,
    updated_at = EXCLUDED.updated_at
`, strings.ToLower(e.Account.Hex()), phone, status)
	return err
}

func (b *PostgresBridge) ResolveAccountByPhone(ctx context.Context, phone string) (common.Address, error) {
	normalized, err := remit.NormalizePhone(phone)
	if err != nil {
		return common.Address{}, remit.ErrPhoneNotFound
	}
	var account string
	err = b.pool.QueryRow(ctx, `SELECT account FROM identity_accounts WHERE phone_number = $1`, normalized).Scan(&account)
	if errors.Is(err, pgx.ErrNoRows) {
		return common.Address{}, remit.ErrPhoneNotFound
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("query phone: %w", err)
	}
	if !common.IsHexAddress(account) {
		return common.Address{}, fmt.Errorf("identity row for %s holds invalid account %q", normalized, account)
	}
	return common.HexToAddress(account), nil
}

func (b *PostgresBridge) IsKycVerified(ctx context.Context, account common.Address) (bool, error) {
	var status string
	err := b.pool.QueryRow(ctx, `SELECT kyc_status FROM identity_accounts WHERE account = $1`,
		strings.ToLower(account.Hex())).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query kyc status: %w", err)
	}
	return status == kycVerified, nil
}

func (b *PostgresBridge) RequiresKyc(_ context.Context, amount *uint256.Int) bool {
	return requiresKyc(b.threshold, amount)
}
