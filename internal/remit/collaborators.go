package remit

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// IdentityBridge is the external phone directory and KYC registry. The
// engine only reads from it.
type IdentityBridge interface {
	// ResolveAccountByPhone returns ErrPhoneNotFound when the phone is unknown.
	ResolveAccountByPhone(ctx context.Context, phone string) (common.Address, error)
	IsKycVerified(ctx context.Context, account common.Address) (bool, error)
	RequiresKyc(ctx context.Context, amount *uint256.Int) bool
}

// Payout is one leg of a custody release.
type Payout struct {
	To     common.Address
	Amount *uint256.Int
}

// ErrNothingMoved marks a custody failure that left every balance untouched.
var ErrNothingMoved = errors.New("custody: no funds moved")

// Custody moves balances into and out of engine custody. Pull must move every
// unit requested or nothing. Push wraps ErrNothingMoved when it fails before
// releasing anything; any other Push error means the outcome is unknown.
type Custody interface {
	Pull(ctx context.Context, from, token common.Address, amount *uint256.Int) error
	Push(ctx context.Context, token common.Address, payouts ...Payout) error
}

// nullIdentity is used when no bridge is configured: every phone is
// unresolved and nobody is verified.
type nullIdentity struct{}

func (nullIdentity) ResolveAccountByPhone(context.Context, string) (common.Address, error) {
	return common.Address{}, ErrPhoneNotFound
}

func (nullIdentity) IsKycVerified(context.Context, common.Address) (bool, error) {
	return false, nil
}

func (nullIdentity) RequiresKyc(context.Context, *uint256.Int) bool { return false }
