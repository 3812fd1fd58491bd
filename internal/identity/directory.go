// Package identity provides IdentityBridge implementations: an in-process
// directory seeded from configuration and a PostgreSQL-backed registry.
package identity

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"remitrails/internal/remit"
)

// Entry is one directory record.
type Entry struct {
	Account     common.Address
	PhoneNumber string
	KycVerified bool
}

// Directory is an in-memory phone directory and KYC registry.
type Directory struct {
	mu        sync.RWMutex
	phones    map[string]common.Address
	verified  map[common.Address]bool
	threshold *uint256.Int
}

// NewDirectory builds a directory. A nil threshold means KYC is never
// required.
func NewDirectory(threshold *uint256.Int, entries ...Entry) (*Directory, error) {
	d := &Directory{
		phones:   make(map[string]common.Address),
		verified: make(map[common.Address]bool),
	}
	if threshold != nil {
		d.threshold = threshold.Clone()
	}
	for _, e := range entries {
		if err := d.Put(e); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Put adds or replaces an entry. The phone is normalized the same way the
// engine normalizes it.
func (d *Directory) Put(e Entry) error {
	phone, err := remit.NormalizePhone(e.PhoneNumber)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phones[phone] = e.Account
	if e.KycVerified {
		d.verified[e.Account] = true
	} else {
		delete(d.verified, e.Account)
	}
	return nil
}

// SetKyc records the verification status of account.
func (d *Directory) SetKyc(account common.Address, verified bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if verified {
		d.verified[account] = true
		return
	}
	delete(d.verified, account)
}

func (d *Directory) ResolveAccountByPhone(ctx context.Context, phone string) (common.Address, error) {
	if err := ctx.Err(); err != nil {
		return common.Address{}, err
	}
	normalized, err := remit.NormalizePhone(phone)
	if err != nil {
		return common.Address{}, remit.ErrPhoneNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.phones[normalized]
	if !ok {
		return common.Address{}, remit.ErrPhoneNotFound
	}
	return acct, nil
}

func (d *Directory) IsKycVerified(ctx context.Context, account common.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.verified[account], nil
}

func (d *Directory) RequiresKyc(_ context.Context, amount *uint256.Int) bool {
	return requiresKyc(d.threshold, amount)
}

func requiresKyc(threshold, amount *uint256.Int) bool {
	if threshold == nil || amount == nil {
		return false
	}
	return !amount.Lt(threshold)
}
