package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"remitrails/internal/remit"
)

var (
	ErrInsufficientBalance   = errors.New("custody: insufficient balance")
	ErrInsufficientAllowance = errors.New("custody: insufficient allowance")
	ErrInsufficientCustody   = errors.New("custody: insufficient funds in custody")
	ErrInvalidAmount         = errors.New("custody: invalid amount")
)

// Vault is an in-process ledger of account balances, allowances granted to the
// engine, and the amounts the engine holds. Fungible tokens need an allowance
// before Pull; the native asset does not.
type Vault struct {
	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
	held       map[common.Address]*uint256.Int
}

func NewVault() *Vault {
	return &Vault{
		balances:   make(map[common.Address]map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
		held:       make(map[common.Address]*uint256.Int),
	}
}

// Mint credits amount of token to account.
func (v *Vault) Mint(account, token common.Address, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := lookup(v.balances, token, account)
	setEntry(v.balances, token, account, new(uint256.Int).Add(bal, amount))
}

// Approve sets the amount of token the engine may pull from owner.
func (v *Vault) Approve(owner, token common.Address, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	setEntry(v.allowances, token, owner, amount.Clone())
}

func (v *Vault) Balance(account, token common.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return lookup(v.balances, token, account).Clone()
}

func (v *Vault) Allowance(owner, token common.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return lookup(v.allowances, token, owner).Clone()
}

// Held returns the amount of token currently in engine custody.
func (v *Vault) Held(token common.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if h, ok := v.held[token]; ok {
		return h.Clone()
	}
	return new(uint256.Int)
}

func (v *Vault) Pull(ctx context.Context, from, token common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	bal := lookup(v.balances, token, from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal.Dec(), amount.Dec())
	}
	if token != remit.NativeToken {
		allowance := lookup(v.allowances, token, from)
		if allowance.Lt(amount) {
			return fmt.Errorf("%w: approved %s, need %s", ErrInsufficientAllowance, allowance.Dec(), amount.Dec())
		}
		setEntry(v.allowances, token, from, new(uint256.Int).Sub(allowance, amount))
	}
	setEntry(v.balances, token, from, new(uint256.Int).Sub(bal, amount))
	held := v.held[token]
	if held == nil {
		held = new(uint256.Int)
	}
	v.held[token] = new(uint256.Int).Add(held, amount)
	return nil
}

// Push releases every payout or none. Failures wrap remit.ErrNothingMoved.
func (v *Vault) Push(ctx context.Context, token common.Address, payouts ...remit.Payout) error {
	if err := v.push(ctx, token, payouts); err != nil {
		return fmt.Errorf("%w: %w", remit.ErrNothingMoved, err)
	}
	return nil
}

func (v *Vault) push(ctx context.Context, token common.Address, payouts []remit.Payout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	total, err := sumPayouts(payouts)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	held := v.held[token]
	if held == nil || held.Lt(total) {
		return fmt.Errorf("%w: token %s", ErrInsufficientCustody, token.Hex())
	}
	v.held[token] = new(uint256.Int).Sub(held, total)
	for _, p := range payouts {
		bal := lookup(v.balances, token, p.To)
		setEntry(v.balances, token, p.To, new(uint256.Int).Add(bal, p.Amount))
	}
	return nil
}

func sumPayouts(payouts []remit.Payout) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, p := range payouts {
		if p.Amount == nil {
			return nil, ErrInvalidAmount
		}
		if _, overflow := total.AddOverflow(total, p.Amount); overflow {
			return nil, fmt.Errorf("%w: payout sum overflows", ErrInvalidAmount)
		}
	}
	return total, nil
}

func lookup(m map[common.Address]map[common.Address]*uint256.Int, token, account common.Address) *uint256.Int {
	if inner, ok := m[token]; ok {
		if v, ok := inner[account]; ok {
			return v
		}
	}
	return new(uint256.Int)
}

func setEntry(m map[common.Address]map[common.Address]*uint256.Int, token, account common.Address, v *uint256.Int) {
	inner, ok := m[token]
	if !ok {
		inner = make(map[common.Address]*uint256.Int)
		m[token] = inner
	}
	inner[account] = v
}
