package remit

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NativeToken is the sentinel identifier for the chain's native asset.
var NativeToken = common.Address{}

// Status is the lifecycle state of a remittance.
type Status uint8

const (
	StatusPending Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	for st := StatusPending; st <= StatusCancelled; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusCancelled
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Remittance is a single escrowed transfer routed by recipient phone number.
// Amount excludes the fee; Amount+Fee is what custody holds while pending.
type Remittance struct {
	ID             uint64
	Sender         common.Address
	Recipient      common.Address
	RecipientPhone string
	Token          common.Address
	Amount         *uint256.Int
	Fee            *uint256.Int
	ExchangeRate   string
	Reference      string
	Status         Status
	KycVerified    bool
	CreatedAt      time.Time
	SettledAt      time.Time
	SettledBy      common.Address
}

// Total returns Amount+Fee.
func (r *Remittance) Total() *uint256.Int {
	return new(uint256.Int).Add(amountOrZero(r.Amount), amountOrZero(r.Fee))
}

// Clone returns a deep copy so callers can mutate without touching stored
// state.
func (r *Remittance) Clone() *Remittance {
	if r == nil {
		return nil
	}
	out := *r
	out.Amount = amountOrZero(r.Amount).Clone()
	out.Fee = amountOrZero(r.Fee).Clone()
	return &out
}

// TokenTotals accumulates settled volume for one token.
type TokenTotals struct {
	Sent     *uint256.Int
	Received *uint256.Int
}

// Profile is the registration record of an account. KycVerified is filled at
// query time from the identity bridge and is never persisted.
type Profile struct {
	Account          common.Address
	PhoneNumber      string
	DisplayName      string
	Totals           map[common.Address]TokenTotals
	TransactionCount uint64
	RegisteredAt     time.Time
	KycVerified      bool
}

// Registered reports whether p is a stored profile rather than the empty
// default returned for unknown accounts.
func (p Profile) Registered() bool {
	return !p.RegisteredAt.IsZero()
}

// TotalSent returns the settled outgoing volume for token.
func (p Profile) TotalSent(token common.Address) *uint256.Int {
	if t, ok := p.Totals[token]; ok {
		return amountOrZero(t.Sent).Clone()
	}
	return new(uint256.Int)
}

// TotalReceived returns the settled incoming volume for token.
func (p Profile) TotalReceived(token common.Address) *uint256.Int {
	if t, ok := p.Totals[token]; ok {
		return amountOrZero(t.Received).Clone()
	}
	return new(uint256.Int)
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.Totals = make(map[common.Address]TokenTotals, len(p.Totals))
	for token, t := range p.Totals {
		out.Totals[token] = TokenTotals{
			Sent:     amountOrZero(t.Sent).Clone(),
			Received: amountOrZero(t.Received).Clone(),
		}
	}
	return &out
}

// Params holds the single-writer global state: fee rate, breaker flag and
// the token allowlist.
type Params struct {
	FeeRateBps uint32
	Paused     bool
	Tokens     map[common.Address]bool
}

// Clone returns a deep copy of the parameters.
func (p *Params) Clone() *Params {
	if p == nil {
		return nil
	}
	out := *p
	out.Tokens = make(map[common.Address]bool, len(p.Tokens))
	for token, ok := range p.Tokens {
		if ok {
			out.Tokens[token] = true
		}
	}
	return &out
}

// SystemInfo is a read-only snapshot of the global parameters.
type SystemInfo struct {
	FeeRateBps    uint32
	MaxFeeRateBps uint32
	Paused        bool
	Tokens        []common.Address
	Admin         common.Address
	FeeSink       common.Address
}

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
