package remit

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// BasisPoints is the denominator of every fee rate.
	BasisPoints = 10_000
	// MaxFeeRateBps is the protocol ceiling for the fee rate (5%).
	MaxFeeRateBps = 500
)

// FeePolicy computes protocol fees from a basis-point rate.
type FeePolicy struct {
	RateBps uint32
}

// Compute returns floor(amount * RateBps / 10000).
func (p FeePolicy) Compute(amount *uint256.Int) *uint256.Int {
	return ComputeFee(amount, p.RateBps)
}

// ComputeFee returns floor(amount * rateBps / 10000). The product is taken
// over 512 bits so it cannot overflow.
func ComputeFee(amount *uint256.Int, rateBps uint32) *uint256.Int {
	if amount == nil || amount.IsZero() || rateBps == 0 {
		return new(uint256.Int)
	}
	fee, _ := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(uint64(rateBps)), uint256.NewInt(BasisPoints))
	return fee
}

// ValidateRate rejects rates above the protocol ceiling.
func ValidateRate(rateBps uint32) error {
	if rateBps > MaxFeeRateBps {
		return fmt.Errorf("%w: %d > %d", ErrRateTooHigh, rateBps, MaxFeeRateBps)
	}
	return nil
}
