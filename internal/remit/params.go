package remit

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// UpdateFeeRate sets the rate applied to remittances created from now on.
// Existing remittances keep the fee computed at their creation.
func (e *Engine) UpdateFeeRate(ctx context.Context, caller common.Address, rateBps uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.update(ctx, func(tx Tx, emit func(Event)) error {
		params, err := loadRunning(tx)
		if err != nil {
			return err
		}
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		if err := ValidateRate(rateBps); err != nil {
			return err
		}
		params.FeeRateBps = rateBps
		if err := tx.PutParams(params); err != nil {
			return err
		}
		emit(FeeRateUpdated{NewRateBps: rateBps})
		return nil
	})
	if err != nil {
		e.logger.Warn("fee rate update rejected", zap.Uint32("rateBps", rateBps), zap.Error(err))
		return err
	}
	e.logger.Info("fee rate updated", zap.Uint32("rateBps", rateBps))
	return nil
}

// FeePolicy returns the policy currently applied to new remittances.
func (e *Engine) FeePolicy(ctx context.Context) (FeePolicy, error) {
	var policy FeePolicy
	err := e.store.View(ctx, func(tx Tx) error {
		params, err := loadParams(tx)
		if err != nil {
			return err
		}
		policy.RateBps = params.FeeRateBps
		return nil
	})
	return policy, err
}

// System returns a snapshot of the global parameters.
func (e *Engine) System(ctx context.Context) (SystemInfo, error) {
	info := SystemInfo{MaxFeeRateBps: MaxFeeRateBps, Admin: e.admin, FeeSink: e.feeSink}
	err := e.store.View(ctx, func(tx Tx) error {
		params, err := loadParams(tx)
		if err != nil {
			return err
		}
		info.FeeRateBps = params.FeeRateBps
		info.Paused = params.Paused
		info.Tokens = sortedTokens(params.Tokens)
		return nil
	})
	return info, err
}
