package remit

import (
	"bytes"
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// SetSupported adds token to, or removes it from, the custody allowlist.
// Repeating a call is harmless and emits the event again.
func (e *Engine) SetSupported(ctx context.Context, caller, token common.Address, supported bool) error {
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
		if supported {
			params.Tokens[token] = true
		} else {
			delete(params.Tokens, token)
		}
		if err := tx.PutParams(params); err != nil {
			return err
		}
		emit(TokenSupportChanged{Token: token, Supported: supported})
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("token support changed", zap.String("token", token.Hex()), zap.Bool("supported", supported))
	return nil
}

// IsSupported reports whether token is on the allowlist.
func (e *Engine) IsSupported(ctx context.Context, token common.Address) (bool, error) {
	var supported bool
	err := e.store.View(ctx, func(tx Tx) error {
		params, err := loadParams(tx)
		if err != nil {
			return err
		}
		supported = params.Tokens[token]
		return nil
	})
	return supported, err
}

// SupportedTokens lists the allowlist in address order.
func (e *Engine) SupportedTokens(ctx context.Context) ([]common.Address, error) {
	var tokens []common.Address
	err := e.store.View(ctx, func(tx Tx) error {
		params, err := loadParams(tx)
		if err != nil {
			return err
		}
		tokens = sortedTokens(params.Tokens)
		return nil
	})
	return tokens, err
}

func sortedTokens(set map[common.Address]bool) []common.Address {
	out := make([]common.Address, 0, len(set))
	for token, ok := range set {
		if ok {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
