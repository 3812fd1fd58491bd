package remit

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Pause engages the circuit breaker. Every mutating operation except Unpause
// fails with ErrSystemPaused until it is released.
func (e *Engine) Pause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, true)
}

// Unpause releases the circuit breaker.
func (e *Engine) Unpause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, false)
}

func (e *Engine) setPaused(ctx context.Context, caller common.Address, paused bool) error {
	if err := e.requireAdmin(caller); err != nil {
		e.logger.Warn("rejected breaker toggle", zap.String("caller", caller.Hex()), zap.Bool("paused", paused))
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.update(ctx, func(tx Tx, emit func(Event)) error {
		params, err := loadParams(tx)
		if err != nil {
			return err
		}
		switch {
		case paused && params.Paused:
			return ErrAlreadyPaused
		case !paused && !params.Paused:
			return ErrNotPaused
		}
		params.Paused = paused
		if err := tx.PutParams(params); err != nil {
			return err
		}
		if paused {
			emit(SystemPaused{})
		} else {
			emit(SystemUnpaused{})
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("circuit breaker toggled", zap.Bool("paused", paused))
	return nil
}

// Paused reports whether the breaker is engaged.
func (e *Engine) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := e.store.View(ctx, func(tx Tx) error {
		params, err := loadParams(tx)
		if err != nil {
			return err
		}
		paused = params.Paused
		return nil
	})
	return paused, err
}
