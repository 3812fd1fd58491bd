package remit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateRequest describes a new remittance. Recipient may be left zero, in
// which case the engine tries to resolve RecipientPhone.
type CreateRequest struct {
	Sender         common.Address
	Recipient      common.Address
	RecipientPhone string
	Token          common.Address
	Amount         *uint256.Int
	ExchangeRate   string
	Reference      string
}

// CreateRemittance escrows Amount plus the current fee from the sender and
// records a pending remittance. Either the funds move and the record is
// stored, or neither happens.
func (e *Engine) CreateRemittance(ctx context.Context, req CreateRequest) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rec *Remittance
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		rec, err = e.prepareRemittance(ctx, tx, req)
		return err
	})
	if err != nil {
		return 0, err
	}

	total := rec.Total()
	if err := e.custody.Pull(ctx, rec.Sender, rec.Token, total); err != nil {
		return 0, custodyErr("pull", err)
	}

	err = e.update(ctx, func(tx Tx, emit func(Event)) error {
		id, err := tx.NextRemittanceID()
		if err != nil {
			return err
		}
		rec.ID = id
		if err := tx.PutRemittance(rec); err != nil {
			return err
		}
		emit(RemittanceCreated{
			ID:             rec.ID,
			Sender:         rec.Sender,
			Recipient:      rec.Recipient,
			Token:          rec.Token,
			Amount:         rec.Amount.Clone(),
			Fee:            rec.Fee.Clone(),
			RecipientPhone: rec.RecipientPhone,
			Reference:      rec.Reference,
		})
		return nil
	})
	if err != nil {
		cctx, cancel := e.detached(ctx)
		defer cancel()
		if rerr := e.custody.Push(cctx, rec.Token, Payout{To: rec.Sender, Amount: total}); rerr != nil {
			e.logger.Error("refund after failed persist did not complete, reconciliation required",
				zap.String("sender", rec.Sender.Hex()),
				zap.String("token", rec.Token.Hex()),
				zap.String("amount", total.Dec()),
				zap.NamedError("persistError", err),
				zap.Error(rerr))
		}
		return 0, fmt.Errorf("persist remittance: %w", err)
	}

	e.logger.Info("remittance created",
		zap.Uint64("id", rec.ID),
		zap.String("sender", rec.Sender.Hex()),
		zap.String("token", rec.Token.Hex()),
		zap.String("amount", rec.Amount.Dec()),
		zap.String("fee", rec.Fee.Dec()),
		zap.Bool("kycVerified", rec.KycVerified))
	return rec.ID, nil
}

// prepareRemittance runs every creation precondition in order and returns the
// record to persist, without an id.
func (e *Engine) prepareRemittance(ctx context.Context, tx Tx, req CreateRequest) (*Remittance, error) {
	params, err := loadRunning(tx)
	if err != nil {
		return nil, err
	}
	if _, ok, err := tx.GetProfile(req.Sender); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrSenderNotRegistered
	}
	if !params.Tokens[req.Token] {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotSupported, req.Token.Hex())
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	phone, err := NormalizePhone(req.RecipientPhone)
	if err != nil {
		return nil, err
	}
	rate := strings.TrimSpace(req.ExchangeRate)
	if rate != "" {
		d, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExchangeRate, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("%w: negative", ErrInvalidExchangeRate)
		}
	}

	fee := ComputeFee(req.Amount, params.FeeRateBps)
	if _, overflow := new(uint256.Int).AddOverflow(req.Amount, fee); overflow {
		return nil, fmt.Errorf("%w: amount plus fee overflows", ErrInvalidAmount)
	}

	recipient := req.Recipient
	if recipient == (common.Address{}) {
		if acct, ok, err := e.resolvePhone(ctx, tx, phone); err != nil {
			return nil, err
		} else if ok {
			recipient = acct
		}
	}
	if recipient == req.Sender {
		return nil, fmt.Errorf("%w: sender cannot be recipient", ErrInvalidRecipient)
	}

	verified, err := e.identity.IsKycVerified(ctx, req.Sender)
	if err != nil {
		return nil, fmt.Errorf("kyc status: %w", err)
	}
	if e.enforceKyc && !verified && e.identity.RequiresKyc(ctx, req.Amount) {
		return nil, ErrKycRequired
	}

	return &Remittance{
		Sender:         req.Sender,
		Recipient:      recipient,
		RecipientPhone: phone,
		Token:          req.Token,
		Amount:         req.Amount.Clone(),
		Fee:            fee,
		ExchangeRate:   rate,
		Reference:      req.Reference,
		Status:         StatusPending,
		KycVerified:    verified,
		CreatedAt:      e.timestamp(),
	}, nil
}

// CompleteRemittance releases the principal to the caller and the fee to the
// fee sink. The caller must be the stored recipient or the account currently
// holding the recipient phone number.
func (e *Engine) CompleteRemittance(ctx context.Context, caller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.beginSettlement(ctx, id, caller, func(tx Tx, rec *Remittance) error {
		return e.authorizeClaim(ctx, tx, rec, caller)
	})
	if err != nil {
		return err
	}

	sctx, cancel := e.detached(ctx)
	defer cancel()

	payouts := []Payout{{To: caller, Amount: rec.Amount.Clone()}}
	if !rec.Fee.IsZero() {
		payouts = append(payouts, Payout{To: e.feeSink, Amount: rec.Fee.Clone()})
	}
	if err := e.release(sctx, rec, "release", payouts); err != nil {
		return err
	}

	err = e.finishSettlement(sctx, id, StatusCompleted, func(tx Tx, rec *Remittance, emit func(Event)) error {
		if rec.Recipient == (common.Address{}) {
			rec.Recipient = caller
		}
		if err := recordTransfer(tx, rec.Sender, caller, rec.Token, rec.Amount); err != nil {
			return err
		}
		emit(RemittanceCompleted{ID: id, CompletedBy: caller})
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("remittance completed", zap.Uint64("id", id), zap.String("completedBy", caller.Hex()))
	return nil
}

// CancelRemittance refunds principal and fee to the sender. Only the sender
// may cancel.
func (e *Engine) CancelRemittance(ctx context.Context, caller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.beginSettlement(ctx, id, caller, func(_ Tx, rec *Remittance) error {
		if caller != rec.Sender {
			return fmt.Errorf("%w: only the sender may cancel", ErrUnauthorized)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sctx, cancel := e.detached(ctx)
	defer cancel()

	if err := e.release(sctx, rec, "refund", []Payout{{To: rec.Sender, Amount: rec.Total()}}); err != nil {
		return err
	}

	err = e.finishSettlement(sctx, id, StatusCancelled, func(_ Tx, _ *Remittance, emit func(Event)) error {
		emit(RemittanceCancelled{ID: id})
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("remittance cancelled", zap.Uint64("id", id))
	return nil
}

// beginSettlement checks the caller and moves a pending remittance to
// Processing. The move is committed before any funds leave custody, and a
// Processing remittance cannot be settled again.
func (e *Engine) beginSettlement(ctx context.Context, id uint64, caller common.Address, authorize func(tx Tx, rec *Remittance) error) (*Remittance, error) {
	var rec *Remittance
	err := e.store.Update(ctx, func(tx Tx) error {
		if _, err := loadRunning(tx); err != nil {
			return err
		}
		var err error
		rec, err = loadRemittance(tx, id)
		if err != nil {
			return err
		}
		if err := authorize(tx, rec); err != nil {
			return err
		}
		if rec.Status != StatusPending {
			return fmt.Errorf("%w: remittance %d is %s", ErrInvalidState, id, rec.Status)
		}
		rec.Status = StatusProcessing
		rec.SettledBy = caller
		return tx.PutRemittance(rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// release pushes the payouts of a Processing remittance. When custody reports
// that nothing moved the remittance returns to Pending. Any other failure
// leaves it Processing for reconciliation.
func (e *Engine) release(ctx context.Context, rec *Remittance, op string, payouts []Payout) error {
	err := e.custody.Push(ctx, rec.Token, payouts...)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNothingMoved) {
		e.logger.Error("custody outcome unknown, reconciliation required",
			zap.Uint64("id", rec.ID),
			zap.String("op", op),
			zap.Error(err))
		return custodyErr(op, err)
	}

	rerr := e.store.Update(ctx, func(tx Tx) error {
		cur, err := loadRemittance(tx, rec.ID)
		if err != nil {
			return err
		}
		if cur.Status != StatusProcessing {
			return nil
		}
		cur.Status = StatusPending
		cur.SettledBy = common.Address{}
		return tx.PutRemittance(cur)
	})
	if rerr != nil {
		e.logger.Error("remittance left processing after failed custody call",
			zap.Uint64("id", rec.ID),
			zap.String("op", op),
			zap.NamedError("custodyError", err),
			zap.Error(rerr))
	}
	return custodyErr(op, err)
}

// finishSettlement records the terminal status of a remittance whose funds
// have left custody. On failure the remittance stays Processing.
func (e *Engine) finishSettlement(ctx context.Context, id uint64, final Status, fn func(tx Tx, rec *Remittance, emit func(Event)) error) error {
	err := e.update(ctx, func(tx Tx, emit func(Event)) error {
		rec, err := loadRemittance(tx, id)
		if err != nil {
			return err
		}
		if rec.Status != StatusProcessing {
			return fmt.Errorf("%w: remittance %d is %s", ErrInvalidState, id, rec.Status)
		}
		rec.Status = final
		rec.SettledAt = e.timestamp()
		if err := fn(tx, rec, emit); err != nil {
			return err
		}
		return tx.PutRemittance(rec)
	})
	if err != nil {
		e.logger.Error("funds moved but settlement not recorded, reconciliation required",
			zap.Uint64("id", id),
			zap.Stringer("status", final),
			zap.Error(err))
		return fmt.Errorf("record settlement of remittance %d: %w", id, err)
	}
	return nil
}

// GetRemittance returns a copy of remittance id. It works while paused.
func (e *Engine) GetRemittance(ctx context.Context, id uint64) (*Remittance, error) {
	var rec *Remittance
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		rec, err = loadRemittance(tx, id)
		return err
	})
	return rec, err
}

// ListRemittances returns remittances sent or received by account, oldest
// first.
func (e *Engine) ListRemittances(ctx context.Context, account common.Address) ([]*Remittance, error) {
	var out []*Remittance
	err := e.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.RemittancesFor(account)
		return err
	})
	return out, err
}

func loadRemittance(tx Tx, id uint64) (*Remittance, error) {
	rec, ok, err := tx.GetRemittance(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return rec, nil
}

func (e *Engine) authorizeClaim(ctx context.Context, tx Tx, rec *Remittance, caller common.Address) error {
	if caller == (common.Address{}) {
		return ErrUnauthorized
	}
	if caller == rec.Recipient {
		return nil
	}
	owner, ok, err := e.resolvePhone(ctx, tx, rec.RecipientPhone)
	if err != nil {
		return err
	}
	if ok && owner == caller {
		return nil
	}
	return fmt.Errorf("%w: caller is not the recipient", ErrUnauthorized)
}
