package remit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var errStoreNotInitialised = errors.New("remit: store parameters not initialised")

const defaultSettleTimeout = 2 * time.Minute

// Config holds everything New needs. Store defaults to a MemoryStore, Identity
// to a bridge that resolves nothing, Emitter to NoopEmitter and Logger to a
// no-op logger. Custody and Admin are required.
type Config struct {
	Admin           common.Address
	FeeSink         common.Address
	FeeRateBps      uint32
	SupportedTokens []common.Address
	NativeSupported bool

	// EnforceKyc turns the identity bridge threshold into a hard gate on
	// creation. When false the KYC status is only recorded.
	EnforceKyc bool

	// SettleTimeout bounds the work that follows a custody call once the
	// caller's context is no longer honoured. Defaults to two minutes.
	SettleTimeout time.Duration

	Store    Store
	Custody  Custody
	Identity IdentityBridge
	Emitter  Emitter
	Logger   *zap.Logger
	Now      func() time.Time
}

// Engine is the remittance escrow ledger. Every mutating operation runs under
// a single writer lock. Settlement commits Processing before funds leave
// custody and the terminal status after.
type Engine struct {
	mu            sync.Mutex
	store         Store
	custody       Custody
	identity      IdentityBridge
	emitter       Emitter
	logger        *zap.Logger
	now           func() time.Time
	admin         common.Address
	feeSink       common.Address
	enforceKyc    bool
	settleTimeout time.Duration
}

// New builds an engine and seeds the store parameters when the store is
// empty. Parameters already persisted are kept as they are.
func New(cfg Config) (*Engine, error) {
	if cfg.Custody == nil {
		return nil, errors.New("remit: custody adapter is required")
	}
	if cfg.Admin == (common.Address{}) {
		return nil, errors.New("remit: admin account is required")
	}
	if err := ValidateRate(cfg.FeeRateBps); err != nil {
		return nil, err
	}
	e := &Engine{
		store:         cfg.Store,
		custody:       cfg.Custody,
		identity:      cfg.Identity,
		emitter:       cfg.Emitter,
		logger:        cfg.Logger,
		now:           cfg.Now,
		admin:         cfg.Admin,
		feeSink:       cfg.FeeSink,
		enforceKyc:    cfg.EnforceKyc,
		settleTimeout: cfg.SettleTimeout,
	}
	if e.store == nil {
		e.store = NewMemoryStore()
	}
	if e.identity == nil {
		e.identity = nullIdentity{}
	}
	if e.emitter == nil {
		e.emitter = NoopEmitter{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.settleTimeout <= 0 {
		e.settleTimeout = defaultSettleTimeout
	}
	if e.feeSink == (common.Address{}) {
		e.feeSink = cfg.Admin
	}

	err := e.store.Update(context.Background(), func(tx Tx) error {
		if _, ok, err := tx.Params(); err != nil || ok {
			return err
		}
		params := &Params{FeeRateBps: cfg.FeeRateBps, Tokens: make(map[common.Address]bool)}
		if cfg.NativeSupported {
			params.Tokens[NativeToken] = true
		}
		for _, token := range cfg.SupportedTokens {
			params.Tokens[token] = true
		}
		return tx.PutParams(params)
	})
	if err != nil {
		return nil, fmt.Errorf("seed parameters: %w", err)
	}
	return e, nil
}

// update runs fn in a write transaction and emits the events it staged once
// the transaction has committed.
func (e *Engine) update(ctx context.Context, fn func(tx Tx, emit func(Event)) error) error {
	var pending []Event
	err := e.store.Update(ctx, func(tx Tx) error {
		pending = pending[:0]
		return fn(tx, func(ev Event) { pending = append(pending, ev) })
	})
	if err != nil {
		return err
	}
	for _, ev := range pending {
		e.emitter.Emit(ev)
	}
	return nil
}

// detached returns a context that ignores cancellation of ctx but keeps its
// values. Work that must finish once funds have moved runs under it.
func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.settleTimeout)
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC()
}

func loadParams(tx Tx) (*Params, error) {
	params, ok, err := tx.Params()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errStoreNotInitialised
	}
	return params, nil
}

// loadRunning loads the parameters and fails when the breaker is engaged.
func loadRunning(tx Tx) (*Params, error) {
	params, err := loadParams(tx)
	if err != nil {
		return nil, err
	}
	if params.Paused {
		return nil, ErrSystemPaused
	}
	return params, nil
}

func (e *Engine) requireAdmin(caller common.Address) error {
	if caller != e.admin {
		return fmt.Errorf("%w: admin only", ErrUnauthorized)
	}
	return nil
}

// resolvePhone looks the phone up in the profile index first and falls back
// to the identity bridge. ok is false when neither knows the phone.
func (e *Engine) resolvePhone(ctx context.Context, tx Tx, phone string) (common.Address, bool, error) {
	acct, ok, err := tx.AccountByPhone(phone)
	if err != nil || ok {
		return acct, ok, err
	}
	acct, err = e.identity.ResolveAccountByPhone(ctx, phone)
	if errors.Is(err, ErrPhoneNotFound) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, fmt.Errorf("resolve phone: %w", err)
	}
	if acct == (common.Address{}) {
		return common.Address{}, false, nil
	}
	return acct, true, nil
}
