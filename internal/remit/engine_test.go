package remit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"remitrails/internal/custody"
	"remitrails/internal/remit"
)

var (
	admin   = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	feeSink = common.HexToAddress("0x000000000000000000000000000000000000fee5")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol   = common.HexToAddress("0x00000000000000000000000000000000000ca401")
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	rogue   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

const (
	alicePhone = "+1234567890"
	bobPhone   = "+0987654321"
)

// units returns n whole tokens with 18 decimals.
func units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []remit.Event
}

func (r *recordingEmitter) Emit(ev remit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType())
	}
	return out
}

func (r *recordingEmitter) last() remit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

type stubIdentity struct {
	phones    map[string]common.Address
	verified  map[common.Address]bool
	threshold *uint256.Int
}

func (s *stubIdentity) ResolveAccountByPhone(_ context.Context, phone string) (common.Address, error) {
	if acct, ok := s.phones[phone]; ok {
		return acct, nil
	}
	return common.Address{}, remit.ErrPhoneNotFound
}

func (s *stubIdentity) IsKycVerified(_ context.Context, account common.Address) (bool, error) {
	return s.verified[account], nil
}

func (s *stubIdentity) RequiresKyc(_ context.Context, amount *uint256.Int) bool {
	return s.threshold != nil && !amount.Lt(s.threshold)
}

// flakyCustody fails Push with pushErr while it is set. With partial set it
// pays the first leg and then fails, as a multi-transaction payout can.
type flakyCustody struct {
	*custody.Vault
	pushErr error
	partial bool
}

func (f *flakyCustody) Push(ctx context.Context, token common.Address, payouts ...remit.Payout) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	if f.partial && len(payouts) > 1 {
		if err := f.Vault.Push(ctx, token, payouts[0]); err != nil {
			return err
		}
		return errors.New("payout 2/2: receipt timeout")
	}
	return f.Vault.Push(ctx, token, payouts...)
}

// flakyStore fails Update while failUpdate is set. failCommit, when set, runs
// after fn succeeds; an error from it discards the transaction.
type flakyStore struct {
	*remit.MemoryStore
	failUpdate bool
	failCommit func() error
}

func (f *flakyStore) Update(ctx context.Context, fn func(remit.Tx) error) error {
	if f.failUpdate {
		return errors.New("disk full")
	}
	if f.failCommit == nil {
		return f.MemoryStore.Update(ctx, fn)
	}
	return f.MemoryStore.Update(ctx, func(tx remit.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return f.failCommit()
	})
}

// cancellingStore cancels the caller's context inside Update and reports the
// cancellation, the way a driver does when a request is abandoned.
type cancellingStore struct {
	*remit.MemoryStore
	cancel context.CancelFunc
}

func (c *cancellingStore) Update(ctx context.Context, fn func(remit.Tx) error) error {
	if c.cancel != nil {
		c.cancel()
		return ctx.Err()
	}
	return c.MemoryStore.Update(ctx, fn)
}

type fixture struct {
	engine   *remit.Engine
	vault    *custody.Vault
	events   *recordingEmitter
	identity *stubIdentity
}

func newFixture(t *testing.T, mutate func(*remit.Config)) *fixture {
	t.Helper()
	f := &fixture{
		vault:  custody.NewVault(),
		events: &recordingEmitter{},
		identity: &stubIdentity{
			phones:   map[string]common.Address{},
			verified: map[common.Address]bool{},
		},
	}
	cfg := remit.Config{
		Admin:           admin,
		FeeSink:         feeSink,
		FeeRateBps:      50,
		SupportedTokens: []common.Address{usdc},
		NativeSupported: true,
		Custody:         f.vault,
		Identity:        f.identity,
		Emitter:         f.events,
		Now:             func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := remit.New(cfg)
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *fixture) register(t *testing.T, account common.Address, phone, name string) {
	t.Helper()
	_, err := f.engine.Register(context.Background(), account, phone, name)
	require.NoError(t, err)
}

func (f *fixture) fund(account common.Address, amount *uint256.Int) {
	f.vault.Mint(account, usdc, amount)
	f.vault.Approve(account, usdc, amount)
}

func (f *fixture) send(t *testing.T, amount *uint256.Int) uint64 {
	t.Helper()
	id, err := f.engine.CreateRemittance(context.Background(), remit.CreateRequest{
		Sender:         alice,
		Recipient:      bob,
		RecipientPhone: bobPhone,
		Token:          usdc,
		Amount:         amount,
		ExchangeRate:   "1.0",
		Reference:      "rent",
	})
	require.NoError(t, err)
	return id
}

func TestCompleteReleasesPrincipalAndFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.register(t, bob, bobPhone, "Bob")
	f.fund(alice, units(1_000))

	id := f.send(t, units(100))
	require.Equal(t, uint64(1), id)

	rec, err := f.engine.GetRemittance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, remit.StatusPending, rec.Status)
	require.Equal(t, "500000000000000000", rec.Fee.Dec())
	require.Equal(t, bob, rec.Recipient)
	require.Equal(t, rec.Total(), f.vault.Held(usdc))

	require.NoError(t, f.engine.CompleteRemittance(ctx, bob, id))

	require.Equal(t, units(100), f.vault.Balance(bob, usdc))
	require.Equal(t, rec.Fee, f.vault.Balance(feeSink, usdc))
	require.True(t, f.vault.Held(usdc).IsZero())

	a, err := f.engine.GetProfile(ctx, alice)
	require.NoError(t, err)
	b, err := f.engine.GetProfile(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, units(100), a.TotalSent(usdc))
	require.Equal(t, units(100), b.TotalReceived(usdc))
	require.Equal(t, uint64(1), a.TransactionCount)
	require.Equal(t, uint64(1), b.TransactionCount)

	rec, err = f.engine.GetRemittance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, remit.StatusCompleted, rec.Status)
	require.Equal(t, bob, rec.SettledBy)

	completed, ok := f.events.last().(remit.RemittanceCompleted)
	require.True(t, ok)
	require.Equal(t, id, completed.ID)
	require.Equal(t, bob, completed.CompletedBy)
}

func TestCancelRefundsPrincipalAndFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.register(t, bob, bobPhone, "Bob")
	f.fund(alice, units(1_000))
	before := f.vault.Balance(alice, usdc)

	id := f.send(t, units(100))
	require.NoError(t, f.engine.CancelRemittance(ctx, alice, id))

	require.Equal(t, before, f.vault.Balance(alice, usdc))
	require.True(t, f.vault.Held(usdc).IsZero())

	rec, err := f.engine.GetRemittance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, remit.StatusCancelled, rec.Status)

	err = f.engine.CancelRemittance(ctx, alice, id)
	require.ErrorIs(t, err, remit.ErrInvalidState)
	require.Equal(t, remit.KindState, remit.KindOf(err))

	a, err := f.engine.GetProfile(ctx, alice)
	require.NoError(t, err)
	require.Zero(t, a.TransactionCount)
}

func TestFeeRateAboveCeilingIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	err := f.engine.UpdateFeeRate(ctx, admin, 600)
	require.ErrorIs(t, err, remit.ErrRateTooHigh)
	require.Equal(t, remit.KindValidation, remit.KindOf(err))

	policy, err := f.engine.FeePolicy(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(50), policy.RateBps)

	require.NoError(t, f.engine.UpdateFeeRate(ctx, admin, remit.MaxFeeRateBps))
	policy, err = f.engine.FeePolicy(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(remit.MaxFeeRateBps), policy.RateBps)
	require.Equal(t, remit.FeeRateUpdated{NewRateBps: remit.MaxFeeRateBps}, f.events.last())
}

func TestUnsupportedTokenMovesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.vault.Mint(alice, rogue, units(10))
	f.vault.Approve(alice, rogue, units(10))

	_, err := f.engine.CreateRemittance(ctx, remit.CreateRequest{
		Sender:         alice,
		RecipientPhone: bobPhone,
		Token:          rogue,
		Amount:         units(1),
	})
	require.ErrorIs(t, err, remit.ErrTokenNotSupported)
	require.Equal(t, remit.KindUnavailable, remit.KindOf(err))
	require.Equal(t, units(10), f.vault.Balance(alice, rogue))
	require.True(t, f.vault.Held(rogue).IsZero())
}

func TestCreateSucceedsAfterUnpause(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.register(t, bob, bobPhone, "Bob")
	f.fund(alice, units(10))

	req := remit.CreateRequest{Sender: alice, Recipient: bob, RecipientPhone: bobPhone, Token: usdc, Amount: units(1)}

	require.NoError(t, f.engine.Pause(ctx, admin))
	_, err := f.engine.CreateRemittance(ctx, req)
	require.ErrorIs(t, err, remit.ErrSystemPaused)
	require.Equal(t, remit.KindUnavailable, remit.KindOf(err))
	require.True(t, f.vault.Held(usdc).IsZero())

	require.NoError(t, f.engine.Unpause(ctx, admin))
	id, err := f.engine.CreateRemittance(ctx, req)
	require.NoError(t, err)
	created, ok := f.events.last().(remit.RemittanceCreated)
	require.True(t, ok)
	require.Equal(t, id, created.ID)
	require.Equal(t, alice, created.Sender)
	require.Equal(t, units(1), created.Amount)
}

func TestCustodyConservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.register(t, bob, bobPhone, "Bob")
	f.fund(alice, units(10_000))

	var ids []uint64
	for i := uint64(1); i <= 6; i++ {
		ids = append(ids, f.send(t, units(i*7)))
	}
	require.NoError(t, f.engine.CompleteRemittance(ctx, bob, ids[0]))
	require.NoError(t, f.engine.CancelRemittance(ctx, alice, ids[1]))
	require.NoError(t, f.engine.CompleteRemittance(ctx, bob, ids[4]))

	pending := new(uint256.Int)
	list, err := f.engine.ListRemittances(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 6)
	for i, rec := range list {
		require.Equal(t, uint64(i+1), rec.ID)
		if rec.Status == remit.StatusPending {
			pending.Add(pending, rec.Total())
		}
	}
	require.Equal(t, pending, f.vault.Held(usdc))
}

func TestNoDoubleSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.register(t, bob, bobPhone, "Bob")
	f.fund(alice, units(100))

	id := f.send(t, units(10))
	require.NoError(t, f.engine.CompleteRemittance(ctx, bob, id))
	bobBalance := f.vault.Balance(bob, usdc)
	aliceBalance := f.vault.Balance(alice, usdc)

	require.ErrorIs(t, f.engine.CompleteRemittance(ctx, bob, id), remit.ErrInvalidState)
	require.ErrorIs(t, f.engine.CancelRemittance(ctx, alice, id), remit.ErrInvalidState)
	require.Equal(t, bobBalance, f.vault.Balance(bob, usdc))
	require.Equal(t, aliceBalance, f.vault.Balance(alice, usdc))
}

func TestPhoneUniqueness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")

	_, err := f.engine.Register(ctx, bob, "+1 (234) 567-890", "Bob")
	require.ErrorIs(t, err, remit.ErrPhoneAlreadyRegistered)
	require.Equal(t, remit.KindConflict, remit.KindOf(err))

	_, err = f.engine.Register(ctx, alice, bobPhone, "Alice again")
	require.ErrorIs(t, err, remit.ErrAccountRegistered)

	f.identity.phones["+15550001111"] = carol
	_, err = f.engine.Register(ctx, bob, "+15550001111", "Bob")
	require.ErrorIs(t, err, remit.ErrPhoneAlreadyRegistered)

	p, err := f.engine.GetProfileByPhone(ctx, alicePhone)
	require.NoError(t, err)
	require.Equal(t, alice, p.Account)

	b, err := f.engine.GetProfile(ctx, bob)
	require.NoError(t, err)
	require.False(t, b.Registered())
}

func TestPauseGatesSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.register(t, bob, bobPhone, "Bob")
	f.fund(alice, units(100))
	first := f.send(t, units(10))
	second := f.send(t, units(10))

	require.NoError(t, f.engine.Pause(ctx, admin))
	require.ErrorIs(t, f.engine.Pause(ctx, admin), remit.ErrAlreadyPaused)
	require.ErrorIs(t, f.engine.CompleteRemittance(ctx, bob, first), remit.ErrSystemPaused)
	require.ErrorIs(t, f.engine.CancelRemittance(ctx, alice, second), remit.ErrSystemPaused)
	require.ErrorIs(t, f.engine.UpdateFeeRate(ctx, admin, 10), remit.ErrSystemPaused)
	_, err := f.engine.Register(ctx, carol, "+15550002222", "Carol")
	require.ErrorIs(t, err, remit.ErrSystemPaused)

	rec, err := f.engine.GetRemittance(ctx, first)
	require.NoError(t, err)
	require.Equal(t, remit.StatusPending, rec.Status)

	require.NoError(t, f.engine.Unpause(ctx, admin))
	require.ErrorIs(t, f.engine.Unpause(ctx, admin), remit.ErrNotPaused)
	require.NoError(t, f.engine.CompleteRemittance(ctx, bob, first))
	require.NoError(t, f.engine.CancelRemittance(ctx, alice, second))
}

func TestAdminOperationsRequireAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	for name, err := range map[string]error{
		"pause":     f.engine.Pause(ctx, alice),
		"fee rate":  f.engine.UpdateFeeRate(ctx, alice, 10),
		"set token": f.engine.SetSupported(ctx, alice, rogue, true),
	} {
		require.ErrorIs(t, err, remit.ErrUnauthorized, name)
		require.Equal(t, remit.KindAuthorization, remit.KindOf(err), name)
	}

	require.NoError(t, f.engine.SetSupported(ctx, admin, rogue, true))
	ok, err := f.engine.IsSupported(ctx, rogue)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.engine.SetSupported(ctx, admin, usdc, false))
	tokens, err := f.engine.SupportedTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, []common.Address{remit.NativeToken, rogue}, tokens)

	info, err := f.engine.System(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(50), info.FeeRateBps)
	require.Equal(t, feeSink, info.FeeSink)
	require.False(t, info.Paused)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.fund(alice, units(100))

	base := remit.CreateRequest{Sender: alice, Recipient: bob, RecipientPhone: bobPhone, Token: usdc, Amount: units(1)}
	cases := map[string]struct {
		mutate func(*remit.CreateRequest)
		want   error
	}{
		"unregistered sender": {func(r *remit.CreateRequest) { r.Sender = carol }, remit.ErrSenderNotRegistered},
		"zero amount":         {func(r *remit.CreateRequest) { r.Amount = new(uint256.Int) }, remit.ErrInvalidAmount},
		"nil amount":          {func(r *remit.CreateRequest) { r.Amount = nil }, remit.ErrInvalidAmount},
		"empty phone":         {func(r *remit.CreateRequest) { r.RecipientPhone = "  " }, remit.ErrPhoneRequired},
		"bad rate":            {func(r *remit.CreateRequest) { r.ExchangeRate = "abc" }, remit.ErrInvalidExchangeRate},
		"negative rate":       {func(r *remit.CreateRequest) { r.ExchangeRate = "-1.5" }, remit.ErrInvalidExchangeRate},
		"self":                {func(r *remit.CreateRequest) { r.Recipient = alice }, remit.ErrInvalidRecipient},
		"self by phone": {func(r *remit.CreateRequest) {
			r.Recipient = common.Address{}
			r.RecipientPhone = alicePhone
		}, remit.ErrInvalidRecipient},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := f.engine.CreateRemittance(ctx, req)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.True(t, f.vault.Held(usdc).IsZero())

	id := f.send(t, units(1))
	require.Equal(t, uint64(1), id)
}

func TestClaimByPhoneOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.fund(alice, units(100))

	id, err := f.engine.CreateRemittance(ctx, remit.CreateRequest{
		Sender:         alice,
		RecipientPhone: bobPhone,
		Token:          usdc,
		Amount:         units(5),
	})
	require.NoError(t, err)

	rec, err := f.engine.GetRemittance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, common.Address{}, rec.Recipient)

	require.ErrorIs(t, f.engine.CompleteRemittance(ctx, bob, id), remit.ErrUnauthorized)

	f.register(t, bob, bobPhone, "Bob")
	require.ErrorIs(t, f.engine.CompleteRemittance(ctx, carol, id), remit.ErrUnauthorized)
	require.ErrorIs(t, f.engine.CancelRemittance(ctx, bob, id), remit.ErrUnauthorized)
	require.NoError(t, f.engine.CompleteRemittance(ctx, bob, id))

	rec, err = f.engine.GetRemittance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, bob, rec.Recipient)
	require.Equal(t, units(5), f.vault.Balance(bob, usdc))

	received, err := f.engine.ListRemittances(ctx, bob)
	require.NoError(t, err)
	require.Len(t, received, 1)
}

func TestRecipientResolvedThroughIdentityBridge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.fund(alice, units(100))
	f.identity.phones["+15550003333"] = carol

	id, err := f.engine.CreateRemittance(ctx, remit.CreateRequest{
		Sender:         alice,
		RecipientPhone: "+1 555 000 3333",
		Token:          usdc,
		Amount:         units(2),
	})
	require.NoError(t, err)

	rec, err := f.engine.GetRemittance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, carol, rec.Recipient)
	require.Equal(t, "+15550003333", rec.RecipientPhone)

	require.NoError(t, f.engine.CompleteRemittance(ctx, carol, id))
	a, err := f.engine.GetProfile(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, units(2), a.TotalSent(usdc))
}

func TestKycSnapshotAndEnforcement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(cfg *remit.Config) { cfg.EnforceKyc = true })
	f.identity.threshold = units(50)
	f.register(t, alice, alicePhone, "Alice")
	f.fund(alice, units(1_000))

	id := f.send(t, units(10))
	rec, err := f.engine.GetRemittance(ctx, id)
	require.NoError(t, err)
	require.False(t, rec.KycVerified)

	_, err = f.engine.CreateRemittance(ctx, remit.CreateRequest{
		Sender: alice, Recipient: bob, RecipientPhone: bobPhone, Token: usdc, Amount: units(50),
	})
	require.ErrorIs(t, err, remit.ErrKycRequired)

	f.identity.verified[alice] = true
	id = f.send(t, units(50))
	rec, err = f.engine.GetRemittance(ctx, id)
	require.NoError(t, err)
	require.True(t, rec.KycVerified)

	// Revoking verification later does not rewrite the snapshot.
	f.identity.verified[alice] = false
	rec, err = f.engine.GetRemittance(ctx, id)
	require.NoError(t, err)
	require.True(t, rec.KycVerified)
}

func TestKycAdvisoryWithoutEnforcement(t *testing.T) {
	f := newFixture(t, nil)
	f.identity.threshold = units(1)
	f.register(t, alice, alicePhone, "Alice")
	f.fund(alice, units(100))

	id := f.send(t, units(60))
	rec, err := f.engine.GetRemittance(context.Background(), id)
	require.NoError(t, err)
	require.False(t, rec.KycVerified)
}

func TestCustodyPullFailureLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.vault.Mint(alice, usdc, units(100))

	_, err := f.engine.CreateRemittance(ctx, remit.CreateRequest{
		Sender: alice, Recipient: bob, RecipientPhone: bobPhone, Token: usdc, Amount: units(10),
	})
	require.ErrorIs(t, err, remit.ErrCustodyTransferFailed)
	require.ErrorIs(t, err, custody.ErrInsufficientAllowance)
	require.Equal(t, remit.KindCustody, remit.KindOf(err))

	_, err = f.engine.GetRemittance(ctx, 1)
	require.ErrorIs(t, err, remit.ErrNotFound)

	f.vault.Approve(alice, usdc, units(100))
	require.Equal(t, uint64(1), f.send(t, units(10)))
}

func TestPersistFailureRefundsSender(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: remit.NewMemoryStore()}
	f := newFixture(t, func(cfg *remit.Config) { cfg.Store = store })
	f.register(t, alice, alicePhone, "Alice")
	f.fund(alice, units(100))

	store.failUpdate = true
	_, err := f.engine.CreateRemittance(ctx, remit.CreateRequest{
		Sender: alice, Recipient: bob, RecipientPhone: bobPhone, Token: usdc, Amount: units(10),
	})
	require.Error(t, err)
	require.Equal(t, units(100), f.vault.Balance(alice, usdc))
	require.True(t, f.vault.Held(usdc).IsZero())

	store.failUpdate = false
	f.vault.Approve(alice, usdc, units(100))
	require.Equal(t, uint64(1), f.send(t, units(10)))
}

func TestCustodyReleaseFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyCustody{Vault: custody.NewVault()}
	f := newFixture(t, func(cfg *remit.Config) { cfg.Custody = flaky })
	f.vault = flaky.Vault
	f.register(t, alice, alicePhone, "Alice")
	f.register(t, bob, bobPhone, "Bob")
	f.fund(alice, units(100))
	id := f.send(t, units(10))

	flaky.pushErr = errors.Join(remit.ErrNothingMoved, errors.New("rpc unavailable"))
	before := len(f.events.types())
	err := f.engine.CompleteRemittance(ctx, bob, id)
	require.ErrorIs(t, err, remit.ErrCustodyTransferFailed)
	require.Len(t, f.events.types(), before)

	rec, err := f.engine.GetRemittance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, remit.StatusPending, rec.Status)
	require.Equal(t, common.Address{}, rec.SettledBy)
	b, err := f.engine.GetProfile(ctx, bob)
	require.NoError(t, err)
	require.Zero(t, b.TransactionCount)

	flaky.pushErr = nil
	require.NoError(t, f.engine.CompleteRemittance(ctx, bob, id))
	require.Equal(t, units(10), f.vault.Balance(bob, usdc))
}

func TestUnknownReleaseOutcomeLeavesProcessing(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyCustody{Vault: custody.NewVault()}
	f := newFixture(t, func(cfg *remit.Config) { cfg.Custody = flaky })
	f.vault = flaky.Vault
	f.register(t, alice, alicePhone, "Alice")
	f.register(t, bob, bobPhone, "Bob")
	f.fund(alice, units(100))
	id := f.send(t, units(10))

	flaky.partial = true
	before := len(f.events.types())
	err := f.engine.CompleteRemittance(ctx, bob, id)
	require.ErrorIs(t, err, remit.ErrCustodyTransferFailed)
	require.Equal(t, remit.KindCustody, remit.KindOf(err))
	require.Equal(t, units(10), f.vault.Balance(bob, usdc))

	rec, err := f.engine.GetRemittance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, remit.StatusProcessing, rec.Status)
	require.Equal(t, bob, rec.SettledBy)

	flaky.partial = false
	err = f.engine.CompleteRemittance(ctx, bob, id)
	require.ErrorIs(t, err, remit.ErrInvalidState)
	err = f.engine.CancelRemittance(ctx, alice, id)
	require.ErrorIs(t, err, remit.ErrInvalidState)

	require.Equal(t, units(10), f.vault.Balance(bob, usdc))
	require.Equal(t, rec.Fee, f.vault.Held(usdc))
	require.Len(t, f.events.types(), before)
}

func TestCommitFailureBeforeReleaseMovesNothing(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: remit.NewMemoryStore()}
	f := newFixture(t, func(cfg *remit.Config) { cfg.Store = store })
	f.register(t, alice, alicePhone, "Alice")
	f.register(t, bob, bobPhone, "Bob")
	f.fund(alice, units(100))
	first := f.send(t, units(10))
	second := f.send(t, units(10))
	held := f.vault.Held(usdc)

	store.failCommit = func() error { return errors.New("serialization failure") }
	err := f.engine.CompleteRemittance(ctx, bob, first)
	require.Error(t, err)
	store.failCommit = nil

	require.True(t, f.vault.Balance(bob, usdc).IsZero())
	require.Equal(t, held, f.vault.Held(usdc))
	rec, err := f.engine.GetRemittance(ctx, first)
	require.NoError(t, err)
	require.Equal(t, remit.StatusPending, rec.Status)

	require.NoError(t, f.engine.CompleteRemittance(ctx, bob, first))
	require.NoError(t, f.engine.CompleteRemittance(ctx, bob, second))
	require.Equal(t, units(20), f.vault.Balance(bob, usdc))
	require.True(t, f.vault.Held(usdc).IsZero())
}

func TestCommitFailureAfterReleaseBlocksSecondPayout(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: remit.NewMemoryStore()}
	f := newFixture(t, func(cfg *remit.Config) { cfg.Store = store })
	f.register(t, alice, alicePhone, "Alice")
	f.register(t, bob, bobPhone, "Bob")
	f.fund(alice, units(100))
	first := f.send(t, units(10))
	second := f.send(t, units(10))
	before := len(f.events.types())

	commits := 0
	store.failCommit = func() error {
		commits++
		if commits == 2 {
			return errors.New("serialization failure")
		}
		return nil
	}
	err := f.engine.CompleteRemittance(ctx, bob, first)
	require.Error(t, err)
	require.NotErrorIs(t, err, remit.ErrCustodyTransferFailed)
	store.failCommit = nil

	require.Equal(t, units(10), f.vault.Balance(bob, usdc))
	require.Len(t, f.events.types(), before)
	rec, err := f.engine.GetRemittance(ctx, first)
	require.NoError(t, err)
	require.Equal(t, remit.StatusProcessing, rec.Status)

	err = f.engine.CompleteRemittance(ctx, bob, first)
	require.ErrorIs(t, err, remit.ErrInvalidState)
	require.Equal(t, units(10), f.vault.Balance(bob, usdc))

	other, err := f.engine.GetRemittance(ctx, second)
	require.NoError(t, err)
	require.Equal(t, other.Total(), f.vault.Held(usdc))
	require.NoError(t, f.engine.CompleteRemittance(ctx, bob, second))
	require.Equal(t, units(20), f.vault.Balance(bob, usdc))
}

func TestCancelledContextStillRefundsSender(t *testing.T) {
	store := &cancellingStore{MemoryStore: remit.NewMemoryStore()}
	f := newFixture(t, func(cfg *remit.Config) { cfg.Store = store })
	f.register(t, alice, alicePhone, "Alice")
	f.fund(alice, units(100))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.cancel = cancel
	_, err := f.engine.CreateRemittance(ctx, remit.CreateRequest{
		Sender: alice, Recipient: bob, RecipientPhone: bobPhone, Token: usdc, Amount: units(10),
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, units(100), f.vault.Balance(alice, usdc))
	require.True(t, f.vault.Held(usdc).IsZero())
}

func TestConcurrentCompleteAndCancelSettleOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.register(t, bob, bobPhone, "Bob")
	f.fund(alice, units(1_000))

	for i := 0; i < 20; i++ {
		id := f.send(t, units(10))

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs[0] = f.engine.CompleteRemittance(ctx, bob, id)
		}()
		go func() {
			defer wg.Done()
			errs[1] = f.engine.CancelRemittance(ctx, alice, id)
		}()
		wg.Wait()

		var wins int
		var lost error
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				lost = err
			}
		}
		require.Equal(t, 1, wins)
		require.ErrorIs(t, lost, remit.ErrInvalidState)
		require.Equal(t, remit.KindState, remit.KindOf(lost))
		require.True(t, f.vault.Held(usdc).IsZero())
	}

	total := new(uint256.Int).Add(f.vault.Balance(alice, usdc), f.vault.Balance(bob, usdc))
	total.Add(total, f.vault.Balance(feeSink, usdc))
	require.Equal(t, units(1_000), total)
}

func TestNativeTokenRemittance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.register(t, bob, bobPhone, "Bob")
	f.vault.Mint(alice, remit.NativeToken, units(3))

	id, err := f.engine.CreateRemittance(ctx, remit.CreateRequest{
		Sender: alice, Recipient: bob, RecipientPhone: bobPhone, Token: remit.NativeToken, Amount: units(1),
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.CompleteRemittance(ctx, bob, id))
	require.Equal(t, units(1), f.vault.Balance(bob, remit.NativeToken))

	b, err := f.engine.GetProfile(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, units(1), b.TotalReceived(remit.NativeToken))
	require.True(t, b.TotalReceived(usdc).IsZero())
}

func TestUpdateDisplayName(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")

	p, err := f.engine.UpdateDisplayName(ctx, alice, "  Alice K.  ")
	require.NoError(t, err)
	require.Equal(t, "Alice K.", p.DisplayName)
	require.Equal(t, remit.ProfileUpdated{Account: alice, DisplayName: "Alice K."}, f.events.last())

	_, err = f.engine.UpdateDisplayName(ctx, bob, "Bob")
	require.ErrorIs(t, err, remit.ErrProfileNotFound)

	long := make([]rune, 65)
	for i := range long {
		long[i] = 'x'
	}
	_, err = f.engine.UpdateDisplayName(ctx, alice, string(long))
	require.ErrorIs(t, err, remit.ErrInvalidDisplayName)
}

func TestEventsEmittedInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, alice, alicePhone, "Alice")
	f.register(t, bob, bobPhone, "Bob")
	f.fund(alice, units(10))
	id := f.send(t, units(1))
	require.NoError(t, f.engine.CancelRemittance(ctx, alice, id))

	require.Equal(t, []string{
		remit.EventTypeUserRegistered,
		remit.EventTypeUserRegistered,
		remit.EventTypeRemittanceCreated,
		remit.EventTypeRemittanceCancelled,
	}, f.events.types())
}

func TestNewKeepsPersistedParameters(t *testing.T) {
	ctx := context.Background()
	store := remit.NewMemoryStore()
	first := newFixture(t, func(cfg *remit.Config) { cfg.Store = store })
	require.NoError(t, first.engine.UpdateFeeRate(ctx, admin, 120))

	second := newFixture(t, func(cfg *remit.Config) {
		cfg.Store = store
		cfg.FeeRateBps = 10
	})
	policy, err := second.engine.FeePolicy(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(120), policy.RateBps)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := remit.New(remit.Config{Admin: admin})
	require.Error(t, err)
	_, err = remit.New(remit.Config{Custody: custody.NewVault()})
	require.Error(t, err)
	_, err = remit.New(remit.Config{Admin: admin, Custody: custody.NewVault(), FeeRateBps: 501})
	require.ErrorIs(t, err, remit.ErrRateTooHigh)
}
