package remit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"remitrails/internal/remit"
)

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := remit.NewMemoryStore()

	boom := errors.New("boom")
	err := store.Update(ctx, func(tx remit.Tx) error {
		require.NoError(t, tx.PutProfile(&remit.Profile{Account: alice, PhoneNumber: alicePhone}))
		id, err := tx.NextRemittanceID()
		require.NoError(t, err)
		require.Equal(t, uint64(1), id)
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, store.View(ctx, func(tx remit.Tx) error {
		_, ok, err := tx.GetProfile(alice)
		require.NoError(t, err)
		require.False(t, ok)
		_, ok, err = tx.AccountByPhone(alicePhone)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))

	require.NoError(t, store.Update(ctx, func(tx remit.Tx) error {
		id, err := tx.NextRemittanceID()
		require.Equal(t, uint64(1), id)
		return err
	}))
}

func TestMemoryStoreViewIsReadOnly(t *testing.T) {
	store := remit.NewMemoryStore()
	err := store.View(context.Background(), func(tx remit.Tx) error {
		return tx.PutParams(&remit.Params{})
	})
	require.ErrorIs(t, err, remit.ErrReadOnly)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := remit.NewMemoryStore()
	rec := &remit.Remittance{
		ID:     1,
		Sender: alice,
		Token:  usdc,
		Amount: uint256.NewInt(10),
		Fee:    uint256.NewInt(1),
		Status: remit.StatusPending,
	}
	require.NoError(t, store.Update(ctx, func(tx remit.Tx) error { return tx.PutRemittance(rec) }))
	rec.Amount.SetUint64(999)

	require.NoError(t, store.View(ctx, func(tx remit.Tx) error {
		got, ok, err := tx.GetRemittance(1)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(10), got.Amount.Uint64())
		got.Status = remit.StatusCompleted

		again, _, _ := tx.GetRemittance(1)
		require.Equal(t, remit.StatusPending, again.Status)
		return nil
	}))
}

func TestMemoryStoreRemittancesFor(t *testing.T) {
	ctx := context.Background()
	store := remit.NewMemoryStore()
	require.NoError(t, store.Update(ctx, func(tx remit.Tx) error {
		for _, r := range []*remit.Remittance{
			{ID: 3, Sender: bob, Recipient: alice},
			{ID: 1, Sender: alice, Recipient: bob},
			{ID: 2, Sender: carol, Recipient: common.Address{}},
		} {
			if err := tx.PutRemittance(r); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.View(ctx, func(tx remit.Tx) error {
		list, err := tx.RemittancesFor(alice)
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, uint64(1), list[0].ID)
		require.Equal(t, uint64(3), list[1].ID)
		return nil
	}))
}

func TestErrorKinds(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), remit.ErrPhoneAlreadyRegistered)
	require.Equal(t, remit.KindConflict, remit.KindOf(wrapped))
	require.Equal(t, "PhoneAlreadyRegistered", remit.CodeOf(wrapped))
	require.Equal(t, remit.KindUnknown, remit.KindOf(errors.New("plain")))
	require.Empty(t, remit.CodeOf(nil))
	require.Equal(t, "not_found", remit.KindNotFound.String())
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, remit.StatusPending.Terminal())
	require.True(t, remit.StatusCompleted.Terminal())
	require.True(t, remit.StatusCancelled.Terminal())
	require.Equal(t, "pending", remit.StatusPending.String())
	st, ok := remit.ParseStatus("cancelled")
	require.True(t, ok)
	require.Equal(t, remit.StatusCancelled, st)
}
