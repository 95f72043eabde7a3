package settlement

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/streamfair-backend/pkg/config"
)

func newBoltLedger(t *testing.T) *BoltLedger {
	t.Helper()
	ledger, err := NewBoltLedger(filepath.Join(t.TempDir(), "ledger.db"), LedgerOptions{Receiver: "creator", DefaultPayer: "viewer"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger
}

func TestProvidersShortCircuitZeroAmounts(t *testing.T) {
	providers := []Provider{NewNoopProvider(), newBoltLedger(t)}
	for _, p := range providers {
		t.Run(p.Name(), func(t *testing.T) {
			for _, amount := range []int64{0, -5} {
				res := p.Charge(context.Background(), ChargeRequest{Amount: amount, Memo: "stream:x:0s"})
				assert.True(t, res.Success)
				assert.Equal(t, ZeroAmountRef, res.TransactionRef)
				assert.Zero(t, res.Amount)
			}
		})
	}
}

func TestProvidersRefuseRefunds(t *testing.T) {
	providers := []Provider{NewNoopProvider(), newBoltLedger(t)}
	for _, p := range providers {
		res := p.Refund(context.Background(), "ltx_1")
		assert.False(t, res.Success)
		assert.Equal(t, "ltx_1", res.TransactionRef)
		assert.Equal(t, errRefundUnsupported, res.Error)
	}
}

func TestNoopReplaysIdempotencyKey(t *testing.T) {
	p := NewNoopProvider()
	first := p.Charge(context.Background(), ChargeRequest{Amount: 10, IdempotencyKey: "s:0"})
	second := p.Charge(context.Background(), ChargeRequest{Amount: 25, IdempotencyKey: "s:0"})
	other := p.Charge(context.Background(), ChargeRequest{Amount: 10, IdempotencyKey: "s:10"})

	require.True(t, first.Success)
	assert.False(t, first.Replayed)
	assert.True(t, strings.HasPrefix(first.TransactionRef, "noop_"))

	require.True(t, second.Success)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionRef, second.TransactionRef)
	assert.Equal(t, int64(10), second.Amount, "replay reports the stored amount")

	assert.NotEqual(t, first.TransactionRef, other.TransactionRef)
	third := p.Charge(context.Background(), ChargeRequest{Amount: 99, IdempotencyKey: "s:0"})
	assert.Equal(t, first.TransactionRef, third.TransactionRef, "stored transfer is never overwritten")
}

func TestBoltLedgerMovesBalances(t *testing.T) {
	ctx := context.Background()
	ledger := newBoltLedger(t)
	require.NoError(t, ledger.OpenAccount(ctx, "creator", 0))
	require.NoError(t, ledger.OpenAccount(ctx, "viewer", 1000))
	require.NoError(t, ledger.OpenAccount(ctx, "viewer", 5), "reopening keeps the balance")

	res := ledger.Charge(ctx, ChargeRequest{Amount: 300, Memo: "stream:s:30s", IdempotencyKey: "s:0"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "ltx_1", res.TransactionRef)
	assert.Equal(t, int64(300), res.Amount)

	viewer, ok, err := ledger.Balance("viewer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(700), viewer)

	creator, _, err := ledger.Balance("creator")
	require.NoError(t, err)
	assert.Equal(t, int64(300), creator)

	status, err := ledger.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.Equal(t, []AccountBalance{{Account: "creator", Balance: 300}, {Account: "viewer", Balance: 700}}, status.Accounts)
}

func TestBoltLedgerReplaysCommittedTransfer(t *testing.T) {
	ctx := context.Background()
	ledger := newBoltLedger(t)
	require.NoError(t, ledger.OpenAccount(ctx, "creator", 0))
	require.NoError(t, ledger.OpenAccount(ctx, "viewer", 1000))

	first := ledger.Charge(ctx, ChargeRequest{Amount: 100, IdempotencyKey: "s:0"})
	require.True(t, first.Success)
	assert.False(t, first.Replayed)

	// A retry after a lost confirmation asks for a larger delta under the
	// same offset key and gets the committed transfer back.
	replay := ledger.Charge(ctx, ChargeRequest{Amount: 150, IdempotencyKey: "s:0"})
	require.True(t, replay.Success, replay.Error)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.TransactionRef, replay.TransactionRef)
	assert.Equal(t, int64(100), replay.Amount)

	viewer, _, err := ledger.Balance("viewer")
	require.NoError(t, err)
	assert.Equal(t, int64(900), viewer, "replay must not debit twice")

	next := ledger.Charge(ctx, ChargeRequest{Amount: 50, IdempotencyKey: "s:100"})
	require.True(t, next.Success, next.Error)
	assert.False(t, next.Replayed)
	viewer, _, err = ledger.Balance("viewer")
	require.NoError(t, err)
	assert.Equal(t, int64(850), viewer)
}

func TestBoltLedgerResultCodes(t *testing.T) {
	ctx := context.Background()
	ledger := newBoltLedger(t)

	res := ledger.Charge(ctx, ChargeRequest{Amount: 10})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ResultNoAccount)

	require.NoError(t, ledger.OpenAccount(ctx, "viewer", 5))
	res = ledger.Charge(ctx, ChargeRequest{Amount: 10})
	assert.Contains(t, res.Error, ResultNoDestination)

	require.NoError(t, ledger.OpenAccount(ctx, "creator", 0))
	res = ledger.Charge(ctx, ChargeRequest{Amount: 10})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ResultUnfunded)

	viewer, _, err := ledger.Balance("viewer")
	require.NoError(t, err)
	assert.Equal(t, int64(5), viewer)
}

func TestBoltLedgerCredentialSelectsPayer(t *testing.T) {
	ctx := context.Background()
	ledger := newBoltLedger(t)
	require.NoError(t, ledger.OpenAccount(ctx, "creator", 0))
	require.NoError(t, ledger.OpenAccount(ctx, "wallet-42", 50))

	res := ledger.Charge(ctx, ChargeRequest{Amount: 20, Credential: "wallet-42"})
	require.True(t, res.Success, res.Error)

	balance, _, err := ledger.Balance("wallet-42")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	res = ledger.Charge(ctx, ChargeRequest{Amount: 20, Credential: "creator"})
	assert.False(t, res.Success)
}

func TestChargeRequestPayerAccount(t *testing.T) {
	assert.Equal(t, "viewer", ChargeRequest{Payer: "viewer"}.PayerAccount())
	assert.Equal(t, "wallet", ChargeRequest{Payer: "viewer", Credential: " wallet "}.PayerAccount())
	assert.Empty(t, ChargeRequest{}.PayerAccount())
}

func TestLockOrderIsDeterministic(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, lockOrder("b", "a"))
	assert.Equal(t, []string{"a", "b"}, lockOrder("a", "b"))
	assert.Equal(t, []string{"a"}, lockOrder("a", "a"))
}

func TestResultForMapsOnlySuccessCode(t *testing.T) {
	assert.True(t, resultFor(ResultSuccess, "ltx_1", 5).Success)
	for _, code := range []string{ResultUnfunded, ResultNoDestination, ResultNoAccount, "tecPATH_DRY"} {
		res := resultFor(code, "", 5)
		assert.False(t, res.Success)
		assert.Equal(t, "ledger payment failed: "+code, res.Error)
	}
}

func TestFactory(t *testing.T) {
	ctx := context.Background()

	p, closeFn, err := New(ctx, config.SettlementConfig{Provider: "noop"})
	require.NoError(t, err)
	defer closeFn()
	assert.Equal(t, "noop", p.Name())

	p, closeBolt, err := New(ctx, config.SettlementConfig{
		Provider:            "bolt",
		BoltPath:            filepath.Join(t.TempDir(), "ledger.db"),
		ReceiverAccount:     "creator",
		DefaultPayerAccount: "viewer",
		SeedBalanceCents:    500,
	})
	require.NoError(t, err)
	defer closeBolt()
	res := p.Charge(ctx, ChargeRequest{Amount: 200})
	assert.True(t, res.Success, res.Error)

	_, _, err = New(ctx, config.SettlementConfig{Provider: "stripe"})
	require.Error(t, err)
}
