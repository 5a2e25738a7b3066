package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "plebchat-backend/internal/common/errors"
	"plebchat-backend/internal/features/wallet/models"
	"plebchat-backend/internal/platform/mint"
)

func testToken(t *testing.T, amounts ...uint64) *models.Token {
	t.Helper()
	raw := encodeTestToken(t, trustedMint, amounts...)
	token, err := models.DecodeToken(raw)
	require.NoError(t, err)
	return token
}

func newTestCoordinator(gw *fakeGateway) (*Coordinator, *fakeLedger) {
	ledger := newFakeLedger()
	return NewCoordinator(ledger, singleGateway(gw), trustedMint), ledger
}

func TestRedeemCommitsProofsAndCounter(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	coordinator, ledger := newTestCoordinator(gw)

	result := coordinator.Redeem(context.Background(), testToken(t, 2, 8))
	require.Nil(t, result.Err)
	assert.Equal(t, uint64(10), result.Amount)
	assert.False(t, result.Recovered)

	balance, _ := ledger.Balance(context.Background())
	assert.Equal(t, uint64(10), balance)

	// 10 sat splits into two denominations, so two positions were used.
	counter, _ := ledger.Counter(context.Background(), gw.keyset)
	assert.Equal(t, uint32(2), counter)
}

func TestRedeemCounterAdvancesAcrossRedemptions(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	coordinator, ledger := newTestCoordinator(gw)
	ctx := context.Background()

	require.Nil(t, coordinator.Redeem(ctx, testToken(t, 1)).Err)
	require.Nil(t, coordinator.Redeem(ctx, testToken(t, 2)).Err)

	counter, _ := ledger.Counter(ctx, gw.keyset)
	assert.Equal(t, uint32(2), counter)

	// Distinct positions means distinct secrets.
	proofs, _ := ledger.Proofs(ctx)
	secrets := map[string]struct{}{}
	for _, p := range proofs {
		secrets[p.Secret] = struct{}{}
	}
	assert.Len(t, secrets, 2)
}

func TestRedeemUnknownMint(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	coordinator, _ := newTestCoordinator(gw)

	token := testToken(t, 1)
	token.Mint = untrustedMint
	result := coordinator.Redeem(context.Background(), token)
	require.NotNil(t, result.Err)
	assert.Equal(t, apperrors.ErrCodeUntrustedMint, result.Err.Code)
}

func TestRedeemRecoversFromCounterDesync(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	gw.redeemErr = &mint.Error{Detail: "outputs have already been signed before", Code: 10002}
	gw.minCounter = 7 // redemption succeeds once the counter reaches 7
	gw.recoverTo = 7
	coordinator, ledger := newTestCoordinator(gw)

	result := coordinator.Redeem(context.Background(), testToken(t, 4))
	require.Nil(t, result.Err)
	assert.True(t, result.Recovered)
	assert.Equal(t, uint64(4), result.Amount)
	assert.Equal(t, 1, gw.recoverCalls)

	// Counter landed past the recovered position plus the new output.
	counter, _ := ledger.Counter(context.Background(), gw.keyset)
	assert.Equal(t, uint32(8), counter)
}

func TestRedeemRecoveryRunsExactlyOnce(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	gw.redeemErr = &mint.Error{Detail: "outputs have already been signed before", Code: 10002}
	gw.minCounter = ^uint32(0) // never succeeds
	gw.recoverTo = 50
	coordinator, ledger := newTestCoordinator(gw)

	result := coordinator.Redeem(context.Background(), testToken(t, 4))
	require.NotNil(t, result.Err)
	assert.Equal(t, apperrors.ErrCodeCounterDesync, result.Err.Code)
	assert.False(t, result.Err.IsRefundable())

	assert.Equal(t, 1, gw.recoverCalls)
	assert.Equal(t, 2, gw.redeemCalls)

	// The recovered counter persists even though the retry failed.
	counter, _ := ledger.Counter(context.Background(), gw.keyset)
	assert.Equal(t, uint32(50), counter)
}

func TestRedeemRecoveryScanNotPastCounter(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	gw.redeemErr = &mint.Error{Detail: "outputs have already been signed before", Code: 10002}
	gw.minCounter = ^uint32(0)
	gw.recoverTo = 0 // scan claims nothing is signed
	coordinator, _ := newTestCoordinator(gw)

	result := coordinator.Redeem(context.Background(), testToken(t, 4))
	require.NotNil(t, result.Err)
	assert.Equal(t, apperrors.ErrCodeCounterDesync, result.Err.Code)
	assert.Equal(t, 1, gw.redeemCalls)
}

func TestRedeemAmbiguousLeavesLedgerUntouched(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	gw.redeemErr = context.DeadlineExceeded
	gw.minCounter = ^uint32(0)
	coordinator, ledger := newTestCoordinator(gw)

	result := coordinator.Redeem(context.Background(), testToken(t, 4))
	require.NotNil(t, result.Err)
	assert.Equal(t, apperrors.ErrCodeRedemptionAmbiguous, result.Err.Code)
	assert.False(t, result.Err.IsRefundable())
	assert.Equal(t, 0, gw.recoverCalls)

	balance, _ := ledger.Balance(context.Background())
	assert.Equal(t, uint64(0), balance)
	counter, _ := ledger.Counter(context.Background(), gw.keyset)
	assert.Equal(t, uint32(0), counter)
}

func TestRedeemCommitFailure(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	coordinator, ledger := newTestCoordinator(gw)
	ledger.commitErr = assert.AnError

	result := coordinator.Redeem(context.Background(), testToken(t, 4))
	require.NotNil(t, result.Err)
	assert.Equal(t, apperrors.ErrCodeLedgerError, result.Err.Code)
}

func TestRedemptionsAreSerialized(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	coordinator, ledger := newTestCoordinator(gw)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := coordinator.Redeem(context.Background(), testToken(t, 1))
			assert.Nil(t, result.Err)
		}()
	}
	wg.Wait()

	assert.False(t, gw.overlap.Load(), "redemptions overlapped at the mint")

	counter, _ := ledger.Counter(context.Background(), gw.keyset)
	assert.Equal(t, uint32(n), counter)
	balance, _ := ledger.Balance(context.Background())
	assert.Equal(t, uint64(n), balance)
}

func TestWithdrawExactSubset(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	coordinator, ledger := newTestCoordinator(gw)
	ctx := context.Background()

	require.NoError(t, ledger.StoreProofs(ctx, models.Proofs{
		{Amount: 8, ID: gw.keyset, Secret: "held-8", C: "02aa"},
		{Amount: 2, ID: gw.keyset, Secret: "held-2", C: "02aa"},
	}))

	raw, appErr := coordinator.Withdraw(ctx, 10, "")
	require.Nil(t, appErr)

	token, err := models.DecodeToken(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), token.Amount())
	assert.Equal(t, trustedMint, token.Mint)

	balance, _ := ledger.Balance(ctx)
	assert.Equal(t, uint64(0), balance)
}

func TestWithdrawSplitsThroughMint(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	coordinator, ledger := newTestCoordinator(gw)
	ctx := context.Background()

	require.NoError(t, ledger.StoreProofs(ctx, models.Proofs{
		{Amount: 8, ID: gw.keyset, Secret: "held-8", C: "02aa"},
	}))

	raw, appErr := coordinator.Withdraw(ctx, 3, "")
	require.Nil(t, appErr)

	token, err := models.DecodeToken(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), token.Amount())

	// Change stays, the original proof is gone.
	balance, _ := ledger.Balance(ctx)
	assert.Equal(t, uint64(5), balance)
	proofs, _ := ledger.Proofs(ctx)
	for _, p := range proofs {
		assert.NotEqual(t, "held-8", p.Secret)
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	coordinator, _ := newTestCoordinator(gw)

	_, appErr := coordinator.Withdraw(context.Background(), 100, "")
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeInsufficientBalance, appErr.Code)

	_, appErr = coordinator.Withdraw(context.Background(), 0, "")
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeValidation, appErr.Code)
}

func TestMeltToInvoice(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	gw.quote = &models.MeltQuote{ID: "q1", Amount: 90, FeeReserve: 10}
	gw.meltResult = &models.MeltResult{
		Paid:     true,
		Preimage: "abcd",
		Change:   models.Proofs{{Amount: 4, ID: gw.keyset, Secret: "change-4", C: "02aa"}},
	}
	coordinator, ledger := newTestCoordinator(gw)
	ctx := context.Background()

	require.NoError(t, ledger.StoreProofs(ctx, models.Proofs{
		{Amount: 64, ID: gw.keyset, Secret: "held-64", C: "02aa"},
		{Amount: 32, ID: gw.keyset, Secret: "held-32", C: "02aa"},
		{Amount: 4, ID: gw.keyset, Secret: "held-4", C: "02aa"},
	}))

	outcome, appErr := coordinator.MeltToInvoice(ctx, "lnbc900n1...")
	require.Nil(t, appErr)
	assert.Equal(t, uint64(90), outcome.AmountSent)
	// 100 in, 90 paid, 4 back as change.
	assert.Equal(t, uint64(6), outcome.FeePaid)
	assert.Equal(t, "abcd", outcome.Preimage)

	balance, _ := ledger.Balance(ctx)
	assert.Equal(t, uint64(4), balance)
}

func TestMeltFailureRestoresInputs(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	gw.quote = &models.MeltQuote{ID: "q1", Amount: 90, FeeReserve: 10}
	gw.meltErr = &mint.Error{Detail: "unable to pay invoice", Code: 20000}
	coordinator, ledger := newTestCoordinator(gw)
	ctx := context.Background()

	require.NoError(t, ledger.StoreProofs(ctx, models.Proofs{
		{Amount: 64, ID: gw.keyset, Secret: "held-64", C: "02aa"},
		{Amount: 32, ID: gw.keyset, Secret: "held-32", C: "02aa"},
		{Amount: 4, ID: gw.keyset, Secret: "held-4", C: "02aa"},
	}))

	_, appErr := coordinator.MeltToInvoice(ctx, "lnbc900n1...")
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeMintError, appErr.Code)

	balance, _ := ledger.Balance(ctx)
	assert.Equal(t, uint64(100), balance)
}

func TestMeltAmbiguousKeepsInputsReserved(t *testing.T) {
	gw := newFakeGateway(trustedMint)
	gw.quote = &models.MeltQuote{ID: "q1", Amount: 90, FeeReserve: 10}
	gw.meltErr = context.DeadlineExceeded
	coordinator, ledger := newTestCoordinator(gw)
	ctx := context.Background()

	require.NoError(t, ledger.StoreProofs(ctx, models.Proofs{
		{Amount: 64, ID: gw.keyset, Secret: "held-64", C: "02aa"},
		{Amount: 32, ID: gw.keyset, Secret: "held-32", C: "02aa"},
		{Amount: 4, ID: gw.keyset, Secret: "held-4", C: "02aa"},
	}))

	_, appErr := coordinator.MeltToInvoice(ctx, "lnbc900n1...")
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeRedemptionAmbiguous, appErr.Code)

	// The payment may have gone through; the inputs must not reappear as
	// spendable balance.
	balance, _ := ledger.Balance(ctx)
	assert.Equal(t, uint64(0), balance)
}
