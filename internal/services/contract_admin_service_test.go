package services

import (
	"context"
	"math/big"
	"testing"
	"time"

	"stablepay-backend/internal/ledger"
	"stablepay-backend/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdminFixture(t *testing.T) (*settlementFixture, *ContractAdminService) {
	t.Helper()
	f := newSettlementFixture(t, true, 5*time.Second)
	admin := NewContractAdminService(f.backend, testContract, newTestTransactor(t, f.backend, f.ownerKey))
	admin.pollInterval = 5 * time.Millisecond
	return f, admin
}

func (f *settlementFixture) settle(t *testing.T, amount string) {
	t.Helper()
	result, err := f.settlement.CreatePayment(context.Background(), CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           amount,
		Stablecoin:       "USDC",
	})
	require.NoError(t, err)
	f.waitForConfirmations(t, result.PaymentID)
	f.backend.AdvanceBlocks(2)
	_, err = f.await(t, result.PaymentID)
	require.NoError(t, err)
}

func TestContractAdmin_WithdrawMoreThanBalance(t *testing.T) {
	f, admin := newAdminFixture(t)
	ctx := context.Background()
	f.settle(t, "10")

	_, err := admin.Withdraw(ctx, testUSDC, big.NewInt(20_000_000))
	var failure *SettlementFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ledger.ReasonInsufficientBalance, failure.Outcome.Reason)

	balance, err := admin.Balance(ctx, testUSDC)
	require.NoError(t, err)
	assert.Equal(t, "10000000", balance.Custodial)
	assert.Equal(t, "10000000", balance.TokenBalanceOf)
}

func TestContractAdmin_WithdrawAndWithdrawAll(t *testing.T) {
	f, admin := newAdminFixture(t)
	ctx := context.Background()
	f.settle(t, "10")
	owner := crypto.PubkeyToAddress(f.ownerKey.PublicKey)

	result, err := admin.Withdraw(ctx, testUSDC, big.NewInt(4_000_000))
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.NotZero(t, result.BlockNumber)
	assert.Equal(t, int64(6_000_000), f.backend.Contract().GetTokenBalance(testUSDC).Int64())
	assert.Equal(t, int64(4_000_000), f.usdc.BalanceOf(owner).Int64())

	_, err = admin.WithdrawAll(ctx, testUSDC)
	require.NoError(t, err)
	assert.Zero(t, f.backend.Contract().GetTokenBalance(testUSDC).Sign())

	_, err = admin.WithdrawAll(ctx, testUSDC)
	var failure *SettlementFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ledger.ReasonNoFunds, failure.Outcome.Reason)
}

func TestContractAdmin_TokenAllowList(t *testing.T) {
	_, admin := newAdminFixture(t)
	ctx := context.Background()

	allowed, err := admin.IsTokenAllowed(ctx, testDAI)
	require.NoError(t, err)
	assert.False(t, allowed)

	_, err = admin.AddToken(ctx, testDAI)
	require.NoError(t, err)
	allowed, err = admin.IsTokenAllowed(ctx, testDAI)
	require.NoError(t, err)
	assert.True(t, allowed)

	_, err = admin.AddToken(ctx, testDAI)
	var failure *SettlementFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ledger.ReasonTokenAlreadyAllowed, failure.Outcome.Reason)

	_, err = admin.RemoveToken(ctx, testDAI)
	require.NoError(t, err)
	allowed, err = admin.IsTokenAllowed(ctx, testDAI)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestContractAdmin_NonOwnerIsRejected(t *testing.T) {
	f := newSettlementFixture(t, true, 5*time.Second)
	// the payment sender is not the contract owner
	admin := NewContractAdminService(f.backend, testContract, newTestTransactor(t, f.backend, f.senderKey))

	_, err := admin.AddToken(context.Background(), testDAI)
	var failure *SettlementFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ledger.ReasonOnlyOwner, failure.Outcome.Reason)
}

func TestContractAdmin_ReadsWithoutOwnerKey(t *testing.T) {
	f, _ := newAdminFixture(t)
	ctx := context.Background()
	f.settle(t, "2")
	admin := NewContractAdminService(f.backend, testContract, nil)

	_, err := admin.Withdraw(ctx, testUSDC, big.NewInt(1))
	assert.ErrorIs(t, err, ErrOwnerKeyMissing)

	count, err := admin.PaymentCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count.Int64())

	owner, err := admin.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(f.ownerKey.PublicKey), owner)

	payments, err := f.registry.List(ctx, repository.PaymentFilter{})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	record, err := admin.LedgerPayment(ctx, common.HexToHash(payments[0].LedgerPaymentID))
	require.NoError(t, err)
	assert.True(t, record.Completed)
	assert.Equal(t, "2000000", record.Amount)

	missing, err := admin.LedgerPayment(ctx, common.HexToHash("0x1234"))
	require.NoError(t, err)
	assert.False(t, missing.Completed)
}
