package services

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"stablepay-backend/internal/config"
	"stablepay-backend/internal/ledger"
	"stablepay-backend/internal/models"
	"stablepay-backend/internal/repository"
	"stablepay-backend/internal/simulated"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChainID = 534351

var (
	testContract  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	testUSDC      = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	testDAI       = common.HexToAddress("0x3e622317f8C93f7328350cF0B56d9eD4C620C5d6")
	testRecipient = "0x00000000000000000000000000000000000000b0"
)

type settlementFixture struct {
	backend    *simulated.Backend
	usdc       *ledger.MemoryToken
	senderKey  *ecdsa.PrivateKey
	sender     common.Address
	ownerKey   *ecdsa.PrivateKey
	registry   *PaymentRegistry
	poller     *ConfirmationPoller
	queue      *SubmissionQueue
	prices     *PriceOracleService
	settlement *SettlementService
	opts       SettlementOptions
}

func testSettlementConfig() config.SettlementConfig {
	return config.SettlementConfig{
		Mode:                      config.ModeEscrow,
		RequiredConfirmations:     2,
		MaxRetries:                3,
		RetryBaseDelayMs:          1,
		RetryMaxDelayMs:           5,
		GasPriceMultiplierPercent: 110,
		GasPriceCeilingWei:        "100000000000",
		FallbackGasPriceWei:       "2000000000",
		DefaultGasLimit:           100_000,
		MaxGasLimit:               500_000,
	}
}

func newTestTransactor(t *testing.T, backend *simulated.Backend, key *ecdsa.PrivateKey) *Transactor {
	t.Helper()
	gas, err := NewGasPolicy(testSettlementConfig(), config.NetworkConfig{Name: "simulated", GasPrice: "auto"})
	require.NoError(t, err)
	signer := NewTransactionSignerFromKey(key, big.NewInt(testChainID))
	transactor := NewTransactor(backend, signer, gas, RetryPolicyFromConfig(testSettlementConfig()))
	transactor.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return transactor
}

func newSettlementFixture(t *testing.T, autoMine bool, pollTimeout time.Duration) *settlementFixture {
	t.Helper()

	senderKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(senderKey.PublicKey)
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)

	backend := simulated.New(simulated.Config{
		ChainID:         testChainID,
		ContractAddress: testContract,
		Owner:           owner,
		StartTime:       time.Unix(1_750_000_000, 0),
		AutoMine:        autoMine,
	})
	usdc := backend.DeployToken(testUSDC, "USDC", 6)
	backend.DeployToken(testDAI, "DAI", 18)
	require.NoError(t, backend.AllowToken(testUSDC))

	supply := big.NewInt(1_000_000_000_000)
	usdc.Mint(sender, supply)
	usdc.Approve(sender, testContract, supply)
	backend.Fund(sender, big.NewInt(1e18))
	backend.Fund(owner, big.NewInt(1e18))

	registry := NewPaymentRegistry(repository.NewMemoryPaymentRepository())
	poller := NewConfirmationPoller(backend, registry, PollerConfig{
		Contract:              testContract,
		RequiredConfirmations: 2,
		PollInterval:          5 * time.Millisecond,
		Timeout:               pollTimeout,
		CallTimeout:           time.Second,
	})
	queue := NewSubmissionQueue(testChainID)

	prices := NewPriceOracleService(&fakeFetcher{err: errors.New("offline")}, config.PriceOracleConfig{CacheTTLSeconds: 60, MaxQuoteAgeSeconds: 300})
	prices.SetStatic("USDC", 1)
	prices.SetStatic("DAI", 1)

	opts := SettlementOptions{
		NetworkName: "simulated",
		ChainID:     testChainID,
		Contract:    testContract,
		Mode:        config.ModeEscrow,
		Tokens: map[string]config.TokenConfig{
			"USDC": {Address: testUSDC.Hex(), Decimals: 6},
			"DAI":  {Address: testDAI.Hex(), Decimals: 18},
		},
		CallTimeout: time.Second,
	}
	settlement := NewSettlementService(backend, newTestTransactor(t, backend, senderKey), queue, registry, poller, prices, opts)

	t.Cleanup(func() {
		poller.Stop()
		queue.Stop()
	})

	return &settlementFixture{
		backend:    backend,
		usdc:       usdc,
		senderKey:  senderKey,
		sender:     sender,
		ownerKey:   ownerKey,
		registry:   registry,
		poller:     poller,
		queue:      queue,
		prices:     prices,
		settlement: settlement,
		opts:       opts,
	}
}

func (f *settlementFixture) await(t *testing.T, paymentID string) (*models.Payment, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.settlement.AwaitPayment(ctx, paymentID)
}

func (f *settlementFixture) waitForConfirmations(t *testing.T, paymentID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, err := f.registry.Get(context.Background(), paymentID)
		return err == nil && p.BlockNumber > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCreatePayment_EscrowHappyPath(t *testing.T) {
	f := newSettlementFixture(t, true, 5*time.Second)
	ctx := context.Background()

	result, err := f.settlement.CreatePayment(ctx, CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           "100.50",
		Stablecoin:       "usdc",
		Description:      "order #42",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, result.Status)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, result.TxHash)
	assert.NotEmpty(t, result.PaymentID)

	f.waitForConfirmations(t, result.PaymentID)
	f.backend.AdvanceBlocks(2)

	payment, err := f.await(t, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, payment.Status)
	assert.GreaterOrEqual(t, payment.Confirmations, uint64(2))
	assert.Equal(t, "100.5", payment.AmountUSD)
	assert.Equal(t, "100500000", payment.TokenAmount)
	assert.Equal(t, "USDC", payment.Stablecoin)
	assert.Equal(t, config.ModeEscrow, payment.Mode)
	require.NotEmpty(t, payment.LedgerPaymentID)

	contract := f.backend.Contract()
	assert.Equal(t, int64(100_500_000), contract.GetTokenBalance(testUSDC).Int64())
	assert.Equal(t, int64(100_500_000), f.usdc.BalanceOf(testContract).Int64())
	assert.EqualValues(t, 1, contract.GetPaymentCount())
	assert.True(t, contract.IsPaymentCompleted(common.HexToHash(payment.LedgerPaymentID)))

	status, err := f.settlement.GetPaymentStatus(ctx, result.TxHash)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, status.Status)
	assert.Equal(t, payment.BlockNumber, status.BlockNumber)

	byHash, err := f.registry.GetByTxHash(ctx, result.TxHash)
	require.NoError(t, err)
	assert.Equal(t, result.PaymentID, byHash.ID)
	assert.False(t, f.queue.Held(f.sender))
}

func TestCreatePayment_DirectTransfer(t *testing.T) {
	f := newSettlementFixture(t, true, 5*time.Second)
	f.settlement.opts.Mode = config.ModeDirect

	result, err := f.settlement.CreatePayment(context.Background(), CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           "25",
		Stablecoin:       "USDC",
	})
	require.NoError(t, err)
	f.waitForConfirmations(t, result.PaymentID)
	f.backend.AdvanceBlocks(2)

	payment, err := f.await(t, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, config.ModeDirect, payment.Mode)
	assert.Equal(t, int64(25_000_000), f.usdc.BalanceOf(common.HexToAddress(testRecipient)).Int64())
	assert.Zero(t, f.backend.Contract().GetTokenBalance(testUSDC).Sign())
}

func TestCreatePayment_TokenNotAllowed(t *testing.T) {
	f := newSettlementFixture(t, true, 5*time.Second)

	_, err := f.settlement.CreatePayment(context.Background(), CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           "10",
		Stablecoin:       "DAI",
	})
	var notAllowed *NotAllowedError
	require.ErrorAs(t, err, &notAllowed)
	assert.Equal(t, "DAI", notAllowed.Symbol)

	status, code := ErrorStatus(err)
	assert.Equal(t, 422, status)
	assert.Equal(t, CodeTokenNotAllowed, code)

	nonce, err := f.backend.PendingNonceAt(context.Background(), f.sender)
	require.NoError(t, err)
	assert.Zero(t, nonce)
	assert.Zero(t, f.backend.PendingCount())

	payments, err := f.registry.List(context.Background(), repository.PaymentFilter{})
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestCreatePayment_ValidationErrors(t *testing.T) {
	f := newSettlementFixture(t, true, 5*time.Second)

	cases := []struct {
		name  string
		req   CreatePaymentRequest
		field string
	}{
		{"bad address", CreatePaymentRequest{RecipientAddress: "0x123", Amount: "1", Stablecoin: "USDC"}, "recipient_address"},
		{"zero address", CreatePaymentRequest{RecipientAddress: "0x0000000000000000000000000000000000000000", Amount: "1", Stablecoin: "USDC"}, "recipient_address"},
		{"below minimum", CreatePaymentRequest{RecipientAddress: testRecipient, Amount: "0.001", Stablecoin: "USDC"}, "amount"},
		{"above maximum", CreatePaymentRequest{RecipientAddress: testRecipient, Amount: "1000000.01", Stablecoin: "USDC"}, "amount"},
		{"exponent", CreatePaymentRequest{RecipientAddress: testRecipient, Amount: "1e3", Stablecoin: "USDC"}, "amount"},
		{"unknown coin", CreatePaymentRequest{RecipientAddress: testRecipient, Amount: "1", Stablecoin: "FRAX"}, "stablecoin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.settlement.CreatePayment(context.Background(), tc.req)
			var validation *ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Equal(t, tc.field, validation.Field)
		})
	}
	assert.Zero(t, f.backend.PendingCount())
}

func TestCreatePayment_DuplicateInSameBlockReverts(t *testing.T) {
	f := newSettlementFixture(t, false, 5*time.Second)
	ctx := context.Background()

	// a second replica sharing the key and the registry but not the queue
	replica := NewSettlementService(f.backend, newTestTransactor(t, f.backend, f.senderKey), NewSubmissionQueue(testChainID), f.registry, f.poller, f.prices, f.opts)

	req := CreatePaymentRequest{RecipientAddress: testRecipient, Amount: "10", Stablecoin: "USDC"}
	first, err := f.settlement.CreatePayment(ctx, req)
	require.NoError(t, err)
	second, err := replica.CreatePayment(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, f.backend.PendingCount())

	f.backend.Commit()
	f.backend.AdvanceBlocks(2)

	payment, err := f.await(t, first.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, payment.Status)

	failed, err := f.await(t, second.PaymentID)
	var settlementErr *SettlementFailure
	require.ErrorAs(t, err, &settlementErr)
	assert.Equal(t, OutcomeReverted, settlementErr.Outcome.Kind)
	assert.Equal(t, ledger.ReasonAlreadyProcessed, settlementErr.Outcome.Reason)
	assert.Equal(t, models.PaymentStatusFailed, failed.Status)
	assert.Equal(t, CodeSettlementFailed, failed.ErrorCode)

	// custody grew once
	assert.Equal(t, int64(10_000_000), f.backend.Contract().GetTokenBalance(testUSDC).Int64())
	assert.EqualValues(t, 1, f.backend.Contract().GetPaymentCount())
}

func TestCreatePayment_RetriesTransientBroadcastFailures(t *testing.T) {
	f := newSettlementFixture(t, true, 5*time.Second)
	f.backend.FailNextSends(2, nil)

	result, err := f.settlement.CreatePayment(context.Background(), CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           "5",
		Stablecoin:       "USDC",
	})
	require.NoError(t, err)
	f.waitForConfirmations(t, result.PaymentID)
	f.backend.AdvanceBlocks(2)

	payment, err := f.await(t, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, payment.Status)
	assert.EqualValues(t, 1, f.backend.Contract().GetPaymentCount())
}

func TestCreatePayment_RetriesExhausted(t *testing.T) {
	f := newSettlementFixture(t, true, 5*time.Second)
	f.backend.FailNextSends(10, nil)

	_, err := f.settlement.CreatePayment(context.Background(), CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           "5",
		Stablecoin:       "USDC",
	})
	var submission *SubmissionError
	require.ErrorAs(t, err, &submission)
	assert.Equal(t, 3, submission.Attempts)
	assert.False(t, f.queue.Held(f.sender))

	failed := models.PaymentStatusFailed
	payments, err := f.registry.List(context.Background(), repository.PaymentFilter{Status: failed})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, CodeSubmissionFailed, payments[0].ErrorCode)
	assert.Zero(t, f.backend.Contract().GetPaymentCount())
}

func TestCreatePayment_NonTransientRejectionIsNotRetried(t *testing.T) {
	f := newSettlementFixture(t, true, 5*time.Second)
	f.backend.FailNextSends(1, errors.New("invalid sender"))

	_, err := f.settlement.CreatePayment(context.Background(), CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           "5",
		Stablecoin:       "USDC",
	})
	var submission *SubmissionError
	require.ErrorAs(t, err, &submission)
	assert.Equal(t, 1, submission.Attempts)
}

func TestCreatePayment_TimeoutThenReconcile(t *testing.T) {
	f := newSettlementFixture(t, false, 100*time.Millisecond)
	ctx := context.Background()

	result, err := f.settlement.CreatePayment(ctx, CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           "42",
		Stablecoin:       "USDC",
	})
	require.NoError(t, err)

	f.backend.DropNextReceipts()
	f.backend.Commit()

	payment, err := f.await(t, result.PaymentID)
	var timeout *ConfirmationTimeout
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	assert.Equal(t, models.FailureReasonConfirmationTimeout, payment.FailureReason)
	assert.True(t, payment.NeedsReconciliation)
	require.Eventually(t, func() bool { return !f.queue.Held(f.sender) }, time.Second, 5*time.Millisecond)

	// the node catches up; the ledger now says confirmed
	f.backend.RestoreReceipts()
	f.backend.AdvanceBlocks(3)

	status, err := f.settlement.GetPaymentStatus(ctx, result.TxHash)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, status.Status)

	// the registry does not correct itself
	stored, err := f.registry.Get(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, stored.Status)

	reconciler := NewReconciliationService(f.backend, f.registry, testContract, 2, 0)
	outcome, err := reconciler.Reconcile(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, models.PaymentStatusConfirmed, outcome.Payment.Status)
	assert.False(t, outcome.Payment.NeedsReconciliation)
	assert.Empty(t, outcome.Payment.FailureReason)
}

func TestReconcile_LeavesUnminedPaymentAlone(t *testing.T) {
	f := newSettlementFixture(t, false, 50*time.Millisecond)
	ctx := context.Background()

	result, err := f.settlement.CreatePayment(ctx, CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           "1",
		Stablecoin:       "USDC",
	})
	require.NoError(t, err)
	_, err = f.await(t, result.PaymentID)
	require.Error(t, err)

	reconciler := NewReconciliationService(f.backend, f.registry, testContract, 2, 0)
	applied, err := reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)

	stored, err := f.registry.Get(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.True(t, stored.NeedsReconciliation)
}

func TestCancelPayment(t *testing.T) {
	f := newSettlementFixture(t, false, 5*time.Second)
	ctx := context.Background()

	result, err := f.settlement.CreatePayment(ctx, CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           "3",
		Stablecoin:       "USDC",
	})
	require.NoError(t, err)
	assert.True(t, f.queue.Held(f.sender))

	cancelled, err := f.settlement.CancelPayment(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, cancelled.Status)

	require.Eventually(t, func() bool { return !f.queue.Held(f.sender) && f.poller.Active() == 0 }, time.Second, 5*time.Millisecond)

	_, err = f.settlement.CancelPayment(ctx, result.PaymentID)
	assert.ErrorIs(t, err, ErrPaymentTerminal)

	_, err = f.settlement.AwaitPayment(ctx, result.PaymentID)
	assert.ErrorIs(t, err, ErrPaymentCanceled)
}

func TestGetPaymentStatus_ReadOnly(t *testing.T) {
	f := newSettlementFixture(t, true, 5*time.Second)
	ctx := context.Background()

	_, err := f.settlement.GetPaymentStatus(ctx, "0xnothex")
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)

	status, err := f.settlement.GetPaymentStatus(ctx, common.HexToHash("0x01").Hex())
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, status.Status)

	payments, err := f.registry.List(ctx, repository.PaymentFilter{})
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestToTokenAmount(t *testing.T) {
	amount, err := ParseUSDAmount("100.50")
	require.NoError(t, err)

	units, err := ToTokenAmount(amount, Quote{Symbol: "USDC", USDPrice: 1}, 6)
	require.NoError(t, err)
	assert.Equal(t, "100500000", units.String())

	units, err = ToTokenAmount(amount, Quote{Symbol: "DAI", USDPrice: 0.5}, 18)
	require.NoError(t, err)
	assert.Equal(t, "201000000000000000000", units.String())

	// truncates toward zero
	third, err := ParseUSDAmount("1")
	require.NoError(t, err)
	units, err = ToTokenAmount(third, Quote{Symbol: "X", USDPrice: 3}, 6)
	require.NoError(t, err)
	assert.Equal(t, "333333", units.String())

	_, err = ToTokenAmount(amount, Quote{Symbol: "USDC", USDPrice: 0}, 6)
	var unavailable *PriceUnavailableError
	assert.ErrorAs(t, err, &unavailable)

	tiny, err := ParseUSDAmount("0.01")
	require.NoError(t, err)
	_, err = ToTokenAmount(tiny, Quote{Symbol: "WBTC", USDPrice: 100000}, 0)
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestFormatDecimal(t *testing.T) {
	assert.Equal(t, "100.5", FormatDecimal(big.NewRat(201, 2)))
	assert.Equal(t, "7", FormatDecimal(big.NewRat(7, 1)))
	assert.Equal(t, "0.01", FormatDecimal(big.NewRat(1, 100)))
}

func TestCreatePayment_TimeoutAfterPartialConfirmations(t *testing.T) {
	f := newSettlementFixture(t, true, 200*time.Millisecond)
	ctx := context.Background()

	result, err := f.settlement.CreatePayment(ctx, CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           "7",
		Stablecoin:       "USDC",
	})
	require.NoError(t, err)
	f.waitForConfirmations(t, result.PaymentID)
	f.backend.AdvanceBlocks(1)
	require.Eventually(t, func() bool {
		p, err := f.registry.Get(ctx, result.PaymentID)
		return err == nil && p.Confirmations == 1
	}, time.Second, 5*time.Millisecond)

	payment, err := f.await(t, result.PaymentID)
	var timeout *ConfirmationTimeout
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	assert.Equal(t, models.FailureReasonConfirmationTimeout, payment.FailureReason)
	assert.Equal(t, CodeConfirmationTimeout, payment.ErrorCode)
	assert.True(t, payment.NeedsReconciliation)
	assert.EqualValues(t, 1, payment.Confirmations)
	assert.Zero(t, f.poller.Active())

	// the sweep picks it up once the chain has caught up
	f.backend.AdvanceBlocks(1)
	reconciler := NewReconciliationService(f.backend, f.registry, testContract, 2, 0)
	applied, err := reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	stored, err := f.registry.Get(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, stored.Status)
}

// lossyClient delivers only the send numbered deliverOn and reports every
// send as a timeout, the way a dropped RPC response looks to the caller.
type lossyClient struct {
	*simulated.Backend
	sends     int
	deliverOn int
	lookupErr error
}

func (c *lossyClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.sends++
	if c.sends == c.deliverOn {
		if err := c.Backend.SendTransaction(ctx, tx); err != nil {
			return err
		}
	}
	return errors.New("i/o timeout")
}

func (c *lossyClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if c.lookupErr != nil {
		return nil, false, c.lookupErr
	}
	return c.Backend.TransactionByHash(ctx, hash)
}

func (f *settlementFixture) withLossyTransactor(t *testing.T, client *lossyClient) *SettlementService {
	t.Helper()
	gas, err := NewGasPolicy(testSettlementConfig(), config.NetworkConfig{Name: "simulated", GasPrice: "auto"})
	require.NoError(t, err)
	signer := NewTransactionSignerFromKey(f.senderKey, big.NewInt(testChainID))
	transactor := NewTransactor(client, signer, gas, RetryPolicyFromConfig(testSettlementConfig()))
	transactor.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return NewSettlementService(f.backend, transactor, f.queue, f.registry, f.poller, f.prices, f.opts)
}

func TestCreatePayment_LastSendDeliveredDespiteTimeout(t *testing.T) {
	f := newSettlementFixture(t, true, 5*time.Second)
	settlement := f.withLossyTransactor(t, &lossyClient{Backend: f.backend, deliverOn: 3})

	result, err := settlement.CreatePayment(context.Background(), CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           "5",
		Stablecoin:       "USDC",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, result.Status)

	f.waitForConfirmations(t, result.PaymentID)
	f.backend.AdvanceBlocks(2)
	payment, err := f.await(t, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, payment.Status)
	assert.EqualValues(t, 1, f.backend.Contract().GetPaymentCount())
}

func TestCreatePayment_UncertainBroadcastStaysPending(t *testing.T) {
	f := newSettlementFixture(t, true, 100*time.Millisecond)
	settlement := f.withLossyTransactor(t, &lossyClient{
		Backend:   f.backend,
		lookupErr: errors.New("connection refused"),
	})

	result, err := settlement.CreatePayment(context.Background(), CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           "5",
		Stablecoin:       "USDC",
	})
	require.NoError(t, err)
	assert.True(t, f.queue.Held(f.sender))

	// never landed: the timeout hands it to reconciliation instead of failing it outright
	payment, err := f.await(t, result.PaymentID)
	var timeout *ConfirmationTimeout
	require.ErrorAs(t, err, &timeout)
	assert.True(t, payment.NeedsReconciliation)
	assert.NotEqual(t, CodeSubmissionFailed, payment.ErrorCode)
	require.Eventually(t, func() bool { return !f.queue.Held(f.sender) }, time.Second, 5*time.Millisecond)
}

func TestResumePending_HoldsSenderLane(t *testing.T) {
	f := newSettlementFixture(t, false, 5*time.Second)
	ctx := context.Background()

	result, err := f.settlement.CreatePayment(ctx, CreatePaymentRequest{
		RecipientAddress: testRecipient,
		Amount:           "9",
		Stablecoin:       "USDC",
	})
	require.NoError(t, err)

	// restart: fresh poller and queue over the same registry and chain
	f.poller.Stop()
	poller := NewConfirmationPoller(f.backend, f.registry, PollerConfig{
		Contract:              testContract,
		RequiredConfirmations: 2,
		PollInterval:          5 * time.Millisecond,
		Timeout:               5 * time.Second,
		CallTimeout:           time.Second,
	})
	queue := NewSubmissionQueue(testChainID)
	t.Cleanup(func() {
		poller.Stop()
		queue.Stop()
	})
	restarted := NewSettlementService(f.backend, newTestTransactor(t, f.backend, f.senderKey), queue, f.registry, poller, f.prices, f.opts)

	resumed, err := restarted.ResumePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.True(t, queue.Held(f.sender))

	f.backend.Commit()
	require.Eventually(t, func() bool { return !queue.Held(f.sender) }, 2*time.Second, 5*time.Millisecond)

	f.backend.AdvanceBlocks(2)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	payment, err := restarted.AwaitPayment(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, payment.Status)
}
