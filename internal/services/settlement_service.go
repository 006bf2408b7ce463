package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stablepay-backend/internal/clients"
	"stablepay-backend/internal/config"
	"stablepay-backend/internal/contracts"
	"stablepay-backend/internal/metrics"
	"stablepay-backend/internal/models"
	"stablepay-backend/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

	minAmountUSD = big.NewRat(1, 100)
	maxAmountUSD = big.NewRat(1_000_000, 1)
)

// CreatePaymentRequest a merchant payment in USD
type CreatePaymentRequest struct {
	RecipientAddress string
	Amount           string // USD, decimal string
	Stablecoin       string
	Description      string
}

// CreatePaymentResult what the caller gets back before confirmation
type CreatePaymentResult struct {
	PaymentID string               `json:"payment_id"`
	TxHash    string               `json:"tx_hash"`
	Status    models.PaymentStatus `json:"status"`
}

// TxStatus a read-only view of a transaction on the ledger
type TxStatus struct {
	Status        models.PaymentStatus `json:"status"`
	Confirmations uint64               `json:"confirmations"`
	BlockNumber   uint64               `json:"block_number"`
}

// SettlementOptions static settings of one settlement network
type SettlementOptions struct {
	NetworkName string
	ChainID     int64
	Contract    common.Address
	Mode        string
	Tokens      map[string]config.TokenConfig
	CallTimeout time.Duration
}

// SettlementService turns USD payment requests into settled stablecoin
// transfers through the payment contract.
type SettlementService struct {
	client     clients.LedgerClient
	caller     *clients.PaymentContractCaller
	transactor *Transactor
	queue      *SubmissionQueue
	registry   *PaymentRegistry
	poller     *ConfirmationPoller
	prices     PriceSource
	opts       SettlementOptions
	newID      func() string
}

func NewSettlementService(
	client clients.LedgerClient,
	transactor *Transactor,
	queue *SubmissionQueue,
	registry *PaymentRegistry,
	poller *ConfirmationPoller,
	prices PriceSource,
	opts SettlementOptions,
) *SettlementService {
	if opts.Mode == "" {
		opts.Mode = config.ModeEscrow
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultRPCCallTimeout
	}
	return &SettlementService{
		client:     client,
		caller:     clients.NewPaymentContractCaller(client, opts.Contract),
		transactor: transactor,
		queue:      queue,
		registry:   registry,
		poller:     poller,
		prices:     prices,
		opts:       opts,
		newID:      func() string { return uuid.New().String() },
	}
}

func (s *SettlementService) Mode() string                 { return s.opts.Mode }
func (s *SettlementService) Sender() common.Address       { return s.transactor.From() }
func (s *SettlementService) Registry() *PaymentRegistry   { return s.registry }
func (s *SettlementService) Options() SettlementOptions   { return s.opts }
func (s *SettlementService) Client() clients.LedgerClient { return s.client }

// Symbols lists the stablecoins payments can settle in.
func (s *SettlementService) Symbols() []string {
	symbols := make([]string, 0, len(s.opts.Tokens))
	for symbol := range s.opts.Tokens {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Token returns the configured token for symbol.
func (s *SettlementService) Token(symbol string) (string, config.TokenConfig, bool) {
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	token, ok := s.opts.Tokens[upper]
	return upper, token, ok
}

// CreatePayment validates the request, prices it, submits the settlement
// transaction and starts tracking it. It returns once the transaction is
// broadcast, not when it is confirmed.
func (s *SettlementService) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResult, error) {
	recipient, err := ParseRecipient(req.RecipientAddress)
	if err != nil {
		return nil, err
	}
	amountUSD, err := ParseUSDAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	symbol, token, ok := s.Token(req.Stablecoin)
	if !ok {
		return nil, &ValidationError{
			Field:   "stablecoin",
			Message: fmt.Sprintf("unsupported stablecoin %q (supported: %s)", req.Stablecoin, strings.Join(s.Symbols(), ", ")),
		}
	}
	tokenAddr := common.HexToAddress(token.Address)

	log := logrus.WithFields(logrus.Fields{"component": "settlement", "stablecoin": symbol, "recipient": recipient.Hex()})

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	allowed, err := s.caller.IsTokenAllowed(callCtx, tokenAddr)
	cancel()
	if err != nil {
		return nil, &SubmissionError{Reason: "could not read token allow-list", Err: err}
	}
	if !allowed {
		return nil, &NotAllowedError{Symbol: symbol, Token: tokenAddr.Hex()}
	}

	callCtx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
	decimals, err := s.caller.TokenDecimals(callCtx, tokenAddr)
	cancel()
	if err != nil {
		log.Warnf("⚠️ [Settlement] decimals() failed, using configured %d: %v", token.Decimals, err)
		decimals = token.Decimals
	}

	quote, err := s.prices.GetPrice(ctx, symbol)
	if err != nil {
		var unavailable *PriceUnavailableError
		if errors.As(err, &unavailable) {
			return nil, err
		}
		return nil, &PriceUnavailableError{Symbol: symbol, Err: err}
	}
	tokenAmount, err := ToTokenAmount(amountUSD, quote, decimals)
	if err != nil {
		return nil, err
	}

	data, err := contracts.PackSettlement(s.opts.Mode == config.ModeEscrow, recipient, tokenAmount, tokenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack settlement call: %w", err)
	}

	sender := s.transactor.From()
	payment := &models.Payment{
		ID:           s.newID(),
		Status:       models.PaymentStatusPending,
		Stablecoin:   symbol,
		TokenAddress: tokenAddr.Hex(),
		AmountUSD:    FormatDecimal(amountUSD),
		TokenAmount:  tokenAmount.String(),
		Recipient:    recipient.Hex(),
		Sender:       sender.Hex(),
		Mode:         s.opts.Mode,
		ChainID:      s.opts.ChainID,
		Description:  req.Description,
	}
	log = log.WithField("payment_id", payment.ID)

	txHash, err := s.queue.Submit(ctx, sender, func(ctx context.Context) (common.Hash, error) {
		tx, err := s.transactor.Build(ctx, s.opts.Contract, data)
		if err != nil {
			return common.Hash{}, err
		}
		payment.TxHash = tx.Hash().Hex()
		if err := s.registry.Record(ctx, payment); err != nil {
			return common.Hash{}, err
		}
		err = s.transactor.Broadcast(ctx, tx)
		switch {
		case errors.Is(err, ErrBroadcastUncertain):
			// possibly on chain: keep it pending and let the poller decide
			log.Warnf("⚠️ [Settlement] %v, tracking %s anyway", err, payment.TxHash)
		case err != nil:
			s.markSubmissionFailed(payment.ID, err)
			return common.Hash{}, err
		}
		return tx.Hash(), nil
	})
	if err != nil {
		log.Errorf("❌ [Settlement] Submission failed: %v", err)
		return nil, err
	}

	s.poller.Track(payment.ID, txHash, func() { s.queue.Release(sender) })
	metrics.PaymentsCreated.WithLabelValues(symbol, s.opts.Mode).Inc()

	log.WithFields(logrus.Fields{
		"tx_hash":      txHash.Hex(),
		"amount_usd":   payment.AmountUSD,
		"token_amount": payment.TokenAmount,
		"price":        quote.USDPrice,
	}).Infof("💸 [Settlement] Payment submitted")

	return &CreatePaymentResult{
		PaymentID: payment.ID,
		TxHash:    txHash.Hex(),
		Status:    models.PaymentStatusPending,
	}, nil
}

func (s *SettlementService) markSubmissionFailed(paymentID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CallTimeout)
	defer cancel()
	_, err := s.registry.UpdateStatus(ctx, paymentID, StatusUpdate{
		Status:    models.PaymentStatusFailed,
		Reason:    cause.Error(),
		ErrorCode: CodeSubmissionFailed,
	})
	if err != nil {
		logrus.WithField("payment_id", paymentID).Errorf("❌ [Settlement] Could not mark payment failed: %v", err)
	}
}

// GetPaymentStatus reads a transaction's state straight from the ledger.
// It never touches the registry.
func (s *SettlementService) GetPaymentStatus(ctx context.Context, txHash string) (*TxStatus, error) {
	if !txHashPattern.MatchString(txHash) {
		return nil, &ValidationError{Field: "tx_hash", Message: "must be 0x followed by 64 hex characters"}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	receipt, err := s.client.TransactionReceipt(callCtx, common.HexToHash(txHash))
	if clients.IsNotFound(err) {
		return &TxStatus{Status: models.PaymentStatusPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
	}

	block := receipt.BlockNumber.Uint64()
	if receipt.Status == 0 {
		return &TxStatus{Status: models.PaymentStatusFailed, BlockNumber: block}, nil
	}
	head, err := s.client.BlockNumber(callCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	return &TxStatus{
		Status:        models.PaymentStatusConfirmed,
		Confirmations: confirmationsAt(head, block),
		BlockNumber:   block,
	}, nil
}

func (s *SettlementService) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	return s.registry.Get(ctx, paymentID)
}

func (s *SettlementService) ListPayments(ctx context.Context, filter repository.PaymentFilter) ([]*models.Payment, error) {
	return s.registry.List(ctx, filter)
}

// ListByStatus validates the status name before listing.
func (s *SettlementService) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*models.Payment, error) {
	parsed, ok := models.ParsePaymentStatus(status)
	if !ok {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q (want pending, confirmed, failed or cancelled)", status)}
	}
	return s.registry.List(ctx, repository.PaymentFilter{Status: parsed, Limit: limit, Offset: offset})
}

func (s *SettlementService) Stats(ctx context.Context) (*models.PaymentStats, error) {
	return s.registry.Stats(ctx)
}

// CancelPayment stops tracking a pending payment and marks it cancelled.
// It makes no claim about the transaction on the ledger.
func (s *SettlementService) CancelPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := s.registry.Cancel(ctx, paymentID)
	if err != nil {
		return payment, err
	}
	s.poller.Cancel(paymentID)
	logrus.WithField("payment_id", paymentID).Infof("🛑 [Settlement] Payment cancelled")
	return payment, nil
}

// AwaitPayment waits for a terminal status and reports failures as typed errors.
func (s *SettlementService) AwaitPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := s.registry.Wait(ctx, paymentID)
	if err != nil {
		return payment, err
	}
	return payment, PaymentError(payment)
}

// PaymentError describes a terminal payment as an error, nil when confirmed.
func PaymentError(p *models.Payment) error {
	switch p.Status {
	case models.PaymentStatusFailed:
		if p.ErrorCode == CodeConfirmationTimeout {
			return &ConfirmationTimeout{PaymentID: p.ID, TxHash: p.TxHash, Waited: p.ObservedAt.Sub(p.CreatedAt)}
		}
		if p.ErrorCode == CodeSubmissionFailed {
			return &SubmissionError{Reason: p.FailureReason}
		}
		kind := OutcomeReverted
		if p.FailureReason == reasonMissingEvent || p.LedgerPaymentID != "" {
			kind = OutcomeReturnedFalse
		}
		return &SettlementFailure{PaymentID: p.ID, TxHash: p.TxHash, Outcome: Outcome{Kind: kind, Reason: p.FailureReason, BlockNumber: p.BlockNumber}}
	case models.PaymentStatusCancelled:
		return ErrPaymentCanceled
	default:
		return nil
	}
}

// ResumePending re-attaches pollers to pending payments loaded from a
// durable registry after a restart. Each sender lane is held until every
// resumed payment of that sender has a receipt or ends, so no new
// submission races an unmined one.
func (s *SettlementService) ResumePending(ctx context.Context) (int, error) {
	pending, err := s.registry.List(ctx, repository.PaymentFilter{Status: models.PaymentStatusPending})
	if err != nil {
		return 0, err
	}

	bySender := make(map[common.Address][]*models.Payment)
	for _, p := range pending {
		if p.TxHash == "" {
			continue
		}
		sender := common.HexToAddress(p.Sender)
		bySender[sender] = append(bySender[sender], p)
	}

	resumed := 0
	for sender, payments := range bySender {
		if err := s.queue.Acquire(ctx, sender); err != nil {
			return resumed, fmt.Errorf("failed to take lane of %s: %w", sender.Hex(), err)
		}
		var remaining atomic.Int32
		remaining.Store(int32(len(payments)))

		for _, p := range payments {
			var once sync.Once
			done := func() {
				once.Do(func() {
					if remaining.Add(-1) == 0 {
						s.queue.Release(sender)
					}
				})
			}
			if s.poller.Track(p.ID, common.HexToHash(p.TxHash), done) {
				resumed++
			} else {
				done()
			}
		}
	}
	if resumed > 0 {
		logrus.Infof("🔄 [Settlement] Resumed tracking of %d pending payments", resumed)
	}
	return resumed, nil
}

// ParseRecipient validates a recipient address.
func ParseRecipient(value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !addressPattern.MatchString(value) {
		return common.Address{}, &ValidationError{Field: "recipient_address", Message: "must be 0x followed by 40 hex characters"}
	}
	addr := common.HexToAddress(value)
	if addr == (common.Address{}) {
		return common.Address{}, &ValidationError{Field: "recipient_address", Message: "must not be the zero address"}
	}
	return addr, nil
}

// ParseUSDAmount parses a decimal USD amount within [0.01, 1000000].
func ParseUSDAmount(value string) (*big.Rat, error) {
	value = strings.TrimSpace(value)
	amount, ok := new(big.Rat).SetString(value)
	if value == "" || !ok || strings.ContainsAny(value, "/eE") {
		return nil, &ValidationError{Field: "amount", Message: "must be a decimal number"}
	}
	if amount.Cmp(minAmountUSD) < 0 {
		return nil, &ValidationError{Field: "amount", Message: "must be at least 0.01"}
	}
	if amount.Cmp(maxAmountUSD) > 0 {
		return nil, &ValidationError{Field: "amount", Message: "must not exceed 1000000"}
	}
	return amount, nil
}

// ToTokenAmount converts USD to token base units at the quoted price,
// truncating toward zero.
func ToTokenAmount(amountUSD *big.Rat, quote Quote, decimals uint8) (*big.Int, error) {
	price, ok := quote.Rat()
	if !ok || price.Sign() <= 0 {
		return nil, &PriceUnavailableError{Symbol: quote.Symbol, Err: errors.New("invalid price")}
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	units := new(big.Rat).Quo(amountUSD, price)
	units.Mul(units, new(big.Rat).SetInt(scale))

	amount := new(big.Int).Quo(units.Num(), units.Denom())
	if amount.Sign() <= 0 {
		return nil, &ValidationError{Field: "amount", Message: "too small to settle in base units"}
	}
	return amount, nil
}

// FormatDecimal prints r without trailing zeros.
func FormatDecimal(r *big.Rat) string {
	s := r.FloatString(6)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}
