package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"stablepay-backend/internal/clients"
	"stablepay-backend/internal/metrics"
	"stablepay-backend/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

const defaultRPCCallTimeout = 10 * time.Second

// PollerConfig tunes confirmation tracking.
type PollerConfig struct {
	Contract              common.Address
	RequiredConfirmations uint64
	PollInterval          time.Duration
	Timeout               time.Duration
	CallTimeout           time.Duration
}

// ConfirmationPoller runs one cancellable goroutine per tracked payment and
// feeds what it sees on the ledger into the registry.
type ConfirmationPoller struct {
	client   clients.LedgerClient
	registry *PaymentRegistry
	cfg      PollerConfig
	now      func() time.Time

	mu      sync.Mutex
	tracked map[string]context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

func NewConfirmationPoller(client clients.LedgerClient, registry *PaymentRegistry, cfg PollerConfig) *ConfirmationPoller {
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 600 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultRPCCallTimeout
	}
	return &ConfirmationPoller{
		client:   client,
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
		tracked:  make(map[string]context.CancelFunc),
	}
}

// Track starts polling txHash for paymentID. onFirstReceipt (may be nil)
// runs exactly once: when the first receipt is seen, or when tracking ends
// for any other reason.
func (p *ConfirmationPoller) Track(paymentID string, txHash common.Hash, onFirstReceipt func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		if onFirstReceipt != nil {
			onFirstReceipt()
		}
		return false
	}
	if _, exists := p.tracked[paymentID]; exists {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.tracked[paymentID] = cancel
	metrics.ActiveConfirmationPollers.Inc()

	var once sync.Once
	release := func() {
		if onFirstReceipt != nil {
			once.Do(onFirstReceipt)
		}
	}

	p.wg.Add(1)
	go p.run(ctx, paymentID, txHash, release)
	return true
}

// Cancel stops tracking paymentID without touching the registry.
func (p *ConfirmationPoller) Cancel(paymentID string) bool {
	p.mu.Lock()
	cancel, ok := p.tracked[paymentID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of payments currently tracked.
func (p *ConfirmationPoller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracked)
}

// Stop cancels every poller and waits for them to exit.
func (p *ConfirmationPoller) Stop() {
	p.mu.Lock()
	p.stopped = true
	for _, cancel := range p.tracked {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
	logrus.Infof("🛑 [Poller] Confirmation poller stopped")
}

func (p *ConfirmationPoller) run(ctx context.Context, paymentID string, txHash common.Hash, release func()) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		if cancel, ok := p.tracked[paymentID]; ok {
			cancel()
			delete(p.tracked, paymentID)
		}
		p.mu.Unlock()
		metrics.ActiveConfirmationPollers.Dec()
		release()
	}()

	log := logrus.WithFields(logrus.Fields{"component": "poller", "payment_id": paymentID, "tx_hash": txHash.Hex()})
	log.Debugf("🔍 [Poller] Tracking confirmations")

	deadline := p.now().Add(p.cfg.Timeout)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if p.check(ctx, paymentID, txHash, release, log) {
			return
		}
		if !p.now().Before(deadline) {
			p.timeout(paymentID, txHash, log)
			return
		}
		select {
		case <-ctx.Done():
			log.Debugf("[Poller] Tracking cancelled")
			return
		case <-ticker.C:
		}
	}
}

// check polls once and reports whether tracking is finished.
func (p *ConfirmationPoller) check(ctx context.Context, paymentID string, txHash common.Hash, release func(), log *logrus.Entry) bool {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	receipt, err := p.client.TransactionReceipt(callCtx, txHash)
	if clients.IsNotFound(err) {
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			log.Warnf("⚠️ [Poller] Receipt lookup failed: %v", err)
		}
		return false
	}
	release()

	outcome := ClassifyReceipt(callCtx, p.client, p.cfg.Contract, receipt)
	observed := p.now()

	if outcome.Failed() {
		metrics.SettlementOutcomes.WithLabelValues(string(outcome.Kind)).Inc()
		log.WithField("outcome", outcome.Kind).Warnf("❌ [Poller] Settlement failed: %s", outcome.Reason)
		updated, err := p.registry.UpdateStatus(ctx, paymentID, StatusUpdate{
			Status:          models.PaymentStatusFailed,
			BlockNumber:     outcome.BlockNumber,
			Reason:          outcome.Reason,
			ErrorCode:       CodeSettlementFailed,
			LedgerPaymentID: hashString(outcome.LedgerPaymentID),
			ObservedAt:      observed,
		})
		return p.finished(log, updated, err)
	}

	head, err := p.client.BlockNumber(callCtx)
	if err != nil {
		log.Warnf("⚠️ [Poller] Block number lookup failed: %v", err)
		return false
	}
	confirmations := confirmationsAt(head, outcome.BlockNumber)

	status := models.PaymentStatusPending
	if confirmations >= p.cfg.RequiredConfirmations {
		status = models.PaymentStatusConfirmed
	}
	_, err = p.registry.UpdateStatus(ctx, paymentID, StatusUpdate{
		Status:          status,
		Confirmations:   confirmations,
		BlockNumber:     outcome.BlockNumber,
		LedgerPaymentID: hashString(outcome.LedgerPaymentID),
		ObservedAt:      observed,
	})
	p.logUpdate(log, err)

	if status == models.PaymentStatusConfirmed {
		metrics.SettlementOutcomes.WithLabelValues(string(OutcomeConfirmed)).Inc()
		log.WithField("confirmations", confirmations).Infof("✅ [Poller] Payment confirmed in block %d", outcome.BlockNumber)
		return true
	}
	// a payment cancelled or reconciled elsewhere is no longer ours to poll
	return errors.Is(err, ErrStaleUpdate) || errors.Is(err, ErrPaymentNotFound)
}

func (p *ConfirmationPoller) timeout(paymentID string, txHash common.Hash, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CallTimeout)
	defer cancel()

	metrics.SettlementOutcomes.WithLabelValues("timeout").Inc()
	updated, err := p.registry.UpdateStatus(ctx, paymentID, StatusUpdate{
		Status:              models.PaymentStatusFailed,
		Reason:              models.FailureReasonConfirmationTimeout,
		ErrorCode:           CodeConfirmationTimeout,
		NeedsReconciliation: true,
		ObservedAt:          p.now(),
	})
	if err == nil {
		log.Warnf("⏰ [Poller] No confirmation after %s, flagged for reconciliation", p.cfg.Timeout)
		return
	}
	p.finished(log, updated, err)
}

// finished reports whether a terminal write leaves nothing left to poll.
// A stale rejection only counts when the payment is already terminal.
func (p *ConfirmationPoller) finished(log *logrus.Entry, updated *models.Payment, err error) bool {
	switch {
	case err == nil, errors.Is(err, ErrPaymentNotFound):
		return true
	case errors.Is(err, ErrStaleUpdate) && updated != nil && updated.Status.IsTerminal():
		log.Infof("[Poller] Payment already %s, update ignored", updated.Status)
		return true
	default:
		log.Errorf("❌ [Poller] Terminal registry update failed: %v", err)
		return false
	}
}

func (p *ConfirmationPoller) logUpdate(log *logrus.Entry, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleUpdate):
		log.Debugf("[Poller] Registry ignored stale update")
	default:
		log.Errorf("❌ [Poller] Registry update failed: %v", err)
	}
}

func confirmationsAt(head, block uint64) uint64 {
	if head < block {
		return 0
	}
	return head - block
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
