package services

import (
	"context"
	"sync"
	"time"

	"stablepay-backend/internal/clients"
	"stablepay-backend/internal/models"
	"stablepay-backend/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// ReconcileResult what one reconciliation attempt found
type ReconcileResult struct {
	Payment *models.Payment `json:"payment"`
	Applied bool            `json:"applied"`
	Detail  string          `json:"detail"`
}

// ReconciliationService re-reads the ledger for payments whose registry
// status may be wrong, typically after a confirmation timeout.
type ReconciliationService struct {
	client      clients.LedgerClient
	registry    *PaymentRegistry
	contract    common.Address
	required    uint64
	interval    time.Duration
	callTimeout time.Duration

	mu        sync.Mutex
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

func NewReconciliationService(client clients.LedgerClient, registry *PaymentRegistry, contract common.Address, requiredConfirmations uint64, interval time.Duration) *ReconciliationService {
	return &ReconciliationService{
		client:      client,
		registry:    registry,
		contract:    contract,
		required:    requiredConfirmations,
		interval:    interval,
		callTimeout: defaultRPCCallTimeout,
	}
}

// Reconcile resolves one payment against the ledger. The registry is only
// corrected when the ledger gives a definitive answer.
func (s *ReconciliationService) Reconcile(ctx context.Context, paymentID string) (*ReconcileResult, error) {
	payment, err := s.registry.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.TxHash == "" {
		return &ReconcileResult{Payment: payment, Detail: "payment has no transaction"}, nil
	}

	log := logrus.WithFields(logrus.Fields{"component": "reconciler", "payment_id": paymentID, "tx_hash": payment.TxHash})

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	receipt, err := s.client.TransactionReceipt(callCtx, common.HexToHash(payment.TxHash))
	if clients.IsNotFound(err) {
		log.Infof("🔍 [Reconciler] No receipt yet, leaving payment unchanged")
		return &ReconcileResult{Payment: payment, Detail: "transaction has no receipt"}, nil
	}
	if err != nil {
		return nil, err
	}

	outcome := ClassifyReceipt(callCtx, s.client, s.contract, receipt)
	var update StatusUpdate
	if outcome.Failed() {
		update = StatusUpdate{
			Status:          models.PaymentStatusFailed,
			BlockNumber:     outcome.BlockNumber,
			Reason:          outcome.Reason,
			ErrorCode:       CodeSettlementFailed,
			LedgerPaymentID: hashString(outcome.LedgerPaymentID),
		}
	} else {
		head, err := s.client.BlockNumber(callCtx)
		if err != nil {
			return nil, err
		}
		confirmations := confirmationsAt(head, outcome.BlockNumber)
		if confirmations < s.required {
			return &ReconcileResult{Payment: payment, Detail: "awaiting confirmations"}, nil
		}
		update = StatusUpdate{
			Status:          models.PaymentStatusConfirmed,
			Confirmations:   confirmations,
			BlockNumber:     outcome.BlockNumber,
			LedgerPaymentID: hashString(outcome.LedgerPaymentID),
		}
	}

	reconciled, err := s.registry.Reconcile(ctx, paymentID, update)
	if err != nil {
		return nil, err
	}
	log.WithField("outcome", outcome.Kind).Infof("✅ [Reconciler] Payment reconciled to %s", reconciled.Status)
	return &ReconcileResult{Payment: reconciled, Applied: true, Detail: string(outcome.Kind)}, nil
}

// Sweep reconciles every payment flagged needs_reconciliation.
func (s *ReconciliationService) Sweep(ctx context.Context) (int, error) {
	flagged := true
	payments, err := s.registry.List(ctx, repository.PaymentFilter{NeedsReconciliation: &flagged})
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, p := range payments {
		result, err := s.Reconcile(ctx, p.ID)
		if err != nil {
			logrus.WithField("payment_id", p.ID).Warnf("⚠️ [Reconciler] Reconcile failed: %v", err)
			continue
		}
		if result.Applied {
			applied++
		}
	}
	return applied, nil
}

// Start runs Sweep periodically when an interval is configured.
func (s *ReconciliationService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning || s.interval <= 0 {
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})

	s.wg.Add(1)
	go s.periodicSweep(s.stopChan)
	logrus.Infof("✅ [Reconciler] Automatic reconciliation every %s", s.interval)
}

func (s *ReconciliationService) periodicSweep(stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if applied, err := s.Sweep(ctx); err != nil {
				logrus.Warnf("⚠️ [Reconciler] Sweep failed: %v", err)
			} else if applied > 0 {
				logrus.Infof("🔧 [Reconciler] Sweep reconciled %d payments", applied)
			}
			cancel()
		}
	}
}

func (s *ReconciliationService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	s.mu.Unlock()
	s.wg.Wait()
}
