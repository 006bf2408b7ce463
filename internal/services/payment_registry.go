package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stablepay-backend/internal/metrics"
	"stablepay-backend/internal/models"
	"stablepay-backend/internal/repository"

	"github.com/sirupsen/logrus"
)

// StatusListener receives every accepted registry change. Listeners are
// called in order while the registry lock is held and must not block.
type StatusListener interface {
	OnPaymentCreated(payment *models.Payment)
	OnPaymentUpdated(payment *models.Payment, previous models.PaymentStatus)
}

// StatusUpdate is an observation about a payment's on-ledger state.
type StatusUpdate struct {
	Status              models.PaymentStatus
	Confirmations       uint64
	BlockNumber         uint64
	Reason              string
	ErrorCode           string
	LedgerPaymentID     string
	NeedsReconciliation bool
	ObservedAt          time.Time
}

// PaymentRegistry is the application-side record of every payment. Status
// changes are monotonic: terminal states are final except through Reconcile.
type PaymentRegistry struct {
	repo      repository.PaymentRepository
	mu        sync.Mutex
	listeners []StatusListener
	waiters   map[string][]chan *models.Payment
	now       func() time.Time
}

func NewPaymentRegistry(repo repository.PaymentRepository) *PaymentRegistry {
	return &PaymentRegistry{
		repo:    repo,
		waiters: make(map[string][]chan *models.Payment),
		now:     time.Now,
	}
}

func (r *PaymentRegistry) AddListener(l StatusListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Record stores a new payment. An existing id fails with ErrPaymentExists.
func (r *PaymentRegistry) Record(ctx context.Context, payment *models.Payment) error {
	if payment == nil || payment.ID == "" {
		return &ValidationError{Field: "payment_id", Message: "is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.repo.GetByID(ctx, payment.ID); err == nil {
		return ErrPaymentExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to check payment %s: %w", payment.ID, err)
	}

	now := r.now()
	stored := payment.Clone()
	if stored.Status == "" {
		stored.Status = models.PaymentStatusPending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.ObservedAt.IsZero() {
		stored.ObservedAt = now
	}

	if err := r.repo.Create(ctx, stored); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return ErrPaymentExists
		}
		return fmt.Errorf("failed to record payment %s: %w", payment.ID, err)
	}

	metrics.PaymentStatusTotal.WithLabelValues(string(stored.Status)).Inc()
	for _, l := range r.listeners {
		l.OnPaymentCreated(stored.Clone())
	}
	return nil
}

// UpdateStatus applies a monotonic observation. Updates that would move a
// terminal payment or carry an older observation time return ErrStaleUpdate
// and change nothing. A pending payment may always become terminal; outside
// that move a lower confirmation count is stale too. The stored count never
// decreases.
func (r *PaymentRegistry) UpdateStatus(ctx context.Context, paymentID string, u StatusUpdate) (*models.Payment, error) {
	if _, ok := models.PaymentStatusPriority[u.Status]; !ok {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", u.Status)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	finishing := u.Status.IsTerminal() && !current.Status.IsTerminal()
	switch {
	case current.Status.IsTerminal() && u.Status != current.Status:
		return current, ErrStaleUpdate
	case u.Confirmations < current.Confirmations && !finishing:
		return current, ErrStaleUpdate
	case !u.ObservedAt.IsZero() && u.ObservedAt.Before(current.ObservedAt):
		return current, ErrStaleUpdate
	}

	next := current.Clone()
	next.Status = u.Status
	next.Confirmations = max(u.Confirmations, current.Confirmations)
	if u.BlockNumber != 0 {
		next.BlockNumber = u.BlockNumber
	}
	if u.Reason != "" {
		next.FailureReason = u.Reason
	}
	if u.ErrorCode != "" {
		next.ErrorCode = u.ErrorCode
	}
	if u.LedgerPaymentID != "" {
		next.LedgerPaymentID = u.LedgerPaymentID
	}
	next.NeedsReconciliation = current.NeedsReconciliation || u.NeedsReconciliation

	return r.commit(ctx, current, next, u.ObservedAt)
}

// Reconcile is the out-of-band correction path. It may replace one terminal
// status with another and always clears needs_reconciliation, but it never
// moves a payment back to pending.
func (r *PaymentRegistry) Reconcile(ctx context.Context, paymentID string, u StatusUpdate) (*models.Payment, error) {
	if !u.Status.IsTerminal() {
		return nil, &ValidationError{Field: "status", Message: "reconciliation must resolve to a terminal status"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	next.Status = u.Status
	next.Confirmations = u.Confirmations
	if u.BlockNumber != 0 {
		next.BlockNumber = u.BlockNumber
	}
	next.FailureReason = u.Reason
	next.ErrorCode = u.ErrorCode
	if u.LedgerPaymentID != "" {
		next.LedgerPaymentID = u.LedgerPaymentID
	}
	next.NeedsReconciliation = false

	logrus.WithFields(logrus.Fields{
		"payment_id": paymentID,
		"from":       current.Status,
		"to":         next.Status,
	}).Infof("🔧 [Registry] Reconciling payment")
	return r.commit(ctx, current, next, u.ObservedAt)
}

// Cancel moves a pending payment to cancelled. Terminal payments return
// ErrPaymentTerminal.
func (r *PaymentRegistry) Cancel(ctx context.Context, paymentID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return current, ErrPaymentTerminal
	}

	next := current.Clone()
	next.Status = models.PaymentStatusCancelled
	next.FailureReason = models.FailureReasonCancelled
	return r.commit(ctx, current, next, time.Time{})
}

// commit persists next when it differs from current and notifies listeners.
// r.mu must be held.
func (r *PaymentRegistry) commit(ctx context.Context, current, next *models.Payment, observedAt time.Time) (*models.Payment, error) {
	if sameState(current, next) {
		return current, nil
	}

	now := r.now()
	if observedAt.IsZero() {
		observedAt = now
	}
	if observedAt.After(next.ObservedAt) {
		next.ObservedAt = observedAt
	}
	next.UpdatedAt = now
	if next.Status == models.PaymentStatusConfirmed && next.ConfirmedAt == nil {
		confirmedAt := now
		next.ConfirmedAt = &confirmedAt
	}

	if err := r.repo.Update(ctx, next); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to update payment %s: %w", next.ID, err)
	}

	if next.Status != current.Status {
		metrics.PaymentStatusTotal.WithLabelValues(string(next.Status)).Inc()
	}
	for _, l := range r.listeners {
		l.OnPaymentUpdated(next.Clone(), current.Status)
	}
	if next.Status.IsTerminal() {
		for _, ch := range r.waiters[next.ID] {
			ch <- next.Clone()
		}
		delete(r.waiters, next.ID)
	}
	return next.Clone(), nil
}

func sameState(a, b *models.Payment) bool {
	return a.Status == b.Status &&
		a.Confirmations == b.Confirmations &&
		a.BlockNumber == b.BlockNumber &&
		a.FailureReason == b.FailureReason &&
		a.ErrorCode == b.ErrorCode &&
		a.LedgerPaymentID == b.LedgerPaymentID &&
		a.NeedsReconciliation == b.NeedsReconciliation
}

func (r *PaymentRegistry) get(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := r.repo.GetByID(ctx, paymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment %s: %w", paymentID, err)
	}
	return payment, nil
}

func (r *PaymentRegistry) Get(ctx context.Context, paymentID string) (*models.Payment, error) {
	return r.get(ctx, paymentID)
}

func (r *PaymentRegistry) GetByTxHash(ctx context.Context, txHash string) (*models.Payment, error) {
	payment, err := r.repo.GetByTxHash(ctx, txHash)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment by tx %s: %w", txHash, err)
	}
	return payment, nil
}

func (r *PaymentRegistry) List(ctx context.Context, filter repository.PaymentFilter) ([]*models.Payment, error) {
	return r.repo.List(ctx, filter)
}

func (r *PaymentRegistry) Stats(ctx context.Context) (*models.PaymentStats, error) {
	return r.repo.Stats(ctx)
}

// Wait blocks until the payment reaches a terminal status or ctx ends.
func (r *PaymentRegistry) Wait(ctx context.Context, paymentID string) (*models.Payment, error) {
	r.mu.Lock()
	current, err := r.get(ctx, paymentID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if current.Status.IsTerminal() {
		r.mu.Unlock()
		return current, nil
	}
	ch := make(chan *models.Payment, 1)
	r.waiters[paymentID] = append(r.waiters[paymentID], ch)
	r.mu.Unlock()

	select {
	case payment := <-ch:
		return payment, nil
	case <-ctx.Done():
		r.mu.Lock()
		r.removeWaiter(paymentID, ch)
		r.mu.Unlock()
		// the payment may have settled while we were giving up
		select {
		case payment := <-ch:
			return payment, nil
		default:
		}
		return current, ctx.Err()
	}
}

func (r *PaymentRegistry) removeWaiter(paymentID string, ch chan *models.Payment) {
	waiters := r.waiters[paymentID]
	for i, w := range waiters {
		if w == ch {
			r.waiters[paymentID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiters[paymentID]) == 0 {
		delete(r.waiters, paymentID)
	}
}
