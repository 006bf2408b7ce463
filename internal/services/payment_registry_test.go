package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"stablepay-backend/internal/models"
	"stablepay-backend/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu      sync.Mutex
	created []string
	updates []models.PaymentStatus
}

func (l *recordingListener) OnPaymentCreated(p *models.Payment) {
	l.mu.Lock()
	l.created = append(l.created, p.ID)
	l.mu.Unlock()
}

func (l *recordingListener) OnPaymentUpdated(p *models.Payment, previous models.PaymentStatus) {
	l.mu.Lock()
	l.updates = append(l.updates, p.Status)
	l.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*PaymentRegistry, *recordingListener) {
	t.Helper()
	registry := NewPaymentRegistry(repository.NewMemoryPaymentRepository())
	listener := &recordingListener{}
	registry.AddListener(listener)
	return registry, listener
}

func recordPending(t *testing.T, r *PaymentRegistry, id, txHash string) {
	t.Helper()
	require.NoError(t, r.Record(context.Background(), &models.Payment{
		ID:         id,
		TxHash:     txHash,
		Stablecoin: "USDC",
		AmountUSD:  "10.00",
	}))
}

func TestRegistry_RecordRejectsDuplicates(t *testing.T) {
	r, listener := newTestRegistry(t)
	recordPending(t, r, "p-1", "0x01")

	err := r.Record(context.Background(), &models.Payment{ID: "p-1", TxHash: "0x02"})
	assert.ErrorIs(t, err, ErrPaymentExists)

	err = r.Record(context.Background(), &models.Payment{ID: "p-2", TxHash: "0x01"})
	assert.ErrorIs(t, err, ErrPaymentExists)

	got, err := r.Get(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, got.Status)
	assert.Equal(t, []string{"p-1"}, listener.created)
}

func TestRegistry_StatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	r, listener := newTestRegistry(t)
	recordPending(t, r, "p-1", "0x01")

	p, err := r.UpdateStatus(ctx, "p-1", StatusUpdate{Status: models.PaymentStatusPending, Confirmations: 1, BlockNumber: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.Confirmations)

	_, err = r.UpdateStatus(ctx, "p-1", StatusUpdate{Status: models.PaymentStatusPending, Confirmations: 0})
	assert.ErrorIs(t, err, ErrStaleUpdate)

	p, err = r.UpdateStatus(ctx, "p-1", StatusUpdate{Status: models.PaymentStatusConfirmed, Confirmations: 3})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, p.Status)
	assert.NotNil(t, p.ConfirmedAt)
	assert.EqualValues(t, 10, p.BlockNumber)

	current, err := r.UpdateStatus(ctx, "p-1", StatusUpdate{Status: models.PaymentStatusFailed, Confirmations: 5, Reason: "late"})
	assert.ErrorIs(t, err, ErrStaleUpdate)
	assert.Equal(t, models.PaymentStatusConfirmed, current.Status)

	_, err = r.UpdateStatus(ctx, "p-1", StatusUpdate{Status: models.PaymentStatusPending, Confirmations: 5})
	assert.ErrorIs(t, err, ErrStaleUpdate)

	// more confirmations on a confirmed payment are still accepted
	p, err = r.UpdateStatus(ctx, "p-1", StatusUpdate{Status: models.PaymentStatusConfirmed, Confirmations: 6})
	require.NoError(t, err)
	assert.EqualValues(t, 6, p.Confirmations)

	assert.Equal(t, []models.PaymentStatus{
		models.PaymentStatusPending,
		models.PaymentStatusConfirmed,
		models.PaymentStatusConfirmed,
	}, listener.updates)
}

func TestRegistry_PendingCanFailAfterPartialConfirmations(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	recordPending(t, r, "p-1", "0x01")

	_, err := r.UpdateStatus(ctx, "p-1", StatusUpdate{Status: models.PaymentStatusPending, Confirmations: 1, BlockNumber: 10})
	require.NoError(t, err)

	p, err := r.UpdateStatus(ctx, "p-1", StatusUpdate{
		Status:              models.PaymentStatusFailed,
		Reason:              models.FailureReasonConfirmationTimeout,
		ErrorCode:           CodeConfirmationTimeout,
		NeedsReconciliation: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.True(t, p.NeedsReconciliation)
	assert.EqualValues(t, 1, p.Confirmations)
	assert.EqualValues(t, 10, p.BlockNumber)
}

func TestRegistry_RejectsOlderObservations(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	recordPending(t, r, "p-1", "0x01")

	later := time.Now().Add(time.Minute)
	_, err := r.UpdateStatus(ctx, "p-1", StatusUpdate{Status: models.PaymentStatusPending, Confirmations: 1, ObservedAt: later})
	require.NoError(t, err)

	_, err = r.UpdateStatus(ctx, "p-1", StatusUpdate{Status: models.PaymentStatusPending, Confirmations: 2, ObservedAt: later.Add(-time.Second)})
	assert.ErrorIs(t, err, ErrStaleUpdate)
}

func TestRegistry_UnknownPayment(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.UpdateStatus(context.Background(), "missing", StatusUpdate{Status: models.PaymentStatusConfirmed})
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	_, err = r.GetByTxHash(context.Background(), "0xdead")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestRegistry_ReconcileOverridesTimeout(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	recordPending(t, r, "p-1", "0x01")

	p, err := r.UpdateStatus(ctx, "p-1", StatusUpdate{
		Status:              models.PaymentStatusFailed,
		Reason:              models.FailureReasonConfirmationTimeout,
		ErrorCode:           CodeConfirmationTimeout,
		NeedsReconciliation: true,
	})
	require.NoError(t, err)
	assert.True(t, p.NeedsReconciliation)

	_, err = r.Reconcile(ctx, "p-1", StatusUpdate{Status: models.PaymentStatusPending})
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)

	p, err = r.Reconcile(ctx, "p-1", StatusUpdate{Status: models.PaymentStatusConfirmed, Confirmations: 4, BlockNumber: 12})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, p.Status)
	assert.False(t, p.NeedsReconciliation)
	assert.Empty(t, p.FailureReason)
	assert.Empty(t, p.ErrorCode)
}

func TestRegistry_Cancel(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	recordPending(t, r, "p-1", "0x01")

	p, err := r.Cancel(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, p.Status)
	assert.Equal(t, models.FailureReasonCancelled, p.FailureReason)

	_, err = r.Cancel(ctx, "p-1")
	assert.ErrorIs(t, err, ErrPaymentTerminal)

	_, err = r.UpdateStatus(ctx, "p-1", StatusUpdate{Status: models.PaymentStatusConfirmed, Confirmations: 3})
	assert.ErrorIs(t, err, ErrStaleUpdate)
}

func TestRegistry_WaitReturnsOnTerminal(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	recordPending(t, r, "p-1", "0x01")

	done := make(chan *models.Payment, 1)
	go func() {
		p, err := r.Wait(ctx, "p-1")
		if err == nil {
			done <- p
		}
	}()

	// let the waiter register before settling
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.waiters["p-1"]) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := r.UpdateStatus(ctx, "p-1", StatusUpdate{Status: models.PaymentStatusConfirmed, Confirmations: 1})
	require.NoError(t, err)

	select {
	case p := <-done:
		assert.Equal(t, models.PaymentStatusConfirmed, p.Status)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestRegistry_WaitHonoursContext(t *testing.T) {
	r, _ := newTestRegistry(t)
	recordPending(t, r, "p-1", "0x01")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p, err := r.Wait(ctx, "p-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.PaymentStatusPending, p.Status)

	r.mu.Lock()
	assert.Empty(t, r.waiters)
	r.mu.Unlock()
}
