package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"stablepay-backend/internal/models"
	"stablepay-backend/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject   string
	eventType string
	payload   interface{}
}

type fakePublisher struct {
	messages []published
	err      error
}

func (f *fakePublisher) Publish(subject, eventType string, payload interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, published{subject, eventType, payload})
	return nil
}

func TestPaymentEventPublisher_Subjects(t *testing.T) {
	pub := &fakePublisher{}
	p := NewPaymentEventPublisher(pub, "stablepay", "scroll_sepolia")
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	payment := &models.Payment{ID: "p-1", Status: models.PaymentStatusPending}
	p.OnPaymentCreated(payment)
	p.OnPaymentUpdated(&models.Payment{ID: "p-1", Status: models.PaymentStatusConfirmed}, models.PaymentStatusPending)

	require.Len(t, pub.messages, 2)
	assert.Equal(t, "stablepay.scroll_sepolia.payment.created", pub.messages[0].subject)
	assert.Equal(t, EventPaymentCreated, pub.messages[0].eventType)
	assert.Equal(t, "stablepay.scroll_sepolia.payment.status", pub.messages[1].subject)

	envelope, ok := pub.messages[1].payload.(Envelope)
	require.True(t, ok)
	assert.Equal(t, EventPaymentStatus, envelope.Type)
	assert.NotEmpty(t, envelope.MessageID)
	assert.Equal(t, "2026-01-02T03:04:05Z", envelope.Timestamp)

	data, ok := envelope.Data.(PaymentStatusEvent)
	require.True(t, ok)
	assert.Equal(t, models.PaymentStatusPending, data.PreviousStatus)
	assert.Equal(t, models.PaymentStatusConfirmed, data.Payment.Status)
}

func TestPaymentEventPublisher_PublishErrorIsSwallowed(t *testing.T) {
	p := NewPaymentEventPublisher(&fakePublisher{err: errors.New("nats: connection closed")}, "stablepay", "local")
	assert.NotPanics(t, func() {
		p.OnPaymentCreated(&models.Payment{ID: "p-2"})
	})
}

type fakeReconciler struct {
	result *services.ReconcileResult
	err    error
	got    string
}

func (f *fakeReconciler) Reconcile(ctx context.Context, paymentID string) (*services.ReconcileResult, error) {
	f.got = paymentID
	return f.result, f.err
}

func decodeReply(t *testing.T, data []byte) ReconcileReply {
	t.Helper()
	var reply ReconcileReply
	require.NoError(t, json.Unmarshal(data, &reply))
	return reply
}

func TestReconcileResponder_Handle(t *testing.T) {
	rec := &fakeReconciler{result: &services.ReconcileResult{
		Payment: &models.Payment{ID: "p-3", Status: models.PaymentStatusConfirmed},
		Applied: true,
		Detail:  "confirmed",
	}}
	r := NewReconcileResponder(rec, time.Second)

	reply := decodeReply(t, r.Handle([]byte(`{"payment_id":"p-3"}`)))
	assert.True(t, reply.Success)
	assert.Equal(t, "p-3", rec.got)
	require.NotNil(t, reply.Result)
	assert.True(t, reply.Result.Applied)
}

func TestReconcileResponder_Errors(t *testing.T) {
	r := NewReconcileResponder(&fakeReconciler{err: services.ErrPaymentNotFound}, time.Second)

	reply := decodeReply(t, r.Handle([]byte(`not json`)))
	assert.False(t, reply.Success)
	assert.Equal(t, services.CodeValidation, reply.Code)

	reply = decodeReply(t, r.Handle([]byte(`{"payment_id":"missing"}`)))
	assert.False(t, reply.Success)
	assert.Equal(t, services.CodePaymentNotFound, reply.Code)
}

func TestReconcileSubject(t *testing.T) {
	assert.Equal(t, "stablepay.payments.reconcile", ReconcileSubject("stablepay"))
}
