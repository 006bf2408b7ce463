package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stablepay-backend/internal/models"
	"stablepay-backend/internal/services"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Event types
const (
	EventPaymentCreated = "payment.created"
	EventPaymentStatus  = "payment.status"
)

// Publisher is satisfied by *clients.NATSClient.
type Publisher interface {
	Publish(subject, eventType string, payload interface{}) error
}

// Envelope wraps every published event
type Envelope struct {
	Type      string      `json:"type"`
	MessageID string      `json:"message_id"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PaymentStatusEvent data of payment.status
type PaymentStatusEvent struct {
	Payment        *models.Payment      `json:"payment"`
	PreviousStatus models.PaymentStatus `json:"previous_status"`
}

// PaymentEventPublisher publishes registry changes to
// <prefix>.<network>.payment.created and <prefix>.<network>.payment.status.
type PaymentEventPublisher struct {
	publisher Publisher
	prefix    string
	network   string
	now       func() time.Time
}

func NewPaymentEventPublisher(publisher Publisher, prefix, network string) *PaymentEventPublisher {
	return &PaymentEventPublisher{
		publisher: publisher,
		prefix:    prefix,
		network:   network,
		now:       time.Now,
	}
}

// Subject builds the subject for an event type on this network.
func (p *PaymentEventPublisher) Subject(eventType string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, p.network, eventType)
}

func (p *PaymentEventPublisher) OnPaymentCreated(payment *models.Payment) {
	p.publish(EventPaymentCreated, payment.ID, payment)
}

func (p *PaymentEventPublisher) OnPaymentUpdated(payment *models.Payment, previous models.PaymentStatus) {
	p.publish(EventPaymentStatus, payment.ID, PaymentStatusEvent{Payment: payment, PreviousStatus: previous})
}

// publish never fails the registry change that triggered it.
func (p *PaymentEventPublisher) publish(eventType, paymentID string, data interface{}) {
	envelope := Envelope{
		Type:      eventType,
		MessageID: uuid.New().String(),
		Timestamp: p.now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
	if err := p.publisher.Publish(p.Subject(eventType), eventType, envelope); err != nil {
		logrus.WithFields(logrus.Fields{"component": "events", "payment_id": paymentID}).
			Warnf("⚠️ [Events] Failed to publish %s: %v", eventType, err)
	}
}

// Subscriber is satisfied by *clients.NATSClient.
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Reconciler is satisfied by *services.ReconciliationService.
type Reconciler interface {
	Reconcile(ctx context.Context, paymentID string) (*services.ReconcileResult, error)
}

// ReconcileRequest body of a <prefix>.payments.reconcile request
type ReconcileRequest struct {
	PaymentID string `json:"payment_id"`
}

// ReconcileReply reply to a reconcile request
type ReconcileReply struct {
	Success bool                      `json:"success"`
	Result  *services.ReconcileResult `json:"result,omitempty"`
	Code    string                    `json:"code,omitempty"`
	Error   string                    `json:"error,omitempty"`
}

// ReconcileResponder answers reconcile requests from operators and other
// services.
type ReconcileResponder struct {
	reconciler Reconciler
	timeout    time.Duration
	sub        *nats.Subscription
}

func NewReconcileResponder(reconciler Reconciler, timeout time.Duration) *ReconcileResponder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReconcileResponder{reconciler: reconciler, timeout: timeout}
}

// ReconcileSubject is the request subject under prefix.
func ReconcileSubject(prefix string) string {
	return prefix + ".payments.reconcile"
}

// Start subscribes to the reconcile subject.
func (r *ReconcileResponder) Start(subscriber Subscriber, prefix string) error {
	sub, err := subscriber.Subscribe(ReconcileSubject(prefix), func(msg *nats.Msg) {
		reply := r.Handle(msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			logrus.Warnf("⚠️ [Events] Failed to answer reconcile request: %v", err)
		}
	})
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// Stop removes the subscription.
func (r *ReconcileResponder) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
		r.sub = nil
	}
}

// Handle decodes one request, reconciles and encodes the reply.
func (r *ReconcileResponder) Handle(data []byte) []byte {
	var req ReconcileRequest
	var reply ReconcileReply
	if err := json.Unmarshal(data, &req); err != nil || req.PaymentID == "" {
		reply = ReconcileReply{Code: services.CodeValidation, Error: "payment_id is required"}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		result, err := r.reconciler.Reconcile(ctx, req.PaymentID)
		cancel()
		if err != nil {
			_, code := services.ErrorStatus(err)
			reply = ReconcileReply{Code: code, Error: err.Error()}
		} else {
			reply = ReconcileReply{Success: true, Result: result}
		}
		logrus.WithFields(logrus.Fields{"component": "events", "payment_id": req.PaymentID, "success": reply.Success}).
			Infof("🔧 [Events] Reconcile request handled")
	}

	out, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"success":false,"code":"INTERNAL_ERROR"}`)
	}
	return out
}
