package services

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"stablepay-backend/internal/metrics"
	"stablepay-backend/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	pushTypeConnected     = "connection_established"
	pushTypePaymentUpdate = "payment_update"

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

// Connection one subscribed WebSocket client
type Connection struct {
	ID        string          `json:"id"`
	PaymentID string          `json:"payment_id,omitempty"` // empty: every payment
	Conn      *websocket.Conn `json:"-"`
	Send      chan []byte     `json:"-"`
	LastPing  time.Time       `json:"last_ping"`
}

// PushMessage base structure of every pushed frame
type PushMessage struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id"`
	PaymentID string      `json:"payment_id,omitempty"`
	Data      interface{} `json:"data"`
}

// PaymentUpdateData payload of payment_update
type PaymentUpdateData struct {
	Action         string               `json:"action"` // created | updated
	Payment        *models.Payment      `json:"payment"`
	PreviousStatus models.PaymentStatus `json:"previous_status,omitempty"`
}

// WebSocketPushService fans registry changes out to WebSocket clients.
type WebSocketPushService struct {
	upgrader    websocket.Upgrader
	connections map[string]*Connection
	hub         chan PushMessage
	register    chan *Connection
	unregister  chan *Connection
	done        chan struct{}
	stopOnce    sync.Once
	mutex       sync.RWMutex
}

// NewWebSocketPushService starts the hub. checkOrigin may be nil to accept
// every origin.
func NewWebSocketPushService(checkOrigin func(r *http.Request) bool) *WebSocketPushService {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	s := &WebSocketPushService{
		upgrader:    websocket.Upgrader{CheckOrigin: checkOrigin},
		connections: make(map[string]*Connection),
		hub:         make(chan PushMessage, 256),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *WebSocketPushService) run() {
	for {
		select {
		case conn := <-s.register:
			s.handleRegister(conn)
		case conn := <-s.unregister:
			s.handleUnregister(conn)
		case message := <-s.hub:
			s.handleBroadcast(message)
		case <-s.done:
			s.closeAll()
			return
		}
	}
}

// Stop closes every connection and the hub.
func (s *WebSocketPushService) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *WebSocketPushService) handleRegister(conn *Connection) {
	s.mutex.Lock()
	s.connections[conn.ID] = conn
	s.mutex.Unlock()
	metrics.WebSocketConnections.Inc()

	logrus.WithFields(logrus.Fields{"component": "websocket", "connection_id": conn.ID, "payment_id": conn.PaymentID}).
		Infof("📱 [WebSocket] Connection registered")

	s.sendToConnection(conn, PushMessage{
		Type:      pushTypeConnected,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.New().String(),
		PaymentID: conn.PaymentID,
		Data: map[string]interface{}{
			"connection_id": conn.ID,
			"payment_id":    conn.PaymentID,
			"message":       "Real-time payment status connection established",
		},
	})
}

func (s *WebSocketPushService) handleUnregister(conn *Connection) {
	s.mutex.Lock()
	_, exists := s.connections[conn.ID]
	delete(s.connections, conn.ID)
	s.mutex.Unlock()
	if !exists {
		return
	}
	metrics.WebSocketConnections.Dec()

	close(conn.Send)
	logrus.WithField("connection_id", conn.ID).Infof("📱 [WebSocket] Connection unregistered")
}

func (s *WebSocketPushService) closeAll() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for id, conn := range s.connections {
		close(conn.Send)
		delete(s.connections, id)
		metrics.WebSocketConnections.Dec()
	}
}

func (s *WebSocketPushService) handleBroadcast(message PushMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		logrus.Errorf("❌ [WebSocket] Failed to marshal message: %v", err)
		return
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	sent := 0
	for _, conn := range s.connections {
		if conn.PaymentID != "" && conn.PaymentID != message.PaymentID {
			continue
		}
		select {
		case conn.Send <- data:
			sent++
		default:
			logrus.Warnf("⚠️ [WebSocket] Send buffer full for connection %s, dropping message", conn.ID)
		}
	}
	logrus.Debugf("📤 [WebSocket] %s for payment %s delivered to %d connections", message.Type, message.PaymentID, sent)
}

func (s *WebSocketPushService) sendToConnection(conn *Connection, message PushMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		logrus.Errorf("❌ [WebSocket] Failed to marshal message: %v", err)
		return
	}
	select {
	case conn.Send <- data:
	default:
		logrus.Warnf("⚠️ [WebSocket] Failed to send to connection: %s", conn.ID)
	}
}

// Broadcast queues a message for every matching connection without blocking.
func (s *WebSocketPushService) Broadcast(message PushMessage) {
	select {
	case s.hub <- message:
	case <-s.done:
	default:
		logrus.Warnf("⚠️ [WebSocket] Hub full, dropping %s for payment %s", message.Type, message.PaymentID)
	}
}

func (s *WebSocketPushService) OnPaymentCreated(payment *models.Payment) {
	s.pushPayment("created", payment, "")
}

func (s *WebSocketPushService) OnPaymentUpdated(payment *models.Payment, previous models.PaymentStatus) {
	s.pushPayment("updated", payment, previous)
}

func (s *WebSocketPushService) pushPayment(action string, payment *models.Payment, previous models.PaymentStatus) {
	s.Broadcast(PushMessage{
		Type:      pushTypePaymentUpdate,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.New().String(),
		PaymentID: payment.ID,
		Data: PaymentUpdateData{
			Action:         action,
			Payment:        payment,
			PreviousStatus: previous,
		},
	})
}

// HandleWebSocket upgrades the request and serves it until the client goes away.
func (s *WebSocketPushService) HandleWebSocket(w http.ResponseWriter, r *http.Request, paymentID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("❌ [WebSocket] Upgrade failed: %v", err)
		return
	}

	connection := &Connection{
		ID:        uuid.New().String(),
		PaymentID: paymentID,
		Conn:      conn,
		Send:      make(chan []byte, wsSendBuffer),
		LastPing:  time.Now(),
	}

	select {
	case s.register <- connection:
	case <-s.done:
		conn.Close()
		return
	}

	go s.handleConnectionWrite(connection)
	go s.handleConnectionRead(connection)
}

func (s *WebSocketPushService) handleConnectionWrite(conn *Connection) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logrus.Debugf("[WebSocket] Write failed on %s: %v", conn.ID, err)
				s.unregisterAsync(conn)
				return
			}
		case <-ticker.C:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.unregisterAsync(conn)
				return
			}
		}
	}
}

func (s *WebSocketPushService) handleConnectionRead(conn *Connection) {
	defer func() {
		s.unregisterAsync(conn)
		conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(512)
	_ = conn.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.Conn.SetPongHandler(func(string) error {
		_ = conn.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Warnf("❌ [WebSocket] Read error: %v", err)
			}
			return
		}
	}
}

func (s *WebSocketPushService) unregisterAsync(conn *Connection) {
	select {
	case s.unregister <- conn:
	case <-s.done:
	}
}

// GetActiveConnections returns the number of open connections.
func (s *WebSocketPushService) GetActiveConnections() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.connections)
}
