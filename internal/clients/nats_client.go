package clients

import (
	"encoding/json"
	"fmt"
	"time"

	"stablepay-backend/internal/config"
	"stablepay-backend/internal/metrics"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSClient NATS client
type NATSClient struct {
	conn       *nats.Conn
	js         nats.JetStreamContext // nil unless JetStream is enabled
	prefix     string
	streamName string
}

// NewNATSClient connects to the NATS server. With JetStream enabled a stream
// covering every subject under the prefix is created when missing.
func NewNATSClient(cfg config.NATSConfig) (*NATSClient, error) {
	connectTimeout := time.Duration(cfg.Timeout) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	reconnectWait := time.Duration(cfg.ReconnectWait) * time.Second
	if reconnectWait <= 0 {
		reconnectWait = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("stablepay-backend"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logrus.Warnf("⚠️ [NATS] Disconnected: %v", err)
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logrus.Infof("🔌 [NATS] Reconnected to %s", nc.ConnectedUrl())
			metrics.NATSConnectionStatus.Set(1)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			metrics.NATSConnectionStatus.Set(0)
		}),
	)
	if err != nil {
		metrics.NATSConnectionStatus.Set(0)
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)

	client := &NATSClient{
		conn:       conn,
		prefix:     cfg.SubjectPrefix,
		streamName: streamNameFor(cfg.SubjectPrefix),
	}

	if cfg.EnableJetStream {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		client.js = js
		if err := client.ensureStream(); err != nil {
			conn.Close()
			return nil, err
		}
	}

	logrus.Infof("✅ [NATS] Connected to %s (jetstream=%v)", conn.ConnectedUrl(), client.js != nil)
	return client, nil
}

func streamNameFor(prefix string) string {
	if prefix == "" {
		prefix = "stablepay"
	}
	name := []byte(prefix)
	for i, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z':
			name[i] = ch - 'a' + 'A'
		case (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9'):
		default:
			name[i] = '_'
		}
	}
	return string(name) + "_EVENTS"
}

// ensureStream creates the event stream if it does not exist yet
func (c *NATSClient) ensureStream() error {
	if _, err := c.js.StreamInfo(c.streamName); err == nil {
		logrus.Debugf("[NATS] Stream %s already exists", c.streamName)
		return nil
	}

	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:      c.streamName,
		Subjects:  []string{c.prefix + ".*.payment.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", c.streamName, err)
	}
	logrus.Infof("✅ [NATS] Stream %s created", c.streamName)
	return nil
}

// Prefix returns the configured subject prefix.
func (c *NATSClient) Prefix() string {
	return c.prefix
}

// Publish marshals payload as JSON and publishes it. eventType labels the
// metrics.
func (c *NATSClient) Publish(subject, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.NATSMessagesFailed.WithLabelValues(eventType, "marshal").Inc()
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	if c.js != nil {
		_, err = c.js.Publish(subject, data)
	} else {
		err = c.conn.Publish(subject, data)
	}
	if err != nil {
		metrics.NATSMessagesFailed.WithLabelValues(eventType, "publish").Inc()
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	metrics.NATSMessagesPublished.WithLabelValues(eventType).Inc()
	logrus.Debugf("📤 [NATS] Published %s to %s", eventType, subject)
	return nil
}

// Subscribe registers a core subscription. Request/reply handlers answer
// with msg.Respond.
func (c *NATSClient) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	logrus.Infof("✅ [NATS] Subscribed to %s", subject)
	return sub, nil
}

// Request sends a request and waits for a single reply.
func (c *NATSClient) Request(subject string, payload interface{}, timeout time.Duration) (*nats.Msg, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.conn.Request(subject, data, timeout)
}

// IsConnected reports the live connection state.
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains subscriptions and closes the connection
func (c *NATSClient) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
