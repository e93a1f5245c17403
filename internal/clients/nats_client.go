package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"attest-backend/internal/config"
	"attest-backend/internal/metrics"
)

const eventStreamName = "ATTEST_EVENTS"

// NATSClient NATS connection used for domain events and, when the storage
// driver is nats, the JetStream KV bucket.
type NATSClient struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	subjectPrefix string
	logger        logrus.FieldLogger
}

// NewNATSClient connects to cfg.URL and opens JetStream.
func NewNATSClient(cfg config.NATSConfig, logger logrus.FieldLogger) (*NATSClient, error) {
	connectTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		connectTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	reconnectWait := 5 * time.Second
	if cfg.ReconnectWait > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWait) * time.Second
	}
	maxReconnects := -1
	if cfg.MaxReconnects != 0 {
		maxReconnects = cfg.MaxReconnects
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("attest-backend"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	client := &NATSClient{
		conn:          conn,
		js:            js,
		subjectPrefix: cfg.SubjectPrefix,
		logger:        logger,
	}
	if err := client.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.WithField("url", cfg.URL).Info("✅ NATS client initialized")
	return client, nil
}

// ensureStream creates the event stream when it does not exist yet.
func (c *NATSClient) ensureStream() error {
	if _, err := c.js.StreamInfo(eventStreamName); err == nil {
		return nil
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:      eventStreamName,
		Subjects:  []string{c.subjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", eventStreamName, err)
	}
	c.logger.WithField("stream", eventStreamName).Info("Created event stream")
	return nil
}

// Subject returns the full subject for an event name.
func (c *NATSClient) Subject(name string) string {
	return EventSubject(c.subjectPrefix, name)
}

// EventSubject joins prefix and name with a dot.
func EventSubject(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Publish sends payload as JSON to the stream and waits for the ack.
func (c *NATSClient) Publish(ctx context.Context, name string, payload any) error {
	subject := c.Subject(name)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if _, err := c.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		metrics.EventsPublished.WithLabelValues(name, "error").Inc()
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	metrics.EventsPublished.WithLabelValues(name, "ok").Inc()
	return nil
}

// JetStream exposes the context for the KV storage backend.
func (c *NATSClient) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *NATSClient) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
