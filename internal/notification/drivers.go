package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
)

// LogGateway writes notifications to the structured log. It is the default
// driver when no transport is configured.
type LogGateway struct {
	logger *zap.Logger
}

// NewLogGateway creates a gateway that logs every message at info level.
func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

// Name returns the driver name.
func (g *LogGateway) Name() string { return "log" }

// Send logs msg.
func (g *LogGateway) Send(_ context.Context, msg Message) error {
	g.logger.Info("notification",
		zap.String("event_type", msg.EventType),
		zap.String("recipient", msg.Recipient),
		zap.Any("payload", msg.Payload),
	)
	return nil
}

// WebhookGateway POSTs each message as JSON to a fixed URL behind a circuit
// breaker.
type WebhookGateway struct {
	url     string
	headers map[string]string
	client  *http.Client
	breaker *CircuitBreaker
}

// NewWebhookGateway creates a webhook driver. A nil client uses a client with
// a 10s timeout.
func NewWebhookGateway(url string, headers map[string]string, client *http.Client, breaker *CircuitBreaker) *WebhookGateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(BreakerConfig{})
	}
	return &WebhookGateway{url: url, headers: headers, client: client, breaker: breaker}
}

// Name returns the driver name.
func (g *WebhookGateway) Name() string { return "webhook" }

// Breaker exposes the breaker for state reporting.
func (g *WebhookGateway) Breaker() *CircuitBreaker { return g.breaker }

// Send posts msg. Non-2xx responses count as failures.
func (g *WebhookGateway) Send(ctx context.Context, msg Message) error {
	body, err := encode(msg)
	if err != nil {
		return fmt.Errorf("webhook: encode message: %w", err)
	}

	return g.breaker.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Caseflow-Event", msg.EventType)
		for k, v := range g.headers {
			req.Header.Set(k, v)
		}
		observability.InjectTraceHeaders(ctx, req.Header)

		resp, err := g.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: post: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
		}
		return nil
	})
}

// RedisStreamGateway appends each message to a Redis stream for downstream
// consumers.
type RedisStreamGateway struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamGateway creates a stream driver. maxLen caps the stream
// approximately; 0 leaves it uncapped.
func NewRedisStreamGateway(client *redis.Client, stream string, maxLen int64) *RedisStreamGateway {
	if stream == "" {
		stream = "caseflow:notifications"
	}
	return &RedisStreamGateway{client: client, stream: stream, maxLen: maxLen}
}

// Name returns the driver name.
func (g *RedisStreamGateway) Name() string { return "redis" }

// Send XADDs msg to the stream.
func (g *RedisStreamGateway) Send(ctx context.Context, msg Message) error {
	payload, err := encode(msg)
	if err != nil {
		return fmt.Errorf("redis stream: encode message: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: g.stream,
		Values: map[string]any{
			"event_type": msg.EventType,
			"recipient":  msg.Recipient,
			"message":    string(payload),
		},
	}
	if g.maxLen > 0 {
		args.MaxLen = g.maxLen
		args.Approx = true
	}
	if err := g.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis stream: xadd %s: %w", g.stream, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (g *RedisStreamGateway) HealthCheck(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Publisher is the subset of *nats.Conn used by NATSGateway.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSGateway publishes each message on <prefix>.<event_type>.
type NATSGateway struct {
	pub    Publisher
	prefix string
}

// NewNATSGateway creates a NATS driver. An empty prefix uses
// "caseflow.notifications".
func NewNATSGateway(pub Publisher, prefix string) *NATSGateway {
	if prefix == "" {
		prefix = "caseflow.notifications"
	}
	return &NATSGateway{pub: pub, prefix: prefix}
}

// Name returns the driver name.
func (g *NATSGateway) Name() string { return "nats" }

// Subject returns the subject a message with eventType is published on.
func (g *NATSGateway) Subject(eventType string) string {
	return g.prefix + "." + eventType
}

// Send publishes msg.
func (g *NATSGateway) Send(_ context.Context, msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return fmt.Errorf("nats: encode message: %w", err)
	}
	subject := g.Subject(msg.EventType)
	if err := g.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", subject, err)
	}
	return nil
}

// HealthCheck reports an error unless the underlying connection is a live
// *nats.Conn.
func (g *NATSGateway) HealthCheck(_ context.Context) error {
	conn, ok := g.pub.(*nats.Conn)
	if !ok {
		return nil
	}
	if !conn.IsConnected() {
		return fmt.Errorf("nats: connection status %s", conn.Status())
	}
	return nil
}
