// Package notification delivers approval and escalation events to people.
// Delivery is fire-and-forget from the engines' point of view: the
// Dispatcher queues messages and a Gateway driver owns transport retries.
package notification

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one notification addressed to a user id or role.
type Message struct {
	Recipient string         `json:"recipient"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Gateway sends a message over a concrete transport.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}

// Named is implemented by gateways that report a driver name for metrics.
type Named interface {
	Name() string
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f GatewayFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

func encode(msg Message) ([]byte, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return json.Marshal(msg)
}

func driverName(g Gateway) string {
	if n, ok := g.(Named); ok {
		return n.Name()
	}
	return "custom"
}
