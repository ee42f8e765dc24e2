package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/caseflow/internal/notification"
)

// WebhookReceiver is an HTTP test server standing in for the notification
// webhook. It records every message it accepts and can be switched to fail.
type WebhookReceiver struct {
	server *httptest.Server
	status atomic.Int32
	calls  atomic.Int32

	mu       sync.Mutex
	messages []notification.Message
}

func newWebhookReceiver(t *testing.T) *WebhookReceiver {
	t.Helper()

	wr := &WebhookReceiver{}
	wr.status.Store(http.StatusAccepted)
	wr.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wr.calls.Add(1)
		status := int(wr.status.Load())
		if status >= 300 {
			w.WriteHeader(status)
			return
		}

		var msg notification.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		wr.mu.Lock()
		wr.messages = append(wr.messages, msg)
		wr.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(wr.server.Close)
	return wr
}

// URL returns the webhook endpoint.
func (wr *WebhookReceiver) URL() string {
	return wr.server.URL
}

// FailWith makes subsequent deliveries answer with status. Pass a 2xx code
// to recover.
func (wr *WebhookReceiver) FailWith(status int) {
	wr.status.Store(int32(status))
}

// Calls returns the number of delivery attempts that reached the server.
func (wr *WebhookReceiver) Calls() int {
	return int(wr.calls.Load())
}

// Messages returns a copy of the accepted messages.
func (wr *WebhookReceiver) Messages() []notification.Message {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	out := make([]notification.Message, len(wr.messages))
	copy(out, wr.messages)
	return out
}

// WaitFor polls until a message with eventType addressed to recipient has
// been accepted or the timeout elapses.
func (wr *WebhookReceiver) WaitFor(t *testing.T, eventType, recipient string, timeout time.Duration) notification.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, m := range wr.Messages() {
			if m.EventType == eventType && m.Recipient == recipient {
				return m
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s notification for %s within %s; got %d messages", eventType, recipient, timeout, len(wr.Messages()))
	return notification.Message{}
}
