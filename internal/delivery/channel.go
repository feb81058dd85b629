// Package delivery implements the asynchronous response delivery engine:
// the live-channel registries, the one-shot waiter registry, and the router
// that decides where a completed response goes. The engine is transport
// agnostic: SSE streams, WebSocket connections, and test doubles all
// satisfy the same Channel contract.
package delivery

import (
	"encoding/json"

	"github.com/openanalyst/agent-gateway/internal/domain"
)

// Event kinds pushed over live channels.
const (
	EventConnected = "connected"
	EventResponse  = "response"
)

// Event is the unit pushed to a live channel or handed to a waiter.
type Event struct {
	Type           string          `json:"type"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Status         domain.Status   `json:"status,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// Channel abstracts a live, writable push connection. Send must be safe for
// concurrent use; a non-nil error marks the channel dead and the caller will
// evict it. Done is closed when the peer goes away, and Close tears the
// channel down from our side (closing Done as a consequence).
type Channel interface {
	Send(ev Event) error
	Done() <-chan struct{}
	Close() error
}
