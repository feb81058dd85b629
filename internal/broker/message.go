// Package broker connects the gateway to its Redis Streams message broker.
// The dispatcher publishes request envelopes for workers; the consumer reads
// the response stream under a dedicated consumer group and feeds the
// delivery router. Broker delivery is at-least-once; deduplication happens
// in the correlation store's conditional transitions, not here.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openanalyst/agent-gateway/internal/domain"
)

// streamField is the single stream entry field carrying the JSON envelope.
const streamField = "payload"

// ErrMalformed marks a message that cannot be decoded or fails validation.
// The consumer logs and drops such messages; they must never halt the group.
var ErrMalformed = errors.New("malformed broker message")

// RequestMessage is the envelope published to the request stream when a
// client submits an agent request. Workers consume it under their own group.
type RequestMessage struct {
	CorrelationID  string          `json:"correlation_id"`
	UserID         string          `json:"user_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

// CompletionMessage is the envelope workers publish on the response stream
// when a request finishes, successfully or not.
type CompletionMessage struct {
	CorrelationID  string          `json:"correlation_id"`
	UserID         string          `json:"user_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Status         domain.Status   `json:"status"`
	Response       json.RawMessage `json:"response,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// Values renders the envelope as stream entry fields for XAdd.
func (m RequestMessage) Values() (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return map[string]any{streamField: string(raw)}, nil
}

// Values renders the envelope as stream entry fields for XAdd.
func (m CompletionMessage) Values() (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return map[string]any{streamField: string(raw)}, nil
}

// DecodeCompletion parses a response-stream entry. It accepts the payload
// field as string or bytes and validates the fields the router depends on.
func DecodeCompletion(values map[string]any) (*CompletionMessage, error) {
	var raw []byte
	switch v := values[streamField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, fmt.Errorf("%w: missing %q field", ErrMalformed, streamField)
	}

	var m CompletionMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.CorrelationID == "" || m.UserID == "" {
		return nil, fmt.Errorf("%w: correlation_id and user_id are required", ErrMalformed)
	}
	switch m.Status {
	case domain.StatusCompleted, domain.StatusFailed, domain.StatusProcessing:
	case domain.StatusPending, domain.StatusDelivered, domain.StatusExpired:
		return nil, fmt.Errorf("%w: %q is not a worker-reportable status", ErrMalformed, m.Status)
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformed, m.Status)
	}
	return &m, nil
}
