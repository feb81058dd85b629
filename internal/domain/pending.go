// Package domain defines the core persistence models for the gateway.
// These types are used by GORM for database schema mapping and are shared
// across the repository, delivery, and service layers.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the lifecycle state of a PendingResponse. Transitions are
// monotonic (pending → processing → completed → delivered) except for the
// explicit failed → pending retry path. Status is a closed set; every
// transition site switches exhaustively over these values.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusDelivered,
		StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further broker-driven transition applies.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusExpired:
		return true
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return false
	}
	return false
}

// PendingResponse is one outstanding agent request and, eventually, its
// result. It is the single source of truth for "was this delivered": created
// by the producer before dispatch, claimed by the broker consumer, completed
// by the worker's completion message, and delivered by the router or the
// poll endpoint.
//
// Fields:
//   - CorrelationID: UUID primary key linking request and result.
//   - UserID / ConversationID: ownership and grouping; never mutated.
//   - RequestPayload: opaque snapshot of the original request (retry/replay).
//   - Status: lifecycle state, see Status.
//   - Response: opaque result, set only once status reaches completed.
//   - ErrorMessage / RetryCount: failure bookkeeping.
//   - ExpiresAt: CreatedAt + TTL; rows past this instant are invisible to all
//     active queries regardless of their status.
type PendingResponse struct {
	CorrelationID  string         `json:"correlation_id"  gorm:"type:char(36);primaryKey"`
	UserID         string         `json:"user_id"         gorm:"type:varchar(64);not null;index:idx_user_pending,priority:1"`
	ConversationID string         `json:"conversation_id" gorm:"type:char(36);index"`
	RequestPayload datatypes.JSON `json:"request_payload" gorm:"type:text"`
	Status         Status         `json:"status"          gorm:"type:varchar(16);not null;index;check:status IN ('pending','processing','completed','delivered','failed','expired')"`
	Response       datatypes.JSON `json:"response,omitempty" gorm:"type:text"`
	ErrorMessage   string         `json:"error_message,omitempty" gorm:"type:text"`
	RetryCount     int            `json:"retry_count"     gorm:"not null;default:0"`

	CreatedAt             time.Time  `json:"created_at" gorm:"index:idx_user_pending,priority:2"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	DeliveredAt           *time.Time `json:"delivered_at,omitempty"`
	ExpiresAt             time.Time  `json:"expires_at" gorm:"not null;index"`
}

// TableName returns the database table name for PendingResponse.
func (PendingResponse) TableName() string { return "pending_responses" }

// Expired reports whether the record's TTL has elapsed at the given instant.
func (p *PendingResponse) Expired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}
