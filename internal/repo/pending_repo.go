// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// PendingResponse model: the correlation store at the heart of the gateway.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Expiry semantics:
//   - Every read path excludes rows whose expires_at has passed. Expired rows
//     may still physically exist; PurgeExpired removes them opportunistically
//     but is not required for correctness.
//
// Transition semantics:
//   - MarkProcessing, MarkDelivered, and Retry are conditional updates. They
//     succeed only when the row is in the expected prior state and report
//     whether the caller won the transition. Under at-least-once broker
//     delivery this is the mutual-exclusion point preventing two consumers
//     from both claiming the same record. MarkCompleted similarly refuses to
//     reopen a row that already reached delivered.
//
// Error semantics:
//   - When a record is not found (or expired), functions return ErrNotFound.
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/openanalyst/agent-gateway/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist or has
// expired. It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrAlreadyDelivered is returned by MarkCompleted when the record has
// already reached delivered. Delivered is terminal; a redelivered completion
// must not reopen it.
var ErrAlreadyDelivered = errors.New("record already delivered")

// notExpired scopes a query to rows whose TTL has not elapsed at now.
func notExpired(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("expires_at > ?", now)
	}
}

// CreatePending inserts a new pending record with a fresh correlation id and
// expires_at set to now + ttl. The request payload is stored verbatim so a
// failed request can be replayed later.
func CreatePending(ctx context.Context, db *gorm.DB, userID, conversationID string, payload datatypes.JSON, ttl time.Duration) (*domain.PendingResponse, error) {
	now := time.Now().UTC()
	p := &domain.PendingResponse{
		CorrelationID:  uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		RequestPayload: payload,
		Status:         domain.StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

// GetPending fetches a single non-expired record by correlation id.
// Expired or missing records yield ErrNotFound.
func GetPending(ctx context.Context, db *gorm.DB, correlationID string) (*domain.PendingResponse, error) {
	var p domain.PendingResponse
	err := db.WithContext(ctx).
		Scopes(notExpired(time.Now().UTC())).
		Where("correlation_id = ?", correlationID).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPendingByUser returns a page of the user's non-expired records, newest
// first. An empty statusFilter returns records in every state.
func ListPendingByUser(ctx context.Context, db *gorm.DB, userID string, statusFilter domain.Status, offset, limit int) ([]domain.PendingResponse, error) {
	q := db.WithContext(ctx).
		Scopes(notExpired(time.Now().UTC())).
		Where("user_id = ?", userID).
		Order("created_at DESC, correlation_id DESC")
	if statusFilter != "" {
		q = q.Where("status = ?", statusFilter)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.PendingResponse
	err := q.Find(&out).Error
	return out, err
}

// CountPendingByUser returns the number of non-expired records for the user,
// optionally narrowed to one status. Used for pagination metadata.
func CountPendingByUser(ctx context.Context, db *gorm.DB, userID string, statusFilter domain.Status) (int64, error) {
	q := db.WithContext(ctx).
		Model(&domain.PendingResponse{}).
		Scopes(notExpired(time.Now().UTC())).
		Where("user_id = ?", userID)
	if statusFilter != "" {
		q = q.Where("status = ?", statusFilter)
	}
	var total int64
	err := q.Count(&total).Error
	return total, err
}

// ListUnprocessed returns up to limit non-expired pending records, oldest
// first. It supports polling-style workers as a fallback to the broker push
// model.
func ListUnprocessed(ctx context.Context, db *gorm.DB, limit int) ([]domain.PendingResponse, error) {
	q := db.WithContext(ctx).
		Scopes(notExpired(time.Now().UTC())).
		Where("status = ?", domain.StatusPending).
		Order("created_at ASC, correlation_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.PendingResponse
	err := q.Find(&out).Error
	return out, err
}

// ListUndelivered returns the user's completed-but-undelivered, non-expired
// records, oldest first. Together with MarkManyDelivered it backs the
// store-and-forward pull endpoint.
func ListUndelivered(ctx context.Context, db *gorm.DB, userID string) ([]domain.PendingResponse, error) {
	var out []domain.PendingResponse
	err := db.WithContext(ctx).
		Scopes(notExpired(time.Now().UTC())).
		Where("user_id = ? AND status = ?", userID, domain.StatusCompleted).
		Order("created_at ASC, correlation_id ASC").
		Find(&out).Error
	return out, err
}

// MarkProcessing conditionally transitions pending → processing. It reports
// whether this caller claimed the record; false with a nil error means another
// actor already claimed it (or the record is missing/expired).
func MarkProcessing(ctx context.Context, db *gorm.DB, correlationID string) (bool, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.PendingResponse{}).
		Scopes(notExpired(now)).
		Where("correlation_id = ? AND status = ?", correlationID, domain.StatusPending).
		Updates(map[string]any{
			"status":                domain.StatusProcessing,
			"processing_started_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkCompleted stores the response and transitions the record to completed,
// setting processing_completed_at. Re-completing an undelivered record
// overwrites the same terminal fields and is harmless, but the update stops
// at delivered: once the client has the result the status only moves forward,
// and a delivered row yields ErrAlreadyDelivered.
func MarkCompleted(ctx context.Context, db *gorm.DB, correlationID string, response datatypes.JSON) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.PendingResponse{}).
		Scopes(notExpired(now)).
		Where("correlation_id = ? AND status <> ?", correlationID, domain.StatusDelivered).
		Updates(map[string]any{
			"status":                  domain.StatusCompleted,
			"response":                response,
			"processing_completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var delivered int64
		err := db.WithContext(ctx).
			Model(&domain.PendingResponse{}).
			Scopes(notExpired(now)).
			Where("correlation_id = ? AND status = ?", correlationID, domain.StatusDelivered).
			Count(&delivered).Error
		if err != nil {
			return err
		}
		if delivered > 0 {
			return ErrAlreadyDelivered
		}
		return ErrNotFound
	}
	return nil
}

// MarkDelivered conditionally transitions completed → delivered. A record
// already delivered (or never completed) is left untouched and false is
// returned, which makes duplicate delivery attempts no-ops.
func MarkDelivered(ctx context.Context, db *gorm.DB, correlationID string) (bool, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.PendingResponse{}).
		Scopes(notExpired(now)).
		Where("correlation_id = ? AND status = ?", correlationID, domain.StatusCompleted).
		Updates(map[string]any{
			"status":       domain.StatusDelivered,
			"delivered_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkManyDelivered is the batch variant of MarkDelivered used by the pull
// endpoint. It returns how many records actually flipped.
func MarkManyDelivered(ctx context.Context, db *gorm.DB, correlationIDs []string) (int64, error) {
	if len(correlationIDs) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.PendingResponse{}).
		Scopes(notExpired(now)).
		Where("correlation_id IN ? AND status = ?", correlationIDs, domain.StatusCompleted).
		Updates(map[string]any{
			"status":       domain.StatusDelivered,
			"delivered_at": now,
		})
	return res.RowsAffected, res.Error
}

// MarkFailed records a failure message and increments retry_count. The update
// is unconditional so a late worker error always lands in the record.
func MarkFailed(ctx context.Context, db *gorm.DB, correlationID, errorMessage string) error {
	res := db.WithContext(ctx).
		Model(&domain.PendingResponse{}).
		Scopes(notExpired(time.Now().UTC())).
		Where("correlation_id = ?", correlationID).
		Updates(map[string]any{
			"status":        domain.StatusFailed,
			"error_message": errorMessage,
			"retry_count":   gorm.Expr("retry_count + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Retry conditionally transitions failed → pending, clearing the error
// message. retry_count keeps its value; it only moves on MarkFailed.
func Retry(ctx context.Context, db *gorm.DB, correlationID string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.PendingResponse{}).
		Scopes(notExpired(time.Now().UTC())).
		Where("correlation_id = ? AND status = ?", correlationID, domain.StatusFailed).
		Updates(map[string]any{
			"status":        domain.StatusPending,
			"error_message": "",
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// PurgeExpired physically deletes rows whose TTL elapsed before now and
// returns how many were removed. Lazy expiry in the read paths remains the
// correctness mechanism; this just reclaims space.
func PurgeExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.PendingResponse{})
	return res.RowsAffected, res.Error
}

// IsNotFound reports whether err is the repository not-found sentinel.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
