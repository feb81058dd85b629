// Package services – ResponseService
//
// This file implements ResponseService, the application-level component that
// owns the lifecycle of asynchronous agent responses. It validates submission
// payloads, enforces idempotency on (user, conversation, key) tuples, creates
// the correlation record before dispatching to the request stream, and exposes
// the polling, explicit-delivery, retry, and synchronous-wait operations that
// the HTTP layer builds on.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// user/correlation identifiers and pagination parameters where applicable.

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/openanalyst/agent-gateway/internal/broker"
	"github.com/openanalyst/agent-gateway/internal/delivery"
	"github.com/openanalyst/agent-gateway/internal/domain"
	"github.com/openanalyst/agent-gateway/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestDispatcher is the producer half of the broker contract required by
// ResponseService. *broker.Dispatcher satisfies it; tests substitute fakes.
type RequestDispatcher interface {
	Dispatch(ctx context.Context, msg broker.RequestMessage) error
}

// ResponseService coordinates correlation record persistence, broker
// dispatch, and synchronous waiting for agent responses.
type ResponseService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Dispatcher publishes request envelopes to the request stream.
	Dispatcher RequestDispatcher
	// Waiters is the shared one-shot listener registry the delivery router
	// notifies when a response arrives with no live channel.
	Waiters *delivery.Waiters

	// ResponseTTL bounds how long a correlation record stays retrievable.
	ResponseTTL time.Duration
	// IdempotencyTTL bounds how long a submission key deduplicates.
	IdempotencyTTL time.Duration
	// DefaultWaitTimeout applies when a wait request names no timeout.
	DefaultWaitTimeout time.Duration
	// MaxWaitTimeout caps the timeout a wait request may ask for.
	MaxWaitTimeout time.Duration
	// MaxPayloadBytes caps submission payload size (0 disables the check).
	MaxPayloadBytes int
}

// NewResponseService constructs a ResponseService with sane defaults.
func NewResponseService(db *gorm.DB, d RequestDispatcher, w *delivery.Waiters) *ResponseService {
	return &ResponseService{
		DB:                 db,
		Dispatcher:         d,
		Waiters:            w,
		ResponseTTL:        24 * time.Hour,
		IdempotencyTTL:     24 * time.Hour,
		DefaultWaitTimeout: 30 * time.Second,
		MaxWaitTimeout:     2 * time.Minute,
		MaxPayloadBytes:    1 << 20,
	}
}

// Submit validates the payload, creates the correlation record, and publishes
// the request envelope to the request stream. When idemKey is non-empty and a
// live idempotency entry already covers (userID, conversationID, idemKey),
// the original record is returned instead and duplicate is true.
//
// The record is created before dispatch so that a crash in between leaves a
// pending row the client can still observe and retry.
func (s *ResponseService) Submit(ctx context.Context, userID, conversationID string, payload json.RawMessage, idemKey string) (rec *domain.PendingResponse, duplicate bool, err error) {
	tr := otel.Tracer("services/ResponseService")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("conversation.id", conversationID),
		),
	)
	defer span.End()

	if len(payload) == 0 {
		return nil, false, ErrEmptyPayload
	}
	if s.MaxPayloadBytes > 0 && len(payload) > s.MaxPayloadBytes {
		return nil, false, ErrPayloadTooLarge
	}
	if !json.Valid(payload) {
		return nil, false, ErrInvalidPayload
	}

	if idemKey != "" {
		if existing, ierr := repo.GetIdempotency(ctx, s.DB, userID, conversationID, idemKey, time.Now().UTC()); ierr == nil {
			prev, gerr := repo.GetPending(ctx, s.DB, existing.CorrelationID)
			if gerr == nil {
				return prev, true, nil
			}
			if !repo.IsNotFound(gerr) {
				return nil, false, gerr
			}
			// The original record expired; fall through and submit fresh.
		} else if !errors.Is(ierr, repo.ErrNotFound) {
			return nil, false, ierr
		}
	}

	rec, err = repo.CreatePending(ctx, s.DB, userID, conversationID, datatypes.JSON(payload), s.ResponseTTL)
	if err != nil {
		return nil, false, err
	}
	span.SetAttributes(attribute.String("correlation.id", rec.CorrelationID))

	if idemKey != "" {
		if _, ierr := repo.CreateIdempotency(ctx, s.DB, userID, conversationID, idemKey, rec.CorrelationID, 0, s.IdempotencyTTL); ierr != nil {
			if errors.Is(ierr, repo.ErrDuplicate) {
				// Lost a concurrent race for the same key. Return the
				// winner's record; ours stays unscheduled and expires.
				if winner, werr := repo.GetIdempotency(ctx, s.DB, userID, conversationID, idemKey, time.Now().UTC()); werr == nil {
					if prev, gerr := repo.GetPending(ctx, s.DB, winner.CorrelationID); gerr == nil {
						return prev, true, nil
					}
				}
			}
			return nil, false, ierr
		}
	}

	msg := broker.RequestMessage{
		CorrelationID:  rec.CorrelationID,
		UserID:         userID,
		ConversationID: conversationID,
		Payload:        payload,
	}
	if derr := s.Dispatcher.Dispatch(ctx, msg); derr != nil {
		// Leave a failed record behind so the client can inspect and retry.
		_ = repo.MarkFailed(ctx, s.DB, rec.CorrelationID, "dispatch failed: "+derr.Error())
		return nil, false, fmt.Errorf("dispatch request: %w", derr)
	}
	return rec, false, nil
}

// Get fetches a single response record by correlation id, enforcing that it
// belongs to userID. Expired and foreign records surface as ErrResponseNotFound.
func (s *ResponseService) Get(ctx context.Context, userID, correlationID string) (*domain.PendingResponse, error) {
	rec, err := repo.GetPending(ctx, s.DB, correlationID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrResponseNotFound
		}
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrResponseNotFound
	}
	return rec, nil
}

// ListPage returns a page of the user's response records, newest first,
// optionally filtered by status. It applies defaults for invalid
// page/pageSize and returns the total count.
func (s *ResponseService) ListPage(ctx context.Context, userID string, status domain.Status, page, pageSize int) ([]domain.PendingResponse, int64, error) {
	tr := otel.Tracer("services/ResponseService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountPendingByUser(ctx, s.DB, userID, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.PendingResponse{}, 0, nil
	}

	items, err := repo.ListPendingByUser(ctx, s.DB, userID, status, offset, pageSize)
	return items, total, err
}

// Counts returns the user's per-status record counts, excluding expired rows.
func (s *ResponseService) Counts(ctx context.Context, userID string) (map[domain.Status]int64, error) {
	return repo.StatusCounts(ctx, s.DB, userID)
}

// DeliverPending returns every completed-but-undelivered record for the user
// and marks them delivered in one batch. This is the pull-based fallback for
// clients that were offline when their responses arrived.
func (s *ResponseService) DeliverPending(ctx context.Context, userID string) ([]domain.PendingResponse, error) {
	tr := otel.Tracer("services/ResponseService")
	ctx, span := tr.Start(ctx, "DeliverPending",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	items, err := repo.ListUndelivered(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []domain.PendingResponse{}, nil
	}

	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].CorrelationID
	}
	if _, err := repo.MarkManyDelivered(ctx, s.DB, ids); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i := range items {
		items[i].Status = domain.StatusDelivered
		items[i].DeliveredAt = &now
	}
	span.SetAttributes(attribute.Int("delivered", len(items)))
	return items, nil
}

// Retry transitions a failed record back to pending and republishes its
// original request envelope. Records in any other state return ErrNotRetryable.
func (s *ResponseService) Retry(ctx context.Context, userID, correlationID string) (*domain.PendingResponse, error) {
	tr := otel.Tracer("services/ResponseService")
	ctx, span := tr.Start(ctx, "Retry",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("correlation.id", correlationID),
		),
	)
	defer span.End()

	rec, err := s.Get(ctx, userID, correlationID)
	if err != nil {
		return nil, err
	}
	ok, err := repo.Retry(ctx, s.DB, correlationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotRetryable
	}

	msg := broker.RequestMessage{
		CorrelationID:  rec.CorrelationID,
		UserID:         rec.UserID,
		ConversationID: rec.ConversationID,
		Payload:        json.RawMessage(rec.RequestPayload),
	}
	if derr := s.Dispatcher.Dispatch(ctx, msg); derr != nil {
		_ = repo.MarkFailed(ctx, s.DB, correlationID, "dispatch failed: "+derr.Error())
		return nil, fmt.Errorf("dispatch request: %w", derr)
	}
	return s.Get(ctx, userID, correlationID)
}

// RequeueStalled republishes pending records older than minAge. It is the
// outbox-style safety net for requests whose envelope was lost before any
// worker picked it up: duplicates are harmless because workers claim records
// through the conditional pending to processing transition.
func (s *ResponseService) RequeueStalled(ctx context.Context, minAge time.Duration, limit int) (int, error) {
	tr := otel.Tracer("services/ResponseService")
	ctx, span := tr.Start(ctx, "RequeueStalled",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()

	items, err := repo.ListUnprocessed(ctx, s.DB, limit)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-minAge)
	requeued := 0
	for i := range items {
		rec := &items[i]
		if rec.CreatedAt.After(cutoff) {
			// Oldest first: everything after this is younger too.
			break
		}
		msg := broker.RequestMessage{
			CorrelationID:  rec.CorrelationID,
			UserID:         rec.UserID,
			ConversationID: rec.ConversationID,
			Payload:        json.RawMessage(rec.RequestPayload),
		}
		if derr := s.Dispatcher.Dispatch(ctx, msg); derr != nil {
			span.SetAttributes(attribute.Int("requeued", requeued))
			return requeued, fmt.Errorf("dispatch request: %w", derr)
		}
		requeued++
	}
	span.SetAttributes(attribute.Int("requeued", requeued))
	return requeued, nil
}

// Wait blocks until the record reaches a terminal state, the timeout elapses,
// or ctx is canceled. It returns the freshest record and whether it finished
// in time. A record that is already terminal returns immediately; a completed
// record claimed this way is marked delivered.
func (s *ResponseService) Wait(ctx context.Context, userID, correlationID string, timeout time.Duration) (*domain.PendingResponse, bool, error) {
	tr := otel.Tracer("services/ResponseService")
	ctx, span := tr.Start(ctx, "Wait",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("correlation.id", correlationID),
		),
	)
	defer span.End()

	if timeout <= 0 {
		timeout = s.DefaultWaitTimeout
	}
	if timeout > s.MaxWaitTimeout {
		timeout = s.MaxWaitTimeout
	}

	rec, err := s.Get(ctx, userID, correlationID)
	if err != nil {
		return nil, false, err
	}
	if settled(rec.Status) {
		return s.claim(ctx, rec), true, nil
	}

	ch, cancel := s.Waiters.Register(correlationID)
	defer cancel()

	// Re-read after registering: the completion may have landed in between,
	// in which case no notification will ever arrive for our listener.
	rec, err = s.Get(ctx, userID, correlationID)
	if err != nil {
		return nil, false, err
	}
	if settled(rec.Status) {
		return s.claim(ctx, rec), true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return rec, false, ctx.Err()
	}

	// A live push channel may have consumed the delivery instead of the
	// waiter, so always settle by re-reading the store.
	rec, err = s.Get(ctx, userID, correlationID)
	if err != nil {
		return nil, false, err
	}
	if settled(rec.Status) {
		return s.claim(ctx, rec), true, nil
	}
	return rec, false, nil
}

// settled reports whether a wait for the record can end: the broker has
// answered (completed or failed) or the record already left the live path.
func settled(st domain.Status) bool {
	return st != domain.StatusPending && st != domain.StatusProcessing
}

// Claim fetches the record and, when it sits in completed, marks it delivered.
// Push handlers use this for results that settled before their channel opened.
func (s *ResponseService) Claim(ctx context.Context, userID, correlationID string) (*domain.PendingResponse, error) {
	rec, err := s.Get(ctx, userID, correlationID)
	if err != nil {
		return nil, err
	}
	return s.claim(ctx, rec), nil
}

// claim marks a completed record delivered, reflecting the transition in the
// returned copy. Records in other states pass through untouched.
func (s *ResponseService) claim(ctx context.Context, rec *domain.PendingResponse) *domain.PendingResponse {
	if rec.Status != domain.StatusCompleted {
		return rec
	}
	if ok, err := repo.MarkDelivered(ctx, s.DB, rec.CorrelationID); err == nil && ok {
		now := time.Now().UTC()
		rec.Status = domain.StatusDelivered
		rec.DeliveredAt = &now
	}
	return rec
}
