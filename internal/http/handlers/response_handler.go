// Response HTTP handlers.
//
// This file exposes REST endpoints for asynchronous agent responses:
//   - POST /responses             (submit a request)
//   - GET  /responses             (list, paginated, optional status filter)
//   - GET  /responses/counts      (per-status counts)
//   - GET  /responses/deliver     (mark-and-fetch undelivered results)
//   - GET  /responses/{id}        (single record status)
//   - POST /responses/{id}/retry  (retry a failed request)
//   - GET  /responses/{id}/wait   (bounded synchronous wait)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openanalyst/agent-gateway/internal/delivery"
	"github.com/openanalyst/agent-gateway/internal/domain"
	"github.com/openanalyst/agent-gateway/internal/http/middleware"
	"github.com/openanalyst/agent-gateway/internal/services"
	"github.com/openanalyst/agent-gateway/internal/utils"
)

//
// Service contracts (context-aware)
//

// ResponseService defines the response lifecycle operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ResponseService interface {
	// Submit creates the correlation record and dispatches the request.
	Submit(ctx context.Context, userID, conversationID string, payload json.RawMessage, idemKey string) (*domain.PendingResponse, bool, error)
	// Get fetches a single record owned by userID.
	Get(ctx context.Context, userID, correlationID string) (*domain.PendingResponse, error)
	// ListPage returns a page of records for a user and the total count.
	ListPage(ctx context.Context, userID string, status domain.Status, page, pageSize int) ([]domain.PendingResponse, int64, error)
	// Counts returns the user's per-status record counts.
	Counts(ctx context.Context, userID string) (map[domain.Status]int64, error)
	// DeliverPending marks and returns completed-but-undelivered records.
	DeliverPending(ctx context.Context, userID string) ([]domain.PendingResponse, error)
	// Claim fetches a record, marking it delivered when completed.
	Claim(ctx context.Context, userID, correlationID string) (*domain.PendingResponse, error)
	// Retry republishes a failed request.
	Retry(ctx context.Context, userID, correlationID string) (*domain.PendingResponse, error)
	// Wait blocks until the record settles or the timeout elapses.
	Wait(ctx context.Context, userID, correlationID string, timeout time.Duration) (*domain.PendingResponse, bool, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for response submission, polling, and live
// delivery channels. It depends on an abstract service interface to keep
// transport concerns separate from business logic.
type Handlers struct {
	svc      ResponseService
	registry *delivery.Registry
}

// New constructs a Handlers instance bound to the given service and channel
// registry.
func New(svc ResponseService, registry *delivery.Registry) *Handlers {
	return &Handlers{svc: svc, registry: registry}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// SubmitRequest is the JSON payload for submitting an agent request.
type SubmitRequest struct {
	// ConversationID groups related requests; a UUID is generated when empty.
	ConversationID string `json:"conversation_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	// Payload is the opaque request body forwarded to the worker.
	Payload json.RawMessage `json:"payload" binding:"required" swaggertype:"object"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListResponsesResponse wraps a page of records and pagination information.
type ListResponsesResponse struct {
	Responses  []domain.PendingResponse `json:"responses"`
	Pagination Pagination               `json:"pagination"`
}

// CountsResponse reports per-status record counts for the current user.
type CountsResponse struct {
	Counts map[domain.Status]int64 `json:"counts"`
	Total  int64                   `json:"total"`
}

// DeliverResponse wraps the batch returned by the explicit-delivery endpoint.
type DeliverResponse struct {
	Responses []domain.PendingResponse `json:"responses"`
	Count     int                      `json:"count"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// SubmitResponse godoc
// @ID          submitResponse
// @Summary     Submit an agent request
// @Description Creates a correlation record and dispatches the request to the broker.
// @Description Returns 202 with the pending record, or 200 when an Idempotency-Key replay is served.
// @Tags        Responses
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)"  example(user123)
// @Param       Idempotency-Key  header  string  false "Deduplication key for safe retries"
// @Param       wait_ms          query   int     false "Block up to this many milliseconds for the result"
// @Param       body             body    handlers.SubmitRequest  true  "Submission payload"
//
// @Success     202  {object}  domain.PendingResponse
// @Success     200  {object}  domain.PendingResponse "Replay of a previous submission"
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     502  {object}  handlers.ErrorResponse "Broker unavailable"
// @Router      /responses [post]
func (h *Handlers) SubmitResponse(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		convID = uuid.NewString()
	} else if _, err := uuid.Parse(convID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation_id must be a UUID")
		return
	}

	idemKey, _ := middleware.GetIdempotencyKey(c)

	rec, replay, err := h.svc.Submit(c.Request.Context(), userID(c), convID, req.Payload, idemKey)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyPayload), errors.Is(err, services.ErrInvalidPayload):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		case errors.Is(err, services.ErrPayloadTooLarge):
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, err.Error())
		default:
			fail(c, http.StatusBadGateway, ErrCodeSubmitFailed, err.Error())
		}
		return
	}
	if replay {
		ok(c, http.StatusOK, rec)
		return
	}

	// Optional synchronous mode: block on the new record for up to wait_ms.
	if raw := c.Query("wait_ms"); raw != "" {
		ms := utils.AtoiDefault(raw, 0)
		if ms <= 0 {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "wait_ms must be a positive integer")
			return
		}
		settled, finished, werr := h.svc.Wait(c.Request.Context(), userID(c), rec.CorrelationID, time.Duration(ms)*time.Millisecond)
		if werr == nil && finished {
			ok(c, http.StatusOK, settled)
			return
		}
		if werr == nil {
			ok(c, http.StatusAccepted, settled)
			return
		}
		// The submission itself succeeded; fall through with the record.
	}
	ok(c, http.StatusAccepted, rec)
}

// ListResponses godoc
// @ID          listResponses
// @Summary     List responses (paginated)
// @Description Returns a page of the user's response records, newest first. Expired records are excluded.
// @Tags        Responses
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       status     query   string  false "Filter by lifecycle status"  Enums(pending, processing, completed, delivered, failed)
// @Param       page       query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListResponsesResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /responses [get]
func (h *Handlers) ListResponses(c *gin.Context) {
	page, pageSize := clampPagination(c)

	status := domain.Status(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	if status != "" && !status.Valid() {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown status filter")
		return
	}

	items, total, err := h.svc.ListPage(c.Request.Context(), userID(c), status, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListResponsesResponse{
		Responses: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// CountResponses godoc
// @ID          countResponses
// @Summary     Per-status response counts
// @Description Returns the user's record counts grouped by lifecycle status, excluding expired records.
// @Tags        Responses
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     200  {object} handlers.CountsResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /responses/counts [get]
func (h *Handlers) CountResponses(c *gin.Context) {
	counts, err := h.svc.Counts(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	ok(c, http.StatusOK, CountsResponse{Counts: counts, Total: total})
}

// DeliverResponses godoc
// @ID          deliverResponses
// @Summary     Fetch undelivered responses
// @Description Returns every completed-but-undelivered record for the user and marks the batch delivered.
// @Description Acts as the pull-based fallback for clients without a live channel.
// @Tags        Responses
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     200  {object} handlers.DeliverResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /responses/deliver [get]
func (h *Handlers) DeliverResponses(c *gin.Context) {
	items, err := h.svc.DeliverPending(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeDeliverFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, DeliverResponse{Responses: items, Count: len(items)})
}

// GetResponse godoc
// @ID          getResponse
// @Summary     Get a single response
// @Description Returns the record for the given correlation id when it belongs to the current user.
// @Tags        Responses
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Correlation ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.PendingResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Response not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /responses/{id} [get]
func (h *Handlers) GetResponse(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "correlation id must be a UUID")
		return
	}

	rec, err := h.svc.Get(c.Request.Context(), userID(c), id)
	if err != nil {
		if errors.Is(err, services.ErrResponseNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "response not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, rec)
}

// RetryResponse godoc
// @ID          retryResponse
// @Summary     Retry a failed request
// @Description Moves a failed record back to pending and republishes its original request envelope.
// @Tags        Responses
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Correlation ID (UUID)"  format(uuid)
//
// @Success     202  {object} domain.PendingResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Response not found"
// @Failure     409  {object} handlers.ErrorResponse "Record is not in a retryable state"
// @Failure     502  {object} handlers.ErrorResponse "Broker unavailable"
// @Router      /responses/{id}/retry [post]
func (h *Handlers) RetryResponse(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "correlation id must be a UUID")
		return
	}

	rec, err := h.svc.Retry(c.Request.Context(), userID(c), id)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrResponseNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "response not found")
		case errors.Is(err, services.ErrNotRetryable):
			fail(c, http.StatusConflict, ErrCodeConflict, "only failed responses can be retried")
		default:
			fail(c, http.StatusBadGateway, ErrCodeRetryFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusAccepted, rec)
}

// WaitResponse godoc
// @ID          waitResponse
// @Summary     Wait for a response
// @Description Blocks until the record reaches a settled state or the timeout elapses.
// @Description On timeout the current (unsettled) record is returned with HTTP 408.
// @Tags        Responses
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Correlation ID (UUID)"     format(uuid)
// @Param       timeout    query   string  false "Wait bound, Go duration"   example(10s)
//
// @Success     200  {object} domain.PendingResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Response not found"
// @Failure     408  {object} domain.PendingResponse "Timed out; body carries the unsettled record"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /responses/{id}/wait [get]
func (h *Handlers) WaitResponse(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "correlation id must be a UUID")
		return
	}

	var timeout time.Duration
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "timeout must be a positive duration")
			return
		}
		timeout = d
	}

	rec, finished, err := h.svc.Wait(c.Request.Context(), userID(c), id, timeout)
	if err != nil {
		if errors.Is(err, services.ErrResponseNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "response not found")
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Client went away; nothing useful to write.
			c.Abort()
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if !finished {
		ok(c, http.StatusRequestTimeout, rec)
		return
	}
	ok(c, http.StatusOK, rec)
}
