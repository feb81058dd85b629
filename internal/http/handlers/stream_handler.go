// Server-Sent Events handlers.
//
// This file exposes the push side of the delivery engine over SSE:
//   - GET /stream                  registers a channel in the user registry;
//     every response for the user is pushed here as an "response" event.
//   - GET /responses/{id}/stream   registers a dedicated watch channel for one
//     correlation id; it receives exactly that response and then closes.
//
// Each open stream is wrapped in an sseChannel, the delivery.Channel adapter
// the router writes through. The HTTP handler goroutine stays parked until
// the client disconnects or the channel is torn down (eviction, replacement,
// or one-shot completion).
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openanalyst/agent-gateway/internal/delivery"
	"github.com/openanalyst/agent-gateway/internal/domain"
	"github.com/openanalyst/agent-gateway/internal/http/middleware"
	"github.com/openanalyst/agent-gateway/internal/services"
)

// heartbeatInterval is how often an SSE comment is written to keep
// intermediaries from timing out an idle stream.
const heartbeatInterval = 25 * time.Second

var errChannelClosed = errors.New("channel closed")

// sseChannel adapts one open SSE response to delivery.Channel. Writes are
// serialized with a mutex because the router and the heartbeat ticker both
// write to the same ResponseWriter.
type sseChannel struct {
	mu   sync.Mutex
	w    gin.ResponseWriter
	done chan struct{}
	once sync.Once
}

func newSSEChannel(w gin.ResponseWriter) *sseChannel {
	return &sseChannel{w: w, done: make(chan struct{})}
}

// Send writes ev as one SSE event and flushes it to the client.
func (s *sseChannel) Send(ev delivery.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return errChannelClosed
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		s.shutdown()
		return err
	}
	s.w.Flush()
	return nil
}

// heartbeat writes an SSE comment line. Errors mark the channel dead.
func (s *sseChannel) heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return errChannelClosed
	default:
	}
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		s.shutdown()
		return err
	}
	s.w.Flush()
	return nil
}

func (s *sseChannel) Done() <-chan struct{} { return s.done }

func (s *sseChannel) Close() error {
	s.shutdown()
	return nil
}

func (s *sseChannel) shutdown() {
	s.once.Do(func() { close(s.done) })
}

// sseHeaders prepares the response for an event stream. It also clears the
// connection's write deadline: a stream outlives the server's WriteTimeout,
// and events flushed after that deadline would never reach the client.
func sseHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("clearing stream write deadline failed")
	}
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

// park blocks until the stream ends, sending heartbeats while it is open.
// It returns when the client disconnects or the channel is closed from the
// registry side.
func park(c *gin.Context, ch *sseChannel) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			ch.Close()
			return
		case <-ch.Done():
			return
		case <-ticker.C:
			if err := ch.heartbeat(); err != nil {
				return
			}
		}
	}
}

// StreamUser godoc
// @ID          streamUser
// @Summary     Open a user event stream (SSE)
// @Description Registers a live channel for the current user. All of the user's completed
// @Description responses are pushed here as "response" events until the stream closes.
// @Tags        Streams
// @Produce     text/event-stream
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     200  {string} string "event stream"
// @Router      /stream [get]
func (h *Handlers) StreamUser(c *gin.Context) {
	uid := userID(c)
	lg := middleware.LoggerFrom(c)

	sseHeaders(c)
	ch := newSSEChannel(c.Writer)
	h.registry.RegisterUser(uid, ch)

	lg.Debug().Str("user_id", uid).Msg("sse user stream opened")
	park(c, ch)
	lg.Debug().Str("user_id", uid).Msg("sse user stream closed")
}

// StreamResponse godoc
// @ID          streamResponse
// @Summary     Watch one response (SSE)
// @Description Registers a dedicated watch channel for the given correlation id. The stream
// @Description emits exactly one "response" event when the result arrives and then closes.
// @Description A record that has already settled is served immediately.
// @Tags        Streams
// @Produce     text/event-stream
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Correlation ID (UUID)"  format(uuid)
//
// @Success     200  {string} string "event stream"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Response not found"
// @Router      /responses/{id}/stream [get]
func (h *Handlers) StreamResponse(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "correlation id must be a UUID")
		return
	}
	uid := userID(c)

	// Ownership and existence check before committing to a stream response.
	rec, err := h.svc.Get(c.Request.Context(), uid, id)
	if err != nil {
		if errors.Is(err, services.ErrResponseNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "response not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	sseHeaders(c)
	ch := newSSEChannel(c.Writer)

	// A record that settled before the watch was opened never passes through
	// the router, so serve it from the store and close.
	if rec.Status != domain.StatusPending && rec.Status != domain.StatusProcessing {
		rec, cerr := h.svc.Claim(c.Request.Context(), uid, id)
		if cerr == nil {
			_ = ch.Send(responseEvent(rec))
		}
		ch.Close()
		return
	}

	h.registry.RegisterCorrelation(id, ch)

	// Re-check after registering: the result may have landed in between and
	// been routed to a user channel or left for polling.
	if rec, err := h.svc.Get(c.Request.Context(), uid, id); err == nil &&
		rec.Status != domain.StatusPending && rec.Status != domain.StatusProcessing {
		if rec, cerr := h.svc.Claim(c.Request.Context(), uid, id); cerr == nil {
			_ = ch.Send(responseEvent(rec))
		}
		h.registry.UnregisterCorrelation(id, ch)
		ch.Close()
		return
	}

	park(c, ch)
	h.registry.UnregisterCorrelation(id, ch)
}

// responseEvent converts a stored record into the wire event pushed over
// live channels.
func responseEvent(rec *domain.PendingResponse) delivery.Event {
	return delivery.Event{
		Type:           delivery.EventResponse,
		CorrelationID:  rec.CorrelationID,
		ConversationID: rec.ConversationID,
		Status:         rec.Status,
		Response:       json.RawMessage(rec.Response),
		ErrorMessage:   rec.ErrorMessage,
	}
}
