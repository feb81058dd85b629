package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/openanalyst/agent-gateway/internal/delivery"
	"github.com/openanalyst/agent-gateway/internal/domain"
	"github.com/openanalyst/agent-gateway/internal/services"
)

func newSSETestChannel(t *testing.T) (*sseChannel, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	return newSSEChannel(c.Writer), w
}

func TestSSEChannel_SendFraming(t *testing.T) {
	ch, w := newSSETestChannel(t)

	ev := delivery.Event{
		Type:          delivery.EventResponse,
		CorrelationID: "corr-1",
		Status:        domain.StatusCompleted,
		Response:      json.RawMessage(`{"answer":42}`),
	}
	if err := ch.Send(ev); err != nil {
		t.Fatalf("Send: %v", err)
	}

	body := w.Body.String()
	if !strings.HasPrefix(body, "event: "+string(delivery.EventResponse)+"\n") {
		t.Fatalf("missing event line: %q", body)
	}
	if !strings.Contains(body, "data: ") || !strings.HasSuffix(body, "\n\n") {
		t.Fatalf("bad framing: %q", body)
	}
	// The data line must round-trip to the same event.
	dataLine := body[strings.Index(body, "data: ")+len("data: "):]
	dataLine = strings.TrimSuffix(dataLine, "\n\n")
	var got delivery.Event
	if err := json.Unmarshal([]byte(dataLine), &got); err != nil {
		t.Fatalf("decode data line: %v", err)
	}
	if got.CorrelationID != "corr-1" || got.Status != domain.StatusCompleted {
		t.Fatalf("got %+v", got)
	}
}

func TestSSEChannel_Heartbeat(t *testing.T) {
	ch, w := newSSETestChannel(t)
	if err := ch.heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got := w.Body.String(); got != ": ping\n\n" {
		t.Fatalf("heartbeat wrote %q", got)
	}
}

func TestSSEChannel_CloseStopsSends(t *testing.T) {
	ch, _ := newSSETestChannel(t)

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-ch.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	if err := ch.Send(delivery.Event{Type: delivery.EventResponse}); err == nil {
		t.Fatal("Send after Close should fail")
	}
	if err := ch.heartbeat(); err == nil {
		t.Fatal("heartbeat after Close should fail")
	}
	// Close is idempotent.
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestStreamResponse_Validation(t *testing.T) {
	t.Run("non-UUID id", func(t *testing.T) {
		r := newHandlerRouterSSE(&stubService{})
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/responses/abc/stream", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("code = %d, want 400", w.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		svc := &stubService{
			get: func(context.Context, string, string) (*domain.PendingResponse, error) {
				return nil, services.ErrResponseNotFound
			},
		}
		r := newHandlerRouterSSE(svc)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/responses/"+uuid.NewString()+"/stream", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Fatalf("code = %d, want 404", w.Code)
		}
	})
}

// Already-settled records are served from the store and the stream closes
// without ever touching the registry.
func TestStreamResponse_AlreadySettled(t *testing.T) {
	id := uuid.NewString()
	claimed := false
	svc := &stubService{
		get: func(_ context.Context, userID, correlationID string) (*domain.PendingResponse, error) {
			rec := sampleRecord(userID, domain.StatusCompleted)
			rec.CorrelationID = correlationID
			return rec, nil
		},
		claim: func(_ context.Context, userID, correlationID string) (*domain.PendingResponse, error) {
			claimed = true
			rec := sampleRecord(userID, domain.StatusDelivered)
			rec.CorrelationID = correlationID
			rec.Response = datatypes.JSON(`{"answer":42}`)
			return rec, nil
		},
	}
	r := newHandlerRouterSSE(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/responses/"+id+"/stream", nil)
	req.Header.Set("X-User-ID", "u1")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if !claimed {
		t.Fatal("expected the record to be claimed")
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: "+string(delivery.EventResponse)) ||
		!strings.Contains(body, id) {
		t.Fatalf("stream body = %q", body)
	}
}

// newHandlerRouterSSE wires only the stream routes.
func newHandlerRouterSSE(svc ResponseService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := New(svc, newTestRegistry())
	r.GET("/stream", h.StreamUser)
	r.GET("/responses/:id/stream", h.StreamResponse)
	return r
}

func newTestRegistry() *delivery.Registry {
	return delivery.NewRegistry(4, zerolog.Nop())
}

// A push arriving after the server's WriteTimeout must still reach the
// client: streams clear the per-connection write deadline when they open.
func TestStreamUser_PushAfterServerWriteTimeout(t *testing.T) {
	registry := newTestRegistry()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := New(&stubService{}, registry)
	r.GET("/stream", h.StreamUser)

	srv := httptest.NewUnstartedServer(r)
	srv.Config.WriteTimeout = 250 * time.Millisecond
	srv.Start()
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-User-ID", "u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(registry.UserChannels("u1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("channel never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Let the server's write deadline elapse before anything is pushed.
	time.Sleep(500 * time.Millisecond)

	ev := delivery.Event{
		Type:          delivery.EventResponse,
		CorrelationID: "corr-late",
		Status:        domain.StatusCompleted,
	}
	for _, ch := range registry.UserChannels("u1") {
		if err := ch.Send(ev); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	readCh := make(chan string, 1)
	go func() {
		var sb strings.Builder
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			sb.Write(buf[:n])
			if strings.Contains(sb.String(), "corr-late") || err != nil {
				readCh <- sb.String()
				return
			}
		}
	}()
	select {
	case got := <-readCh:
		if !strings.Contains(got, "corr-late") {
			t.Fatalf("stream read %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event pushed after the write deadline never reached the client")
	}
}

func TestStreamUser_DeliversRoutedEvent(t *testing.T) {
	registry := newTestRegistry()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := New(&stubService{}, registry)
	r.GET("/stream", h.StreamUser)

	srv := httptest.NewServer(r)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-User-ID", "u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	// Registration happens inside the handler goroutine; poll until the
	// registry sees the channel.
	deadline := time.Now().Add(2 * time.Second)
	for len(registry.UserChannels("u1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("channel never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ev := delivery.Event{
		Type:          delivery.EventResponse,
		CorrelationID: "corr-xyz",
		Status:        domain.StatusCompleted,
	}
	for _, ch := range registry.UserChannels("u1") {
		if err := ch.Send(ev); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	// The stream carries a connected acknowledgement first, then our event.
	readCh := make(chan string, 1)
	go func() {
		var sb strings.Builder
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			sb.Write(buf[:n])
			if strings.Contains(sb.String(), "corr-xyz") || err != nil {
				readCh <- sb.String()
				return
			}
		}
	}()
	select {
	case got := <-readCh:
		if !strings.Contains(got, "corr-xyz") {
			t.Fatalf("stream read %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for routed event")
	}
}
