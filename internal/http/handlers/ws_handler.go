// WebSocket handler.
//
// This file exposes GET /ws, which upgrades the connection and registers it
// as a live channel in the user registry. Delivered events are serialized as
// JSON text frames. The socket is push-only: inbound frames are read and
// discarded so that close and pong frames are still processed.
package handlers

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/openanalyst/agent-gateway/internal/delivery"
	"github.com/openanalyst/agent-gateway/internal/http/middleware"
)

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second
	// wsPongWait is how long to keep reading without a pong.
	wsPongWait = 60 * time.Second
	// wsPingPeriod must be under wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10
	// wsSendBuffer bounds how many events may queue while a write is slow.
	wsSendBuffer = 16
)

var errChannelFull = errors.New("channel send buffer full")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin posture is enforced by the CORS middleware layer; the
	// upgrader accepts any origin so CLI and non-browser clients work.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsChannel adapts a WebSocket connection to delivery.Channel. All frames go
// through a single write pump; Send only enqueues.
type wsChannel struct {
	conn *websocket.Conn
	send chan delivery.Event
	done chan struct{}
	once sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{
		conn: conn,
		send: make(chan delivery.Event, wsSendBuffer),
		done: make(chan struct{}),
	}
}

// Send enqueues ev for the write pump. A full buffer counts as a dead peer
// so the registry evicts the channel instead of blocking the router.
func (w *wsChannel) Send(ev delivery.Event) error {
	select {
	case <-w.done:
		return errChannelClosed
	default:
	}
	select {
	case w.send <- ev:
		return nil
	case <-w.done:
		return errChannelClosed
	default:
		w.Close()
		return errChannelFull
	}
}

func (w *wsChannel) Done() <-chan struct{} { return w.done }

func (w *wsChannel) Close() error {
	w.once.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
	return nil
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings. It owns all writes to the connection.
func (w *wsChannel) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		w.Close()
	}()

	for {
		select {
		case ev := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := w.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.done:
			_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump consumes inbound frames until the peer goes away. Payloads are
// discarded; reading is required for close/pong processing.
func (w *wsChannel) readPump() {
	defer w.Close()

	w.conn.SetReadLimit(4096)
	_ = w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// StreamWebSocket godoc
// @ID          streamWebSocket
// @Summary     Open a user event channel (WebSocket)
// @Description Upgrades the connection and registers it in the user registry. All of the
// @Description user's completed responses are pushed as JSON text frames until either
// @Description side closes the socket.
// @Tags        Streams
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     101  {string} string "switching protocols"
// @Failure     400  {object} handlers.ErrorResponse "Upgrade failed"
// @Router      /ws [get]
func (h *Handlers) StreamWebSocket(c *gin.Context) {
	uid := userID(c)
	lg := middleware.LoggerFrom(c)

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error to the client.
		lg.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ch := newWSChannel(conn)
	go ch.writePump()
	h.registry.RegisterUser(uid, ch)

	lg.Debug().Str("user_id", uid).Msg("websocket channel opened")
	ch.readPump()
	lg.Debug().Str("user_id", uid).Msg("websocket channel closed")
}
