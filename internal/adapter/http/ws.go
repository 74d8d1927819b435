package http

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bnema/reencode/internal/infrastructure/logger"
)

const (
	wsWriteTimeout = 10 * time.Second
	// Clients that neither ping nor answer control pings within this window
	// are dropped.
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

type wsMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// WSHandler pushes every bus event to connected websocket clients. Clients
// may send {"type":"ping"} and get {"type":"pong"} back.
type WSHandler struct {
	events      EventSource
	upgrader    websocket.Upgrader
	log         *logger.Logger
	connections atomic.Int64
}

func NewWSHandler(events EventSource, log *logger.Logger) *WSHandler {
	return &WSHandler{
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.Named("ws"),
	}
}

// Connections returns the number of open websocket clients.
func (h *WSHandler) Connections() int64 {
	return h.connections.Load()
}

func (h *WSHandler) Serve() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied with an HTTP error
			h.log.Warnf("websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close() //nolint:errcheck

		ch := h.events.Subscribe()
		defer h.events.Unsubscribe(ch)

		h.log.Infof("websocket connected, total connections: %d", h.connections.Add(1))
		defer func() {
			h.log.Infof("websocket disconnected, total connections: %d", h.connections.Add(-1))
		}()

		replies := make(chan wsMessage, 4)
		readDone := make(chan struct{})
		go h.readLoop(conn, replies, readDone)

		if err := h.write(conn, wsMessage{Type: "system", Message: "Connected to conversion service"}); err != nil {
			return
		}

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-readDone:
				return
			case <-r.Context().Done():
				return
			case msg := <-replies:
				if err := h.write(conn, msg); err != nil {
					return
				}
			case event, ok := <-ch:
				if !ok {
					return
				}
				if err := h.write(conn, event); err != nil {
					h.log.Debugf("websocket send failed: %v", err)
					return
				}
			case <-ping.C:
				deadline := time.Now().Add(wsWriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}
}

// readLoop owns the read side of conn. Replies go through the writer loop,
// which is the only goroutine allowed to write.
func (h *WSHandler) readLoop(conn *websocket.Conn, replies chan<- wsMessage, done chan<- struct{}) {
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warnf("websocket read error: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debugf("ignoring malformed websocket message: %v", err)
			continue
		}
		if msg.Type == "ping" {
			select {
			case replies <- wsMessage{Type: "pong"}:
			default:
			}
		}
	}
}

func (h *WSHandler) write(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
