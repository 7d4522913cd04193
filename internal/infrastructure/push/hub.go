package push

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// Frame is the JSON envelope written to websocket clients.
// Type "resync" tells the client that notifications were lost and it should re-query the store.
type Frame struct {
	Type         string               `json:"type"`
	Notification *domain.Notification `json:"notification,omitempty"`
}

// Hub serves the live subscribe surface over websockets at /ws?after=<sequence>.
type Hub struct {
	feed     ports.NotificationFeed
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHub builds a hub over feed. A nil logger discards output.
func NewHub(feed ports.NotificationFeed, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		feed:   feed,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 2048,
			// Dashboards are served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the hub's routes.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.serveWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "after must be a sequence number", http.StatusBadRequest)
			return
		}
		after = v
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := h.feed.Subscribe(after)
	h.logger.Debug("subscriber connected", "remote", r.RemoteAddr, "after", after)

	closed := make(chan struct{})
	go h.readPump(conn, closed)
	h.writePump(r.Context(), conn, sub, closed)
}

// readPump only services control frames; clients do not send data.
func (h *Hub) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, sub ports.Subscription, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	if sub.Gap() {
		if !h.write(conn, Frame{Type: "resync"}) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case n, ok := <-sub.C():
			if !ok {
				// The feed dropped this subscriber for falling behind.
				if sub.Gap() {
					h.write(conn, Frame{Type: "resync"})
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription ended"),
					time.Now().Add(writeWait))
				return
			}
			if !h.write(conn, Frame{Type: "notification", Notification: &n}) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, f Frame) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(f); err != nil {
		h.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}
