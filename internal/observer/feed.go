package observer

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rusteze-AP/simulation-controller/internal/logging"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedPongWait     = 60 * time.Second
	feedPingInterval = (feedPongWait * 9) / 10
)

// feedFrame is the first message of every feed connection.
type feedFrame struct {
	Type UpdateType `json:"type"`
	View *View      `json:"view"`
}

// UpdateView tags the initial full view sent on connect.
const UpdateView UpdateType = "view"

// FeedHandler streams the current view followed by every update as JSON
// text frames over a websocket.
func (h *Hub) FeedHandler() http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin:     func(*http.Request) bool { return true },
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := h.Subscribe(DefaultSubscriberBuffer)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer sub.Close()

		view, err := h.View(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
			return
		}
		defer conn.Close()
		h.serveFeed(r.Context(), conn, sub, view)
	})
}

func (h *Hub) serveFeed(ctx context.Context, conn *websocket.Conn, sub *Subscription, view View) {
	log := h.log.With(logging.String("remote", conn.RemoteAddr().String()))
	log.Info(ctx, "feed client connected")
	defer log.Info(ctx, "feed client disconnected", logging.Int("dropped", int(sub.Dropped())))

	// The read side only processes control frames and notices the close.
	gone := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := writeJSON(conn, feedFrame{Type: UpdateView, View: &view}); err != nil {
		return
	}

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case u, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "observer closed"),
					time.Now().Add(feedWriteTimeout))
				return
			}
			if err := writeJSON(conn, u); err != nil {
				log.Debug(ctx, "feed write failed", logging.Err(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return conn.WriteJSON(v)
}
