package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 50 * time.Second
	eventBuffer  = 256
)

// handleEvents streams UI events over a websocket. ?conversation=<id>
// restricts the stream to one conversation. Events are dropped for a client
// that falls eventBuffer events behind.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := make(chan copilot.Event, eventBuffer)
	listener := func(ev copilot.Event) {
		select {
		case events <- ev:
		default:
			g.logger.Warn("dropping event for slow websocket client", "type", ev.Type, "conversation", ev.ConversationID)
		}
	}
	var unsubscribe func()
	if conv := r.URL.Query().Get("conversation"); conv != "" {
		unsubscribe = g.orch.Events().SubscribeConversation(conv, listener)
	} else {
		unsubscribe = g.orch.Events().Subscribe(listener)
	}
	defer unsubscribe()

	// The read loop only handles control frames; it ends when the client
	// goes away.
	closed := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	g.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}
