// internal/hub/websocket.go
package hub

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	webSocketReadDeadline  = 60 * time.Second
	webSocketWriteDeadline = 10 * time.Second
	webSocketPingPeriod    = (webSocketReadDeadline * 9) / 10 // Must be less than readDeadline
)

// ServeWs upgrades the HTTP connection to a WebSocket and registers the client.
// Identity arrives later in an auth message, not on the handshake.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Warnf("WebSocket upgrade error from %s: %v", r.RemoteAddr, err)
		return
	}

	client := NewClient(conn, r.RemoteAddr, h.opts.SendBufferSize, h.newLimiter())
	client.ConnectedAt = h.clock.Now()
	if !h.Register(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	h.logger.Debugf("New WS connection from %s", r.RemoteAddr)

	go h.WritePump(client)
	go h.ReadPump(client)
}

// ReadPump feeds frames from the connection to the hub until the transport
// fails or the peer closes, then unregisters the client.
func (h *Hub) ReadPump(client *Client) {
	defer func() {
		client.beginClose()
		h.Unregister(client)
		client.closeTransport()
	}()

	conn := client.Conn
	conn.SetReadLimit(h.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.WithField("conn_id", client.ID).Warnf("WebSocket error: %v", err)
			}
			return
		}
		h.HandleInbound(client, data)
	}
}

// WritePump writes queued envelopes, one per text frame, and keeps the
// connection alive with pings.
func (h *Hub) WritePump(client *Client) {
	ticker := h.clock.NewTicker(webSocketPingPeriod)
	defer func() {
		ticker.Stop()
		client.closeTransport()
	}()

	conn := client.Conn
	for {
		select {
		case data, ok := <-client.Send:
			conn.SetWriteDeadline(time.Now().Add(webSocketWriteDeadline))
			if !ok {
				// The hub closed the channel.
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				client.beginClose()
				return
			}

		case <-ticker.Chan():
			conn.SetWriteDeadline(time.Now().Add(webSocketWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.beginClose()
				return
			}
		}
	}
}
