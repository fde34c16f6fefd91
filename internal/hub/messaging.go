// internal/hub/messaging.go
package hub

import (
	"github.com/erilali/dispatch/internal/message"
	"github.com/erilali/dispatch/internal/metrics"
)

type inboundHandler func(client *Client, env message.Envelope)

// HandleInbound processes one raw frame from client. Nothing is ever sent back
// and the connection stays open whatever the frame contains. Frames from one
// client are handled in the order this method is called.
func (h *Hub) HandleInbound(client *Client, raw []byte) {
	if !client.allowInbound() {
		h.metrics.DroppedFrames.WithLabelValues(metrics.ReasonRateLimited).Inc()
		h.logger.WithField("conn_id", client.ID).Warn("Inbound rate limit exceeded, frame dropped")
		return
	}

	env, err := message.Decode(raw)
	if err != nil {
		h.metrics.DroppedFrames.WithLabelValues(metrics.ReasonMalformed).Inc()
		h.logger.WithField("conn_id", client.ID).Warnf("Failed to parse socket message: %v", err)
		return
	}

	h.submit(inboundCmd{client: client, envelope: env})
}

func (h *Hub) dispatch(client *Client, env message.Envelope) {
	if _, ok := h.clients[client]; !ok {
		// Frame raced with the connection's close.
		return
	}

	handler, ok := h.handlers[env.Type]
	if !ok {
		h.metrics.DroppedFrames.WithLabelValues(metrics.ReasonUnknownType).Inc()
		h.logger.WithField("conn_id", client.ID).Debugf("Ignoring message of type %q", env.Type)
		return
	}
	h.metrics.InboundFrames.WithLabelValues(string(env.Type)).Inc()

	defer func() {
		if r := recover(); r != nil {
			h.logger.WithField("conn_id", client.ID).Errorf("Handler for %q panicked: %v", env.Type, r)
		}
	}()
	handler(client, env)
}

// handleAuth binds client to the payload's user id. The last connection to
// authenticate as an id wins; the previous one stays open but is no longer
// addressable by that id. A connection carries at most one identity, so
// re-authenticating under another id releases the old one.
func (h *Hub) handleAuth(client *Client, env message.Envelope) {
	p, err := message.ParseAuth(env.Payload)
	if err != nil {
		h.metrics.DroppedFrames.WithLabelValues(metrics.ReasonInvalid).Inc()
		h.logger.WithField("conn_id", client.ID).Warnf("Ignoring auth message: %v", err)
		return
	}

	if client.userID == p.UserID && h.bindings[p.UserID] == client {
		return
	}
	h.unbind(client)

	if prev, ok := h.bindings[p.UserID]; ok {
		prev.userID = ""
		h.logger.WithFields(map[string]interface{}{
			"user_id":    p.UserID,
			"conn_id":    client.ID,
			"superseded": prev.ID,
		}).Info("User re-authenticated from another connection")
	}

	h.bindings[p.UserID] = client
	client.userID = p.UserID
	h.metrics.BoundIdentities.Set(float64(len(h.bindings)))
	h.logger.WithField("conn_id", client.ID).Infof("User %s authenticated via WS", p.UserID)
}

func (h *Hub) handleLocationUpdate(client *Client, env message.Envelope) {
	update, err := message.ParseLocationUpdate(env.Payload)
	if err != nil {
		h.metrics.DroppedFrames.WithLabelValues(metrics.ReasonInvalid).Inc()
		h.logger.WithField("conn_id", client.ID).Warnf("Ignoring location update: %v", err)
		return
	}
	if h.locations == nil {
		h.logger.Debugf("Location update for driver %s dropped: no sink configured", update.DriverID)
		return
	}

	report := LocationReport{
		LocationUpdate: update,
		ReportedBy:     client.userID,
		ConnectionID:   client.ID,
		ReceivedAt:     h.clock.Now().UTC(),
	}
	if err := h.locations.PublishLocation(report); err != nil {
		h.logger.Warnf("Failed to publish location for driver %s: %v", update.DriverID, err)
	}
}

func (h *Hub) handleDeliver(c deliverCmd) {
	defer close(c.done)

	if c.userID == "" {
		delivered := 0
		for client := range h.clients {
			if h.enqueue(client, c.data) {
				delivered++
			}
		}
		h.metrics.Deliveries.WithLabelValues(metrics.KindBroadcast).Add(float64(delivered))
		return
	}

	client, ok := h.bindings[c.userID]
	if !ok || !h.enqueue(client, c.data) {
		h.metrics.UnroutedSends.Inc()
		h.logger.Debugf("No open connection for user %s, message dropped", c.userID)
		return
	}
	h.metrics.Deliveries.WithLabelValues(metrics.KindDirect).Inc()
}

// enqueue never blocks. A full buffer means the peer is not keeping up; its
// transport is closed and the close comes back through Unregister.
func (h *Hub) enqueue(client *Client, data []byte) bool {
	if client.State() != StateOpen {
		return false
	}
	select {
	case client.Send <- data:
		return true
	default:
		client.beginClose()
		client.closeTransport()
		h.metrics.SlowClientsEvicted.Inc()
		h.logger.WithField("conn_id", client.ID).Warn("Disconnecting slow client")
		return false
	}
}
