// internal/hub/hub.go
// Connection registry and router. A single goroutine owns the connection set
// and the identity bindings; every mutation and every delivery runs on it.
package hub

import (
	"fmt"
	"sync"

	"github.com/erilali/dispatch/internal/logger"
	"github.com/erilali/dispatch/internal/message"
	"github.com/erilali/dispatch/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const commandBufferSize = 256

// Notifier is what producers (the HTTP API layer, the NATS relay) use to push
// events. Neither method reports whether anyone received the message.
type Notifier interface {
	Broadcast(msgType message.Type, payload any) error
	SendToUser(userID string, msgType message.Type, payload any) error
}

type Options struct {
	SendBufferSize       int
	MaxMessageSize       int64
	InboundRatePerSecond float64
	InboundBurst         int
	AllowedOrigins       []string
	Clock                clockwork.Clock
	Locations            LocationSink // nil drops location updates after validation
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Clients int `json:"clients"`
	Bound   int `json:"bound"`
}

type command interface{ isCommand() }

type baseCommand struct{}

func (baseCommand) isCommand() {}

type registerCmd struct {
	baseCommand
	client *Client
}

type unregisterCmd struct {
	baseCommand
	client *Client
}

type inboundCmd struct {
	baseCommand
	client   *Client
	envelope message.Envelope
}

// deliverCmd with an empty userID is a broadcast.
type deliverCmd struct {
	baseCommand
	userID string
	data   []byte
	done   chan struct{}
}

type inspectCmd struct {
	baseCommand
	fn   func()
	done chan struct{}
}

type stopCmd struct {
	baseCommand
}

// Hub manages connected clients, their identity bindings and message delivery.
type Hub struct {
	clients  map[*Client]struct{}
	bindings map[string]*Client
	handlers map[message.Type]inboundHandler

	cmds     chan command
	done     chan struct{}
	stopOnce sync.Once

	opts      Options
	clock     clockwork.Clock
	upgrader  websocket.Upgrader
	locations LocationSink
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

var _ Notifier = (*Hub)(nil)

// NewHub creates a hub. Call Run in its own goroutine before using it.
func NewHub(opts Options, log *logger.Logger, m *metrics.Metrics) *Hub {
	if opts.SendBufferSize < 1 {
		opts.SendBufferSize = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4096
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	if m == nil {
		m = metrics.NewNop()
	}

	h := &Hub{
		clients:   make(map[*Client]struct{}),
		bindings:  make(map[string]*Client),
		cmds:      make(chan command, commandBufferSize),
		done:      make(chan struct{}),
		opts:      opts,
		clock:     opts.Clock,
		locations: opts.Locations,
		logger:    log,
		metrics:   m,
	}
	h.handlers = map[message.Type]inboundHandler{
		message.TypeAuth:           h.handleAuth,
		message.TypeLocationUpdate: h.handleLocationUpdate,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     newCheckOrigin(opts.AllowedOrigins, log),
	}
	return h
}

// Run is the hub's event loop. It returns after Stop.
func (h *Hub) Run() {
	defer close(h.done)

	for cmd := range h.cmds {
		switch c := cmd.(type) {
		case registerCmd:
			h.handleRegister(c.client)
		case unregisterCmd:
			h.handleUnregister(c.client)
		case inboundCmd:
			h.dispatch(c.client, c.envelope)
		case deliverCmd:
			h.handleDeliver(c)
		case inspectCmd:
			c.fn()
			close(c.done)
		case stopCmd:
			h.handleStop()
			return
		default:
			h.logger.Warnf("Hub received unknown command %T", cmd)
		}
	}
}

// submit reports false once the loop has exited.
func (h *Hub) submit(cmd command) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.cmds <- cmd:
		return true
	case <-h.done:
		return false
	}
}

// Register accepts a connection. It receives broadcasts from now on and direct
// messages once it authenticates. Returns false if the hub is stopped.
func (h *Hub) Register(client *Client) bool {
	return h.submit(registerCmd{client: client})
}

// Unregister removes a closed connection and any binding pointing at it.
// Calling it more than once for the same client is harmless.
func (h *Hub) Unregister(client *Client) {
	h.submit(unregisterCmd{client: client})
}

// Stop closes every connection and ends the event loop. It waits for Run to exit.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.submit(stopCmd{})
	})
	<-h.done
}

// Stats waits for all previously submitted commands to be processed.
func (h *Hub) Stats() Stats {
	var s Stats
	h.inspect(func() {
		s = Stats{Clients: len(h.clients), Bound: len(h.bindings)}
	})
	return s
}

// IsBound reports whether userID currently has a connection bound to it.
func (h *Hub) IsBound(userID string) bool {
	var ok bool
	h.inspect(func() {
		_, ok = h.bindings[userID]
	})
	return ok
}

func (h *Hub) inspect(fn func()) {
	done := make(chan struct{})
	if !h.submit(inspectCmd{fn: fn, done: done}) {
		return
	}
	select {
	case <-done:
	case <-h.done:
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.clients[client] = struct{}{}
	if !client.open() {
		h.logger.Debugf("Client %s registered while %s", client.ID, client.State())
	}
	h.metrics.ConnectedClients.Set(float64(len(h.clients)))
	h.logger.WithFields(map[string]interface{}{
		"conn_id": client.ID,
		"remote":  client.RemoteAddr,
	}).Info("Client connected")
}

func (h *Hub) handleUnregister(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	h.unbind(client)
	client.markClosed()
	close(client.Send)

	h.metrics.ConnectedClients.Set(float64(len(h.clients)))
	h.logger.WithField("conn_id", client.ID).Info("Client disconnected")
}

// unbind drops the binding for client's identity if it still points at client.
// A superseded connection must not remove its successor's binding.
func (h *Hub) unbind(client *Client) {
	if client.userID == "" {
		return
	}
	if h.bindings[client.userID] == client {
		delete(h.bindings, client.userID)
		h.metrics.BoundIdentities.Set(float64(len(h.bindings)))
	}
	client.userID = ""
}

func (h *Hub) handleStop() {
	for client := range h.clients {
		client.beginClose()
		client.markClosed()
		close(client.Send)
	}
	h.clients = make(map[*Client]struct{})
	h.bindings = make(map[string]*Client)
	h.metrics.ConnectedClients.Set(0)
	h.metrics.BoundIdentities.Set(0)
	h.logger.Info("Hub stopped")
}

func (h *Hub) newLimiter() *rate.Limiter {
	if h.opts.InboundRatePerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(h.opts.InboundRatePerSecond), h.opts.InboundBurst)
}

// Broadcast delivers an envelope to every open connection, authenticated or not.
// Only encoding failures are reported.
func (h *Hub) Broadcast(msgType message.Type, payload any) error {
	data, err := message.Encode(msgType, payload)
	if err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	h.deliver("", data)
	return nil
}

// SendToUser delivers an envelope to the connection bound to userID. An
// unknown or offline recipient is not an error.
func (h *Hub) SendToUser(userID string, msgType message.Type, payload any) error {
	data, err := message.Encode(msgType, payload)
	if err != nil {
		return fmt.Errorf("send to %s: %w", userID, err)
	}
	if userID == "" {
		return nil
	}
	h.deliver(userID, data)
	return nil
}

// deliver returns once the loop has attempted delivery.
func (h *Hub) deliver(userID string, data []byte) {
	done := make(chan struct{})
	if !h.submit(deliverCmd{userID: userID, data: data, done: done}) {
		return
	}
	select {
	case <-done:
	case <-h.done:
	}
}
