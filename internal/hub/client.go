// internal/hub/client.go
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one live socket connection. The hub holds a non-owning reference;
// the transport pumps own Conn.
type Client struct {
	ID          string
	RemoteAddr  string
	Conn        *websocket.Conn
	Send        chan []byte
	ConnectedAt time.Time

	state     atomic.Int32
	limiter   *rate.Limiter
	closeOnce sync.Once

	// userID is the identity this connection authenticated as. Only the hub
	// goroutine reads or writes it.
	userID string
}

// NewClient creates a client in the Connecting state. conn may be nil for
// connections whose transport is driven elsewhere. A nil limiter disables
// inbound throttling.
func NewClient(conn *websocket.Conn, remoteAddr string, bufferSize int, limiter *rate.Limiter) *Client {
	return &Client{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		Conn:       conn,
		Send:       make(chan []byte, bufferSize),
		limiter:    limiter,
	}
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// open moves Connecting to Open. It reports false if the connection already
// started closing.
func (c *Client) open() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// beginClose moves the connection to Closing unless it is already closing or closed.
func (c *Client) beginClose() {
	for {
		cur := c.state.Load()
		if cur >= int32(StateClosing) {
			return
		}
		if c.state.CompareAndSwap(cur, int32(StateClosing)) {
			return
		}
	}
}

func (c *Client) markClosed() {
	c.state.Store(int32(StateClosed))
}

func (c *Client) closeTransport() {
	c.closeOnce.Do(func() {
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
	})
}

func (c *Client) allowInbound() bool {
	return c.limiter == nil || c.limiter.Allow()
}
