package hub

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/erilali/dispatch/internal/logger"
	"github.com/erilali/dispatch/internal/message"
	"github.com/erilali/dispatch/internal/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, opts Options) (*Hub, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	h := NewHub(opts, logger.Nop(), m)
	go h.Run()
	t.Cleanup(h.Stop)
	return h, m
}

func connect(t *testing.T, h *Hub) *Client {
	t.Helper()
	c := NewClient(nil, "192.0.2.1:5000", 8, nil)
	require.True(t, h.Register(c))
	return c
}

func authenticate(h *Hub, c *Client, userID string) {
	h.HandleInbound(c, []byte(fmt.Sprintf(`{"type":"auth","payload":{"userId":%q}}`, userID)))
}

// drain returns everything currently queued for c without blocking.
func drain(c *Client) []string {
	var out []string
	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				return out
			}
			out = append(out, string(data))
		default:
			return out
		}
	}
}

func TestSendToUser_DeliversOnlyToBoundConnection(t *testing.T) {
	h, m := newTestHub(t, Options{})
	a := connect(t, h)
	b := connect(t, h)

	authenticate(h, a, "driver-1")
	require.NoError(t, h.SendToUser("driver-1", message.TypeOrderAssigned, map[string]string{"orderId": "o1"}))

	got := drain(a)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"type":"order_assigned","payload":{"orderId":"o1"}}`, got[0])
	assert.Empty(t, drain(b))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.KindDirect)))
}

func TestBroadcast_ReachesUnauthenticatedConnections(t *testing.T) {
	h, m := newTestHub(t, Options{})
	a := connect(t, h)
	b := connect(t, h)

	require.NoError(t, h.Broadcast(message.TypeNewOrder, map[string]string{"orderId": "o2"}))

	for _, c := range []*Client{a, b} {
		got := drain(c)
		require.Len(t, got, 1)
		assert.JSONEq(t, `{"type":"new_order","payload":{"orderId":"o2"}}`, got[0])
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.KindBroadcast)))
}

func TestBroadcast_SkipsConnectionsThatAreNotOpen(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	open := connect(t, h)
	closing := connect(t, h)
	closing.beginClose()

	// Closed before the hub got to register it, so it never becomes Open.
	late := NewClient(nil, "192.0.2.9:1", 8, nil)
	late.beginClose()
	require.True(t, h.Register(late))

	require.NoError(t, h.Broadcast(message.TypeNewOrder, nil))

	assert.Len(t, drain(open), 1)
	assert.Empty(t, drain(closing))
	assert.Empty(t, drain(late))
	assert.Equal(t, StateClosing, late.State())
}

func TestSendToUser_AfterDisconnectIsNoop(t *testing.T) {
	h, m := newTestHub(t, Options{})
	a := connect(t, h)
	authenticate(h, a, "driver-1")
	require.True(t, h.IsBound("driver-1"))

	h.Unregister(a)

	assert.NoError(t, h.SendToUser("driver-1", message.TypeOrderAssigned, nil))
	assert.False(t, h.IsBound("driver-1"))
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnroutedSends))
	assert.Equal(t, Stats{}, h.Stats())
}

func TestAuth_LastRegistrationWins(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	a := connect(t, h)
	b := connect(t, h)

	authenticate(h, a, "driver-1")
	authenticate(h, b, "driver-1")
	require.NoError(t, h.SendToUser("driver-1", message.TypeOrderAssigned, nil))

	assert.Empty(t, drain(a))
	assert.Len(t, drain(b), 1)

	// The superseded connection stays open and still gets broadcasts.
	assert.Equal(t, StateOpen, a.State())
	require.NoError(t, h.Broadcast(message.TypeNewOrder, nil))
	assert.Len(t, drain(a), 1)
	drain(b)

	// Closing it must not remove the successor's binding.
	h.Unregister(a)
	require.NoError(t, h.SendToUser("driver-1", message.TypeOrderAssigned, nil))
	assert.Len(t, drain(b), 1)
	assert.Equal(t, Stats{Clients: 1, Bound: 1}, h.Stats())
}

func TestAuth_ReauthenticatingMovesIdentity(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	a := connect(t, h)

	authenticate(h, a, "customer-1")
	authenticate(h, a, "customer-2")

	assert.False(t, h.IsBound("customer-1"))
	assert.True(t, h.IsBound("customer-2"))
	assert.Equal(t, 1, h.Stats().Bound)

	authenticate(h, a, "customer-2")
	assert.Equal(t, 1, h.Stats().Bound)
}

func TestHandleInbound_MalformedFramesKeepConnectionOpen(t *testing.T) {
	h, m := newTestHub(t, Options{})
	a := connect(t, h)

	for _, raw := range []string{
		`"not json"`,
		`not json`,
		`{"payload":{"userId":"x"}}`,
		`{"type":"auth"}`,
		`{"type":"auth","payload":{}}`,
		`{"type":"auth","payload":{"userId":""}}`,
		`{"type":"auth","payload":"driver-1"}`,
		`{"type":"location_update","payload":{"latitude":1}}`,
		`{"type":"order_status_changed","payload":{"orderId":"o1"}}`,
		``,
	} {
		h.HandleInbound(a, []byte(raw))
	}

	assert.Equal(t, Stats{Clients: 1, Bound: 0}, h.Stats())
	assert.Equal(t, StateOpen, a.State())

	authenticate(h, a, "driver-1")
	assert.True(t, h.IsBound("driver-1"))

	assert.Equal(t, 4.0, testutil.ToFloat64(m.DroppedFrames.WithLabelValues(metrics.ReasonMalformed)))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.DroppedFrames.WithLabelValues(metrics.ReasonInvalid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedFrames.WithLabelValues(metrics.ReasonUnknownType)))
}

func TestUnregister_Idempotent(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	a := connect(t, h)
	b := connect(t, h)
	authenticate(h, a, "restaurant-7")

	h.Unregister(a)
	h.Unregister(a)

	assert.Equal(t, Stats{Clients: 1, Bound: 0}, h.Stats())
	require.NoError(t, h.Broadcast(message.TypeNewOrder, nil))
	assert.Len(t, drain(b), 1)
}

func TestHandleInbound_AfterUnregisterIgnored(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	a := connect(t, h)
	h.Unregister(a)

	authenticate(h, a, "driver-1")
	assert.False(t, h.IsBound("driver-1"))
}

func TestBroadcast_SlowClientDoesNotAbortOthers(t *testing.T) {
	h, m := newTestHub(t, Options{})
	slow := NewClient(nil, "192.0.2.2:1", 1, nil)
	require.True(t, h.Register(slow))
	fast := connect(t, h)

	require.NoError(t, h.Broadcast(message.TypeNewOrder, 1))
	require.NoError(t, h.Broadcast(message.TypeNewOrder, 2))
	require.NoError(t, h.Broadcast(message.TypeNewOrder, 3))

	assert.Len(t, drain(fast), 3)
	assert.Equal(t, StateClosing, slow.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlowClientsEvicted))

	// The transport close ends in Unregister, like a read error would.
	h.Unregister(slow)
	assert.Equal(t, 1, h.Stats().Clients)
}

func TestBroadcast_EncodeErrorReturned(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	a := connect(t, h)

	assert.Error(t, h.Broadcast(message.TypeNewOrder, func() {}))
	assert.Error(t, h.SendToUser("driver-1", message.TypeOrderAssigned, make(chan int)))
	assert.Empty(t, drain(a))
}

func TestSendToUser_EmptyIdentifier(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	a := connect(t, h)
	assert.NoError(t, h.SendToUser("", message.TypeOrderAssigned, nil))
	assert.Empty(t, drain(a))
}

func TestInboundRateLimit(t *testing.T) {
	h, m := newTestHub(t, Options{InboundRatePerSecond: 0.001, InboundBurst: 1})
	a := NewClient(nil, "192.0.2.3:1", 8, h.newLimiter())
	require.True(t, h.Register(a))

	authenticate(h, a, "driver-1")
	authenticate(h, a, "driver-2")

	assert.True(t, h.IsBound("driver-1"))
	assert.False(t, h.IsBound("driver-2"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedFrames.WithLabelValues(metrics.ReasonRateLimited)))
	assert.Equal(t, StateOpen, a.State())
}

func TestLocationUpdate_PublishedToSink(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC))

	var mu sync.Mutex
	var reports []LocationReport
	sink := LocationSinkFunc(func(r LocationReport) error {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, r)
		return nil
	})

	h, _ := newTestHub(t, Options{Clock: clock, Locations: sink})
	a := connect(t, h)
	other := connect(t, h)
	authenticate(h, a, "driver-1")

	h.HandleInbound(a, []byte(`{"type":"location_update","payload":{"driverId":"driver-1","latitude":52.52,"longitude":13.405}}`))
	h.HandleInbound(a, []byte(`{"type":"location_update","payload":{"driverId":"driver-1","latitude":152,"longitude":13.405}}`))
	h.Stats()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.Equal(t, "driver-1", reports[0].DriverID)
	assert.Equal(t, 52.52, reports[0].Latitude)
	assert.Equal(t, "driver-1", reports[0].ReportedBy)
	assert.Equal(t, a.ID, reports[0].ConnectionID)
	assert.Equal(t, clock.Now(), reports[0].ReceivedAt)

	// Location updates are not routed to other connections.
	assert.Empty(t, drain(other))
	assert.Empty(t, drain(a))
}

func TestLocationReport_JSON(t *testing.T) {
	r := LocationReport{
		LocationUpdate: message.LocationUpdate{DriverID: "d1", Latitude: 1.5, Longitude: 2.5},
		ConnectionID:   "c1",
		ReceivedAt:     time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC),
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"driverId":"d1","latitude":1.5,"longitude":2.5,"connectionId":"c1","receivedAt":"2026-10-14T09:30:00Z"}`, string(data))
}

func TestHandlerPanicDoesNotKillHub(t *testing.T) {
	sink := LocationSinkFunc(func(LocationReport) error { panic("sink exploded") })
	h, _ := newTestHub(t, Options{Locations: sink})
	a := connect(t, h)

	h.HandleInbound(a, []byte(`{"type":"location_update","payload":{"driverId":"d1","latitude":0,"longitude":0}}`))
	authenticate(h, a, "driver-1")

	assert.True(t, h.IsBound("driver-1"))
}

func TestStop(t *testing.T) {
	h := NewHub(Options{}, logger.Nop(), nil)
	go h.Run()

	a := NewClient(nil, "192.0.2.4:1", 8, nil)
	require.True(t, h.Register(a))
	authenticate(h, a, "driver-1")
	h.Stats()

	h.Stop()
	h.Stop()

	_, ok := <-a.Send
	assert.False(t, ok, "send channel is closed on stop")
	assert.Equal(t, StateClosed, a.State())

	assert.False(t, h.Register(NewClient(nil, "192.0.2.5:1", 8, nil)))
	assert.NoError(t, h.Broadcast(message.TypeNewOrder, nil))
	assert.NoError(t, h.SendToUser("driver-1", message.TypeNewOrder, nil))
	assert.Equal(t, Stats{}, h.Stats())
	h.Unregister(a)
}

// Random auth/close sequences: every identifier resolves to at most one
// connection, and it is the one that authenticated last.
func TestBindings_UniqueAndLastWins(t *testing.T) {
	h, _ := newTestHub(t, Options{})
	rng := rand.New(rand.NewSource(42))

	ids := []string{"driver-1", "driver-2", "restaurant-1", "admin"}
	var clients []*Client
	for range 6 {
		clients = append(clients, connect(t, h))
	}
	closed := map[*Client]bool{}
	owner := map[string]*Client{}      // expected binding
	identity := map[*Client]string{} // expected identity per connection

	for range 300 {
		c := clients[rng.Intn(len(clients))]
		if closed[c] {
			continue
		}
		if rng.Intn(10) == 0 {
			h.Unregister(c)
			closed[c] = true
			if id := identity[c]; id != "" && owner[id] == c {
				delete(owner, id)
			}
			continue
		}
		id := ids[rng.Intn(len(ids))]
		authenticate(h, c, id)
		if prev := identity[c]; prev != "" && owner[prev] == c {
			delete(owner, prev)
		}
		if prevOwner, ok := owner[id]; ok && prevOwner != c {
			identity[prevOwner] = ""
		}
		owner[id] = c
		identity[c] = id
	}

	for _, c := range clients {
		drain(c)
	}
	for _, id := range ids {
		require.NoError(t, h.SendToUser(id, message.TypeOrderAssigned, id))

		receivers := 0
		for _, c := range clients {
			if closed[c] {
				continue
			}
			got := drain(c)
			if len(got) > 0 {
				receivers++
				assert.Same(t, owner[id], c, "delivery for %s went to the wrong connection", id)
			}
		}
		_, bound := owner[id]
		if bound {
			assert.Equal(t, 1, receivers, id)
		} else {
			assert.Zero(t, receivers, id)
		}
	}
	assert.Equal(t, len(owner), h.Stats().Bound)
}
