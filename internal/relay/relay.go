// internal/relay/relay.go
// Bridges NATS and the hub: producers in other processes publish envelopes to
// NATS subjects that the relay turns into Broadcast and SendToUser calls, and
// validated driver location updates are published back out.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/erilali/dispatch/internal/hub"
	"github.com/erilali/dispatch/internal/logger"
	"github.com/erilali/dispatch/internal/message"
	"github.com/erilali/dispatch/internal/metrics"
	"github.com/nats-io/nats.go"
)

const (
	kindBroadcast = "broadcast"
	kindUser      = "user"
	kindLocation  = "location"
	kindUnknown   = "unknown"

	outcomeOK        = "ok"
	outcomeMalformed = "malformed"
	outcomeError     = "error"
)

var ErrInvalidSubjectToken = errors.New("invalid subject token")

// Conn is the subset of *nats.Conn the relay needs.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type Relay struct {
	conn     Conn
	prefix   string
	notifier hub.Notifier
	logger   *logger.Logger
	metrics  *metrics.Metrics
	subs     []*nats.Subscription
}

var _ hub.LocationSink = (*Relay)(nil)

func New(conn Conn, prefix string, notifier hub.Notifier, log *logger.Logger, m *metrics.Metrics) *Relay {
	if log == nil {
		log = logger.Nop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Relay{
		conn:     conn,
		prefix:   prefix,
		notifier: notifier,
		logger:   log,
		metrics:  m,
	}
}

// SetNotifier attaches the hub after construction; the hub takes the relay as
// its location sink, so one of the two has to be wired second.
func (r *Relay) SetNotifier(n hub.Notifier) {
	r.notifier = n
}

func BroadcastSubject(prefix string) string {
	return prefix + ".broadcast"
}

func UserSubject(prefix, userID string) string {
	return prefix + ".user." + userID
}

func LocationSubject(prefix, driverID string) string {
	return prefix + ".location." + driverID
}

// Start subscribes to the broadcast and per-user subjects. User ids may
// contain dots, so the per-user subscription uses the full wildcard.
func (r *Relay) Start() error {
	if r.notifier == nil {
		return errors.New("relay: no notifier configured")
	}
	subjects := []string{BroadcastSubject(r.prefix), UserSubject(r.prefix, ">")}
	for _, subject := range subjects {
		sub, err := r.conn.Subscribe(subject, r.handle)
		if err != nil {
			r.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
		r.logger.Infof("Subscribed to %s", subject)
	}
	return nil
}

func (r *Relay) Stop() {
	for _, sub := range r.subs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warnf("Error unsubscribing from %s: %v", sub.Subject, err)
		}
	}
	r.subs = nil
}

func (r *Relay) handle(msg *nats.Msg) {
	kind, userID := r.classify(msg.Subject)
	if kind == kindUnknown {
		r.metrics.RelayMessages.WithLabelValues(kind, outcomeMalformed).Inc()
		r.logger.Warnf("Relay received message on unexpected subject %s", msg.Subject)
		return
	}

	env, err := message.Decode(msg.Data)
	if err != nil {
		r.metrics.RelayMessages.WithLabelValues(kind, outcomeMalformed).Inc()
		r.logger.Warnf("Dropping relay message on %s: %v", msg.Subject, err)
		return
	}

	if kind == kindBroadcast {
		err = r.notifier.Broadcast(env.Type, env.Payload)
	} else {
		err = r.notifier.SendToUser(userID, env.Type, env.Payload)
	}
	if err != nil {
		r.metrics.RelayMessages.WithLabelValues(kind, outcomeError).Inc()
		r.logger.Errorf("Failed to relay %s message from %s: %v", env.Type, msg.Subject, err)
		return
	}
	r.metrics.RelayMessages.WithLabelValues(kind, outcomeOK).Inc()
}

func (r *Relay) classify(subject string) (kind, userID string) {
	if subject == BroadcastSubject(r.prefix) {
		return kindBroadcast, ""
	}
	userPrefix := UserSubject(r.prefix, "")
	if id, ok := strings.CutPrefix(subject, userPrefix); ok && id != "" {
		return kindUser, id
	}
	return kindUnknown, ""
}

// PublishLocation implements hub.LocationSink. Publish only buffers, so it
// does not block the hub.
func (r *Relay) PublishLocation(report hub.LocationReport) error {
	if !validToken(report.DriverID) {
		r.metrics.RelayMessages.WithLabelValues(kindLocation, outcomeMalformed).Inc()
		return fmt.Errorf("%w: driver id %q", ErrInvalidSubjectToken, report.DriverID)
	}
	data, err := json.Marshal(report)
	if err != nil {
		r.metrics.RelayMessages.WithLabelValues(kindLocation, outcomeError).Inc()
		return fmt.Errorf("marshal location report: %w", err)
	}
	if err := r.conn.Publish(LocationSubject(r.prefix, report.DriverID), data); err != nil {
		r.metrics.RelayMessages.WithLabelValues(kindLocation, outcomeError).Inc()
		return fmt.Errorf("publish location: %w", err)
	}
	r.metrics.RelayMessages.WithLabelValues(kindLocation, outcomeOK).Inc()
	return nil
}

// validToken reports whether s can be used as a single NATS subject token.
func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}
