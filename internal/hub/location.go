package hub

import (
	"time"

	"github.com/erilali/dispatch/internal/message"
)

// LocationReport is a validated driver position together with what the hub
// knows about the connection that sent it.
type LocationReport struct {
	message.LocationUpdate
	ReportedBy   string    `json:"reportedBy,omitempty"` // empty if the connection never authenticated
	ConnectionID string    `json:"connectionId"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// LocationSink receives location updates. Implementations are called from the
// hub goroutine and must not block.
type LocationSink interface {
	PublishLocation(report LocationReport) error
}

type LocationSinkFunc func(report LocationReport) error

func (f LocationSinkFunc) PublishLocation(report LocationReport) error {
	return f(report)
}
