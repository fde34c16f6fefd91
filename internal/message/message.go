// internal/message/message.go
// Envelope codec and per-type payload schemas for frames exchanged over the socket.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type tags an envelope. The set is closed at any release but grows over time;
// receivers must tolerate tags they do not know.
type Type string

const (
	TypeAuth           Type = "auth"
	TypeLocationUpdate Type = "location_update"

	// Outbound event kinds pushed by producers.
	TypeNewOrder           Type = "new_order"
	TypeOrderStatusChanged Type = "order_status_changed"
	TypeOrderAssigned      Type = "order_assigned"
	TypeDriverLocation     Type = "driver_location"
)

var (
	ErrMalformed    = errors.New("malformed message")
	ErrMissingField = errors.New("missing required field")
	ErrOutOfRange   = errors.New("value out of range")
)

// Envelope is the {type, payload} wrapper used for every frame.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode builds and serializes an envelope. A nil payload is sent as JSON null.
func Encode(msgType Type, payload any) ([]byte, error) {
	if msgType == "" {
		return nil, fmt.Errorf("encode envelope: %w: type", ErrMissingField)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// Decode parses a raw frame into an envelope without interpreting the payload.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return Envelope{}, fmt.Errorf("%w: type", ErrMissingField)
	}
	return env, nil
}

// AuthPayload binds the sending connection to an externally issued user id.
type AuthPayload struct {
	UserID string `json:"userId"`
}

func (p AuthPayload) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("%w: userId", ErrMissingField)
	}
	return nil
}

// LocationUpdate is a driver position report.
type LocationUpdate struct {
	DriverID  string    `json:"driverId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	OrderID   string    `json:"orderId,omitempty"`
}

func (u LocationUpdate) Validate() error {
	if strings.TrimSpace(u.DriverID) == "" {
		return fmt.Errorf("%w: driverId", ErrMissingField)
	}
	if u.Latitude < -90 || u.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrOutOfRange, u.Latitude)
	}
	if u.Longitude < -180 || u.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrOutOfRange, u.Longitude)
	}
	return nil
}

// ParseAuth decodes and validates an auth payload.
func ParseAuth(raw json.RawMessage) (AuthPayload, error) {
	var p AuthPayload
	if err := decodePayload(raw, &p); err != nil {
		return AuthPayload{}, err
	}
	return p, p.Validate()
}

// ParseLocationUpdate decodes and validates a location_update payload.
// Latitude and longitude must both be present; a zero coordinate is valid.
func ParseLocationUpdate(raw json.RawMessage) (LocationUpdate, error) {
	var probe struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := decodePayload(raw, &probe); err != nil {
		return LocationUpdate{}, err
	}
	if probe.Latitude == nil || probe.Longitude == nil {
		return LocationUpdate{}, fmt.Errorf("%w: latitude/longitude", ErrMissingField)
	}

	var u LocationUpdate
	if err := decodePayload(raw, &u); err != nil {
		return LocationUpdate{}, err
	}
	return u, u.Validate()
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: payload", ErrMissingField)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return nil
}
