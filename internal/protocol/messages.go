// Package protocol defines the WebSocket message types and structures used for
// communication between devices and the pairing server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypePosition = "position"
	TypePing     = "ping"
)

// Server -> Client message types.
const (
	TypeConnected   = "connected"
	TypeSearching   = "searching"
	TypePaired      = "paired"
	TypePeerUpdate  = "peer_update"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeMalformedReport = "malformed_report"
	CodeUnsupportedType = "unsupported_type"
)

var (
	// ErrMalformedReport marks a position report with a missing or invalid field.
	ErrMalformedReport = errors.New("protocol: malformed report")

	// ErrUnknownType marks a message whose type is not a client message type.
	ErrUnknownType = errors.New("protocol: unknown client message type")
)

// ---------------------------------------------------------------------------
// Envelope is decoded first to read the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field. Messages without a type
// are position reports; early clients sent bare reports.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	e.Type = partial.Type
	if e.Type == "" {
		e.Type = TypePosition
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// PositionMsg is a device's periodic position and heading report. Numeric
// fields are pointers so that a missing field can be told apart from zero.
type PositionMsg struct {
	Type      string   `json:"type,omitempty"`
	DeviceID  string   `json:"device_id"`
	Heading   *float64 `json:"heading"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
}

// Validate checks that every field is present and in range.
func (m PositionMsg) Validate() error {
	switch {
	case m.DeviceID == "":
		return fmt.Errorf("%w: missing device_id", ErrMalformedReport)
	case m.Heading == nil:
		return fmt.Errorf("%w: missing heading", ErrMalformedReport)
	case m.Latitude == nil:
		return fmt.Errorf("%w: missing latitude", ErrMalformedReport)
	case m.Longitude == nil:
		return fmt.Errorf("%w: missing longitude", ErrMalformedReport)
	case m.Accuracy == nil:
		return fmt.Errorf("%w: missing accuracy", ErrMalformedReport)
	case *m.Heading < 0 || *m.Heading >= 360:
		return fmt.Errorf("%w: heading %v outside [0,360)", ErrMalformedReport, *m.Heading)
	case *m.Latitude < -90 || *m.Latitude > 90:
		return fmt.Errorf("%w: latitude %v outside [-90,90]", ErrMalformedReport, *m.Latitude)
	case *m.Longitude < -180 || *m.Longitude > 180:
		return fmt.Errorf("%w: longitude %v outside [-180,180]", ErrMalformedReport, *m.Longitude)
	case *m.Accuracy < 0:
		return fmt.Errorf("%w: negative accuracy %v", ErrMalformedReport, *m.Accuracy)
	}
	return nil
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent by the server when a new connection is established.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// SearchingMsg answers a report that found no pairing.
type SearchingMsg struct {
	Type    string `json:"type"`
	APITime int64  `json:"api_time"` // ms spent handling the report
}

// PairingData identifies the peer in a PairedMsg.
type PairingData struct {
	DeviceID string  `json:"device_id"`
	Distance float64 `json:"distance"`
}

// PairedMsg answers a report whose device is paired, either freshly or after
// the notify cooldown elapsed.
type PairedMsg struct {
	Type        string      `json:"type"`
	PairingData PairingData `json:"pairing_data"`
	APITime     int64       `json:"api_time"`
}

// PeerInfo is the peer position carried by PeerUpdateMsg.
type PeerInfo struct {
	DeviceID  string  `json:"device_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Heading   float64 `json:"heading"`
}

// PeerUpdateMsg carries the latest position of an already known peer.
type PeerUpdateMsg struct {
	Type     string   `json:"type"`
	Peer     PeerInfo `json:"peer"`
	Distance float64  `json:"distance"`
	SentTime int64    `json:"sent_time"` // unix ms
}

// RateLimitedMsg is sent by the server when a report was dropped by the rate
// limiter.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// Position reports are validated; an invalid one yields an error wrapping
// ErrMalformedReport. Unknown types yield an error wrapping ErrUnknownType.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	switch env.Type {
	case TypePosition:
		var m PositionMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return env.Type, nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
		}
		if err := m.Validate(); err != nil {
			return env.Type, nil, err
		}
		return env.Type, m, nil
	case TypePing:
		var m PingMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		return env.Type, m, nil
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
