package messaging

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Subjects for pairing lifecycle events.
const (
	SubjectPairingFormed    = "pairing.formed"
	SubjectPairingDissolved = "pairing.dissolved"
)

// Publisher sends raw payloads to a subject. *NATSClient implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PairingEvent is the JSON body of a lifecycle event.
type PairingEvent struct {
	DeviceA  string  `json:"device_a"`
	DeviceB  string  `json:"device_b"`
	Distance float64 `json:"distance,omitempty"` // meters, formed events only
	Reason   string  `json:"reason,omitempty"`   // dissolved events only
	Server   string  `json:"server"`
	At       int64   `json:"at"` // unix ms
}

// PairingPublisher publishes engine lifecycle events. Publishing is best
// effort; failures are logged and never reach the engine.
type PairingPublisher struct {
	pub    Publisher
	server string
	now    func() time.Time
	logger *zap.Logger
}

// NewPairingPublisher creates a publisher that tags events with server.
func NewPairingPublisher(pub Publisher, server string, logger *zap.Logger) *PairingPublisher {
	return &PairingPublisher{
		pub:    pub,
		server: server,
		now:    time.Now,
		logger: logger.Named("events"),
	}
}

// PairingFormed publishes a pairing.formed event.
func (p *PairingPublisher) PairingFormed(a, b string, distance float64) {
	p.publish(SubjectPairingFormed, PairingEvent{DeviceA: a, DeviceB: b, Distance: distance})
}

// PairingDissolved publishes a pairing.dissolved event.
func (p *PairingPublisher) PairingDissolved(a, b string, reason string) {
	p.publish(SubjectPairingDissolved, PairingEvent{DeviceA: a, DeviceB: b, Reason: reason})
}

func (p *PairingPublisher) publish(subject string, ev PairingEvent) {
	ev.Server = p.server
	ev.At = p.now().UnixMilli()

	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("encode event failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.pub.Publish(subject, data); err != nil {
		p.logger.Warn("publish event failed",
			zap.String("subject", subject),
			zap.String("device_a", ev.DeviceA),
			zap.String("device_b", ev.DeviceB),
			zap.Error(err))
	}
}
