package pairing

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/proxipair/pairing-server/internal/geo"
	"github.com/proxipair/pairing-server/internal/metrics"
	"github.com/proxipair/pairing-server/internal/protocol"
)

// Sender writes an encoded server message to a connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Relay forwards a paired device's position to its peer's connection.
// Delivery is best effort: a missing peer or a failed write is not an error.
type Relay struct {
	engine *Engine
	sender Sender
	now    func() time.Time
	logger *zap.Logger
}

// NewRelay creates a Relay that resolves peers through engine and writes
// through sender.
func NewRelay(engine *Engine, sender Sender, logger *zap.Logger) *Relay {
	return &Relay{
		engine: engine,
		sender: sender,
		now:    time.Now,
		logger: logger.Named("relay"),
	}
}

// Forward sends from's latest position to the connection of device toID.
// It returns true if the message was written.
func (r *Relay) Forward(from DeviceReport, toID string) bool {
	to, ok := r.engine.ConnectionFor(toID)
	if !ok {
		metrics.RelayTotal.WithLabelValues("absent").Inc()
		r.logger.Debug("relay target gone", zap.String("from", from.DeviceID), zap.String("to", toID))
		return false
	}

	dist := geo.Distance(from.Point(), to.Report.Point())
	data, err := protocol.NewServerMessage(protocol.TypePeerUpdate, PeerUpdate(from, dist, r.now()))
	if err != nil {
		metrics.RelayTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("relay encode failed", zap.String("from", from.DeviceID), zap.Error(err))
		return false
	}
	if err := r.sender.SendMessage(to.ConnID, data); err != nil {
		metrics.RelayTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("relay send failed",
			zap.String("from", from.DeviceID),
			zap.String("to", toID),
			zap.String("conn_id", to.ConnID),
			zap.Error(err))
		return false
	}
	metrics.RelayTotal.WithLabelValues("delivered").Inc()
	return true
}

// PeerUpdate builds the peer_update payload describing peer.
func PeerUpdate(peer DeviceReport, distance float64, at time.Time) protocol.PeerUpdateMsg {
	return protocol.PeerUpdateMsg{
		Peer: protocol.PeerInfo{
			DeviceID:  peer.DeviceID,
			Latitude:  peer.Latitude,
			Longitude: peer.Longitude,
			Heading:   peer.Heading,
		},
		Distance: RoundDistance(distance),
		SentTime: at.UnixMilli(),
	}
}

// RoundDistance rounds meters to two decimals for the wire.
func RoundDistance(d float64) float64 {
	return math.Round(d*100) / 100
}
