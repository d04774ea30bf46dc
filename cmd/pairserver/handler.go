package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/proxipair/pairing-server/internal/metrics"
	"github.com/proxipair/pairing-server/internal/pairing"
	"github.com/proxipair/pairing-server/internal/protocol"
	"github.com/proxipair/pairing-server/internal/ratelimit"
	"github.com/proxipair/pairing-server/internal/session"
	"github.com/proxipair/pairing-server/internal/ws"
)

// presenceStore is the part of session.Store the handler writes to.
type presenceStore interface {
	SetDevice(ctx context.Context, connID, deviceID string) error
	UpdateStatus(ctx context.Context, connID, status, peerID string) error
}

// reportLimiter is the part of ratelimit.Limiter the handler uses.
type reportLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// reportHandler turns position messages into engine reports and answers the
// reporter. presence and limiter are optional.
type reportHandler struct {
	engine   *pairing.Engine
	relay    *pairing.Relay
	sender   pairing.Sender
	presence presenceStore
	limiter  reportLimiter
	rule     ratelimit.Rule
	now      func() time.Time
	logger   *zap.Logger
}

func newReportHandler(engine *pairing.Engine, sender pairing.Sender, logger *zap.Logger) *reportHandler {
	return &reportHandler{
		engine: engine,
		relay:  pairing.NewRelay(engine, sender, logger),
		sender: sender,
		rule:   ratelimit.RuleReport,
		now:    time.Now,
		logger: logger.Named("report"),
	}
}

// HandlePosition is registered with the dispatcher for position messages.
func (h *reportHandler) HandlePosition(conn *ws.Connection, msg interface{}) {
	pos, ok := msg.(protocol.PositionMsg)
	if !ok {
		return
	}
	h.handle(conn.ID, pos)
}

func (h *reportHandler) handle(connID string, pos protocol.PositionMsg) {
	start := h.now()
	defer func() {
		metrics.ReportLatency.Observe(h.now().Sub(start).Seconds())
	}()

	report := pairing.DeviceReport{
		DeviceID:  pos.DeviceID,
		Heading:   *pos.Heading,
		Latitude:  *pos.Latitude,
		Longitude: *pos.Longitude,
		Accuracy:  *pos.Accuracy,
	}

	if h.limiter != nil && !h.allow(report.DeviceID) {
		metrics.RateLimited.Inc()
		retry := h.limiter.RetryAfter(context.Background(), report.DeviceID, h.rule)
		h.send(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
		return
	}

	res, err := h.engine.Report(connID, report)
	if err != nil {
		if errors.Is(err, pairing.ErrNotConnected) {
			h.logger.Debug("report after disconnect", zap.String("conn_id", connID))
			return
		}
		h.logger.Warn("report failed", zap.String("conn_id", connID), zap.Error(err))
		return
	}

	apiTime := h.now().Sub(start).Milliseconds()
	switch {
	case !res.Matched:
		h.send(connID, protocol.TypeSearching, protocol.SearchingMsg{APITime: apiTime})
	case res.Notify:
		h.send(connID, protocol.TypePaired, protocol.PairedMsg{
			PairingData: protocol.PairingData{
				DeviceID: res.Peer.DeviceID(),
				Distance: pairing.RoundDistance(res.Distance),
			},
			APITime: apiTime,
		})
	default:
		h.send(connID, protocol.TypePeerUpdate, pairing.PeerUpdate(*res.Peer.Report, res.Distance, h.now()))
	}

	if res.Matched {
		h.relay.Forward(report, res.Peer.DeviceID())
	}
	h.recordPresence(connID, report.DeviceID, res)

	h.logger.Debug("report handled",
		zap.String("conn_id", connID),
		zap.String("device_id", report.DeviceID),
		zap.Bool("matched", res.Matched),
		zap.String("peer_id", res.Peer.DeviceID()),
		zap.Int64("api_time_ms", apiTime))
}

func (h *reportHandler) allow(deviceID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := h.limiter.Allow(ctx, deviceID, h.rule)
	if err != nil {
		h.logger.Debug("rate limiter unavailable", zap.Error(err))
	}
	return ok
}

// recordPresence mirrors pairing transitions into the presence store.
func (h *reportHandler) recordPresence(connID, deviceID string, res pairing.MatchResult) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var errs []error
	if res.NewDevice {
		errs = append(errs, h.presence.SetDevice(ctx, connID, deviceID))
	}
	if res.Dropped != "" {
		if dropped, ok := h.engine.ConnectionFor(res.Dropped); ok {
			errs = append(errs, h.presence.UpdateStatus(ctx, dropped.ConnID, session.StatusSearching, ""))
		}
		if !res.Matched {
			errs = append(errs, h.presence.UpdateStatus(ctx, connID, session.StatusSearching, ""))
		}
	}
	if res.Fresh {
		errs = append(errs,
			h.presence.UpdateStatus(ctx, connID, session.StatusPaired, res.Peer.DeviceID()),
			h.presence.UpdateStatus(ctx, res.Peer.ConnID, session.StatusPaired, deviceID))
	}
	if err := errors.Join(errs...); err != nil {
		h.logger.Warn("presence update failed", zap.String("conn_id", connID), zap.Error(err))
	}
}

// Disconnect is the server's disconnect hook.
func (h *reportHandler) Disconnect(connID string) {
	peerID, hadPeer := h.engine.Disconnect(connID)
	if !hadPeer || h.presence == nil {
		return
	}
	peer, ok := h.engine.ConnectionFor(peerID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.UpdateStatus(ctx, peer.ConnID, session.StatusSearching, ""); err != nil {
		h.logger.Warn("presence update failed", zap.String("conn_id", peer.ConnID), zap.Error(err))
	}
}

func (h *reportHandler) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		h.logger.Warn("encode failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := h.sender.SendMessage(connID, data); err != nil {
		h.logger.Debug("send failed", zap.String("conn_id", connID), zap.String("type", msgType), zap.Error(err))
	}
}
