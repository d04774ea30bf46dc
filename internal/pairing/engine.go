package pairing

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/paulmach/orb/encoding/wkt"
	"go.uber.org/zap"

	"github.com/proxipair/pairing-server/internal/geo"
	"github.com/proxipair/pairing-server/internal/metrics"
	"github.com/proxipair/pairing-server/internal/spatial"
)

// ErrNotConnected is returned for reports on a connection that is not
// registered, typically because it disconnected while the report was in
// flight.
var ErrNotConnected = errors.New("pairing: connection not registered")

// MatchResult is the outcome of resolving one report.
type MatchResult struct {
	Matched   bool
	Peer      ConnectionState // valid when Matched
	Distance  float64         // meters, valid when Matched
	Fresh     bool            // the pairing was formed by this call
	Notify    bool            // send a full "paired" notification (cooldown elapsed or fresh)
	Dropped   string          // peer whose pairing with the reporter this call dissolved
	NewDevice bool            // first report for this device id on the connection
}

// Stats is a read-only snapshot of engine counters.
type Stats struct {
	CacheHits         uint64 `json:"cache_hits"`
	CacheMisses       uint64 `json:"cache_misses"`
	ActiveConnections int    `json:"active_connections"`
	ActivePairings    int    `json:"active_pairings"`
}

// Engine owns all pairing state: registry, spatial grid, pairing map, notify
// cooldowns and counters. Every mutation happens under one mutex.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	compat   Compatibility
	grid     *spatial.Grid
	registry *Registry
	pairs    map[string]string    // deviceID -> peer deviceID, always symmetric
	static   map[string]string    // configured static partners, symmetric
	notified map[string]time.Time // deviceID -> last "paired" notification
	hits     uint64
	misses   uint64

	observer Observer
	now      func() time.Time
	logger   *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine with an empty registry.
func NewEngine(cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	grid := spatial.NewGrid(cfg.CellSizeDegrees)
	e := &Engine{
		cfg:      cfg,
		compat:   NewCompatibility(cfg),
		grid:     grid,
		registry: NewRegistry(grid, cfg.MovementThresholdMeters),
		pairs:    make(map[string]string),
		static:   make(map[string]string),
		notified: make(map[string]time.Time),
		now:      time.Now,
		logger:   logger.Named("engine"),
	}
	for _, p := range cfg.StaticPairs {
		e.static[p[0]] = p[1]
		e.static[p[1]] = p[0]
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Connect registers a new connection with no device state.
func (e *Engine) Connect(connID string) {
	e.mu.Lock()
	e.registry.Connect(connID)
	n := e.registry.Len()
	e.mu.Unlock()

	e.logger.Debug("connection registered", zap.String("conn_id", connID), zap.Int("connections", n))
}

// Disconnect removes a connection, its grid entry and its device's pairing.
// It returns the peer device that lost its pairing, if any. Calling it twice
// is harmless.
func (e *Engine) Disconnect(connID string) (peerID string, hadPeer bool) {
	var events []event

	e.mu.Lock()
	st, owned, ok := e.registry.Disconnect(connID)
	if ok && owned {
		deviceID := st.DeviceID()
		peerID, hadPeer = e.unpairLocked(deviceID, ReasonDisconnect, &events)
		delete(e.notified, deviceID)
	}
	e.mu.Unlock()

	e.emit(events)
	if ok {
		e.logger.Info("connection removed",
			zap.String("conn_id", connID),
			zap.String("device_id", st.DeviceID()),
			zap.String("released_peer", peerID))
	}
	return peerID, hadPeer
}

// Report records report for connID and resolves its pairing in one critical
// section. It returns ErrNotConnected if the connection is gone.
func (e *Engine) Report(connID string, report DeviceReport) (MatchResult, error) {
	var events []event

	e.mu.Lock()
	prev, ok := e.registry.Update(connID, report)
	if !ok {
		e.mu.Unlock()
		return MatchResult{}, ErrNotConnected
	}
	if prev != nil && prev.DeviceID != report.DeviceID {
		e.unpairLocked(prev.DeviceID, ReasonReassigned, &events)
	}
	st, _ := e.registry.State(connID)
	res := e.resolveLocked(report, &events)
	res.NewDevice = prev == nil || prev.DeviceID != report.DeviceID
	e.mu.Unlock()

	e.emit(events)
	movement := "stationary"
	if st.Moved {
		movement = "moving"
	}
	metrics.ReportsTotal.WithLabelValues(movement).Inc()
	return res, nil
}

// Resolve decides the pairing for report against the current registry
// snapshot, reusing a still-valid pairing when one exists. The device must
// already be bound to a live connection by Report; otherwise Resolve returns
// ErrNotConnected and leaves the pairing map untouched.
func (e *Engine) Resolve(report DeviceReport) (MatchResult, error) {
	var events []event

	e.mu.Lock()
	if _, live := e.registry.Get(report.DeviceID); !live {
		e.mu.Unlock()
		return MatchResult{}, ErrNotConnected
	}
	res := e.resolveLocked(report, &events)
	e.mu.Unlock()

	e.emit(events)
	return res, nil
}

func (e *Engine) resolveLocked(r DeviceReport, events *[]event) MatchResult {
	var res MatchResult

	if peerID, ok := e.pairs[r.DeviceID]; ok {
		peer, live := e.registry.Get(peerID)
		if live && (e.static[r.DeviceID] == peerID || !e.compat.Stale(r, *peer.Report)) {
			e.hits++
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			res = MatchResult{
				Matched:  true,
				Peer:     peer,
				Distance: geo.Distance(r.Point(), peer.Report.Point()),
			}
			res.Notify = e.shouldNotifyLocked(r.DeviceID)
			return res
		}
		reason := ReasonStale
		if !live {
			reason = ReasonPeerGone
		}
		e.unpairLocked(r.DeviceID, reason, events)
		res.Dropped = peerID
	}

	e.misses++
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	peer, dist, found := e.searchLocked(r)
	if !found {
		if ce := e.logger.Check(zap.DebugLevel, "no pairing candidate"); ce != nil {
			ce.Write(
				zap.String("device_id", r.DeviceID),
				zap.String("cell", wkt.MarshalString(e.grid.Bound(e.grid.CellOf(r.Point())))))
		}
		return res
	}

	a, b := r.DeviceID, peer.Report.DeviceID
	e.pairs[a] = b
	e.pairs[b] = a
	e.notified[a] = e.now()
	delete(e.notified, b)
	metrics.ActivePairings.Set(float64(len(e.pairs) / 2))
	*events = append(*events, event{formed: true, a: a, b: b, distance: dist})

	e.logger.Info("pairing formed",
		zap.String("device_id", a),
		zap.String("peer_id", b),
		zap.Float64("distance_m", dist))

	res.Matched = true
	res.Peer = peer
	res.Distance = dist
	res.Fresh = true
	res.Notify = true
	return res
}

// searchLocked scans the 3x3 cell window around r for the closest pairable,
// unpaired device. Ties at equal distance go to whichever candidate the grid
// yields first, which is unspecified.
func (e *Engine) searchLocked(r DeviceReport) (ConnectionState, float64, bool) {
	if partner, ok := e.static[r.DeviceID]; ok {
		if _, taken := e.pairs[partner]; !taken {
			if st, live := e.registry.Get(partner); live {
				return st, geo.Distance(r.Point(), st.Report.Point()), true
			}
		}
	}

	var (
		best     ConnectionState
		bestDist = math.Inf(1)
		found    bool
	)
	for _, connID := range e.grid.Candidates(e.grid.CellOf(r.Point())) {
		st, ok := e.registry.State(connID)
		if !ok || st.Report == nil {
			continue
		}
		other := st.Report
		if other.DeviceID == r.DeviceID || !e.registry.owns(connID, other.DeviceID) {
			continue
		}
		if _, taken := e.pairs[other.DeviceID]; taken {
			continue
		}
		dist, ok := e.compat.evaluate(r, *other)
		if ok && dist < bestDist {
			best, bestDist, found = st, dist, true
		}
	}
	return best, bestDist, found
}

// unpairLocked removes both sides of deviceID's pairing.
func (e *Engine) unpairLocked(deviceID, reason string, events *[]event) (string, bool) {
	peerID, ok := e.pairs[deviceID]
	if !ok {
		return "", false
	}
	delete(e.pairs, deviceID)
	delete(e.pairs, peerID)
	metrics.ActivePairings.Set(float64(len(e.pairs) / 2))
	metrics.PairingsDissolved.WithLabelValues(reason).Inc()
	*events = append(*events, event{a: deviceID, b: peerID, reason: reason})

	e.logger.Info("pairing dissolved",
		zap.String("device_id", deviceID),
		zap.String("peer_id", peerID),
		zap.String("reason", reason))
	return peerID, true
}

// ShouldNotify reports whether deviceID is due a full "paired" notification
// and, if so, starts a new cooldown window.
func (e *Engine) ShouldNotify(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shouldNotifyLocked(deviceID)
}

func (e *Engine) shouldNotifyLocked(deviceID string) bool {
	now := e.now()
	if last, ok := e.notified[deviceID]; ok && now.Sub(last) < e.cfg.NotifyCooldown {
		return false
	}
	e.notified[deviceID] = now
	return true
}

// PeerOf returns the device currently paired with deviceID.
func (e *Engine) PeerOf(deviceID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	peer, ok := e.pairs[deviceID]
	return peer, ok
}

// ConnectionFor returns the live connection state for a device id.
func (e *Engine) ConnectionFor(deviceID string) (ConnectionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Get(deviceID)
}

// Indexed reports whether connID currently has a grid entry.
func (e *Engine) Indexed(connID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.grid.Locate(connID)
	return ok
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		CacheHits:         e.hits,
		CacheMisses:       e.misses,
		ActiveConnections: e.registry.Len(),
		ActivePairings:    len(e.pairs) / 2,
	}
}
