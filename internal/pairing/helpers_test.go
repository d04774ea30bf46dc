package pairing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type recordedEvent struct {
	formed bool
	a, b   string
	reason string
}

type recordingObserver struct {
	events []recordedEvent
}

func (o *recordingObserver) PairingFormed(a, b string, distance float64) {
	o.events = append(o.events, recordedEvent{formed: true, a: a, b: b})
}

func (o *recordingObserver) PairingDissolved(a, b string, reason string) {
	o.events = append(o.events, recordedEvent{a: a, b: b, reason: reason})
}

func newTestEngine(t *testing.T, mutate func(*Config), opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewEngine(cfg, zap.NewNop(), opts...), clock
}

func rep(id string, lat, lon, heading float64) DeviceReport {
	return DeviceReport{DeviceID: id, Latitude: lat, Longitude: lon, Heading: heading, Accuracy: 5}
}

// report connects connID if needed and submits r.
func report(t *testing.T, e *Engine, connID string, r DeviceReport) MatchResult {
	t.Helper()
	e.Connect(connID)
	res, err := e.Report(connID, r)
	require.NoError(t, err)
	return res
}

// requireSymmetric checks that every pairing has a matching reverse entry.
func requireSymmetric(t *testing.T, e *Engine) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	for a, b := range e.pairs {
		require.NotEqual(t, a, b, "device paired with itself")
		require.Equal(t, a, e.pairs[b], "pairing %s -> %s is one-sided", a, b)
	}
}
