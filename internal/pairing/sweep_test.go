package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweep_PrunesCooldownsOfGoneDevices(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	report(t, e, "c-b", rep("b", lat30South, 21, 0))
	require.True(t, report(t, e, "c-a", rep("a", 45, 21, 0)).Matched)

	// c-a switches to another device id, leaving a's cooldown behind.
	report(t, e, "c-a", rep("z", 10, 10, 0))

	res := e.Sweep()
	assert.Equal(t, 1, res.PrunedCooldowns)
	assert.Equal(t, 0, res.DroppedPairings)

	e.mu.Lock()
	_, ok := e.notified["a"]
	e.mu.Unlock()
	assert.False(t, ok)
}

func TestSweep_LeavesPairingsAloneByDefault(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	report(t, e, "c-b", rep("b", lat30South, 21, 0))
	require.True(t, report(t, e, "c-a", rep("a", 45, 21, 0)).Matched)

	e.mu.Lock()
	e.registry.Update("c-b", rep("b", 40, 20, 0))
	e.mu.Unlock()

	assert.Equal(t, 0, e.Sweep().DroppedPairings)
	_, ok := e.PeerOf("a")
	assert.True(t, ok)
}

func TestSweep_DropsStalePairings(t *testing.T) {
	obs := &recordingObserver{}
	e, _ := newTestEngine(t, func(c *Config) { c.SweepStalePairings = true }, WithObserver(obs))

	report(t, e, "c-b", rep("b", lat30South, 21, 0))
	require.True(t, report(t, e, "c-a", rep("a", 45, 21, 0)).Matched)
	report(t, e, "c-d", rep("d", 50, 21, 0))
	require.True(t, report(t, e, "c-c", rep("c", 50.00027, 21, 0)).Matched)

	// b drifts without the engine resolving it.
	e.mu.Lock()
	e.registry.Update("c-b", rep("b", 40, 20, 0))
	e.mu.Unlock()

	res := e.Sweep()
	assert.Equal(t, 1, res.DroppedPairings)
	_, ok := e.PeerOf("a")
	assert.False(t, ok)
	_, ok = e.PeerOf("c")
	assert.True(t, ok)
	requireSymmetric(t, e)
	assert.Equal(t, ReasonSweep, obs.events[len(obs.events)-1].reason)
}

func TestSweep_KeepsStaticPairs(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.SweepStalePairings = true
		c.StaticPairs = [][2]string{{"a", "b"}}
	})

	report(t, e, "c-b", rep("b", 10, 10, 0))
	require.True(t, report(t, e, "c-a", rep("a", 45, 21, 0)).Matched)

	assert.Equal(t, 0, e.Sweep().DroppedPairings)
}

func TestStartSweep_StopsOnCancel(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		StartSweep(ctx, e, 5*time.Millisecond, zap.NewNop())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep loop did not stop")
	}
}
