package pairing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	PrunedCooldowns int
	DroppedPairings int
}

// Sweep prunes notify cooldowns of devices that are no longer connected and,
// when SweepStalePairings is set, drops pairings that have gone stale since
// either side last reported.
func (e *Engine) Sweep() SweepResult {
	var (
		res    SweepResult
		events []event
	)

	e.mu.Lock()
	for deviceID := range e.notified {
		if _, live := e.registry.Get(deviceID); !live {
			delete(e.notified, deviceID)
			res.PrunedCooldowns++
		}
	}

	if e.cfg.SweepStalePairings {
		for a, b := range e.pairs {
			if a > b {
				continue // visit each couple once
			}
			if e.static[a] == b {
				continue
			}
			sa, liveA := e.registry.Get(a)
			sb, liveB := e.registry.Get(b)
			if liveA && liveB && !e.compat.Stale(*sa.Report, *sb.Report) {
				continue
			}
			e.unpairLocked(a, ReasonSweep, &events)
			res.DroppedPairings++
		}
	}
	e.mu.Unlock()

	e.emit(events)
	return res
}

// StartSweep runs Sweep every interval until ctx is cancelled. It blocks;
// run it in its own goroutine.
func StartSweep(ctx context.Context, e *Engine, interval time.Duration, logger *zap.Logger) {
	logger = logger.Named("sweep")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweep loop stopped")
			return
		case <-ticker.C:
			res := e.Sweep()
			if res.PrunedCooldowns > 0 || res.DroppedPairings > 0 {
				logger.Info("sweep pass",
					zap.Int("pruned_cooldowns", res.PrunedCooldowns),
					zap.Int("dropped_pairings", res.DroppedPairings))
			}
		}
	}
}
