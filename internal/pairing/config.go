package pairing

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the tunable thresholds of the pairing engine.
type Config struct {
	PairingDistanceMeters   float64       // max distance between paired devices
	HeadingToleranceDegrees float64       // max heading difference between paired devices
	FacingConeDegrees       float64       // half-angle of a device's forward cone
	MovementThresholdMeters float64       // displacement that counts as "moved"
	CellSizeDegrees         float64       // spatial grid cell size
	NotifyCooldown          time.Duration // min gap between "paired" notifications per device
	RelaxedMatching         bool          // test mode: skip heading and facing checks

	// StaticPairs are device couples paired whenever both are connected,
	// regardless of geometry. Intended for field debugging only.
	StaticPairs [][2]string

	SweepInterval      time.Duration // 0 disables the periodic sweep
	SweepStalePairings bool          // let the sweep drop stale pairings too
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PairingDistanceMeters:   100,
		HeadingToleranceDegrees: 15,
		FacingConeDegrees:       45,
		MovementThresholdMeters: 1.0,
		CellSizeDegrees:         0.0015,
		NotifyCooldown:          5 * time.Second,
		SweepInterval:           30 * time.Second,
	}
}

// Validate checks that every threshold is usable.
func (c Config) Validate() error {
	var errs []error
	if c.PairingDistanceMeters <= 0 {
		errs = append(errs, fmt.Errorf("pairing distance must be positive, got %v", c.PairingDistanceMeters))
	}
	if c.HeadingToleranceDegrees < 0 || c.HeadingToleranceDegrees > 180 {
		errs = append(errs, fmt.Errorf("heading tolerance must be within [0,180], got %v", c.HeadingToleranceDegrees))
	}
	if c.FacingConeDegrees < 0 || c.FacingConeDegrees > 180 {
		errs = append(errs, fmt.Errorf("facing cone must be within [0,180], got %v", c.FacingConeDegrees))
	}
	if c.MovementThresholdMeters < 0 {
		errs = append(errs, fmt.Errorf("movement threshold must not be negative, got %v", c.MovementThresholdMeters))
	}
	if c.CellSizeDegrees <= 0 {
		errs = append(errs, fmt.Errorf("cell size must be positive, got %v", c.CellSizeDegrees))
	}
	if c.NotifyCooldown < 0 {
		errs = append(errs, fmt.Errorf("notify cooldown must not be negative, got %v", c.NotifyCooldown))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("sweep interval must not be negative, got %v", c.SweepInterval))
	}
	for _, p := range c.StaticPairs {
		if p[0] == "" || p[1] == "" || p[0] == p[1] {
			errs = append(errs, fmt.Errorf("invalid static pair %q:%q", p[0], p[1]))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("pairing: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
