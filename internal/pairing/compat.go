package pairing

import (
	"github.com/proxipair/pairing-server/internal/geo"
)

// Compatibility decides whether two device reports can form a pairing and
// whether an existing pairing has gone stale.
type Compatibility struct {
	MaxDistance      float64
	HeadingTolerance float64
	FacingCone       float64
	Relaxed          bool // heading and facing checks always pass
}

// NewCompatibility builds the predicate from engine config.
func NewCompatibility(cfg Config) Compatibility {
	return Compatibility{
		MaxDistance:      cfg.PairingDistanceMeters,
		HeadingTolerance: cfg.HeadingToleranceDegrees,
		FacingCone:       cfg.FacingConeDegrees,
		Relaxed:          cfg.RelaxedMatching,
	}
}

// Pairable reports whether a may pair with candidate b: within distance,
// heading difference within tolerance, and b facing a.
func (c Compatibility) Pairable(a, b DeviceReport) bool {
	_, ok := c.evaluate(a, b)
	return ok
}

// Stale reports whether an existing pairing between a and b should be
// dropped. Facing is not rechecked so heading noise while standing still does
// not flap a pairing.
func (c Compatibility) Stale(a, b DeviceReport) bool {
	if geo.Distance(a.Point(), b.Point()) > c.MaxDistance {
		return true
	}
	if c.Relaxed {
		return false
	}
	return geo.HeadingDiff(a.Heading, b.Heading) > c.HeadingTolerance
}

// evaluate returns the distance between a and b and whether they are pairable.
func (c Compatibility) evaluate(a, b DeviceReport) (float64, bool) {
	if a.DeviceID == b.DeviceID {
		return 0, false
	}
	dist := geo.Distance(a.Point(), b.Point())
	if dist > c.MaxDistance {
		return dist, false
	}
	if c.Relaxed {
		return dist, true
	}
	if geo.HeadingDiff(a.Heading, b.Heading) > c.HeadingTolerance {
		return dist, false
	}
	return dist, geo.IsFacing(b.Fix(), a.Fix(), c.FacingCone)
}
