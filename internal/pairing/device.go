// Package pairing matches connected devices that are near each other and
// roughly co-oriented. It owns the device registry, the spatial index, the
// symmetric pairing map and the cache counters behind a single lock.
package pairing

import (
	"github.com/paulmach/orb"

	"github.com/proxipair/pairing-server/internal/geo"
)

// DeviceReport is one position/heading report. Reports are never mutated;
// the next report for the same device supersedes it.
type DeviceReport struct {
	DeviceID  string
	Heading   float64 // degrees, [0,360)
	Latitude  float64
	Longitude float64
	Accuracy  float64 // meters, informational
}

// Point returns the report position.
func (r DeviceReport) Point() orb.Point {
	return geo.NewPoint(r.Latitude, r.Longitude)
}

// Fix returns the report position with its heading.
func (r DeviceReport) Fix() geo.Fix {
	return geo.Fix{Point: r.Point(), Heading: r.Heading}
}

// ConnectionState is the registry's view of one live connection.
type ConnectionState struct {
	ConnID string
	Report *DeviceReport // nil until the first report arrives
	Moved  bool          // displacement since the previous report >= threshold
}

// DeviceID returns the id of the device last reported on this connection, or
// "" before the first report.
func (s ConnectionState) DeviceID() string {
	if s.Report == nil {
		return ""
	}
	return s.Report.DeviceID
}
