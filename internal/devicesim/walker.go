package devicesim

import (
	"math"
	"math/rand"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/simplify"

	"github.com/proxipair/pairing-server/internal/protocol"
)

// Walker is a simulated device moving along a bearing at constant speed.
type Walker struct {
	DeviceID string
	Position orb.Point // lon, lat
	Bearing  float64   // degrees, also reported as heading
	Speed    float64   // meters per second
	Accuracy float64   // reported accuracy in meters

	path orb.LineString
}

// Step advances the walker by dt seconds, wobbling its bearing by up to
// jitter degrees.
func (w *Walker) Step(dt float64, jitter float64, rng *rand.Rand) {
	if len(w.path) == 0 {
		w.path = append(w.path, w.Position)
	}
	if jitter > 0 && rng != nil {
		w.Bearing = normalize(w.Bearing + (rng.Float64()*2-1)*jitter)
	}
	w.Position = geo.PointAtBearingAndDistance(w.Position, w.Bearing, w.Speed*dt)
	w.path = append(w.path, w.Position)
}

// Report builds the position message for the walker's current state.
func (w *Walker) Report() protocol.PositionMsg {
	lat, lon := w.Position.Lat(), w.Position.Lon()
	heading := normalize(w.Bearing)
	acc := w.Accuracy
	return protocol.PositionMsg{
		Type:      protocol.TypePosition,
		DeviceID:  w.DeviceID,
		Heading:   &heading,
		Latitude:  &lat,
		Longitude: &lon,
		Accuracy:  &acc,
	}
}

// TraceWKT returns the walked path as WKT, simplified to drop points within
// tolerance degrees of a straight line.
func (w *Walker) TraceWKT(tolerance float64) string {
	if len(w.path) < 2 {
		return wkt.MarshalString(w.Position)
	}
	var g orb.Geometry = w.path.Clone()
	if tolerance > 0 {
		g = simplify.DouglasPeucker(tolerance).Simplify(g)
	}
	return wkt.MarshalString(g)
}

// Convoy places n walkers in single file behind origin, spacing meters
// apart, all heading along bearing. Each follower faces the walker ahead,
// so neighbors are pairable.
func Convoy(prefix string, origin orb.Point, n int, spacing, bearing, speed float64) []*Walker {
	back := normalize(bearing + 180)
	walkers := make([]*Walker, n)
	for i := range walkers {
		walkers[i] = &Walker{
			DeviceID: prefix + "-" + strconv.Itoa(i),
			Position: geo.PointAtBearingAndDistance(origin, back, spacing*float64(i)),
			Bearing:  bearing,
			Speed:    speed,
			Accuracy: 5,
		}
	}
	return walkers
}

// Scatter places n walkers at random within radius meters of center with
// random bearings.
func Scatter(prefix string, center orb.Point, n int, radius, speed float64, rng *rand.Rand) []*Walker {
	walkers := make([]*Walker, n)
	for i := range walkers {
		dist := radius * math.Sqrt(rng.Float64())
		walkers[i] = &Walker{
			DeviceID: prefix + "-" + strconv.Itoa(i),
			Position: geo.PointAtBearingAndDistance(center, rng.Float64()*360, dist),
			Bearing:  rng.Float64() * 360,
			Speed:    speed,
			Accuracy: 5 + rng.Float64()*10,
		}
	}
	return walkers
}

func normalize(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}
