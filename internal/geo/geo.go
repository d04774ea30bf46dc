// Package geo holds the pure geometry used by the pairing engine: great-circle
// distance, heading comparison, and the directional "is facing" test.
// Coordinates are orb.Point values, which store longitude first.
package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// EarthRadius is the mean Earth radius in meters used for haversine distance.
const EarthRadius = 6371000.0

// Fix is a reported position together with the heading the device was
// pointing at when it reported.
type Fix struct {
	Point   orb.Point
	Heading float64 // degrees, 0 = north, clockwise
}

// NewPoint builds an orb.Point from latitude/longitude in that order.
func NewPoint(lat, lon float64) orb.Point {
	return orb.Point{lon, lat}
}

// Distance returns the haversine great-circle distance between a and b in
// meters.
func Distance(a, b orb.Point) float64 {
	phi1 := radians(a.Lat())
	phi2 := radians(b.Lat())
	dPhi := radians(b.Lat() - a.Lat())
	dLambda := radians(b.Lon() - a.Lon())

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return EarthRadius * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// HeadingDiff returns the smallest angle between two headings, in [0, 180].
func HeadingDiff(h1, h2 float64) float64 {
	d := math.Abs(math.Mod(h1-h2, 360))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// BearingTo returns the direction from one point to another in degrees,
// normalized to [0, 360). It is the planar angle atan2(dLon, dLat), which is
// accurate enough at pairing distances.
func BearingTo(from, to orb.Point) float64 {
	deg := degrees(math.Atan2(to.Lon()-from.Lon(), to.Lat()-from.Lat()))
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// IsFacing reports whether front's heading points toward back, i.e. whether
// back lies within coneDegrees of front's heading.
func IsFacing(front, back Fix, coneDegrees float64) bool {
	return HeadingDiff(front.Heading, BearingTo(front.Point, back.Point)) <= coneDegrees
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
