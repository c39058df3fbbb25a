// Package layout computes pixel offsets used to fan out colocated markers.
//
// Small groups are placed on a ring, larger ones on an outward spiral so the
// spacing between neighbours stays roughly constant as the group grows.
package layout

import (
	"math"

	"github.com/paulmach/orb"
)

// Layout constants, in screen pixels.
const (
	RingRadius      = 75.0
	RingMax         = 10
	SpiralLegLength = 100.0
	SpiralSep       = 50.0
	SpiralLegFactor = 5.0
	SpiralStep      = 0.0005
)

// Kind names the arrangement chosen for a group size.
type Kind string

const (
	KindRing   Kind = "ring"
	KindSpiral Kind = "spiral"
)

// KindFor reports which arrangement Offsets uses for n points.
func KindFor(n int) Kind {
	if n <= RingMax {
		return KindRing
	}
	return KindSpiral
}

// Offsets returns n offsets, using Ring for n <= RingMax and Spiral otherwise.
func Offsets(n int) []orb.Point {
	if KindFor(n) == KindRing {
		return Ring(n)
	}
	return Spiral(n)
}

// Ring places n points evenly on a circle of RingRadius, starting at angle 0.
func Ring(n int) []orb.Point {
	if n <= 0 {
		return []orb.Point{}
	}
	points := make([]orb.Point, n)
	theta := 2 * math.Pi / float64(n)
	for i := range points {
		a := theta * float64(i)
		points[i] = orb.Point{RingRadius * math.Cos(a), RingRadius * math.Sin(a)}
	}
	return points
}

// Spiral places n points along an outward spiral.
func Spiral(n int) []orb.Point {
	if n <= 0 {
		return []orb.Point{}
	}
	points := make([]orb.Point, n)
	legLength := SpiralLegLength
	angle := 0.0
	for i := range points {
		angle += SpiralSep/legLength + float64(i)*SpiralStep
		points[i] = orb.Point{legLength * math.Cos(angle), legLength * math.Sin(angle)}
		legLength += 2 * math.Pi * SpiralLegFactor / angle
	}
	return points
}
