package domain

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// Point is a WGS-84 longitude/latitude pair in decimal degrees.
type Point struct {
	Lon float64 `json:"lon" yaml:"lon"`
	Lat float64 `json:"lat" yaml:"lat"`
}

// Valid reports whether the point lies inside the WGS-84 coordinate range.
func (p Point) Valid() bool {
	return p.Lon >= -180 && p.Lon <= 180 && p.Lat >= -90 && p.Lat <= 90 &&
		!math.IsNaN(p.Lon) && !math.IsNaN(p.Lat)
}

// Orb returns the point as an orb.Point.
func (p Point) Orb() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

// DistanceKm returns the great-circle (haversine) distance between two points
// on a sphere of the WGS-84 equatorial radius.
func DistanceKm(a, b Point) float64 {
	return geo.DistanceHaversine(a.Orb(), b.Orb()) / 1000
}

// degreeDistance is the planar distance in degrees, used by the zeros buffer.
func degreeDistance(a, b Point) float64 {
	return planar.Distance(a.Orb(), b.Orb())
}
