package location

import (
	"fmt"
	"math"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the point is a real coordinate. Anything carrying
// NaN, infinity or an out-of-range value must be dropped before it reaches
// the location table or the wire.
func (p Point) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return false
	}
	if math.IsInf(p.Latitude, 0) || math.IsInf(p.Longitude, 0) {
		return false
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return false
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return false
	}
	return true
}

func (p Point) String() string {
	return fmt.Sprintf("%.4f, %.4f", p.Latitude, p.Longitude)
}

// Distance returns the great-circle distance between two points in km
func Distance(a, b Point) float64 {
	const earthRadiusKm = 6371.0

	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Latitude))*math.Cos(toRadians(b.Latitude))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// DistanceMeters returns the great-circle distance in meters
func DistanceMeters(a, b Point) float64 {
	return Distance(a, b) * 1000
}

func toRadians(degrees float64) float64 {
	return degrees * (math.Pi / 180)
}
