package geo

import "math"

// earthRadiusMeters is the mean Earth radius used by the haversine formula.
const earthRadiusMeters = 6371000.0

// DefaultRadiusMeters applies when a department fence has no radius set.
const DefaultRadiusMeters = 100.0

// LatLng is a WGS84 coordinate pair in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fence is a circular geofence owned by a department. Read-only here.
type Fence struct {
	Center       LatLng  `json:"center"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Result is the outcome of a containment check.
type Result struct {
	Within         bool    `json:"within"`
	DistanceMeters float64 `json:"distance_meters"`
	// Skipped is set when no fence is configured and the check
	// auto-passes. Departments may deliberately leave GPS unset.
	Skipped bool `json:"skipped,omitempty"`
}

// Distance returns the great-circle distance between two points in meters.
func Distance(a, b LatLng) float64 {
	phi1 := radians(a.Lat)
	phi2 := radians(b.Lat)
	dPhi := radians(b.Lat - a.Lat)
	dLambda := radians(b.Lng - a.Lng)

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Verify checks a position against a fence. A nil fence skips the check
// rather than blocking attendance. A zero radius falls back to the
// default.
func Verify(pos LatLng, fence *Fence) Result {
	if fence == nil {
		return Result{Within: true, Skipped: true}
	}
	radius := fence.RadiusMeters
	if radius <= 0 {
		radius = DefaultRadiusMeters
	}
	d := Distance(pos, fence.Center)
	return Result{Within: d <= radius, DistanceMeters: d}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
