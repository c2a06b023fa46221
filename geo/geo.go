// Package geo vends the pure condition-evaluation functions for capsules:
// time predicates and great-circle proximity checks. No state, no side
// effects; malformed input evaluates to false (fail closed), never panics.
package geo

import (
	"math"
	"time"

	md "wuyrush.io/locket/models"
)

// earthRadiusM is the mean sphere radius used for haversine distance.
const earthRadiusM = 6371000.0

// TimeConditionMet reports whether now has reached openAt.
func TimeConditionMet(openAt, now time.Time) bool {
	return !now.Before(openAt)
}

// DistanceMeters returns the haversine distance between two points. It is
// symmetric and zero for identical points. NaN is returned only for invalid
// input; prefer ProximityConditionMet which fails closed instead.
func DistanceMeters(a, b md.GeoPoint) float64 {
	if !a.Valid() || !b.Valid() {
		return math.NaN()
	}
	lat1, lon1 := rad(a.Lat), rad(a.Lon)
	lat2, lon2 := rad(b.Lat), rad(b.Lon)
	dLat, dLon := lat2-lat1, lon2-lon1
	h := math.Pow(math.Sin(dLat/2), 2) + math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dLon/2), 2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// ProximityConditionMet reports whether p lies within radiusM of center,
// boundary inclusive. Invalid coordinates or a non-positive radius yield
// false.
func ProximityConditionMet(p, center md.GeoPoint, radiusM float64) bool {
	if radiusM <= 0 || !p.Valid() || !center.Valid() {
		return false
	}
	d := DistanceMeters(p, center)
	return !math.IsNaN(d) && d <= radiusM
}

// ConditionMet evaluates a capsule's open condition at the given time and
// (for location capsules) requester position. A nil position fails a
// location condition; it never fails a time condition.
func ConditionMet(c *md.Capsule, now time.Time, at *md.GeoPoint) bool {
	switch c.Type {
	case md.CapsuleTypeTime:
		return c.Condition.OpenAt != nil && TimeConditionMet(*c.Condition.OpenAt, now)
	case md.CapsuleTypeLocation:
		if c.Condition.ValidUntil != nil && now.After(*c.Condition.ValidUntil) {
			return false
		}
		if at == nil || c.Condition.Center == nil {
			return false
		}
		return ProximityConditionMet(*at, *c.Condition.Center, c.Condition.RadiusM)
	}
	return false
}

func rad(deg float64) float64 {
	return deg * math.Pi / 180
}
