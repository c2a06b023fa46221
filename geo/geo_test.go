package geo

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	md "wuyrush.io/locket/models"
)

func TestGeoTimeConditionMet(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tcs := []struct {
		name     string
		now      time.Time
		expected bool
	}{
		{name: "OneSecondEarly", now: t0.Add(-time.Second), expected: false},
		{name: "ExactlyAtOpenAt", now: t0, expected: true},
		{name: "AfterOpenAt", now: t0.Add(time.Hour), expected: true},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, TimeConditionMet(t0, c.now))
		})
	}
}

func TestGeoDistanceMeters(t *testing.T) {
	paris := md.GeoPoint{Lat: 48.8566, Lon: 2.3522}
	london := md.GeoPoint{Lat: 51.5074, Lon: -0.1278}

	assert.Equal(t, 0.0, DistanceMeters(paris, paris), "distance to self must be zero")
	assert.Equal(t, DistanceMeters(paris, london), DistanceMeters(london, paris), "distance must be symmetric")
	// Paris-London great-circle distance is ~344 km
	d := DistanceMeters(paris, london)
	assert.InDelta(t, 344000, d, 2000)

	bogus := md.GeoPoint{Lat: 91, Lon: 0}
	assert.True(t, math.IsNaN(DistanceMeters(paris, bogus)))
}

func TestGeoProximityConditionMet(t *testing.T) {
	center := md.GeoPoint{Lat: 0, Lon: 0}
	// one degree of longitude at the equator
	oneDegree := DistanceMeters(center, md.GeoPoint{Lat: 0, Lon: 1})
	point := md.GeoPoint{Lat: 0, Lon: 1}

	tcs := []struct {
		name     string
		p        md.GeoPoint
		center   md.GeoPoint
		radiusM  float64
		expected bool
	}{
		{name: "WithinRadius", p: point, center: center, radiusM: oneDegree * 2, expected: true},
		{name: "ExactlyAtBoundary", p: point, center: center, radiusM: oneDegree, expected: true},
		{name: "JustOutside", p: point, center: center, radiusM: oneDegree - 0.1, expected: false},
		{name: "ZeroRadius", p: center, center: center, radiusM: 0, expected: false},
		{name: "InvalidPointFailsClosed", p: md.GeoPoint{Lat: math.NaN(), Lon: 0}, center: center, radiusM: 1000, expected: false},
		{name: "InvalidCenterFailsClosed", p: center, center: md.GeoPoint{Lat: 0, Lon: 200}, radiusM: 1000, expected: false},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, ProximityConditionMet(c.p, c.center, c.radiusM))
		})
	}
}

func TestGeoConditionMet(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	openAt := now.Add(time.Hour)
	center := md.GeoPoint{Lat: 10, Lon: 10}
	stale := now.Add(-time.Minute)

	tcs := []struct {
		name     string
		capsule  md.Capsule
		at       *md.GeoPoint
		expected bool
	}{
		{
			name:     "TimeNotYet",
			capsule:  md.Capsule{Type: md.CapsuleTypeTime, Condition: md.OpenCondition{OpenAt: &openAt}},
			expected: false,
		},
		{
			name:     "TimeReached",
			capsule:  md.Capsule{Type: md.CapsuleTypeTime, Condition: md.OpenCondition{OpenAt: &stale}},
			expected: true,
		},
		{
			name:     "TimeMissingOpenAtFailsClosed",
			capsule:  md.Capsule{Type: md.CapsuleTypeTime},
			expected: false,
		},
		{
			name:     "LocationInside",
			capsule:  md.Capsule{Type: md.CapsuleTypeLocation, Condition: md.OpenCondition{Center: &center, RadiusM: 500}},
			at:       &md.GeoPoint{Lat: 10.001, Lon: 10},
			expected: true,
		},
		{
			name:     "LocationWithoutPositionFailsClosed",
			capsule:  md.Capsule{Type: md.CapsuleTypeLocation, Condition: md.OpenCondition{Center: &center, RadiusM: 500}},
			expected: false,
		},
		{
			name: "LocationPastValidUntil",
			capsule: md.Capsule{Type: md.CapsuleTypeLocation,
				Condition: md.OpenCondition{Center: &center, RadiusM: 500, ValidUntil: &stale}},
			at:       &md.GeoPoint{Lat: 10, Lon: 10},
			expected: false,
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			cap := c.capsule
			assert.Equal(t, c.expected, ConditionMet(&cap, now, c.at))
		})
	}
}
