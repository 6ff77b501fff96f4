// Package oracle attests the physical-world facts behind a milestone: where the proof
// was captured, when, and whether it has been submitted before.
package oracle

import (
	"math"
	"time"

	"civicledger/internal/model"
)

const (
	// DefaultRadiusKm is how far a submission may be from the project site.
	DefaultRadiusKm = 5.0
	// DefaultTolerance is how far a submission may lag the attestation.
	DefaultTolerance = 300 * time.Second

	earthRadiusKm = 6371.0
)

// DistanceKm is the great-circle distance between a and b.
func DistanceKm(a, b model.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// CheckGeofence reports whether submitted lies within radiusKm of reference.
func CheckGeofence(submitted, reference model.Coordinates, radiusKm float64) bool {
	if !submitted.Valid() || !reference.Valid() {
		return false
	}
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	return DistanceKm(submitted, reference) <= radiusKm
}

// CheckTimestamp reports whether submittedAt is within tolerance of now, either side.
func CheckTimestamp(now, submittedAt time.Time, tolerance time.Duration) bool {
	if submittedAt.IsZero() {
		return false
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	gap := now.Sub(submittedAt)
	if gap < 0 {
		gap = -gap
	}
	return gap <= tolerance
}
