package domain

import (
	"context"
	"fmt"
	"math"
	"time"
)

type LocationRecord struct {
	UserID    string    `json:"user_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateCoordinates rejects latitudes outside [-90, 90], longitudes outside
// [-180, 180] and NaN values.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidLocation, lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidLocation, lon)
	}
	return nil
}

const earthRadiusKm = 6371.0088

// DistanceKm is the great-circle distance between two coordinates.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Candidate is one ranked entry of a nearby list.
type Candidate struct {
	UserID     string  `json:"user_id"`
	DistanceKm float64 `json:"distance_km"`
	LastActive int64   `json:"last_active"`
}

type LocationStore interface {
	Put(ctx context.Context, rec LocationRecord) error
	Get(ctx context.Context, userID string) (LocationRecord, error)
	All(ctx context.Context) ([]LocationRecord, error)
}
