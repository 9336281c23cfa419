package geo

import (
	"math"

	"github.com/example/roadside-dispatch/internal/models"
)

// EarthRadiusKm is the mean earth radius used by DistanceKm.
const EarthRadiusKm = 6371.0

// DistanceKm is the haversine great-circle distance in kilometers.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Between is DistanceKm for two coordinates.
func Between(a, b models.Coord) float64 {
	return DistanceKm(a.Lat, a.Lon, b.Lat, b.Lon)
}

func WithinRadius(center, point models.Coord, radiusKm float64) bool {
	return Between(center, point) <= radiusKm
}
