package geo

import (
	"math"

	"github.com/example/captain-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// straight-line estimate used for candidate ETAs
const (
	avgSpeedKmh     = 25.0
	pickupOverheadS = 60
)

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func Distance(a, b models.Coord) float64 {
	return HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

// EtaSeconds is a naive travel estimate for distanceKm. Not road distance.
func EtaSeconds(distanceKm float64) int {
	if distanceKm < 0 {
		distanceKm = 0
	}
	return int(distanceKm/avgSpeedKmh*3600) + pickupOverheadS
}

// ValidCoord reports whether lat/lng fall inside WGS84 bounds.
func ValidCoord(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
