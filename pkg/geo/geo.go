package geo

import (
	"fmt"
	"math"
)

const earthRadiusMiles = 3958.8

// DistanceMiles computes the great-circle distance between two points using
// the haversine formula.
func DistanceMiles(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMiles * c
}

// GridKey returns the canonical cell identifier for a position at grid size
// g degrees: the floored corner coordinates rendered to 6 decimal places.
func GridKey(lat, lon, g float64) string {
	return CellKey(CellIndex(lat, g), CellIndex(lon, g), g)
}

// CellIndex maps a coordinate to its integer cell index at grid size g.
func CellIndex(coord, g float64) int64 {
	return int64(math.Floor(coord / g))
}

// CellKey renders the cell identified by integer indices (i, j) at grid
// size g. Iterating indices and rendering through CellKey keeps query-time
// keys byte-identical to the keys GridKey produced at insert time.
func CellKey(i, j int64, g float64) string {
	return fmt.Sprintf("%.6f:%.6f", float64(i)*g, float64(j)*g)
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
