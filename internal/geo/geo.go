package geo

import "math"

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Nearest returns the candidate closest to origin together with its distance.
// Candidates for which coord reports false are ignored. Ties keep the earliest
// candidate. ok is false when no candidate has coordinates.
func Nearest[T any](origin Point, candidates []T, coord func(T) (Point, bool)) (best T, distanceKm float64, ok bool) {
	for _, c := range candidates {
		p, has := coord(c)
		if !has {
			continue
		}
		d := Haversine(origin, p)
		if !ok || d < distanceKm {
			best, distanceKm, ok = c, d, true
		}
	}
	return best, distanceKm, ok
}
