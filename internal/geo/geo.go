package geo

import (
	"math"

	"fleetwatch/internal/domain"
)

const earthRadiusMeters = 6371000

// DistanceMeters returns the great-circle distance between two points.
func DistanceMeters(a, b domain.Point) float64 {
	dLat := toRad(b.Latitude - a.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Contains reports whether p falls inside the geofence. Circles include
// their boundary (distance == radius is inside). Polygon winding direction
// does not matter; vertices need no closing point.
func Contains(p domain.Point, g domain.Geofence) (bool, error) {
	switch g.Kind {
	case domain.GeofenceCircle:
		if g.RadiusMeters <= 0 {
			return false, domain.ErrGeofenceGeometry
		}
		return DistanceMeters(p, g.Center) <= g.RadiusMeters, nil
	case domain.GeofencePolygon:
		if len(g.Vertices) < 3 {
			return false, domain.ErrGeofenceGeometry
		}
		return pointInPolygon(p, g.Vertices), nil
	default:
		return false, domain.ErrGeofenceGeometry
	}
}

// pointInPolygon is the even-odd ray casting test: a ray cast eastward from p
// crosses the polygon boundary an odd number of times iff p is inside. Works
// for either winding direction and tolerates self-intersecting rings.
func pointInPolygon(p domain.Point, vs []domain.Point) bool {
	inside := false
	j := len(vs) - 1
	for i := 0; i < len(vs); i++ {
		yi, xi := vs[i].Latitude, vs[i].Longitude
		yj, xj := vs[j].Latitude, vs[j].Longitude
		if (yi > p.Latitude) != (yj > p.Latitude) &&
			p.Longitude < (xj-xi)*(p.Latitude-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
