package utils

import "math"

const earthRadiusMeters = 6371e3

// BoundingBox is a latitude/longitude rectangle in degrees. A box whose
// MinLongitude is greater than its MaxLongitude crosses the antimeridian.
type BoundingBox struct {
	MinLatitude  float64
	MaxLatitude  float64
	MinLongitude float64
	MaxLongitude float64
}

// RangeBox returns the box enclosing every point within distance meters of
// (latitude, longitude). Near a pole the box spans all longitudes.
func RangeBox(latitude, longitude, distance float64) BoundingBox {
	lat := latitude * math.Pi / 180.0
	lon := longitude * math.Pi / 180.0
	angular := distance / earthRadiusMeters

	minLat, maxLat := lat-angular, lat+angular
	var minLon, maxLon float64
	if minLat > -math.Pi/2 && maxLat < math.Pi/2 {
		dLon := math.Asin(math.Sin(angular) / math.Cos(lat))
		minLon = lon - dLon
		if minLon < -math.Pi {
			minLon += 2 * math.Pi
		}
		maxLon = lon + dLon
		if maxLon > math.Pi {
			maxLon -= 2 * math.Pi
		}
	} else {
		minLat = math.Max(minLat, -math.Pi/2)
		maxLat = math.Min(maxLat, math.Pi/2)
		minLon, maxLon = -math.Pi, math.Pi
	}

	return BoundingBox{
		MinLatitude:  minLat * 180.0 / math.Pi,
		MaxLatitude:  maxLat * 180.0 / math.Pi,
		MinLongitude: minLon * 180.0 / math.Pi,
		MaxLongitude: maxLon * 180.0 / math.Pi,
	}
}

// Wraps reports whether the box crosses the antimeridian.
func (b BoundingBox) Wraps() bool {
	return b.MinLongitude > b.MaxLongitude
}

// Contains reports whether the point lies inside the box.
func (b BoundingBox) Contains(latitude, longitude float64) bool {
	if latitude < b.MinLatitude || latitude > b.MaxLatitude {
		return false
	}
	if b.Wraps() {
		return longitude >= b.MinLongitude || longitude <= b.MaxLongitude
	}
	return longitude >= b.MinLongitude && longitude <= b.MaxLongitude
}
