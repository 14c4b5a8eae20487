// Package geo wraps WGS84 coordinates and the distance math used by the
// nearby-issue search. All points use SRID 4326 with longitude first.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// SRID is the spatial reference every stored point is tagged with.
const SRID = 4326

// EarthRadiusMeters is the mean radius used by MySQL's ST_Distance_Sphere.
const EarthRadiusMeters = 6370986.0

// ErrInvalidCoordinate is returned when a longitude/latitude pair is not
// finite or falls outside its valid range.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// GeoPoint is a validated (longitude, latitude) pair.
type GeoPoint struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// MakePoint validates lon/lat and returns a point. Longitude must be within
// [-180, 180] and latitude within [-90, 90].
func MakePoint(lon, lat float64) (GeoPoint, error) {
	if !ValidLongitude(lon) {
		return GeoPoint{}, fmt.Errorf("%w: longitude %v out of range [-180,180]", ErrInvalidCoordinate, lon)
	}
	if !ValidLatitude(lat) {
		return GeoPoint{}, fmt.Errorf("%w: latitude %v out of range [-90,90]", ErrInvalidCoordinate, lat)
	}
	return GeoPoint{Longitude: lon, Latitude: lat}, nil
}

// ValidLongitude reports whether v is finite and within [-180, 180].
func ValidLongitude(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= -180 && v <= 180
}

// ValidLatitude reports whether v is finite and within [-90, 90].
func ValidLatitude(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= -90 && v <= 90
}

// Distance returns the great-circle distance between a and b in meters using
// the haversine formula. It is symmetric and zero for identical points.
func Distance(a, b GeoPoint) float64 {
	if a == b {
		return 0
	}
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// WKT renders the point as well-known text, longitude first.
func (p GeoPoint) WKT() string {
	return "POINT(" + strconv.FormatFloat(p.Longitude, 'f', -1, 64) + " " +
		strconv.FormatFloat(p.Latitude, 'f', -1, 64) + ")"
}

// Box is a longitude/latitude rectangle.
type Box struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// BoundingBox returns a rectangle that contains every point within
// radiusMeters of center. ok is false when the rectangle would reach a pole
// or cross the antimeridian; callers then skip the rectangle pre-filter.
func BoundingBox(center GeoPoint, radiusMeters float64) (Box, bool) {
	if radiusMeters <= 0 || math.IsNaN(radiusMeters) || math.IsInf(radiusMeters, 0) {
		return Box{}, false
	}
	// Pad slightly so rounding never cuts off a point sitting on the circle.
	angular := radiusMeters * 1.001 / EarthRadiusMeters
	lat := center.Latitude * math.Pi / 180

	minLat := (lat - angular) * 180 / math.Pi
	maxLat := (lat + angular) * 180 / math.Pi
	if minLat <= -90 || maxLat >= 90 {
		return Box{}, false
	}
	s := math.Sin(angular) / math.Cos(lat)
	if s >= 1 {
		return Box{}, false
	}
	dLon := math.Asin(s) * 180 / math.Pi
	box := Box{MinLon: center.Longitude - dLon, MinLat: minLat, MaxLon: center.Longitude + dLon, MaxLat: maxLat}
	if box.MinLon < -180 || box.MaxLon > 180 {
		return Box{}, false
	}
	return box, true
}

// WKT renders the box as a closed polygon, longitude first.
func (b Box) WKT() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	sw := f(b.MinLon) + " " + f(b.MinLat)
	return "POLYGON((" + sw + ", " +
		f(b.MaxLon) + " " + f(b.MinLat) + ", " +
		f(b.MaxLon) + " " + f(b.MaxLat) + ", " +
		f(b.MinLon) + " " + f(b.MaxLat) + ", " + sw + "))"
}
