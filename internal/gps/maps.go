package gps

import (
	"fmt"
	"math"
	"net/url"
	"strconv"

	"fieldcrm/internal/domain"
)

const earthRadiusMeters = 6371e3

// Marker is a pin handed to a map renderer.
type Marker struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Point is a bare coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func PointOf(g *domain.GPS) *Point {
	if g == nil {
		return nil
	}
	return &Point{Lat: g.Lat, Lng: g.Lng}
}

// Distance is the haversine distance in meters.
func Distance(a, b Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// DirectionsURL links to turn-by-turn directions to dest, from origin when given.
func DirectionsURL(dest Point, origin *Point) string {
	u := url.URL{Scheme: "https", Host: "www.google.com", Path: "/maps/dir/"}
	if origin != nil {
		u.Path += coord(*origin) + "/"
	}
	u.Path += coord(dest)
	return u.String()
}

func coord(p Point) string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lng, 'f', -1, 64)
}

// FormatCoordinates renders a fix as "lat, lng (±acc m)".
func FormatCoordinates(g *domain.GPS) string {
	if g == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.6f, %.6f (±%dm)", g.Lat, g.Lng, int(math.Round(g.Accuracy)))
}
