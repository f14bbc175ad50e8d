// Package geo provides the distance functions used for station containment.
package geo

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"rsu-history/internal/models"

	"github.com/tidwall/geodesic"
)

// MeanEarthRadiusKM is the IUGG mean radius used by Haversine
const MeanEarthRadiusKM = 6371.0088

// DistanceFunc returns the distance between two coordinates in kilometres
type DistanceFunc func(a, b models.Coordinate) float64

// Geodesic computes the shortest distance on the WGS-84 ellipsoid
func Geodesic(a, b models.Coordinate) float64 {
	var meters float64
	geodesic.WGS84.Inverse(a.Latitude, a.Longitude, b.Latitude, b.Longitude, &meters, nil, nil)
	return meters / 1000
}

// Haversine computes the great-circle distance on a sphere of MeanEarthRadiusKM
func Haversine(a, b models.Coordinate) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * MeanEarthRadiusKM * math.Asin(math.Min(1, math.Sqrt(h)))
}

var byName = map[string]DistanceFunc{
	"geodesic":  Geodesic,
	"haversine": Haversine,
}

// Default is the name of the distance used when none is configured
const Default = "geodesic"

// Lookup resolves a distance function by name
func Lookup(name string) (DistanceFunc, error) {
	if name == "" {
		name = Default
	}
	fn, ok := byName[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown distance %q (use %s)", name, strings.Join(Names(), ", "))
	}
	return fn, nil
}

// Names lists the supported distance names
func Names() []string {
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
