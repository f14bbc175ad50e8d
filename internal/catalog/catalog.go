// Package catalog holds the ordered set of stations a run classifies against.
package catalog

import (
	"rsu-history/internal/geo"
	"rsu-history/internal/models"
)

// Observer receives the distance to every station scanned for a position,
// before the containment test.
type Observer func(station models.Station, distanceKM float64)

// Catalog is the immutable, ordered list of stations for a run
type Catalog struct {
	stations []models.Station
	distance geo.DistanceFunc
}

// New builds a catalog from station records, keeping their order. A nil
// distance function selects geo.Geodesic.
func New(stations []models.Station, distance geo.DistanceFunc) *Catalog {
	if distance == nil {
		distance = geo.Geodesic
	}
	owned := make([]models.Station, len(stations))
	copy(owned, stations)
	return &Catalog{stations: owned, distance: distance}
}

// Len returns the number of stations
func (c *Catalog) Len() int {
	return len(c.stations)
}

// Stations returns a copy of the stations in scan order
func (c *Catalog) Stations() []models.Station {
	out := make([]models.Station, len(c.stations))
	copy(out, c.stations)
	return out
}

// Contains reports whether point lies within the station's radius. The
// boundary is inclusive.
func (c *Catalog) Contains(station models.Station, point models.Coordinate) bool {
	return c.distance(station.Center, point) <= station.RadiusKM
}

// Match returns the id of the first station, in catalog order, containing
// point, or models.Unassigned. Scanning stops at the first hit.
func (c *Catalog) Match(point models.Coordinate, observe Observer) models.Match {
	for _, s := range c.stations {
		d := c.distance(s.Center, point)
		if observe != nil {
			observe(s, d)
		}
		if d <= s.RadiusKM {
			return models.Match(s.ID)
		}
	}
	return models.Unassigned
}
