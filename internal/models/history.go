package models

import "time"

// Unassigned is the match recorded when no station contains a position
const Unassigned Match = "N/A"

// EntityID identifies a tracked vehicle. It is fixed at ingestion time and
// treated as an opaque key from then on.
type EntityID string

func (id EntityID) String() string { return string(id) }

// Match is the result of classifying one position: a station id or Unassigned
type Match string

func (m Match) String() string { return string(m) }

// Coordinate is a latitude/longitude pair in degrees
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Position represents a single observation of a vehicle
type Position struct {
	EntityID  EntityID `json:"entity_id"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
}

// Coordinate returns the position's lat/lon pair
func (p Position) Coordinate() Coordinate {
	return Coordinate{Latitude: p.Latitude, Longitude: p.Longitude}
}

// Station represents a roadside unit with a circular coverage area
type Station struct {
	ID       string     `json:"id"`
	Center   Coordinate `json:"center"`
	RadiusKM float64    `json:"radius_km"`
}

// HistoryRow is one emitted window: the entity and its last K matches,
// oldest first
type HistoryRow struct {
	Seq      int      `json:"seq"`
	EntityID EntityID `json:"entity_id"`
	Matches  []Match  `json:"matches"`
}

// MatchStrings returns the matches as plain strings
func (r HistoryRow) MatchStrings() []string {
	out := make([]string, len(r.Matches))
	for i, m := range r.Matches {
		out[i] = string(m)
	}
	return out
}

// Run describes one archived classification run
type Run struct {
	ID          string    `json:"id"`
	DatasetFile string    `json:"dataset_file"`
	StationFile string    `json:"station_file"`
	HistorySize int       `json:"history_size"`
	Distance    string    `json:"distance"`
	Stats       RunStats  `json:"stats"`
	CreatedAt   time.Time `json:"created_at"`
}

// RunStats provides aggregated counters for a run
type RunStats struct {
	Positions  int `json:"positions"`
	Matched    int `json:"matched"`
	Unassigned int `json:"unassigned"`
	Emitted    int `json:"emitted"`
	Entities   int `json:"entities"`
}

// RowQuery represents query parameters for archived history rows
type RowQuery struct {
	RunID    string
	EntityID EntityID
	Limit    int
	Offset   int
}
