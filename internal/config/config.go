// Package config holds the run configuration assembled from command-line
// flags. A Config is validated once before any input is read and is not
// modified afterwards.
package config

import (
	"errors"
	"fmt"

	"rsu-history/internal/geo"
)

var (
	// ErrInvalidConfig is wrapped by every validation failure
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingHistorySize = fmt.Errorf("%w: history size (-k) must be a positive integer", ErrInvalidConfig)
	ErrMissingDataset     = fmt.Errorf("%w: dataset file (-d) is required", ErrInvalidConfig)
	ErrMissingStations    = fmt.Errorf("%w: rsu file (-r) is required", ErrInvalidConfig)
)

// Output formats for emitted rows
const (
	OutputText = "text"
	OutputJSON = "json"
)

// Config is the immutable configuration of one classification run
type Config struct {
	DatasetFile string
	StationFile string
	HistorySize int
	Verbose     bool
	Distance    string
	Workers     int
	Output      string
	DBPath      string
}

// Validate reports the first problem with the configuration
func (c Config) Validate() error {
	if c.DatasetFile == "" {
		return ErrMissingDataset
	}
	if c.StationFile == "" {
		return ErrMissingStations
	}
	if c.HistorySize <= 0 {
		return ErrMissingHistorySize
	}
	if _, err := geo.Lookup(c.Distance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers cannot be negative", ErrInvalidConfig)
	}
	switch c.Output {
	case "", OutputText, OutputJSON:
	default:
		return fmt.Errorf("%w: unsupported output format %q", ErrInvalidConfig, c.Output)
	}
	return nil
}

// DistanceFunc resolves the configured distance. Call after Validate.
func (c Config) DistanceFunc() geo.DistanceFunc {
	fn, err := geo.Lookup(c.Distance)
	if err != nil {
		return geo.Geodesic
	}
	return fn
}
