package parser

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"rsu-history/internal/models"
)

// ErrMalformedRecord is wrapped by every RecordError
var ErrMalformedRecord = errors.New("malformed record")

// RecordError reports a record that could not be parsed
type RecordError struct {
	Source string
	Line   int
	Reason string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Reason)
}

func (e *RecordError) Unwrap() error { return ErrMalformedRecord }

// Parser reads position and station files
type Parser struct {
	format string
}

// NewParser creates a new parser for the given format (csv or json)
func NewParser(format string) *Parser {
	if format == "" {
		format = "csv"
	}
	return &Parser{format: format}
}

// ParsePositionsFile reads positions from filename
func (p *Parser) ParsePositionsFile(filename string) ([]models.Position, error) {
	var out []models.Position
	err := p.withFile(filename, func(r io.Reader, source string) error {
		var err error
		switch strings.ToLower(p.format) {
		case "csv":
			out, err = parsePositionsCSV(r, source)
		case "json":
			out, err = decodeJSON[models.Position](r, source)
			if err == nil {
				err = validatePositions(out, source)
			}
		default:
			err = fmt.Errorf("unsupported format: %s", p.format)
		}
		return err
	})
	return out, err
}

// ParseStationsFile reads stations from filename
func (p *Parser) ParseStationsFile(filename string) ([]models.Station, error) {
	var out []models.Station
	err := p.withFile(filename, func(r io.Reader, source string) error {
		var err error
		switch strings.ToLower(p.format) {
		case "csv":
			out, err = parseStationsCSV(r, source)
		case "json":
			out, err = decodeJSON[models.Station](r, source)
			if err == nil {
				err = validateStations(out, source)
			}
		default:
			err = fmt.Errorf("unsupported format: %s", p.format)
		}
		return err
	})
	return out, err
}

func (p *Parser) withFile(filename string, fn func(io.Reader, string) error) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return fn(file, filepath.Base(filename))
}

// ParsePositions reads CSV records "entity_id, latitude, longitude"
func ParsePositions(r io.Reader) ([]models.Position, error) {
	return parsePositionsCSV(r, "positions")
}

// ParseStations reads CSV records "id, latitude, longitude, radius_km"
func ParseStations(r io.Reader) ([]models.Station, error) {
	return parseStationsCSV(r, "stations")
}

func parsePositionsCSV(r io.Reader, source string) ([]models.Position, error) {
	var results []models.Position
	err := scanRecords(r, source, 3, func(line int, fields []string) error {
		lat, lon, err := parseCoordinate(fields[1], fields[2])
		if err != nil {
			return &RecordError{Source: source, Line: line, Reason: err.Error()}
		}
		results = append(results, models.Position{
			EntityID:  models.ParseEntityID(fields[0]),
			Latitude:  lat,
			Longitude: lon,
		})
		return nil
	})
	return results, err
}

func parseStationsCSV(r io.Reader, source string) ([]models.Station, error) {
	var results []models.Station
	err := scanRecords(r, source, 4, func(line int, fields []string) error {
		lat, lon, err := parseCoordinate(fields[1], fields[2])
		if err != nil {
			return &RecordError{Source: source, Line: line, Reason: err.Error()}
		}
		radius, err := parseNumber("radius", fields[3])
		if err != nil {
			return &RecordError{Source: source, Line: line, Reason: err.Error()}
		}
		if radius < 0 {
			return &RecordError{Source: source, Line: line, Reason: "radius cannot be negative"}
		}
		results = append(results, models.Station{
			ID:       fields[0],
			Center:   models.Coordinate{Latitude: lat, Longitude: lon},
			RadiusKM: radius,
		})
		return nil
	})
	return results, err
}

// scanRecords splits each non-comment line into exactly want fields. A '#'
// starts a comment that runs to the end of the line.
func scanRecords(r io.Reader, source string, want int, fn func(line int, fields []string) error) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) != want {
			return &RecordError{
				Source: source,
				Line:   lineNum,
				Reason: fmt.Sprintf("expected %d fields, got %d", want, len(fields)),
			}
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if fields[0] == "" {
			return &RecordError{Source: source, Line: lineNum, Reason: "missing id"}
		}
		if err := fn(lineNum, fields); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}
	return nil
}

func parseCoordinate(latStr, lonStr string) (float64, float64, error) {
	lat, err := parseNumber("latitude", latStr)
	if err != nil {
		return 0, 0, err
	}
	lon, err := parseNumber("longitude", lonStr)
	if err != nil {
		return 0, 0, err
	}
	if errs := validateCoordinate(models.Coordinate{Latitude: lat, Longitude: lon}); len(errs) > 0 {
		return 0, 0, errors.New(errs[0])
	}
	return lat, lon, nil
}

func parseNumber(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}

// decodeJSON reads a JSON array of records
func decodeJSON[T any](r io.Reader, source string) ([]T, error) {
	var results []T
	if err := json.NewDecoder(r).Decode(&results); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", source, ErrMalformedRecord, err)
	}
	return results, nil
}

func validatePositions(positions []models.Position, source string) error {
	for i, p := range positions {
		if errs := ValidatePosition(&p); len(errs) > 0 {
			return &RecordError{Source: source, Line: i + 1, Reason: errs[0]}
		}
	}
	return nil
}

func validateStations(stations []models.Station, source string) error {
	for i, s := range stations {
		if errs := ValidateStation(&s); len(errs) > 0 {
			return &RecordError{Source: source, Line: i + 1, Reason: errs[0]}
		}
	}
	return nil
}

// ValidateStation validates a station record
func ValidateStation(s *models.Station) []string {
	var errors []string

	if s.ID == "" {
		errors = append(errors, "id is required")
	}
	if s.RadiusKM < 0 || math.IsNaN(s.RadiusKM) {
		errors = append(errors, "radius_km cannot be negative")
	}
	errors = append(errors, validateCoordinate(s.Center)...)
	return errors
}

// ValidatePosition validates a position record
func ValidatePosition(p *models.Position) []string {
	var errors []string

	if p.EntityID == "" {
		errors = append(errors, "entity_id is required")
	}
	errors = append(errors, validateCoordinate(p.Coordinate())...)
	return errors
}

func validateCoordinate(c models.Coordinate) []string {
	var errors []string
	if c.Latitude < -90 || c.Latitude > 90 {
		errors = append(errors, "latitude must be between -90 and 90")
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		errors = append(errors, "longitude must be between -180 and 180")
	}
	return errors
}
