// Package engine classifies positions against a station catalog and keeps a
// sliding window of the last K matches per entity.
//
// Once an entity's window is full, every further position for that entity
// emits a row, so consecutive rows for the same entity overlap by K-1 matches.
package engine

import (
	"context"
	"errors"
	"fmt"

	"rsu-history/internal/catalog"
	"rsu-history/internal/logging"
	"rsu-history/internal/metrics"
	"rsu-history/internal/models"

	"golang.org/x/sync/errgroup"
)

// ErrInvalidHistorySize is returned by New when the window capacity is not positive
var ErrInvalidHistorySize = errors.New("history size must be at least 1")

// Config controls windowing and diagnostics
type Config struct {
	HistorySize int
	// Verbose logs the distance to every station scanned, through the
	// logger carried by the context (see logging.WithLogger)
	Verbose bool
	// Workers > 1 classifies positions in parallel. Ignored when Verbose.
	Workers int
}

// EmitFunc receives rows in emission order
type EmitFunc func(models.HistoryRow) error

// Option customizes an Engine
type Option func(*Engine)

// WithMetrics records classification counters on c
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// Engine owns the per-entity windows for one run. It is not safe for
// concurrent use.
type Engine struct {
	catalog *catalog.Catalog
	cfg     Config
	metrics *metrics.Collector

	windows map[models.EntityID]*window
	seq     int
	stats   models.RunStats
}

// New creates an engine with empty windows
func New(c *catalog.Catalog, cfg Config, opts ...Option) (*Engine, error) {
	if c == nil {
		return nil, errors.New("engine: nil catalog")
	}
	if cfg.HistorySize <= 0 {
		return nil, fmt.Errorf("engine: %w (got %d)", ErrInvalidHistorySize, cfg.HistorySize)
	}
	e := &Engine{
		catalog: c,
		cfg:     cfg,
		windows: make(map[models.EntityID]*window),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Process classifies one position and appends the result to the entity's
// window. It returns the window contents when the window is full afterwards.
func (e *Engine) Process(ctx context.Context, p models.Position) (models.HistoryRow, bool) {
	return e.apply(p, e.classify(ctx, p))
}

// Run processes positions in order, calling emit for every full window.
// The first error from emit or from ctx stops the run.
func (e *Engine) Run(ctx context.Context, positions []models.Position, emit EmitFunc) error {
	matches, err := e.classifyAll(ctx, positions)
	if err != nil {
		return err
	}
	for i, p := range positions {
		if err := ctx.Err(); err != nil {
			return err
		}
		var m models.Match
		if matches != nil {
			m = matches[i]
		} else {
			m = e.classify(ctx, p)
		}
		row, ok := e.apply(p, m)
		if !ok || emit == nil {
			continue
		}
		if err := emit(row); err != nil {
			return fmt.Errorf("emit row %d: %w", row.Seq, err)
		}
	}
	return nil
}

// Stats returns the counters accumulated so far
func (e *Engine) Stats() models.RunStats {
	s := e.stats
	s.Entities = len(e.windows)
	return s
}

// History returns a copy of an entity's current window, oldest first
func (e *Engine) History(id models.EntityID) []models.Match {
	w, ok := e.windows[id]
	if !ok {
		return nil
	}
	return w.snapshot()
}

func (e *Engine) classify(ctx context.Context, p models.Position) models.Match {
	if !e.cfg.Verbose {
		return e.catalog.Match(p.Coordinate(), nil)
	}
	pos := fmt.Sprintf("POS(%v, %v)", p.Latitude, p.Longitude)
	log := logging.FromContext(ctx, nil).With(logging.String("entity_id", p.EntityID.String()), logging.String("position", pos))
	log.Info(ctx, "processing position")
	return e.catalog.Match(p.Coordinate(), func(s models.Station, d float64) {
		log.Info(ctx, "station distance", logging.String("station", s.ID), logging.Float("distance_km", d))
	})
}

// classifyAll returns nil when positions should be classified inline
func (e *Engine) classifyAll(ctx context.Context, positions []models.Position) ([]models.Match, error) {
	workers := e.cfg.Workers
	if workers <= 1 || e.cfg.Verbose || len(positions) < 2 {
		return nil, nil
	}
	if workers > len(positions) {
		workers = len(positions)
	}

	matches := make([]models.Match, len(positions))
	chunk := (len(positions) + workers - 1) / workers
	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < len(positions); lo += chunk {
		lo := lo
		hi := min(lo+chunk, len(positions))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				matches[i] = e.catalog.Match(positions[i].Coordinate(), nil)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return matches, nil
}

func (e *Engine) apply(p models.Position, m models.Match) (models.HistoryRow, bool) {
	w, ok := e.windows[p.EntityID]
	if !ok {
		w = newWindow(e.cfg.HistorySize)
		e.windows[p.EntityID] = w
	}
	w.push(m)

	e.stats.Positions++
	matched := m != models.Unassigned
	if matched {
		e.stats.Matched++
	} else {
		e.stats.Unassigned++
	}
	e.metrics.ObserveMatch(matched)

	if !w.full() {
		return models.HistoryRow{}, false
	}
	e.seq++
	e.stats.Emitted++
	e.metrics.ObserveRow()
	return models.HistoryRow{Seq: e.seq, EntityID: p.EntityID, Matches: w.snapshot()}, true
}
