package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"rsu-history/internal/catalog"
	"rsu-history/internal/db"
	"rsu-history/internal/engine"
	"rsu-history/internal/geo"
	"rsu-history/internal/logging"
	"rsu-history/internal/metrics"
	"rsu-history/internal/models"
	"rsu-history/internal/parser"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// DefaultMaxBodyBytes caps the size of a classify request body
const DefaultMaxBodyBytes = 32 << 20

// Server represents the API server
type Server struct {
	db      *db.Database
	metrics *metrics.Collector
	log     logging.Logger
	router  *mux.Router

	maxBodyBytes int64
}

// NewServer creates a new API server. database may be nil, in which case
// classification still works but nothing is archived.
func NewServer(database *db.Database, collector *metrics.Collector, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		db:      database,
		metrics: collector,
		log:     log,
		router:  mux.NewRouter(),

		maxBodyBytes: DefaultMaxBodyBytes,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.NewRoute().Subrouter()
	api.Use(jsonMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	api.HandleFunc("/api/v1/classify", s.handleClassify).Methods("POST")

	api.HandleFunc("/api/v1/runs", s.handleListRuns).Methods("GET")
	api.HandleFunc("/api/v1/runs/{id}", s.handleGetRun).Methods("GET")
	api.HandleFunc("/api/v1/runs/{id}/rows", s.handleRunRows).Methods("GET")

	api.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")
}

// Handler returns the router wrapped with panic recovery
func (s *Server) Handler() http.Handler {
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(s.router)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := s.log.With(logging.String("method", r.Method), logging.String("path", r.URL.Path))
		r = r.WithContext(logging.WithLogger(r.Context(), log))
		next.ServeHTTP(w, r)
		log.Info(r.Context(), "http request", logging.Any("elapsed", time.Since(start)))
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

// internalError logs err on the request logger and answers 500
func internalError(w http.ResponseWriter, r *http.Request, err error) {
	logging.FromContext(r.Context(), nil).Error(r.Context(), "request failed", logging.Err(err))
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// ClassifyRequest is the body of POST /api/v1/classify
type ClassifyRequest struct {
	HistorySize int               `json:"history_size"`
	Distance    string            `json:"distance,omitempty"`
	Stations    []models.Station  `json:"stations"`
	Positions   []models.Position `json:"positions"`
	Archive     bool              `json:"archive,omitempty"`
}

// ClassifyResponse is the data returned by POST /api/v1/classify
type ClassifyResponse struct {
	RunID string              `json:"run_id,omitempty"`
	Rows  []models.HistoryRow `json:"rows"`
	Stats models.RunStats     `json:"stats"`
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ClassifyRequest
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	distance, err := geo.Lookup(req.Distance)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	for i := range req.Stations {
		if errs := parser.ValidateStation(&req.Stations[i]); len(errs) > 0 {
			respondError(w, http.StatusBadRequest, "stations["+strconv.Itoa(i)+"]: "+errs[0])
			return
		}
	}
	for i := range req.Positions {
		if errs := parser.ValidatePosition(&req.Positions[i]); len(errs) > 0 {
			respondError(w, http.StatusBadRequest, "positions["+strconv.Itoa(i)+"]: "+errs[0])
			return
		}
	}
	if req.Archive && s.db == nil {
		respondError(w, http.StatusServiceUnavailable, "archive is not configured")
		return
	}

	eng, err := engine.New(catalog.New(req.Stations, distance),
		engine.Config{HistorySize: req.HistorySize},
		engine.WithMetrics(s.metrics))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := ClassifyResponse{Rows: []models.HistoryRow{}}
	err = eng.Run(r.Context(), req.Positions, func(row models.HistoryRow) error {
		resp.Rows = append(resp.Rows, row)
		return nil
	})
	s.metrics.ObserveRun(time.Since(start), err)
	if err != nil {
		internalError(w, r, err)
		return
	}
	resp.Stats = eng.Stats()

	if req.Archive {
		if req.Distance == "" {
			req.Distance = geo.Default
		}
		run := &models.Run{
			DatasetFile: "api",
			StationFile: "api",
			HistorySize: req.HistorySize,
			Distance:    req.Distance,
			Stats:       resp.Stats,
		}
		if err := s.db.SaveRun(run, resp.Rows); err != nil {
			internalError(w, r, err)
			return
		}
		resp.RunID = run.ID
	}

	respondWithMeta(w, resp, &meta{Total: len(resp.Rows), QueryMs: time.Since(start).Milliseconds()})
}

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.db == nil {
		respondError(w, http.StatusServiceUnavailable, "archive is not configured")
		return false
	}
	return true
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	runs, err := s.db.ListRuns(limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	run, err := s.db.GetRun(mux.Vars(r)["id"])
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunRows(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	start := time.Now()
	id := mux.Vars(r)["id"]

	if _, err := s.db.GetRun(id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		internalError(w, r, err)
		return
	}

	q := models.RowQuery{
		RunID:    id,
		EntityID: models.ParseEntityID(r.URL.Query().Get("entity_id")),
		Limit:    1000,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		q.Offset, _ = strconv.Atoi(v)
	}

	rows, err := s.db.QueryRows(q)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if rows == nil {
		rows = []models.HistoryRow{}
	}

	respondWithMeta(w, rows, &meta{
		Total:   len(rows),
		Limit:   q.Limit,
		Offset:  q.Offset,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	stats, err := s.db.GetStats()
	if err != nil {
		internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
