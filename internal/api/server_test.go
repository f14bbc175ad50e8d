package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"rsu-history/internal/db"
	"rsu-history/internal/logging"
	"rsu-history/internal/metrics"
	"rsu-history/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const endToEndBody = `{
	"history_size": 2,
	"stations": [{"id": "Z1", "center": {"latitude": 0, "longitude": 0}, "radius_km": 1}],
	"positions": [
		{"entity_id": 7, "latitude": 0, "longitude": 0},
		{"entity_id": 7, "latitude": 10, "longitude": 10}
	]
}`

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestServer(t *testing.T, withDB bool) *Server {
	t.Helper()
	var database *db.Database
	if withDB {
		var err error
		database, err = db.New(filepath.Join(t.TempDir(), "api.db"))
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })
	}
	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	return NewServer(database, collector, nil)
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	rec, env := do(t, newTestServer(t, false), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
}

func TestClassifyEndToEnd(t *testing.T) {
	rec, env := do(t, newTestServer(t, false), http.MethodPost, "/api/v1/classify", endToEndBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, models.EntityID("7"), resp.Rows[0].EntityID)
	assert.Equal(t, []models.Match{"Z1", "N/A"}, resp.Rows[0].Matches)
	assert.Equal(t, 2, resp.Stats.Positions)
	assert.Empty(t, resp.RunID)
}

func TestClassifyRejectsBadInput(t *testing.T) {
	s := newTestServer(t, false)
	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"zero history", `{"history_size": 0, "stations": [], "positions": []}`, http.StatusBadRequest},
		{"unknown distance", `{"history_size": 1, "distance": "flat"}`, http.StatusBadRequest},
		{"negative radius", `{"history_size": 1, "stations": [{"id": "A", "radius_km": -1}]}`, http.StatusBadRequest},
		{"bad latitude", `{"history_size": 1, "positions": [{"entity_id": 1, "latitude": 95}]}`, http.StatusBadRequest},
		{"archive without db", `{"history_size": 1, "archive": true}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, s, http.MethodPost, "/api/v1/classify", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestClassifyArchiveAndBrowse(t *testing.T) {
	s := newTestServer(t, true)
	body := strings.Replace(endToEndBody, `"history_size": 2,`, `"history_size": 2, "archive": true,`, 1)

	rec, env := do(t, s, http.MethodPost, "/api/v1/classify", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.NotEmpty(t, resp.RunID)

	rec, env = do(t, s, http.MethodGet, "/api/v1/runs/"+resp.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run models.Run
	require.NoError(t, json.Unmarshal(env.Data, &run))
	assert.Equal(t, "geodesic", run.Distance)
	assert.Equal(t, 1, run.Stats.Emitted)

	rec, env = do(t, s, http.MethodGet, "/api/v1/runs/"+resp.RunID+"/rows?entity_id=7.0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []models.HistoryRow
	require.NoError(t, json.Unmarshal(env.Data, &rows))
	assert.Equal(t, resp.Rows, rows)

	rec, env = do(t, s, http.MethodGet, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []models.Run
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	assert.Len(t, runs, 1)

	rec, _ = do(t, s, http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/api/v1/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, s, http.MethodGet, "/api/v1/runs/nope/rows", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClassifyRejectsOversizedBody(t *testing.T) {
	s := newTestServer(t, false)
	s.maxBodyBytes = 64

	rec, env := do(t, s, http.MethodPost, "/api/v1/classify", endToEndBody)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.False(t, env.Success)
}

func TestInternalErrorsAreLoggedWithRequestContext(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, database.Close())

	var buf bytes.Buffer
	s := NewServer(database, nil, logging.New(logging.Config{Output: &buf}))

	rec, env := do(t, s, http.MethodGet, "/api/v1/runs", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, env.Success)

	out := buf.String()
	assert.Contains(t, out, `msg="request failed"`)
	assert.Contains(t, out, "path=/api/v1/runs")
	assert.Contains(t, out, "error=")
}

func TestRunsWithoutDatabase(t *testing.T) {
	rec, env := do(t, newTestServer(t, false), http.MethodGet, "/api/v1/runs", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, env.Success)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, false)
	do(t, s, http.MethodPost, "/api/v1/classify", endToEndBody)

	req := httptest.NewRequest(http.MethodGet, "/metrics", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `rsu_positions_classified_total{result="matched"} 1`)
	assert.Contains(t, rec.Body.String(), `rsu_runs_total{status="ok"} 1`)
}
