package db

import (
	"path/filepath"
	"testing"
	"time"

	"rsu-history/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func sampleRows() []models.HistoryRow {
	return []models.HistoryRow{
		{Seq: 1, EntityID: "7", Matches: []models.Match{"Z1", "N/A"}},
		{Seq: 2, EntityID: "8", Matches: []models.Match{"N/A", "Z,2"}},
		{Seq: 3, EntityID: "7", Matches: []models.Match{"N/A", "N/A"}},
	}
}

func TestSaveAndGetRun(t *testing.T) {
	d := openTestDB(t)

	run := &models.Run{
		DatasetFile: "positions.csv",
		StationFile: "rsu.csv",
		HistorySize: 2,
		Distance:    "geodesic",
		Stats:       models.RunStats{Positions: 5, Matched: 1, Unassigned: 4, Emitted: 3, Entities: 2},
	}
	require.NoError(t, d.SaveRun(run, sampleRows()))
	require.NotEmpty(t, run.ID)

	got, err := d.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.DatasetFile, got.DatasetFile)
	assert.Equal(t, run.Stats, got.Stats)
	assert.WithinDuration(t, run.CreatedAt, got.CreatedAt, time.Second)

	_, err = d.GetRun("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryRows(t *testing.T) {
	d := openTestDB(t)
	run := &models.Run{ID: "r1", DatasetFile: "d", StationFile: "s", HistorySize: 2, Distance: "haversine"}
	require.NoError(t, d.SaveRun(run, sampleRows()))

	all, err := d.QueryRows(models.RowQuery{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, sampleRows(), all)

	only7, err := d.QueryRows(models.RowQuery{RunID: "r1", EntityID: "7"})
	require.NoError(t, err)
	require.Len(t, only7, 2)
	assert.Equal(t, 1, only7[0].Seq)
	assert.Equal(t, 3, only7[1].Seq)

	page, err := d.QueryRows(models.RowQuery{RunID: "r1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, []models.Match{"N/A", "Z,2"}, page[0].Matches)
}

func TestSaveRunIsAtomic(t *testing.T) {
	d := openTestDB(t)
	dup := []models.HistoryRow{
		{Seq: 1, EntityID: "1", Matches: []models.Match{"A"}},
		{Seq: 1, EntityID: "1", Matches: []models.Match{"A"}},
	}
	err := d.SaveRun(&models.Run{ID: "bad", DatasetFile: "d", StationFile: "s", HistorySize: 1, Distance: "geodesic"}, dup)
	require.Error(t, err)

	_, err = d.GetRun("bad")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsAndStats(t *testing.T) {
	d := openTestDB(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new"} {
		run := &models.Run{
			ID: id, DatasetFile: "d", StationFile: "s", HistorySize: 1, Distance: "geodesic",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
			Stats:     models.RunStats{Positions: 10},
		}
		require.NoError(t, d.SaveRun(run, sampleRows()))
	}

	runs, err := d.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)

	limited, err := d.ListRuns(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	stats, err := d.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["total_runs"])
	assert.Equal(t, int64(20), stats["total_positions"])
	assert.Equal(t, int64(6), stats["total_history_rows"])
}
