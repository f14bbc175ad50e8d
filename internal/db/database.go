package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rsu-history/internal/models"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("not found")

// Database archives completed classification runs in SQLite
type Database struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}
	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		dataset_file TEXT NOT NULL,
		station_file TEXT NOT NULL,
		history_size INTEGER NOT NULL,
		distance TEXT NOT NULL,
		positions INTEGER NOT NULL DEFAULT 0,
		matched INTEGER NOT NULL DEFAULT 0,
		unassigned INTEGER NOT NULL DEFAULT 0,
		emitted INTEGER NOT NULL DEFAULT 0,
		entities INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS history_rows (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		entity_id TEXT NOT NULL,
		matches TEXT NOT NULL,
		PRIMARY KEY (run_id, seq),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_history_rows_entity ON history_rows(run_id, entity_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// SaveRun stores a run and all of its rows in one transaction. An empty
// run ID is replaced with a new UUID.
func (db *Database) SaveRun(run *models.Run, rows []models.HistoryRow) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs
		(id, dataset_file, station_file, history_size, distance,
		 positions, matched, unassigned, emitted, entities, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.DatasetFile, run.StationFile, run.HistorySize, run.Distance,
		run.Stats.Positions, run.Stats.Matched, run.Stats.Unassigned,
		run.Stats.Emitted, run.Stats.Entities, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO history_rows (run_id, seq, entity_id, matches) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		encoded, err := json.Marshal(r.MatchStrings())
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(run.ID, r.Seq, r.EntityID.String(), string(encoded)); err != nil {
			return fmt.Errorf("insert row %d: %w", r.Seq, err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, dataset_file, station_file, history_size, distance,
	positions, matched, unassigned, emitted, entities, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (models.Run, error) {
	var r models.Run
	err := s.Scan(
		&r.ID, &r.DatasetFile, &r.StationFile, &r.HistorySize, &r.Distance,
		&r.Stats.Positions, &r.Stats.Matched, &r.Stats.Unassigned,
		&r.Stats.Emitted, &r.Stats.Entities, &r.CreatedAt,
	)
	return r, err
}

// GetRun retrieves a run by ID
func (db *Database) GetRun(id string) (*models.Run, error) {
	r, err := scanRun(db.conn.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns the most recent runs first
func (db *Database) ListRuns(limit int) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// QueryRows retrieves archived rows in emission order
func (db *Database) QueryRows(q models.RowQuery) ([]models.HistoryRow, error) {
	conditions := []string{"run_id = ?"}
	args := []interface{}{q.RunID}

	if q.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, q.EntityID.String())
	}

	query := `SELECT seq, entity_id, matches FROM history_rows WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY seq`

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.HistoryRow
	for rows.Next() {
		var (
			r       models.HistoryRow
			entity  string
			encoded string
		)
		if err := rows.Scan(&r.Seq, &entity, &encoded); err != nil {
			return nil, err
		}
		var matches []string
		if err := json.Unmarshal([]byte(encoded), &matches); err != nil {
			return nil, fmt.Errorf("decode row %d: %w", r.Seq, err)
		}
		r.EntityID = models.EntityID(entity)
		r.Matches = make([]models.Match, len(matches))
		for i, m := range matches {
			r.Matches[i] = models.Match(m)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetStats returns archive statistics
func (db *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var runs, rows, positions int64
	if err := db.conn.QueryRow("SELECT COUNT(*), COALESCE(SUM(positions), 0) FROM runs").Scan(&runs, &positions); err != nil {
		return nil, err
	}
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM history_rows").Scan(&rows); err != nil {
		return nil, err
	}

	stats["total_runs"] = runs
	stats["total_positions"] = positions
	stats["total_history_rows"] = rows
	return stats, nil
}
