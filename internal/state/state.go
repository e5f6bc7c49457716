// Package state persists run history in a local SQLite database. One
// row per pipeline run, one row per table outcome within a run.
package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run is one recorded pipeline run.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string // running, success, failed
	SourceDir  string
}

// TableResult is one table's recorded outcome within a run.
type TableResult struct {
	RunID         string
	Table         string
	SourceRows    int64
	RowsInserted  int64
	MalformedRows int64
	WarehouseRows int64
	DuplicateRows int64
	Verdict       string
	ElapsedMS     int64
	Error         string
}

// Store is the run-history database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    started_at  TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    status      TEXT NOT NULL,
    source_dir  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS table_results (
    run_id         TEXT NOT NULL REFERENCES runs(id),
    table_name     TEXT NOT NULL,
    source_rows    INTEGER NOT NULL,
    rows_inserted  INTEGER NOT NULL,
    malformed_rows INTEGER NOT NULL,
    warehouse_rows INTEGER NOT NULL,
    duplicate_rows INTEGER NOT NULL,
    verdict        TEXT NOT NULL,
    elapsed_ms     INTEGER NOT NULL,
    error          TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, table_name)
);
`

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a run and returns its ID.
func (s *Store) CreateRun(sourceDir string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO runs (id, started_at, status, source_dir) VALUES (?, ?, 'running', ?)`,
		id, time.Now().UTC(), sourceDir)
	if err != nil {
		return "", fmt.Errorf("recording run start: %w", err)
	}
	return id, nil
}

// CompleteRun closes out a run with its final status.
func (s *Store) CompleteRun(id, status string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`,
		time.Now().UTC(), status, id)
	return err
}

// SaveTableResult upserts one table's outcome for a run.
func (s *Store) SaveTableResult(r TableResult) error {
	_, err := s.db.Exec(`
		INSERT INTO table_results
		    (run_id, table_name, source_rows, rows_inserted, malformed_rows,
		     warehouse_rows, duplicate_rows, verdict, elapsed_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, table_name) DO UPDATE SET
		    source_rows = excluded.source_rows,
		    rows_inserted = excluded.rows_inserted,
		    malformed_rows = excluded.malformed_rows,
		    warehouse_rows = excluded.warehouse_rows,
		    duplicate_rows = excluded.duplicate_rows,
		    verdict = excluded.verdict,
		    elapsed_ms = excluded.elapsed_ms,
		    error = excluded.error`,
		r.RunID, r.Table, r.SourceRows, r.RowsInserted, r.MalformedRows,
		r.WarehouseRows, r.DuplicateRows, r.Verdict, r.ElapsedMS, r.Error)
	return err
}

// GetRuns returns the most recent runs, newest first.
func (s *Store) GetRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, started_at, COALESCE(finished_at, started_at), status, source_dir
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status, &r.SourceDir); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetTableResults returns a run's table outcomes, ordered by table name.
func (s *Store) GetTableResults(runID string) ([]TableResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, table_name, source_rows, rows_inserted, malformed_rows,
		       warehouse_rows, duplicate_rows, verdict, elapsed_ms, error
		FROM table_results WHERE run_id = ? ORDER BY table_name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TableResult
	for rows.Next() {
		var r TableResult
		if err := rows.Scan(&r.RunID, &r.Table, &r.SourceRows, &r.RowsInserted, &r.MalformedRows,
			&r.WarehouseRows, &r.DuplicateRows, &r.Verdict, &r.ElapsedMS, &r.Error); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
