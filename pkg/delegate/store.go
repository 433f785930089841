package delegate

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Store persists terminal delegation runs to SQLite so status queries
// survive restarts and registry cleanup.
type Store struct {
	db *sql.DB
}

const runsSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	agent_name TEXT NOT NULL,
	parent_session_id TEXT,
	task TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	error TEXT,
	start_time INTEGER NOT NULL,
	end_time INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_end_time ON runs(end_time);
`

// OpenStore opens (creating if needed) the run history database
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}

	if _, err := db.Exec(runsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create runs table: %w", err)
	}

	log.Info().Str("path", path).Msg("Run history store opened")
	return &Store{db: db}, nil
}

// SaveRun upserts one run record
func (s *Store) SaveRun(run Run) error {
	var endTime interface{}
	if run.EndTime != nil {
		endTime = run.EndTime.UnixMilli()
	}

	_, err := s.db.Exec(`
		INSERT INTO runs (id, agent_name, parent_session_id, task, status, result, error, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			end_time = excluded.end_time`,
		run.ID, run.AgentName, run.ParentSessionID, run.Task, string(run.Status),
		run.Result, run.Error, run.StartTime.UnixMilli(), endTime)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun loads one run by id
func (s *Store) GetRun(runID string) (Run, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, agent_name, parent_session_id, task, status, result, error, start_time, end_time
		FROM runs WHERE id = ?`, runID)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("failed to load run: %w", err)
	}
	return run, true, nil
}

// ListRecent returns the most recently started runs
func (s *Store) ListRecent(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, agent_name, parent_session_id, task, status, result, error, start_time, end_time
		FROM runs ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Prune deletes history entries that ended before the cutoff
func (s *Store) Prune(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE end_time IS NOT NULL AND end_time < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var status string
	var parentSession, result, errMsg sql.NullString
	var startMs int64
	var endMs sql.NullInt64

	err := row.Scan(&run.ID, &run.AgentName, &parentSession, &run.Task, &status,
		&result, &errMsg, &startMs, &endMs)
	if err != nil {
		return Run{}, err
	}

	run.ParentSessionID = parentSession.String
	run.Result = result.String
	run.Error = errMsg.String
	run.Status = RunStatus(status)
	run.StartTime = time.UnixMilli(startMs)
	if endMs.Valid {
		t := time.UnixMilli(endMs.Int64)
		run.EndTime = &t
	}
	return run, nil
}
