// Package runstore provides SQLite-backed run history. Runs survive client
// restarts so the history view and the resume flow have something to offer
// before the backend is reachable.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/personadesk/run-orchestrator/internal/domain"
	"github.com/personadesk/run-orchestrator/internal/trace"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts or updates a run. Upsert semantics: a resumed run may
// already be on disk from a previous process.
func (s *Store) SaveRun(run domain.Run) error {
	return s.upsert(run)
}

// UpdateRun updates a run, inserting it if the row is missing.
func (s *Store) UpdateRun(run domain.Run) error {
	return s.upsert(run)
}

func (s *Store) upsert(run domain.Run) error {
	linesJSON, err := json.Marshal(run.Lines)
	if err != nil {
		return err
	}

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, category, subject_key, status, phase_index, phase_label, lines, result, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			phase_index = excluded.phase_index,
			phase_label = excluded.phase_label,
			lines = excluded.lines,
			result = excluded.result,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		run.ID,
		string(run.Category),
		run.SubjectKey,
		string(run.Status),
		run.PhaseIndex,
		run.PhaseLabel,
		string(linesJSON),
		string(run.Result),
		run.Error,
		run.StartedAt,
		completedAt,
	)
	return err
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, category, subject_key, status, phase_index, phase_label, lines, result, error, started_at, completed_at
		FROM runs WHERE id = ?
	`, id)

	return scanRun(row)
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Category   domain.RunCategory
	SubjectKey string
	Status     domain.RunStatus
	Limit      int
}

// ListRuns returns runs matching the given options, most recent first
func (s *Store) ListRuns(opts ListOptions) ([]*domain.Run, error) {
	query := `SELECT id, category, subject_key, status, phase_index, phase_label, lines, result, error, started_at, completed_at FROM runs WHERE 1=1`
	var args []interface{}

	if opts.Category != "" {
		query += " AND category = ?"
		args = append(args, string(opts.Category))
	}
	if opts.SubjectKey != "" {
		query += " AND subject_key = ?"
		args = append(args, opts.SubjectKey)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// SaveTrace inserts or updates a pipeline trace
func (s *Store) SaveTrace(tr trace.Trace) error {
	entriesJSON, err := json.Marshal(tr.Entries)
	if err != nil {
		return err
	}

	var completedAt any
	if tr.CompletedAt != nil {
		completedAt = *tr.CompletedAt
	}

	_, err = s.db.Exec(`
		INSERT INTO traces (id, run_id, entries, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			run_id = excluded.run_id,
			entries = excluded.entries,
			completed_at = excluded.completed_at
	`,
		tr.ID,
		tr.RunID,
		string(entriesJSON),
		tr.StartedAt,
		completedAt,
	)
	return err
}

// GetTrace retrieves the most recent trace for a run
func (s *Store) GetTrace(runID string) (*trace.Trace, error) {
	row := s.db.QueryRow(`
		SELECT id, run_id, entries, started_at, completed_at
		FROM traces WHERE run_id = ? ORDER BY started_at DESC LIMIT 1
	`, runID)

	var tr trace.Trace
	var entriesJSON string
	var completedAt sql.NullTime

	if err := row.Scan(&tr.ID, &tr.RunID, &entriesJSON, &tr.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	if entriesJSON != "" && entriesJSON != "null" {
		if err := json.Unmarshal([]byte(entriesJSON), &tr.Entries); err != nil {
			return nil, err
		}
	}
	if completedAt.Valid {
		at := completedAt.Time
		tr.CompletedAt = &at
	}
	return &tr, nil
}

// PruneBefore deletes runs and their traces completed before the cutoff
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	if _, err := s.db.Exec(`
		DELETE FROM traces WHERE run_id IN (SELECT id FROM runs WHERE completed_at IS NOT NULL AND completed_at < ?)
	`, cutoff); err != nil {
		return 0, err
	}

	res, err := s.db.Exec(`DELETE FROM runs WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRun(row *sql.Row) (*domain.Run, error) {
	var run domain.Run
	var category, status string
	var linesJSON, resultJSON, errMsg, phaseLabel sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&run.ID, &category, &run.SubjectKey, &status, &run.PhaseIndex, &phaseLabel, &linesJSON, &resultJSON, &errMsg, &run.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	return fillRun(&run, category, status, linesJSON, resultJSON, errMsg, phaseLabel, completedAt)
}

func scanRunRows(rows *sql.Rows) (*domain.Run, error) {
	var run domain.Run
	var category, status string
	var linesJSON, resultJSON, errMsg, phaseLabel sql.NullString
	var completedAt sql.NullTime

	err := rows.Scan(&run.ID, &category, &run.SubjectKey, &status, &run.PhaseIndex, &phaseLabel, &linesJSON, &resultJSON, &errMsg, &run.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	return fillRun(&run, category, status, linesJSON, resultJSON, errMsg, phaseLabel, completedAt)
}

func fillRun(run *domain.Run, category, status string, linesJSON, resultJSON, errMsg, phaseLabel sql.NullString, completedAt sql.NullTime) (*domain.Run, error) {
	run.Category = domain.RunCategory(category)
	run.Status = domain.RunStatus(status)
	if phaseLabel.Valid {
		run.PhaseLabel = phaseLabel.String
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	if linesJSON.Valid && linesJSON.String != "" && linesJSON.String != "null" {
		if err := json.Unmarshal([]byte(linesJSON.String), &run.Lines); err != nil {
			return nil, err
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		run.Result = json.RawMessage(resultJSON.String)
	}
	if completedAt.Valid {
		at := completedAt.Time
		run.CompletedAt = &at
	}
	return run, nil
}
