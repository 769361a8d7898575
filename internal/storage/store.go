// Package storage keeps the run history: one row per stack run, task state
// transitions, and the accuracy warnings recorded along the way. Backed by
// sqlite so the status surfaces can answer without the run still being
// alive.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	reference  TEXT NOT NULL,
	scenes     INTEGER NOT NULL,
	status     TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP,
	succeeded  INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	unreached  INTEGER NOT NULL DEFAULT 0,
	satisfied  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS task_events (
	run_id    TEXT NOT NULL,
	task      TEXT NOT NULL,
	state     TEXT NOT NULL,
	detail    TEXT NOT NULL DEFAULT '',
	at        TIMESTAMP NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(id)
);
CREATE INDEX IF NOT EXISTS task_events_run ON task_events(run_id, at);
CREATE TABLE IF NOT EXISTS warnings (
	run_id  TEXT NOT NULL,
	pair    TEXT NOT NULL,
	message TEXT NOT NULL,
	at      TIMESTAMP NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(id)
);
`

// Open opens (or creates) the run history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening run history: %w", err)
	}
	// Serialized access; the scheduler records from many goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing run history: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Run is one stack run's summary row.
type Run struct {
	ID        string
	Reference string
	Scenes    int
	Status    string
	StartedAt time.Time
	EndedAt   *time.Time
	Succeeded int
	Failed    int
	Unreached int
	Satisfied int
}

// TaskEvent is one task state transition.
type TaskEvent struct {
	Task   string
	State  string
	Detail string
	At     time.Time
}

// Warning is one recorded accuracy warning.
type Warning struct {
	Pair    string
	Message string
	At      time.Time
}

// CreateRun opens a new run row and returns its id.
func (s *Store) CreateRun(reference string, scenes int) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO runs (id, reference, scenes, status, started_at) VALUES (?, ?, ?, 'running', ?)`,
		id, reference, scenes, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}
	return id, nil
}

// FinishRun closes a run row with its final status and counts.
func (s *Store) FinishRun(runID, status string, succeeded, failed, unreached, satisfied int) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, ended_at = ?, succeeded = ?, failed = ?, unreached = ?, satisfied = ? WHERE id = ?`,
		status, time.Now().UTC(), succeeded, failed, unreached, satisfied, runID)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return nil
}

// RecordTask appends a task state transition.
func (s *Store) RecordTask(runID, task, state, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO task_events (run_id, task, state, detail, at) VALUES (?, ?, ?, ?, ?)`,
		runID, task, state, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording task event: %w", err)
	}
	return nil
}

// RecordWarning appends an accuracy warning for a pair.
func (s *Store) RecordWarning(runID, pair, message string) error {
	_, err := s.db.Exec(
		`INSERT INTO warnings (run_id, pair, message, at) VALUES (?, ?, ?, ?)`,
		runID, pair, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording warning: %w", err)
	}
	return nil
}

// Runs lists runs, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, reference, scenes, status, started_at, ended_at, succeeded, failed, unreached, satisfied
		 FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var ended sql.NullTime
		if err := rows.Scan(&r.ID, &r.Reference, &r.Scenes, &r.Status, &r.StartedAt, &ended,
			&r.Succeeded, &r.Failed, &r.Unreached, &r.Satisfied); err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recent run, or nil when none exist.
func (s *Store) LatestRun() (*Run, error) {
	runs, err := s.Runs()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// TaskEvents lists a run's task transitions in order.
func (s *Store) TaskEvents(runID string) ([]TaskEvent, error) {
	rows, err := s.db.Query(
		`SELECT task, state, detail, at FROM task_events WHERE run_id = ? ORDER BY at`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing task events: %w", err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var e TaskEvent
		if err := rows.Scan(&e.Task, &e.State, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("listing task events: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Warnings lists a run's accuracy warnings in order.
func (s *Store) Warnings(runID string) ([]Warning, error) {
	rows, err := s.db.Query(
		`SELECT pair, message, at FROM warnings WHERE run_id = ? ORDER BY at`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing warnings: %w", err)
	}
	defer rows.Close()

	var warnings []Warning
	for rows.Next() {
		var w Warning
		if err := rows.Scan(&w.Pair, &w.Message, &w.At); err != nil {
			return nil, fmt.Errorf("listing warnings: %w", err)
		}
		warnings = append(warnings, w)
	}
	return warnings, rows.Err()
}
