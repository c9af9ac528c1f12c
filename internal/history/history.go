// Package history keeps a best-effort local journal of task outcomes and
// flag submissions. Nothing is ever read back for orchestration; recovery
// after a restart comes from the engine's label index.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a write-mostly sqlite journal.
type Store struct {
	db *sql.DB
}

// Execution is one journaled task outcome.
type Execution struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"taskId"`
	ExploitID string    `json:"exploitId"`
	TeamSlug  string    `json:"teamSlug"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	exploit_id TEXT NOT NULL,
	team_slug TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS submissions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	flag TEXT NOT NULL,
	result TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Open creates or opens the journal database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordOutcome appends a task outcome.
func (s *Store) RecordOutcome(ctx context.Context, taskID int64, exploitID, teamSlug, status, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (task_id, exploit_id, team_slug, status, message) VALUES (?, ?, ?, ?, ?)`,
		taskID, exploitID, teamSlug, status, message)
	return err
}

// RecordSubmission appends a flag submission result.
func (s *Store) RecordSubmission(ctx context.Context, taskID int64, flag, result, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (task_id, flag, result, message) VALUES (?, ?, ?, ?)`,
		taskID, flag, result, message)
	return err
}

// RecentExecutions returns the latest journaled outcomes, newest first.
func (s *Store) RecentExecutions(ctx context.Context, limit int) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, exploit_id, team_slug, status, message, created_at
		 FROM executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ExploitID, &e.TeamSlug, &e.Status, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
