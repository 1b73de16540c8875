// Package history is the SQLite audit ledger of completed workflow
// sessions. The thread transcripts are session-scoped and lossy; this
// ledger is the durable record of what ran — which tool, how many steps,
// how it terminated, which model did the expert pass — queryable across
// server restarts via the zen_activity tool.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Record is one terminal workflow outcome.
type Record struct {
	ID        int64  `json:"id"`
	ThreadID  string `json:"thread_id"`
	ToolName  string `json:"tool_name"`
	Steps     int    `json:"steps"`
	Status    string `json:"status"`
	Model     string `json:"model,omitempty"`
	IssueCnt  int    `json:"issues_found"`
	CreatedAt string `json:"created_at"`
}

// Ledger wraps the SQLite connection. Safe for concurrent use: database/sql
// serializes access and the schema is append-plus-read only.
type Ledger struct {
	db *sql.DB
}

// Open creates (or opens) the ledger database under dataDir.
func Open(dataDir string) (*Ledger, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("history: create data dir: %w", err)
	}

	db, err := openDB("sqlite", filepath.Join(dataDir, "history.db"))
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("history: pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outcomes (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id   TEXT NOT NULL,
			tool_name   TEXT NOT NULL,
			steps       INTEGER NOT NULL,
			status      TEXT NOT NULL,
			model       TEXT NOT NULL DEFAULT '',
			issue_count INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_outcomes_tool ON outcomes(tool_name);
		CREATE INDEX IF NOT EXISTS idx_outcomes_created ON outcomes(created_at);
	`); err != nil {
		return nil, fmt.Errorf("history: migration: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close releases the database connection.
func (l *Ledger) Close() error { return l.db.Close() }

// Append records a terminal outcome.
func (l *Ledger) Append(r Record) error {
	if r.CreatedAt == "" {
		r.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := l.db.Exec(`
		INSERT INTO outcomes (thread_id, tool_name, steps, status, model, issue_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ThreadID, r.ToolName, r.Steps, r.Status, r.Model, r.IssueCnt, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Recent returns the latest outcomes, newest first, optionally filtered by
// tool. A non-positive limit defaults to 20.
func (l *Ledger) Recent(toolName string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, thread_id, tool_name, steps, status, model, issue_count, created_at
		FROM outcomes`
	args := []any{}
	if toolName != "" {
		query += ` WHERE tool_name = ?`
		args = append(args, toolName)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.ToolName, &r.Steps, &r.Status,
			&r.Model, &r.IssueCnt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByStatus returns outcome counts grouped by terminal status.
func (l *Ledger) CountByStatus() (map[string]int, error) {
	rows, err := l.db.Query(`SELECT status, COUNT(*) FROM outcomes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("history: count: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("history: scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
