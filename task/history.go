package task

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS task_history (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	file_name   TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);
`

// Entry is one journaled terminal transition.
type Entry struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Kind       Kind      `json:"kind"`
	FileName   string    `json:"file_name"`
	Status     Status    `json:"status"` // COMPLETED or ERROR
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// HistoryFilter controls which entries List returns.
type HistoryFilter struct {
	Kind   Kind   `json:"kind,omitempty"`
	Status Status `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// History journals terminal task transitions in a SQLite database. The live
// queue is memory-only; the journal feeds the recent-activity view.
type History struct {
	db *sql.DB
}

// OpenHistory opens (or creates) a SQLite database at dbPath and ensures the
// history table exists. The caller is responsible for calling Close.
func OpenHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &History{db: db}, nil
}

// Close releases the underlying database connection.
func (h *History) Close() error { return h.db.Close() }

// Record persists a terminal transition and sets the entry's ID and
// FinishedAt.
func (h *History) Record(e *Entry) error {
	if !e.Status.Terminal() {
		return fmt.Errorf("record %s: status %s is not terminal", e.TaskID, e.Status)
	}
	e.ID = uuid.NewString()
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now().UTC()
	}
	_, err := h.db.Exec(`
		INSERT INTO task_history
			(id, task_id, kind, file_name, status, error, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, string(e.Kind), e.FileName, string(e.Status), e.Error,
		e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter, most recent first.
func (h *History) List(filter HistoryFilter) ([]*Entry, error) {
	q := strings.Builder{}
	q.WriteString("SELECT id, task_id, kind, file_name, status, error, started_at, finished_at FROM task_history WHERE 1=1")
	args := []any{}

	if filter.Kind != "" {
		q.WriteString(" AND kind=?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		q.WriteString(" AND status=?")
		args = append(args, string(filter.Status))
	}
	q.WriteString(" ORDER BY finished_at DESC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	rows, err := h.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var kind, status string
		if err := rows.Scan(&e.ID, &e.TaskID, &kind, &e.FileName, &status, &e.Error, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.Status = Status(status)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
