package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Event types: process events
const (
	EventProcessStarted = "process.started"
	EventProcessStopped = "process.stopped"
	EventCircuitOpened  = "circuit.opened"
	EventCircuitClosed  = "circuit.closed"
	EventSweepCompleted = "sweep.completed"
)

// Event types: turn events
const (
	EventTurnStarted     = "turn.started"
	EventTurnRateLimited = "turn.rate_limited"
	EventTurnSuperseded  = "turn.superseded"
	EventTurnCompleted   = "turn.completed"
	EventTurnFailed      = "turn.failed"
	EventTurnCancelled   = "turn.cancelled"
	EventCommandHandled  = "command.handled"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates the events table.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
		CREATE INDEX IF NOT EXISTS idx_events_type_id ON events(event_type, id);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// EventLog is the relay's audit trail. Every event hangs under the
// process.started row written by Start unless a parent is given.
// A nil *EventLog discards everything, so callers never check.
type EventLog struct {
	db     *sql.DB
	mu     sync.Mutex
	rootID int64
}

func NewEventLog(db *sql.DB) *EventLog {
	return &EventLog{db: db}
}

// Start records the process root event.
func (l *EventLog) Start(payload map[string]any) (int64, error) {
	if l == nil {
		return 0, nil
	}
	id, err := LogEvent(l.db, nil, EventProcessStarted, payload)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	l.rootID = id
	l.mu.Unlock()
	return id, nil
}

// Log records an event under parent, or under the process root when parent
// is zero. Failures are logged and reported as id 0.
func (l *EventLog) Log(parent int64, eventType string, payload map[string]any) int64 {
	if l == nil {
		return 0
	}
	if parent == 0 {
		l.mu.Lock()
		parent = l.rootID
		l.mu.Unlock()
	}
	var parentID *int64
	if parent != 0 {
		parentID = &parent
	}
	id, err := LogEvent(l.db, parentID, eventType, payload)
	if err != nil {
		slog.Warn("audit event dropped", "event_type", eventType, "error", err)
		return 0
	}
	return id
}
