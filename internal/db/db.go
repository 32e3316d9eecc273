package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Event type constants: process lifecycle
const (
	EventProcessStarted = "process.started"
	EventProcessStopped = "process.stopped"
)

// Event type constants: message handling
const (
	EventMessageReceived   = "message.received"
	EventGenerateCompleted = "generate.completed"
	EventGenerateBlocked   = "generate.blocked"
	EventGenerateFailed    = "generate.failed"
	EventReplySent         = "reply.sent"
	EventHistoryCleared    = "history.cleared"
	EventImageGenerated    = "image.generated"
	EventImageFailed       = "image.failed"
	EventCircuitOpened     = "circuit.opened"
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

// InitSchema creates all tables: events, turns.
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

		CREATE TABLE IF NOT EXISTS turns (
			session_key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			PRIMARY KEY (session_key, seq)
		);
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

// EventLog records handler events under a process root event. Events that
// carry an "event_id" payload are chained under the matching
// message.received row.
type EventLog struct {
	db     *sql.DB
	rootID *int64

	mu       sync.Mutex
	messages map[string]int64
}

// NewEventLog logs process.started with the given payload and returns a
// log rooted at it.
func NewEventLog(database *sql.DB, payload map[string]any) (*EventLog, error) {
	id, err := LogEvent(database, nil, EventProcessStarted, payload)
	if err != nil {
		return nil, err
	}
	return &EventLog{db: database, rootID: &id, messages: make(map[string]int64)}, nil
}

// RootID returns the id of the process.started event.
func (l *EventLog) RootID() int64 { return *l.rootID }

// Record stores one event. message.received starts a chain for its
// event_id; reply.sent ends it.
func (l *EventLog) Record(eventType string, payload map[string]any) error {
	eventID, _ := payload["event_id"].(string)

	l.mu.Lock()
	parent := l.rootID
	if msgID, ok := l.messages[eventID]; ok && eventID != "" {
		parent = &msgID
	}
	l.mu.Unlock()

	id, err := LogEvent(l.db, parent, eventType, payload)
	if err != nil {
		return err
	}

	if eventID == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch eventType {
	case EventMessageReceived:
		l.messages[eventID] = id
	case EventReplySent:
		delete(l.messages, eventID)
	}
	return nil
}

// Close logs process.stopped under the root event.
func (l *EventLog) Close() error {
	_, err := LogEvent(l.db, l.rootID, EventProcessStopped, nil)
	return err
}
