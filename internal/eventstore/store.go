// Package eventstore persists the AG-UI event history in an embedded SQLite
// database: a raw append log plus structured tables for threads, streamed
// messages, thinking events, and tool executions.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	element_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_element_id ON events(element_id);
CREATE INDEX IF NOT EXISTS idx_events_event_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp  ON events(timestamp);

CREATE TABLE IF NOT EXISTS threads (
	thread_id  TEXT PRIMARY KEY,
	element_id TEXT NOT NULL UNIQUE,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP,
	updated_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	message_id          TEXT PRIMARY KEY,
	thread_id           TEXT NOT NULL,
	element_id          TEXT NOT NULL,
	role                TEXT NOT NULL,
	content             TEXT NOT NULL,
	status              TEXT NOT NULL,
	timestamp           TEXT NOT NULL,
	cancellation_reason TEXT,
	created_at          TEXT DEFAULT CURRENT_TIMESTAMP,
	updated_at          TEXT DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
);

CREATE TABLE IF NOT EXISTS thinking_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id  TEXT NOT NULL,
	element_id TEXT NOT NULL,
	message    TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
);

CREATE TABLE IF NOT EXISTS tool_executions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id  TEXT NOT NULL,
	element_id TEXT NOT NULL,
	tool_name  TEXT NOT NULL,
	tool_args  TEXT,
	tool_result TEXT,
	status     TEXT NOT NULL,
	start_time TEXT NOT NULL,
	end_time   TEXT,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP,
	updated_at TEXT DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
);
`

// Message statuses.
const (
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusCancelled = "cancelled"
	StatusRunning   = "running"
)

// Store is the SQLite-backed event store. Writes arrive from multiple
// goroutines via the broadcaster; a mutex serializes them onto the single
// connection.
type Store struct {
	db     *sqlx.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	// A single connection keeps write ordering simple and avoids
	// SQLITE_BUSY under concurrent branches.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event store schema: %w", err)
	}
	logger.Info("event store initialized", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SaveEvent appends a raw event row. Satisfies the broadcaster's Store
// contract; a failure here is fatal to the publishing instance.
func (s *Store) SaveEvent(ctx context.Context, elementID, eventType string, data map[string]any, ts time.Time) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (element_id, event_type, event_data, timestamp)
		VALUES (?, ?, ?, ?)`,
		elementID, eventType, string(payload), ts.UTC().Format(time.RFC3339Nano))
	return err
}

// EnsureThread returns the thread id for an element, creating the thread row
// if it does not exist yet. Idempotent.
func (s *Store) EnsureThread(elementID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureThreadLocked(elementID)
}

func (s *Store) ensureThreadLocked(elementID string) (string, error) {
	var threadID string
	err := s.db.Get(&threadID, `SELECT thread_id FROM threads WHERE element_id = ?`, elementID)
	if err == nil {
		return threadID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup thread: %w", err)
	}
	threadID = "thread_" + uuid.NewString()
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO threads (thread_id, element_id) VALUES (?, ?)`, threadID, elementID); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	// INSERT OR IGNORE may have lost a race with another writer; re-read.
	if err := s.db.Get(&threadID, `SELECT thread_id FROM threads WHERE element_id = ?`, elementID); err != nil {
		return "", fmt.Errorf("reread thread: %w", err)
	}
	return threadID, nil
}

// StartMessage records the beginning of a streamed message in status
// streaming with empty content.
func (s *Store) StartMessage(elementID, messageID, role string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	threadID, err := s.ensureThreadLocked(elementID)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO messages (message_id, thread_id, element_id, role, content, status, timestamp)
		VALUES (?, ?, ?, ?, '', ?, ?)`,
		messageID, threadID, elementID, role, StatusStreaming, ts.UTC().Format(time.RFC3339Nano))
	return err
}

// UpdateMessageContent replaces the cumulative content of a streaming message.
func (s *Store) UpdateMessageContent(messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE messages SET content = ?, updated_at = CURRENT_TIMESTAMP
		WHERE message_id = ?`, content, messageID)
	return err
}

// CompleteMessage transitions a message to status complete.
func (s *Store) CompleteMessage(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE messages SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE message_id = ?`, StatusComplete, messageID)
	return err
}

// CancelMessage transitions a message to status cancelled with a reason.
func (s *Store) CancelMessage(messageID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE messages SET status = ?, cancellation_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE message_id = ?`, StatusCancelled, reason, messageID)
	return err
}

// StoreThinking appends a thinking event for the element's thread.
func (s *Store) StoreThinking(elementID, message string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	threadID, err := s.ensureThreadLocked(elementID)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO thinking_events (thread_id, element_id, message, timestamp)
		VALUES (?, ?, ?, ?)`,
		threadID, elementID, message, ts.UTC().Format(time.RFC3339Nano))
	return err
}

// StartTool records a tool execution in status running and returns its id.
func (s *Store) StartTool(elementID, toolName string, args map[string]any, ts time.Time) (int64, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return 0, fmt.Errorf("marshal tool args: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	threadID, err := s.ensureThreadLocked(elementID)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`
		INSERT INTO tool_executions (thread_id, element_id, tool_name, tool_args, status, start_time)
		VALUES (?, ?, ?, ?, ?, ?)`,
		threadID, elementID, toolName, string(payload), StatusRunning, ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EndTool completes a tool execution with its result.
func (s *Store) EndTool(id int64, result any, ts time.Time) error {
	var payload any
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal tool result: %w", err)
		}
		payload = string(b)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE tool_executions
		SET status = ?, tool_result = ?, end_time = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, StatusComplete, payload, ts.UTC().Format(time.RFC3339Nano), id)
	return err
}

// Message is one streamed utterance in an element's thread.
type Message struct {
	ID                 string  `db:"message_id" json:"id"`
	Role               string  `db:"role" json:"role"`
	Content            string  `db:"content" json:"content"`
	Status             string  `db:"status" json:"status"`
	Timestamp          string  `db:"timestamp" json:"timestamp"`
	CancellationReason *string `db:"cancellation_reason" json:"cancellationReason,omitempty"`
}

// ThinkingEvent is one thinking indicator in an element's thread.
type ThinkingEvent struct {
	Message   string `db:"message" json:"message"`
	Timestamp string `db:"timestamp" json:"timestamp"`
}

// ToolExecution is one tool call in an element's thread.
type ToolExecution struct {
	Name      string  `db:"tool_name" json:"name"`
	Args      any     `db:"-" json:"args,omitempty"`
	RawArgs   *string `db:"tool_args" json:"-"`
	Result    any     `db:"-" json:"result,omitempty"`
	RawResult *string `db:"tool_result" json:"-"`
	Status    string  `db:"status" json:"status"`
	StartTime string  `db:"start_time" json:"startTime"`
	EndTime   *string `db:"end_time" json:"endTime,omitempty"`
}

// ThreadHistory is the full per-element history used for replay.
type ThreadHistory struct {
	ThreadID string          `json:"threadId"`
	Messages []Message       `json:"messages"`
	Thinking []ThinkingEvent `json:"thinking"`
	Tools    []ToolExecution `json:"tools"`
}

// RawEvent is one row of the append log.
type RawEvent struct {
	ID        int64  `db:"id" json:"id"`
	ElementID string `db:"element_id" json:"elementId"`
	EventType string `db:"event_type" json:"eventType"`
	EventData string `db:"event_data" json:"eventData"`
	Timestamp string `db:"timestamp" json:"timestamp"`
}

// ThreadHistory returns the element's messages, thinking events, and tool
// executions ordered by timestamp. A nil history means no thread exists.
func (s *Store) ThreadHistory(elementID string) (*ThreadHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var threadID string
	err := s.db.Get(&threadID, `SELECT thread_id FROM threads WHERE element_id = ?`, elementID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup thread: %w", err)
	}

	h := &ThreadHistory{ThreadID: threadID, Messages: []Message{}, Thinking: []ThinkingEvent{}, Tools: []ToolExecution{}}

	if err := s.db.Select(&h.Messages, `
		SELECT message_id, role, content, status, timestamp, cancellation_reason
		FROM messages WHERE thread_id = ? ORDER BY timestamp ASC, created_at ASC`, threadID); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if err := s.db.Select(&h.Thinking, `
		SELECT message, timestamp
		FROM thinking_events WHERE thread_id = ? ORDER BY timestamp ASC, id ASC`, threadID); err != nil {
		return nil, fmt.Errorf("load thinking: %w", err)
	}
	if err := s.db.Select(&h.Tools, `
		SELECT tool_name, tool_args, tool_result, status, start_time, end_time
		FROM tool_executions WHERE thread_id = ? ORDER BY start_time ASC, id ASC`, threadID); err != nil {
		return nil, fmt.Errorf("load tools: %w", err)
	}
	for i := range h.Tools {
		t := &h.Tools[i]
		if t.RawArgs != nil {
			_ = json.Unmarshal([]byte(*t.RawArgs), &t.Args)
		}
		if t.RawResult != nil {
			_ = json.Unmarshal([]byte(*t.RawResult), &t.Result)
		}
	}
	return h, nil
}

// Events returns the raw event rows for an element in append order.
func (s *Store) Events(elementID string) ([]RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RawEvent
	if err := s.db.Select(&out, `
		SELECT id, element_id, event_type, event_data, timestamp
		FROM events WHERE element_id = ? ORDER BY id ASC`, elementID); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return out, nil
}

// ClearElement removes all history for an element.
func (s *Store) ClearElement(elementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var threadID string
	err := s.db.Get(&threadID, `SELECT thread_id FROM threads WHERE element_id = ?`, elementID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("lookup thread: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM events WHERE element_id = ?`, elementID); err != nil {
		return err
	}
	if threadID == "" {
		return nil
	}
	for _, q := range []string{
		`DELETE FROM thinking_events WHERE thread_id = ?`,
		`DELETE FROM tool_executions WHERE thread_id = ?`,
		`DELETE FROM messages WHERE thread_id = ?`,
		`DELETE FROM threads WHERE thread_id = ?`,
	} {
		if _, err := s.db.Exec(q, threadID); err != nil {
			return err
		}
	}
	s.logger.Info("cleared element history", zap.String("element_id", elementID))
	return nil
}

// ClearAll removes every row from every table.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range []string{
		`DELETE FROM events`,
		`DELETE FROM thinking_events`,
		`DELETE FROM tool_executions`,
		`DELETE FROM messages`,
		`DELETE FROM threads`,
	} {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}
