package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const messageLogSchema = `
CREATE TABLE IF NOT EXISTS chat_messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL UNIQUE,
    thread_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_thread ON chat_messages(thread_id, seq);
`

// SQLLog implements MessageLog on a SQL database. It works with the libsql
// driver in production and with modernc sqlite.
type SQLLog struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenSQLLog opens (and creates if needed) a message log database.
// driver is a registered database/sql driver name such as "libsql" or "sqlite".
func OpenSQLLog(driver, path string) (*SQLLog, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "://") {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		if driver == "libsql" {
			dsn = "file:" + path
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := NewSQLLog(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.logger.Info("Message log initialized", "driver", driver, "path", path)
	return store, nil
}

// NewSQLLog wraps an open database and ensures the schema exists
func NewSQLLog(db *sql.DB) (*SQLLog, error) {
	if _, err := db.Exec(messageLogSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLLog{db: db, logger: log.Default().WithPrefix("storage")}, nil
}

// Create implements MessageLog
func (s *SQLLog) Create(ctx context.Context, record Record) error {
	query := `INSERT INTO chat_messages (message_id, thread_id, role, content, created_at)
	          VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		record.MessageID, record.ThreadID, record.Role, record.Content, record.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// ListByThread implements MessageLog
func (s *SQLLog) ListByThread(ctx context.Context, id string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}

	// Newest first so LIMIT keeps the tail, then flip back to chronological order
	query := `SELECT message_id, thread_id, role, content, created_at
	          FROM chat_messages WHERE thread_id = ?
	          ORDER BY seq DESC
	          LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		var createdAt int64
		if err := rows.Scan(&record.MessageID, &record.ThreadID, &record.Role, &record.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		record.Timestamp = time.Unix(0, createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Stats returns row counts for health reporting
func (s *SQLLog) Stats(ctx context.Context) (LogStats, error) {
	var stats LogStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT thread_id) FROM chat_messages`).Scan(&stats.Messages, &stats.Threads)
	if err != nil {
		return LogStats{}, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

// Close closes the database
func (s *SQLLog) Close() error {
	return s.db.Close()
}
