// Package history is the durable chat message log, backed by SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hearth-chat/hearth/internal/history/migrations"
	_ "modernc.org/sqlite"
)

var errNotConfigured = errors.New("storage is not configured")

// Message is one persisted chat line. Author color and roles are not stored;
// they are resolved when the message is served.
type Message struct {
	ID          int64
	Name        string
	Body        string
	TimestampMs int64
	UserID      string
}

// Store persists chat messages in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the SQLite message log at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps AUTOINCREMENT ids in insertion order.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append inserts a message and returns its assigned id.
func (s *Store) Append(ctx context.Context, name, body string, timestampMs int64, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, errNotConfigured
	}
	var id int64
	err := s.sqlDB.QueryRowContext(ctx,
		`INSERT INTO messages (name, message, timestamp_ms, user_id) VALUES (?, ?, ?, ?) RETURNING id`,
		name, body, timestampMs, userID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// Delete removes the message with id. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	return nil
}

// Recent returns up to limit of the newest messages, oldest first.
// Messages sharing a millisecond keep insertion order.
func (s *Store) Recent(ctx context.Context, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, errNotConfigured
	}
	if limit <= 0 {
		return []Message{}, nil
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, name, message, timestamp_ms, user_id
		   FROM messages
		  ORDER BY timestamp_ms DESC, id DESC
		  LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Name, &m.Body, &m.TimestampMs, &m.UserID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// DeleteBefore removes every message older than cutoffMs and reports how
// many rows went.
func (s *Store) DeleteBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, errNotConfigured
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM messages WHERE timestamp_ms < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete old messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
