package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/malhub/pkg/models"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// numbered rewrites ? placeholders to $1, $2, ...
	numbered bool
	// lockSuffix is appended to the thread header select inside a transaction.
	lockSuffix string
	schema     []string
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// DB exposes the underlying database connection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Load retrieves a thread with its full message history.
func (s *SQLStore) Load(ctx context.Context, threadID string) (*models.Thread, error) {
	if err := checkID(threadID); err != nil {
		return nil, err
	}
	t, exists, err := s.loadHeader(ctx, s.db, threadID, false)
	if err != nil {
		return nil, err
	}
	if !exists {
		return t, nil
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, role, content, tool_calls, tool_call_id, tool_name, is_error, created_at
		FROM messages WHERE thread_id = ?
		ORDER BY seq ASC
	`), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg       models.Message
			role      string
			toolCalls string
			isError   int
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &toolCalls, &msg.ToolCallID, &msg.ToolName, &isError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.ThreadID = threadID
		msg.Role = models.Role(role)
		msg.IsError = isError != 0
		msg.CreatedAt = time.Unix(0, createdAt)
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		t.Messages = append(t.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return t, nil
}

// AppendAndCheckpoint appends msgs and applies cp in one transaction.
func (s *SQLStore) AppendAndCheckpoint(ctx context.Context, threadID string, msgs []models.Message, cp Checkpoint) error {
	return s.withThread(ctx, threadID, func(tx *sql.Tx, t *models.Thread) error {
		var seq int64
		if len(msgs) > 0 {
			err := tx.QueryRowContext(ctx, s.dialect.rebind(
				`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = ?`), threadID).Scan(&seq)
			if err != nil {
				return fmt.Errorf("failed to read message sequence: %w", err)
			}
		}
		if err := applyCheckpoint(t, msgs, cp, s.now()); err != nil {
			return err
		}
		insert := s.dialect.rebind(`
			INSERT INTO messages (id, thread_id, seq, role, content, tool_calls, tool_call_id, tool_name, is_error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		for _, msg := range t.Messages {
			seq++
			toolCalls := ""
			if len(msg.ToolCalls) > 0 {
				data, err := json.Marshal(msg.ToolCalls)
				if err != nil {
					return fmt.Errorf("failed to marshal tool calls: %w", err)
				}
				toolCalls = string(data)
			}
			isError := 0
			if msg.IsError {
				isError = 1
			}
			if _, err := tx.ExecContext(ctx, insert,
				msg.ID, threadID, seq, string(msg.Role), msg.Content, toolCalls,
				msg.ToolCallID, msg.ToolName, isError, msg.CreatedAt.UnixNano(),
			); err != nil {
				return fmt.Errorf("failed to append message: %w", err)
			}
		}
		return nil
	})
}

// Suspend records a pending confirmation.
func (s *SQLStore) Suspend(ctx context.Context, threadID string, pending *models.PendingSuspension) error {
	return s.AppendAndCheckpoint(ctx, threadID, nil, Checkpoint{
		Status:  models.ThreadStatusAwaitingConfirmation,
		Pending: pending,
	})
}

// Resume moves a suspended thread back to running.
func (s *SQLStore) Resume(ctx context.Context, threadID string) (*models.PendingSuspension, error) {
	var pending *models.PendingSuspension
	err := s.withThread(ctx, threadID, func(tx *sql.Tx, t *models.Thread) error {
		if t.Pending == nil {
			return ErrNotSuspended
		}
		if err := models.ValidateTransition(t.Status, models.ThreadStatusRunning); err != nil {
			return err
		}
		t.Status = models.ThreadStatusRunning
		t.Version++
		t.UpdatedAt = s.now()
		pending = t.Pending.Clone()
		return nil
	})
	return pending, err
}

// ClearPending drops a stale suspension.
func (s *SQLStore) ClearPending(ctx context.Context, threadID string) error {
	return s.withThread(ctx, threadID, func(tx *sql.Tx, t *models.Thread) error {
		if err := models.ValidateTransition(t.Status, models.ThreadStatusCompleted); err != nil {
			return err
		}
		t.Pending = nil
		t.Status = models.ThreadStatusCompleted
		t.Version++
		t.UpdatedAt = s.now()
		return nil
	})
}

// Reset deletes the history and any suspension.
func (s *SQLStore) Reset(ctx context.Context, threadID string) error {
	return s.withThread(ctx, threadID, func(tx *sql.Tx, t *models.Thread) error {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM messages WHERE thread_id = ?`), threadID); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		t.Pending = nil
		t.LastError = ""
		t.Status = models.ThreadStatusNew
		t.Version++
		t.UpdatedAt = s.now()
		return nil
	})
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// loadHeader reads the thread row without messages. A missing row yields a
// new thread and exists=false.
func (s *SQLStore) loadHeader(ctx context.Context, q queryer, threadID string, lock bool) (*models.Thread, bool, error) {
	query := `SELECT status, pending, last_error, version, created_at, updated_at FROM threads WHERE id = ?`
	if lock {
		query += s.dialect.lockSuffix
	}

	var (
		status    string
		pending   sql.NullString
		createdAt int64
		updatedAt int64
	)
	t := newThread(threadID)
	err := q.QueryRowContext(ctx, s.dialect.rebind(query), threadID).Scan(
		&status, &pending, &t.LastError, &t.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return t, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get thread: %w", err)
	}
	t.Status = models.ThreadStatus(status)
	t.CreatedAt = time.Unix(0, createdAt)
	t.UpdatedAt = time.Unix(0, updatedAt)
	if pending.Valid && pending.String != "" {
		var p models.PendingSuspension
		if err := json.Unmarshal([]byte(pending.String), &p); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal pending suspension: %w", err)
		}
		t.Pending = &p
	}
	return t, true, nil
}

// withThread runs fn inside a transaction on the locked thread header and
// persists the header when fn succeeds. New messages appended by fn to
// t.Messages are the caller's to insert.
func (s *SQLStore) withThread(ctx context.Context, threadID string, fn func(tx *sql.Tx, t *models.Thread) error) (err error) {
	if err := checkID(threadID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	t, exists, err := s.loadHeader(ctx, tx, threadID, true)
	if err != nil {
		return err
	}
	if err = fn(tx, t); err != nil {
		return err
	}
	if err = s.saveHeader(ctx, tx, t, exists); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) saveHeader(ctx context.Context, tx *sql.Tx, t *models.Thread, exists bool) error {
	var pending sql.NullString
	if t.Pending != nil {
		data, err := json.Marshal(t.Pending)
		if err != nil {
			return fmt.Errorf("failed to marshal pending suspension: %w", err)
		}
		pending = sql.NullString{String: string(data), Valid: true}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	if exists {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`
			UPDATE threads SET status = ?, pending = ?, last_error = ?, version = ?, updated_at = ?
			WHERE id = ?
		`), string(t.Status), pending, t.LastError, t.Version, t.UpdatedAt.UnixNano(), t.ID)
		if err != nil {
			return fmt.Errorf("failed to update thread: %w", err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO threads (id, status, pending, last_error, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), t.ID, string(t.Status), pending, t.LastError, t.Version, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}
