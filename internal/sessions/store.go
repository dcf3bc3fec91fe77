package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/malhub/pkg/models"
)

var (
	// ErrNotSuspended is returned by Resume when the thread has no pending suspension.
	ErrNotSuspended = errors.New("thread is not awaiting confirmation")

	// ErrThreadIDRequired is returned when an operation is called without a thread id.
	ErrThreadIDRequired = errors.New("thread id is required")
)

// Checkpoint is the status change persisted together with appended messages.
//
// Pending replaces the stored suspension; a nil Pending clears it.
type Checkpoint struct {
	Status    models.ThreadStatus
	Pending   *models.PendingSuspension
	LastError string
}

// Store is the interface for thread persistence.
//
// Every write is atomic: the messages of an AppendAndCheckpoint call and its
// status change are either all visible to the next Load or none are.
type Store interface {
	// Load returns the thread, or an empty thread in status new when none is stored.
	Load(ctx context.Context, threadID string) (*models.Thread, error)

	// AppendAndCheckpoint appends msgs and applies cp in one transaction.
	AppendAndCheckpoint(ctx context.Context, threadID string, msgs []models.Message, cp Checkpoint) error

	// Suspend records a pending confirmation and moves to awaiting_confirmation.
	Suspend(ctx context.Context, threadID string, pending *models.PendingSuspension) error

	// Resume moves a suspended thread back to running and returns its pending
	// suspension. The suspension stays stored until a checkpoint replaces it.
	Resume(ctx context.Context, threadID string) (*models.PendingSuspension, error)

	// ClearPending drops a stale suspension and marks the thread completed.
	ClearPending(ctx context.Context, threadID string) error

	// Reset deletes the history and any suspension, returning the thread to new.
	Reset(ctx context.Context, threadID string) error

	Close() error
}

// Options selects and configures a Store backend.
type Options struct {
	// Driver is one of memory, sqlite, sqlite3 or postgres.
	Driver string
	// DSN is a file path for the SQLite drivers and a connection string for postgres.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// sqliteOpeners maps SQLite driver names to constructors. The cgo driver
// registers itself from sqlite_cgo.go.
var sqliteOpeners = map[string]func(path string) (*SQLStore, error){
	"sqlite": NewSQLiteStore,
}

// Open creates the Store selected by opts.Driver.
func Open(opts Options) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if driver == "" {
			driver = "sqlite"
		}
		open, ok := sqliteOpeners[driver]
		if !ok {
			return nil, fmt.Errorf("store driver %q is not compiled in (requires cgo)", driver)
		}
		path := opts.DSN
		if path == "" {
			path = "malhub.db"
		}
		store, err := open(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		cfg := DefaultPostgresConfig()
		if opts.MaxOpenConns > 0 {
			cfg.MaxOpenConns = opts.MaxOpenConns
		}
		if opts.MaxIdleConns > 0 {
			cfg.MaxIdleConns = opts.MaxIdleConns
		}
		if opts.ConnMaxLifetime > 0 {
			cfg.ConnMaxLifetime = opts.ConnMaxLifetime
		}
		if opts.ConnectTimeout > 0 {
			cfg.ConnectTimeout = opts.ConnectTimeout
		}
		store, err := NewPostgresStoreFromDSN(opts.DSN, cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// applyCheckpoint validates cp against the current status and applies it to t.
func applyCheckpoint(t *models.Thread, msgs []models.Message, cp Checkpoint, now time.Time) error {
	status := cp.Status
	if status == "" {
		status = t.Status
	}
	if err := models.ValidateTransition(t.Status, status); err != nil {
		return err
	}
	if status == models.ThreadStatusAwaitingConfirmation && cp.Pending == nil {
		return errors.New("awaiting_confirmation requires a pending suspension")
	}
	for _, msg := range msgs {
		msg = stampMessage(msg, t.ID, now)
		t.Messages = append(t.Messages, msg)
	}
	t.Status = status
	t.Pending = cp.Pending.Clone()
	t.LastError = cp.LastError
	t.Version++
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return nil
}

func stampMessage(msg models.Message, threadID string, now time.Time) models.Message {
	msg.ThreadID = threadID
	if msg.ID == "" {
		msg.ID = models.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	return msg
}

func newThread(id string) *models.Thread {
	return &models.Thread{ID: id, Status: models.ThreadStatusNew}
}

func checkID(threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return ErrThreadIDRequired
	}
	return nil
}
