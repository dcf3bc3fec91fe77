package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/malhub/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*models.Thread
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory thread store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: map[string]*models.Thread{},
		now:     time.Now,
	}
}

func (m *MemoryStore) Load(ctx context.Context, threadID string) (*models.Thread, error) {
	if err := checkID(threadID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if t, ok := m.threads[threadID]; ok {
		return t.Clone(), nil
	}
	return newThread(threadID), nil
}

func (m *MemoryStore) AppendAndCheckpoint(ctx context.Context, threadID string, msgs []models.Message, cp Checkpoint) error {
	return m.update(threadID, func(t *models.Thread) error {
		return applyCheckpoint(t, models.CloneMessages(msgs), cp, m.now())
	})
}

func (m *MemoryStore) Suspend(ctx context.Context, threadID string, pending *models.PendingSuspension) error {
	return m.AppendAndCheckpoint(ctx, threadID, nil, Checkpoint{
		Status:  models.ThreadStatusAwaitingConfirmation,
		Pending: pending,
	})
}

func (m *MemoryStore) Resume(ctx context.Context, threadID string) (*models.PendingSuspension, error) {
	var pending *models.PendingSuspension
	err := m.update(threadID, func(t *models.Thread) error {
		if t.Pending == nil {
			return ErrNotSuspended
		}
		if err := models.ValidateTransition(t.Status, models.ThreadStatusRunning); err != nil {
			return err
		}
		t.Status = models.ThreadStatusRunning
		t.Version++
		t.UpdatedAt = m.now()
		pending = t.Pending.Clone()
		return nil
	})
	return pending, err
}

func (m *MemoryStore) ClearPending(ctx context.Context, threadID string) error {
	return m.update(threadID, func(t *models.Thread) error {
		if err := models.ValidateTransition(t.Status, models.ThreadStatusCompleted); err != nil {
			return err
		}
		t.Pending = nil
		t.Status = models.ThreadStatusCompleted
		t.Version++
		t.UpdatedAt = m.now()
		return nil
	})
}

func (m *MemoryStore) Reset(ctx context.Context, threadID string) error {
	return m.update(threadID, func(t *models.Thread) error {
		t.Messages = nil
		t.Pending = nil
		t.LastError = ""
		t.Status = models.ThreadStatusNew
		t.Version++
		t.UpdatedAt = m.now()
		return nil
	})
}

func (m *MemoryStore) Close() error {
	return nil
}

// update runs fn on a copy of the thread and stores it only when fn succeeds.
func (m *MemoryStore) update(threadID string, fn func(t *models.Thread) error) error {
	if err := checkID(threadID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.threads[threadID]
	if !ok {
		current = newThread(threadID)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = m.now()
	}
	m.threads[threadID] = next
	return nil
}
