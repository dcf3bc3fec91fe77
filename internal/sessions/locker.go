package sessions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a thread lock times out.
var ErrLockTimeout = errors.New("thread: lock acquisition timeout")

// Locker serializes turns on the same thread.
type Locker interface {
	Lock(ctx context.Context, threadID string) error
	Unlock(threadID string)
}

// LocalLocker is an in-process Locker. Waiters are served in arrival order;
// Unlock hands the lock straight to the oldest waiter. A waiter gives up when
// ctx is done or the wait timeout elapses.
type LocalLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	held    bool
	waiters []chan struct{}
}

// NewLocalLocker creates a LocalLocker. A non-positive timeout waits until ctx is done.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{
		timeout: timeout,
		slots:   make(map[string]*lockSlot),
	}
}

// Lock blocks until the thread lock is held.
func (l *LocalLocker) Lock(ctx context.Context, threadID string) error {
	if l == nil {
		return errors.New("thread locker unavailable")
	}
	if strings.TrimSpace(threadID) == "" {
		return ErrThreadIDRequired
	}

	l.mu.Lock()
	slot, ok := l.slots[threadID]
	if !ok {
		slot = &lockSlot{}
		l.slots[threadID] = slot
	}
	if !slot.held {
		slot.held = true
		l.mu.Unlock()
		return nil
	}
	wake := make(chan struct{})
	slot.waiters = append(slot.waiters, wake)
	l.mu.Unlock()

	var expired <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return l.abandon(threadID, slot, wake, ctx.Err())
	case <-expired:
		return l.abandon(threadID, slot, wake, ErrLockTimeout)
	}
}

// abandon removes a waiter that stopped waiting. If the lock was handed to
// it in the meantime, the lock moves on to the next waiter.
func (l *LocalLocker) abandon(threadID string, slot *lockSlot, wake chan struct{}, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range slot.waiters {
		if w == wake {
			slot.waiters = append(slot.waiters[:i], slot.waiters[i+1:]...)
			return err
		}
	}
	l.handoff(threadID, slot)
	return err
}

// Unlock releases the thread lock. Unlocking a thread that is not locked is a no-op.
func (l *LocalLocker) Unlock(threadID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[threadID]
	if !ok || !slot.held {
		return
	}
	l.handoff(threadID, slot)
}

// handoff passes a held lock to the oldest waiter, or frees the slot.
// l.mu must be held.
func (l *LocalLocker) handoff(threadID string, slot *lockSlot) {
	if len(slot.waiters) == 0 {
		delete(l.slots, threadID)
		return
	}
	next := slot.waiters[0]
	slot.waiters = slot.waiters[1:]
	close(next)
}

// Held reports how many threads currently have a holder or waiters.
func (l *LocalLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
