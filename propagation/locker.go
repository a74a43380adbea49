package propagation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-provisioning/core"
)

var ErrLockLost = errors.New("propagation: lock is no longer held")

// MemoryKeyedLocker is a blocking in-process core.KeyedLocker. A holder that
// outlives its ttl without renewing loses the lock to the next waiter.
type MemoryKeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*heldLock
	nowFn func() time.Time
}

type heldLock struct {
	until    time.Time
	released chan struct{}
}

func NewMemoryKeyedLocker() *MemoryKeyedLocker {
	return &MemoryKeyedLocker{
		locks: make(map[string]*heldLock),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryKeyedLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (core.LockHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("propagation: keyed locker is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("propagation: lock key is required")
	}
	if ttl <= 0 {
		ttl = core.DefaultLockTTL
	}

	for {
		l.mu.Lock()
		now := l.nowFn()
		current, held := l.locks[key]
		if !held || !now.Before(current.until) {
			lock := &heldLock{until: now.Add(ttl), released: make(chan struct{})}
			l.locks[key] = lock
			l.mu.Unlock()
			return &memoryLockHandle{locker: l, key: key, lock: lock}, nil
		}
		wait := current.until.Sub(now)
		released := current.released
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-released:
		case <-timer.C:
		}
		timer.Stop()
	}
}

type memoryLockHandle struct {
	locker *MemoryKeyedLocker
	key    string
	lock   *heldLock
	once   sync.Once
}

func (h *memoryLockHandle) Unlock(_ context.Context) error {
	if h == nil || h.locker == nil {
		return nil
	}
	h.once.Do(func() {
		h.locker.mu.Lock()
		if current, ok := h.locker.locks[h.key]; ok && current == h.lock {
			delete(h.locker.locks, h.key)
		}
		h.locker.mu.Unlock()
		close(h.lock.released)
	})
	return nil
}

// Renew extends the lock by ttl from now. It fails with ErrLockLost once the
// lock was released or taken over.
func (h *memoryLockHandle) Renew(_ context.Context, ttl time.Duration) error {
	if h == nil || h.locker == nil {
		return ErrLockLost
	}
	if ttl <= 0 {
		ttl = core.DefaultLockTTL
	}
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()
	current, ok := h.locker.locks[h.key]
	if !ok || current != h.lock {
		return ErrLockLost
	}
	current.until = h.locker.nowFn().Add(ttl)
	return nil
}

// keepAlive renews handle every third of ttl until the returned stop is
// called. Handles that cannot be renewed are left alone.
func keepAlive(handle core.LockHandle, ttl time.Duration, onLost func(error)) (stop func()) {
	renewable, ok := handle.(core.RenewableLock)
	if !ok || ttl <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(max(ttl/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := renewable.Renew(context.Background(), ttl); err != nil {
					if onLost != nil {
						onLost(err)
					}
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}
}

// LockKey identifies the serialization unit of a propagation.
func LockKey(resourceKey string, anyType string, anyKey string) string {
	return strings.TrimSpace(resourceKey) + "::" + strings.ToUpper(strings.TrimSpace(anyType)) + "::" + strings.TrimSpace(anyKey)
}

var (
	_ core.KeyedLocker   = (*MemoryKeyedLocker)(nil)
	_ core.RenewableLock = (*memoryLockHandle)(nil)
)
