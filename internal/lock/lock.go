// Package lock provides named, TTL-bound mutual exclusion on top of the
// store's atomic set-if-absent primitive. A lease is held by a random token;
// only that token can release or renew it, so a process that lost its lease
// after a stall can never free a lock another instance now owns.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
)

// Lock names used by the two jobs.
const (
	NamePublish   = "publish"
	NameReconcile = "reconcile"
)

var (
	// ErrBusy means another holder owns a live lease. Callers treat it as
	// contention, not failure.
	ErrBusy = errors.New("lock busy")
	// ErrNotHeld means the lease expired or was taken over.
	ErrNotHeld = errors.New("lock not held")
)

// Backend is the subset of the store that implements lock entries.
type Backend interface {
	AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, token string) (bool, error)
	RenewLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
}

type Manager struct {
	backend Backend
	clock   clock.Clock
}

func NewManager(backend Backend, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{backend: backend, clock: clk}
}

// Acquire makes exactly one attempt. It never waits for the current holder.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %s: ttl must be positive", name)
	}
	token := uuid.NewString()
	ok, err := m.backend.AcquireLock(ctx, name, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return &Lease{
		manager:   m,
		name:      name,
		token:     token,
		ttl:       ttl,
		renewedAt: m.clock.Now(),
	}, nil
}

// Lease is a held lock. It is safe for concurrent use.
type Lease struct {
	manager *Manager
	name    string
	token   string

	mu        sync.Mutex
	ttl       time.Duration
	renewedAt time.Time
	released  bool
}

func (l *Lease) Name() string  { return l.name }
func (l *Lease) Token() string { return l.token }

// Release frees the lock. Releasing twice, or after the TTL elapsed, returns
// ErrNotHeld.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrNotHeld
	}
	ok, err := l.manager.backend.ReleaseLock(ctx, l.name, l.token)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.name, err)
	}
	l.released = true
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// Renew resets the lease to expire ttl from now.
func (l *Lease) Renew(ctx context.Context, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewLocked(ctx, ttl)
}

// RenewIfDue renews with the original TTL once half of it has elapsed since
// acquisition or the last renewal. It is cheap to call before every unit of
// work.
func (l *Lease) RenewIfDue(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrNotHeld
	}
	if l.manager.clock.Now().Sub(l.renewedAt) < l.ttl/2 {
		return nil
	}
	return l.renewLocked(ctx, l.ttl)
}

func (l *Lease) renewLocked(ctx context.Context, ttl time.Duration) error {
	if l.released {
		return ErrNotHeld
	}
	ok, err := l.manager.backend.RenewLock(ctx, l.name, l.token, ttl)
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", l.name, err)
	}
	if !ok {
		return ErrNotHeld
	}
	l.ttl = ttl
	l.renewedAt = l.manager.clock.Now()
	return nil
}
