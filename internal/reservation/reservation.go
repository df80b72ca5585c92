// Package reservation tracks episode uids that were issued by the register
// endpoint but not stored yet, so two trackers never receive the same uid.
package reservation

import (
	"context"
	"sync"
	"time"
)

// Store holds outstanding reservations. A reservation older than the store's
// TTL is forgotten, which returns its uid to the pool.
type Store interface {
	// Reserve claims uid. It returns false when uid is already reserved.
	Reserve(ctx context.Context, uid int64) (bool, error)

	// Release forgets uid, normally because its episode was stored.
	Release(ctx context.Context, uids ...int64) error

	IsReserved(ctx context.Context, uid int64) (bool, error)

	// Count returns the number of live reservations.
	Count(ctx context.Context) (int64, error)

	// Clear forgets every reservation.
	Clear(ctx context.Context) error

	// Backend names the implementation for health reporting.
	Backend() string
}

// Memory is a process-local Store.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	expires map[int64]time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an in-memory store. A ttl <= 0 keeps reservations until
// they are released.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, expires: make(map[int64]time.Time)}
}

func (m *Memory) live(uid int64, now time.Time) bool {
	exp, ok := m.expires[uid]
	if !ok {
		return false
	}
	if !exp.IsZero() && !now.Before(exp) {
		delete(m.expires, uid)
		return false
	}
	return true
}

func (m *Memory) Reserve(_ context.Context, uid int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.live(uid, now) {
		return false, nil
	}
	var exp time.Time
	if m.ttl > 0 {
		exp = now.Add(m.ttl)
	}
	m.expires[uid] = exp
	return true, nil
}

func (m *Memory) Release(_ context.Context, uids ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uid := range uids {
		delete(m.expires, uid)
	}
	return nil
}

func (m *Memory) IsReserved(_ context.Context, uid int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(uid, m.now()), nil
}

func (m *Memory) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for uid := range m.expires {
		m.live(uid, now)
	}
	return int64(len(m.expires)), nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.expires)
	return nil
}

func (m *Memory) Backend() string { return "memory" }
