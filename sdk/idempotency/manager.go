// Package idempotency recognizes messages that were already processed so
// at-least-once (and amplified) delivery turns into at-most-once processing.
package idempotency

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// DefaultTTL is how long a key is remembered after its first observation.
const DefaultTTL = 30 * time.Second

// Checker reports whether a key has already been observed.
type Checker interface {
	IsDuplicate(key string) bool
}

// NewKey returns a fresh idempotency key.
func NewKey() string { return uuid.NewString() }

// Manager is an in-memory Checker. The first observation of a key arms its
// expiry; later observations inside the window never extend it.
type Manager struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	clock     clock.Clock
	lastSweep time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock substitutes the time source, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// New creates a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{seen: make(map[string]time.Time), ttl: DefaultTTL, clock: clock.New()}
	for _, o := range opts {
		o(m)
	}
	m.lastSweep = m.clock.Now()
	return m
}

// IsDuplicate implements Checker.
func (m *Manager) IsDuplicate(key string) bool {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.seen[key]; ok {
		if now.Before(exp) {
			return true
		}
		delete(m.seen, key)
	}
	m.seen[key] = now.Add(m.ttl)
	if now.Sub(m.lastSweep) >= m.ttl {
		m.sweepLocked(now)
	}
	return false
}

// Len returns the number of keys currently remembered, expired or not.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func (m *Manager) sweepLocked(now time.Time) {
	for k, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, k)
		}
	}
	m.lastSweep = now
}

var _ Checker = (*Manager)(nil)
