package serverstate

import "sync/atomic"

// Status values reported by the coordinator.
const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
)

// State holds the server status and draining flag. Both fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store defines how the server state is persisted.
type Store interface {
	Load() State
	Store(State)
}

// active is the currently configured Store.
var active Store = NewMemoryStore()

// UseStore replaces the active Store.
func UseStore(s Store) {
	if s != nil {
		active = s
	}
}

// MemoryStore implements Store using an atomic.Value.
type MemoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "not_ready".
func NewMemoryStore() *MemoryStore {
	ms := &MemoryStore{}
	ms.v.Store(State{Status: StatusNotReady})
	return ms
}

func (m *MemoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *MemoryStore) Store(s State) {
	m.v.Store(s)
}

// Snapshot returns the current state.
func Snapshot() State { return active.Load() }

// SetState updates the server status string.
func SetState(status string) {
	st := active.Load()
	st.Status = status
	active.Store(st)
}

// GetState returns the current server status.
func GetState() string {
	return active.Load().Status
}

// StartDrain marks the server as draining.
func StartDrain() {
	st := active.Load()
	st.Draining = true
	st.Status = StatusDraining
	active.Store(st)
}

// IsDraining reports whether the server is draining.
func IsDraining() bool {
	return active.Load().Draining
}
