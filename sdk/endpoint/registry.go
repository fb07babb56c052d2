package endpoint

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/bridgerpc/core/logx"
)

// Registry holds the endpoints currently connected to a context.
type Registry struct {
	mu  sync.RWMutex
	eps []Endpoint
	log zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{log: logx.Log}
}

// SetLogger replaces the registry logger.
func (r *Registry) SetLogger(l zerolog.Logger) {
	r.mu.Lock()
	r.log = l
	r.mu.Unlock()
}

// Add registers ep. Adding an endpoint twice is a no-op.
func (r *Registry) Add(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.eps {
		if e == ep {
			return
		}
	}
	r.eps = append(r.eps, ep)
}

// Remove unregisters ep; messages already handed to it are not revoked.
func (r *Registry) Remove(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.eps {
		if e == ep {
			r.eps = append(r.eps[:i:i], r.eps[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.eps)
}

// Snapshot returns the registered endpoints in registration order.
func (r *Registry) Snapshot() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, len(r.eps))
	copy(out, r.eps)
	return out
}

// Broadcast sends msg to every endpoint in scope and returns how many
// accepted it. A nil target reaches every endpoint. Send failures are
// logged and do not stop the broadcast.
func (r *Registry) Broadcast(ctx context.Context, msg []byte, target *int64) int {
	return r.BroadcastWithin(ctx, msg, target, 0)
}

// BroadcastWithin is Broadcast with each send bounded by perSend, so one
// stalled endpoint cannot hold up the others. perSend <= 0 leaves sends
// bounded by ctx alone.
func (r *Registry) BroadcastWithin(ctx context.Context, msg []byte, target *int64, perSend time.Duration) int {
	sent := 0
	for _, ep := range r.Snapshot() {
		if !Matches(ep, target) {
			continue
		}
		if err := send(ctx, ep, msg, perSend); err != nil {
			r.mu.RLock()
			l := r.log
			r.mu.RUnlock()
			l.Debug().Err(err).Str("endpoint", NameOf(ep)).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

func send(ctx context.Context, ep Endpoint, msg []byte, timeout time.Duration) error {
	if timeout <= 0 {
		return ep.Send(ctx, msg)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return ep.Send(ctx, msg)
}
