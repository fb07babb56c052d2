// Package endpoint models the duplex message channels a context is
// connected to and the registry used to broadcast over them.
package endpoint

import (
	"context"
	"errors"

	"github.com/gaspardpetit/bridgerpc/sdk/bridge"
)

// ErrClosed is returned by Send and Receive once an endpoint is closed.
var ErrClosed = errors.New("endpoint closed")

// Endpoint is one side of a connection to another context. Receive blocks
// until a message arrives and returns an error once the peer disconnects.
type Endpoint interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Targeted is implemented by endpoints bound to a single addressable target.
type Targeted interface {
	TargetID() (int64, bool)
}

// Named is implemented by endpoints that know their peer's display name.
type Named interface {
	Name() string
}

// TargetOf returns ep's target id when it has one.
func TargetOf(ep Endpoint) (int64, bool) {
	if t, ok := ep.(Targeted); ok {
		return t.TargetID()
	}
	return 0, false
}

// NameOf returns ep's peer name, or "" when unknown.
func NameOf(ep Endpoint) string {
	if n, ok := ep.(Named); ok {
		return n.Name()
	}
	return ""
}

// Stamp records the sender's target on a context that does not carry one,
// so replies can be scoped back to it.
func Stamp(c *bridge.Context, from Endpoint) {
	if c == nil || c.TabID != nil || from == nil {
		return
	}
	if id, ok := TargetOf(from); ok {
		c.TabID = &id
	}
}

// ScopeOf returns the broadcast target of a message: its tabId when it asks
// to be scoped, nil (everyone) otherwise.
func ScopeOf(c bridge.Context) *int64 {
	if c.ScopeToTab && c.TabID != nil {
		id := *c.TabID
		return &id
	}
	return nil
}

// Matches reports whether a broadcast scoped to target reaches ep.
// Untargeted endpoints receive everything.
func Matches(ep Endpoint, target *int64) bool {
	if target == nil {
		return true
	}
	id, ok := TargetOf(ep)
	return !ok || id == *target
}

type targeted struct {
	Endpoint
	id   int64
	name string
}

func (t *targeted) TargetID() (int64, bool) { return t.id, true }
func (t *targeted) Name() string            { return t.name }

// WithTarget binds ep to a target id and peer name.
func WithTarget(ep Endpoint, id int64, name string) Endpoint {
	return &targeted{Endpoint: ep, id: id, name: name}
}
