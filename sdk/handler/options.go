package handler

import (
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/bridgerpc/sdk/idempotency"
)

// Policy decides what happens to running work when its endpoint disconnects.
type Policy int

const (
	// PolicyKeep leaves subscriptions running; their events are still
	// broadcast and reach the client if it reconnects in time.
	PolicyKeep Policy = iota
	// PolicyAbort cancels everything started through the closed endpoint.
	PolicyAbort
)

func (p Policy) String() string {
	if p == PolicyAbort {
		return "abort"
	}
	return "keep"
}

// ParsePolicy parses "keep" or "abort".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "keep":
		return PolicyKeep, nil
	case "abort":
		return PolicyAbort, nil
	}
	return PolicyKeep, fmt.Errorf("invalid disconnect policy %q", s)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDisconnectPolicy sets the disconnect policy (default PolicyKeep).
func WithDisconnectPolicy(p Policy) Option { return func(d *Dispatcher) { d.policy = p } }

// WithIdempotency replaces the dispatcher's idempotency gate.
func WithIdempotency(c idempotency.Checker) Option { return func(d *Dispatcher) { d.idem = c } }

// WithLogger sets the dispatcher logger.
func WithLogger(l zerolog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithClock sets the time source used for tombstones and the default gate.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithSendTimeout bounds how long emitting one event may block.
func WithSendTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.sendTimeout = t
		}
	}
}

// WithTombstoneTTL sets how long a finished or stopped key blocks a late start.
func WithTombstoneTTL(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.tombstoneTTL = t
		}
	}
}
