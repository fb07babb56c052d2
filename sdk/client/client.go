// Package client issues calls to remote namespaces and collects the
// events that answer them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/bridgerpc/core/logx"
	"github.com/gaspardpetit/bridgerpc/sdk/bridge"
	"github.com/gaspardpetit/bridgerpc/sdk/events"
	"github.com/gaspardpetit/bridgerpc/sdk/idempotency"
	"github.com/gaspardpetit/bridgerpc/sdk/metrics"
)

// ErrClosed is returned by calls on a closed Manager or Subscription.
var ErrClosed = errors.New("client closed")

// DefaultResendInterval is how often an unacknowledged subscription start
// is sent again.
const DefaultResendInterval = time.Second

// Transport carries requests out of the client's context.
type Transport interface {
	SendRequest(ctx context.Context, req *bridge.Request) error
}

// RemoteError is a failure reported by the serving namespace.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

func remoteError(ev *bridge.Event) error {
	var out bridge.ErrorOutput
	if err := json.Unmarshal(ev.Output, &out); err != nil || out.Code == "" {
		return &RemoteError{Code: "INTERNAL", Message: string(ev.Output)}
	}
	return &RemoteError{Code: out.Code, Message: out.Message}
}

// Manager is one caller identity. It owns a client id shared by all of its
// namespaces and filters incoming events down to the ones addressed to it.
type Manager struct {
	id         string
	name       string
	tabID      *int64
	scopeToTab bool
	transport  Transport
	bus        *events.Bus
	idem       idempotency.Checker
	resend     time.Duration
	clock      clock.Clock
	log        zerolog.Logger

	mu         sync.Mutex
	namespaces map[string]*Namespace
	subs       map[*Subscription]struct{}
	closed     bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClientName sets the display name sent with every request.
func WithClientName(name string) Option { return func(m *Manager) { m.name = name } }

// WithScopeToTab asks that answers be broadcast only towards the caller's
// target. The target is the one set by WithTabID or, when unset, the one
// stamped by the first context that receives the request.
func WithScopeToTab() Option { return func(m *Manager) { m.scopeToTab = true } }

// WithTabID sets the target id carried by every request.
func WithTabID(id int64) Option { return func(m *Manager) { m.tabID = &id } }

// WithResendInterval overrides DefaultResendInterval.
func WithResendInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.resend = d
		}
	}
}

// WithIdempotency replaces the manager's idempotency gate.
func WithIdempotency(c idempotency.Checker) Option { return func(m *Manager) { m.idem = c } }

// WithLogger sets the manager logger.
func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithClock sets the time source driving subscription resends.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// New creates a Manager sending through t.
func New(t Transport, opts ...Option) *Manager {
	m := &Manager{
		id:         uuid.NewString(),
		transport:  t,
		resend:     DefaultResendInterval,
		clock:      clock.New(),
		log:        logx.Log,
		namespaces: make(map[string]*Namespace),
		subs:       make(map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.idem == nil {
		m.idem = idempotency.New(idempotency.WithClock(m.clock))
	}
	m.log = m.log.With().Str("client_id", m.id).Logger()
	m.bus = events.NewBus()
	return m
}

// ID returns the client id.
func (m *Manager) ID() string { return m.id }

// Namespace returns the proxy for ns, creating it on first use.
func (m *Manager) Namespace(ns string) *Namespace {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.namespaces[ns]; ok {
		return p
	}
	p := &Namespace{m: m, name: ns}
	m.namespaces[ns] = p
	return p
}

// HandleEvent accepts an event addressed to this manager and routes it to
// the call waiting on it. It reports whether the event was accepted.
func (m *Manager) HandleEvent(ev *bridge.Event) bool {
	if ev == nil || ev.Context.ClientID != m.id {
		return false
	}
	if m.idem.IsDuplicate(ev.IdempotencyKey) {
		metrics.RecordDuplicate("client")
		return false
	}
	if !m.bus.Publish(events.KeyOf(ev), ev) {
		m.log.Trace().Str("namespace", ev.Context.Namespace).Int64("request_id", ev.ID).Str("type", string(ev.Type)).Msg("no listener for event")
	}
	return true
}

// Close stops every open subscription. Later calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) track(s *Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.subs[s] = struct{}{}
	return true
}

func (m *Manager) untrack(s *Subscription) {
	m.mu.Lock()
	delete(m.subs, s)
	m.mu.Unlock()
}

func (m *Manager) requestContext(ns string) bridge.Context {
	c := bridge.Context{ClientID: m.id, ClientName: m.name, Namespace: ns, ScopeToTab: m.scopeToTab}
	if m.tabID != nil {
		id := *m.tabID
		c.TabID = &id
	}
	return c
}
