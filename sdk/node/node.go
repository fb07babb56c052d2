// Package node is the per-context router. It reads every connected
// endpoint, gates traffic on idempotency keys, hands requests to the local
// namespace dispatchers (or floods them onward) and delivers events to the
// local clients.
package node

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/bridgerpc/core/logx"
	"github.com/gaspardpetit/bridgerpc/sdk/bridge"
	"github.com/gaspardpetit/bridgerpc/sdk/endpoint"
	"github.com/gaspardpetit/bridgerpc/sdk/handler"
	"github.com/gaspardpetit/bridgerpc/sdk/idempotency"
	"github.com/gaspardpetit/bridgerpc/sdk/metrics"
	"github.com/gaspardpetit/bridgerpc/sdk/procedure"
)

// EventHandler receives the events reaching this context.
type EventHandler interface {
	HandleEvent(ev *bridge.Event) bool
}

// DefaultRelayTimeout bounds each send when the node forwards a message to
// one of its endpoints.
const DefaultRelayTimeout = 5 * time.Second

// Node routes bridge traffic for one context.
type Node struct {
	registry     *endpoint.Registry
	idem         idempotency.Checker
	relay        bool
	relayTimeout time.Duration
	log          zerolog.Logger

	mu          sync.RWMutex
	dispatchers map[string]*handler.Dispatcher
	clients     []EventHandler
}

// Option configures a Node.
type Option func(*Node)

// WithIdempotency replaces the node's idempotency gate.
func WithIdempotency(c idempotency.Checker) Option { return func(n *Node) { n.idem = c } }

// WithLogger sets the node logger.
func WithLogger(l zerolog.Logger) Option { return func(n *Node) { n.log = l } }

// WithRegistry makes the node broadcast through r.
func WithRegistry(r *endpoint.Registry) Option { return func(n *Node) { n.registry = r } }

// WithRelayTimeout bounds each endpoint send made while relaying or
// forwarding. Non-positive values are ignored.
func WithRelayTimeout(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.relayTimeout = d
		}
	}
}

// WithoutEventRelay stops the node from re-broadcasting events it receives
// from endpoints. Events emitted by local dispatchers are always broadcast.
func WithoutEventRelay() Option { return func(n *Node) { n.relay = false } }

// New creates a Node.
func New(opts ...Option) *Node {
	n := &Node{relay: true, relayTimeout: DefaultRelayTimeout, log: logx.Log, dispatchers: make(map[string]*handler.Dispatcher)}
	for _, o := range opts {
		o(n)
	}
	if n.registry == nil {
		n.registry = endpoint.NewRegistry()
		n.registry.SetLogger(n.log)
	}
	if n.idem == nil {
		n.idem = idempotency.New()
	}
	return n
}

// Registry returns the endpoints connected to the node.
func (n *Node) Registry() *endpoint.Registry { return n.registry }

// Host serves namespace from this context. Hosting a namespace twice
// replaces the previous dispatcher after closing it.
func (n *Node) Host(namespace string, table procedure.Table, opts ...handler.Option) *handler.Dispatcher {
	opts = append([]handler.Option{handler.WithLogger(n.log)}, opts...)
	d := handler.New(namespace, table, n, opts...)
	n.mu.Lock()
	prev := n.dispatchers[namespace]
	n.dispatchers[namespace] = d
	n.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return d
}

// Dispatcher returns the local dispatcher for namespace, if any.
func (n *Node) Dispatcher(namespace string) (*handler.Dispatcher, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	d, ok := n.dispatchers[namespace]
	return d, ok
}

// Namespaces returns the locally served namespaces.
func (n *Node) Namespaces() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.dispatchers))
	for ns := range n.dispatchers {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Live sums the running calls and subscriptions of every local dispatcher.
func (n *Node) Live() int {
	total := 0
	for _, d := range n.snapshotDispatchers() {
		total += d.Live()
	}
	return total
}

// Wait blocks until every local dispatcher is idle or ctx is done.
func (n *Node) Wait(ctx context.Context) bool {
	for _, d := range n.snapshotDispatchers() {
		if !d.Wait(ctx) {
			return false
		}
	}
	return true
}

// Attach registers a local event consumer, typically a client.Manager.
func (n *Node) Attach(h EventHandler) {
	n.mu.Lock()
	n.clients = append(n.clients, h)
	n.mu.Unlock()
}

// Detach removes a consumer registered with Attach.
func (n *Node) Detach(h EventHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, c := range n.clients {
		if c == h {
			n.clients = append(n.clients[:i:i], n.clients[i+1:]...)
			return
		}
	}
}

// Close cancels the work of every local dispatcher.
func (n *Node) Close() {
	for _, d := range n.snapshotDispatchers() {
		d.Close()
	}
}

// Serve registers ep and routes its messages until it disconnects or ctx
// ends. The endpoint is unregistered and closed before Serve returns.
func (n *Node) Serve(ctx context.Context, ep endpoint.Endpoint) error {
	n.registry.Add(ep)
	metrics.SetEndpoints(n.registry.Len())
	log := n.log.With().Str("endpoint", endpoint.NameOf(ep)).Logger()
	log.Debug().Msg("endpoint connected")
	defer func() {
		n.registry.Remove(ep)
		metrics.SetEndpoints(n.registry.Len())
		_ = ep.Close()
		for _, d := range n.snapshotDispatchers() {
			d.EndpointClosed(ep)
		}
		log.Debug().Msg("endpoint disconnected")
	}()
	for {
		msg, err := ep.Receive(ctx)
		if err != nil {
			if errors.Is(err, endpoint.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		n.Receive(ctx, msg, ep)
	}
}

// Receive routes one raw message read from ep.
func (n *Node) Receive(ctx context.Context, msg []byte, from endpoint.Endpoint) {
	m := bridge.Decode(msg)
	metrics.RecordReceived(m.Kind.String())
	switch m.Kind {
	case bridge.KindEvent:
		n.handleEvent(ctx, m.Event, from)
	case bridge.KindRequest:
		n.handleRequest(ctx, m.Request, from)
	default:
		n.log.Debug().Int("bytes", len(msg)).Msg("ignoring unrecognized message")
	}
}

// SendRequest routes a request issued by a local client. It implements
// client.Transport.
func (n *Node) SendRequest(ctx context.Context, req *bridge.Request) error {
	if n.idem.IsDuplicate(req.IdempotencyKey) {
		return nil
	}
	if d, ok := n.Dispatcher(req.Context.Namespace); ok {
		// Failures reach the caller as error events.
		if err := d.HandleRequest(ctx, req, nil); err != nil {
			n.log.Debug().Err(err).Str("namespace", req.Context.Namespace).Str("path", req.Path).Msg("local request not served")
		}
		return nil
	}
	return n.forward(ctx, req)
}

// BroadcastRequest implements handler.Broadcaster.
func (n *Node) BroadcastRequest(ctx context.Context, req *bridge.Request, _ endpoint.Endpoint) {
	if err := n.forward(ctx, req); err != nil {
		n.log.Warn().Err(err).Msg("forward request")
	}
}

// BroadcastEvent implements handler.Broadcaster for events produced by a
// local dispatcher.
func (n *Node) BroadcastEvent(ctx context.Context, ev *bridge.Event) {
	n.idem.IsDuplicate(ev.IdempotencyKey)
	n.deliver(ev)
	n.broadcastEvent(ctx, ev)
}

func (n *Node) handleEvent(ctx context.Context, ev *bridge.Event, from endpoint.Endpoint) {
	if n.idem.IsDuplicate(ev.IdempotencyKey) {
		metrics.RecordDuplicate("node")
		return
	}
	endpoint.Stamp(&ev.Context, from)
	n.deliver(ev)
	if n.relay {
		n.broadcastEvent(ctx, ev)
	}
}

func (n *Node) handleRequest(ctx context.Context, req *bridge.Request, from endpoint.Endpoint) {
	if n.idem.IsDuplicate(req.IdempotencyKey) {
		metrics.RecordDuplicate("node")
		return
	}
	endpoint.Stamp(&req.Context, from)
	if d, ok := n.Dispatcher(req.Context.Namespace); ok {
		if err := d.HandleRequest(ctx, req, from); err != nil {
			n.log.Debug().Err(err).Str("namespace", req.Context.Namespace).Str("path", req.Path).Msg("request not served")
		}
		return
	}
	metrics.RecordForwarded()
	if err := n.forward(ctx, req); err != nil {
		n.log.Warn().Err(err).Msg("forward request")
	}
}

func (n *Node) forward(ctx context.Context, req *bridge.Request) error {
	b, err := bridge.EncodeRequest(req)
	if err != nil {
		return err
	}
	sent := n.registry.BroadcastWithin(ctx, b, endpoint.ScopeOf(req.Context), n.relayTimeout)
	n.log.Trace().Str("namespace", req.Context.Namespace).Int64("request_id", req.ID).Int("endpoints", sent).Msg("request forwarded")
	return nil
}

func (n *Node) broadcastEvent(ctx context.Context, ev *bridge.Event) {
	b, err := bridge.EncodeEvent(ev)
	if err != nil {
		n.log.Warn().Err(err).Msg("encode event")
		return
	}
	n.registry.BroadcastWithin(ctx, b, endpoint.ScopeOf(ev.Context), n.relayTimeout)
}

func (n *Node) deliver(ev *bridge.Event) {
	n.mu.RLock()
	clients := make([]EventHandler, len(n.clients))
	copy(clients, n.clients)
	n.mu.RUnlock()
	for _, c := range clients {
		c.HandleEvent(ev)
	}
}

func (n *Node) snapshotDispatchers() []*handler.Dispatcher {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*handler.Dispatcher, 0, len(n.dispatchers))
	for _, d := range n.dispatchers {
		out = append(out, d)
	}
	return out
}

var _ handler.Broadcaster = (*Node)(nil)
