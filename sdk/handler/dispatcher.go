// Package handler serves the requests addressed to one namespace: it runs
// queries and mutations, keeps the registry of live subscriptions and emits
// the resulting Events.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/bridgerpc/core/logx"
	"github.com/gaspardpetit/bridgerpc/sdk/bridge"
	"github.com/gaspardpetit/bridgerpc/sdk/endpoint"
	"github.com/gaspardpetit/bridgerpc/sdk/idempotency"
	"github.com/gaspardpetit/bridgerpc/sdk/inflight"
	"github.com/gaspardpetit/bridgerpc/sdk/metrics"
	"github.com/gaspardpetit/bridgerpc/sdk/procedure"
)

var (
	// ErrDuplicateSubscription rejects a start for a key that is already live.
	ErrDuplicateSubscription = errors.New("duplicate subscription")
	// ErrUnsupportedSubscription rejects a start for a path that cannot stream.
	ErrUnsupportedSubscription = errors.New("procedure does not support subscriptions")
	// ErrUnknownProcedure rejects a path missing from the table.
	ErrUnknownProcedure = errors.New("unknown procedure")
	// ErrNotCallable rejects a query or mutation aimed at a subscription.
	ErrNotCallable = errors.New("procedure is a subscription")
)

// Key identifies a call or subscription on the serving side.
type Key struct {
	ClientID  string
	Namespace string
	ID        int64
}

// KeyOf returns the registry key of req.
func KeyOf(req *bridge.Request) Key {
	return Key{ClientID: req.Context.ClientID, Namespace: req.Context.Namespace, ID: req.ID}
}

// Broadcaster carries the dispatcher's output into the rest of the system.
type Broadcaster interface {
	// BroadcastRequest forwards a request for a namespace served elsewhere.
	BroadcastRequest(ctx context.Context, req *bridge.Request, from endpoint.Endpoint)
	// BroadcastEvent publishes an event produced by the dispatcher.
	BroadcastEvent(ctx context.Context, ev *bridge.Event)
}

type entry struct {
	cancel       context.CancelFunc
	from         endpoint.Endpoint
	subscription bool
}

// DefaultTombstoneTTL bounds how long a finished key, or a stop for an
// unknown key, blocks a late start for the same key.
const DefaultTombstoneTTL = idempotency.DefaultTTL

// Dispatcher serves one namespace.
type Dispatcher struct {
	namespace    string
	table        procedure.Table
	out          Broadcaster
	idem         idempotency.Checker
	policy       Policy
	log          zerolog.Logger
	clock        clock.Clock
	sendTimeout  time.Duration
	tombstoneTTL time.Duration

	base     context.Context
	shutdown context.CancelFunc

	mu         sync.Mutex
	live       map[Key]*entry
	tombstones map[Key]time.Time
	lastSweep  time.Time
	active     inflight.Counter
}

// New creates a dispatcher serving namespace with table, emitting through out.
func New(namespace string, table procedure.Table, out Broadcaster, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		namespace:    namespace,
		table:        table,
		out:          out,
		policy:       PolicyKeep,
		log:          logx.Log,
		clock:        clock.New(),
		sendTimeout:  5 * time.Second,
		tombstoneTTL: DefaultTombstoneTTL,
		live:         make(map[Key]*entry),
		tombstones:   make(map[Key]time.Time),
	}
	for _, o := range opts {
		o(d)
	}
	if d.idem == nil {
		d.idem = idempotency.New(idempotency.WithClock(d.clock))
	}
	if d.table == nil {
		d.table = procedure.Table{}
	}
	d.log = d.log.With().Str("namespace", namespace).Logger()
	d.base, d.shutdown = context.WithCancel(context.Background())
	d.lastSweep = d.clock.Now()
	return d
}

// Namespace returns the namespace served by d.
func (d *Dispatcher) Namespace() string { return d.namespace }

// Table returns the procedure table served by d.
func (d *Dispatcher) Table() procedure.Table { return d.table }

// Live returns the number of running calls and subscriptions.
func (d *Dispatcher) Live() int { return int(d.active.Load()) }

// Subscriptions returns the keys of live subscriptions.
func (d *Dispatcher) Subscriptions() []Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Key, 0, len(d.live))
	for k, e := range d.live {
		if e.subscription {
			out = append(out, k)
		}
	}
	return out
}

// Wait blocks until nothing is running or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) bool { return d.active.WaitForZero(ctx) }

// HandleRequest processes one request received from an endpoint, or from a
// local client when from is nil.
func (d *Dispatcher) HandleRequest(ctx context.Context, req *bridge.Request, from endpoint.Endpoint) error {
	if req == nil {
		return nil
	}
	if d.idem.IsDuplicate(req.IdempotencyKey) {
		metrics.RecordDuplicate("dispatcher")
		return nil
	}
	r := *req
	r.Context = req.Context.Clone()
	endpoint.Stamp(&r.Context, from)

	if r.Context.Namespace != d.namespace {
		metrics.RecordForwarded()
		d.out.BroadcastRequest(ctx, &r, from)
		return nil
	}
	metrics.RecordDispatched(d.namespace, string(r.Type))

	switch r.Type {
	case bridge.RequestSubscriptionStop:
		d.stop(KeyOf(&r))
		return nil
	case bridge.RequestQuery, bridge.RequestMutation:
		return d.call(&r, from)
	case bridge.RequestSubscriptionStart:
		return d.subscribe(&r, from)
	}
	return nil
}

// EndpointClosed applies the disconnect policy to work started through ep.
func (d *Dispatcher) EndpointClosed(ep endpoint.Endpoint) {
	if d.policy != PolicyAbort || ep == nil {
		return
	}
	d.mu.Lock()
	var victims []Key
	for k, e := range d.live {
		if e.from == ep {
			victims = append(victims, k)
		}
	}
	d.mu.Unlock()
	for _, k := range victims {
		d.log.Debug().Str("client_id", k.ClientID).Int64("request_id", k.ID).Msg("aborting on disconnect")
		d.stop(k)
	}
}

// Close cancels every running call and subscription.
func (d *Dispatcher) Close() {
	d.shutdown()
}

func (d *Dispatcher) stop(key Key) {
	d.mu.Lock()
	e, ok := d.live[key]
	if !ok {
		d.sweepTombstonesLocked()
		d.tombstones[key] = d.clock.Now().Add(d.tombstoneTTL)
		d.mu.Unlock()
		d.log.Debug().Str("client_id", key.ClientID).Int64("request_id", key.ID).Msg("stop for unknown key; tombstoned")
		return
	}
	d.mu.Unlock()
	e.cancel()
	d.remove(key, e)
}

// register claims key for a new call. It fails when the key is live and
// silently declines while the key is tombstoned.
func (d *Dispatcher) register(key Key, e *entry) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[key]; ok {
		return false, ErrDuplicateSubscription
	}
	if exp, ok := d.tombstones[key]; ok {
		if d.clock.Now().Before(exp) {
			return false, nil
		}
		delete(d.tombstones, key)
	}
	d.live[key] = e
	d.active.Inc()
	if e.subscription {
		metrics.SubscriptionStarted(d.namespace)
	}
	return true, nil
}

// remove deletes key if it still maps to e, exactly once, and tombstones it
// so a start resent after the end cannot run the procedure again.
func (d *Dispatcher) remove(key Key, e *entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.live[key]; !ok || cur != e {
		return
	}
	delete(d.live, key)
	d.sweepTombstonesLocked()
	d.tombstones[key] = d.clock.Now().Add(d.tombstoneTTL)
	d.active.Dec()
	if e.subscription {
		metrics.SubscriptionEnded(d.namespace)
	}
}

func (d *Dispatcher) sweepTombstonesLocked() {
	now := d.clock.Now()
	if now.Sub(d.lastSweep) < d.tombstoneTTL {
		return
	}
	for k, exp := range d.tombstones {
		if !now.Before(exp) {
			delete(d.tombstones, k)
		}
	}
	d.lastSweep = now
}

func (d *Dispatcher) callerContext(r *bridge.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(d.base)
	ctx = procedure.WithCaller(ctx, procedure.Caller{
		ClientID: r.Context.ClientID,
		Name:     r.Context.ClientName,
		TargetID: r.Context.Clone().TabID,
	})
	return ctx, cancel
}

func (d *Dispatcher) call(r *bridge.Request, from endpoint.Endpoint) error {
	desc, ok := d.table.Lookup(r.Path)
	if !ok {
		d.fail(r, procedure.NotFound("no procedure at "+r.Path))
		return fmt.Errorf("%w: %s", ErrUnknownProcedure, r.Path)
	}
	if desc.Handle == nil {
		d.fail(r, procedure.BadRequest(r.Path+" must be subscribed to"))
		return fmt.Errorf("%w: %s", ErrNotCallable, r.Path)
	}
	key := KeyOf(r)
	ctx, cancel := d.callerContext(r)
	e := &entry{cancel: cancel, from: from}
	ok, err := d.register(key, e)
	if err != nil {
		cancel()
		d.log.Warn().Err(err).Str("client_id", key.ClientID).Int64("request_id", key.ID).Msg("call rejected")
		return err
	}
	if !ok {
		cancel()
		return nil
	}
	go func() {
		defer d.remove(key, e)
		defer cancel()
		out, err := desc.Handle(ctx, r.Input)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.fail(r, err)
			return
		}
		raw, err := bridge.Marshal(out)
		if err != nil {
			d.fail(r, err)
			return
		}
		d.emit(r, bridge.EventOutput, raw)
	}()
	return nil
}

func (d *Dispatcher) subscribe(r *bridge.Request, from endpoint.Endpoint) error {
	desc, ok := d.table.Lookup(r.Path)
	if !ok {
		d.fail(r, procedure.NotFound("no procedure at "+r.Path))
		return fmt.Errorf("%w: %s", ErrUnknownProcedure, r.Path)
	}
	if desc.Kind != procedure.KindSubscription || desc.Subscribe == nil {
		d.fail(r, &procedure.Error{Code: procedure.CodeBadRequest, Message: ErrUnsupportedSubscription.Error() + ": " + r.Path})
		return fmt.Errorf("%w: %s", ErrUnsupportedSubscription, r.Path)
	}
	key := KeyOf(r)
	ctx, cancel := d.callerContext(r)
	e := &entry{cancel: cancel, from: from, subscription: true}
	ok, err := d.register(key, e)
	if err != nil {
		cancel()
		d.log.Debug().Err(err).Str("client_id", key.ClientID).Int64("request_id", key.ID).Msg("subscription start ignored")
		return err
	}
	if !ok {
		cancel()
		return nil
	}
	go d.pump(ctx, cancel, key, e, desc, r)
	return nil
}

func (d *Dispatcher) pump(ctx context.Context, cancel context.CancelFunc, key Key, e *entry, desc procedure.Descriptor, r *bridge.Request) {
	defer d.remove(key, e)
	defer cancel()

	stream, err := desc.Subscribe(ctx, r.Input)
	if err != nil {
		if ctx.Err() == nil {
			d.fail(r, err)
		}
		return
	}
	if stream == nil {
		d.fail(r, &procedure.Error{Code: procedure.CodeBadRequest, Message: ErrUnsupportedSubscription.Error() + ": " + r.Path})
		return
	}
	d.emit(r, bridge.EventSubscriptionAck, nil)
	for {
		v, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				break
			}
			d.fail(r, err)
			return
		}
		raw, err := bridge.Marshal(v)
		if err != nil {
			d.fail(r, err)
			return
		}
		d.emit(r, bridge.EventSubscriptionOutput, raw)
	}
	d.emit(r, bridge.EventSubscriptionStop, nil)
}

func (d *Dispatcher) fail(r *bridge.Request, err error) {
	pe := procedure.AsError(err)
	metrics.RecordFailure(d.namespace, pe.Code)
	d.log.Debug().Err(err).Str("path", r.Path).Str("client_id", r.Context.ClientID).Int64("request_id", r.ID).Msg("procedure failed")
	raw, mErr := bridge.Marshal(bridge.ErrorOutput{Code: pe.Code, Message: pe.Message})
	if mErr != nil {
		return
	}
	d.emit(r, bridge.EventError, raw)
}

func (d *Dispatcher) emit(r *bridge.Request, typ bridge.EventType, output []byte) {
	ev := &bridge.Event{
		IdempotencyKey: idempotency.NewKey(),
		Context:        r.Context.Clone(),
		ID:             r.ID,
		Type:           typ,
		Output:         output,
	}
	metrics.RecordEmitted(d.namespace, string(typ))
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	d.out.BroadcastEvent(ctx, ev)
}
