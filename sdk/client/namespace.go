package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/bridgerpc/sdk/bridge"
	"github.com/gaspardpetit/bridgerpc/sdk/events"
	"github.com/gaspardpetit/bridgerpc/sdk/idempotency"
)

// stopTimeout bounds the best-effort stop sent when a caller gives up.
const stopTimeout = 5 * time.Second

// Namespace issues calls to one remote namespace.
type Namespace struct {
	m      *Manager
	name   string
	nextID atomic.Int64
}

// Name returns the namespace name.
func (ns *Namespace) Name() string { return ns.name }

// Query runs a query and decodes its output into out (which may be nil).
func (ns *Namespace) Query(ctx context.Context, path string, input, out any) error {
	return ns.call(ctx, bridge.RequestQuery, path, input, out)
}

// Mutate runs a mutation and decodes its output into out (which may be nil).
func (ns *Namespace) Mutate(ctx context.Context, path string, input, out any) error {
	return ns.call(ctx, bridge.RequestMutation, path, input, out)
}

func (ns *Namespace) call(ctx context.Context, typ bridge.RequestType, path string, input, out any) error {
	if ns.m.isClosed() {
		return ErrClosed
	}
	raw, err := encodeInput(input)
	if err != nil {
		return err
	}
	id := ns.nextID.Add(1)
	q, unsubscribe := ns.m.bus.Subscribe(events.Key{Namespace: ns.name, ID: id})
	defer unsubscribe()

	if err := ns.send(ctx, typ, id, path, raw); err != nil {
		return err
	}
	for {
		if ev, ok := q.Pop(); ok {
			switch ev.Type {
			case bridge.EventOutput:
				if out == nil || len(ev.Output) == 0 {
					return nil
				}
				if err := json.Unmarshal(ev.Output, out); err != nil {
					return fmt.Errorf("decode %s output: %w", path, err)
				}
				return nil
			case bridge.EventError:
				return remoteError(ev)
			}
			continue
		}
		select {
		case <-q.Ready():
		case <-ctx.Done():
			ns.stop(id, path)
			return ctx.Err()
		}
	}
}

// Subscribe starts a subscription. The start request is resent until the
// server acknowledges it. Cancelling ctx closes the subscription.
func (ns *Namespace) Subscribe(ctx context.Context, path string, input any) (*Subscription, error) {
	if ns.m.isClosed() {
		return nil, ErrClosed
	}
	raw, err := encodeInput(input)
	if err != nil {
		return nil, err
	}
	id := ns.nextID.Add(1)
	q, unsubscribe := ns.m.bus.Subscribe(events.Key{Namespace: ns.name, ID: id})
	s := newSubscription(ns, id, path, raw, q, unsubscribe)
	if !ns.m.track(s) {
		unsubscribe()
		return nil, ErrClosed
	}
	if err := ns.send(ctx, bridge.RequestSubscriptionStart, id, path, raw); err != nil {
		s.finish(err)
		return nil, err
	}
	go s.run(ctx, ns.m.clock.Ticker(ns.m.resend))
	return s, nil
}

func (ns *Namespace) send(ctx context.Context, typ bridge.RequestType, id int64, path string, input json.RawMessage) error {
	req := &bridge.Request{
		IdempotencyKey: idempotency.NewKey(),
		Context:        ns.m.requestContext(ns.name),
		ID:             id,
		Path:           path,
		Type:           typ,
		Input:          input,
	}
	if err := ns.m.transport.SendRequest(ctx, req); err != nil {
		return fmt.Errorf("send %s %s: %w", typ, path, err)
	}
	return nil
}

func (ns *Namespace) stop(id int64, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := ns.send(ctx, bridge.RequestSubscriptionStop, id, path, nil)
	if err != nil {
		ns.m.log.Debug().Err(err).Str("namespace", ns.name).Int64("request_id", id).Msg("stop not sent")
	}
	return err
}

func encodeInput(input any) (json.RawMessage, error) {
	if input == nil {
		return nil, nil
	}
	return bridge.Marshal(input)
}

// Call runs a query on ns and decodes its output as T.
func Call[T any](ctx context.Context, ns *Namespace, path string, input any) (T, error) {
	var out T
	err := ns.Query(ctx, path, input, &out)
	return out, err
}

// Mutate runs a mutation on ns and decodes its output as T.
func Mutate[T any](ctx context.Context, ns *Namespace, path string, input any) (T, error) {
	var out T
	err := ns.Mutate(ctx, path, input, &out)
	return out, err
}
