package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/gaspardpetit/bridgerpc/sdk/bridge"
	"github.com/gaspardpetit/bridgerpc/sdk/events"
)

// Subscription is the client side of a server stream. Outputs queue without
// bound until Next consumes them.
type Subscription struct {
	ns          *Namespace
	id          int64
	path        string
	input       json.RawMessage
	events      *events.Queue
	unsubscribe func()

	outputs *events.Queue
	done    chan struct{}
	once    sync.Once
	err     error
	acked   atomic.Bool
}

func newSubscription(ns *Namespace, id int64, path string, input json.RawMessage, q *events.Queue, unsubscribe func()) *Subscription {
	return &Subscription{
		ns:          ns,
		id:          id,
		path:        path,
		input:       input,
		events:      q,
		unsubscribe: unsubscribe,
		outputs:     events.NewQueue(),
		done:        make(chan struct{}),
	}
}

// ID returns the request id of the subscription.
func (s *Subscription) ID() int64 { return s.id }

// Acked reports whether the server acknowledged the subscription.
func (s *Subscription) Acked() bool { return s.acked.Load() }

// Done is closed once the subscription has ended for any reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Next returns the next output. Outputs received before the stream ended are
// returned first. After them it returns io.EOF when the server ended the
// stream, a *RemoteError when it failed and ErrClosed after Close.
func (s *Subscription) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		if ev, ok := s.outputs.Pop(); ok {
			return ev.Output, nil
		}
		select {
		case <-s.outputs.Ready():
		case <-s.done:
			if ev, ok := s.outputs.Pop(); ok {
				return ev.Output, nil
			}
			return nil, s.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Buffered returns the number of outputs received but not yet consumed.
func (s *Subscription) Buffered() int { return s.outputs.Len() }

// Close stops listening and asks the server to stop the stream. Closing an
// ended subscription does nothing.
func (s *Subscription) Close() error {
	if !s.finish(ErrClosed) {
		return nil
	}
	return s.ns.stop(s.id, s.path)
}

// finish ends the subscription with err and reports whether this call did it.
func (s *Subscription) finish(err error) bool {
	won := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		s.unsubscribe()
		s.ns.m.untrack(s)
		won = true
	})
	return won
}

// run routes bus events to the caller and resends the start request until
// the server acknowledges it. It never waits on the caller.
func (s *Subscription) run(ctx context.Context, ticker *clock.Ticker) {
	defer ticker.Stop()
	tick := ticker.C
	for {
		for {
			ev, ok := s.events.Pop()
			if !ok {
				break
			}
			switch ev.Type {
			case bridge.EventSubscriptionAck:
				s.acked.Store(true)
				tick = nil
			case bridge.EventSubscriptionOutput:
				// An output implies the ack was lost on the way.
				s.acked.Store(true)
				tick = nil
				s.outputs.Push(ev)
			case bridge.EventSubscriptionStop:
				s.finish(io.EOF)
				return
			case bridge.EventError:
				s.finish(remoteError(ev))
				return
			}
		}
		select {
		case <-s.events.Ready():
		case <-tick:
			if err := s.ns.send(ctx, bridge.RequestSubscriptionStart, s.id, s.path, s.input); err != nil {
				s.ns.m.log.Debug().Err(err).Int64("request_id", s.id).Msg("subscription start resend failed")
			}
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		}
	}
}

// Typed decodes subscription outputs as T.
type Typed[T any] struct {
	*Subscription
}

// Next returns the next decoded output.
func (t Typed[T]) Next(ctx context.Context) (T, error) {
	var out T
	raw, err := t.Subscription.Next(ctx)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s output: %w", t.path, err)
	}
	return out, nil
}

// Stream starts a subscription on ns whose outputs decode as T.
func Stream[T any](ctx context.Context, ns *Namespace, path string, input any) (Typed[T], error) {
	s, err := ns.Subscribe(ctx, path, input)
	if err != nil {
		return Typed[T]{}, err
	}
	return Typed[T]{Subscription: s}, nil
}
