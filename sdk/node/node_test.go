package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/bridgerpc/sdk/bridge"
	"github.com/gaspardpetit/bridgerpc/sdk/client"
	"github.com/gaspardpetit/bridgerpc/sdk/endpoint"
	"github.com/gaspardpetit/bridgerpc/sdk/handler"
	"github.com/gaspardpetit/bridgerpc/sdk/idempotency"
	"github.com/gaspardpetit/bridgerpc/sdk/procedure"
)

type spy struct {
	mu     sync.Mutex
	events []*bridge.Event
}

func (s *spy) HandleEvent(ev *bridge.Event) bool {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return true
}

func (s *spy) types(clientID string, id int64) []bridge.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bridge.EventType
	for _, ev := range s.events {
		if ev.Context.ClientID == clientID && ev.ID == id {
			out = append(out, ev.Type)
		}
	}
	return out
}

// countingEndpoint counts the messages read from the wrapped endpoint.
type countingEndpoint struct {
	endpoint.Endpoint
	received *atomic.Int64
}

func (c *countingEndpoint) Receive(ctx context.Context) ([]byte, error) {
	msg, err := c.Endpoint.Receive(ctx)
	if err == nil {
		c.received.Add(1)
	}
	return msg, err
}

// droppingEndpoint discards the first outgoing subscription start.
type droppingEndpoint struct {
	endpoint.Endpoint
	dropped atomic.Bool
}

func (d *droppingEndpoint) Send(ctx context.Context, msg []byte) error {
	m := bridge.Decode(msg)
	if m.Kind == bridge.KindRequest && m.Request.Type == bridge.RequestSubscriptionStart && d.dropped.CompareAndSwap(false, true) {
		return nil
	}
	return d.Endpoint.Send(ctx, msg)
}

var invocations atomic.Int64

func backgroundTable() procedure.Table {
	return procedure.Table{
		"ping": procedure.Query(func(context.Context, json.RawMessage) (any, error) { return "pong", nil }),
		"whoami": procedure.Query(func(ctx context.Context, _ json.RawMessage) (any, error) {
			c, _ := procedure.CallerFrom(ctx)
			return c.ClientID, nil
		}),
		"counted": procedure.Mutation(func(context.Context, json.RawMessage) (any, error) {
			return invocations.Add(1), nil
		}),
		"count": procedure.TypedSubscription(func(_ context.Context, n int) (procedure.Stream, error) {
			vs := make([]int, n)
			for i := range vs {
				vs[i] = i + 1
			}
			return procedure.FromSlice(vs), nil
		}),
	}
}

func newTestNode(opts ...Option) *Node {
	return New(append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
}

func waitEndpoints(t *testing.T, n *Node, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for n.Registry().Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("endpoints = %d; want %d", n.Registry().Len(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

// link connects a and b with an in-memory pipe. wrapA and wrapB may adapt
// the endpoint each node sees.
func link(ctx context.Context, a, b *Node, wrapA, wrapB func(endpoint.Endpoint) endpoint.Endpoint) {
	pa, pb := endpoint.Pipe()
	var ea, eb endpoint.Endpoint = pa, pb
	if wrapA != nil {
		ea = wrapA(ea)
	}
	if wrapB != nil {
		eb = wrapB(eb)
	}
	go func() { _ = a.Serve(ctx, ea) }()
	go func() { _ = b.Serve(ctx, eb) }()
}

func newClient(n *Node, opts ...client.Option) *client.Manager {
	m := client.New(n, append([]client.Option{client.WithLogger(zerolog.Nop())}, opts...)...)
	n.Attach(m)
	return m
}

func withTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestScenarioQueryAcrossPipe(t *testing.T) {
	ctx := withTimeout(t)
	coord := newTestNode()
	coord.Host("background", backgroundTable())
	peer := newTestNode()
	link(ctx, coord, peer, nil, nil)
	waitEndpoints(t, peer, 1)

	m := newClient(peer)
	s := &spy{}
	peer.Attach(s)
	out, err := client.Call[string](ctx, m.Namespace("background"), "ping", nil)
	if err != nil || out != "pong" {
		t.Fatalf("ping = %q, %v", out, err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := s.types(m.ID(), 1); len(got) != 1 || got[0] != bridge.EventOutput {
		t.Fatalf("events = %v; want exactly one output", got)
	}
}

func TestScenarioSubscriptionOrder(t *testing.T) {
	ctx := withTimeout(t)
	coord := newTestNode()
	coord.Host("background", backgroundTable())
	peer := newTestNode()
	link(ctx, coord, peer, nil, nil)
	waitEndpoints(t, peer, 1)

	m := newClient(peer)
	s := &spy{}
	peer.Attach(s)
	ns := m.Namespace("background")
	_ = ns.Query(ctx, "ping", nil, nil)
	sub, err := client.Stream[int](ctx, ns, "count", 3)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if sub.ID() != 2 {
		t.Fatalf("id = %d; want 2", sub.ID())
	}
	for want := 1; want <= 3; want++ {
		got, err := sub.Next(ctx)
		if err != nil || got != want {
			t.Fatalf("next = %d, %v; want %d", got, err, want)
		}
	}
	if _, err := sub.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("end = %v; want EOF", err)
	}
	want := []bridge.EventType{
		bridge.EventSubscriptionAck, bridge.EventSubscriptionOutput, bridge.EventSubscriptionOutput,
		bridge.EventSubscriptionOutput, bridge.EventSubscriptionStop,
	}
	got := s.types(m.ID(), 2)
	if len(got) != len(want) {
		t.Fatalf("events = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v; want %v", got, want)
		}
	}
}

func TestSlowLocalConsumerGetsWholeStream(t *testing.T) {
	ctx := withTimeout(t)
	n := newTestNode()
	n.Host("background", backgroundTable())
	m := newClient(n)
	sub, err := client.Stream[int](ctx, m.Namespace("background"), "count", 300)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	for want := 1; want <= 300; want++ {
		got, err := sub.Next(ctx)
		if err != nil || got != want {
			t.Fatalf("next = %d, %v; want %d", got, err, want)
		}
	}
	if _, err := sub.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("end = %v; want EOF", err)
	}
}

func TestScenarioDroppedStartIsResent(t *testing.T) {
	ctx := withTimeout(t)
	coord := newTestNode()
	coord.Host("background", backgroundTable())
	peer := newTestNode()
	drop := &droppingEndpoint{}
	link(ctx, coord, peer, nil, func(ep endpoint.Endpoint) endpoint.Endpoint {
		drop.Endpoint = ep
		return drop
	})
	waitEndpoints(t, peer, 1)

	mc := clock.NewMock()
	m := newClient(peer, client.WithClock(mc))
	s := &spy{}
	peer.Attach(s)
	sub, err := client.Stream[int](ctx, m.Namespace("background"), "count", 2)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !drop.dropped.Load() {
		t.Fatalf("first start was not dropped")
	}
	mc.Add(client.DefaultResendInterval)
	for want := 1; want <= 2; want++ {
		got, err := sub.Next(ctx)
		if err != nil || got != want {
			t.Fatalf("next = %d, %v; want %d", got, err, want)
		}
	}
	if _, err := sub.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("end = %v; want EOF", err)
	}
	acks := 0
	for _, typ := range s.types(m.ID(), sub.ID()) {
		if typ == bridge.EventSubscriptionAck {
			acks++
		}
	}
	if acks != 1 {
		t.Fatalf("acks = %d; want 1", acks)
	}
}

func TestScenarioClientsWithSameRequestID(t *testing.T) {
	ctx := withTimeout(t)
	coord := newTestNode()
	coord.Host("background", backgroundTable())
	p1 := newTestNode()
	p2 := newTestNode()
	link(ctx, coord, p1, nil, nil)
	link(ctx, coord, p2, nil, nil)
	waitEndpoints(t, p1, 1)
	waitEndpoints(t, p2, 1)
	waitEndpoints(t, coord, 2)

	m1 := newClient(p1)
	m2 := newClient(p2)
	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i, m := range []*client.Manager{m1, m2} {
		wg.Add(1)
		go func(i int, m *client.Manager) {
			defer wg.Done()
			results[i], errs[i] = client.Call[string](ctx, m.Namespace("background"), "whoami", nil)
		}(i, m)
	}
	wg.Wait()
	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("errors: %v, %v", errs[0], errs[1])
	}
	if results[0] != m1.ID() || results[1] != m2.ID() {
		t.Fatalf("clients resolved foreign events: %v", results)
	}
}

func TestReplayedRequestRunsOnce(t *testing.T) {
	ctx := withTimeout(t)
	coord := newTestNode()
	coord.Host("background", backgroundTable())
	pa, pb := endpoint.Pipe()
	go func() { _ = coord.Serve(ctx, pa) }()

	before := invocations.Load()
	raw, err := bridge.EncodeRequest(&bridge.Request{
		IdempotencyKey: idempotency.NewKey(),
		Context:        bridge.Context{ClientID: "c", Namespace: "background"},
		ID:             1,
		Path:           "counted",
		Type:           bridge.RequestMutation,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := pb.Send(ctx, raw); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	msg, err := pb.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if m := bridge.Decode(msg); m.Kind != bridge.KindEvent || m.Event.Type != bridge.EventOutput {
		t.Fatalf("unexpected reply %s", msg)
	}
	quiet, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if extra, err := pb.Receive(quiet); err == nil {
		t.Fatalf("unexpected extra reply %s", extra)
	}
	if got := invocations.Load() - before; got != 1 {
		t.Fatalf("invocations = %d; want 1", got)
	}
}

func TestReplayedEventDeliveredOnce(t *testing.T) {
	ctx := withTimeout(t)
	peer := newTestNode()
	s := &spy{}
	peer.Attach(s)
	pa, pb := endpoint.Pipe()
	go func() { _ = peer.Serve(ctx, pa) }()

	raw, _ := bridge.EncodeEvent(&bridge.Event{
		IdempotencyKey: idempotency.NewKey(),
		Context:        bridge.Context{ClientID: "c", Namespace: "background"},
		ID:             1,
		Type:           bridge.EventOutput,
		Output:         json.RawMessage(`"pong"`),
	})
	for i := 0; i < 10; i++ {
		_ = pb.Send(ctx, raw)
	}
	_ = pb.Send(ctx, []byte(`{"unrelated":true}`))
	time.Sleep(50 * time.Millisecond)
	if got := s.types("c", 1); len(got) != 1 {
		t.Fatalf("deliveries = %d; want 1", len(got))
	}
}

func TestFloodTerminates(t *testing.T) {
	ctx := withTimeout(t)
	var received atomic.Int64
	count := func(ep endpoint.Endpoint) endpoint.Endpoint {
		return &countingEndpoint{Endpoint: ep, received: &received}
	}
	a, b, c := newTestNode(), newTestNode(), newTestNode()
	link(ctx, a, b, count, count)
	link(ctx, b, c, count, count)
	link(ctx, c, a, count, count)
	for _, n := range []*Node{a, b, c} {
		waitEndpoints(t, n, 2)
	}

	req := &bridge.Request{
		IdempotencyKey: idempotency.NewKey(),
		Context:        bridge.Context{ClientID: "c", Namespace: "nowhere"},
		ID:             1,
		Path:           "ping",
		Type:           bridge.RequestQuery,
	}
	if err := a.SendRequest(ctx, req); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for received.Load() < 6 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	// Every node forwards the request once to both neighbours.
	if got := received.Load(); got != 6 {
		t.Fatalf("messages = %d; want 6", got)
	}
}

func TestEventsRelayBetweenPeers(t *testing.T) {
	ctx := withTimeout(t)
	coord := newTestNode()
	agent := newTestNode()
	agent.Host("agent", backgroundTable())
	caller := newTestNode()
	link(ctx, coord, agent, nil, nil)
	link(ctx, coord, caller, nil, nil)
	waitEndpoints(t, coord, 2)
	waitEndpoints(t, caller, 1)

	m := newClient(caller)
	out, err := client.Call[string](ctx, m.Namespace("agent"), "ping", nil)
	if err != nil || out != "pong" {
		t.Fatalf("ping via relay = %q, %v", out, err)
	}
}

func TestRelayDoesNotStallOnBlockedEndpoint(t *testing.T) {
	n := newTestNode(WithRelayTimeout(20 * time.Millisecond))
	stalled, _ := endpoint.PipeSize(0)
	b1, b2 := endpoint.Pipe()
	n.Registry().Add(stalled)
	n.Registry().Add(b1)

	raw, err := bridge.EncodeEvent(&bridge.Event{
		IdempotencyKey: idempotency.NewKey(),
		Context:        bridge.Context{ClientID: "c", Namespace: "background"},
		ID:             1,
		Type:           bridge.EventOutput,
		Output:         json.RawMessage(`"pong"`),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	done := make(chan struct{})
	go func() {
		n.Receive(context.Background(), raw, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("relay blocked on a stalled endpoint")
	}
	ctx := withTimeout(t)
	msg, err := b2.Receive(ctx)
	if err != nil {
		t.Fatalf("healthy endpoint missed relay: %v", err)
	}
	if m := bridge.Decode(msg); m.Kind != bridge.KindEvent || m.Event.ID != 1 {
		t.Fatalf("unexpected relay %s", msg)
	}
}

func TestWithoutEventRelay(t *testing.T) {
	ctx := withTimeout(t)
	coord := newTestNode(WithoutEventRelay())
	agent := newTestNode()
	agent.Host("agent", backgroundTable())
	caller := newTestNode()
	link(ctx, coord, agent, nil, nil)
	link(ctx, coord, caller, nil, nil)
	waitEndpoints(t, coord, 2)
	waitEndpoints(t, caller, 1)

	m := newClient(caller)
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := client.Call[string](short, m.Namespace("agent"), "ping", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v; want deadline exceeded", err)
	}
}

func TestLocalNamespaceServedInProcess(t *testing.T) {
	ctx := withTimeout(t)
	n := newTestNode()
	n.Host("background", backgroundTable())
	m := newClient(n)
	out, err := client.Call[string](ctx, m.Namespace("background"), "ping", nil)
	if err != nil || out != "pong" {
		t.Fatalf("local ping = %q, %v", out, err)
	}
	var re *client.RemoteError
	if err := m.Namespace("background").Query(ctx, "missing", nil, nil); !errors.As(err, &re) || re.Code != procedure.CodeNotFound {
		t.Fatalf("err = %v; want NOT_FOUND", err)
	}
}

func TestScopedEventsReachOnlyTheirTarget(t *testing.T) {
	ctx := withTimeout(t)
	coord := newTestNode()
	coord.Host("background", backgroundTable())
	p1 := newTestNode()
	p2 := newTestNode()
	link(ctx, coord, p1, func(ep endpoint.Endpoint) endpoint.Endpoint { return endpoint.WithTarget(ep, 1, "p1") }, nil)
	link(ctx, coord, p2, func(ep endpoint.Endpoint) endpoint.Endpoint { return endpoint.WithTarget(ep, 2, "p2") }, nil)
	waitEndpoints(t, coord, 2)
	waitEndpoints(t, p1, 1)
	waitEndpoints(t, p2, 1)

	s2 := &spy{}
	p2.Attach(s2)
	m := newClient(p1, client.WithScopeToTab())
	if _, err := client.Call[string](ctx, m.Namespace("background"), "ping", nil); err != nil {
		t.Fatalf("ping: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := s2.types(m.ID(), 1); len(got) != 0 {
		t.Fatalf("other target saw %v", got)
	}
}

func TestAbortPolicyOnDisconnect(t *testing.T) {
	ctx := withTimeout(t)
	coord := newTestNode()
	d := coord.Host("background", procedure.Table{
		"forever": procedure.Subscription(func(context.Context, json.RawMessage) (procedure.Stream, error) {
			return procedure.FromChannel(make(chan int)), nil
		}),
	}, handler.WithDisconnectPolicy(handler.PolicyAbort))
	peer := newTestNode()
	pa, pb := endpoint.Pipe()
	go func() { _ = coord.Serve(ctx, pa) }()
	go func() { _ = peer.Serve(ctx, pb) }()
	waitEndpoints(t, peer, 1)

	m := newClient(peer)
	sub, err := m.Namespace("background").Subscribe(ctx, "forever", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !sub.Acked() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if d.Live() != 1 {
		t.Fatalf("live = %d; want 1", d.Live())
	}
	_ = pb.Close()
	waitEndpoints(t, coord, 0)
	if !d.Wait(ctx) {
		t.Fatalf("subscription survived disconnect")
	}
}
