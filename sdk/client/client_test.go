package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/bridgerpc/sdk/bridge"
	"github.com/gaspardpetit/bridgerpc/sdk/idempotency"
)

type fakeTransport struct {
	reqs chan *bridge.Request
	err  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reqs: make(chan *bridge.Request, 64)}
}

func (f *fakeTransport) SendRequest(_ context.Context, req *bridge.Request) error {
	if f.err != nil {
		return f.err
	}
	f.reqs <- req
	return nil
}

func (f *fakeTransport) next(t *testing.T) *bridge.Request {
	t.Helper()
	select {
	case req := <-f.reqs:
		return req
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for request")
		return nil
	}
}

func (f *fakeTransport) none(t *testing.T) {
	t.Helper()
	select {
	case req := <-f.reqs:
		t.Fatalf("unexpected request %s %s", req.Type, req.Path)
	case <-time.After(50 * time.Millisecond):
	}
}

func reply(req *bridge.Request, typ bridge.EventType, output string) *bridge.Event {
	ev := &bridge.Event{
		IdempotencyKey: idempotency.NewKey(),
		Context:        req.Context,
		ID:             req.ID,
		Type:           typ,
	}
	if output != "" {
		ev.Output = json.RawMessage(output)
	}
	return ev
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	m := New(tr, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m, tr
}

func TestQueryResolvesOutput(t *testing.T) {
	m, tr := newTestManager(t, WithClientName("popup"))
	go func() {
		req := <-tr.reqs
		m.HandleEvent(reply(req, bridge.EventOutput, `"pong"`))
	}()
	got, err := Call[string](context.Background(), m.Namespace("background"), "ping", nil)
	if err != nil || got != "pong" {
		t.Fatalf("call = %q, %v", got, err)
	}
}

func TestRequestShape(t *testing.T) {
	m, tr := newTestManager(t, WithClientName("popup"), WithScopeToTab(), WithTabID(4))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Namespace("background").Mutate(ctx, "echo", map[string]int{"a": 1}, nil) }()
	req := tr.next(t)
	if req.Type != bridge.RequestMutation || req.Path != "echo" || req.ID != 1 || req.IdempotencyKey == "" {
		t.Fatalf("unexpected request %#v", req)
	}
	c := req.Context
	if c.ClientID != m.ID() || c.ClientName != "popup" || c.Namespace != "background" || !c.ScopeToTab || c.TabID == nil || *c.TabID != 4 {
		t.Fatalf("unexpected context %#v", c)
	}
	if string(req.Input) != `{"a":1}` {
		t.Fatalf("input = %s", req.Input)
	}
}

func TestRequestIDsIncreasePerNamespace(t *testing.T) {
	m, tr := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 3; i++ {
		go func() { _ = m.Namespace("a").Query(ctx, "p", nil, nil) }()
		tr.next(t)
	}
	go func() { _ = m.Namespace("b").Query(ctx, "p", nil, nil) }()
	if req := tr.next(t); req.ID != 1 {
		t.Fatalf("namespace b first id = %d; want 1", req.ID)
	}
	if m.Namespace("a").nextID.Load() != 3 {
		t.Fatalf("namespace a ids not monotonic")
	}
}

func TestForeignAndDuplicateEventsAreIgnored(t *testing.T) {
	m, tr := newTestManager(t)
	done := make(chan error, 1)
	var out string
	go func() { done <- m.Namespace("bg").Query(context.Background(), "ping", nil, &out) }()
	req := tr.next(t)

	foreign := reply(req, bridge.EventOutput, `"theirs"`)
	foreign.Context.ClientID = "someone-else"
	if m.HandleEvent(foreign) {
		t.Fatalf("foreign event accepted")
	}
	ev := reply(req, bridge.EventOutput, `"mine"`)
	if !m.HandleEvent(ev) {
		t.Fatalf("own event rejected")
	}
	if m.HandleEvent(ev) {
		t.Fatalf("replayed event accepted")
	}
	if err := <-done; err != nil || out != "mine" {
		t.Fatalf("query = %q, %v", out, err)
	}
}

func TestQueryRemoteError(t *testing.T) {
	m, tr := newTestManager(t)
	go func() {
		req := <-tr.reqs
		m.HandleEvent(reply(req, bridge.EventError, `{"code":"NOT_FOUND","message":"no procedure at x"}`))
	}()
	err := m.Namespace("bg").Query(context.Background(), "x", nil, nil)
	var re *RemoteError
	if !errors.As(err, &re) || re.Code != "NOT_FOUND" {
		t.Fatalf("err = %v; want NOT_FOUND remote error", err)
	}
}

func TestQueryCancelSendsStop(t *testing.T) {
	m, tr := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Namespace("bg").Query(ctx, "slow", nil, nil) }()
	req := tr.next(t)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v; want canceled", err)
	}
	stop := tr.next(t)
	if stop.Type != bridge.RequestSubscriptionStop || stop.ID != req.ID || stop.IdempotencyKey == req.IdempotencyKey {
		t.Fatalf("unexpected stop %#v", stop)
	}
}

func TestSendFailureIsReturned(t *testing.T) {
	m, tr := newTestManager(t)
	tr.err = errors.New("wire down")
	if err := m.Namespace("bg").Query(context.Background(), "ping", nil, nil); err == nil {
		t.Fatalf("expected send error")
	}
	if _, err := m.Namespace("bg").Subscribe(context.Background(), "ticks", nil); err == nil {
		t.Fatalf("expected send error")
	}
}

func waitAcked(t *testing.T, s *Subscription) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !s.Acked() {
		if time.Now().After(deadline) {
			t.Fatalf("subscription never acked")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubscriptionResendsStartUntilAck(t *testing.T) {
	mc := clock.NewMock()
	m, tr := newTestManager(t, WithClock(mc))
	s, err := m.Namespace("bg").Subscribe(context.Background(), "ticks", map[string]int{"count": 3})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	first := tr.next(t)
	if first.Type != bridge.RequestSubscriptionStart {
		t.Fatalf("type = %s", first.Type)
	}
	tr.none(t)

	mc.Add(DefaultResendInterval)
	second := tr.next(t)
	if second.ID != first.ID || second.IdempotencyKey == first.IdempotencyKey || string(second.Input) != string(first.Input) {
		t.Fatalf("resend should reuse id and input with a fresh key: %#v", second)
	}

	m.HandleEvent(reply(second, bridge.EventSubscriptionAck, ""))
	waitAcked(t, s)
	mc.Add(DefaultResendInterval)
	mc.Add(DefaultResendInterval)
	tr.none(t)
}

func TestSubscriptionOutputImpliesAck(t *testing.T) {
	mc := clock.NewMock()
	m, tr := newTestManager(t, WithClock(mc))
	s, err := m.Namespace("bg").Subscribe(context.Background(), "ticks", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	req := tr.next(t)
	m.HandleEvent(reply(req, bridge.EventSubscriptionOutput, `1`))
	v, err := s.Next(context.Background())
	if err != nil || string(v) != "1" {
		t.Fatalf("next = %s, %v", v, err)
	}
	if !s.Acked() {
		t.Fatalf("output did not count as ack")
	}
	mc.Add(DefaultResendInterval)
	tr.none(t)
}

func TestSubscriptionSequence(t *testing.T) {
	m, tr := newTestManager(t)
	s, err := Stream[int](context.Background(), m.Namespace("bg"), "count", 3)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	req := tr.next(t)
	m.HandleEvent(reply(req, bridge.EventSubscriptionAck, ""))
	for _, v := range []string{"1", "2", "3"} {
		m.HandleEvent(reply(req, bridge.EventSubscriptionOutput, v))
	}
	m.HandleEvent(reply(req, bridge.EventSubscriptionStop, ""))

	for want := 1; want <= 3; want++ {
		got, err := s.Next(context.Background())
		if err != nil || got != want {
			t.Fatalf("next = %d, %v; want %d", got, err, want)
		}
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("end = %v; want EOF", err)
	}
	// The server ended the stream, so closing sends nothing.
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	tr.none(t)
}

func TestSlowConsumerReceivesEveryOutput(t *testing.T) {
	m, tr := newTestManager(t)
	s, err := Stream[int](context.Background(), m.Namespace("bg"), "count", 300)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	req := tr.next(t)
	m.HandleEvent(reply(req, bridge.EventSubscriptionAck, ""))
	for i := 1; i <= 300; i++ {
		m.HandleEvent(reply(req, bridge.EventSubscriptionOutput, strconv.Itoa(i)))
	}
	m.HandleEvent(reply(req, bridge.EventSubscriptionStop, ""))

	// Nothing has been consumed yet; the stream must still end cleanly.
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not end while the consumer was idle")
	}
	if n := s.Buffered(); n != 300 {
		t.Fatalf("buffered = %d; want 300", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for want := 1; want <= 300; want++ {
		got, err := s.Next(ctx)
		if err != nil || got != want {
			t.Fatalf("next = %d, %v; want %d", got, err, want)
		}
	}
	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("end = %v; want EOF", err)
	}
}

func TestSubscriptionRemoteError(t *testing.T) {
	m, tr := newTestManager(t)
	s, err := m.Namespace("bg").Subscribe(context.Background(), "ticks", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	req := tr.next(t)
	m.HandleEvent(reply(req, bridge.EventError, `{"code":"INTERNAL","message":"boom"}`))
	var re *RemoteError
	if _, err := s.Next(context.Background()); !errors.As(err, &re) || re.Message != "boom" {
		t.Fatalf("err = %v; want remote error", err)
	}
}

func TestSubscriptionCloseSendsStop(t *testing.T) {
	m, tr := newTestManager(t)
	s, err := m.Namespace("bg").Subscribe(context.Background(), "ticks", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	start := tr.next(t)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	stop := tr.next(t)
	if stop.Type != bridge.RequestSubscriptionStop || stop.ID != start.ID {
		t.Fatalf("unexpected stop %#v", stop)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("next after close = %v; want ErrClosed", err)
	}
	// Events arriving after close are not delivered.
	m.HandleEvent(reply(start, bridge.EventSubscriptionOutput, `1`))
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("next after late output = %v; want ErrClosed", err)
	}
	_ = s.Close()
	tr.none(t)
}

func TestSubscriptionContextCancelSendsStop(t *testing.T) {
	m, tr := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Namespace("bg").Subscribe(ctx, "ticks", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	tr.next(t)
	cancel()
	if stop := tr.next(t); stop.Type != bridge.RequestSubscriptionStop {
		t.Fatalf("type = %s; want stop", stop.Type)
	}
	<-s.Done()
}

func TestManagerCloseStopsSubscriptions(t *testing.T) {
	m, tr := newTestManager(t)
	s, err := m.Namespace("bg").Subscribe(context.Background(), "ticks", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	tr.next(t)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if stop := tr.next(t); stop.Type != bridge.RequestSubscriptionStop {
		t.Fatalf("type = %s; want stop", stop.Type)
	}
	<-s.Done()
	if err := m.Namespace("bg").Query(context.Background(), "ping", nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("query after close = %v; want ErrClosed", err)
	}
}
