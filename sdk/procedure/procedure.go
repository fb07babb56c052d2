// Package procedure describes the operations a namespace exposes: a flat
// table of dot-separated paths, each bound to a query, mutation or
// subscription implementation.
package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind distinguishes the three procedure flavours.
type Kind int

const (
	KindQuery Kind = iota + 1
	KindMutation
	KindSubscription
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindMutation:
		return "mutation"
	case KindSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// HandlerFunc serves a query or mutation.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (any, error)

// SubscribeFunc opens a stream of values. The stream ends when Next returns
// io.EOF or ctx is cancelled.
type SubscribeFunc func(ctx context.Context, input json.RawMessage) (Stream, error)

// Descriptor binds one path to its implementation.
type Descriptor struct {
	Kind      Kind
	Handle    HandlerFunc
	Subscribe SubscribeFunc
}

// Query wraps fn as a query.
func Query(fn HandlerFunc) Descriptor { return Descriptor{Kind: KindQuery, Handle: fn} }

// Mutation wraps fn as a mutation.
func Mutation(fn HandlerFunc) Descriptor { return Descriptor{Kind: KindMutation, Handle: fn} }

// Subscription wraps fn as a subscription.
func Subscription(fn SubscribeFunc) Descriptor {
	return Descriptor{Kind: KindSubscription, Subscribe: fn}
}

// Table maps paths to descriptors.
type Table map[string]Descriptor

// Group merges sub into t under "prefix." and returns t.
func (t Table) Group(prefix string, sub Table) Table {
	for path, d := range sub {
		t[prefix+"."+path] = d
	}
	return t
}

// Lookup resolves path.
func (t Table) Lookup(path string) (Descriptor, bool) {
	d, ok := t[strings.TrimSpace(path)]
	return d, ok
}

// Paths returns the registered paths in sorted order.
func (t Table) Paths() []string {
	out := make([]string, 0, len(t))
	for p := range t {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Decode unmarshals a procedure input. A missing input leaves v untouched.
func Decode(input json.RawMessage, v any) error {
	if len(input) == 0 || string(input) == "null" {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return BadRequest(fmt.Sprintf("invalid input: %v", err))
	}
	return nil
}

// TypedQuery adapts a function taking a decoded input.
func TypedQuery[In, Out any](fn func(context.Context, In) (Out, error)) Descriptor {
	return Query(typed(fn))
}

// TypedMutation adapts a function taking a decoded input.
func TypedMutation[In, Out any](fn func(context.Context, In) (Out, error)) Descriptor {
	return Mutation(typed(fn))
}

// TypedSubscription adapts a function taking a decoded input.
func TypedSubscription[In any](fn func(context.Context, In) (Stream, error)) Descriptor {
	return Subscription(func(ctx context.Context, input json.RawMessage) (Stream, error) {
		var in In
		if err := Decode(input, &in); err != nil {
			return nil, err
		}
		return fn(ctx, in)
	})
}

func typed[In, Out any](fn func(context.Context, In) (Out, error)) HandlerFunc {
	return func(ctx context.Context, input json.RawMessage) (any, error) {
		var in In
		if err := Decode(input, &in); err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

// Error codes carried by Error.
const (
	CodeNotFound   = "NOT_FOUND"
	CodeBadRequest = "BAD_REQUEST"
	CodeInternal   = "INTERNAL"
)

// Error is a failure the caller is meant to see.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// NotFound returns an Error with CodeNotFound.
func NotFound(msg string) error { return &Error{Code: CodeNotFound, Message: msg} }

// BadRequest returns an Error with CodeBadRequest.
func BadRequest(msg string) error { return &Error{Code: CodeBadRequest, Message: msg} }

// AsError converts err into an Error, defaulting to CodeInternal.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// Caller identifies who invoked a procedure.
type Caller struct {
	ClientID string
	Name     string
	TargetID *int64
}

type callerKey struct{}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
