// Package services holds the procedures the coordinator serves itself.
package services

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gaspardpetit/bridgerpc/sdk/endpoint"
	"github.com/gaspardpetit/bridgerpc/sdk/procedure"
)

const (
	defaultTickInterval = time.Second
	minTickInterval     = 10 * time.Millisecond
	maxTicks            = 10000
)

// Peer describes a connected endpoint.
type Peer struct {
	Name     string `json:"name"`
	TargetID *int64 `json:"target_id,omitempty"`
}

// TicksInput configures clock.ticks.
type TicksInput struct {
	Count      int   `json:"count"`
	IntervalMS int64 `json:"interval_ms"`
}

// Background builds the coordinator namespace. peers lists the endpoints
// connected to the coordinator.
func Background(peers *endpoint.Registry, clk clock.Clock) procedure.Table {
	if clk == nil {
		clk = clock.New()
	}
	return procedure.Table{
		"ping": procedure.Query(func(context.Context, json.RawMessage) (any, error) {
			return "pong", nil
		}),
		"echo": procedure.Mutation(func(_ context.Context, input json.RawMessage) (any, error) {
			if len(input) == 0 {
				return nil, nil
			}
			return input, nil
		}),
		"peers.list": procedure.Query(func(context.Context, json.RawMessage) (any, error) {
			return ListPeers(peers), nil
		}),
		"clock.ticks": procedure.TypedSubscription(func(ctx context.Context, in TicksInput) (procedure.Stream, error) {
			return Ticks(clk, in)
		}),
	}
}

// ListPeers snapshots the endpoints of r.
func ListPeers(r *endpoint.Registry) []Peer {
	eps := r.Snapshot()
	out := make([]Peer, 0, len(eps))
	for _, ep := range eps {
		p := Peer{Name: endpoint.NameOf(ep)}
		if id, ok := endpoint.TargetOf(ep); ok {
			p.TargetID = &id
		}
		out = append(out, p)
	}
	return out
}

// Ticks streams 1..Count, one value per interval.
func Ticks(clk clock.Clock, in TicksInput) (procedure.Stream, error) {
	if in.Count <= 0 || in.Count > maxTicks {
		return nil, procedure.BadRequest("count must be between 1 and 10000")
	}
	interval := time.Duration(in.IntervalMS) * time.Millisecond
	if in.IntervalMS == 0 {
		interval = defaultTickInterval
	}
	if interval < minTickInterval {
		return nil, procedure.BadRequest("interval_ms must be at least 10")
	}
	n := 0
	return procedure.StreamFunc(func(ctx context.Context) (any, error) {
		if n >= in.Count {
			return nil, io.EOF
		}
		t := clk.Timer(interval)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		n++
		return n, nil
	}), nil
}
