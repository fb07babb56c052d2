// Package services holds the procedures a peer agent serves.
package services

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gaspardpetit/bridgerpc/sdk/procedure"
)

const (
	defaultLoadInterval = time.Second
	minLoadInterval     = 100 * time.Millisecond
)

// HostInfo is returned by host.info.
type HostInfo struct {
	Name            string `json:"name"`
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	Arch            string `json:"arch"`
	UptimeSeconds   uint64 `json:"uptime_seconds"`
	Procs           uint64 `json:"procs"`
}

// Load is one host.load sample.
type Load struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryTotal   uint64  `json:"memory_total"`
}

// LoadInput configures host.load. Count zero streams until stopped.
type LoadInput struct {
	IntervalMS int64 `json:"interval_ms"`
	Count      int   `json:"count"`
}

// Sampler reads host statistics.
type Sampler interface {
	Info(ctx context.Context) (HostInfo, error)
	Load(ctx context.Context) (Load, error)
}

// System samples the local machine with gopsutil.
type System struct{}

func (System) Info(ctx context.Context) (HostInfo, error) {
	st, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostInfo{}, err
	}
	return HostInfo{
		Hostname:        st.Hostname,
		OS:              st.OS,
		Platform:        st.Platform,
		PlatformVersion: st.PlatformVersion,
		KernelVersion:   st.KernelVersion,
		Arch:            st.KernelArch,
		UptimeSeconds:   st.Uptime,
		Procs:           st.Procs,
	}, nil
}

func (System) Load(ctx context.Context) (Load, error) {
	var l Load
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return l, err
	}
	if len(pct) > 0 {
		l.CPUPercent = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return l, err
	}
	l.MemoryPercent = vm.UsedPercent
	l.MemoryUsed = vm.Used
	l.MemoryTotal = vm.Total
	return l, nil
}

// Agent builds the agent namespace. name is reported by host.info.
func Agent(name string, s Sampler, clk clock.Clock) procedure.Table {
	if s == nil {
		s = System{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return procedure.Table{
		"ping": procedure.Query(func(context.Context, json.RawMessage) (any, error) {
			return "pong", nil
		}),
		"host.info": procedure.Query(func(ctx context.Context, _ json.RawMessage) (any, error) {
			info, err := s.Info(ctx)
			if err != nil {
				return nil, err
			}
			info.Name = name
			return info, nil
		}),
		"host.load": procedure.TypedSubscription(func(ctx context.Context, in LoadInput) (procedure.Stream, error) {
			return LoadStream(s, clk, in)
		}),
	}
}

// LoadStream samples s once per interval. The first sample is taken
// immediately.
func LoadStream(s Sampler, clk clock.Clock, in LoadInput) (procedure.Stream, error) {
	interval := time.Duration(in.IntervalMS) * time.Millisecond
	if in.IntervalMS == 0 {
		interval = defaultLoadInterval
	}
	if interval < minLoadInterval {
		return nil, procedure.BadRequest("interval_ms must be at least 100")
	}
	if in.Count < 0 {
		return nil, procedure.BadRequest("count must not be negative")
	}
	sent := 0
	return procedure.StreamFunc(func(ctx context.Context) (any, error) {
		if in.Count > 0 && sent >= in.Count {
			return nil, io.EOF
		}
		if sent > 0 {
			t := clk.Timer(interval)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		l, err := s.Load(ctx)
		if err != nil {
			return nil, err
		}
		sent++
		return l, nil
	}), nil
}
