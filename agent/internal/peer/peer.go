// Package peer keeps an agent connected to its coordinator.
package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gaspardpetit/bridgerpc/agent/internal/config"
	"github.com/gaspardpetit/bridgerpc/core/logx"
	"github.com/gaspardpetit/bridgerpc/core/reconnect"
	"github.com/gaspardpetit/bridgerpc/sdk/node"
	"github.com/gaspardpetit/bridgerpc/sdk/wsendpoint"
)

// clk times reconnect backoff and status reports.
var clk clock.Clock = clock.New()

// Run connects n to the coordinator at cfg.ServerURL and serves the link
// until ctx ends. With cfg.Reconnect it redials after every failure or
// disconnect; the backoff schedule restarts after a successful handshake.
func Run(ctx context.Context, cfg config.AgentConfig, n *node.Node) error {
	backoff := reconnect.NewBackoff(clk)
	for {
		connected, err := runOnce(ctx, cfg, n)
		if ctx.Err() != nil {
			return nil
		}
		if !cfg.Reconnect {
			return err
		}
		if connected {
			backoff.Reset()
		}
		d := backoff.Next()
		logx.Log.Warn().Err(err).Dur("delay", d).Int("attempt", backoff.Attempt()).Msg("reconnecting")
		if backoff.Wait(ctx, d) != nil {
			return nil
		}
	}
}

// runOnce dials and serves a single connection. connected reports whether
// the handshake succeeded.
func runOnce(ctx context.Context, cfg config.AgentConfig, n *node.Node) (connected bool, err error) {
	conn, err := wsendpoint.Dial(ctx, cfg.ServerURL, cfg.Name, wsendpoint.Options{Heartbeat: cfg.Heartbeat})
	if err != nil {
		return false, fmt.Errorf("connect %s: %w", cfg.ServerURL, err)
	}
	log := logx.Log.With().Str("server", cfg.ServerURL).Int64("target_id", conn.Assigned()).Logger()
	log.Info().Str("name", cfg.Name).Msg("connected to coordinator")

	sctx, stop := context.WithCancel(ctx)
	defer stop()
	go reportStatus(sctx, cfg.StatusInterval, n)

	err = n.Serve(ctx, conn)
	if err == nil && ctx.Err() == nil {
		err = errors.New("coordinator closed the connection")
	}
	log.Info().Err(err).Msg("disconnected from coordinator")
	return true, err
}

func reportStatus(ctx context.Context, interval time.Duration, n *node.Node) {
	if interval <= 0 {
		return
	}
	t := clk.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			logx.Log.Info().Int("live", n.Live()).Strs("namespaces", n.Namespaces()).Msg("status")
		case <-ctx.Done():
			return
		}
	}
}
