package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gaspardpetit/bridgerpc/core/logx"
	"github.com/gaspardpetit/bridgerpc/core/secret"
	"github.com/gaspardpetit/bridgerpc/sdk/handler"
	"github.com/gaspardpetit/bridgerpc/sdk/idempotency"
	"github.com/gaspardpetit/bridgerpc/sdk/node"
	"github.com/gaspardpetit/bridgerpc/server/internal/config"
	"github.com/gaspardpetit/bridgerpc/server/internal/metrics"
	"github.com/gaspardpetit/bridgerpc/server/internal/server"
	"github.com/gaspardpetit/bridgerpc/server/internal/serverstate"
	"github.com/gaspardpetit/bridgerpc/server/internal/services"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv()
	// Allow --config to override file path before loading it
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "bridgerpc version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("bridgerpc version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid config")
	}

	nodeOpts := []node.Option{node.WithLogger(logx.Log), node.WithRelayTimeout(cfg.RelayTimeout)}
	if cfg.RedisAddr != "" {
		rs, err := idempotency.NewRedisStore(cfg.RedisAddr, idempotency.RedisOptions{TTL: cfg.IdempotencyTTL})
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer rs.Close()
		nodeOpts = append(nodeOpts, node.WithIdempotency(rs))
		logx.Log.Info().Str("addr", secret.RedactURL(cfg.RedisAddr)).Msg("using redis idempotency store")
	} else {
		nodeOpts = append(nodeOpts, node.WithIdempotency(idempotency.New(idempotency.WithTTL(cfg.IdempotencyTTL))))
	}
	n := node.New(nodeOpts...)
	n.Host(cfg.Namespace, services.Background(n.Registry(), nil),
		handler.WithDisconnectPolicy(cfg.Policy()),
		handler.WithIdempotency(idempotency.New(idempotency.WithTTL(cfg.IdempotencyTTL))),
		handler.WithTombstoneTTL(cfg.IdempotencyTTL),
	)

	// server.New registers the collectors, so build info is set after it.
	h := server.New(cfg, n)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base := func(net.Listener) context.Context { return ctx }
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: h, BaseContext: base}
	var metricsSrv *http.Server
	if !cfg.SharedMetrics() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.Drain() == config.DrainNone {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			metrics.SetDraining(true)
			logx.Log.Info().Int("live", n.Live()).Msg("drain requested")
			go drain(ctx, cancel, n, cfg)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logx.Log.Info().Int("port", cfg.Port).Str("namespace", cfg.Namespace).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		n.Close()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
		return nil
	})
	serverstate.SetState(serverstate.StatusReady)
	if err := g.Wait(); err != nil {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}

// drain waits for live calls and subscriptions to finish, then terminates.
// A bounded drain also terminates once DrainTimeout elapses.
func drain(ctx context.Context, cancel context.CancelFunc, n *node.Node, cfg config.ServerConfig) {
	waitCtx := ctx
	switch cfg.Drain() {
	case config.DrainNone:
		cancel()
		return
	case config.DrainBounded:
		logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
		var stop context.CancelFunc
		waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
		defer stop()
	case config.DrainUnbounded:
		logx.Log.Info().Msg("draining without a deadline; send SIGTERM again to terminate immediately")
	}
	if n.Wait(waitCtx) {
		logx.Log.Info().Msg("drain complete; terminating")
		cancel()
		return
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		logx.Log.Warn().Int("live", n.Live()).Msg("drain timeout exceeded; terminating")
		cancel()
	}
}
