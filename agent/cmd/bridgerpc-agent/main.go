package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gaspardpetit/bridgerpc/agent/internal/config"
	"github.com/gaspardpetit/bridgerpc/agent/internal/peer"
	"github.com/gaspardpetit/bridgerpc/agent/internal/services"
	"github.com/gaspardpetit/bridgerpc/core/logx"
	"github.com/gaspardpetit/bridgerpc/sdk/handler"
	"github.com/gaspardpetit/bridgerpc/sdk/node"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.AgentConfig
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()
	if *showVersion {
		fmt.Printf("bridgerpc-agent version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
		// Flags win over the file.
		_ = flag.CommandLine.Parse(os.Args[1:])
	}
	logx.Configure(cfg.LogLevel)
	policy, err := cfg.Policy()
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid config")
	}

	n := node.New(node.WithLogger(logx.Log))
	n.Host(cfg.Namespace, services.Agent(cfg.Name, nil, nil), handler.WithDisconnectPolicy(policy))
	defer n.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	logx.Log.Info().Str("name", cfg.Name).Str("namespace", cfg.Namespace).Str("server", cfg.ServerURL).Msg("agent starting")
	if err := peer.Run(ctx, cfg, n); err != nil {
		logx.Log.Fatal().Err(err).Msg("agent stopped")
	}
}
