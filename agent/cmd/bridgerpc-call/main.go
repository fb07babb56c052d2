package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gaspardpetit/bridgerpc/core/logx"
	"github.com/gaspardpetit/bridgerpc/sdk/client"
	"github.com/gaspardpetit/bridgerpc/sdk/node"
	"github.com/gaspardpetit/bridgerpc/sdk/wsendpoint"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

type options struct {
	ServerURL string
	Name      string
	Namespace string
	Path      string
	Type      string
	Input     string
	Count     int
	Timeout   time.Duration
}

func bindFlags(fs *flag.FlagSet, o *options) {
	fs.StringVar(&o.ServerURL, "server-url", "ws://localhost:8080/connect", "coordinator websocket URL")
	fs.StringVar(&o.Name, "name", "bridgerpc-call", "client name announced to procedures")
	fs.StringVar(&o.Namespace, "ns", "background", "target namespace")
	fs.StringVar(&o.Path, "path", "ping", "procedure path")
	fs.StringVar(&o.Type, "type", "query", "procedure kind (query, mutation, subscription)")
	fs.StringVar(&o.Input, "input", "", "JSON input")
	fs.IntVar(&o.Count, "count", 0, "stop a subscription after this many outputs (0 waits for the end)")
	fs.DurationVar(&o.Timeout, "timeout", 30*time.Second, "overall deadline (0 disables)")
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	logLevel := flag.String("log-level", "warn", "log verbosity (all, debug, info, warn, error, fatal, none)")
	var o options
	bindFlags(flag.CommandLine, &o)
	flag.Parse()
	if *showVersion {
		fmt.Printf("bridgerpc-call version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(*logLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if o.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, o.Timeout)
		defer stop()
	}
	if err := run(ctx, o, os.Stdout); err != nil {
		logx.Log.Error().Err(err).Msg("call failed")
		os.Exit(1)
	}
}

// run connects, performs one call and prints every output as a JSON line.
func run(ctx context.Context, o options, out io.Writer) error {
	var input any
	if o.Input != "" {
		if !json.Valid([]byte(o.Input)) {
			return fmt.Errorf("input is not valid JSON")
		}
		input = json.RawMessage(o.Input)
	}
	conn, err := wsendpoint.Dial(ctx, o.ServerURL, o.Name, wsendpoint.Options{})
	if err != nil {
		return err
	}
	n := node.New(node.WithLogger(logx.Log))
	sctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = n.Serve(sctx, conn) }()

	m := client.New(n, client.WithClientName(o.Name), client.WithLogger(logx.Log))
	n.Attach(m)
	defer m.Close()
	ns := m.Namespace(o.Namespace)

	emit := func(v json.RawMessage) error {
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		_, err := fmt.Fprintln(out, string(v))
		return err
	}
	switch o.Type {
	case "query", "mutation":
		var res json.RawMessage
		if o.Type == "query" {
			err = ns.Query(ctx, o.Path, input, &res)
		} else {
			err = ns.Mutate(ctx, o.Path, input, &res)
		}
		if err != nil {
			return err
		}
		return emit(res)
	case "subscription":
		sub, err := ns.Subscribe(ctx, o.Path, input)
		if err != nil {
			return err
		}
		defer sub.Close()
		for i := 0; o.Count == 0 || i < o.Count; i++ {
			v, err := sub.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := emit(v); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown type %q", o.Type)
	}
}
