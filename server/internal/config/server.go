package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/bridgerpc/core/config"
	"github.com/gaspardpetit/bridgerpc/sdk/handler"
	"github.com/gaspardpetit/bridgerpc/sdk/idempotency"
	"github.com/gaspardpetit/bridgerpc/sdk/node"
)

// ServerConfig holds configuration for the bridgerpc coordinator.
type ServerConfig struct {
	Port             int           `yaml:"port"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	LogLevel         string        `yaml:"log_level"`
	ConfigFile       string        `yaml:"-"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	RedisAddr        string        `yaml:"redis_addr"`
	IdempotencyTTL   time.Duration `yaml:"idempotency_ttl"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
	DisconnectPolicy string        `yaml:"disconnect_policy"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	RelayTimeout     time.Duration `yaml:"relay_timeout"`
	Namespace        string        `yaml:"namespace"`
}

// DrainMode is what the first shutdown signal does.
type DrainMode int

const (
	// DrainNone terminates immediately.
	DrainNone DrainMode = iota
	// DrainBounded waits for live work for at most DrainTimeout.
	DrainBounded
	// DrainUnbounded waits for live work however long it takes.
	DrainUnbounded
)

func (m DrainMode) String() string {
	switch m {
	case DrainBounded:
		return "bounded"
	case DrainUnbounded:
		return "unbounded"
	default:
		return "none"
	}
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = idempotency.DefaultTTL
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 20 * time.Second
	}
	if c.DisconnectPolicy == "" {
		c.DisconnectPolicy = handler.PolicyKeep.String()
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = time.Minute
	}
	if c.RelayTimeout == 0 {
		c.RelayTimeout = node.DefaultRelayTimeout
	}
	if c.Namespace == "" {
		c.Namespace = "background"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("server.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := commoncfg.GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	} else if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = commoncfg.SplitComma(v)
	}
	if v := commoncfg.GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	envDuration("IDEMPOTENCY_TTL", &c.IdempotencyTTL)
	envDuration("HEARTBEAT_INTERVAL", &c.Heartbeat)
	envDuration("DRAIN_TIMEOUT", &c.DrainTimeout)
	envDuration("RELAY_TIMEOUT", &c.RelayTimeout)
	if v := commoncfg.GetEnv("DISCONNECT_POLICY", ""); v != "" {
		c.DisconnectPolicy = v
	}
	if v := commoncfg.GetEnv("NAMESPACE", ""); v != "" {
		c.Namespace = v
	}
}

// BindFlagsFromCurrent binds command line flags using the current config values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the websocket and state endpoints")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.Func("allowed-origins", "comma separated list of allowed CORS and websocket origins", func(v string) error {
		c.AllowedOrigins = commoncfg.SplitComma(v)
		return nil
	})
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for the shared idempotency store")
	fs.DurationVar(&c.IdempotencyTTL, "idempotency-ttl", c.IdempotencyTTL, "how long an idempotency key is remembered")
	fs.DurationVar(&c.Heartbeat, "heartbeat", c.Heartbeat, "websocket ping interval (0 disables pings)")
	fs.StringVar(&c.DisconnectPolicy, "disconnect-policy", c.DisconnectPolicy, "what happens to subscriptions when their endpoint disconnects (keep, abort)")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for live calls and subscriptions on shutdown (negative, e.g. -1s, to wait indefinitely; 0 to exit immediately)")
	fs.DurationVar(&c.RelayTimeout, "relay-timeout", c.RelayTimeout, "bound on each send when relaying traffic to a peer")
	fs.StringVar(&c.Namespace, "namespace", c.Namespace, "namespace served by the coordinator")
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Validate reports settings that cannot be used.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := handler.ParsePolicy(c.DisconnectPolicy); err != nil {
		return err
	}
	if strings.TrimSpace(c.Namespace) == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if c.RelayTimeout <= 0 {
		return fmt.Errorf("relay_timeout must be positive, got %v", c.RelayTimeout)
	}
	return nil
}

// Drain reports how shutdown treats live calls and subscriptions.
func (c *ServerConfig) Drain() DrainMode {
	switch {
	case c.DrainTimeout == 0:
		return DrainNone
	case c.DrainTimeout < 0:
		return DrainUnbounded
	default:
		return DrainBounded
	}
}

// Policy returns the parsed disconnect policy, defaulting to keep.
func (c *ServerConfig) Policy() handler.Policy {
	p, err := handler.ParsePolicy(c.DisconnectPolicy)
	if err != nil {
		return handler.PolicyKeep
	}
	return p
}

// SharedMetrics reports whether /metrics is served on the main port.
func (c *ServerConfig) SharedMetrics() bool {
	return c.MetricsAddr == fmt.Sprintf(":%d", c.Port)
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func envDuration(key string, dst *time.Duration) {
	v := commoncfg.GetEnv(key, "")
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
