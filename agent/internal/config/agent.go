package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/bridgerpc/core/config"
	"github.com/gaspardpetit/bridgerpc/sdk/handler"
)

// AgentConfig holds configuration for a bridgerpc peer agent.
type AgentConfig struct {
	ServerURL        string        `yaml:"server_url"`
	Name             string        `yaml:"name"`
	Namespace        string        `yaml:"namespace"`
	Reconnect        bool          `yaml:"reconnect"`
	LogLevel         string        `yaml:"log_level"`
	ConfigFile       string        `yaml:"-"`
	StatusInterval   time.Duration `yaml:"status_interval"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
	DisconnectPolicy string        `yaml:"disconnect_policy"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags on fs so main can call Parse.
func (c *AgentConfig) BindFlags(fs *flag.FlagSet) {
	c.ConfigFile = commoncfg.GetEnv("CONFIG_FILE", commoncfg.DefaultConfigPath("agent.yaml"))
	c.LogLevel = commoncfg.GetEnv("LOG_LEVEL", "info")
	c.ServerURL = commoncfg.GetEnv("SERVER_URL", "ws://localhost:8080/connect")
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent-" + uuid.NewString()[:8]
	}
	c.Name = commoncfg.GetEnv("AGENT_NAME", host)
	c.Namespace = commoncfg.GetEnv("NAMESPACE", "agent")
	if b, err := strconv.ParseBool(commoncfg.GetEnv("RECONNECT", "false")); err == nil {
		c.Reconnect = b
	}
	if d, err := time.ParseDuration(commoncfg.GetEnv("STATUS_INTERVAL", "1m")); err == nil {
		c.StatusInterval = d
	} else {
		c.StatusInterval = time.Minute
	}
	if d, err := time.ParseDuration(commoncfg.GetEnv("HEARTBEAT_INTERVAL", "20s")); err == nil {
		c.Heartbeat = d
	} else {
		c.Heartbeat = 20 * time.Second
	}
	c.DisconnectPolicy = commoncfg.GetEnv("DISCONNECT_POLICY", handler.PolicyKeep.String())

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "agent config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.ServerURL, "server-url", c.ServerURL, "coordinator websocket URL (e.g. ws://localhost:8080/connect)")
	fs.StringVar(&c.Name, "name", c.Name, "agent display name announced to the coordinator")
	fs.StringVar(&c.Namespace, "namespace", c.Namespace, "namespace served by this agent")
	fs.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "reconnect to the coordinator on failure")
	fs.BoolVar(&c.Reconnect, "r", c.Reconnect, "short for --reconnect")
	fs.DurationVar(&c.StatusInterval, "status-interval", c.StatusInterval, "how often to log connection status (0 disables)")
	fs.DurationVar(&c.Heartbeat, "heartbeat", c.Heartbeat, "websocket ping interval (0 disables pings)")
	fs.StringVar(&c.DisconnectPolicy, "disconnect-policy", c.DisconnectPolicy, "what happens to subscriptions when the coordinator link drops (keep, abort)")
}

// LoadFile populates the config from a YAML file. Fields already set remain unless
// overwritten by corresponding entries in the file.
func (c *AgentConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Policy returns the parsed disconnect policy.
func (c *AgentConfig) Policy() (handler.Policy, error) {
	return handler.ParsePolicy(c.DisconnectPolicy)
}
