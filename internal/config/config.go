// Package config loads and validates the netwired TOML configuration:
// listener and context limits, timeout defaults, reconnect backoff and
// the transport-security block.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type ListenerConfig struct {
	Bind             string `toml:"bind"`
	Port             int    `toml:"port"`
	Backlog          int    `toml:"backlog"`
	Workers          int    `toml:"workers"`
	ProtocolDispatch bool   `toml:"protocol_dispatch"`
}

type ContextConfig struct {
	PoolSize       int    `toml:"pool_size"`
	MaxConnections int    `toml:"max_connections"`
	MaxEndpoints   int    `toml:"max_endpoints"`
	DefaultTimeout string `toml:"default_timeout"`
	PollInterval   string `toml:"poll_interval"`
}

type TimeoutConfig struct {
	Connect   string `toml:"connect"`
	Operation string `toml:"operation"`
	Idle      string `toml:"idle"`
}

type BackoffConfig struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type AdminConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	AuthToken   string   `toml:"auth_token"`
}

type NodeConfig struct {
	Name     string         `toml:"name"`
	Listener ListenerConfig `toml:"listener"`
	Context  ContextConfig  `toml:"context"`
	Timeouts TimeoutConfig  `toml:"timeouts"`
	Backoff  BackoffConfig  `toml:"backoff"`
	Security SecurityConfig `toml:"security"`
	Admin    AdminConfig    `toml:"admin"`
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Name: "netwired",
		Listener: ListenerConfig{
			Bind:             "0.0.0.0",
			Port:             9300,
			Backlog:          128,
			Workers:          2,
			ProtocolDispatch: true,
		},
		Context: ContextConfig{
			PoolSize:       2,
			MaxConnections: 64,
			MaxEndpoints:   256,
			DefaultTimeout: "30s",
			PollInterval:   "100ms",
		},
		Timeouts: TimeoutConfig{
			Connect:   "5s",
			Operation: "15s",
			Idle:      "60s",
		},
		Backoff: BackoffConfig{
			InitialDelay: "250ms",
			Multiplier:   2.0,
			MaxDelay:     "5s",
			Jitter:       true,
		},
		Security: SecurityConfig{
			Mode: string(SecurityModeDevelopment),
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    ":9301",
		},
	}
}

// LoadNodeConfig reads path, overlays it on the defaults and validates
// the result.
func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func (c NodeConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("config: missing name")
	}
	if c.Listener.Port < 0 || c.Listener.Port > 65535 {
		return fmt.Errorf("config: invalid listener port %d", c.Listener.Port)
	}
	if c.Context.PoolSize < 0 {
		return fmt.Errorf("config: invalid pool_size %d", c.Context.PoolSize)
	}
	for name, raw := range map[string]string{
		"context.default_timeout": c.Context.DefaultTimeout,
		"context.poll_interval":   c.Context.PollInterval,
		"timeouts.connect":        c.Timeouts.Connect,
		"timeouts.operation":      c.Timeouts.Operation,
		"timeouts.idle":           c.Timeouts.Idle,
		"backoff.initial_delay":   c.Backoff.InitialDelay,
		"backoff.max_delay":       c.Backoff.MaxDelay,
	} {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return c.Security.Validate()
}

// Duration accessors; Validate guarantees these parse.

func (c ContextConfig) DefaultTimeoutDuration() time.Duration {
	return mustDuration(c.DefaultTimeout)
}

func (c ContextConfig) PollIntervalDuration() time.Duration {
	return mustDuration(c.PollInterval)
}

func (c TimeoutConfig) ConnectDuration() time.Duration {
	return mustDuration(c.Connect)
}

func (c TimeoutConfig) OperationDuration() time.Duration {
	return mustDuration(c.Operation)
}

func (c TimeoutConfig) IdleDuration() time.Duration {
	return mustDuration(c.Idle)
}

func (c BackoffConfig) InitialDelayDuration() time.Duration {
	return mustDuration(c.InitialDelay)
}

func (c BackoffConfig) MaxDelayDuration() time.Duration {
	return mustDuration(c.MaxDelay)
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty duration")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

func mustDuration(raw string) time.Duration {
	d, err := parseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
