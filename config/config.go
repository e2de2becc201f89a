// Package config defines the TOML configuration surface of the beacon
// service. String durations ("30s", "5m", "2d") are parsed lazily
// through Get* accessors so a bad value surfaces as an error at the
// call site instead of a silent zero.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/beaconhq/beacon/helpers"
)

// LoggingConfig controls log output, format and level.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// RateLimitConfig bounds handshake attempts per client address.
type RateLimitConfig struct {
	Enabled    bool    `toml:"enabled"`
	PerSecond  float64 `toml:"per_second"` // sustained handshakes per second per IP
	Burst      int     `toml:"burst"`
	MaxEntries int     `toml:"max_entries"` // limiter table cap before oldest entries are evicted
}

// GatewayConfig holds the websocket gateway configuration.
type GatewayConfig struct {
	Start            bool            `toml:"start"`
	Addr             string          `toml:"addr"`
	Path             string          `toml:"path"`
	HandshakeTimeout string          `toml:"handshake_timeout"` // default 30s
	PingInterval     string          `toml:"ping_interval"`     // default 30s
	WriteTimeout     string          `toml:"write_timeout"`     // default 10s
	SendBuffer       int             `toml:"send_buffer"`       // per-connection outbound queue, default 64
	TLS              bool            `toml:"tls"`
	TLSCertFile      string          `toml:"tls_cert_file"`
	TLSKeyFile       string          `toml:"tls_key_file"`
	RateLimit        RateLimitConfig `toml:"rate_limit"`
}

func (c *GatewayConfig) GetHandshakeTimeout() (time.Duration, error) {
	return helpers.ParseDurationWithDefault(c.HandshakeTimeout, 30*time.Second)
}

func (c *GatewayConfig) GetPingInterval() (time.Duration, error) {
	return helpers.ParseDurationWithDefault(c.PingInterval, 30*time.Second)
}

func (c *GatewayConfig) GetWriteTimeout() (time.Duration, error) {
	return helpers.ParseDurationWithDefault(c.WriteTimeout, 10*time.Second)
}

// StoreConfig holds the resilience store configuration. The backend is
// a Redis-compatible service; when it is unreachable the circuit
// breaker degrades to a process-local store.
type StoreConfig struct {
	Addr             string `toml:"addr"`
	Password         string `toml:"password"`
	DB               int    `toml:"db"`
	KeyPrefix        string `toml:"key_prefix"`
	FailureThreshold int    `toml:"failure_threshold"` // consecutive failures before the circuit opens, default 3
	Cooldown         string `toml:"cooldown"`          // open-state duration before a probe, default 30s
	HealthyWindow    string `toml:"healthy_window"`    // sustained health before counters reset, default 30s
	OpTimeout        string `toml:"op_timeout"`        // per-operation timeout, default 5s
}

func (c *StoreConfig) GetCooldown() (time.Duration, error) {
	return helpers.ParseDurationWithDefault(c.Cooldown, 30*time.Second)
}

func (c *StoreConfig) GetHealthyWindow() (time.Duration, error) {
	return helpers.ParseDurationWithDefault(c.HealthyWindow, 30*time.Second)
}

func (c *StoreConfig) GetOpTimeout() (time.Duration, error) {
	return helpers.ParseDurationWithDefault(c.OpTimeout, 5*time.Second)
}

// AuthorityConfig points beacon at the session/credential authority's
// record store. Beacon only reads session records for handshake
// validation and expiry scheduling; it never writes them.
type AuthorityConfig struct {
	Host         string `toml:"host"`
	Port         string `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Name         string `toml:"name"`
	TLSMode      bool   `toml:"tls"`
	MaxConns     int    `toml:"max_conns"`
	QueryTimeout string `toml:"query_timeout"` // default 5s
}

func (c *AuthorityConfig) GetQueryTimeout() (time.Duration, error) {
	return helpers.ParseDurationWithDefault(c.QueryTimeout, 5*time.Second)
}

// LifecycleConfig tunes the server-side credential/session watcher.
type LifecycleConfig struct {
	ExpiryLeadTime   string `toml:"expiry_lead_time"`   // warn this long before credential expiry, default 2m
	IdleThreshold    string `toml:"idle_threshold"`     // session considered idle after this, default 5m
	ReplayBufferSize int    `toml:"replay_buffer_size"` // events retained for the poll path, default 1024
	RescanInterval   string `toml:"rescan_interval"`    // authority re-read cadence, default 1m
}

func (c *LifecycleConfig) GetExpiryLeadTime() (time.Duration, error) {
	return helpers.ParseDurationWithDefault(c.ExpiryLeadTime, 2*time.Minute)
}

func (c *LifecycleConfig) GetIdleThreshold() (time.Duration, error) {
	return helpers.ParseDurationWithDefault(c.IdleThreshold, 5*time.Minute)
}

func (c *LifecycleConfig) GetRescanInterval() (time.Duration, error) {
	return helpers.ParseDurationWithDefault(c.RescanInterval, time.Minute)
}

// APIConfig holds the HTTP API server (poll endpoint, admin surface,
// metrics, health) configuration.
type APIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"` // bearer key guarding admin routes
	AllowedHosts []string `toml:"allowed_hosts"`
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// ClusterConfig enables multi-node gateway coordination. Exactly one
// node (the cluster leader) runs the lifecycle scheduler so expiry
// events are emitted once.
type ClusterConfig struct {
	Enabled   bool     `toml:"enabled"`
	NodeID    string   `toml:"node_id"`
	BindAddr  string   `toml:"bind_addr"`
	BindPort  int      `toml:"bind_port"`
	Peers     []string `toml:"peers"`
	SecretKey string   `toml:"secret_key"` // base64, 32 bytes once decoded
}

// Config is the root configuration document.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Gateway   GatewayConfig   `toml:"gateway"`
	API       APIConfig       `toml:"api"`
	Store     StoreConfig     `toml:"store"`
	Authority AuthorityConfig `toml:"authority"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Cluster   ClusterConfig   `toml:"cluster"`
}

// NewDefaultConfig returns a Config with application defaults. Values
// from the config file and command-line flags override these.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Gateway: GatewayConfig{
			Start:      true,
			Addr:       ":8743",
			Path:       "/sync",
			SendBuffer: 64,
			RateLimit: RateLimitConfig{
				Enabled:    true,
				PerSecond:  1,
				Burst:      5,
				MaxEntries: 10000,
			},
		},
		API: APIConfig{
			Start: true,
			Addr:  ":8744",
		},
		Store: StoreConfig{
			Addr:             "localhost:6379",
			KeyPrefix:        "beacon:",
			FailureThreshold: 3,
		},
		Authority: AuthorityConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "beacon",
			Name:     "sessions",
			MaxConns: 10,
		},
		Lifecycle: LifecycleConfig{
			ReplayBufferSize: 1024,
		},
	}
}

// Load reads a TOML configuration file over the defaults.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}
