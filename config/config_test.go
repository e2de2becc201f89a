package config

import (
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

const sampleConfig = `
[logging]
output = "stdout"
format = "json"
level = "debug"

[gateway]
addr = ":9000"
path = "/live"
ping_interval = "10s"

[gateway.rate_limit]
enabled = true
per_second = 2.5
burst = 10

[store]
addr = "redis-1:6379"
failure_threshold = 5
cooldown = "1m"

[lifecycle]
expiry_lead_time = "90s"
idle_threshold = "10m"

[cluster]
enabled = true
node_id = "gw-1"
peers = ["gw-2:7946", "gw-3:7946"]
`

func TestLoadOverridesDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	if _, err := toml.Decode(sampleConfig, &cfg); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if cfg.Logging.Format != "json" {
		t.Errorf("expected json format, got %q", cfg.Logging.Format)
	}
	if cfg.Gateway.Addr != ":9000" {
		t.Errorf("expected gateway addr :9000, got %q", cfg.Gateway.Addr)
	}
	if cfg.Gateway.RateLimit.PerSecond != 2.5 {
		t.Errorf("expected rate 2.5/s, got %v", cfg.Gateway.RateLimit.PerSecond)
	}
	// Unset sections keep their defaults.
	if cfg.API.Addr != ":8744" {
		t.Errorf("expected default API addr, got %q", cfg.API.Addr)
	}
	if cfg.Store.FailureThreshold != 5 {
		t.Errorf("expected threshold 5, got %d", cfg.Store.FailureThreshold)
	}
	if len(cfg.Cluster.Peers) != 2 {
		t.Errorf("expected 2 peers, got %v", cfg.Cluster.Peers)
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := NewDefaultConfig()

	d, err := cfg.Gateway.GetPingInterval()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 30*time.Second {
		t.Errorf("expected default ping interval 30s, got %v", d)
	}

	cfg.Lifecycle.ExpiryLeadTime = "90s"
	d, err = cfg.Lifecycle.GetExpiryLeadTime()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 90*time.Second {
		t.Errorf("expected 90s, got %v", d)
	}

	cfg.Store.Cooldown = "bogus"
	if _, err := cfg.Store.GetCooldown(); err == nil {
		t.Error("expected error for bogus cooldown")
	}
}
