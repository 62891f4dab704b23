package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWritesTemplatesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, name := range []string{"config.toml", "credentials.toml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
	if cfg.Broker.GatewayURL != DefaultGatewayURL || cfg.Broker.FinKey != DefaultFinKey {
		t.Errorf("broker defaults = %+v", cfg.Broker)
	}
	if cfg.Orders.VerifyAttempts != 3 || cfg.Orders.VerifyDelay != 2*time.Second {
		t.Errorf("orders defaults = %+v", cfg.Orders)
	}
	if cfg.Session.SnapshotPath != filepath.Join(dir, "session.json") || cfg.Ledger.Path != filepath.Join(dir, "orders.db") {
		t.Errorf("derived paths = %q, %q", cfg.Session.SnapshotPath, cfg.Ledger.Path)
	}
	if cfg.Scrip.StrikeScaleThreshold != 1_000_000 || cfg.Scrip.DownloadWorkers != 4 {
		t.Errorf("scrip defaults = %+v", cfg.Scrip)
	}
}

func TestLoadReadsFilesAndEnv(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0600); err != nil {
			t.Fatal(err)
		}
	}
	write("config.toml", `
[broker]
rate_limit_rps = 2.5
breaker_cooldown = "1m"

[notify]
level = "orders_only"
webhook_url = "http://hooks.test/neo"
`)
	write("credentials.toml", `
[neo]
mobile_number = "9876543210"
ucc = "AB123"
mpin = "111111"
`)
	t.Setenv("NEO_MPIN", "654321")
	t.Setenv("NEO_LISTEN_ADDR", "127.0.0.1:9000")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.RateLimitRPS != 2.5 || cfg.Broker.BreakerCooldown != time.Minute {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Notify.Level != "orders_only" || cfg.Notify.WebhookURL != "http://hooks.test/neo" {
		t.Errorf("notify = %+v", cfg.Notify)
	}
	if cfg.Credentials.UCC != "AB123" || cfg.Credentials.MPIN != "654321" {
		t.Errorf("credentials = %+v", cfg.Credentials)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Broker: BrokerConfig{
				LoginURL:     DefaultLoginURL,
				GatewayURL:   DefaultGatewayURL,
				FeedURL:      DefaultFeedURL,
				RateLimitRPS: 5,
			},
			Session: SessionConfig{SnapshotBackend: "file"},
			Scrip:   ScripConfig{StrikeScaleThreshold: 1e6},
			Feed:    FeedConfig{MaxInstruments: 200, HeartbeatInterval: time.Second},
			Orders:  OrdersConfig{VerifyAttempts: 3},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative gateway", func(c *Config) { c.Broker.GatewayURL = "/napi" }, "broker.gateway_url"},
		{"zero rate", func(c *Config) { c.Broker.RateLimitRPS = 0 }, "rate_limit_rps"},
		{"unknown backend", func(c *Config) { c.Session.SnapshotBackend = "etcd" }, "snapshot_backend"},
		{"zero capacity", func(c *Config) { c.Feed.MaxInstruments = 0 }, "max_instruments"},
		{"negative delay", func(c *Config) { c.Orders.VerifyDelay = -time.Second }, "verify_delay"},
		{"notify level", func(c *Config) { c.Notify.Level = "loud" }, "notify.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
