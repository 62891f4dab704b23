package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Neo Trader Configuration

[broker]
login_url = "https://mis.kotaksecurities.com"
# Replaced at runtime by the baseUrl returned from MPIN validation
gateway_url = "https://gw-napi.kotaksecurities.com"
feed_url = "wss://mlhsm.kotaksecurities.com"
timeout = "30s"
rate_limit_rps = 5.0
rate_limit_burst = 10
# Gateway calls fail fast for breaker_cooldown after this many consecutive failures
breaker_failures = 5
breaker_cooldown = "30s"

[session]
# "file", "redis" or "none"
snapshot_backend = "file"
# Set a passphrase to encrypt the snapshot at rest
passphrase = ""

[scrip]
# Option strikes above this raw value are stored x100 in the catalog
strike_scale_threshold = 1000000.0
search_limit = 20
load_on_start = true
download_workers = 4

[feed]
heartbeat_interval = "25s"
max_instruments = 200
# Mirror normalized ticks to NATS when set, e.g. "nats://localhost:4222"
nats_url = ""
nats_subject_prefix = "ticks"

[orders]
verify_attempts = 3
verify_delay = "2s"
default_history_days = 3

[server]
listen_addr = ":8000"

[notify]
# "all", "orders_only" or "errors_only"
level = "all"
webhook_url = ""
telegram_bot_token = ""
telegram_chat_id = ""

[log]
level = "info"
console = true
file = true
`

const credentialsTemplate = `# Neo Trader Credentials
# Keep this file private (mode 0600). Environment variables NEO_* override these.

[neo]
mobile_number = ""
ucc = ""
mpin = ""
access_token = ""
# Base32 TOTP secret; leave empty to type the code at login
totp_secret = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return nil
}
