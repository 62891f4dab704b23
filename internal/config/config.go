// Package config provides configuration management for the broker integration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"neo-trader/internal/logging"
)

// Default broker endpoints.
const (
	DefaultLoginURL   = "https://mis.kotaksecurities.com"
	DefaultGatewayURL = "https://gw-napi.kotaksecurities.com"
	DefaultFeedURL    = "wss://mlhsm.kotaksecurities.com"
	DefaultFinKey     = "neotradeapi"
)

// Config holds all application configuration.
type Config struct {
	Broker      BrokerConfig      `mapstructure:"broker"`
	Session     SessionConfig     `mapstructure:"session"`
	Scrip       ScripConfig       `mapstructure:"scrip"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Orders      OrdersConfig      `mapstructure:"orders"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Server      ServerConfig      `mapstructure:"server"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Log         logging.LogConfig `mapstructure:"log"`
	Credentials Credentials       `mapstructure:"-"` // Loaded separately
}

// BrokerConfig holds REST endpoint and client settings.
type BrokerConfig struct {
	LoginURL       string        `mapstructure:"login_url"`
	GatewayURL     string        `mapstructure:"gateway_url"`
	FeedURL        string        `mapstructure:"feed_url"`
	FinKey         string        `mapstructure:"fin_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`

	// Consecutive gateway failures before calls fail fast, and how long
	// they do so.
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// SessionConfig controls where the session snapshot lives.
type SessionConfig struct {
	SnapshotBackend string `mapstructure:"snapshot_backend"` // "file" or "redis"
	SnapshotPath    string `mapstructure:"snapshot_path"`
	Passphrase      string `mapstructure:"passphrase"`
	RedisAddr       string `mapstructure:"redis_addr"`
	RedisPassword   string `mapstructure:"redis_password"`
	RedisDB         int    `mapstructure:"redis_db"`
	RedisKey        string `mapstructure:"redis_key"`
}

// ScripConfig holds instrument catalog settings.
type ScripConfig struct {
	StrikeScaleThreshold float64 `mapstructure:"strike_scale_threshold"`
	SearchLimit          int     `mapstructure:"search_limit"`
	LoadOnStart          bool    `mapstructure:"load_on_start"`
	DownloadWorkers      int     `mapstructure:"download_workers"`
}

// FeedConfig holds streaming settings.
type FeedConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	MaxInstruments    int           `mapstructure:"max_instruments"`
	NATSURL           string        `mapstructure:"nats_url"`
	NATSSubjectPrefix string        `mapstructure:"nats_subject_prefix"`
}

// OrdersConfig holds order verification settings.
type OrdersConfig struct {
	VerifyAttempts     int           `mapstructure:"verify_attempts"`
	VerifyDelay        time.Duration `mapstructure:"verify_delay"`
	DefaultHistoryDays int           `mapstructure:"default_history_days"`
}

// LedgerConfig holds the local order ledger location.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// NotifyConfig holds outbound notification channels. Nothing is sent
// unless a webhook URL or a Telegram bot and chat are set.
type NotifyConfig struct {
	Level            string        `mapstructure:"level"`
	WebhookURL       string        `mapstructure:"webhook_url"`
	TelegramBotToken string        `mapstructure:"telegram_bot_token"`
	TelegramChatID   string        `mapstructure:"telegram_chat_id"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// Credentials holds broker login factors.
type Credentials struct {
	MobileNumber string `mapstructure:"mobile_number"`
	UCC          string `mapstructure:"ucc"`
	MPIN         string `mapstructure:"mpin"`
	AccessToken  string `mapstructure:"access_token"`
	TOTPSecret   string `mapstructure:"totp_secret"` // For unattended step one
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/neo-trader"
	}
	return filepath.Join(home, ".config", "neo-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env values never override variables already set in the environment.
	loadDotEnv(filepath.Join(configDir, ".env"), ".env")

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyDerivedDefaults(configDir, cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.login_url", DefaultLoginURL)
	v.SetDefault("broker.gateway_url", DefaultGatewayURL)
	v.SetDefault("broker.feed_url", DefaultFeedURL)
	v.SetDefault("broker.fin_key", DefaultFinKey)
	v.SetDefault("broker.timeout", 30*time.Second)
	v.SetDefault("broker.rate_limit_rps", 5.0)
	v.SetDefault("broker.rate_limit_burst", 10)
	v.SetDefault("broker.breaker_failures", 5)
	v.SetDefault("broker.breaker_cooldown", 30*time.Second)

	v.SetDefault("session.snapshot_backend", "file")
	v.SetDefault("session.redis_addr", "localhost:6379")
	v.SetDefault("session.redis_key", "neo-trader:session")

	v.SetDefault("scrip.strike_scale_threshold", 1_000_000.0)
	v.SetDefault("scrip.search_limit", 20)
	v.SetDefault("scrip.load_on_start", true)
	v.SetDefault("scrip.download_workers", 4)

	v.SetDefault("feed.heartbeat_interval", 25*time.Second)
	v.SetDefault("feed.handshake_timeout", 15*time.Second)
	v.SetDefault("feed.max_instruments", 200)
	v.SetDefault("feed.nats_subject_prefix", "ticks")

	v.SetDefault("orders.verify_attempts", 3)
	v.SetDefault("orders.verify_delay", 2*time.Second)
	v.SetDefault("orders.default_history_days", 3)

	v.SetDefault("notify.level", "all")
	v.SetDefault("notify.timeout", 10*time.Second)

	v.SetDefault("server.listen_addr", ":8000")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	logDefaults := logging.DefaultLogConfig()
	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.console", logDefaults.Console)
	v.SetDefault("log.file", logDefaults.File)
	v.SetDefault("log.file_path", logDefaults.FilePath)
	v.SetDefault("log.max_size", logDefaults.MaxSize)
	v.SetDefault("log.max_backups", logDefaults.MaxBackups)
	v.SetDefault("log.max_age", logDefaults.MaxAge)
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		if err := createTemplateCredentials(configDir); err != nil {
			return err
		}
		return nil
	}

	return v.UnmarshalKey("neo", creds)
}

func applyDerivedDefaults(configDir string, cfg *Config) {
	if cfg.Session.SnapshotPath == "" {
		cfg.Session.SnapshotPath = filepath.Join(configDir, "session.json")
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = filepath.Join(configDir, "orders.db")
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NEO_MOBILE_NUMBER"); v != "" {
		cfg.Credentials.MobileNumber = v
	}
	if v := os.Getenv("NEO_UCC"); v != "" {
		cfg.Credentials.UCC = v
	}
	if v := os.Getenv("NEO_MPIN"); v != "" {
		cfg.Credentials.MPIN = v
	}
	if v := os.Getenv("NEO_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.AccessToken = v
	}
	if v := os.Getenv("NEO_TOTP_SECRET"); v != "" {
		cfg.Credentials.TOTPSecret = v
	}

	if v := os.Getenv("NEO_LOGIN_URL"); v != "" {
		cfg.Broker.LoginURL = v
	}
	if v := os.Getenv("NEO_GATEWAY_URL"); v != "" {
		cfg.Broker.GatewayURL = v
	}
	if v := os.Getenv("NEO_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("NEO_SESSION_PASSPHRASE"); v != "" {
		cfg.Session.Passphrase = v
	}
	if v := os.Getenv("NEO_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notify.TelegramBotToken = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"broker.login_url":   c.Broker.LoginURL,
		"broker.gateway_url": c.Broker.GatewayURL,
		"broker.feed_url":    c.Broker.FeedURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}

	if c.Broker.RateLimitRPS <= 0 {
		return fmt.Errorf("broker.rate_limit_rps must be positive")
	}

	switch c.Session.SnapshotBackend {
	case "file", "redis", "none":
	default:
		return fmt.Errorf("invalid session.snapshot_backend: %s (must be 'file', 'redis' or 'none')", c.Session.SnapshotBackend)
	}

	if c.Scrip.StrikeScaleThreshold <= 0 {
		return fmt.Errorf("scrip.strike_scale_threshold must be positive")
	}
	if c.Feed.MaxInstruments <= 0 {
		return fmt.Errorf("feed.max_instruments must be positive")
	}
	if c.Feed.HeartbeatInterval <= 0 {
		return fmt.Errorf("feed.heartbeat_interval must be positive")
	}
	if c.Orders.VerifyAttempts <= 0 {
		return fmt.Errorf("orders.verify_attempts must be positive")
	}
	if c.Orders.VerifyDelay < 0 {
		return fmt.Errorf("orders.verify_delay must be non-negative")
	}

	switch c.Notify.Level {
	case "", "all", "orders_only", "errors_only":
	default:
		return fmt.Errorf("invalid notify.level: %s (must be 'all', 'orders_only' or 'errors_only')", c.Notify.Level)
	}

	return nil
}
