package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// APIConfig holds settings for the marketplace REST backend.
type APIConfig struct {
	// BaseURL is the root URL of the REST API (e.g., https://api.packrent.io).
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// TimeoutSec bounds a single HTTP request.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`

	// MaxRetries is how many times a rate-limited request is retried.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// AuthConfig holds token lifecycle settings.
type AuthConfig struct {
	// TokenLifetimeSec is the assumed lifetime of a freshly issued access token.
	TokenLifetimeSec int `mapstructure:"token_lifetime_sec" yaml:"token_lifetime_sec"`

	// LookaheadSec is the margin before expiry during which a token is refreshed.
	LookaheadSec int `mapstructure:"lookahead_sec" yaml:"lookahead_sec"`

	// CheckIntervalSec is how often the background freshness check runs.
	CheckIntervalSec int `mapstructure:"check_interval_sec" yaml:"check_interval_sec"`

	// KeyringDir is the directory used by the encrypted file keyring fallback.
	KeyringDir string `mapstructure:"keyring_dir" yaml:"keyring_dir"`
}

// RealtimeConfig holds websocket channel settings.
type RealtimeConfig struct {
	// URL is the websocket endpoint (e.g., wss://api.packrent.io/ws).
	URL string `mapstructure:"url" yaml:"url"`

	// ReconnectBaseMs is the first backoff delay; it doubles per attempt.
	ReconnectBaseMs int `mapstructure:"reconnect_base_ms" yaml:"reconnect_base_ms"`

	// ReconnectMaxMs caps a single backoff delay.
	ReconnectMaxMs int `mapstructure:"reconnect_max_ms" yaml:"reconnect_max_ms"`

	// MaxReconnectAttempts is how many reconnects are tried before giving up.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`

	// ResyncDelayMs is the wait between register and the resync request.
	ResyncDelayMs int `mapstructure:"resync_delay_ms" yaml:"resync_delay_ms"`

	// InstallationID identifies this client on register. Generated on first run.
	InstallationID string `mapstructure:"installation_id" yaml:"installation_id"`
}

// NotificationConfig holds synchronizer settings.
type NotificationConfig struct {
	PageSize        int `mapstructure:"page_size" yaml:"page_size"`
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	AlertCapacity   int `mapstructure:"alert_capacity" yaml:"alert_capacity"`

	// UserIDAttempts caps the profile fetches made while waiting for a user id.
	UserIDAttempts  int `mapstructure:"user_id_attempts" yaml:"user_id_attempts"`
	UserIDBackoffMs int `mapstructure:"user_id_backoff_ms" yaml:"user_id_backoff_ms"`
}

// StorageConfig holds local persistence settings.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	API           APIConfig          `mapstructure:"api" yaml:"api"`
	Auth          AuthConfig         `mapstructure:"auth" yaml:"auth"`
	Realtime      RealtimeConfig     `mapstructure:"realtime" yaml:"realtime"`
	Notifications NotificationConfig `mapstructure:"notifications" yaml:"notifications"`
	Storage       StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Log           LogConfig          `mapstructure:"log" yaml:"log"`
}

// TokenLifetime returns the configured access token lifetime.
func (c AuthConfig) TokenLifetime() time.Duration {
	return time.Duration(c.TokenLifetimeSec) * time.Second
}

// Lookahead returns the refresh lookahead window.
func (c AuthConfig) Lookahead() time.Duration {
	return time.Duration(c.LookaheadSec) * time.Second
}

// CheckInterval returns the background freshness check interval.
func (c AuthConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// ReconnectBase returns the first reconnect backoff delay.
func (c RealtimeConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMs) * time.Millisecond
}

// ReconnectMax returns the cap for a single reconnect delay.
func (c RealtimeConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMs) * time.Millisecond
}

// ResyncDelay returns the wait between register and resync.
func (c RealtimeConfig) ResyncDelay() time.Duration {
	return time.Duration(c.ResyncDelayMs) * time.Millisecond
}

// PollInterval returns the REST polling interval used while offline.
func (c NotificationConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// UserIDBackoff returns the first wait between user id resolution attempts.
func (c NotificationConfig) UserIDBackoff() time.Duration {
	return time.Duration(c.UserIDBackoffMs) * time.Millisecond
}

// configDir returns ~/.config/packrent, or the working directory when the
// home directory cannot be resolved.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "packrent")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/packrent/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// DefaultAppConfig returns a sensible default configuration.
func DefaultAppConfig() *AppConfig {
	dir := configDir()
	return &AppConfig{
		API: APIConfig{
			BaseURL:    "https://api.packrent.io",
			TimeoutSec: 30,
			MaxRetries: 3,
		},
		Auth: AuthConfig{
			TokenLifetimeSec: 3600,
			LookaheadSec:     300,
			CheckIntervalSec: 300,
			KeyringDir:       filepath.Join(dir, "credentials"),
		},
		Realtime: RealtimeConfig{
			URL:                  "wss://api.packrent.io/ws",
			ReconnectBaseMs:      1000,
			ReconnectMaxMs:       30000,
			MaxReconnectAttempts: 5,
			ResyncDelayMs:        500,
		},
		Notifications: NotificationConfig{
			PageSize:        50,
			PollIntervalSec: 60,
			AlertCapacity:   100,
			UserIDAttempts:  3,
			UserIDBackoffMs: 500,
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(dir, "packrent.db"),
		},
		Log: LogConfig{
			Level: "info",
			File:  filepath.Join(dir, "packrent.log"),
		},
	}
}

// setDefaults registers every default so that missing keys resolve and
// environment overrides are visible to Unmarshal.
func setDefaults(v *viper.Viper, cfg *AppConfig) {
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.timeout_sec", cfg.API.TimeoutSec)
	v.SetDefault("api.max_retries", cfg.API.MaxRetries)

	v.SetDefault("auth.token_lifetime_sec", cfg.Auth.TokenLifetimeSec)
	v.SetDefault("auth.lookahead_sec", cfg.Auth.LookaheadSec)
	v.SetDefault("auth.check_interval_sec", cfg.Auth.CheckIntervalSec)
	v.SetDefault("auth.keyring_dir", cfg.Auth.KeyringDir)

	v.SetDefault("realtime.url", cfg.Realtime.URL)
	v.SetDefault("realtime.reconnect_base_ms", cfg.Realtime.ReconnectBaseMs)
	v.SetDefault("realtime.reconnect_max_ms", cfg.Realtime.ReconnectMaxMs)
	v.SetDefault("realtime.max_reconnect_attempts", cfg.Realtime.MaxReconnectAttempts)
	v.SetDefault("realtime.resync_delay_ms", cfg.Realtime.ResyncDelayMs)
	v.SetDefault("realtime.installation_id", cfg.Realtime.InstallationID)

	v.SetDefault("notifications.page_size", cfg.Notifications.PageSize)
	v.SetDefault("notifications.poll_interval_sec", cfg.Notifications.PollIntervalSec)
	v.SetDefault("notifications.alert_capacity", cfg.Notifications.AlertCapacity)
	v.SetDefault("notifications.user_id_attempts", cfg.Notifications.UserIDAttempts)
	v.SetDefault("notifications.user_id_backoff_ms", cfg.Notifications.UserIDBackoffMs)

	v.SetDefault("storage.db_path", cfg.Storage.DBPath)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// PACKRENT_* environment variables override file values (PACKRENT_API_BASE_URL
// overrides api.base_url). A missing file yields the defaults plus overrides.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PACKRENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultAppConfig())

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks that required fields are set and numeric knobs are sane.
func (c *AppConfig) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url cannot be empty")
	}
	if c.Auth.TokenLifetimeSec <= 0 {
		return errors.New("auth.token_lifetime_sec must be > 0")
	}
	if c.Auth.LookaheadSec < 0 || c.Auth.LookaheadSec >= c.Auth.TokenLifetimeSec {
		return errors.New("auth.lookahead_sec must be within [0, token_lifetime_sec)")
	}
	if c.Notifications.AlertCapacity <= 0 {
		return errors.New("notifications.alert_capacity must be > 0")
	}
	if c.Notifications.PageSize <= 0 {
		return errors.New("notifications.page_size must be > 0")
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("api", cfg.API)
	v.Set("auth", cfg.Auth)
	v.Set("realtime", cfg.Realtime)
	v.Set("notifications", cfg.Notifications)
	v.Set("storage", cfg.Storage)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// EnsureInstallationID assigns a random installation id when cfg has none
// and writes the config back to path. It reports whether an id was created.
func EnsureInstallationID(path string, cfg *AppConfig) (bool, error) {
	if cfg.Realtime.InstallationID != "" {
		return false, nil
	}
	cfg.Realtime.InstallationID = uuid.New().String()
	if err := SaveConfig(path, cfg); err != nil {
		return true, fmt.Errorf("saving installation id: %w", err)
	}
	return true, nil
}
