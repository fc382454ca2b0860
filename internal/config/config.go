package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AccountConfig describes one connected platform account.
type AccountConfig struct {
	// PlatformID is the unique identifier of this connected account.
	// Credentials, sessions, tasks and cursors are all keyed by it.
	PlatformID string `yaml:"platform_id"`
	// ClientID is the creator this account belongs to.
	ClientID string `yaml:"client_id"`
	// Platform names the adapter type: "patreon", "fanforge".
	Platform    string `yaml:"platform"`
	DisplayName string `yaml:"display_name"`

	// LoginUserEnv/LoginPassEnv name env vars holding credentials for the
	// automated browser re-login path. Unset means manual recapture only.
	LoginUserEnv string `yaml:"login_user_env"`
	LoginPassEnv string `yaml:"login_pass_env"`
}

// ScheduleConfig binds an activity-poll cron expression to a platform account.
type ScheduleConfig struct {
	PlatformID string `yaml:"platform_id"`
	Cron       string `yaml:"cron"`
}

// BrowserConfig controls how automation engines are launched.
type BrowserConfig struct {
	// Launcher selects the engine source: "local" (exec allocator),
	// "docker" (headless-shell container) or "remote" (existing ws endpoint).
	Launcher string `yaml:"launcher"`
	Image    string `yaml:"image"`     // docker launcher image
	RemoteWS string `yaml:"remote_ws"` // remote launcher endpoint
	// MaxEngines bounds the number of cached browser instances across accounts.
	MaxEngines int `yaml:"max_engines"`
	// SessionMaxAgeHours expires captured sessions after this many hours. 0 uses default (720h).
	SessionMaxAgeHours int `yaml:"session_max_age_hours"`
	// ScreenshotDir receives diagnostic screenshots. Empty uses <home>/screenshots.
	ScreenshotDir string `yaml:"screenshot_dir"`
}

// TelegramConfig configures the operator alert channel.
type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	Enabled bool    `yaml:"enabled"`
}

// GatewayConfig configures the local HTTP/WebSocket event surface.
type GatewayConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	Enabled   bool   `yaml:"enabled"`
}

// OtelConfig mirrors the telemetry provider settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RetryConfig tunes adapter retry/backoff behavior.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries"`     // attempts = max_retries + 1
	BaseDelayMs   int `yaml:"base_delay_ms"`   // delay = base * 2^attempt, jittered
	MaxDelayMs    int `yaml:"max_delay_ms"`    // backoff ceiling per wait
	CallTimeoutMs int `yaml:"call_timeout_ms"` // per external call
}

// Config is the process configuration loaded from <home>/config.yaml.
type Config struct {
	HomeDir string `yaml:"-"`

	// VaultSecretEnv names the env var holding the vault master secret.
	VaultSecretEnv string `yaml:"vault_secret_env"`

	LogLevel string `yaml:"log_level"`

	Accounts  []AccountConfig  `yaml:"accounts"`
	Schedules []ScheduleConfig `yaml:"schedules"`

	Browser  BrowserConfig  `yaml:"browser"`
	Retry    RetryConfig    `yaml:"retry"`
	Telegram TelegramConfig `yaml:"telegram"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Otel     OtelConfig     `yaml:"otel"`

	// SelectorsPath points at the per-platform DOM selector pack file.
	// Selector packs are externally supplied configuration, hot-reloadable.
	SelectorsPath string `yaml:"selectors_path"`
}

func defaultConfig() Config {
	return Config{
		VaultSecretEnv: "FANLANE_VAULT_SECRET",
		LogLevel:       "info",
		Browser: BrowserConfig{
			Launcher:           "local",
			Image:              "chromedp/headless-shell:latest",
			MaxEngines:         4,
			SessionMaxAgeHours: int((30 * 24 * time.Hour).Hours()),
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			BaseDelayMs:   500,
			MaxDelayMs:    10_000,
			CallTimeoutMs: 30_000,
		},
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18990",
		},
		Otel: OtelConfig{
			Exporter:    "stdout",
			ServiceName: "fanlane",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("FANLANE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fanlane")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fanlane home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FANLANE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FANLANE_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.VaultSecretEnv == "" {
		cfg.VaultSecretEnv = "FANLANE_VAULT_SECRET"
	}
	if cfg.Browser.Launcher == "" {
		cfg.Browser.Launcher = "local"
	}
	if cfg.Browser.Image == "" {
		cfg.Browser.Image = "chromedp/headless-shell:latest"
	}
	if cfg.Browser.MaxEngines <= 0 {
		cfg.Browser.MaxEngines = 4
	}
	if cfg.Browser.SessionMaxAgeHours <= 0 {
		cfg.Browser.SessionMaxAgeHours = int((30 * 24 * time.Hour).Hours())
	}
	if cfg.Browser.ScreenshotDir == "" {
		cfg.Browser.ScreenshotDir = filepath.Join(cfg.HomeDir, "screenshots")
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelayMs <= 0 {
		cfg.Retry.BaseDelayMs = 500
	}
	if cfg.Retry.MaxDelayMs <= 0 {
		cfg.Retry.MaxDelayMs = 10_000
	}
	if cfg.Retry.CallTimeoutMs <= 0 {
		cfg.Retry.CallTimeoutMs = 30_000
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18990"
	}
	if cfg.SelectorsPath == "" {
		cfg.SelectorsPath = filepath.Join(cfg.HomeDir, "selectors.yaml")
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "fanlane"
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Accounts))
	for i, acct := range cfg.Accounts {
		if strings.TrimSpace(acct.PlatformID) == "" {
			return fmt.Errorf("accounts[%d]: platform_id is required", i)
		}
		if strings.TrimSpace(acct.Platform) == "" {
			return fmt.Errorf("accounts[%d] (%s): platform is required", i, acct.PlatformID)
		}
		if _, dup := seen[acct.PlatformID]; dup {
			return fmt.Errorf("duplicate platform_id %q", acct.PlatformID)
		}
		seen[acct.PlatformID] = struct{}{}
	}
	for i, sched := range cfg.Schedules {
		if _, ok := seen[sched.PlatformID]; !ok {
			return fmt.Errorf("schedules[%d]: unknown platform_id %q", i, sched.PlatformID)
		}
		if strings.TrimSpace(sched.Cron) == "" {
			return fmt.Errorf("schedules[%d] (%s): cron is required", i, sched.PlatformID)
		}
	}
	switch cfg.Browser.Launcher {
	case "local", "docker", "remote":
	default:
		return fmt.Errorf("browser.launcher %q: must be local, docker or remote", cfg.Browser.Launcher)
	}
	if cfg.Browser.Launcher == "remote" && cfg.Browser.RemoteWS == "" {
		return fmt.Errorf("browser.launcher remote requires browser.remote_ws")
	}
	return nil
}

// Account returns the account config for the given platform id, or nil.
func (c Config) Account(platformID string) *AccountConfig {
	for i := range c.Accounts {
		if c.Accounts[i].PlatformID == platformID {
			return &c.Accounts[i]
		}
	}
	return nil
}

// AccountsForClient returns all accounts connected for a client.
func (c Config) AccountsForClient(clientID string) []AccountConfig {
	var out []AccountConfig
	for _, acct := range c.Accounts {
		if acct.ClientID == clientID {
			out = append(out, acct)
		}
	}
	return out
}

// VaultSecret resolves the vault master secret from the configured env var.
func (c Config) VaultSecret() (string, error) {
	secret := os.Getenv(c.VaultSecretEnv)
	if secret == "" {
		return "", fmt.Errorf("vault secret env %s is not set", c.VaultSecretEnv)
	}
	return secret, nil
}
