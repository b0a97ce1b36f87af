package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// LLMConfig selects the generation provider backing the quality gate scorer
// and the debate synthesizer.
type LLMConfig struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	// Empty defaults to "google".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the provider key.
	APIKeyEnv string `yaml:"api_key_env"`
	// BaseURL is used by openai_compatible providers.
	BaseURL string `yaml:"base_url"`
}

// TelegramConfig configures the human notification channel.
type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

// OTelConfig configures tracing export.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`

	// AllowOrigins lists Origin patterns permitted to open cross-origin
	// WebSocket connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// SweepIntervalSeconds is the message bus poll cadence.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	// SweepBatchLimit caps messages dispatched per sweep per workspace.
	SweepBatchLimit int `yaml:"sweep_batch_limit"`
	// TriggerIntervalSeconds is the trigger scheduler tick.
	TriggerIntervalSeconds int `yaml:"trigger_interval_seconds"`

	// GenerateTimeoutSeconds bounds one generation-capability call.
	GenerateTimeoutSeconds int `yaml:"generate_timeout_seconds"`
	// StoreTimeoutSeconds bounds one storage call from background loops.
	StoreTimeoutSeconds int `yaml:"store_timeout_seconds"`

	LLM      LLMConfig      `yaml:"llm"`
	Telegram TelegramConfig `yaml:"telegram"`
	OTel     OTelConfig     `yaml:"otel"`
}

// DefaultHomeDir returns ~/.warroom, or ./.warroom when HOME is unknown.
func DefaultHomeDir() string {
	if v := os.Getenv("WARROOM_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warroom")
}

func defaults(homeDir string) *Config {
	return &Config{
		HomeDir:                homeDir,
		BindAddr:               "127.0.0.1:8780",
		LogLevel:               "info",
		SweepIntervalSeconds:   5,
		SweepBatchLimit:        25,
		TriggerIntervalSeconds: 60,
		GenerateTimeoutSeconds: 30,
		StoreTimeoutSeconds:    10,
		LLM: LLMConfig{
			Provider:  "google",
			Model:     "gemini-2.5-flash",
			APIKeyEnv: "GEMINI_API_KEY",
		},
		OTel: OTelConfig{
			Exporter:    "stdout",
			ServiceName: "warroom",
			SampleRate:  1.0,
		},
	}
}

// Load reads config.yaml under homeDir, applying defaults and env overrides.
// A missing file is not an error; the defaults stand.
func Load(homeDir string) (*Config, error) {
	cfg := defaults(homeDir)

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(cfg)
	normalize(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARROOM_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("WARROOM_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("WARROOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WARROOM_SWEEP_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepIntervalSeconds = n
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
}

func normalize(cfg *Config) {
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 5
	}
	if cfg.SweepBatchLimit <= 0 {
		cfg.SweepBatchLimit = 25
	}
	if cfg.TriggerIntervalSeconds <= 0 {
		cfg.TriggerIntervalSeconds = 60
	}
	if cfg.GenerateTimeoutSeconds <= 0 {
		cfg.GenerateTimeoutSeconds = 30
	}
	if cfg.StoreTimeoutSeconds <= 0 {
		cfg.StoreTimeoutSeconds = 10
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
}

// APIKey resolves the provider API key from the configured env var.
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}

// Fingerprint returns a short stable hash of the effective config, exposed
// by healthz so operators can tell which config a daemon is running.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	data, err := yaml.Marshal(c)
	if err != nil {
		return "unknown"
	}
	_, _ = h.Write(data)
	return fmt.Sprintf("%x", h.Sum64())
}
