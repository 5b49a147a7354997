// Package config loads the pool configuration from YAML with environment
// overrides. All durations have conservative defaults so a zero-value file
// (or no file at all) produces a working setup.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the credential pool and dispatch engine.
type Config struct {
	// AccountsPath is the JSON document holding the persisted account pool.
	AccountsPath string `yaml:"accounts-path"`

	// LogFile, when set, mirrors log output into a rotated file.
	LogFile string `yaml:"log-file"`

	// UsageDSN selects the usage recording backend (sqlite://path or
	// postgres://...). Empty disables usage recording.
	UsageDSN string `yaml:"usage-dsn"`

	// DefaultCooldown is applied when a 429 carries no retry hint.
	DefaultCooldown time.Duration `yaml:"default-cooldown"`

	// ShortRetryThreshold: a 429 whose retry hint is at or below this is
	// waited out on the same account instead of rotating.
	ShortRetryThreshold time.Duration `yaml:"short-retry-threshold"`

	// RefreshBuffer is the safety margin before token expiry at which a
	// token is considered stale and proactively refreshed.
	RefreshBuffer time.Duration `yaml:"refresh-buffer"`

	// MaxRotations bounds how many times a request may switch accounts
	// after rate-limit signals before failing.
	MaxRotations int `yaml:"max-rotations"`

	// RequestTimeout bounds a single upstream generation call.
	RequestTimeout time.Duration `yaml:"request-timeout"`

	// ProjectID overrides the Cloud Code project sent with requests when
	// the account carries none.
	ProjectID string `yaml:"project-id"`

	// AntigravityEndpoints / GeminiCLIEndpoints override the built-in
	// endpoint fallback lists. Mostly useful in tests.
	AntigravityEndpoints []string `yaml:"antigravity-endpoints"`
	GeminiCLIEndpoints   []string `yaml:"gemini-cli-endpoints"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		DefaultCooldown:     60 * time.Second,
		ShortRetryThreshold: 5 * time.Second,
		RefreshBuffer:       60 * time.Second,
		MaxRotations:        3,
		RequestTimeout:      5 * time.Minute,
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.AccountsPath = filepath.Join(home, ".config", "antigravity-pool", "accounts.json")
	} else {
		cfg.AccountsPath = "accounts.json"
	}
	return cfg
}

// Load reads the YAML file at path, falling back to defaults for anything
// unset. A missing file is not an error. A .env file next to the working
// directory is honored before environment lookups.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ANTIGRAVITY_ACCOUNTS_PATH"); v != "" {
		c.AccountsPath = v
	}
	if v := os.Getenv("ANTIGRAVITY_USAGE_DSN"); v != "" {
		c.UsageDSN = v
	}
	if v := os.Getenv("ANTIGRAVITY_PROJECT_ID"); v != "" {
		c.ProjectID = v
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.AccountsPath == "" {
		c.AccountsPath = def.AccountsPath
	}
	if c.DefaultCooldown <= 0 {
		c.DefaultCooldown = def.DefaultCooldown
	}
	if c.ShortRetryThreshold <= 0 {
		c.ShortRetryThreshold = def.ShortRetryThreshold
	}
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = def.RefreshBuffer
	}
	if c.MaxRotations <= 0 {
		c.MaxRotations = def.MaxRotations
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
}
