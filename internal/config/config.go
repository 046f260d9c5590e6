package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Storage      StorageConfig      `toml:"storage"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Secrets      SecretsConfig      `toml:"secrets"`
	Engines      EnginesConfig      `toml:"engines"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	RateLimit    RateLimitConfig    `toml:"ratelimit"`
	Logging      LoggingConfig      `toml:"logging"`
}

type ServerConfig struct {
	Address   string `toml:"address" validate:"required"`
	PublicURL string `toml:"public_url" validate:"required,url"`
}

type StorageConfig struct {
	Path     string `toml:"path"`
	InMemory bool   `toml:"in_memory"`
}

// OrchestratorConfig holds the task policy knobs
type OrchestratorConfig struct {
	MaxConcurrentTasks  int           `toml:"max_concurrent_tasks" validate:"min=1"`
	PollIntervalSeconds int           `toml:"poll_interval_seconds" validate:"min=1"`
	SessionKeepAlive    bool          `toml:"session_keep_alive"`
	EngineTimeout       Duration      `toml:"engine_timeout" validate:"gt=0"`
	SubmitGracePeriod   Duration      `toml:"submit_grace_period" validate:"gt=0"`
	LoginTTL            Duration      `toml:"login_ttl" validate:"gt=0"`
	SyncParallelism     int           `toml:"sync_parallelism" validate:"min=1"`
	DefaultBackend      string        `toml:"default_backend" validate:"required"`
}

// PollInterval returns the reconciliation interval as a duration
func (o OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalSeconds) * time.Second
}

type SecretsConfig struct {
	ActiveKeyID string            `toml:"active_key_id" validate:"required"`
	Keys        map[string]string `toml:"keys" validate:"required,min=1"`
}

type EnginesConfig struct {
	SessionBackend string          `toml:"session_backend" validate:"oneof=browser-use local"`
	BrowserUse     BrowserUseConfig `toml:"browser_use"`
	Bridge         BridgeConfig     `toml:"bridge"`
	Local          LocalConfig      `toml:"local"`
}

type BrowserUseConfig struct {
	BaseURL string `toml:"base_url" validate:"omitempty,url"`
	APIKey  string `toml:"api_key"`
}

type BridgeConfig struct {
	BaseURL       string `toml:"base_url" validate:"omitempty,url"`
	APIKey        string `toml:"api_key"`
	MaxSteps      int    `toml:"max_steps" validate:"min=1"`
	SaveRecording bool   `toml:"save_recording"`
}

type LocalConfig struct {
	ProfileDir string `toml:"profile_dir"`
	Image      string `toml:"image"`
}

type SchedulerConfig struct {
	Enabled bool `toml:"enabled"`
}

type RateLimitConfig struct {
	RequestsPerHour int `toml:"requests_per_hour" validate:"min=1"`
	Burst           int `toml:"burst" validate:"min=1"`
}

type LoggingConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=json console"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:   ":8080",
			PublicURL: "http://localhost:8080",
		},
		Storage: StorageConfig{
			Path: "./storage/db",
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentTasks:  6,
			PollIntervalSeconds: 30,
			SessionKeepAlive:    true,
			EngineTimeout:       Duration(30 * time.Second),
			SubmitGracePeriod:   Duration(10 * time.Minute),
			LoginTTL:            Duration(30 * time.Minute),
			SyncParallelism:     4,
			DefaultBackend:      "browser-use",
		},
		Engines: EnginesConfig{
			SessionBackend: "browser-use",
			BrowserUse: BrowserUseConfig{
				BaseURL: "https://api.browser-use.com/api/v2",
			},
			Bridge: BridgeConfig{
				MaxSteps: 50,
			},
			Local: LocalConfig{
				ProfileDir: "./storage/profiles",
				Image:      "browserless/chrome:latest",
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerHour: 600,
			Burst:           30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file, a .env
// file and finally the process environment, in increasing precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(configPathEnvVar)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// A missing .env is normal outside local development
	_ = godotenv.Load()

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, ok := c.Secrets.Keys[c.Secrets.ActiveKeyID]; !ok {
		return fmt.Errorf("invalid configuration: active secret key %q has no key material", c.Secrets.ActiveKeyID)
	}
	if !c.Storage.InMemory && strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("invalid configuration: storage.path is required unless storage.in_memory is set")
	}
	return nil
}
