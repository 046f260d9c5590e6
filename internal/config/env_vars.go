package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	configPathEnvVar = "BROWSERPILOT_CONFIG"

	addressEnvVar        = "BROWSERPILOT_ADDRESS"
	publicURLEnvVar      = "BROWSERPILOT_PUBLIC_URL"
	storagePathEnvVar    = "BROWSERPILOT_STORAGE_PATH"
	storageMemoryEnvVar  = "BROWSERPILOT_STORAGE_IN_MEMORY"
	maxTasksEnvVar       = "BROWSERPILOT_MAX_CONCURRENT_TASKS"
	pollIntervalEnvVar   = "BROWSERPILOT_POLL_INTERVAL_SECONDS"
	keepAliveEnvVar      = "BROWSERPILOT_SESSION_KEEP_ALIVE"
	engineTimeoutEnvVar  = "BROWSERPILOT_ENGINE_TIMEOUT"
	loginTTLEnvVar       = "BROWSERPILOT_LOGIN_TTL"
	defaultBackendEnvVar = "BROWSERPILOT_DEFAULT_BACKEND"
	sessionBackendEnvVar = "BROWSERPILOT_SESSION_BACKEND"
	activeKeyEnvVar      = "BROWSERPILOT_SECRET_KEY_ID"
	secretKeysEnvVar     = "BROWSERPILOT_SECRET_KEYS"
	browserUseURLEnvVar  = "BROWSER_USE_BASE_URL"
	browserUseKeyEnvVar  = "BROWSER_USE_API_KEY"
	bridgeURLEnvVar      = "BRIDGE_BASE_URL"
	bridgeKeyEnvVar      = "BRIDGE_API_KEY"
	schedulerEnvVar      = "BROWSERPILOT_SCHEDULER_ENABLED"
	logLevelEnvVar       = "LOG_LEVEL"
	logFormatEnvVar      = "LOG_FORMAT"
)

func applyEnv(cfg *Config) error {
	cfg.Server.Address = GetEnv(addressEnvVar, cfg.Server.Address)
	cfg.Server.PublicURL = GetEnv(publicURLEnvVar, cfg.Server.PublicURL)
	cfg.Storage.Path = GetEnv(storagePathEnvVar, cfg.Storage.Path)
	cfg.Orchestrator.DefaultBackend = GetEnv(defaultBackendEnvVar, cfg.Orchestrator.DefaultBackend)
	cfg.Engines.SessionBackend = GetEnv(sessionBackendEnvVar, cfg.Engines.SessionBackend)
	cfg.Engines.BrowserUse.BaseURL = GetEnv(browserUseURLEnvVar, cfg.Engines.BrowserUse.BaseURL)
	cfg.Engines.BrowserUse.APIKey = GetEnv(browserUseKeyEnvVar, cfg.Engines.BrowserUse.APIKey)
	cfg.Engines.Bridge.BaseURL = GetEnv(bridgeURLEnvVar, cfg.Engines.Bridge.BaseURL)
	cfg.Engines.Bridge.APIKey = GetEnv(bridgeKeyEnvVar, cfg.Engines.Bridge.APIKey)
	cfg.Secrets.ActiveKeyID = GetEnv(activeKeyEnvVar, cfg.Secrets.ActiveKeyID)
	cfg.Logging.Level = GetEnv(logLevelEnvVar, cfg.Logging.Level)
	cfg.Logging.Format = GetEnv(logFormatEnvVar, cfg.Logging.Format)

	var err error
	if cfg.Storage.InMemory, err = getBool(storageMemoryEnvVar, cfg.Storage.InMemory); err != nil {
		return err
	}
	if cfg.Orchestrator.SessionKeepAlive, err = getBool(keepAliveEnvVar, cfg.Orchestrator.SessionKeepAlive); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled, err = getBool(schedulerEnvVar, cfg.Scheduler.Enabled); err != nil {
		return err
	}
	if cfg.Orchestrator.MaxConcurrentTasks, err = getInt(maxTasksEnvVar, cfg.Orchestrator.MaxConcurrentTasks); err != nil {
		return err
	}
	if cfg.Orchestrator.PollIntervalSeconds, err = getInt(pollIntervalEnvVar, cfg.Orchestrator.PollIntervalSeconds); err != nil {
		return err
	}
	if cfg.Orchestrator.EngineTimeout, err = getDuration(engineTimeoutEnvVar, cfg.Orchestrator.EngineTimeout); err != nil {
		return err
	}
	if cfg.Orchestrator.LoginTTL, err = getDuration(loginTTLEnvVar, cfg.Orchestrator.LoginTTL); err != nil {
		return err
	}

	// id1=base64,id2=base64
	if raw := os.Getenv(secretKeysEnvVar); raw != "" {
		keys := make(map[string]string)
		for _, pair := range strings.Split(raw, ",") {
			id, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || id == "" {
				return fmt.Errorf("%s: malformed entry %q", secretKeysEnvVar, pair)
			}
			keys[id] = value
		}
		cfg.Secrets.Keys = keys
	}
	return nil
}

// GetEnv returns the environment value or defaultValue when unset
func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func getBool(envVar string, defaultValue bool) (bool, error) {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", envVar, err)
	}
	return b, nil
}

func getInt(envVar string, defaultValue int) (int, error) {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", envVar, err)
	}
	return n, nil
}

func getDuration(envVar string, defaultValue Duration) (Duration, error) {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue, nil
	}
	var d Duration
	if err := d.UnmarshalText([]byte(value)); err != nil {
		return 0, fmt.Errorf("%s: %w", envVar, err)
	}
	return d, nil
}
