// config.go — startup-only configuration (spec §6.5: env vars, no hot reload).
//
// An optional static YAML file may supply defaults that env vars always
// override; there is no watcher and no re-read after startup, matching the
// spec exactly. The YAML-defaults-under-env-override layering mirrors how
// goadesign-goa-ai and teranos-QNTX structure their own config loaders.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable, fully-resolved process configuration.
type Config struct {
	RelayPort        int           `yaml:"relayPort"`
	LogLevel         string        `yaml:"logLevel"`
	OperationTimeout time.Duration `yaml:"operationTimeout"`
	TabLockMaxHold   time.Duration `yaml:"tabLockMaxHold"`
	EventRingCap     int           `yaml:"eventRingCap"`
}

// Defaults returns the spec's built-in defaults (§4.1 port, §4.3 deadline,
// §3.4 lock max, §3.6 ring cap).
func Defaults() Config {
	return Config{
		RelayPort:        54321,
		LogLevel:         "info",
		OperationTimeout: 180 * time.Second,
		TabLockMaxHold:   30 * time.Second,
		EventRingCap:     500,
	}
}

// Load resolves configuration: Defaults() < optional YAML file (yamlPath,
// skipped silently if empty or missing) < environment variables.
func Load(yamlPath string) (Config, error) {
	cfg := Defaults()

	if yamlPath != "" {
		if raw, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, err
			}
		}
	}

	if v := strings.TrimSpace(os.Getenv("GASOLINE_RELAY_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.RelayPort = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("GASOLINE_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("GASOLINE_OPERATION_TIMEOUT_MS")); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.OperationTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	return cfg, nil
}
