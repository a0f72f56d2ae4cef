package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in
// priority order.
var DefaultConfigPaths = []string{
	"heromessaging.yaml",
	"heromessaging.yml",
	"/etc/heromessaging/config.yaml",
}

// ConfigPathEnvVar overrides the searched config file path.
const ConfigPathEnvVar = "HEROMESSAGING_CONFIG_PATH"

// Load builds a Config with three layered sources, lowest to highest
// precedence: built-in defaults, an optional YAML file, then
// environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("HEROMESSAGING_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps HEROMESSAGING_-prefixed environment variables to
// koanf dotted paths, e.g. HEROMESSAGING_STORAGE_BACKEND ->
// storage.backend.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "HEROMESSAGING_"))
	return strings.ReplaceAll(key, "_", ".")
}
