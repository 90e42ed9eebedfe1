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

// DefaultConfigPaths lists where a config file is searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/mapsync/config.yaml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "MAPSYNC_CONFIG"

// envPrefix namespaces mapsync environment variables.
const envPrefix = "MAPSYNC_"

// envMappings routes environment variables to config keys. Multi-word
// leaf keys need explicit entries since underscores are ambiguous.
var envMappings = map[string]string{
	"server_host":              "server.host",
	"server_port":              "server.port",
	"server_read_timeout":      "server.read_timeout",
	"server_write_timeout":     "server.write_timeout",
	"ws_ping_interval":         "websocket.ping_interval",
	"ws_write_timeout":         "websocket.write_timeout",
	"ws_send_buffer":           "websocket.send_buffer",
	"ws_max_message_size":      "websocket.max_message_size",
	"room_cleanup_grace":       "room.cleanup_grace",
	"limit_per_second":         "limit.per_second",
	"limit_burst":              "limit.burst",
	"archive_enabled":          "archive.enabled",
	"archive_path":             "archive.path",
	"log_level":                "log.level",
	"log_format":               "log.format",
}

// Load builds the configuration with precedence env > file > defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: optional YAML file
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables
	envProvider := env.Provider(envPrefix, ".", func(key string) string {
		key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
		if mapped, ok := envMappings[key]; ok {
			return mapped
		}
		return strings.Replace(key, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
