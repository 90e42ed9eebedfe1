package config

import (
	"fmt"
	"time"
)

// Config is the root mapsync configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	Room      RoomConfig      `koanf:"room"`
	Limit     LimitConfig     `koanf:"limit"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Log       LogConfig       `koanf:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// WebSocketConfig controls per-connection transport behavior.
type WebSocketConfig struct {
	// PingInterval is the liveness heartbeat period. A session silent for
	// two intervals is presumed dead.
	PingInterval time.Duration `koanf:"ping_interval"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// SendBuffer is the per-session outbound queue length. Broadcast
	// frames to a session with a full queue are dropped, not awaited.
	SendBuffer     int   `koanf:"send_buffer"`
	MaxMessageSize int64 `koanf:"max_message_size"`
}

// RoomConfig controls room lifecycle.
type RoomConfig struct {
	// CleanupGrace is how long an empty room survives before deletion.
	CleanupGrace time.Duration `koanf:"cleanup_grace"`
}

// LimitConfig is the per-session inbound message rate limit.
type LimitConfig struct {
	PerSecond float64 `koanf:"per_second"`
	Burst     int     `koanf:"burst"`
}

// ArchiveConfig controls the SQLite room event log.
type ArchiveConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the built-in configuration. Heartbeat and grace-period
// defaults match the deployed values: 30s ping interval, 5m empty-room
// grace.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   30 * time.Second,
			WriteTimeout:   10 * time.Second,
			SendBuffer:     256,
			MaxMessageSize: 512 * 1024,
		},
		Room: RoomConfig{
			CleanupGrace: 5 * time.Minute,
		},
		Limit: LimitConfig{
			PerSecond: 50,
			Burst:     100,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Path:    "./mapsync.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	// Port 0 binds an ephemeral port.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 0 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("websocket ping interval must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket write timeout must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("websocket send buffer must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("websocket max message size must be positive")
	}
	if c.Room.CleanupGrace <= 0 {
		return fmt.Errorf("room cleanup grace must be positive")
	}
	if c.Limit.PerSecond <= 0 || c.Limit.Burst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("archive path cannot be empty when archive is enabled")
	}
	return nil
}
