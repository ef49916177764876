package config

import (
	"encoding/json"
	"fmt"

	"github.com/raka/chatpool/pkg/driver"
)

// Config represents the main chatpool configuration
type Config struct {
	// Server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Pool
	Pool PoolConfig `json:"pool" mapstructure:"pool"`

	// Browser automation
	Browser driver.Config `json:"browser" mapstructure:"browser"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// ServerConfig holds HTTP facade configuration
type ServerConfig struct {
	Host      string `json:"host" mapstructure:"host"`
	Port      int    `json:"port" mapstructure:"port"`
	ModelName string `json:"model_name" mapstructure:"model_name"`
}

// PoolConfig holds session pool sizing and timing
type PoolConfig struct {
	MaxPoolSize       int `json:"max_pool_size" mapstructure:"max_pool_size"`
	MaxQueueSize      int `json:"max_queue_size" mapstructure:"max_queue_size"`
	RotationThreshold int `json:"rotation_threshold" mapstructure:"rotation_threshold"`
	SessionMaxAge     int `json:"session_max_age" mapstructure:"session_max_age"`       // seconds
	HealthInterval    int `json:"health_interval" mapstructure:"health_interval"`       // seconds
	WarmupAttempts    int `json:"warmup_attempts" mapstructure:"warmup_attempts"`
	WarmupInterval    int `json:"warmup_interval" mapstructure:"warmup_interval"`       // seconds
	InjectTimeout     int `json:"inject_timeout" mapstructure:"inject_timeout"`         // seconds
	ExtractGrace      int `json:"extract_grace" mapstructure:"extract_grace"`           // seconds
	ProbeTimeout      int `json:"probe_timeout" mapstructure:"probe_timeout"`           // seconds
	DefaultTimeout    int `json:"default_timeout" mapstructure:"default_timeout"`       // seconds
	QueueWarnAfter    int `json:"queue_warn_after" mapstructure:"queue_warn_after"`     // seconds
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8765,
			ModelName: "chatpool",
		},
		Pool: PoolConfig{
			MaxPoolSize:       3,
			MaxQueueSize:      50,
			RotationThreshold: 30,
			SessionMaxAge:     1800,
			HealthInterval:    30,
			WarmupAttempts:    10,
			WarmupInterval:    2,
			InjectTimeout:     10,
			ExtractGrace:      2,
			ProbeTimeout:      10,
			DefaultTimeout:    60,
			QueueWarnAfter:    15,
		},
		Browser: driver.DefaultConfig(),
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Pool.MaxPoolSize <= 0 {
		return fmt.Errorf("pool max_pool_size must be positive, got %d", c.Pool.MaxPoolSize)
	}
	if c.Pool.MaxQueueSize <= 0 {
		return fmt.Errorf("pool max_queue_size must be positive, got %d", c.Pool.MaxQueueSize)
	}
	if c.Pool.RotationThreshold <= 0 {
		return fmt.Errorf("pool rotation_threshold must be positive, got %d", c.Pool.RotationThreshold)
	}
	if c.Pool.SessionMaxAge <= 0 {
		return fmt.Errorf("pool session_max_age must be positive, got %d", c.Pool.SessionMaxAge)
	}
	if c.Pool.HealthInterval <= 0 {
		return fmt.Errorf("pool health_interval must be positive, got %d", c.Pool.HealthInterval)
	}

	if c.Browser.ChatURL == "" {
		return fmt.Errorf("browser chat_url is required")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}
