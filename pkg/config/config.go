package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-strudel-bridge/pkg/logging"
)

// MinChannelCapacity is the smallest buffer accepted for the control and
// broadcast channels.
const MinChannelCapacity = 16

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Assets   AssetsConfig   `yaml:"assets" envconfig:"ASSETS"`
	Channels ChannelsConfig `yaml:"channels" envconfig:"CHANNELS"`
	Logging  logging.Config `yaml:"logging" envconfig:"LOGGING"`
	Metrics  MetricsConfig  `yaml:"metrics" envconfig:"METRICS"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string     `yaml:"host" envconfig:"BIND_HOST"`
	Port            int        `yaml:"port" envconfig:"BIND_PORT"`                    // 0 picks an ephemeral port
	ShutdownTimeout int        `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"` // seconds
	WriteTimeout    int        `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`       // seconds, per websocket frame
	Greeting        string     `yaml:"greeting" envconfig:"GREETING"`
	CORS            CORSConfig `yaml:"cors" envconfig:"CORS"`
	ConnectLimit    RateLimit  `yaml:"connect_limit" envconfig:"CONNECT_LIMIT"`
}

// RateLimit throttles websocket upgrades per client IP. It is off by default
// since every tab on the machine shares the loopback address and reopened
// tabs reconnect together.
type RateLimit struct {
	Enabled   bool    `yaml:"enabled" envconfig:"ENABLED"`
	PerSecond float64 `yaml:"per_second" envconfig:"PER_SECOND"`
	Burst     int     `yaml:"burst" envconfig:"BURST"`
}

// CORSConfig contains CORS settings for the local router
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	AllowedMethods []string `yaml:"allowed_methods" envconfig:"ALLOWED_METHODS"`
	AllowedHeaders []string `yaml:"allowed_headers" envconfig:"ALLOWED_HEADERS"`
	MaxAge         int      `yaml:"max_age" envconfig:"MAX_AGE"` // seconds
}

// AssetsConfig locates the compiled browser client
type AssetsConfig struct {
	Dir   string `yaml:"dir" envconfig:"DIR"`
	Index string `yaml:"index" envconfig:"INDEX"`
}

// ChannelsConfig sizes the control and broadcast channels
type ChannelsConfig struct {
	ControlCapacity   int `yaml:"control_capacity" envconfig:"CONTROL_CAPACITY"`
	BroadcastCapacity int `yaml:"broadcast_capacity" envconfig:"BROADCAST_CAPACITY"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	Path    string `yaml:"path" envconfig:"ENDPOINT"`
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// Missing file is fine, defaults and env vars apply
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Environment variables have the highest priority
	if err := envconfig.Process("STRUDEL", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            0,
			ShutdownTimeout: 5,
			WriteTimeout:    10,
			Greeting:        "hello",
			CORS: CORSConfig{
				AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
				AllowedMethods: []string{"GET", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type"},
				MaxAge:         3600,
			},
			ConnectLimit: RateLimit{
				Enabled:   false,
				PerSecond: 10,
				Burst:     20,
			},
		},
		Assets: AssetsConfig{
			Dir:   "strudel-frontend/dist",
			Index: "index.html",
		},
		Channels: ChannelsConfig{
			ControlCapacity:   MinChannelCapacity,
			BroadcastCapacity: MinChannelCapacity,
		},
		Logging: logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if !IsLoopback(c.Server.Host) {
		return fmt.Errorf("server host must be a loopback address: %q", c.Server.Host)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive")
	}

	if c.Server.ConnectLimit.Enabled {
		if c.Server.ConnectLimit.PerSecond <= 0 {
			return fmt.Errorf("connect_limit per_second must be positive")
		}
		if c.Server.ConnectLimit.Burst < 1 {
			return fmt.Errorf("connect_limit burst must be at least 1")
		}
	}

	if c.Assets.Dir == "" {
		return fmt.Errorf("assets dir is required")
	}

	if c.Assets.Index == "" {
		return fmt.Errorf("assets index is required")
	}

	if c.Channels.ControlCapacity < MinChannelCapacity {
		return fmt.Errorf("control_capacity must be at least %d", MinChannelCapacity)
	}

	if c.Channels.BroadcastCapacity < MinChannelCapacity {
		return fmt.Errorf("broadcast_capacity must be at least %d", MinChannelCapacity)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with '/': %q", c.Metrics.Path)
	}

	return nil
}

// Address returns the listen address
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// ShutdownDuration returns the graceful shutdown budget
func (c *ServerConfig) ShutdownDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// WriteDuration returns the per-frame write deadline
func (c *ServerConfig) WriteDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// IndexPath returns the path of the HTML shell
func (c *AssetsConfig) IndexPath() string {
	return filepath.Join(c.Dir, c.Index)
}

// StaticDir returns the directory served under /assets
func (c *AssetsConfig) StaticDir() string {
	return filepath.Join(c.Dir, "assets")
}

// IsLoopback reports whether host names the loopback interface.
func IsLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
