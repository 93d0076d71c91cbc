package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds network settings for the HTTP/websocket surface.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// WebsocketURI is the externally visible websocket endpoint handed to
	// browser clients, e.g. ws://localhost:8080/ws.
	WebsocketURI string `yaml:"websocket_uri"`
}

// AuthConfig names the PEM key pair used to sign and verify bearer tokens.
type AuthConfig struct {
	PrivateKeyFile string `yaml:"private_key_file"`
	PublicKeyFile  string `yaml:"public_key_file"`

	// BcryptCost overrides the password hashing cost. Zero means the
	// bcrypt default.
	BcryptCost int `yaml:"bcrypt_cost"`
}

// EngineConfig tunes the action engine.
type EngineConfig struct {
	// Workers is the size of the handler worker pool. Zero means NumCPU.
	Workers int `yaml:"workers"`

	// QueueSize bounds the pending job queue. Zero means 256.
	QueueSize int `yaml:"queue_size"`
}

// BusConfig tunes the notification bus.
type BusConfig struct {
	// SubscriberQueueSize bounds each subscriber queue. Zero means 1024.
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`
}

// OtelConfig configures the metrics exporter.
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Config is the full server configuration, loaded from <home>/webcli.yaml.
type Config struct {
	// HomeDir is the server state root. Filled at load time, not read
	// from the file.
	HomeDir string `yaml:"-"`

	DBPath       string `yaml:"db_path"`
	ResourceDir  string `yaml:"resource_dir"`
	UsersHomeDir string `yaml:"users_home_dir"`
	LogLevel     string `yaml:"log_level"`

	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Engine EngineConfig `yaml:"engine"`
	Bus    BusConfig    `yaml:"bus"`
	Otel   OtelConfig   `yaml:"otel"`
}

// DefaultHomeDir returns WEBCLI_HOME or ~/.webcli.
func DefaultHomeDir() string {
	if dir := os.Getenv("WEBCLI_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".webcli")
}

// Load reads the config file under homeDir, applying defaults for every
// absent field. A missing file yields the pure default config.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "webcli.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "webcli.db"
	}
	c.DBPath = c.resolve(c.DBPath)
	if c.ResourceDir == "" {
		c.ResourceDir = "resources"
	}
	c.ResourceDir = c.resolve(c.ResourceDir)
	if c.UsersHomeDir == "" {
		c.UsersHomeDir = "users"
	}
	c.UsersHomeDir = c.resolve(c.UsersHomeDir)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.WebsocketURI == "" {
		c.Server.WebsocketURI = "ws://" + c.Server.Listen + "/ws"
	}
	if c.Auth.PrivateKeyFile == "" {
		c.Auth.PrivateKeyFile = "keys/private.pem"
	}
	c.Auth.PrivateKeyFile = c.resolve(c.Auth.PrivateKeyFile)
	if c.Auth.PublicKeyFile == "" {
		c.Auth.PublicKeyFile = "keys/public.pem"
	}
	c.Auth.PublicKeyFile = c.resolve(c.Auth.PublicKeyFile)
	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "webcli"
	}
}

// resolve anchors a relative path under the home directory.
func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.HomeDir, path)
}

// Fingerprint returns a short stable hash of the effective config, exposed
// on /healthz so operators can confirm which config a server is running.
func (c *Config) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "unknown"
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}
