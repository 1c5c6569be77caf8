package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when no path is given. It may be absent.
const DefaultPath = "config.yaml"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Captain CaptainConfig `yaml:"captain"`
	Relay   RelayConfig   `yaml:"relay"`
	Boat    BoatConfig    `yaml:"boat"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CaptainConfig drives the headless cockpit client.
type CaptainConfig struct {
	Address       string        `yaml:"address"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	ResumeSession bool          `yaml:"resume_session"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
}

type RelayConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	BoatAddress    string        `yaml:"boat_address"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AdminTokens    []string      `yaml:"admin_tokens"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	Compression    bool          `yaml:"compression"`
	CommandRate    float64       `yaml:"command_rate"`
	CommandBurst   int           `yaml:"command_burst"`
	UpgradeLimit   int           `yaml:"upgrade_limit"`
}

type BoatConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	StatusInterval time.Duration `yaml:"status_interval"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Captain: CaptainConfig{
			Address:       "ws://localhost:8000/ws",
			RetryInterval: 5 * time.Second,
		},
		Relay: RelayConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			BoatAddress:  "ws://localhost:8001/ws",
			KeepAlive:    5 * time.Second,
			PingInterval: 10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Compression:  true,
			CommandRate:  20,
			CommandBurst: 10,
			UpgradeLimit: 30,
		},
		Boat: BoatConfig{
			Host:           "0.0.0.0",
			Port:           8001,
			StatusInterval: time.Second,
			PingInterval:   10 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing DefaultPath is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("BOATPI_WS"); v != "" {
		c.Relay.BoatAddress = v
	}
	if v := os.Getenv("APP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: APP_PORT %q: %v", ErrInvalid, v, err)
		}
		c.Relay.Port = port
	}
	if v := os.Getenv("BOAT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: BOAT_PORT %q: %v", ErrInvalid, v, err)
		}
		c.Boat.Port = port
	}
	return nil
}

// Validate reports the first inconsistent field.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	if c.Captain.Address == "" {
		return fmt.Errorf("%w: captain.address is empty", ErrInvalid)
	}
	if c.Captain.RetryInterval <= 0 {
		return fmt.Errorf("%w: captain.retry_interval must be positive", ErrInvalid)
	}
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("%w: relay.port %d", ErrInvalid, c.Relay.Port)
	}
	if c.Relay.BoatAddress == "" {
		return fmt.Errorf("%w: relay.boat_address is empty", ErrInvalid)
	}
	if c.Relay.KeepAlive <= 0 {
		return fmt.Errorf("%w: relay.keep_alive must be positive", ErrInvalid)
	}
	if c.Relay.CommandRate <= 0 || c.Relay.CommandBurst <= 0 {
		return fmt.Errorf("%w: relay command rate and burst must be positive", ErrInvalid)
	}
	if c.Boat.Port <= 0 || c.Boat.Port > 65535 {
		return fmt.Errorf("%w: boat.port %d", ErrInvalid, c.Boat.Port)
	}
	if c.Boat.StatusInterval <= 0 {
		return fmt.Errorf("%w: boat.status_interval must be positive", ErrInvalid)
	}
	return nil
}

// RelayAddr is the host:port the relay listens on.
func (c *Config) RelayAddr() string {
	return fmt.Sprintf("%s:%d", c.Relay.Host, c.Relay.Port)
}

// BoatAddr is the host:port the boat endpoint listens on.
func (c *Config) BoatAddr() string {
	return fmt.Sprintf("%s:%d", c.Boat.Host, c.Boat.Port)
}
