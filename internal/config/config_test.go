package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("BOATPI_WS", "")
	t.Setenv("APP_PORT", "")
	t.Setenv("BOAT_PORT", "")

	path := writeConfig(t, `
log:
  level: debug
  format: console
captain:
  address: ws://relay.lan:8000/ws
  retry_interval: 2s
  resume_session: true
relay:
  port: 9000
  write_timeout: 3s
  admin_tokens:
    - abc
    - def
boat:
  status_interval: 250ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Captain.Address != "ws://relay.lan:8000/ws" {
		t.Errorf("captain.address = %q", cfg.Captain.Address)
	}
	if cfg.Captain.RetryInterval != 2*time.Second {
		t.Errorf("captain.retry_interval = %v, want 2s", cfg.Captain.RetryInterval)
	}
	if !cfg.Captain.ResumeSession {
		t.Error("captain.resume_session should be true")
	}
	if cfg.Relay.Port != 9000 {
		t.Errorf("relay.port = %d, want 9000", cfg.Relay.Port)
	}
	if len(cfg.Relay.AdminTokens) != 2 {
		t.Errorf("relay.admin_tokens = %v", cfg.Relay.AdminTokens)
	}
	if cfg.Relay.WriteTimeout != 3*time.Second {
		t.Errorf("relay.write_timeout = %v, want 3s", cfg.Relay.WriteTimeout)
	}
	// Untouched fields keep their defaults.
	if cfg.Boat.WriteTimeout != 10*time.Second {
		t.Errorf("boat.write_timeout = %v, want 10s", cfg.Boat.WriteTimeout)
	}
	if cfg.Relay.KeepAlive != 5*time.Second {
		t.Errorf("relay.keep_alive = %v, want 5s", cfg.Relay.KeepAlive)
	}
	if cfg.Boat.StatusInterval != 250*time.Millisecond {
		t.Errorf("boat.status_interval = %v", cfg.Boat.StatusInterval)
	}
	if cfg.Boat.Port != 8001 {
		t.Errorf("boat.port = %d, want 8001", cfg.Boat.Port)
	}
}

func TestLoadMissingDefaultPath(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APP_PORT", "")
	t.Setenv("BOAT_PORT", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with no config.yaml: %v", err)
	}
	if cfg.Captain.RetryInterval != 5*time.Second {
		t.Errorf("retry_interval = %v, want default 5s", cfg.Captain.RetryInterval)
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BOATPI_WS", "ws://boat.lan:8001/ws")
	t.Setenv("APP_PORT", "8100")
	t.Setenv("BOAT_PORT", "8101")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "relay:\n  port: 9000\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.BoatAddress != "ws://boat.lan:8001/ws" {
		t.Errorf("boat_address = %q", cfg.Relay.BoatAddress)
	}
	if cfg.Relay.Port != 8100 {
		t.Errorf("relay.port = %d, want env 8100", cfg.Relay.Port)
	}
	if cfg.Boat.Port != 8101 {
		t.Errorf("boat.port = %d, want env 8101", cfg.Boat.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log.level = %q, want warn", cfg.Log.Level)
	}
}

func TestLoadBadEnvPort(t *testing.T) {
	t.Setenv("APP_PORT", "eighty")
	_, err := Load(writeConfig(t, ""))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestLoadBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "relay: [not a map"))
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"captain address", func(c *Config) { c.Captain.Address = "" }},
		{"retry interval", func(c *Config) { c.Captain.RetryInterval = 0 }},
		{"relay port", func(c *Config) { c.Relay.Port = 70000 }},
		{"boat address", func(c *Config) { c.Relay.BoatAddress = "" }},
		{"keep alive", func(c *Config) { c.Relay.KeepAlive = -time.Second }},
		{"command burst", func(c *Config) { c.Relay.CommandBurst = 0 }},
		{"boat port", func(c *Config) { c.Boat.Port = 0 }},
		{"status interval", func(c *Config) { c.Boat.StatusInterval = 0 }},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestAddrs(t *testing.T) {
	cfg := Default()
	if got := cfg.RelayAddr(); got != "0.0.0.0:8000" {
		t.Errorf("RelayAddr = %q", got)
	}
	if got := cfg.BoatAddr(); got != "0.0.0.0:8001" {
		t.Errorf("BoatAddr = %q", got)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if len(cfg.Relay.AdminTokens) != 1 {
		t.Errorf("admin tokens = %v", cfg.Relay.AdminTokens)
	}
	if cfg.Boat.StatusInterval != time.Second {
		t.Errorf("status interval = %v", cfg.Boat.StatusInterval)
	}
}
