package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mil-ad/clockctl/internal/link"
)

const (
	defaultService        = "0000ffe0-0000-1000-8000-00805f9b34fb"
	defaultCharacteristic = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

// Config is the on-disk daemon configuration.
type Config struct {
	Transport        string       `yaml:"transport"` // "bluez" | "serial"
	Adapter          string       `yaml:"adapter"`
	Address          string       `yaml:"address"` // MAC address or serial port, optional
	Service          string       `yaml:"service"`
	Characteristic   string       `yaml:"characteristic"`
	Serial           SerialConfig `yaml:"serial"`
	ReconnectDelayMs int          `yaml:"reconnect_delay_ms"`
	CommandTimeoutMs int          `yaml:"command_timeout_ms"`
	ResyncOnConnect  bool         `yaml:"resync_on_connect"`
	StateDB          string       `yaml:"state_db"`
	LogLevel         string       `yaml:"log_level"`
}

type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

func xdgDir(env, fallback string) string {
	dir := os.Getenv(env)
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), fallback)
	}
	return dir
}

func configPath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "clockctl", "config.yaml")
}

func defaultConfig() Config {
	return Config{
		Transport:        "bluez",
		Adapter:          "hci0",
		Service:          defaultService,
		Characteristic:   defaultCharacteristic,
		Serial:           SerialConfig{Port: "/dev/rfcomm0", Baud: 9600},
		ReconnectDelayMs: int(link.DefaultReconnectDelay / time.Millisecond),
		ResyncOnConnect:  true,
		StateDB:          filepath.Join(xdgDir("XDG_STATE_HOME", ".local/state"), "clockctl", "state.db"),
		LogLevel:         "info",
	}
}

// loadConfig reads path over the defaults. A missing file is not an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Transport {
	case "bluez", "serial":
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if _, err := uuid.Parse(c.Service); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	if _, err := uuid.Parse(c.Characteristic); err != nil {
		return fmt.Errorf("characteristic: %w", err)
	}
	if c.ReconnectDelayMs < 0 || c.CommandTimeoutMs < 0 {
		return errors.New("delays must not be negative")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// linkConfig builds the session configuration. addr, if set, overrides the
// configured peer address.
func (c Config) linkConfig(addr string) link.Config {
	if addr == "" {
		addr = c.Address
	}
	return link.Config{
		Service:         uuid.MustParse(c.Service),
		Characteristic:  uuid.MustParse(c.Characteristic),
		Address:         addr,
		ReconnectDelay:  time.Duration(c.ReconnectDelayMs) * time.Millisecond,
		CommandTimeout:  time.Duration(c.CommandTimeoutMs) * time.Millisecond,
		ResyncOnConnect: c.ResyncOnConnect,
	}
}
