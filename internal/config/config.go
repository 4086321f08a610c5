// Package config loads the device roster and runtime settings from a JSON
// file, with DMRCTL_* environment variables layered on top.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	envDeviceURL     = "DMRCTL_DEVICE_URL"
	envDeviceName    = "DMRCTL_DEVICE_NAME"
	envPollInterval  = "DMRCTL_POLL_INTERVAL"
	envListenAddress = "DMRCTL_LISTEN_ADDRESS"
	envCallbackHost  = "DMRCTL_CALLBACK_HOST"
	envLogLevel      = "DMRCTL_LOG_LEVEL"

	defaultPollInterval = 10 * time.Second
)

// Device is one configured renderer.
type Device struct {
	Name           string `json:"name"`
	DescriptionURL string `json:"description_url"`
}

type Config struct {
	Devices      []Device `json:"devices"`
	PollInterval string   `json:"poll_interval,omitempty"`

	// ListenAddress hosts the event callback listener. Empty disables
	// eventing; polling still works.
	ListenAddress string `json:"listen_address,omitempty"`

	// CallbackHost is the host:port renderers reach the listener on.
	// Defaults to ListenAddress when unset.
	CallbackHost string `json:"callback_host,omitempty"`

	LogLevel string `json:"log_level,omitempty"`
}

// Load reads path (optional) and applies environment overrides. The result
// is validated; a config without any device is rejected.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if deviceURL := strings.TrimSpace(os.Getenv(envDeviceURL)); deviceURL != "" {
		name := strings.TrimSpace(os.Getenv(envDeviceName))
		if name == "" {
			name = "default"
		}
		replaced := false
		for i := range cfg.Devices {
			if cfg.Devices[i].Name == name {
				cfg.Devices[i].DescriptionURL = deviceURL
				replaced = true
			}
		}
		if !replaced {
			cfg.Devices = append(cfg.Devices, Device{Name: name, DescriptionURL: deviceURL})
		}
	}
	if interval := strings.TrimSpace(os.Getenv(envPollInterval)); interval != "" {
		cfg.PollInterval = interval
	}
	if addr := strings.TrimSpace(os.Getenv(envListenAddress)); addr != "" {
		cfg.ListenAddress = addr
	}
	if host := strings.TrimSpace(os.Getenv(envCallbackHost)); host != "" {
		cfg.CallbackHost = host
	}
	if level := strings.TrimSpace(os.Getenv(envLogLevel)); level != "" {
		cfg.LogLevel = level
	}
}

func (c *Config) validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("no devices configured; set %s or list devices in the config file", envDeviceURL)
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, device := range c.Devices {
		if device.Name == "" {
			return fmt.Errorf("device with URL %s has no name", device.DescriptionURL)
		}
		if seen[device.Name] {
			return fmt.Errorf("duplicate device name %q", device.Name)
		}
		seen[device.Name] = true

		parsed, err := url.Parse(device.DescriptionURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("device %q: description_url must be an absolute http(s) URL", device.Name)
		}
	}

	if c.PollInterval != "" {
		if _, err := time.ParseDuration(c.PollInterval); err != nil {
			return fmt.Errorf("invalid poll_interval %q: %w", c.PollInterval, err)
		}
	}
	return nil
}

// PollEvery returns the effective poll interval.
func (c *Config) PollEvery() time.Duration {
	if c.PollInterval == "" {
		return defaultPollInterval
	}
	parsed, err := time.ParseDuration(c.PollInterval)
	if err != nil || parsed <= 0 {
		return defaultPollInterval
	}
	return parsed
}

// EffectiveCallbackHost resolves the host renderers should call back on.
func (c *Config) EffectiveCallbackHost() string {
	if c.CallbackHost != "" {
		return c.CallbackHost
	}
	return c.ListenAddress
}

// Level maps the configured log level onto slog, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
