package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dmrctl.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `{
		"devices": [
			{"name": "tv", "description_url": "http://10.0.0.2:8080/dmr.xml"},
			{"name": "speaker", "description_url": "http://10.0.0.3:8080/dmr.xml"}
		],
		"poll_interval": "10s",
		"listen_address": "0.0.0.0:8089",
		"log_level": "debug"
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("devices = %d", len(cfg.Devices))
	}
	if cfg.PollEvery() != 10*time.Second {
		t.Errorf("poll interval = %v", cfg.PollEvery())
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("level = %v", cfg.Level())
	}
	if cfg.EffectiveCallbackHost() != "0.0.0.0:8089" {
		t.Errorf("callback host = %q", cfg.EffectiveCallbackHost())
	}
}

func TestEnvAddsDevice(t *testing.T) {
	t.Setenv("DMRCTL_DEVICE_URL", "http://10.0.0.9/dmr.xml")
	t.Setenv("DMRCTL_DEVICE_NAME", "office")
	t.Setenv("DMRCTL_POLL_INTERVAL", "2s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].Name != "office" {
		t.Fatalf("devices = %+v", cfg.Devices)
	}
	if cfg.PollEvery() != 2*time.Second {
		t.Errorf("poll interval = %v", cfg.PollEvery())
	}
}

func TestEnvOverridesFileDevice(t *testing.T) {
	path := writeConfig(t, `{"devices": [{"name": "tv", "description_url": "http://10.0.0.2/dmr.xml"}]}`)
	t.Setenv("DMRCTL_DEVICE_URL", "http://10.0.0.5/dmr.xml")
	t.Setenv("DMRCTL_DEVICE_NAME", "tv")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Devices) != 1 {
		t.Fatalf("devices = %+v", cfg.Devices)
	}
	if cfg.Devices[0].DescriptionURL != "http://10.0.0.5/dmr.xml" {
		t.Errorf("url = %q, want env override", cfg.Devices[0].DescriptionURL)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := map[string]string{
		"no devices":     `{}`,
		"duplicate name": `{"devices": [{"name": "a", "description_url": "http://h/d.xml"}, {"name": "a", "description_url": "http://h/e.xml"}]}`,
		"relative url":   `{"devices": [{"name": "a", "description_url": "/dmr.xml"}]}`,
		"bad scheme":     `{"devices": [{"name": "a", "description_url": "ftp://h/d.xml"}]}`,
		"missing name":   `{"devices": [{"description_url": "http://h/d.xml"}]}`,
		"bad interval":   `{"devices": [{"name": "a", "description_url": "http://h/d.xml"}], "poll_interval": "soon"}`,
	}

	for label, content := range cases {
		path := writeConfig(t, content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", label)
		}
	}
}

func TestDefaults(t *testing.T) {
	path := writeConfig(t, `{"devices": [{"name": "tv", "description_url": "http://10.0.0.2/dmr.xml"}]}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollEvery() != 10*time.Second {
		t.Errorf("default poll interval = %v", cfg.PollEvery())
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("default level = %v", cfg.Level())
	}
	if cfg.EffectiveCallbackHost() != "" {
		t.Errorf("callback host = %q, want empty", cfg.EffectiveCallbackHost())
	}
}
