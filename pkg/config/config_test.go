package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
database:
  path: /var/lib/hivelog/metrics.db
devices:
  - name: alpha
    ip: 192.168.1.50
  - name: beta
    ip: 192.168.1.51
    enabled: false
    group: shelf-2
poll:
  interval: 15s
  concurrency: 4
report:
  schedule: "30 8 * * *"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/var/lib/hivelog/metrics.db" {
		t.Fatalf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Poll.Interval != 15*time.Second || cfg.Poll.Concurrency != 4 {
		t.Fatalf("Poll = %+v", cfg.Poll)
	}
	if cfg.Poll.Cooldown != 10*time.Second || cfg.Alerts.OfflineThreshold != 10*time.Minute {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Poll, cfg.Alerts)
	}
	if cfg.Report.Schedule != "30 8 * * *" {
		t.Fatalf("Report.Schedule = %q", cfg.Report.Schedule)
	}
	if cfg.Safety.MaxTempWarning != 65 || cfg.Safety.MaxTempShutdown != 70 {
		t.Fatalf("Safety = %+v", cfg.Safety)
	}

	ids := cfg.DeviceIDs()
	if len(ids) != 1 || ids[0] != "alpha" {
		t.Fatalf("DeviceIDs = %v", ids)
	}
	if cfg.Devices[1].Group != "shelf-2" || cfg.Devices[1].IsEnabled() {
		t.Fatalf("beta = %+v", cfg.Devices[1])
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("HIVELOG_POLL_INTERVAL", "5s")
	t.Setenv("HIVELOG_DATABASE_PATH", "env.db")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Poll.Interval != 5*time.Second || cfg.Database.Path != "env.db" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Poll, cfg.Database)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := map[string]string{
		"duplicate":      "devices:\n  - {name: a, ip: 1.1.1.1}\n  - {name: a, ip: 1.1.1.2}\n",
		"ip":             "devices:\n  - {name: a}\n",
		"interval":       "poll:\n  interval: 0s\n",
		"check_interval": "alerts:\n  check_interval: 0s\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected validation error", name)
		} else if !strings.Contains(err.Error(), name) && name != "duplicate" {
			t.Errorf("%s: error %q does not mention the field", name, err)
		}
	}
}
