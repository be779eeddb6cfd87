package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
logging:
  level: debug
  console: true
storage:
  driver: memory
dispatch:
  enabled: true
  interval: "10s"
  batch_size: 25
rate:
  daily_cap: 5
  hourly_cap: 1
  quiet_start: "21:00"
  quiet_end: "07:30"
timing:
  timezone: "America/Chicago"
  default_slots: ["09:00", "16:00"]
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Dispatch.BatchSize != 25 || cfg.Dispatch.Interval != "10s" {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Rate.DailyCap != 5 || cfg.Rate.QuietEnd != "07:30" {
		t.Fatalf("rate = %+v", cfg.Rate)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{
		"logging": {"level": "info", "console": true},
		"storage": {"driver": "memory"},
		"dispatch": {"enabled": true},
		"rate": {}
	}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !cfg.Dispatch.Enabled {
		t.Fatal("dispatch.enabled lost in decode")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML+"\nsurprise: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  string
		wantSub string
	}{
		{"bad duration", "dispatch: { interval: \"soon\" }", "dispatch.interval"},
		{"bad quiet time", "rate: { quiet_start: \"25:00\" }", "rate.quiet_start"},
		{"bad slot", "timing: { default_slots: [\"9am\"] }", "timing.default_slots"},
		{"bad timezone", "timing: { timezone: \"Mars/Olympus\" }", "timing.timezone"},
		{"bad provider", "oracle: { provider: \"crystal-ball\" }", "oracle.provider"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(writeConfig(t, "config.yaml", "logging: { level: info, console: true }\nstorage: { driver: memory }\n"+tt.mutate+"\n"))
			_, err := m.Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	ch := m.Subscribe(1)
	next := &Config{}
	m.publish(next)
	select {
	case got := <-ch:
		if got != next {
			t.Fatal("subscriber received wrong config")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the published config")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
}

func TestPublishDropsOldestForSlowSubscriber(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	stale := &Config{}
	fresh := &Config{}
	m.publish(stale)
	m.publish(fresh)

	got := <-ch
	if got != fresh {
		t.Fatal("slow subscriber should see the newest config, not the stale one")
	}
	m.Unsubscribe(ch)
}

func TestDurationOr(t *testing.T) {
	t.Parallel()
	if got := DurationOr("", 5*time.Second); got != 5*time.Second {
		t.Fatalf("empty = %v, want default", got)
	}
	if got := DurationOr("90s", time.Second); got != 90*time.Second {
		t.Fatalf("90s = %v", got)
	}
	if got := DurationOr("nope", 3*time.Second); got != 3*time.Second {
		t.Fatalf("invalid = %v, want default", got)
	}
}
