package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "chunkstream.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesTimingAndMetrics(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
role = "receiver"
remote_addr = "127.0.0.1"
port = 9000
mtu = 1500
buffer_size = 16
max_data_size = 1048576
log_level = "debug"

[timing]
init_chunk_timeout = "20ms"
resend_timeout = "20ms"
frame_drop_timeout = "100ms"

[metrics]
enabled = true
listen = ":9100"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Role != "receiver" || cfg.Port != 9000 || cfg.LogLevel != "debug" {
		t.Errorf("unexpected top-level fields: %+v", cfg)
	}
	if cfg.Timing.InitChunkTimeout.Duration != 20*time.Millisecond {
		t.Errorf("expected 20ms init_chunk_timeout, got %v", cfg.Timing.InitChunkTimeout.Duration)
	}
	if cfg.Timing.FrameDropTimeout.Duration != 100*time.Millisecond {
		t.Errorf("expected 100ms frame_drop_timeout, got %v", cfg.Timing.FrameDropTimeout.Duration)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != ":9100" {
		t.Errorf("unexpected metrics config: %+v", cfg.Metrics)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestWatcherPicksUpLogLevelChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
role = "sender"
log_level = "info"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	w, err := NewWatcher(path, cfg, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if w.LogLevel() != "info" {
		t.Fatalf("expected initial log level info, got %q", w.LogLevel())
	}

	writeConfig(t, dir, `
role = "sender"
log_level = "warn"
`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.LogLevel() == "warn" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected reloaded log level warn, got %q", w.LogLevel())
}
