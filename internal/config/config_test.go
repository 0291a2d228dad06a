package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/emane-bridge/internal/record"
)

func parse(t *testing.T, args ...string) Config {
	t.Helper()
	fs := flag.NewFlagSet("emane-bridge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("ParseConfig(%v): %v", args, err)
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := parse(t)

	if cfg.MetaSegment != "argos_emane_meta" || cfg.PoseSegment != "argos_emane_pose" {
		t.Fatalf("segments = %q, %q", cfg.MetaSegment, cfg.PoseSegment)
	}
	if cfg.SHMDir != "/dev/shm" {
		t.Fatalf("shm dir = %q", cfg.SHMDir)
	}
	if cfg.AttachInterval != 5*time.Second || cfg.PollInterval != 100*time.Millisecond || cfg.AttachTimeout != 0 {
		t.Fatalf("intervals = %v, %v, %v", cfg.AttachInterval, cfg.PollInterval, cfg.AttachTimeout)
	}
	if cfg.LogLevel != 2 || cfg.IDBase != 1 || cfg.Barrier != BarrierPoll {
		t.Fatalf("log level %d, id base %d, barrier %q", cfg.LogLevel, cfg.IDBase, cfg.Barrier)
	}
	if cfg.EventGroup != "224.1.2.8:45703" || cfg.EventDevice != "control0" || cfg.EventTTL != 32 {
		t.Fatalf("event channel = %q %q %d", cfg.EventGroup, cfg.EventDevice, cfg.EventTTL)
	}
	if cfg.Tracing.ServiceName != "emane-bridge" || cfg.Tracing.Enabled {
		t.Fatalf("tracing = %+v", cfg.Tracing)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.RecordLayout() != record.Packed {
		t.Fatalf("layout = %v, want packed", cfg.RecordLayout())
	}
}

func TestShortAndLongFlags(t *testing.T) {
	cfg := parse(t, "-f", "bridge.log", "--pidfile", "bridge.pid", "-l", "1", "-v")
	if cfg.LogFile != "bridge.log" || cfg.PIDFile != "bridge.pid" || cfg.LogLevel != 1 || !cfg.ShowVersion {
		t.Fatalf("short flags not applied: %+v", cfg)
	}

	cfg = parse(t, "--logfile", "other.log", "--loglevel", "4", "--layout", "native")
	if cfg.LogFile != "other.log" || cfg.LogLevel != 4 || cfg.RecordLayout() != record.Native {
		t.Fatalf("long flags not applied: %+v", cfg)
	}
}

func TestEnvThenFlags(t *testing.T) {
	t.Setenv("BRIDGE_POLL_INTERVAL", "250ms")
	t.Setenv("BRIDGE_META_SEGMENT", "env_meta")

	cfg := parse(t, "-meta-segment", "flag_meta")
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("poll interval = %v, want env value", cfg.PollInterval)
	}
	if cfg.MetaSegment != "flag_meta" {
		t.Fatalf("meta segment = %q, want flag value", cfg.MetaSegment)
	}
}

func TestScenarioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.json")
	doc := `{"pose_segment":"exp_pose","poll_interval":"50ms","id_base":10,"event_device":"lo","layout":"native"}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write scenario: %v", err)
	}

	cfg := parse(t, "-s", path, "-layout", "packed")
	if cfg.PoseSegment != "exp_pose" || cfg.PollInterval != 50*time.Millisecond || cfg.IDBase != 10 || cfg.EventDevice != "lo" {
		t.Fatalf("scenario not applied: %+v", cfg)
	}
	if cfg.Layout != "packed" {
		t.Fatalf("explicit flag lost to scenario: layout %q", cfg.Layout)
	}
	if cfg.MetaSegment != "argos_emane_meta" {
		t.Fatalf("absent key changed meta segment to %q", cfg.MetaSegment)
	}
}

func TestScenarioFileErrors(t *testing.T) {
	dir := t.TempDir()
	unknown := filepath.Join(dir, "unknown.json")
	if err := os.WriteFile(unknown, []byte(`{"robots":3}`), 0o600); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	badDuration := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(badDuration, []byte(`{"poll_interval":"soon"}`), 0o600); err != nil {
		t.Fatalf("write scenario: %v", err)
	}

	for _, path := range []string{unknown, badDuration, filepath.Join(dir, "missing.json")} {
		fs := flag.NewFlagSet("emane-bridge", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		if _, err := ParseConfig(fs, []string{"--sysfile", path}); err == nil {
			t.Fatalf("ParseConfig with %s succeeded", filepath.Base(path))
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.LogLevel = 6 }},
		{"layout", func(c *Config) { c.Layout = "sparse" }},
		{"empty segment", func(c *Config) { c.PoseSegment = "" }},
		{"segment path", func(c *Config) { c.MetaSegment = "a/b" }},
		{"same segments", func(c *Config) { c.PoseSegment = c.MetaSegment }},
		{"attach interval", func(c *Config) { c.AttachInterval = 0 }},
		{"attach timeout", func(c *Config) { c.AttachTimeout = -time.Second }},
		{"poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"barrier", func(c *Config) { c.Barrier = "futex" }},
		{"id base zero", func(c *Config) { c.IDBase = 0 }},
		{"id base wide", func(c *Config) { c.IDBase = 70000 }},
		{"torn retries", func(c *Config) { c.TornReadRetries = -1 }},
		{"event group", func(c *Config) { c.EventGroup = "not an address" }},
		{"event ttl", func(c *Config) { c.EventTTL = 300 }},
		{"event ttl zero", func(c *Config) { c.EventTTL = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := parse(t)
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}
