package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/signalsfoundry/emane-bridge/internal/observability"
	"github.com/signalsfoundry/emane-bridge/internal/record"
)

// Version is reported by -v/--version.
var Version = "0.2.1_beta"

// Barrier modes.
const (
	BarrierPoll   = "poll"
	BarrierSignal = "signal"
)

// ErrInvalid marks a configuration value that failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the bridge process configuration.
type Config struct {
	LogFile   string `env:"BRIDGE_LOG_FILE"`
	LogLevel  int    `env:"BRIDGE_LOG_LEVEL"  envDefault:"2"`
	LogFormat string `env:"LOG_FORMAT"        envDefault:"text"`
	PIDFile   string `env:"BRIDGE_PID_FILE"`
	Scenario  string `env:"BRIDGE_SCENARIO_FILE"`

	ShowVersion bool `env:"-"`

	SHMDir      string `env:"BRIDGE_SHM_DIR"       envDefault:"/dev/shm"`
	MetaSegment string `env:"BRIDGE_META_SEGMENT"  envDefault:"argos_emane_meta"`
	PoseSegment string `env:"BRIDGE_POSE_SEGMENT"  envDefault:"argos_emane_pose"`
	Layout      string `env:"BRIDGE_RECORD_LAYOUT" envDefault:"packed"`

	AttachInterval time.Duration `env:"BRIDGE_ATTACH_INTERVAL" envDefault:"5s"`
	AttachTimeout  time.Duration `env:"BRIDGE_ATTACH_TIMEOUT"  envDefault:"0s"`
	PollInterval   time.Duration `env:"BRIDGE_POLL_INTERVAL"   envDefault:"100ms"`

	Barrier         string `env:"BRIDGE_BARRIER"           envDefault:"poll"`
	IDBase          uint   `env:"BRIDGE_ID_BASE"           envDefault:"1"`
	TornReadRetries int    `env:"BRIDGE_TORN_READ_RETRIES" envDefault:"3"`

	EventGroup  string `env:"BRIDGE_EVENT_GROUP"  envDefault:"224.1.2.8:45703"`
	EventDevice string `env:"BRIDGE_EVENT_DEVICE" envDefault:"control0"`
	EventTTL    int    `env:"BRIDGE_EVENT_TTL"    envDefault:"32"`

	MetricsAddr string `env:"BRIDGE_METRICS_ADDR"`
	HealthAddr  string `env:"BRIDGE_HEALTH_ADDR"`
	JournalPath string `env:"BRIDGE_JOURNAL_PATH"`

	Tracing observability.TracingConfig
}

// Scenario holds the experiment parameters that may be supplied in the
// -s/--sysfile JSON document. Absent keys leave the current value alone.
type Scenario struct {
	MetaSegment  *string `json:"meta_segment"`
	PoseSegment  *string `json:"pose_segment"`
	Layout       *string `json:"layout"`
	PollInterval *string `json:"poll_interval"`
	IDBase       *uint   `json:"id_base"`
	EventGroup   *string `json:"event_group"`
	EventDevice  *string `json:"event_device"`
	EventTTL     *int    `json:"event_ttl"`
}

// ParseConfig reads the environment, then flags, then the scenario file.
// A flag given explicitly wins over the scenario file.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.LogFile, "f", cfg.LogFile, "log to `file` instead of stdout")
	fs.StringVar(&cfg.LogFile, "logfile", cfg.LogFile, "log to `file` instead of stdout")
	fs.IntVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level 1 (debug) to 5")
	fs.IntVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "log level 1 (debug) to 5")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	fs.StringVar(&cfg.PIDFile, "pidfile", cfg.PIDFile, "write the process id to `file`")
	fs.StringVar(&cfg.Scenario, "s", cfg.Scenario, "experiment scenario parameters `file`")
	fs.StringVar(&cfg.Scenario, "sysfile", cfg.Scenario, "experiment scenario parameters `file`")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "print the version and exit")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print the version and exit")

	fs.StringVar(&cfg.SHMDir, "shm-dir", cfg.SHMDir, "directory holding shared memory objects")
	fs.StringVar(&cfg.MetaSegment, "meta-segment", cfg.MetaSegment, "metadata segment name")
	fs.StringVar(&cfg.PoseSegment, "pose-segment", cfg.PoseSegment, "pose segment name")
	fs.StringVar(&cfg.Layout, "layout", cfg.Layout, "record layout: packed or native")
	fs.DurationVar(&cfg.AttachInterval, "attach-interval", cfg.AttachInterval, "retry interval while waiting for the metadata segment")
	fs.DurationVar(&cfg.AttachTimeout, "attach-timeout", cfg.AttachTimeout, "give up attaching after this long (0 waits forever)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "poll loop cadence")
	fs.StringVar(&cfg.Barrier, "barrier", cfg.Barrier, "iteration barrier: poll or signal")
	fs.UintVar(&cfg.IDBase, "id-base", cfg.IDBase, "first emulator node id")
	fs.IntVar(&cfg.TornReadRetries, "torn-read-retries", cfg.TornReadRetries, "re-reads of an unstable pose slot before skipping it")
	fs.StringVar(&cfg.EventGroup, "event-group", cfg.EventGroup, "event channel group address")
	fs.StringVar(&cfg.EventDevice, "event-device", cfg.EventDevice, "event channel interface")
	fs.IntVar(&cfg.EventTTL, "event-ttl", cfg.EventTTL, "event channel multicast TTL")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "serve gRPC health on this address")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "record positions to this SQLite file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.Scenario != "" && !cfg.ShowVersion {
		sc, err := LoadScenario(cfg.Scenario)
		if err != nil {
			return Config{}, err
		}
		explicit := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		if err := sc.apply(&cfg, explicit); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// LoadScenario reads a scenario JSON document. Unknown keys are rejected.
func LoadScenario(path string) (Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("open scenario file: %w", err)
	}
	defer f.Close()

	var sc Scenario
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sc); err != nil {
		return Scenario{}, fmt.Errorf("decode scenario file %s: %w", path, err)
	}
	return sc, nil
}

func (s Scenario) apply(cfg *Config, explicit map[string]bool) error {
	setString := func(dst *string, v *string, flag string) {
		if v == nil || explicit[flag] {
			return
		}
		*dst = *v
	}
	setString(&cfg.MetaSegment, s.MetaSegment, "meta-segment")
	setString(&cfg.PoseSegment, s.PoseSegment, "pose-segment")
	setString(&cfg.Layout, s.Layout, "layout")
	setString(&cfg.EventGroup, s.EventGroup, "event-group")
	setString(&cfg.EventDevice, s.EventDevice, "event-device")

	if s.PollInterval != nil && !explicit["poll-interval"] {
		d, err := time.ParseDuration(*s.PollInterval)
		if err != nil {
			return fmt.Errorf("scenario poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}
	if s.IDBase != nil && !explicit["id-base"] {
		cfg.IDBase = *s.IDBase
	}
	if s.EventTTL != nil && !explicit["event-ttl"] {
		cfg.EventTTL = *s.EventTTL
	}
	return nil
}

// Validate reports the first invalid value.
func (c Config) Validate() error {
	if c.LogLevel < 1 || c.LogLevel > 5 {
		return fmt.Errorf("%w: log level %d not in 1..5", ErrInvalid, c.LogLevel)
	}
	if _, err := record.ParseLayout(c.Layout); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for _, name := range []string{c.MetaSegment, c.PoseSegment} {
		if name == "" || strings.ContainsRune(name, '/') {
			return fmt.Errorf("%w: segment name %q must be non-empty and contain no '/'", ErrInvalid, name)
		}
	}
	if c.MetaSegment == c.PoseSegment {
		return fmt.Errorf("%w: metadata and pose segments share the name %q", ErrInvalid, c.MetaSegment)
	}
	if c.AttachInterval <= 0 {
		return fmt.Errorf("%w: attach interval must be positive", ErrInvalid)
	}
	if c.AttachTimeout < 0 {
		return fmt.Errorf("%w: attach timeout must not be negative", ErrInvalid)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalid)
	}
	switch c.Barrier {
	case BarrierPoll, BarrierSignal:
	default:
		return fmt.Errorf("%w: barrier %q is neither %q nor %q", ErrInvalid, c.Barrier, BarrierPoll, BarrierSignal)
	}
	if c.IDBase < 1 || c.IDBase > 0xFFFF {
		return fmt.Errorf("%w: id base %d not in 1..65535", ErrInvalid, c.IDBase)
	}
	if c.TornReadRetries < 0 {
		return fmt.Errorf("%w: torn read retries must not be negative", ErrInvalid)
	}
	if _, err := net.ResolveUDPAddr("udp4", c.EventGroup); err != nil {
		return fmt.Errorf("%w: event group %q: %v", ErrInvalid, c.EventGroup, err)
	}
	if c.EventTTL < 1 || c.EventTTL > 255 {
		return fmt.Errorf("%w: event ttl %d not in 1..255", ErrInvalid, c.EventTTL)
	}
	return nil
}

// RecordLayout resolves the configured layout. Call Validate first.
func (c Config) RecordLayout() record.Layout {
	l, _ := record.ParseLayout(c.Layout)
	return l
}
