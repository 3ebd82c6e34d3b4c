// Package config loads the server configuration file.
//
// The file is YAML and decoded strictly: an unknown key is an error, so a
// misspelled setting never silently keeps its default. Durations are Go
// duration strings ("250ms", "5m").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tuplespace/internal/lease"
	"github.com/roach88/tuplespace/internal/notify"
	"github.com/roach88/tuplespace/internal/space"
	"github.com/roach88/tuplespace/internal/txn"
)

// Config is the server configuration.
type Config struct {
	// DataPath is the SQLite recovery log. Empty runs without durability.
	DataPath string `yaml:"data_path"`

	// Listen is the HTTP transport address.
	Listen string `yaml:"listen"`

	// Schemas is a directory of CUE entry-type schemas loaded at startup.
	Schemas string `yaml:"schemas"`

	Lease    LeaseConfig    `yaml:"lease"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Notify   NotifyConfig   `yaml:"notify"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Log      LogConfig      `yaml:"log"`
}

// LeaseConfig bounds leases and paces the expiration sweep.
type LeaseConfig struct {
	Max                 time.Duration `yaml:"max"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	ExpirationQueueWarn int           `yaml:"expiration_queue_warn"`
}

// MonitorConfig is the transaction polling schedule.
type MonitorConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
	Workers         int64         `yaml:"workers"`
}

// NotifyConfig sizes event delivery.
type NotifyConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	RetryMax  int           `yaml:"retry_max"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RecoveryConfig controls log durability and snapshots.
type RecoveryConfig struct {
	SyncDurability       bool          `yaml:"sync_durability"`
	SnapshotInterval     time.Duration `yaml:"snapshot_interval"`
	SnapshotEveryRecords int64         `yaml:"snapshot_every_records"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for everything a file leaves out.
func Default() Config {
	mon := txn.DefaultMonitorConfig()
	return Config{
		DataPath: "tuplespace.db",
		Listen:   "127.0.0.1:7420",
		Lease: LeaseConfig{
			Max:                 time.Hour,
			SweepInterval:       time.Second,
			ExpirationQueueWarn: 1024,
		},
		Monitor: MonitorConfig{
			InitialInterval: mon.InitialInterval,
			MaxInterval:     mon.MaxInterval,
			Multiplier:      mon.Multiplier,
			Jitter:          mon.Jitter,
			Workers:         mon.Workers,
		},
		Notify: NotifyConfig{
			Workers:   4,
			QueueSize: 1024,
			RetryMax:  3,
			Timeout:   10 * time.Second,
		},
		Recovery: RecoveryConfig{
			SnapshotInterval:     5 * time.Minute,
			SnapshotEveryRecords: 10000,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the file at path over the defaults. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Parse decodes data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Lease.Max < 0 {
		errs = append(errs, fmt.Errorf("lease.max must not be negative, got %v", c.Lease.Max))
	}
	if c.Lease.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("lease.sweep_interval must be positive, got %v", c.Lease.SweepInterval))
	}
	if c.Monitor.InitialInterval <= 0 || c.Monitor.MaxInterval < c.Monitor.InitialInterval {
		errs = append(errs, fmt.Errorf("monitor: need 0 < initial_interval <= max_interval, got %v and %v",
			c.Monitor.InitialInterval, c.Monitor.MaxInterval))
	}
	if c.Monitor.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("monitor.multiplier must be at least 1, got %v", c.Monitor.Multiplier))
	}
	if c.Monitor.Jitter < 0 || c.Monitor.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("monitor.jitter must be in [0, 1), got %v", c.Monitor.Jitter))
	}
	if c.Monitor.Workers <= 0 {
		errs = append(errs, fmt.Errorf("monitor.workers must be positive, got %d", c.Monitor.Workers))
	}
	if c.Notify.Workers <= 0 || c.Notify.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("notify.workers and notify.queue_size must be positive"))
	}
	if c.Notify.RetryMax < 0 {
		errs = append(errs, fmt.Errorf("notify.retry_max must not be negative, got %d", c.Notify.RetryMax))
	}
	if c.Recovery.SnapshotInterval < 0 || c.Recovery.SnapshotEveryRecords < 0 {
		errs = append(errs, errors.New("recovery snapshot settings must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json", "tint":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text, json or tint, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
	}
}

// LeasePolicy returns the lease bounds.
func (c *Config) LeasePolicy() lease.Policy {
	return lease.Policy{Max: c.Lease.Max}
}

// Space returns the space worker configuration.
func (c *Config) Space() space.Config {
	return space.Config{
		SweepInterval:       c.Lease.SweepInterval,
		ExpirationWarnDepth: c.Lease.ExpirationQueueWarn,
		Monitor: txn.MonitorConfig{
			InitialInterval: c.Monitor.InitialInterval,
			MaxInterval:     c.Monitor.MaxInterval,
			Multiplier:      c.Monitor.Multiplier,
			Jitter:          c.Monitor.Jitter,
			Workers:         c.Monitor.Workers,
		},
		Notify: notify.Config{
			Workers:   c.Notify.Workers,
			QueueSize: c.Notify.QueueSize,
		},
		SnapshotInterval:     c.Recovery.SnapshotInterval,
		SnapshotEveryRecords: c.Recovery.SnapshotEveryRecords,
	}
}

// HTTPNotifier returns the HTTP notification transport settings.
func (c *Config) HTTPNotifier() notify.HTTPConfig {
	return notify.HTTPConfig{
		RetryMax: c.Notify.RetryMax,
		Timeout:  c.Notify.Timeout,
	}
}
