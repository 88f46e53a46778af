// Package config loads and validates the daemon's declared configuration:
// cloud credentials and the list of drives to reconcile. The daemon never
// reloads configuration at runtime; a restart is required to pick up
// changes.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DiskType is one of the BSU volume types the cloud API accepts.
type DiskType string

const (
	DiskTypeStandard DiskType = "standard"
	DiskTypeGP2      DiskType = "gp2"
	DiskTypeIO1      DiskType = "io1"
)

// Target is the declared lifecycle state of a drive.
type Target string

const (
	TargetOnline  Target = "online"
	TargetOffline Target = "offline"
	TargetDelete  Target = "delete"
)

// Authentication holds cloud API credentials. Both fields may be left empty
// in the document and supplied instead through OSC_ACCESS_KEY /
// OSC_SECRET_KEY, mirroring the way the upstream Outscale cloud client
// resolves credentials.
type Authentication struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Drive is the declared configuration of one elastic filesystem.
type Drive struct {
	Name             string   `yaml:"name"`
	Target           Target   `yaml:"target"`
	MountPath        string   `yaml:"mount_path"`
	AvailabilityZone string   `yaml:"availability_zone"`
	DiskType         DiskType `yaml:"disk_type"`
	DiskIopsPerGib   int64    `yaml:"disk_iops_per_gib"`
	MaxTotalSizeGib  int64    `yaml:"max_total_size_gib"`
	MaxBsuCount      int      `yaml:"max_bsu_count"`
	DiskScaleFactorPerc float64 `yaml:"disk_scale_factor_perc"`
	MinUsedSpacePerc float64  `yaml:"min_used_space_perc"`
	MaxUsedSpacePerc float64  `yaml:"max_used_space_perc"`
	InitialSizeGib   int64    `yaml:"initial_size_gib"`

	// ReconcileIntervalSeconds and SafetyMarginPerc are ambient knobs left
	// unpinned by the source behavior; see defaults below.
	ReconcileIntervalSeconds int     `yaml:"reconcile_interval_seconds"`
	SafetyMarginPerc         float64 `yaml:"safety_margin_perc"`
}

// Config is the fully validated, immutable configuration handed to the
// supervisor at startup.
type Config struct {
	Authentication Authentication `yaml:"authentication"`
	Drives         []Drive        `yaml:"drives"`
}

const (
	DefaultReconcileIntervalSeconds = 15
	DefaultSafetyMarginPerc         = 10.0
	MinSafetyMarginPerc             = 5.0
)

// Load reads and validates a configuration document from path, applying
// environment overrides for credentials and defaults for unset ambient
// knobs. Any validation failure is Fatal: the caller must exit non-zero
// before starting reconciliation.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OSC_ACCESS_KEY"); v != "" {
		cfg.Authentication.AccessKey = v
	}
	if v := os.Getenv("OSC_SECRET_KEY"); v != "" {
		cfg.Authentication.SecretKey = v
	}
}

func applyDefaults(cfg *Config) {
	for i := range cfg.Drives {
		d := &cfg.Drives[i]
		if d.ReconcileIntervalSeconds <= 0 {
			d.ReconcileIntervalSeconds = DefaultReconcileIntervalSeconds
		}
		if d.SafetyMarginPerc <= 0 {
			d.SafetyMarginPerc = DefaultSafetyMarginPerc
		}
	}
}

// Validate checks the structural invariants of spec.md §3. It never
// touches the network or the filesystem.
func (c *Config) Validate() error {
	if len(c.Drives) == 0 {
		return fmt.Errorf("config: no drives declared")
	}
	seen := make(map[string]bool, len(c.Drives))
	for _, d := range c.Drives {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("drive %q: %w", d.Name, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("drive %q: duplicate name", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// Validate checks a single drive's declared configuration.
func (d *Drive) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch d.Target {
	case TargetOnline, TargetOffline, TargetDelete:
	default:
		return fmt.Errorf("target %q must be one of online, offline, delete", d.Target)
	}
	if d.MountPath == "" {
		return fmt.Errorf("mount_path is required")
	}
	switch d.DiskType {
	case DiskTypeStandard, DiskTypeGP2, DiskTypeIO1:
	default:
		return fmt.Errorf("disk_type %q must be one of standard, gp2, io1", d.DiskType)
	}
	if d.DiskType == DiskTypeIO1 && d.DiskIopsPerGib <= 0 {
		return fmt.Errorf("disk_iops_per_gib is required for disk_type io1")
	}
	if d.DiskType != DiskTypeIO1 && d.DiskIopsPerGib != 0 {
		return fmt.Errorf("disk_iops_per_gib only applies to disk_type io1")
	}
	if d.MaxBsuCount < 2 {
		return fmt.Errorf("max_bsu_count must be >= 2, got %d", d.MaxBsuCount)
	}
	if d.DiskScaleFactorPerc <= 0 {
		return fmt.Errorf("disk_scale_factor_perc must be > 0")
	}
	if !(0 < d.MinUsedSpacePerc && d.MinUsedSpacePerc < d.MaxUsedSpacePerc && d.MaxUsedSpacePerc < 100) {
		return fmt.Errorf("min_used_space_perc (%v) and max_used_space_perc (%v) must satisfy 0 < min < max < 100",
			d.MinUsedSpacePerc, d.MaxUsedSpacePerc)
	}
	if d.InitialSizeGib < 1 {
		return fmt.Errorf("initial_size_gib must be >= 1")
	}
	if d.SafetyMarginPerc > 0 && d.SafetyMarginPerc < MinSafetyMarginPerc {
		return fmt.Errorf("safety_margin_perc must be >= %v", MinSafetyMarginPerc)
	}
	return nil
}
