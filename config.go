package idxguard

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/idxguard/maintenance"
	"github.com/hupe1980/idxguard/unique"
)

// Config holds the thresholds of the maintenance loop and the uniqueness
// guard. Durations accept Go duration strings in YAML ("10s", "1h30m").
type Config struct {
	// KeyField is the document field whose values must be unique.
	KeyField string `yaml:"key_field"`
	// CacheSize is the pending-key capacity that forces a snapshot refresh.
	CacheSize int `yaml:"cache_size"`
	// RefreshInterval is the timer-driven snapshot refresh period.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// CommitInterval is the maximum time a write stays uncommitted.
	// Zero commits on every tick.
	CommitInterval time.Duration `yaml:"commit_interval"`
	// OptimizeInterval is the maximum time between compaction passes.
	// Zero optimizes on every tick.
	OptimizeInterval time.Duration `yaml:"optimize_interval"`
	// Cadence is the maintenance tick.
	Cadence time.Duration `yaml:"cadence"`
	// MaxPendingWrites forces a commit once more writes are pending.
	// Zero commits on every tick.
	MaxPendingWrites int `yaml:"max_pending_writes"`

	// SerializeMaintenance runs commits and optimizes under the guard lock,
	// for engines that cannot commit concurrently with writes.
	SerializeMaintenance bool `yaml:"serialize_maintenance"`
}

// DefaultConfig returns a Config suitable for a small embedded index.
// ParseConfig never falls back to it; it is a starting point for callers
// that build a Config in code.
func DefaultConfig() Config {
	return Config{
		KeyField:         "id",
		CacheSize:        10000,
		RefreshInterval:  time.Second,
		CommitInterval:   time.Minute,
		OptimizeInterval: time.Hour,
		Cadence:          time.Second,
		MaxPendingWrites: 100000,
	}
}

// Validate reports the first unusable field as a *ConfigError.
func (c Config) Validate() error {
	switch {
	case c.KeyField == "":
		return &ConfigError{Field: "key_field", Reason: "must not be empty"}
	case c.CacheSize <= 0:
		return &ConfigError{Field: "cache_size", Reason: fmt.Sprintf("must be positive, got %d", c.CacheSize)}
	case c.RefreshInterval <= 0:
		return &ConfigError{Field: "refresh_interval", Reason: fmt.Sprintf("must be positive, got %s", c.RefreshInterval)}
	case c.Cadence <= 0:
		return &ConfigError{Field: "cadence", Reason: fmt.Sprintf("must be positive, got %s", c.Cadence)}
	case c.CommitInterval < 0:
		return &ConfigError{Field: "commit_interval", Reason: fmt.Sprintf("must not be negative, got %s", c.CommitInterval)}
	case c.OptimizeInterval < 0:
		return &ConfigError{Field: "optimize_interval", Reason: fmt.Sprintf("must not be negative, got %s", c.OptimizeInterval)}
	case c.MaxPendingWrites < 0:
		return &ConfigError{Field: "max_pending_writes", Reason: fmt.Sprintf("must not be negative, got %d", c.MaxPendingWrites)}
	}
	return nil
}

func (c Config) guardConfig() unique.Config {
	return unique.Config{
		KeyField:        c.KeyField,
		CacheSize:       c.CacheSize,
		RefreshInterval: c.RefreshInterval,
	}
}

func (c Config) maintenanceConfig() maintenance.Config {
	return maintenance.Config{
		CommitInterval:   c.CommitInterval,
		OptimizeInterval: c.OptimizeInterval,
		Cadence:          c.Cadence,
		MaxPendingWrites: c.MaxPendingWrites,
	}
}

// requiredFields lists the YAML keys every config file must set. An explicit
// zero counts as set.
var requiredFields = []string{
	"key_field",
	"cache_size",
	"refresh_interval",
	"commit_interval",
	"optimize_interval",
	"cadence",
	"max_pending_writes",
}

// ParseConfig decodes YAML and validates the result. Every threshold is
// required: a missing key yields one *ConfigError per absent field, joined.
// Unknown fields are rejected. serialize_maintenance is optional.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var present map[string]any
	if err := yaml.Unmarshal(data, &present); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var missing []error
	for _, field := range requiredFields {
		if _, ok := present[field]; !ok {
			missing = append(missing, &ConfigError{Field: field, Reason: "is required"})
		}
	}
	if len(missing) > 0 {
		return Config{}, errors.Join(missing...)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}
