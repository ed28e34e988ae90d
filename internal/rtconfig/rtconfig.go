// Package rtconfig loads the runtime's YAML configuration file and applies
// it to the scheduler and cache subsystems: a single struct with defaults
// pre-populated, loaded from disk when present and falling back to
// Defaults otherwise.
package rtconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/corewire/reactor/pkg/cache"
	"github.com/corewire/reactor/pkg/scheduler"
)

// Config is the on-disk shape of reactor.yaml.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Devtools  DevtoolsConfig  `yaml:"devtools"`
}

// SchedulerConfig mirrors scheduler.Options.
type SchedulerConfig struct {
	MaxMicrotaskIterations int `yaml:"maxMicrotaskIterations,omitempty"`
	MaxRAFIterations       int `yaml:"maxRAFIterations,omitempty"`
}

// CacheConfig mirrors cache.Options.
type CacheConfig struct {
	MaxEntries     int   `yaml:"maxEntries,omitempty"`
	WarnOnEviction *bool `yaml:"warnOnEviction,omitempty"`
}

// DevtoolsConfig controls whether pkg/devtools is wired up at all; reactor
// is usable as a library with devtools entirely absent, so this defaults
// to disabled rather than assuming a terminal host is available.
type DevtoolsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns the configuration applied when no file is found, chosen
// to match scheduler.New and cache.New's own zero-config defaults so
// loading a config file is never required to get sane behavior.
func Defaults() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxMicrotaskIterations: scheduler.DefaultMaxMicrotaskIterations,
			MaxRAFIterations:       scheduler.DefaultMaxRAFIterations,
		},
		Cache: CacheConfig{
			MaxEntries: 500,
		},
		Devtools: DevtoolsConfig{
			Enabled: false,
		},
	}
}

// Load reads path, merging parsed values over Defaults so a config file that
// only sets one field leaves the rest at their defaults. A missing file is
// not an error: Defaults is returned as-is, so a project without a
// reactor.yaml still gets a working runtime.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("rtconfig: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("rtconfig: parsing %s: %w", path, err)
	}
	applyZeroDefaults(cfg)
	return cfg, nil
}

// applyZeroDefaults fills in any field the file left at its zero value
// after the on-disk config is unmarshalled over a fresh struct.
func applyZeroDefaults(cfg *Config) {
	defaults := Defaults()
	if cfg.Scheduler.MaxMicrotaskIterations == 0 {
		cfg.Scheduler.MaxMicrotaskIterations = defaults.Scheduler.MaxMicrotaskIterations
	}
	if cfg.Scheduler.MaxRAFIterations == 0 {
		cfg.Scheduler.MaxRAFIterations = defaults.Scheduler.MaxRAFIterations
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = defaults.Cache.MaxEntries
	}
}

// Save writes cfg back to path as YAML, for tooling that wants to persist a
// generated config.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ApplyScheduler pushes the parsed scheduler settings into sched.
func (c *Config) ApplyScheduler(sched *scheduler.Scheduler) {
	sched.Configure(scheduler.Options{
		MaxMicrotaskIterations: c.Scheduler.MaxMicrotaskIterations,
		MaxRAFIterations:       c.Scheduler.MaxRAFIterations,
	})
}

// ApplyCache pushes the parsed cache settings into c2.
func (c *Config) ApplyCache(c2 *cache.Cache) {
	c2.Configure(cache.Options{
		MaxEntries:     c.Cache.MaxEntries,
		WarnOnEviction: c.Cache.WarnOnEviction,
	})
}
