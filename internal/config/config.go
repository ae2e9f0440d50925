// Package config holds the external configuration gating the native memory
// tracker: the tracking level and the diagnostic surfaces around it. The
// tracker core consults the level only to decide whether to perform work at
// all; nothing here is part of the accounting contract.
package config

import (
	"flag"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/orizon-lang/memtrack/internal/vmtracker"
)

// Config configures tracking behavior.
type Config struct {
	Level             string `yaml:"level"`
	MetricsListenAddr string `yaml:"metrics_listen_addr"`
	LogLevel          string `yaml:"log_level"`
}

// DefaultConfig returns the defaults applied before flags and file values.
func DefaultConfig() Config {
	return Config{
		Level:    vmtracker.LevelSummary.String(),
		LogLevel: "info",
	}
}

// RegisterFlags registers flags without a prefix.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix registers flags where every name is prefixed by
// prefix. If prefix is a non-empty string, prefix should end with a period.
func (c *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	d := DefaultConfig()
	f.StringVar(&c.Level, prefix+"tracking.level", d.Level,
		"Native memory tracking level: off, summary or detail.")
	f.StringVar(&c.MetricsListenAddr, prefix+"metrics.listen-addr", d.MetricsListenAddr,
		"Address to expose prometheus metrics on; empty disables the listener.")
	f.StringVar(&c.LogLevel, prefix+"log.level", d.LogLevel,
		"Log level: debug, info, warn or error.")
}

// TrackingLevel parses the configured level.
func (c *Config) TrackingLevel() (vmtracker.TrackingLevel, error) {
	return vmtracker.ParseTrackingLevel(c.Level)
}

// Load reads a yaml config file over the receiver's current values.
func (c *Config) Load(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	if err := yaml.UnmarshalStrict(buf, c); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	if _, err := c.TrackingLevel(); err != nil {
		return err
	}
	return nil
}
