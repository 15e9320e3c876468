// Package kestrelconfig loads the tunable knobs a host process exposes for
// a kestrel Server: which roots to watch, platform buffer/latency tuning,
// log verbosity, and ignore globs.
package kestrelconfig

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/kestrelfs/kestrel/internal/kestrellog"
)

// ByteSize is a uint64 value that unmarshals from either a plain integer
// or a human-friendly string ("16KiB", "64MB") in a TOML or YAML
// configuration file.
type ByteSize uint64

// UnmarshalText implements encoding.TextUnmarshaler, invoked by both the
// TOML and YAML decoders when the source value is a string rather than a
// bare integer.
func (s *ByteSize) UnmarshalText(text []byte) error {
	value, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	*s = ByteSize(value)
	return nil
}

// WatcherConfig is the on-disk (and environment-overridable) configuration
// for a single Server instance.
type WatcherConfig struct {
	// Roots lists the directories to watch on startup.
	Roots []string `toml:"roots" yaml:"roots"`
	// Ignore holds doublestar glob patterns passed to kestrel.GlobFilter.
	Ignore []string `toml:"ignore" yaml:"ignore"`
	// LogLevel names a kestrellog.Level ("debug", "info", "warn", "error",
	// "disabled"). Empty means leave the Server's default in place.
	LogLevel string `toml:"log_level" yaml:"log_level"`
	// WindowsBufferSize overrides the Windows backend's per-directory
	// notification buffer. Accepts a bare byte count or a human-friendly
	// size such as "64KiB". Zero means leave the default.
	WindowsBufferSize ByteSize `toml:"windows_buffer_size" yaml:"windows_buffer_size"`
	// LatencyMilliseconds overrides the macOS FSEvents coalescing latency.
	// Zero means leave the default.
	LatencyMilliseconds int `toml:"latency_ms" yaml:"latency_ms"`
}

// Load reads a WatcherConfig from path, dispatching on its extension
// (.toml or .yaml/.yml; anything else is rejected), then applies any
// KESTREL_-prefixed environment variable overrides, optionally sourced
// from a sibling ".env" file via godotenv.
func Load(path string) (*WatcherConfig, error) {
	config := &WatcherConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read configuration file")
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, errors.Wrap(err, "unable to decode TOML configuration")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.Wrap(err, "unable to decode YAML configuration")
		}
	default:
		return nil, errors.Errorf("unsupported configuration extension: %s", ext)
	}

	applyEnvironmentOverrides(config, filepath.Dir(path))

	return config, nil
}

// applyEnvironmentOverrides loads a ".env" file from dir (if present) and
// then overlays any KESTREL_-prefixed variables onto config. Malformed
// numeric overrides are ignored rather than treated as fatal, since a
// configuration file on disk should not become unloadable because of a
// stray environment variable.
func applyEnvironmentOverrides(config *WatcherConfig, dir string) {
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		_ = godotenv.Load(envPath)
	}

	if level := os.Getenv("KESTREL_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	if size := os.Getenv("KESTREL_WINDOWS_BUFFER_SIZE"); size != "" {
		if parsed, err := humanize.ParseBytes(size); err == nil {
			config.WindowsBufferSize = ByteSize(parsed)
		}
	}
	if latency := os.Getenv("KESTREL_LATENCY_MS"); latency != "" {
		if parsed, err := strconv.Atoi(latency); err == nil {
			config.LatencyMilliseconds = parsed
		}
	}
}

// ResolveLogLevel parses the configured LogLevel, returning fallback if
// LogLevel is empty.
func (c *WatcherConfig) ResolveLogLevel(fallback kestrellog.Level) kestrellog.Level {
	if c.LogLevel == "" {
		return fallback
	}
	level, ok := kestrellog.NameToLevel(c.LogLevel)
	if !ok {
		return fallback
	}
	return level
}
