package kestrelconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelfs/kestrel/internal/kestrellog"
)

const testConfigTOML = `
roots = ["/srv/data", "/srv/logs"]
ignore = [".git/**", "**/node_modules/**"]
log_level = "debug"
windows_buffer_size = 32768
latency_ms = 250
`

const testConfigYAML = `
roots:
  - /srv/data
ignore:
  - .git/**
log_level: info
`

func writeTempConfig(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeTempConfig(t, "kestrel.toml", testConfigTOML)

	config, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, []string{"/srv/data", "/srv/logs"}, config.Roots)
	require.Len(t, config.Ignore, 2)
	require.Equal(t, "debug", config.LogLevel)
	require.EqualValues(t, 32768, config.WindowsBufferSize)
	require.Equal(t, 250, config.LatencyMilliseconds)
}

func TestLoadYAML(t *testing.T) {
	path := writeTempConfig(t, "kestrel.yaml", testConfigYAML)

	config, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, []string{"/srv/data"}, config.Roots)
	require.Equal(t, "info", config.LogLevel)
}

func TestLoadTOMLHumanReadableBufferSize(t *testing.T) {
	path := writeTempConfig(t, "kestrel.toml", `
roots = ["/srv/data"]
windows_buffer_size = "64KiB"
`)

	config, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 64*1024, config.WindowsBufferSize)
}

func TestApplyEnvironmentOverrideHumanReadableBufferSize(t *testing.T) {
	path := writeTempConfig(t, "kestrel.toml", testConfigTOML)

	t.Setenv("KESTREL_WINDOWS_BUFFER_SIZE", "1MiB")

	config, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 1024*1024, config.WindowsBufferSize)
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := writeTempConfig(t, "kestrel.json", `{}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestApplyEnvironmentOverrides(t *testing.T) {
	path := writeTempConfig(t, "kestrel.toml", testConfigTOML)

	t.Setenv("KESTREL_LOG_LEVEL", "error")
	t.Setenv("KESTREL_WINDOWS_BUFFER_SIZE", "8192")

	config, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "error", config.LogLevel)
	require.EqualValues(t, 8192, config.WindowsBufferSize)
}

func TestResolveLogLevel(t *testing.T) {
	config := &WatcherConfig{LogLevel: "info"}
	require.Equal(t, kestrellog.LevelInfo, config.ResolveLogLevel(kestrellog.LevelWarn))

	empty := &WatcherConfig{}
	require.Equal(t, kestrellog.LevelWarn, empty.ResolveLogLevel(kestrellog.LevelWarn))

	invalid := &WatcherConfig{LogLevel: "not-a-level"}
	require.Equal(t, kestrellog.LevelWarn, invalid.ResolveLogLevel(kestrellog.LevelWarn))
}
