package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/password"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("/tmp/data")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, crypto.DefaultParams, cfg.KDFParams())
	assert.Equal(t, password.DefaultLength, cfg.Generator.Length)
	assert.Equal(t, "", cfg.Path())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, "")
	t.Setenv(EnvLogLevel, "")
	path := writeFile(t, dir, "custom.yaml", `
data_dir: /srv/credvault
page_size: 50
log:
  level: debug
  format: json
storage:
  lock_timeout: 2s
  min_free_bytes: 1048576
kdf:
  time: 2
  memory_kib: 32768
  threads: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/credvault", cfg.DataDir)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 2*time.Second, cfg.Storage.LockTimeout)
	assert.Equal(t, uint64(1<<20), cfg.Storage.MinFreeBytes)
	assert.Equal(t, crypto.Params{Time: 2, Memory: 32768, Threads: 2}, cfg.KDFParams())
	// Absent keys keep their defaults.
	assert.Equal(t, password.DefaultLength, cfg.Generator.Length)
	assert.Equal(t, path, cfg.Path())
	assert.Len(t, cfg.StorageOptions(cfg.Logger(&bytes.Buffer{})), 3)
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	t.Setenv(EnvLogLevel, "")
	writeFile(t, dir, "config.toml", `
page_size = 10

[log]
level = "info"

[storage]
lock_timeout = "500ms"

[generator]
length = 32
`)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 10, cfg.PageSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 500*time.Millisecond, cfg.Storage.LockTimeout)
	assert.Equal(t, 32, cfg.Generator.Length)
	assert.Equal(t, filepath.Join(dir, "config.toml"), cfg.Path())
	assert.Len(t, cfg.StorageOptions(nil), 2)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	path := writeFile(t, dir, "config.yml", "data_dir: "+dir+"\nlog:\n  level: error\n")

	t.Setenv(EnvDataDir, other)
	t.Setenv(EnvLogLevel, "DEBUG")
	t.Setenv(EnvConfig, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, other, cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, path, cfg.Path())
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	t.Setenv(EnvLogLevel, "")

	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"unknown yaml key", "a.yaml", "colour: blue\n", "colour"},
		{"unknown toml key", "b.toml", "colour = \"blue\"\n", "colour"},
		{"bad yaml", "c.yaml", "log: [\n", "decode"},
		{"bad level", "d.yaml", "log:\n  level: loud\n", "log level"},
		{"bad format", "e.yaml", "log:\n  format: xml\n", "log format"},
		{"bad page size", "f.toml", "page_size = 0\n", "page_size"},
		{"bad kdf", "g.toml", "[kdf]\nthreads = 0\n", "kdf"},
		{"bad generator", "h.toml", "[generator]\nlength = 4\n", "generator.length"},
		{"unsupported format", "i.json", "{}", "unsupported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "", Find(dir))

	toml := writeFile(t, dir, "config.toml", "")
	assert.Equal(t, toml, Find(dir))

	yml := writeFile(t, dir, "config.yaml", "")
	assert.Equal(t, yml, Find(dir), "yaml is preferred")
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default("/tmp/data")
	cfg.Log.Format = "json"
	cfg.Log.Level = "info"

	logger := cfg.Logger(&buf)
	logger.Debug("hidden")
	logger.Info("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), "json output: %s", out)
	assert.Contains(t, out, `"k":"v"`)
}
