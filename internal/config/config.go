// Package config loads credvault settings from a YAML or TOML file with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/password"
	"github.com/forest6511/credvault/pkg/storage"
	"github.com/forest6511/credvault/pkg/vault"
)

// Environment variables that override file values.
const (
	EnvConfig   = "CREDVAULT_CONFIG"
	EnvDataDir  = "CREDVAULT_DATA_DIR"
	EnvLogLevel = "CREDVAULT_LOG_LEVEL"
)

// DefaultDirName is the data directory under the user's home.
const DefaultDirName = ".credvault"

// fileNames are probed in order by Find.
var fileNames = []string{"config.yaml", "config.yml", "config.toml"}

// ErrUnsupportedFormat is returned for config files that are neither YAML
// nor TOML.
var ErrUnsupportedFormat = errors.New("config: unsupported file format (want .yaml, .yml or .toml)")

// Config holds all credvault settings.
type Config struct {
	// DataDir holds the registry and the per-user vaults.
	DataDir string `yaml:"data_dir" toml:"data_dir"`

	// PageSize is the number of credentials read per storage scope when
	// listing.
	PageSize int `yaml:"page_size" toml:"page_size"`

	Log       LogConfig       `yaml:"log" toml:"log"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	KDF       KDFConfig       `yaml:"kdf" toml:"kdf"`
	Generator GeneratorConfig `yaml:"generator" toml:"generator"`

	// path is the file the config was read from, if any.
	path string
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text or json
}

// StorageConfig tunes the connection scope.
type StorageConfig struct {
	LockTimeout  time.Duration `yaml:"lock_timeout" toml:"lock_timeout"`
	MinFreeBytes uint64        `yaml:"min_free_bytes" toml:"min_free_bytes"`
}

// KDFConfig holds the Argon2id cost used for new vaults and rotations.
type KDFConfig struct {
	Time      uint32 `yaml:"time" toml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib" toml:"memory_kib"`
	Threads   uint8  `yaml:"threads" toml:"threads"`
}

// GeneratorConfig holds password generator defaults.
type GeneratorConfig struct {
	Length int `yaml:"length" toml:"length"`
}

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:  dataDir,
		PageSize: vault.DefaultPageSize,
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
		Storage: StorageConfig{
			LockTimeout: storage.DefaultLockTimeout,
		},
		KDF: KDFConfig{
			Time:      crypto.DefaultParams.Time,
			MemoryKiB: crypto.DefaultParams.Memory,
			Threads:   crypto.DefaultParams.Threads,
		},
		Generator: GeneratorConfig{
			Length: password.DefaultLength,
		},
	}
}

// DefaultDataDir returns ~/.credvault.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName), nil
}

// Find returns the first config file present in dir, or "".
func Find(dir string) string {
	for _, name := range fileNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load builds the effective configuration: defaults, then the file at path
// (or the one Find locates in the data directory when path is empty), then
// environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	dataDir := os.Getenv(EnvDataDir)
	if dataDir == "" {
		var err error
		if dataDir, err = DefaultDataDir(); err != nil {
			return nil, err
		}
	}
	cfg := Default(dataDir)

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		path = Find(dataDir)
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := c.Decode(f, filepath.Ext(path)); err != nil {
		return fmt.Errorf("reading config from %s: %w", path, err)
	}
	c.path = path
	return nil
}

// Decode reads settings from r over the current values. ext selects the
// format (".yaml", ".yml" or ".toml"); keys absent from the input keep their
// current value.
func (c *Config) Decode(r io.Reader, ext string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to decode config: %w", err)
		}
	case ".toml":
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(c)
		if err != nil {
			return fmt.Errorf("failed to decode config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("failed to decode config: unknown key %q", undecoded[0].String())
		}
	default:
		return ErrUnsupportedFormat
	}
	return nil
}

// applyEnv overrides file values with the environment. The data directory
// variable wins over data_dir from the file.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}

// Path returns the file the config was read from, or "" for defaults.
func (c *Config) Path() string { return c.path }

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir must be set")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log format %q (want text or json)", c.Log.Format)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("config: page_size must be positive, got %d", c.PageSize)
	}
	if c.Storage.LockTimeout <= 0 {
		return fmt.Errorf("config: storage.lock_timeout must be positive, got %s", c.Storage.LockTimeout)
	}
	if err := c.KDFParams().Validate(); err != nil {
		return fmt.Errorf("config: kdf: %w", err)
	}
	if c.Generator.Length < password.MinLength || c.Generator.Length > password.MaxLength {
		return fmt.Errorf("config: generator.length must be between %d and %d", password.MinLength, password.MaxLength)
	}
	return nil
}

// KDFParams returns the Argon2id parameters.
func (c *Config) KDFParams() crypto.Params {
	return crypto.Params{Time: c.KDF.Time, Memory: c.KDF.MemoryKiB, Threads: c.KDF.Threads}
}

// StorageOptions returns the connection scope options for a manager.
func (c *Config) StorageOptions(logger *slog.Logger) []storage.Option {
	opts := []storage.Option{
		storage.WithLogger(logger),
		storage.WithLockTimeout(c.Storage.LockTimeout),
	}
	if c.Storage.MinFreeBytes > 0 {
		opts = append(opts, storage.WithMinFreeSpace(c.Storage.MinFreeBytes))
	}
	return opts
}

// Logger builds a slog logger writing to w in the configured format.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelWarn
	}
	hopts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: invalid log level %q (want debug, info, warn or error)", s)
	}
	return level, nil
}
