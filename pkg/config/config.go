// Package config loads the vaultsync configuration file.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/vaultsync/internal/fsutil"
	"github.com/forest6511/vaultsync/pkg/conflict"
	"github.com/forest6511/vaultsync/pkg/remote"
)

// Environment variables read by Load.
const (
	EnvDir      = "VAULTSYNC_DIR"
	EnvPassword = "VAULTSYNC_PASSWORD"
	EnvLogLevel = "VAULTSYNC_LOG_LEVEL"
)

const (
	// FileName is the config file inside the vault directory.
	FileName = "config.yaml"

	BackendFile = "file"
	BackendS3   = "s3"

	MinChunkSizeMiB     = 1
	MaxChunkSizeMiB     = 512
	DefaultChunkSizeMiB = 20
	MaxWorkers          = 32
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds the vaultsync configuration.
type Config struct {
	VaultDir string `yaml:"vault_dir"`
	LogLevel string `yaml:"log_level"`

	Remote   RemoteConfig   `yaml:"remote"`
	Transfer TransferConfig `yaml:"transfer"`
	Sync     SyncConfig     `yaml:"sync"`
}

// RemoteConfig selects the blob store.
type RemoteConfig struct {
	Backend string          `yaml:"backend"`
	Dir     string          `yaml:"dir"`
	S3      remote.S3Config `yaml:"s3"`
}

// TransferConfig tunes chunked transfers.
type TransferConfig struct {
	ChunkSizeMiB int `yaml:"chunk_size_mib"`
	// Workers is the concurrent chunk limit; 0 picks it from free memory.
	Workers int `yaml:"workers"`
}

// SyncConfig holds sync defaults.
type SyncConfig struct {
	DefaultStrategy string `yaml:"default_strategy"`
}

// DefaultDir returns ~/.vaultsync.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vaultsync"
	}
	return filepath.Join(home, ".vaultsync")
}

// Default returns the default configuration.
func Default() *Config {
	dir := DefaultDir()
	return &Config{
		VaultDir: dir,
		LogLevel: "warn",
		Remote: RemoteConfig{
			Backend: BackendFile,
			Dir:     filepath.Join(dir, "remote"),
		},
		Transfer: TransferConfig{ChunkSizeMiB: DefaultChunkSizeMiB},
		Sync:     SyncConfig{DefaultStrategy: string(conflict.Skip)},
	}
}

// Path returns the config file location for a vault directory.
func Path(vaultDir string) string {
	return filepath.Join(vaultDir, FileName)
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.VaultDir = expandHome(cfg.VaultDir)
	cfg.Remote.Dir = expandHome(cfg.Remote.Dir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if dir := os.Getenv(EnvDir); dir != "" {
		c.VaultDir = dir
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.LogLevel = level
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.VaultDir == "" {
		return fmt.Errorf("%w: vault_dir is required", ErrInvalidConfig)
	}
	switch c.LogLevel {
	case "", "trace", "debug", "info", "warn", "error", "disabled":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	switch c.Remote.Backend {
	case BackendFile:
		if c.Remote.Dir == "" {
			return fmt.Errorf("%w: remote.dir is required for the file backend", ErrInvalidConfig)
		}
	case BackendS3:
		if c.Remote.S3.Bucket == "" {
			return fmt.Errorf("%w: remote.s3.bucket is required for the s3 backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown remote.backend %q", ErrInvalidConfig, c.Remote.Backend)
	}
	if n := c.Transfer.ChunkSizeMiB; n < MinChunkSizeMiB || n > MaxChunkSizeMiB {
		return fmt.Errorf("%w: transfer.chunk_size_mib must be between %d and %d",
			ErrInvalidConfig, MinChunkSizeMiB, MaxChunkSizeMiB)
	}
	if n := c.Transfer.Workers; n < 0 || n > MaxWorkers {
		return fmt.Errorf("%w: transfer.workers must be between 0 and %d", ErrInvalidConfig, MaxWorkers)
	}
	if _, err := conflict.ParseStrategy(c.Sync.DefaultStrategy); err != nil {
		return fmt.Errorf("%w: sync.default_strategy: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ChunkSize returns the file chunk size in bytes.
func (c *Config) ChunkSize() int {
	return c.Transfer.ChunkSizeMiB * 1024 * 1024
}

// Strategy returns the parsed default conflict strategy.
func (c *Config) Strategy() conflict.Strategy {
	s, err := conflict.ParseStrategy(c.Sync.DefaultStrategy)
	if err != nil {
		return conflict.Skip
	}
	return s
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: failed to encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), fsutil.DirMode); err != nil {
		return fmt.Errorf("config: failed to create directory: %w", err)
	}
	return fsutil.AtomicWriteFile(path, data, fsutil.FileMode)
}

// OpenRemote builds the configured blob store.
func (c *Config) OpenRemote(ctx context.Context) (remote.Store, error) {
	switch c.Remote.Backend {
	case BackendS3:
		s, err := remote.NewS3Store(ctx, c.Remote.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendFile:
		s, err := remote.NewFileStore(c.Remote.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown remote.backend %q", ErrInvalidConfig, c.Remote.Backend)
	}
}

// PasswordFromEnv returns the master password supplied through the
// environment, for non-interactive servers.
func PasswordFromEnv() (string, bool) {
	pw, ok := os.LookupEnv(EnvPassword)
	return pw, ok && pw != ""
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
