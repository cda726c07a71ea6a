// Package config loads credvault settings. Sources, lowest precedence first:
// built-in defaults, the YAML config file, a .env file beside it, CREDVAULT_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vault-cli/credvault/internal/util"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CREDVAULT"

// Storage backend choices.
const (
	BackendAuto   = "auto"
	BackendNative = "native"
	BackendFile   = "file"
)

// Config is the resolved configuration.
type Config struct {
	DataDir          string        `mapstructure:"data_dir" yaml:"data_dir"`
	SessionTimeout   int           `mapstructure:"session_timeout" yaml:"session_timeout"`
	LockTimeout      int           `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	ClipboardTimeout int           `mapstructure:"clipboard_timeout" yaml:"clipboard_timeout"`
	LogLevel         string        `mapstructure:"log_level" yaml:"log_level"`
	KDF              KDFConfig     `mapstructure:"kdf" yaml:"kdf"`
	Auth             AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Storage          StorageConfig `mapstructure:"storage" yaml:"storage"`

	// file is the config file that was read, if any.
	file string
}

// KDFConfig holds key derivation parameters for new records.
type KDFConfig struct {
	Iterations int    `mapstructure:"iterations" yaml:"iterations"`
	Digest     string `mapstructure:"digest" yaml:"digest"`
}

// AuthConfig holds the failed-attempt policy.
type AuthConfig struct {
	MaxFailedAttempts int `mapstructure:"max_failed_attempts" yaml:"max_failed_attempts"`
	LockoutCooldown   int `mapstructure:"lockout_cooldown" yaml:"lockout_cooldown"`
}

// StorageConfig selects the secure storage backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:          DefaultDataDir(),
		SessionTimeout:   5,
		LockTimeout:      10,
		ClipboardTimeout: 30,
		LogLevel:         "warn",
		KDF:              KDFConfig{Iterations: 600000, Digest: "sha256"},
		Auth:             AuthConfig{MaxFailedAttempts: 5, LockoutCooldown: 30},
		Storage:          StorageConfig{Backend: BackendAuto},
	}
}

func defaults(c *Config) map[string]any {
	return map[string]any{
		"data_dir":                 c.DataDir,
		"session_timeout":          c.SessionTimeout,
		"lock_timeout":             c.LockTimeout,
		"clipboard_timeout":        c.ClipboardTimeout,
		"log_level":                c.LogLevel,
		"kdf.iterations":           c.KDF.Iterations,
		"kdf.digest":               c.KDF.Digest,
		"auth.max_failed_attempts": c.Auth.MaxFailedAttempts,
		"auth.lockout_cooldown":    c.Auth.LockoutCooldown,
		"storage.backend":          c.Storage.Backend,
	}
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"data-dir":        "data_dir",
	"session-timeout": "session_timeout",
	"lock-timeout":    "lock_timeout",
	"log-level":       "log_level",
	"backend":         "storage.backend",
}

// DefaultDataDir is $XDG_DATA_HOME/credvault or ~/.local/share/credvault.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "credvault")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".credvault")
	}
	return filepath.Join(home, ".local", "share", "credvault")
}

// DefaultPath is the user config file, config.yaml in the credvault
// directory under os.UserConfigDir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "credvault", "config.yaml")
}

// Load resolves the configuration. path may be empty to use DefaultPath; a
// missing file is not an error. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	v := viper.New()
	for key, value := range defaults(DefaultConfig()) {
		v.SetDefault(key, value)
	}

	var used string
	if path != "" {
		path = filepath.Clean(path)
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, util.Errorf(util.ErrValidation, "failed to parse config file %s: %v", path, err)
			}
			used = path
		}
		if err := mergeDotEnv(v, filepath.Join(filepath.Dir(path), ".env")); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, util.Errorf(util.ErrValidation, "invalid configuration: %v", err)
	}
	cfg.file = used
	cfg.DataDir = expandHome(cfg.DataDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeDotEnv layers CREDVAULT_* values from a .env file over the config
// file. The process environment is left alone, so real variables still win.
func mergeDotEnv(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return util.Errorf(util.ErrValidation, "failed to read %s: %v", path, err)
	}
	layer := map[string]any{}
	for key := range defaults(DefaultConfig()) {
		name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if value, ok := values[name]; ok {
			nest(layer, strings.Split(key, "."), value)
		}
	}
	if len(layer) == 0 {
		return nil
	}
	return v.MergeConfigMap(layer)
}

func nest(m map[string]any, parts []string, value any) {
	if len(parts) == 1 {
		m[parts[0]] = value
		return
	}
	child, ok := m[parts[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		m[parts[0]] = child
	}
	nest(child, parts[1:], value)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.DataDir) == "":
		return util.Errorf(util.ErrValidation, "data_dir must be set")
	case c.SessionTimeout <= 0:
		return util.Errorf(util.ErrValidation, "session_timeout must be a positive number of minutes")
	case c.LockTimeout < 0:
		return util.Errorf(util.ErrValidation, "lock_timeout cannot be negative")
	case c.ClipboardTimeout < 0:
		return util.Errorf(util.ErrValidation, "clipboard_timeout cannot be negative")
	case c.KDF.Iterations <= 0:
		return util.Errorf(util.ErrValidation, "kdf.iterations must be positive")
	case c.KDF.Digest != "sha256" && c.KDF.Digest != "sha512":
		return util.Errorf(util.ErrValidation, "kdf.digest must be sha256 or sha512")
	case c.Auth.MaxFailedAttempts <= 0:
		return util.Errorf(util.ErrValidation, "auth.max_failed_attempts must be positive")
	case c.Auth.LockoutCooldown <= 0:
		return util.Errorf(util.ErrValidation, "auth.lockout_cooldown must be positive")
	}
	switch c.Storage.Backend {
	case BackendAuto, BackendNative, BackendFile:
	default:
		return util.Errorf(util.ErrValidation, "storage.backend must be auto, native or file")
	}
	return nil
}

// File returns the config file that was read, or "".
func (c *Config) File() string { return c.file }

// SessionDuration is the session inactivity timeout.
func (c *Config) SessionDuration() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Minute
}

// LockWait is how long to wait for the vault lock.
func (c *Config) LockWait() time.Duration {
	return time.Duration(c.LockTimeout) * time.Second
}

// Cooldown is the time to regain one failed-attempt token.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Auth.LockoutCooldown) * time.Second
}

// ClipboardClear is how long a copied secret stays on the clipboard.
func (c *Config) ClipboardClear() time.Duration {
	return time.Duration(c.ClipboardTimeout) * time.Second
}

// VaultPath is the vault file.
func (c *Config) VaultPath() string { return filepath.Join(c.DataDir, "vault.dat") }

// BackupDir holds backup snapshots.
func (c *Config) BackupDir() string { return filepath.Join(c.DataDir, "backups") }

// SecureStoreDir holds the file-backed secure store.
func (c *Config) SecureStoreDir() string { return filepath.Join(c.DataDir, "secure") }

// RecoveryDir holds the recovery salt and the device-key sealed store.
func (c *Config) RecoveryDir() string { return filepath.Join(c.DataDir, "recovery") }

// AuditPath is the audit log database.
func (c *Config) AuditPath() string { return filepath.Join(c.DataDir, "audit.db") }

// Save writes c as YAML to path with owner-only permissions.
func Save(c *Config, path string) error {
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(cleanPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
