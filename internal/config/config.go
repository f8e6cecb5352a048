// Package config loads fieldsync configuration.
//
// Values come from, in increasing priority: built-in defaults, the config
// file (fieldsync.toml, or any format viper reads), FIELDSYNC_* environment
// variables (FIELDSYNC_REMOTE_URL for remote.url), and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FileName is the base name searched for when no config path is given.
const FileName = "fieldsync"

// Config is the full fieldsync configuration.
type Config struct {
	Remote   RemoteConfig   `mapstructure:"remote" toml:"remote"`
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Sync     SyncConfig     `mapstructure:"sync" toml:"sync"`
	Retry    RetryConfig    `mapstructure:"retry" toml:"retry"`
	Stream   StreamConfig   `mapstructure:"stream" toml:"stream"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Feed     FeedConfig     `mapstructure:"feed" toml:"feed"`
	Inbox    InboxConfig    `mapstructure:"inbox" toml:"inbox"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
}

// RemoteConfig locates the remote task service.
type RemoteConfig struct {
	URL     string        `mapstructure:"url" toml:"url"`
	Timeout time.Duration `mapstructure:"timeout" toml:"timeout"`
}

// DatabaseConfig locates the local database holding the conflict log and
// the task cache.
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// SyncConfig tunes the local store.
type SyncConfig struct {
	// ConflictPolicy is "always" or "divergent"
	ConflictPolicy  string        `mapstructure:"conflict_policy" toml:"conflict_policy"`
	EchoTTL         time.Duration `mapstructure:"echo_ttl" toml:"echo_ttl"`
	PersistDebounce time.Duration `mapstructure:"persist_debounce" toml:"persist_debounce"`
}

// RetryConfig tunes outbound mutation retry.
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts" toml:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay" toml:"base_delay"`
	FailFastPermanent bool          `mapstructure:"fail_fast_permanent" toml:"fail_fast_permanent"`
}

// StreamConfig tunes the change stream subscriber.
type StreamConfig struct {
	ReconnectAttempts  int           `mapstructure:"reconnect_attempts" toml:"reconnect_attempts"`
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay" toml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay" toml:"reconnect_max_delay"`
}

// ServerConfig configures the reference remote service (fieldsync serve).
type ServerConfig struct {
	Addr   string `mapstructure:"addr" toml:"addr"`
	DBPath string `mapstructure:"db_path" toml:"db_path"`
}

// FeedConfig configures the local status websocket feed.
type FeedConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Addr    string `mapstructure:"addr" toml:"addr"`
}

// InboxConfig configures the action-file inbox.
type InboxConfig struct {
	Enabled  bool          `mapstructure:"enabled" toml:"enabled"`
	Dir      string        `mapstructure:"dir" toml:"dir"`
	Debounce time.Duration `mapstructure:"debounce" toml:"debounce"`
}

// LogConfig configures log output.
type LogConfig struct {
	// File, when set, receives a copy of all log output with rotation.
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	Quiet      bool   `mapstructure:"quiet" toml:"quiet"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	dir := DefaultDir()
	return &Config{
		Remote: RemoteConfig{
			URL:     "http://localhost:8080",
			Timeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(dir, "local.db"),
		},
		Sync: SyncConfig{
			ConflictPolicy:  "always",
			EchoTTL:         10 * time.Second,
			PersistDebounce: 100 * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         time.Second,
			FailFastPermanent: true,
		},
		Stream: StreamConfig{
			ReconnectAttempts:  3,
			ReconnectBaseDelay: time.Second,
			ReconnectMaxDelay:  3 * time.Second,
		},
		Server: ServerConfig{
			Addr:   ":8080",
			DBPath: filepath.Join(dir, "remote.db"),
		},
		Feed: FeedConfig{
			Enabled: false,
			Addr:    ":7070",
		},
		Inbox: InboxConfig{
			Enabled:  false,
			Dir:      filepath.Join(dir, "inbox"),
			Debounce: 100 * time.Millisecond,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// DefaultDir returns the per-user data directory (~/.fieldsync), falling
// back to ./.fieldsync when there is no home directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}

// FlagKeys maps command-line flag names to config keys. Flags that are
// registered on the command and explicitly set override every other source.
var FlagKeys = map[string]string{
	"remote":          "remote.url",
	"db":              "database.path",
	"conflict-policy": "sync.conflict_policy",
	"addr":            "server.addr",
	"server-db":       "server.db_path",
	"feed":            "feed.enabled",
	"feed-addr":       "feed.addr",
	"inbox":           "inbox.enabled",
	"inbox-dir":       "inbox.dir",
	"log-file":        "log.file",
	"quiet":           "log.quiet",
}

// Load reads configuration. path may be empty, in which case fieldsync.*
// is searched for in the working directory and DefaultDir. A missing file
// is not an error unless path names it explicitly. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every field of d so that environment variables and
// flags are recognized for keys the config file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("sync.conflict_policy", d.Sync.ConflictPolicy)
	v.SetDefault("sync.echo_ttl", d.Sync.EchoTTL)
	v.SetDefault("sync.persist_debounce", d.Sync.PersistDebounce)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.fail_fast_permanent", d.Retry.FailFastPermanent)
	v.SetDefault("stream.reconnect_attempts", d.Stream.ReconnectAttempts)
	v.SetDefault("stream.reconnect_base_delay", d.Stream.ReconnectBaseDelay)
	v.SetDefault("stream.reconnect_max_delay", d.Stream.ReconnectMaxDelay)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.db_path", d.Server.DBPath)
	v.SetDefault("feed.enabled", d.Feed.Enabled)
	v.SetDefault("feed.addr", d.Feed.Addr)
	v.SetDefault("inbox.enabled", d.Inbox.Enabled)
	v.SetDefault("inbox.dir", d.Inbox.Dir)
	v.SetDefault("inbox.debounce", d.Inbox.Debounce)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.quiet", d.Log.Quiet)
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Sync.ConflictPolicy {
	case "", "always", "divergent":
	default:
		return fmt.Errorf("sync.conflict_policy must be \"always\" or \"divergent\" (got %q)", c.Sync.ConflictPolicy)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1 (got %d)", c.Retry.MaxAttempts)
	}
	if c.Stream.ReconnectAttempts < 0 {
		return fmt.Errorf("stream.reconnect_attempts cannot be negative (got %d)", c.Stream.ReconnectAttempts)
	}
	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url cannot be empty")
	}
	return nil
}

// Write encodes c as TOML.
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// WriteFile writes c to path as TOML, creating parent directories. It
// refuses to overwrite an existing file unless force is set.
func (c *Config) WriteFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := c.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}
