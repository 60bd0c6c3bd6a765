// Package config loads dsync settings from <data-dir>/config.toml, DSYNC_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/platelet-app/dispatchsync/internal/replica/queue"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/store"
)

const (
	// EnvPrefix prefixes every environment override: DSYNC_HUB_URL sets hub.url.
	EnvPrefix = "DSYNC"

	// FileName is the config file inside the data directory.
	FileName = "config.toml"

	// DefaultDataDir holds the journal, config and file feed.
	DefaultDataDir = ".dsync"
)

// Config holds every setting.
type Config struct {
	DataDir string       `mapstructure:"data_dir"`
	Hub     HubConfig    `mapstructure:"hub"`
	Serve   ServeConfig  `mapstructure:"serve"`
	Queue   QueueConfig  `mapstructure:"queue"`
	Store   StoreConfig  `mapstructure:"store"`
	Log     LogConfig    `mapstructure:"log"`
	Notify  NotifyConfig `mapstructure:"notify"`
}

// HubConfig points a replica at its hub.
type HubConfig struct {
	// URL of the hub. Empty means the file feed under the data directory.
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
	// ClientID overrides the id stored in the journal.
	ClientID string `mapstructure:"client_id"`
}

// ServeConfig configures `dsync serve`.
type ServeConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
	// Seed is a fixture file loaded at startup; "demo" loads the built-in one.
	Seed string `mapstructure:"seed"`
}

// QueueConfig mirrors queue.Policy.
type QueueConfig struct {
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	MaxRetries     int           `mapstructure:"max_retries"`
	ThrottleWindow time.Duration `mapstructure:"throttle_window"`
	ThrottledTypes []string      `mapstructure:"throttled_types"`
}

// StoreConfig configures the entity store.
type StoreConfig struct {
	TombstoneTTL time.Duration `mapstructure:"tombstone_ttl"`
}

// LogConfig configures logging. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// NotifyConfig configures the creation webhook.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Events     []string      `mapstructure:"events"`
}

// Default returns the built-in settings.
func Default() *Config {
	p := queue.DefaultPolicy()
	throttled := make([]string, len(p.ThrottledTypes))
	for i, t := range p.ThrottledTypes {
		throttled[i] = string(t)
	}
	return &Config{
		DataDir: DefaultDataDir,
		Serve: ServeConfig{
			Addr: "127.0.0.1:8470",
		},
		Queue: QueueConfig{
			BaseBackoff:    p.BaseBackoff,
			MaxBackoff:     p.MaxBackoff,
			MaxRetries:     p.MaxRetries,
			ThrottleWindow: p.ThrottleWindow,
			ThrottledTypes: throttled,
		},
		Store: StoreConfig{
			TombstoneTTL: store.DefaultTombstoneTTL,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// New returns a viper instance carrying the defaults and environment
// bindings. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	for key, val := range flatten("", Default().settings()) {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads <data_dir>/config.toml if present and returns the merged
// configuration.
func Load(v *viper.Viper) (*Config, error) {
	path := filepath.Join(v.GetString("data_dir"), FileName)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative (got %d)", c.Queue.MaxRetries)
	}
	if c.Store.TombstoneTTL <= 0 {
		return fmt.Errorf("store.tombstone_ttl must be positive (got %s)", c.Store.TombstoneTTL)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format)
	}
	return nil
}

// Policy converts the queue settings.
func (c *Config) Policy() (queue.Policy, error) {
	p := queue.Policy{
		BaseBackoff:    c.Queue.BaseBackoff,
		MaxBackoff:     c.Queue.MaxBackoff,
		MaxRetries:     c.Queue.MaxRetries,
		ThrottleWindow: c.Queue.ThrottleWindow,
	}
	for _, name := range c.Queue.ThrottledTypes {
		t, err := schema.ParseEntityType(name)
		if err != nil {
			return queue.Policy{}, fmt.Errorf("queue.throttled_types: %w", err)
		}
		p.ThrottledTypes = append(p.ThrottledTypes, t)
	}
	return p, nil
}

// JournalPath is the replica's SQLite journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "replica.db")
}

// FeedDir is the directory used as the remote when no hub URL is set.
func (c *Config) FeedDir() string {
	return filepath.Join(c.DataDir, "feed")
}

// Path is the config file location.
func (c *Config) Path() string {
	return filepath.Join(c.DataDir, FileName)
}

// TOML renders c as a config file. Durations are written as strings
// ("500ms") so they read back through viper. The data directory is left
// out since the file lives inside it.
func (c *Config) TOML() ([]byte, error) {
	m := c.settings()
	delete(m, "data_dir")
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Write saves c to its config file, refusing to replace an existing one
// unless force is set.
func (c *Config) Write(force bool) (string, error) {
	path := c.Path()
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("%s already exists", path)
		}
	}
	data, err := c.TOML()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", c.DataDir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return path, nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Hub.Token = mask(c.Hub.Token)
	out.Serve.JWTSecret = mask(c.Serve.JWTSecret)
	out.Notify.Secret = mask(c.Notify.Secret)
	return &out
}

// settings returns c as nested maps keyed like the config file.
func (c *Config) settings() map[string]any {
	str := func(xs []string) []string {
		if xs == nil {
			return []string{}
		}
		return xs
	}
	return map[string]any{
		"data_dir": c.DataDir,
		"hub": map[string]any{
			"url":       c.Hub.URL,
			"token":     c.Hub.Token,
			"client_id": c.Hub.ClientID,
		},
		"serve": map[string]any{
			"addr":       c.Serve.Addr,
			"jwt_secret": c.Serve.JWTSecret,
			"seed":       c.Serve.Seed,
		},
		"queue": map[string]any{
			"base_backoff":    c.Queue.BaseBackoff.String(),
			"max_backoff":     c.Queue.MaxBackoff.String(),
			"max_retries":     c.Queue.MaxRetries,
			"throttle_window": c.Queue.ThrottleWindow.String(),
			"throttled_types": str(c.Queue.ThrottledTypes),
		},
		"store": map[string]any{
			"tombstone_ttl": c.Store.TombstoneTTL.String(),
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"level":        c.Log.Level,
			"format":       c.Log.Format,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
		"notify": map[string]any{
			"webhook_url": c.Notify.WebhookURL,
			"secret":      c.Notify.Secret,
			"timeout":     c.Notify.Timeout.String(),
			"events":      str(c.Notify.Events),
		},
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = v
	}
	return out
}
