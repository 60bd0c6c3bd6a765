package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
)

func loadFrom(t *testing.T, dir string) (*Config, error) {
	t.Helper()
	v := New()
	v.Set("data_dir", dir)
	return Load(v)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFrom(t, t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := Default()
	if cfg.Queue.BaseBackoff != def.Queue.BaseBackoff {
		t.Errorf("BaseBackoff = %v, want %v", cfg.Queue.BaseBackoff, def.Queue.BaseBackoff)
	}
	if cfg.Store.TombstoneTTL != 5*time.Minute {
		t.Errorf("TombstoneTTL = %v, want 5m", cfg.Store.TombstoneTTL)
	}
	if cfg.Serve.Addr != def.Serve.Addr {
		t.Errorf("Addr = %q, want %q", cfg.Serve.Addr, def.Serve.Addr)
	}
	p, err := cfg.Policy()
	if err != nil {
		t.Fatalf("Policy failed: %v", err)
	}
	if len(p.ThrottledTypes) != 1 || p.ThrottledTypes[0] != schema.TypeUser {
		t.Errorf("ThrottledTypes = %v, want [User]", p.ThrottledTypes)
	}
}

func TestWriteAndReload(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.DataDir = dir
	cfg.Hub.URL = "http://hub.example:8470"
	cfg.Queue.MaxRetries = 9
	cfg.Queue.ThrottleWindow = 750 * time.Millisecond
	cfg.Notify.Events = []string{"user.created"}

	path, err := cfg.Write(false)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if path != filepath.Join(dir, FileName) {
		t.Errorf("path = %s", path)
	}
	if _, err := cfg.Write(false); err == nil {
		t.Error("second Write without force should fail")
	}
	if _, err := cfg.Write(true); err != nil {
		t.Errorf("forced Write failed: %v", err)
	}

	got, err := loadFrom(t, dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Hub.URL != cfg.Hub.URL {
		t.Errorf("Hub.URL = %q, want %q", got.Hub.URL, cfg.Hub.URL)
	}
	if got.Queue.MaxRetries != 9 {
		t.Errorf("MaxRetries = %d, want 9", got.Queue.MaxRetries)
	}
	if got.Queue.ThrottleWindow != 750*time.Millisecond {
		t.Errorf("ThrottleWindow = %v, want 750ms", got.Queue.ThrottleWindow)
	}
	if len(got.Notify.Events) != 1 || got.Notify.Events[0] != "user.created" {
		t.Errorf("Events = %v", got.Notify.Events)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.DataDir = dir
	cfg.Hub.URL = "http://from-file"
	if _, err := cfg.Write(false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	t.Setenv("DSYNC_HUB_URL", "http://from-env")
	t.Setenv("DSYNC_QUEUE_MAX_BACKOFF", "2m")

	got, err := loadFrom(t, dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Hub.URL != "http://from-env" {
		t.Errorf("Hub.URL = %q, want env value", got.Hub.URL)
	}
	if got.Queue.MaxBackoff != 2*time.Minute {
		t.Errorf("MaxBackoff = %v, want 2m", got.Queue.MaxBackoff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"unknown throttled type", func(c *Config) { c.Queue.ThrottledTypes = []string{"Widget"} }, "throttled_types"},
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = -1 }, "max_retries"},
		{"zero ttl", func(c *Config) { c.Store.TombstoneTTL = 0 }, "tombstone_ttl"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestInvalidFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("hub = [unterminated"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadFrom(t, dir); err == nil {
		t.Fatal("expected an error for a malformed file")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Hub.Token = "secret-token"
	cfg.Serve.JWTSecret = "jwt"
	r := cfg.Redacted()
	if r.Hub.Token == "secret-token" || r.Serve.JWTSecret == "jwt" {
		t.Errorf("secrets not masked: %+v", r)
	}
	if r.Notify.Secret != "" {
		t.Errorf("empty secret should stay empty, got %q", r.Notify.Secret)
	}
	if cfg.Hub.Token != "secret-token" {
		t.Error("Redacted modified the original")
	}
}
