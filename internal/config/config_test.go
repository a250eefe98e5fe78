package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
bot:
  timezone: Europe/Berlin
transport:
  gateway_url: http://127.0.0.1:3000
  self_id: "1000000000@s.whatsapp.net"
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./milo.db
  busy_timeout: 5s
sessions:
  driver: redis
  ttl: 30m
  redis:
    addr: 127.0.0.1:6379
    db: 2
dispatcher:
  interval: 30s
  max_attempts: 5
quota:
  free_limit: 3
  premium_limit: 0
  premium_phones:
    - "4915112345678"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bot.Timezone != "Europe/Berlin" {
		t.Fatalf("timezone = %q", cfg.Bot.Timezone)
	}
	if cfg.Transport.GatewayURL != "http://127.0.0.1:3000" {
		t.Fatalf("gateway_url = %q", cfg.Transport.GatewayURL)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Sessions.Driver != "redis" || cfg.Sessions.Redis.Addr != "127.0.0.1:6379" || cfg.Sessions.Redis.DB != 2 {
		t.Fatalf("sessions = %+v", cfg.Sessions)
	}
	if cfg.Dispatcher.Interval != "30s" || cfg.Dispatcher.MaxAttempts != 5 {
		t.Fatalf("dispatcher = %+v", cfg.Dispatcher)
	}
	if len(cfg.Quota.PremiumPhones) != 1 || cfg.Quota.PremiumPhones[0] != "4915112345678" {
		t.Fatalf("quota = %+v", cfg.Quota)
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
  "bot": {"timezone": "UTC"},
  "transport": {"gateway_url": "http://127.0.0.1:3000"},
  "logging": {"console": true},
  "storage": {"driver": "sqlite"}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bot.Timezone != "UTC" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
bot:
  timezonee: UTC
logging:
  console: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown-field error for misspelled key")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging":{"console":true}}{"extra":1}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Dispatcher.Interval = "soonish" },
			wantErr: "dispatcher.interval",
		},
		{
			name:    "negative duration",
			mutate:  func(c *Config) { c.Sessions.TTL = "-5m" },
			wantErr: "sessions.ttl",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "mysql" },
			wantErr: "storage.driver",
		},
		{
			name:    "unknown sessions driver",
			mutate:  func(c *Config) { c.Sessions.Driver = "memcached" },
			wantErr: "sessions.driver",
		},
		{
			name:    "redis without addr",
			mutate:  func(c *Config) { c.Sessions.Driver = "redis" },
			wantErr: "sessions.redis.addr",
		},
		{
			name:   "empty config is fine",
			mutate: func(c *Config) {},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationFallback(t *testing.T) {
	t.Parallel()
	if got := Duration("", time.Minute); got != time.Minute {
		t.Fatalf("empty: %v", got)
	}
	if got := Duration("30s", time.Minute); got != 30*time.Second {
		t.Fatalf("explicit: %v", got)
	}
	if got := Duration("garbage", time.Minute); got != time.Minute {
		t.Fatalf("invalid: %v", got)
	}
}
