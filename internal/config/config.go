// Package config loads milo's configuration file (YAML or JSON, decoded
// strictly so typos fail loudly) and watches it for changes.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Bot        BotConfig        `json:"bot"`
	Transport  TransportConfig  `json:"transport"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Sessions   SessionsConfig   `json:"sessions,omitempty"`
	Dispatcher DispatcherConfig `json:"dispatcher,omitempty"`
	Quota      QuotaConfig      `json:"quota,omitempty"`
}

// TransportConfig points at the WhatsApp bridge sidecar and the local
// webhook the bridge delivers inbound messages to.
type TransportConfig struct {
	GatewayURL string `json:"gateway_url"`
	// SelfID is the bot's own chat identity, excluded from group fan-out.
	SelfID string `json:"self_id,omitempty"`
	// ListenAddr is the inbound webhook bind address. Default ":8380".
	ListenAddr string `json:"listen_addr,omitempty"`
}

type BotConfig struct {
	// Timezone is the scheduler's reference frame (IANA name). Empty
	// means the host's local zone.
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// StorageConfig selects the job store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./milo.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SessionsConfig selects where flow state lives between turns.
type SessionsConfig struct {
	Driver string `json:"driver,omitempty"` // "memory" (default) or "redis"
	TTL    string `json:"ttl,omitempty"`    // Go duration string
	Redis  struct {
		Addr     string `json:"addr,omitempty"`
		Password string `json:"password,omitempty"`
		DB       int    `json:"db,omitempty"`
	} `json:"redis,omitempty"`
}

// DispatcherConfig mirrors dispatch.Config with string durations.
// All durations are Go duration strings (e.g. "30s", "1m").
type DispatcherConfig struct {
	Interval        string `json:"interval,omitempty"`
	Grace           string `json:"grace,omitempty"`
	LookaheadMargin string `json:"lookahead_margin,omitempty"`
	BatchSize       int    `json:"batch_size,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
}

type QuotaConfig struct {
	FreeLimit    int `json:"free_limit,omitempty"`
	PremiumLimit int `json:"premium_limit,omitempty"` // 0 means unlimited
	// PremiumPhones is the static entitlement fallback when no external
	// entitlement service is wired.
	PremiumPhones []string `json:"premium_phones,omitempty"`
}

// Load reads and strictly decodes the config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints and duration syntax.
func (c *Config) Validate() error {
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"sessions.ttl", c.Sessions.TTL},
		{"dispatcher.interval", c.Dispatcher.Interval},
		{"dispatcher.grace", c.Dispatcher.Grace},
		{"dispatcher.lookahead_margin", c.Dispatcher.LookaheadMargin},
		{"dispatcher.send_timeout", c.Dispatcher.SendTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d != "" && d != "sqlite" && d != "postgres" {
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if d := strings.ToLower(strings.TrimSpace(c.Sessions.Driver)); d != "" && d != "memory" && d != "redis" {
		return fmt.Errorf("sessions.driver: unknown driver %q", c.Sessions.Driver)
	}
	if c.Sessions.Driver == "redis" && strings.TrimSpace(c.Sessions.Redis.Addr) == "" {
		return errors.New("sessions.redis.addr is required with the redis driver")
	}
	return nil
}

// coerceToJSONBytes converts YAML config to JSON bytes so the strict JSON
// decoder (DisallowUnknownFields) serves both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
