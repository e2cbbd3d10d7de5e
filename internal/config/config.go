// Package config loads broker and client settings from defaults, an
// optional YAML file, and MARKETCHAT_-prefixed environment variables, in
// that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before mapping them
// onto config keys, e.g. MARKETCHAT_BROKER_ADDR -> broker.addr.
const EnvPrefix = "MARKETCHAT_"

// Config is the full application configuration.
type Config struct {
	Broker BrokerConfig `koanf:"broker"`
	Client ClientConfig `koanf:"client"`
	Log    LogConfig    `koanf:"log"`
}

// BrokerConfig configures the reference broker.
type BrokerConfig struct {
	Addr       string        `koanf:"addr"`
	DSN        string        `koanf:"dsn"`
	RedisAddr  string        `koanf:"redis_addr"`
	JWTSecret  string        `koanf:"jwt_secret"`
	AccessTTL  time.Duration `koanf:"access_ttl"`
	RefreshTTL time.Duration `koanf:"refresh_ttl"`
}

// ClientConfig configures SDK consumers (the load tool).
type ClientConfig struct {
	APIOrigin      string        `koanf:"api_origin"`
	CredentialPath string        `koanf:"credential_path"`
	Heartbeat      time.Duration `koanf:"heartbeat"`
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`
	MaxRetries     int           `koanf:"max_retries"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

func defaults() *Config {
	return &Config{
		Broker: BrokerConfig{
			Addr:       ":8080",
			RedisAddr:  "localhost:6379",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 30 * 24 * time.Hour,
		},
		Client: ClientConfig{
			APIOrigin:      "http://localhost:8080",
			CredentialPath: "marketchat.db",
			Heartbeat:      10 * time.Second,
			ReconnectDelay: 3 * time.Second,
			MaxRetries:     10,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration. path may be empty; a missing file is only an
// error when the path was given explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	} else if _, err := os.Stat("config.yaml"); err == nil {
		if err := k.Load(file.Provider("config.yaml"), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config.yaml: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// envTransform maps MARKETCHAT_* variables onto config keys. Keys nest
// with underscores inside section names, so the mapping is explicit.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	mappings := map[string]string{
		"broker_addr":            "broker.addr",
		"broker_dsn":             "broker.dsn",
		"broker_redis_addr":      "broker.redis_addr",
		"broker_jwt_secret":      "broker.jwt_secret",
		"broker_access_ttl":      "broker.access_ttl",
		"broker_refresh_ttl":     "broker.refresh_ttl",
		"client_api_origin":      "client.api_origin",
		"client_credential_path": "client.credential_path",
		"client_heartbeat":       "client.heartbeat",
		"client_reconnect_delay": "client.reconnect_delay",
		"client_max_retries":     "client.max_retries",
		"log_level":              "log.level",
		"log_pretty":             "log.pretty",
	}
	if mapped, ok := mappings[key]; ok {
		return mapped
	}
	return key
}
