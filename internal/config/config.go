package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 8080
)

type Config struct {
	Server  ServerConfig `json:"server" yaml:"server"`
	Store   StoreConfig  `json:"store" yaml:"store"`
	Client  ClientConfig `json:"client" yaml:"client"`
	Log     LogConfig    `json:"log" yaml:"log"`
	Entries []Entry      `json:"entries" yaml:"entries"`
}

type ServerConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	AuthToken  string `json:"auth_token" yaml:"auth_token"`
}

type StoreConfig struct {
	RedisAddr         string `json:"redis_addr" yaml:"redis_addr"`
	RequestTTLSeconds int    `json:"request_ttl_seconds" yaml:"request_ttl_seconds"`
}

type ClientConfig struct {
	ReconnectIntervalSeconds int `json:"reconnect_interval_seconds" yaml:"reconnect_interval_seconds"`
	ConnectTimeoutSeconds    int `json:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	HeartbeatTimeoutSeconds  int `json:"heartbeat_timeout_seconds" yaml:"heartbeat_timeout_seconds"`
	CommandTimeoutSeconds    int `json:"command_timeout_seconds" yaml:"command_timeout_seconds"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// Entry is one configured LightStack server.
type Entry struct {
	ID   string `json:"id" yaml:"id"`
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

func (c ClientConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalSeconds) * time.Second
}

func (c ClientConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c ClientConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c ClientConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

func (s StoreConfig) RequestTTL() time.Duration {
	return time.Duration(s.RequestTTLSeconds) * time.Second
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8123",
			AuthToken:  os.Getenv("LIGHTSTACK_AUTH_TOKEN"),
		},
		Store: StoreConfig{
			RedisAddr:         os.Getenv("REDIS_ADDR"),
			RequestTTLSeconds: 600,
		},
		Client: ClientConfig{
			ReconnectIntervalSeconds: 5,
			ConnectTimeoutSeconds:    10,
			HeartbeatTimeoutSeconds:  5,
			CommandTimeoutSeconds:    10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config failed: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
	default:
		standard, err := hujson.Standardize(content)
		if err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
		if err := json.Unmarshal(standard, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
	}

	cfg.applyFallbacks()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFallbacks() {
	def := Default()
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = def.Server.ListenAddr
	}
	if c.Server.AuthToken == "" {
		c.Server.AuthToken = def.Server.AuthToken
	}
	if c.Store.RedisAddr == "" {
		c.Store.RedisAddr = def.Store.RedisAddr
	}
	if c.Store.RequestTTLSeconds <= 0 {
		c.Store.RequestTTLSeconds = def.Store.RequestTTLSeconds
	}
	if c.Client.ReconnectIntervalSeconds <= 0 {
		c.Client.ReconnectIntervalSeconds = def.Client.ReconnectIntervalSeconds
	}
	if c.Client.ConnectTimeoutSeconds <= 0 {
		c.Client.ConnectTimeoutSeconds = def.Client.ConnectTimeoutSeconds
	}
	if c.Client.HeartbeatTimeoutSeconds <= 0 {
		c.Client.HeartbeatTimeoutSeconds = def.Client.HeartbeatTimeoutSeconds
	}
	if c.Client.CommandTimeoutSeconds <= 0 {
		c.Client.CommandTimeoutSeconds = def.Client.CommandTimeoutSeconds
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	for i := range c.Entries {
		if c.Entries[i].Host == "" {
			c.Entries[i].Host = DefaultHost
		}
		if c.Entries[i].Port == 0 {
			c.Entries[i].Port = DefaultPort
		}
	}
}

// Validate rejects entry lists the registry cannot serve.
func (c Config) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(c.Entries))
	for i, e := range c.Entries {
		if e.ID == "" {
			errs = append(errs, fmt.Errorf("entries[%d]: id is required", i))
			continue
		}
		if _, dup := seen[e.ID]; dup {
			errs = append(errs, fmt.Errorf("entries[%d]: duplicate id %q", i, e.ID))
		}
		seen[e.ID] = struct{}{}
		if e.Port < 1 || e.Port > 65535 {
			errs = append(errs, fmt.Errorf("entries[%d]: port %d out of range", i, e.Port))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Entry returns the entry with the given id.
func (c Config) Entry(id string) (Entry, bool) {
	for _, e := range c.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}
