package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Connection ConnectionConfig `json:"connection" yaml:"connection"`
	Listens    []string         `json:"listens" yaml:"listens"`
	Commands   CommandsConfig   `json:"commands" yaml:"commands"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

type ConnectionConfig struct {
	URL                      string `json:"url" yaml:"url"`
	DeviceID                 string `json:"device_id" yaml:"device_id"`
	DeviceIDIn               string `json:"device_id_in" yaml:"device_id_in"`
	DeviceIDHeader           string `json:"device_id_header" yaml:"device_id_header"`
	PingIntervalSeconds      int    `json:"ping_interval_seconds" yaml:"ping_interval_seconds"`
	PingTimeoutSeconds       int    `json:"ping_timeout_seconds" yaml:"ping_timeout_seconds"`
	ReconnectIntervalSeconds int    `json:"reconnect_interval_seconds" yaml:"reconnect_interval_seconds"`
	SendRetryMillis          int    `json:"send_retry_millis" yaml:"send_retry_millis"`
	WriteTimeoutSeconds      int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	StopTimeoutSeconds       int    `json:"stop_timeout_seconds" yaml:"stop_timeout_seconds"`
}

type CommandsConfig struct {
	DefaultTimeoutMs int `json:"default_timeout_ms" yaml:"default_timeout_ms"`
	DedupeTTLSeconds int `json:"dedupe_ttl_seconds" yaml:"dedupe_ttl_seconds"`
	ClaimTTLSeconds  int `json:"claim_ttl_seconds" yaml:"claim_ttl_seconds"`
}

type CacheConfig struct {
	MaxEntries int `json:"max_entries" yaml:"max_entries"`
	TTLSeconds int `json:"ttl_seconds" yaml:"ttl_seconds"`
}

type StoreConfig struct {
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
}

type MetricsConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

func Default() Config {
	return Config{
		Connection: ConnectionConfig{
			URL:                      os.Getenv("WS_URL"),
			DeviceID:                 envOrDefault("DEVICE_ID", "wxrpa-unknown"),
			DeviceIDIn:               envOrDefault("DEVICE_ID_IN", "query"),
			DeviceIDHeader:           envOrDefault("DEVICE_ID_HEADER", "X-Device-Id"),
			PingIntervalSeconds:      20,
			PingTimeoutSeconds:       10,
			ReconnectIntervalSeconds: 5,
			SendRetryMillis:          500,
			WriteTimeoutSeconds:      10,
			StopTimeoutSeconds:       2,
		},
		Listens: ParseList(os.Getenv("WS_LISTEN")),
		Commands: CommandsConfig{
			DedupeTTLSeconds: 24 * 60 * 60,
			ClaimTTLSeconds:  10 * 60,
		},
		Cache: CacheConfig{
			MaxEntries: 4096,
		},
		Store: StoreConfig{
			RedisAddr: os.Getenv("REDIS_ADDR"),
		},
		Metrics: MetricsConfig{
			ListenAddr: os.Getenv("BRIDGE_METRICS_ADDR"),
		},
		Log: LogConfig{
			Level:  envOrDefault("BRIDGE_LOG_LEVEL", "info"),
			Format: "text",
		},
	}
}

// Load overlays the file at path on Default(). Fields the file leaves empty
// fall back to the environment again, so an explicit "" never hides one. YAML files are recognised by
// extension; everything else is parsed as JSON with comments.
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

	cfg.fixup()
	return cfg, nil
}

func (c *Config) fixup() {
	conn := &c.Connection
	if conn.URL == "" {
		conn.URL = os.Getenv("WS_URL")
	}
	if conn.DeviceID == "" {
		conn.DeviceID = envOrDefault("DEVICE_ID", "wxrpa-unknown")
	}
	if conn.DeviceIDIn == "" {
		conn.DeviceIDIn = envOrDefault("DEVICE_ID_IN", "query")
	}
	if conn.DeviceIDHeader == "" {
		conn.DeviceIDHeader = envOrDefault("DEVICE_ID_HEADER", "X-Device-Id")
	}
	if c.Store.RedisAddr == "" {
		c.Store.RedisAddr = os.Getenv("REDIS_ADDR")
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = os.Getenv("BRIDGE_METRICS_ADDR")
	}
	if conn.PingIntervalSeconds < 0 {
		conn.PingIntervalSeconds = 0
	}
	if conn.PingTimeoutSeconds <= 0 {
		conn.PingTimeoutSeconds = 10
	}
	if conn.ReconnectIntervalSeconds <= 0 {
		conn.ReconnectIntervalSeconds = 5
	}
	if conn.SendRetryMillis <= 0 {
		conn.SendRetryMillis = 500
	}
	if conn.WriteTimeoutSeconds <= 0 {
		conn.WriteTimeoutSeconds = 10
	}
	if conn.StopTimeoutSeconds <= 0 {
		conn.StopTimeoutSeconds = 2
	}
	if c.Commands.DedupeTTLSeconds <= 0 {
		c.Commands.DedupeTTLSeconds = 24 * 60 * 60
	}
	if c.Commands.ClaimTTLSeconds <= 0 {
		c.Commands.ClaimTTLSeconds = 10 * 60
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 4096
	}
}

func (c Config) Validate() error {
	if c.Connection.URL == "" {
		return errors.New("missing websocket url (set WS_URL or --ws-url)")
	}
	u, err := url.Parse(c.Connection.URL)
	if err != nil {
		return fmt.Errorf("invalid websocket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("websocket url must use ws:// or wss://, got %q", u.Scheme)
	}
	switch c.Connection.DeviceIDIn {
	case "none", "query", "header":
	default:
		return fmt.Errorf("device_id_in must be none, query or header, got %q", c.Connection.DeviceIDIn)
	}
	return nil
}

// ParseList splits a comma separated list, dropping blanks.
func ParseList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c ConnectionConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (c ConnectionConfig) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutSeconds) * time.Second
}

func (c ConnectionConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalSeconds) * time.Second
}

func (c ConnectionConfig) SendRetryDelay() time.Duration {
	return time.Duration(c.SendRetryMillis) * time.Millisecond
}

func (c ConnectionConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

func (c ConnectionConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

func (c CommandsConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

func (c CommandsConfig) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLSeconds) * time.Second
}

func (c CommandsConfig) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
