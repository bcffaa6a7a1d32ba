package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SchemaVersion   = 1
	DefaultPath     = "/etc/gofan/config.yaml"
	DefaultGRPCAddr = "0.0.0.0:9000"
	DefaultHTTPAddr = "0.0.0.0:8080"

	DefaultBaseURL         = "https://api.developer.atomberg-iot.com"
	DefaultRefreshInterval = 23 * time.Hour
	DefaultRetryDelay      = 30 * time.Second
	DefaultBroadcastPort   = 5625
	DefaultMinDatagramSize = 40
	DefaultPollSchedule    = "@every 5m"
	DefaultRequestsPerMin  = 20
	DefaultRequestsPerDay  = 5000

	DefaultCacheBackend = "sqlite"
	DefaultSQLitePath   = "/var/lib/gofan/accessories.db"
	DefaultBlobPrefix   = "gofan/cache"

	DefaultMQTTTopicPrefix = "gofan"
)

// Config is the root of config.yaml.
type Config struct {
	SchemaVersion int            `yaml:"schema_version"`
	Core          CoreConfig     `yaml:"core"`
	Logging       LoggingConfig  `yaml:"logging"`
	Atomberg      AtombergConfig `yaml:"atomberg"`
	Cache         CacheConfig    `yaml:"cache"`
	MQTT          MQTTConfig     `yaml:"mqtt"`
	InfluxDB      InfluxDBConfig `yaml:"influxdb"`
}

type CoreConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AtombergConfig holds vendor credentials and the fixed timing constants.
type AtombergConfig struct {
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	APIKeyFile       string        `yaml:"api_key_file"`
	RefreshToken     string        `yaml:"refresh_token"`
	RefreshTokenFile string        `yaml:"refresh_token_file"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	BroadcastPort    int           `yaml:"broadcast_port"`
	MinDatagramSize  int           `yaml:"min_datagram_size"`
	PollSchedule     string        `yaml:"poll_schedule"`
	RequestsPerMin   int           `yaml:"requests_per_minute"`
	RequestsPerDay   int           `yaml:"requests_per_day"`
}

// CacheConfig selects the accessory cache backend: sqlite, s3 or none.
type CacheConfig struct {
	Backend    string     `yaml:"backend"`
	SQLitePath string     `yaml:"sqlite_path"`
	Blob       BlobConfig `yaml:"blob"`
}

type BlobConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	Region        string `yaml:"region"`
	AccessKeyFile string `yaml:"access_key_file"`
	SecretKeyFile string `yaml:"secret_key_file"`
}

type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	TLS          bool   `yaml:"tls"`
	Username     string `yaml:"username"`
	PasswordFile string `yaml:"password_file"`
	TopicPrefix  string `yaml:"topic_prefix"`
}

type InfluxDBConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	Org       string `yaml:"org"`
	Bucket    string `yaml:"bucket"`
}

// Load parses the YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Core.GRPCAddr == "" {
		cfg.Core.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Core.HTTPAddr == "" {
		cfg.Core.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	a := &cfg.Atomberg
	if a.BaseURL == "" {
		a.BaseURL = DefaultBaseURL
	}
	if a.RefreshInterval == 0 {
		a.RefreshInterval = DefaultRefreshInterval
	}
	if a.RetryDelay == 0 {
		a.RetryDelay = DefaultRetryDelay
	}
	if a.BroadcastPort == 0 {
		a.BroadcastPort = DefaultBroadcastPort
	}
	if a.MinDatagramSize == 0 {
		a.MinDatagramSize = DefaultMinDatagramSize
	}
	if a.PollSchedule == "" {
		a.PollSchedule = DefaultPollSchedule
	}
	if a.RequestsPerMin == 0 {
		a.RequestsPerMin = DefaultRequestsPerMin
	}
	if a.RequestsPerDay == 0 {
		a.RequestsPerDay = DefaultRequestsPerDay
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = DefaultCacheBackend
	}
	if cfg.Cache.SQLitePath == "" {
		cfg.Cache.SQLitePath = DefaultSQLitePath
	}
	if cfg.Cache.Blob.Prefix == "" {
		cfg.Cache.Blob.Prefix = DefaultBlobPrefix
	}

	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
	}
}

// Validate enforces required invariants beyond YAML typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}

	a := cfg.Atomberg
	if a.APIKey == "" && a.APIKeyFile == "" {
		return fmt.Errorf("atomberg.api_key or atomberg.api_key_file is required")
	}
	if a.RefreshToken == "" && a.RefreshTokenFile == "" {
		return fmt.Errorf("atomberg.refresh_token or atomberg.refresh_token_file is required")
	}
	if a.RefreshInterval < time.Minute {
		return fmt.Errorf("atomberg.refresh_interval must be at least 1m")
	}
	if a.RetryDelay <= 0 {
		return fmt.Errorf("atomberg.retry_delay must be positive")
	}
	if a.BroadcastPort <= 0 || a.BroadcastPort > 65535 {
		return fmt.Errorf("atomberg.broadcast_port out of range: %d", a.BroadcastPort)
	}
	if a.MinDatagramSize < 0 {
		return fmt.Errorf("atomberg.min_datagram_size must not be negative")
	}

	switch cfg.Cache.Backend {
	case "none", "sqlite":
	case "s3":
		b := cfg.Cache.Blob
		if b.Endpoint == "" || b.Bucket == "" || b.AccessKeyFile == "" || b.SecretKeyFile == "" {
			return fmt.Errorf("cache.blob endpoint, bucket, access_key_file and secret_key_file are required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", cfg.Cache.Backend)
	}

	if cfg.MQTT.Enabled && cfg.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required when mqtt is enabled")
	}
	if cfg.InfluxDB.Enabled {
		if cfg.InfluxDB.URL == "" || cfg.InfluxDB.Org == "" || cfg.InfluxDB.Bucket == "" {
			return fmt.Errorf("influxdb url, org and bucket are required when influxdb is enabled")
		}
	}

	return nil
}

// ResolveAPIKey resolves the vendor API key from the inline value or its file.
func (a AtombergConfig) ResolveAPIKey() (string, error) {
	return inlineOrFile(a.APIKey, a.APIKeyFile)
}

// ResolveRefreshToken resolves the vendor refresh token.
func (a AtombergConfig) ResolveRefreshToken() (string, error) {
	return inlineOrFile(a.RefreshToken, a.RefreshTokenFile)
}

func (m MQTTConfig) ResolvePassword() (string, error) {
	if m.PasswordFile == "" {
		return "", nil
	}
	return ReadSecretFile(m.PasswordFile)
}

func (i InfluxDBConfig) ResolveToken() (string, error) {
	return inlineOrFile(i.Token, i.TokenFile)
}

func inlineOrFile(inline, path string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if path == "" {
		return "", fmt.Errorf("secret is not configured")
	}
	return ReadSecretFile(path)
}

// ReadSecretFile reads a secret from disk, trimming surrounding whitespace.
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", path, err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("secret %s is empty", path)
	}
	return value, nil
}
