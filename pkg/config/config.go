package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory, or from
// the path in $LIVEDESK_CONFIG. All fields are optional; accessors apply
// defaults.
//
// Example (~/.livedesk/config.yaml):
//
// server:
//   host: 0.0.0.0
//   port: 8090
// database:
//   driver: mysql
//   dsn: "livedesk:secret@tcp(127.0.0.1:3306)/livedesk"
// assignment:
//   initial_delay: 3s
//   poll_interval: 5s
// sla:
//   warning_seconds: 20
//   max_seconds: 30
// redis:
//   enabled: true
//   addr: 127.0.0.1:6379
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	AMQP       AMQPConfig       `yaml:"amqp"`
	Sync       SyncConfig       `yaml:"sync"`
	Assignment AssignmentConfig `yaml:"assignment"`
	SLA        SLAConfig        `yaml:"sla"`
	Agents     AgentsConfig     `yaml:"agents"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Auth       AuthConfig       `yaml:"auth"`
	Log        LogConfig        `yaml:"log"`
	SeedFile   *string          `yaml:"seed_file,omitempty"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver       *string `yaml:"driver"`
	DSN          *string `yaml:"dsn"`
	MaxOpenConns *int    `yaml:"max_open_conns,omitempty"`
}

type RedisConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Addr     *string `yaml:"addr,omitempty"`
	Password string  `yaml:"password,omitempty"`
	DB       int     `yaml:"db,omitempty"`
}

type AMQPConfig struct {
	Enabled  bool    `yaml:"enabled"`
	URL      *string `yaml:"url,omitempty"`
	Exchange *string `yaml:"exchange,omitempty"`
}

// SyncConfig bounds the outbound push queue shared by every sync backend.
type SyncConfig struct {
	QueueSize   *int           `yaml:"queue_size,omitempty"`
	PushTimeout *time.Duration `yaml:"push_timeout,omitempty"`
}

type AssignmentConfig struct {
	InitialDelay   *time.Duration `yaml:"initial_delay"`
	PollInterval   *time.Duration `yaml:"poll_interval"`
	AttemptTimeout *time.Duration `yaml:"attempt_timeout,omitempty"`
}

type SLAConfig struct {
	WarningSeconds *int `yaml:"warning_seconds"`
	MaxSeconds     *int `yaml:"max_seconds"`
}

type AgentsConfig struct {
	AutoAwayInterval *time.Duration `yaml:"auto_away_interval,omitempty"`
	OverloadCheck    bool           `yaml:"overload_check"`
}

type MonitoringConfig struct {
	TTL *time.Duration `yaml:"ttl,omitempty"`
}

type AuthConfig struct {
	JWTSecret *string        `yaml:"jwt_secret,omitempty"`
	TokenTTL  *time.Duration `yaml:"token_ttl,omitempty"`
}

type LogConfig struct {
	Level *string `yaml:"level"`
}

const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8090
	DefaultDriver           = "sqlite"
	DefaultInitialDelay     = 3 * time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultAttemptTimeout   = 10 * time.Second
	DefaultSLAWarning       = 20
	DefaultSLAMax           = 30
	DefaultAutoAwayInterval = time.Minute
	DefaultMonitoringTTL    = 30 * time.Minute
	DefaultTokenTTL         = 12 * time.Hour
	DefaultRedisAddr        = "127.0.0.1:6379"
	DefaultAMQPExchange     = "livedesk.events"
	DefaultSyncQueueSize    = 256
	DefaultSyncPushTimeout  = 5 * time.Second
	DefaultLogLevel         = "info"

	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "LIVEDESK_CONFIG"
	// EnvJWTSecret overrides auth.jwt_secret so secrets can stay out of the file.
	EnvJWTSecret = "LIVEDESK_JWT_SECRET"
)

var supportedDrivers = map[string]bool{"sqlite": true, "mysql": true, "postgres": true}

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return filepath.Dir(p), p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".livedesk")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads the config file.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}

	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, configFile, nil
		}
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("%w in %s", err, configFile)
	}

	return cfg, configFile, nil
}

// Validate checks value ranges after defaults are applied.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Host()) == "" {
		return fmt.Errorf("invalid server.host (empty)")
	}
	if port := c.Port(); port < 1 || port > 65535 {
		return fmt.Errorf("invalid server.port %d", port)
	}
	if d := c.DatabaseDriver(); !supportedDrivers[d] {
		return fmt.Errorf("unsupported database.driver %q", d)
	}
	if c.DatabaseDriver() != DefaultDriver && c.DatabaseDSN() == "" {
		return fmt.Errorf("database.dsn is required for driver %q", c.DatabaseDriver())
	}
	if c.PollInterval() <= 0 {
		return fmt.Errorf("invalid assignment.poll_interval %s", c.PollInterval())
	}
	if c.InitialDelay() < 0 {
		return fmt.Errorf("invalid assignment.initial_delay %s", c.InitialDelay())
	}
	w, m := c.SLAWarning(), c.SLAMax()
	if w <= 0 || m <= 0 || w >= m {
		return fmt.Errorf("invalid sla thresholds: warning %s must be below max %s", w, m)
	}
	return nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server:   ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		Database: DatabaseConfig{Driver: ptr(DefaultDriver), DSN: ptr(filepath.Join(configDir, "livedesk.db"))},
		Assignment: AssignmentConfig{
			InitialDelay: ptr(DefaultInitialDelay),
			PollInterval: ptr(DefaultPollInterval),
		},
		SLA: SLAConfig{WarningSeconds: ptr(DefaultSLAWarning), MaxSeconds: ptr(DefaultSLAMax)},
		Log: LogConfig{Level: ptr(DefaultLogLevel)},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

func (c *AppConfig) DatabaseDriver() string {
	if c == nil || c.Database.Driver == nil || strings.TrimSpace(*c.Database.Driver) == "" {
		return DefaultDriver
	}
	return strings.ToLower(strings.TrimSpace(*c.Database.Driver))
}

// DatabaseDSN returns the configured DSN. For sqlite an empty DSN means
// ~/.livedesk/livedesk.db.
func (c *AppConfig) DatabaseDSN() string {
	if c != nil && c.Database.DSN != nil {
		if v := strings.TrimSpace(*c.Database.DSN); v != "" {
			return v
		}
	}
	if c.DatabaseDriver() == DefaultDriver {
		if dir, _, err := DefaultPaths(); err == nil {
			return filepath.Join(dir, "livedesk.db")
		}
		return "livedesk.db"
	}
	return ""
}

func (c *AppConfig) DatabaseMaxOpenConns() int {
	if c == nil || c.Database.MaxOpenConns == nil || *c.Database.MaxOpenConns <= 0 {
		return 0
	}
	return *c.Database.MaxOpenConns
}

func (c *AppConfig) RedisAddr() string {
	if c == nil || c.Redis.Addr == nil || *c.Redis.Addr == "" {
		return DefaultRedisAddr
	}
	return *c.Redis.Addr
}

func (c *AppConfig) AMQPURL() string {
	if c == nil || c.AMQP.URL == nil {
		return ""
	}
	return *c.AMQP.URL
}

func (c *AppConfig) AMQPExchange() string {
	if c == nil || c.AMQP.Exchange == nil || *c.AMQP.Exchange == "" {
		return DefaultAMQPExchange
	}
	return *c.AMQP.Exchange
}

func (c *AppConfig) SyncQueueSize() int {
	if c == nil || c.Sync.QueueSize == nil || *c.Sync.QueueSize <= 0 {
		return DefaultSyncQueueSize
	}
	return *c.Sync.QueueSize
}

func (c *AppConfig) SyncPushTimeout() time.Duration {
	if c == nil || c.Sync.PushTimeout == nil || *c.Sync.PushTimeout <= 0 {
		return DefaultSyncPushTimeout
	}
	return *c.Sync.PushTimeout
}

func (c *AppConfig) InitialDelay() time.Duration {
	if c == nil || c.Assignment.InitialDelay == nil {
		return DefaultInitialDelay
	}
	return *c.Assignment.InitialDelay
}

func (c *AppConfig) PollInterval() time.Duration {
	if c == nil || c.Assignment.PollInterval == nil {
		return DefaultPollInterval
	}
	return *c.Assignment.PollInterval
}

func (c *AppConfig) AttemptTimeout() time.Duration {
	if c == nil || c.Assignment.AttemptTimeout == nil || *c.Assignment.AttemptTimeout <= 0 {
		return DefaultAttemptTimeout
	}
	return *c.Assignment.AttemptTimeout
}

func (c *AppConfig) SLAWarning() time.Duration {
	if c == nil || c.SLA.WarningSeconds == nil {
		return DefaultSLAWarning * time.Second
	}
	return time.Duration(*c.SLA.WarningSeconds) * time.Second
}

func (c *AppConfig) SLAMax() time.Duration {
	if c == nil || c.SLA.MaxSeconds == nil {
		return DefaultSLAMax * time.Second
	}
	return time.Duration(*c.SLA.MaxSeconds) * time.Second
}

func (c *AppConfig) AutoAwayInterval() time.Duration {
	if c == nil || c.Agents.AutoAwayInterval == nil || *c.Agents.AutoAwayInterval <= 0 {
		return DefaultAutoAwayInterval
	}
	return *c.Agents.AutoAwayInterval
}

func (c *AppConfig) MonitoringTTL() time.Duration {
	if c == nil || c.Monitoring.TTL == nil || *c.Monitoring.TTL <= 0 {
		return DefaultMonitoringTTL
	}
	return *c.Monitoring.TTL
}

// JWTSecret prefers $LIVEDESK_JWT_SECRET over the file value.
func (c *AppConfig) JWTSecret() string {
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		return v
	}
	if c == nil || c.Auth.JWTSecret == nil {
		return ""
	}
	return *c.Auth.JWTSecret
}

func (c *AppConfig) TokenTTL() time.Duration {
	if c == nil || c.Auth.TokenTTL == nil || *c.Auth.TokenTTL <= 0 {
		return DefaultTokenTTL
	}
	return *c.Auth.TokenTTL
}

func (c *AppConfig) LogLevel() string {
	if c == nil || c.Log.Level == nil || *c.Log.Level == "" {
		return DefaultLogLevel
	}
	return *c.Log.Level
}

func (c *AppConfig) SeedPath() string {
	if c == nil || c.SeedFile == nil {
		return ""
	}
	return *c.SeedFile
}

func ptr[T any](v T) *T { return &v }
