package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "WATCHPARTY"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "watchparty.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultStoreBackend     = StoreBackendMemory
	defaultRedisAddress     = "localhost:6379"
	defaultRedisKeyPrefix   = "watchparty"
	defaultAdminTokenTTL    = 60
	defaultAdminSaveTimeout = 10 * time.Second
	defaultLeaseWindow      = 40 * time.Second
	defaultHeartbeat        = 15 * time.Second
	defaultLivenessWindow   = 60 * time.Second
	defaultPresenceScope    = "ticket"
	defaultHistoryLimit     = 50
	defaultShowTimezone     = "UTC"

	// StoreBackendMemory keeps shared state in process, persisted to SQLite.
	StoreBackendMemory = "memory"
	// StoreBackendRedis keeps shared state in Redis.
	StoreBackendRedis = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	LogLevel           string
	LogFormat          string
	DatabasePath       string
	StoreBackend       string
	RedisAddress       string
	RedisPassword      string
	RedisDB            int
	RedisKeyPrefix     string
	AdminPasswordHash  string
	AdminSigningSecret string
	AdminTokenTTL      time.Duration
	AdminSaveTimeout   time.Duration
	LeaseWindow        time.Duration
	HeartbeatInterval  time.Duration
	LivenessWindow     time.Duration
	PresenceScope      string
	ChatHistoryLimit   int
	ShowLocation       *time.Location
}

// LoadDotEnv reads .env files into the process environment. Missing files
// are ignored and existing variables win.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		_ = godotenv.Load()
		return
	}
	for _, path := range paths {
		_ = godotenv.Load(path)
	}
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.key_prefix", defaultRedisKeyPrefix)
	configViper.SetDefault("admin.password_hash", "")
	configViper.SetDefault("admin.signing_secret", "")
	configViper.SetDefault("admin.token_ttl_minutes", defaultAdminTokenTTL)
	configViper.SetDefault("admin.save_timeout", defaultAdminSaveTimeout)
	configViper.SetDefault("session.lease_window", defaultLeaseWindow)
	configViper.SetDefault("session.heartbeat_interval", defaultHeartbeat)
	configViper.SetDefault("presence.liveness_window", defaultLivenessWindow)
	configViper.SetDefault("presence.scope", defaultPresenceScope)
	configViper.SetDefault("chat.history_limit", defaultHistoryLimit)
	configViper.SetDefault("show.timezone", defaultShowTimezone)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		DatabasePath:       configViper.GetString("database.path"),
		StoreBackend:       strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		RedisAddress:       configViper.GetString("redis.address"),
		RedisPassword:      configViper.GetString("redis.password"),
		RedisDB:            configViper.GetInt("redis.db"),
		RedisKeyPrefix:     configViper.GetString("redis.key_prefix"),
		AdminPasswordHash:  configViper.GetString("admin.password_hash"),
		AdminSigningSecret: configViper.GetString("admin.signing_secret"),
		AdminTokenTTL:      time.Duration(configViper.GetInt("admin.token_ttl_minutes")) * time.Minute,
		AdminSaveTimeout:   configViper.GetDuration("admin.save_timeout"),
		LeaseWindow:        configViper.GetDuration("session.lease_window"),
		HeartbeatInterval:  configViper.GetDuration("session.heartbeat_interval"),
		LivenessWindow:     configViper.GetDuration("presence.liveness_window"),
		PresenceScope:      strings.ToLower(strings.TrimSpace(configViper.GetString("presence.scope"))),
		ChatHistoryLimit:   configViper.GetInt("chat.history_limit"),
	}

	timezone := strings.TrimSpace(configViper.GetString("show.timezone"))
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("show.timezone %q: %w", timezone, err)
	}
	cfg.ShowLocation = location

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AdminPasswordHash) == "" {
		return fmt.Errorf("admin.password_hash is required")
	}
	if strings.TrimSpace(c.AdminSigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be \"json\" or \"console\", got %q", c.LogFormat)
	}
	if c.AdminTokenTTL <= 0 {
		return fmt.Errorf("admin.token_ttl_minutes must be positive")
	}
	if c.AdminSaveTimeout <= 0 {
		return fmt.Errorf("admin.save_timeout must be positive")
	}
	switch c.StoreBackend {
	case StoreBackendMemory:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case StoreBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required")
		}
		if strings.TrimSpace(c.RedisKeyPrefix) == "" {
			return fmt.Errorf("redis.key_prefix is required")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreBackendMemory, StoreBackendRedis, c.StoreBackend)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be positive")
	}
	if c.LeaseWindow <= 2*c.HeartbeatInterval {
		return fmt.Errorf("session.lease_window (%s) must exceed twice session.heartbeat_interval (%s)", c.LeaseWindow, c.HeartbeatInterval)
	}
	if c.LivenessWindow <= c.HeartbeatInterval {
		return fmt.Errorf("presence.liveness_window (%s) must exceed session.heartbeat_interval (%s)", c.LivenessWindow, c.HeartbeatInterval)
	}
	if c.PresenceScope != "ticket" && c.PresenceScope != "global" {
		return fmt.Errorf("presence.scope must be \"ticket\" or \"global\", got %q", c.PresenceScope)
	}
	if c.ChatHistoryLimit <= 0 {
		return fmt.Errorf("chat.history_limit must be positive")
	}
	return nil
}
