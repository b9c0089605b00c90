// Package config loads service settings from an optional YAML file and the
// environment. Environment variables always win over the file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Auth modes.
const (
	AuthAuth0 = "auth0"
	AuthHS256 = "hs256"
)

type ServerConfig struct {
	Port string `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StorageConfig struct {
	Driver           string `yaml:"driver"`
	ConnectionString string `yaml:"connection_string"`
	DatabaseURL      string `yaml:"database_url"`
	TasksTable       string `yaml:"tasks_table"`
	UsersTable       string `yaml:"users_table"`
}

type RedisConfig struct {
	ConnectionString string        `yaml:"connection_string"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	IdempotencyTTL   time.Duration `yaml:"idempotency_ttl"`
}

type AuthConfig struct {
	Mode         string        `yaml:"mode"`
	SharedSecret string        `yaml:"shared_secret"`
	Domain       string        `yaml:"auth0_domain"`
	Audience     string        `yaml:"auth0_audience"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
}

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Auth    AuthConfig    `yaml:"auth"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Server:  ServerConfig{Port: "8080"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{Driver: "tables", TasksTable: "Tasks", UsersTable: "Users"},
		Redis:   RedisConfig{CacheTTL: 5 * time.Minute, IdempotencyTTL: 24 * time.Hour},
		Auth:    AuthConfig{Mode: AuthAuth0, JWKSCacheTTL: 15 * time.Minute},
	}
}

// Load reads .env (when present), then CONFIG_FILE, then the environment,
// and validates the result.
func Load() (Config, error) {
	return load((*Config).Validate)
}

// LoadStorage is Load for tools that only touch the store; auth and redis
// settings are not checked.
func LoadStorage() (Config, error) {
	return load((*Config).validateStorage)
}

func load(validate func(*Config) error) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("FUNCTIONS_CUSTOMHANDLER_PORT", &c.Server.Port)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	if v, ok := lookup("DEBUG"); ok {
		if dbg, err := strconv.ParseBool(v); err == nil && dbg {
			c.Log.Level = "debug"
		}
	}

	str("STORE_DRIVER", &c.Storage.Driver)
	str("STORAGE_CONNECTION_STRING", &c.Storage.ConnectionString)
	str("DATABASE_URL", &c.Storage.DatabaseURL)
	str("TASKS_TABLE", &c.Storage.TasksTable)
	str("USERS_TABLE", &c.Storage.UsersTable)

	str("REDIS_CONNECTION_STRING", &c.Redis.ConnectionString)
	if err := dur("CACHE_TTL", &c.Redis.CacheTTL); err != nil {
		return err
	}
	if err := dur("IDEMPOTENCY_TTL", &c.Redis.IdempotencyTTL); err != nil {
		return err
	}

	str("LOCAL_AUTH_MODE", &c.Auth.Mode)
	str("LOCAL_AUTH_SHARED_SECRET", &c.Auth.SharedSecret)
	str("AUTH0_DOMAIN", &c.Auth.Domain)
	str("AUTH0_AUDIENCE", &c.Auth.Audience)
	if err := dur("JWKS_CACHE_TTL", &c.Auth.JWKSCacheTTL); err != nil {
		return err
	}
	if v, ok := lookup("AUTH0_TEST_MODE"); ok && v == "1" {
		c.Auth.Mode = AuthHS256
		str("TEST_JWT_SECRET", &c.Auth.SharedSecret)
	}
	return nil
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}

	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	switch c.Auth.Mode {
	case AuthHS256:
		if c.Auth.SharedSecret == "" {
			return errors.New("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
	case AuthAuth0, "":
		c.Auth.Mode = AuthAuth0
		if c.Auth.Domain == "" || c.Auth.Audience == "" {
			return errors.New("missing Auth0 config")
		}
	default:
		return errors.New("unsupported LOCAL_AUTH_MODE value")
	}

	if c.Redis.CacheTTL < 0 {
		return errors.New("invalid CACHE_TTL: must not be negative")
	}
	if c.Redis.IdempotencyTTL <= 0 {
		return errors.New("invalid IDEMPOTENCY_TTL: must be greater than zero")
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	return nil
}

func (c *Config) validateStorage() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	switch c.Storage.Driver {
	case "tables":
		if c.Storage.ConnectionString == "" || c.Storage.TasksTable == "" || c.Storage.UsersTable == "" {
			return errors.New("missing storage config")
		}
	case "sqlite":
		if c.Storage.DatabaseURL == "" {
			c.Storage.DatabaseURL = "file:taskmaster.db"
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Storage.Driver)
	}
	return nil
}

// StoreDSN is the connection string handed to the selected storage driver.
func (c Config) StoreDSN() string {
	if c.Storage.Driver == "tables" {
		return c.Storage.ConnectionString
	}
	return c.Storage.DatabaseURL
}

// ListenAddr is the address the HTTP server binds to.
func (c Config) ListenAddr() string {
	return ":" + c.Server.Port
}

// RedisOptions parses the Redis connection string. It accepts redis:// URLs
// and the Azure "host:port,password=...,ssl=True" form. A nil result means
// Redis is not configured.
func (c Config) RedisOptions() (*redis.Options, error) {
	conn := c.Redis.ConnectionString
	if conn == "" {
		return nil, nil
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if parts[0] == "" {
		return nil, errors.New("invalid REDIS_CONNECTION_STRING")
	}
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

// ConfigureLogger applies level and format to l.
func (c Config) ConfigureLogger(l *log.Logger) {
	if lvl, err := log.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(lvl)
	}
	if strings.EqualFold(c.Log.Format, "json") {
		l.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: log.FieldMap{
				log.FieldKeyTime:  "ts",
				log.FieldKeyLevel: "level",
				log.FieldKeyMsg:   "message",
			},
		})
	}
}
