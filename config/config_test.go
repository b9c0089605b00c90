package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"STORE_DRIVER":                 "SQLite",
		"DATABASE_URL":                 "file:test.db",
		"LOCAL_AUTH_MODE":              "HS256",
		"LOCAL_AUTH_SHARED_SECRET":     "s3cret",
		"CACHE_TTL":                    "30s",
		"FUNCTIONS_CUSTOMHANDLER_PORT": "9090",
		"DEBUG":                        "true",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.StoreDSN() != "file:test.db" {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Auth.Mode != AuthHS256 || cfg.Auth.SharedSecret != "s3cret" {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
	if cfg.Redis.CacheTTL != 30*time.Second || cfg.Redis.IdempotencyTTL != 24*time.Hour {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.ListenAddr() != ":9090" || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected server/log config: %s %s", cfg.ListenAddr(), cfg.Log.Level)
	}
}

func TestAuth0TestModeUsesTestSecret(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"STORAGE_CONNECTION_STRING": "UseDevelopmentStorage=true",
		"AUTH0_TEST_MODE":           "1",
		"TEST_JWT_SECRET":           "test",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Auth.Mode != AuthHS256 || cfg.Auth.SharedSecret != "test" {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "tables without connection string", env: map[string]string{"LOCAL_AUTH_MODE": "hs256", "LOCAL_AUTH_SHARED_SECRET": "x"}},
		{name: "postgres without url", env: map[string]string{"STORE_DRIVER": "postgres", "LOCAL_AUTH_MODE": "hs256", "LOCAL_AUTH_SHARED_SECRET": "x"}},
		{name: "unknown driver", env: map[string]string{"STORE_DRIVER": "mongo", "LOCAL_AUTH_MODE": "hs256", "LOCAL_AUTH_SHARED_SECRET": "x"}},
		{name: "hs256 without secret", env: map[string]string{"STORE_DRIVER": "sqlite", "LOCAL_AUTH_MODE": "hs256"}},
		{name: "auth0 without domain", env: map[string]string{"STORE_DRIVER": "sqlite"}},
		{name: "unknown auth mode", env: map[string]string{"STORE_DRIVER": "sqlite", "LOCAL_AUTH_MODE": "rs512"}},
		{name: "bad log level", env: map[string]string{"STORE_DRIVER": "sqlite", "LOCAL_AUTH_MODE": "hs256", "LOCAL_AUTH_SHARED_SECRET": "x", "LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			if err := cfg.applyEnv(envMap(tt.env)); err != nil {
				t.Fatalf("applyEnv: %v", err)
			}
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateStorageIgnoresAuth(t *testing.T) {
	cfg := Default()
	if err := cfg.applyEnv(envMap(map[string]string{"STORE_DRIVER": "sqlite"})); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if err := cfg.validateStorage(); err != nil {
		t.Fatalf("storage-only validation should pass without auth: %v", err)
	}
	if cfg.StoreDSN() != "file:taskmaster.db" {
		t.Fatalf("unexpected default sqlite DSN: %q", cfg.StoreDSN())
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("full validation should still require auth")
	}
}

func TestApplyEnvRejectsBadDuration(t *testing.T) {
	cfg := Default()
	if err := cfg.applyEnv(envMap(map[string]string{"IDEMPOTENCY_TTL": "soon"})); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestLoadReadsYAMLAndEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  port: "7000"
storage:
  driver: sqlite
  database_url: "file:yaml.db"
redis:
  cache_ttl: 1m
auth:
  mode: hs256
  shared_secret: from-yaml
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Chdir(dir)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("FUNCTIONS_CUSTOMHANDLER_PORT", "7100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "7100" {
		t.Fatalf("env should override yaml port, got %s", cfg.Server.Port)
	}
	if cfg.StoreDSN() != "file:yaml.db" || cfg.Redis.CacheTTL != time.Minute || cfg.Auth.SharedSecret != "from-yaml" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestRedisOptions(t *testing.T) {
	cfg := Default()
	if opts, err := cfg.RedisOptions(); err != nil || opts != nil {
		t.Fatalf("expected nil options when unset, got %v %v", opts, err)
	}

	cfg.Redis.ConnectionString = "redis://:pw@localhost:6380/1"
	opts, err := cfg.RedisOptions()
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.Password != "pw" || opts.DB != 1 {
		t.Fatalf("unexpected url options: %+v", opts)
	}

	cfg.Redis.ConnectionString = "cache.example.net:6380,password=secret,ssl=True,abortConnect=False"
	opts, err = cfg.RedisOptions()
	if err != nil {
		t.Fatalf("parse azure form: %v", err)
	}
	if opts.Addr != "cache.example.net:6380" || opts.Password != "secret" || opts.TLSConfig == nil {
		t.Fatalf("unexpected azure options: %+v", opts)
	}
}

func TestConfigureLoggerJSON(t *testing.T) {
	cfg := Default()
	cfg.Log = LogConfig{Level: "warn", Format: "json"}
	l := log.New()
	cfg.ConfigureLogger(l)
	if l.GetLevel() != log.WarnLevel {
		t.Fatalf("unexpected level: %v", l.GetLevel())
	}
	if _, ok := l.Formatter.(*log.JSONFormatter); !ok {
		t.Fatalf("expected JSON formatter, got %T", l.Formatter)
	}
}
