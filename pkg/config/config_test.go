package config

import (
	"os"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		App:      AppConfig{Name: "test", Environment: "development"},
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Host: "localhost", DBName: "rentsync"},
		JWT:      JWTConfig{Secret: "secret"},
		Sync: SyncConfig{
			FetchTimeout:    time.Second,
			MutationTimeout: time.Second,
			FeedBackend:     FeedBackendMemory,
		},
	}
}

func TestLoad_WithDefaults(t *testing.T) {
	envVars := []string{
		"APP_NAME", "APP_ENVIRONMENT", "SERVER_PORT",
		"DATABASE_HOST", "DATABASE_PORT", "REDIS_PORT",
		"JWT_SECRET", "SYNC_MUTATION_TIMEOUT", "SYNC_FEED_BACKEND",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.App.Name != "rentsync" {
		t.Errorf("App.Name = %q, want %q", cfg.App.Name, "rentsync")
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}

	if cfg.Database.Port != 5432 {
		t.Errorf("Database.Port = %d, want %d", cfg.Database.Port, 5432)
	}

	if cfg.Redis.Port != 6379 {
		t.Errorf("Redis.Port = %d, want %d", cfg.Redis.Port, 6379)
	}

	if cfg.Sync.MutationTimeout != 8*time.Second {
		t.Errorf("Sync.MutationTimeout = %s, want %s", cfg.Sync.MutationTimeout, 8*time.Second)
	}

	if cfg.Sync.FeedBackend != FeedBackendPostgres {
		t.Errorf("Sync.FeedBackend = %q, want %q", cfg.Sync.FeedBackend, FeedBackendPostgres)
	}

	if cfg.Billing.DedupeTTL != 72*time.Hour {
		t.Errorf("Billing.DedupeTTL = %s, want %s", cfg.Billing.DedupeTTL, 72*time.Hour)
	}
}

func TestLoad_WithEnvOverride(t *testing.T) {
	t.Setenv("APP_NAME", "test-app")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DATABASE_HOST", "db.example.com")
	t.Setenv("SYNC_FEED_BACKEND", "Redis")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.App.Name != "test-app" {
		t.Errorf("App.Name = %q, want %q", cfg.App.Name, "test-app")
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9090)
	}

	if cfg.Database.Host != "db.example.com" {
		t.Errorf("Database.Host = %q, want %q", cfg.Database.Host, "db.example.com")
	}

	if cfg.Sync.FeedBackend != FeedBackendRedis {
		t.Errorf("Sync.FeedBackend = %q, want %q", cfg.Sync.FeedBackend, FeedBackendRedis)
	}

	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("Kafka.Brokers = %v, want [a:9092 b:9092]", cfg.Kafka.Brokers)
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "testuser",
		Password: "testpass",
		DBName:   "testdb",
		SSLMode:  "disable",
	}

	expected := "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable"
	if dsn := cfg.DSN(); dsn != expected {
		t.Errorf("DSN() = %q, want %q", dsn, expected)
	}
}

func TestRedisConfig_Addr(t *testing.T) {
	cfg := RedisConfig{
		Host: "redis.example.com",
		Port: 6380,
	}

	expected := "redis.example.com:6380"
	if addr := cfg.Addr(); addr != expected {
		t.Errorf("Addr() = %q, want %q", addr, expected)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing app name", mutate: func(c *Config) { c.App.Name = "" }, wantErr: true},
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = -1 }, wantErr: true},
		{name: "port too high", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: true},
		{name: "missing database host", mutate: func(c *Config) { c.Database.Host = "" }, wantErr: true},
		{name: "missing JWT secret", mutate: func(c *Config) { c.JWT.Secret = "" }, wantErr: true},
		{
			name: "default JWT secret in production",
			mutate: func(c *Config) {
				c.App.Environment = "production"
				c.JWT.Secret = defaultJWTSecret
			},
			wantErr: true,
		},
		{name: "zero mutation timeout", mutate: func(c *Config) { c.Sync.MutationTimeout = 0 }, wantErr: true},
		{name: "unknown feed backend", mutate: func(c *Config) { c.Sync.FeedBackend = "kafka" }, wantErr: true},
		{name: "sample ratio above one", mutate: func(c *Config) { c.OTel.SampleRatio = 1.5 }, wantErr: true},
		{
			name: "kafka enabled without brokers",
			mutate: func(c *Config) {
				c.Kafka.Enabled = true
				c.Kafka.Brokers = nil
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_IsProduction(t *testing.T) {
	cfg := &Config{
		App: AppConfig{Environment: "production"},
	}
	if !cfg.IsProduction() {
		t.Error("IsProduction() = false, want true")
	}

	cfg.App.Environment = "development"
	if cfg.IsProduction() {
		t.Error("IsProduction() = true, want false")
	}
}
