// Package config loads application configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Alert    AlertConfig
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int
	CORSOrigins string
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// RedisConfig configures the optional Redis backend.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Address returns the host:port address for the Redis client.
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// EngineConfig configures the job engine: which backend stores jobs and how
// the background reaper behaves.
type EngineConfig struct {
	// Backend selects the job store: "postgres" or "redis".
	Backend string

	// StaleAfter is how long a claim may go unresolved before the reaper
	// returns the job to pending.
	StaleAfter time.Duration

	// SweepInterval is how often the reaper runs. Zero disables the loop.
	SweepInterval time.Duration

	DefaultMaxRetries int
}

// AlertConfig configures operator alerting for permanent failures and
// recovered claims.
type AlertConfig struct {
	// Provider selects the alert sink: "none", "console", or "ses".
	Provider string

	// From is the sender address for the SES sink.
	From string

	// Emails is the recipient list for the SES sink.
	Emails []string
}

// Load reads the full configuration from the environment.
func Load() *Config {
	return &Config{
		Server:   loadServerConfig(),
		Database: loadDatabaseConfig(),
		Redis:    loadRedisConfig(),
		Engine:   loadEngineConfig(),
		Alert:    loadAlertConfig(),
	}
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Port:        getEnvInt("PORT", 8080),
		CORSOrigins: getEnv("CORS_ORIGINS", "*"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "postgres"),
		Password:        getEnv("DB_PASSWORD", "postgres"),
		Name:            getEnv("DB_NAME", "longterm_wiki"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnvInt("REDIS_PORT", 6379),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvInt("REDIS_DB", 0),
	}
}

func loadEngineConfig() EngineConfig {
	return EngineConfig{
		Backend:           getEnv("JOBX_BACKEND", "postgres"),
		StaleAfter:        getEnvDuration("JOBX_STALE_AFTER", 10*time.Minute),
		SweepInterval:     getEnvDuration("JOBX_SWEEP_INTERVAL", time.Minute),
		DefaultMaxRetries: getEnvInt("JOBX_DEFAULT_MAX_RETRIES", 3),
	}
}

func loadAlertConfig() AlertConfig {
	return AlertConfig{
		Provider: getEnv("ALERT_PROVIDER", "console"),
		From:     getEnv("ALERT_FROM", ""),
		Emails:   getEnvList("ALERT_EMAILS"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
