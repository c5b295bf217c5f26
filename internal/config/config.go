package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends
const (
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

// Config holds application configuration sourced from environment variables.
type Config struct {
	Server  ServerConfig
	GRPC    GRPCConfig
	Redis   RedisConfig
	Log     LogConfig
	Storage StorageConfig
	Rules   RulesConfig
	Metrics MetricsConfig
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// GRPCConfig contains gRPC server settings. A zero port disables the server.
type GRPCConfig struct {
	Port int
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// StorageConfig selects the counter store backend.
type StorageConfig struct {
	Type string // redis, memory
}

// RulesConfig points at the admission rules file.
type RulesConfig struct {
	File string
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Namespace string
}

// Load reads environment variables into Config. It expects godotenv to have been
// executed by the caller when needed (e.g. in development).
func Load() Config {
	server := ServerConfig{
		Host:         getEnv("APP_HOST", "0.0.0.0"),
		Port:         getEnvAsInt("APP_PORT", 3000),
		ReadTimeout:  getEnvAsDuration("APP_READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getEnvAsDuration("APP_WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:  getEnvAsDuration("APP_IDLE_TIMEOUT", 10*time.Second),
	}

	redis := RedisConfig{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnvAsInt("REDIS_PORT", 6379),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvAsInt("REDIS_DB", 0),
		PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
	}

	log := LogConfig{
		Level:  getEnv("LOG_LEVEL", "debug"),
		Format: getEnv("LOG_FORMAT", "console"),
	}

	cfg := Config{
		Server:  server,
		GRPC:    GRPCConfig{Port: getEnvAsInt("GRPC_PORT", 50051)},
		Redis:   redis,
		Log:     log,
		Storage: StorageConfig{Type: getEnv("STORAGE_TYPE", StorageRedis)},
		Rules:   RulesConfig{File: getEnv("RULES_FILE", "rules.yaml")},
		Metrics: MetricsConfig{Namespace: getEnv("METRICS_NAMESPACE", "ratelimiting")},
	}

	return cfg
}

// Validate checks values Load cannot default away.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageRedis, StorageMemory:
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("APP_PORT must be greater than 0")
	}
	if c.GRPC.Port < 0 {
		return fmt.Errorf("GRPC_PORT must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}

	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}

	dur, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}

	return dur
}

func LoadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("warning: could not load .env: %v", err)
		}
	}
}

// RedisAddr returns the Redis address in host:port format
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ServerAddr returns the server address in host:port format
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GRPCAddr returns the gRPC listen address in host:port format
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.GRPC.Port)
}
