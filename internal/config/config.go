package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Common
	Environment string
	LogLevel    string

	// Storage
	Storage  StorageConfig
	Database DatabaseConfig
	SQLite   SQLiteConfig

	// Redis
	Redis RedisConfig

	// Services
	Gateway GatewayConfig
	Auth    AuthConfig
	Chat    ChatConfig
	API     APIConfig
}

// Storage drivers
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Driver   string // "memory", "file", "sqlite" or "postgres"
	FilePath string // flat JSON document used by the "file" driver
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteConfig holds SQLite configuration
type SQLiteConfig struct {
	Path string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Password        string
	DB              int
	PoolSize        int
	MinIdleConns    int
	PresenceChannel string
}

// GatewayConfig holds WebSocket gateway configuration
type GatewayConfig struct {
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	StaleCheckInterval time.Duration
	MaxConnections     int
	SendBufferSize     int
	MaxMessageSize     int64
	AllowedOrigins     []string // empty allows every origin
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	JWTSecret          string
	TokenTTL           time.Duration
	MaxSessionsPerUser int
	MinPasswordLength  int
}

// ChatConfig holds chat behaviour configuration
type ChatConfig struct {
	DefaultRoomID   string
	DefaultRoomName string
	HistoryLimit    int
	MaxHistoryLimit int
	RetentionLimit  int // messages kept per room, 0 keeps everything
	PremiumCode     string
}

// APIConfig holds REST API configuration
type APIConfig struct {
	RateLimitRPS int
}

// Load loads configuration from environment variables
// It automatically loads .env file if it exists in the current directory
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Storage: StorageConfig{
			Driver:   getEnv("STORAGE_DRIVER", StorageFile),
			FilePath: getEnv("STORAGE_FILE_PATH", "echoroom_data.json"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Database:        getEnv("DB_NAME", "echoroom"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxConnections:  getEnvAsInt("DB_MAX_CONNECTIONS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		SQLite: SQLiteConfig{
			Path: getEnv("SQLITE_PATH", "echoroom.db"),
		},
		Redis: RedisConfig{
			Enabled:         getEnvAsBool("REDIS_ENABLED", false),
			Host:            getEnv("REDIS_HOST", "localhost"),
			Port:            getEnvAsInt("REDIS_PORT", 6379),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getEnvAsInt("REDIS_DB", 0),
			PoolSize:        getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns:    getEnvAsInt("REDIS_MIN_IDLE_CONNS", 5),
			PresenceChannel: getEnv("REDIS_PRESENCE_CHANNEL", "presence"),
		},
		Gateway: GatewayConfig{
			Port:               getEnvAsInt("PORT", 5000),
			ReadTimeout:        getEnvAsDuration("GATEWAY_READ_TIMEOUT", 60*time.Second),
			WriteTimeout:       getEnvAsDuration("GATEWAY_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:       getEnvAsDuration("GATEWAY_PING_INTERVAL", 30*time.Second),
			StaleCheckInterval: getEnvAsDuration("GATEWAY_STALE_CHECK_INTERVAL", 30*time.Second),
			MaxConnections:     getEnvAsInt("GATEWAY_MAX_CONNECTIONS", 1000),
			SendBufferSize:     getEnvAsInt("GATEWAY_SEND_BUFFER_SIZE", 256),
			MaxMessageSize:     int64(getEnvAsInt("GATEWAY_MAX_MESSAGE_SIZE", 64*1024)),
			AllowedOrigins:     getEnvAsStringSlice("GATEWAY_ALLOWED_ORIGINS", []string{}),
		},
		Auth: AuthConfig{
			JWTSecret:          getEnv("AUTH_JWT_SECRET", ""),
			TokenTTL:           getEnvAsDuration("AUTH_TOKEN_TTL", 30*24*time.Hour),
			MaxSessionsPerUser: getEnvAsInt("AUTH_MAX_SESSIONS_PER_USER", 5),
			MinPasswordLength:  getEnvAsInt("AUTH_MIN_PASSWORD_LENGTH", 6),
		},
		Chat: ChatConfig{
			DefaultRoomID:   getEnv("CHAT_DEFAULT_ROOM_ID", "general"),
			DefaultRoomName: getEnv("CHAT_DEFAULT_ROOM_NAME", "General"),
			HistoryLimit:    getEnvAsInt("CHAT_HISTORY_LIMIT", 100),
			MaxHistoryLimit: getEnvAsInt("CHAT_MAX_HISTORY_LIMIT", 500),
			RetentionLimit:  getEnvAsInt("CHAT_RETENTION_LIMIT", 500),
			PremiumCode:     getEnv("CHAT_PREMIUM_CODE", ""),
		},
		API: APIConfig{
			RateLimitRPS: getEnvAsInt("API_RATE_LIMIT_RPS", 100),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite:
	case StorageFile:
		if c.Storage.FilePath == "" {
			return fmt.Errorf("STORAGE_FILE_PATH is required for the file driver")
		}
	case StoragePostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("DB_HOST is required")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required when REDIS_ENABLED is set")
	}
	if c.Environment == "production" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required in production")
	}
	if c.Chat.DefaultRoomID == "" {
		return fmt.Errorf("CHAT_DEFAULT_ROOM_ID is required")
	}
	if c.Chat.HistoryLimit <= 0 {
		return fmt.Errorf("CHAT_HISTORY_LIMIT must be positive")
	}
	if c.Chat.MaxHistoryLimit < c.Chat.HistoryLimit {
		return fmt.Errorf("CHAT_MAX_HISTORY_LIMIT must be at least CHAT_HISTORY_LIMIT")
	}
	if c.Gateway.SendBufferSize <= 0 {
		return fmt.Errorf("GATEWAY_SEND_BUFFER_SIZE must be positive")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Split by comma and trim spaces
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
