package config

import (
	"fmt"

	"chatrelay-backend/pkg/env"
)

// Config holds the relay's environment-driven settings.
type Config struct {
	Env      string
	HTTPPort int

	LogLevel  string
	LogFormat string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisAddr    string
	RedisEnabled bool

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
	MediaBaseURL   string

	SessionDBPath string
}

// LoadConfig reads the environment, falling back to local defaults.
// Secrets support the _FILE convention for Docker secret mounts.
func LoadConfig() *Config {
	return &Config{
		Env:      env.GetString("ENV", "development"),
		HTTPPort: env.GetInt("HTTP_PORT", 3001),

		LogLevel:  env.GetString("LOG_LEVEL", "info"),
		LogFormat: env.GetString("LOG_FORMAT", "json"),

		DBHost:     env.GetString("DB_HOST", "localhost"),
		DBPort:     env.GetString("DB_PORT", "5432"),
		DBUser:     env.GetString("DB_USER", "postgres"),
		DBPassword: env.GetStringFromFile("DB_PASSWORD", "postgres"),
		DBName:     env.GetString("DB_NAME", "chatrelay"),
		DBSSLMode:  env.GetString("DB_SSLMODE", "disable"),

		RedisAddr:    env.GetString("REDIS_ADDR", "localhost:6379"),
		RedisEnabled: env.GetBool("REDIS_ENABLED", false),

		MinIOEndpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey: env.GetStringFromFile("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucket:    env.GetString("MINIO_BUCKET", "chat-media"),
		MinIOUseSSL:    env.GetBool("MINIO_USE_SSL", false),
		MediaBaseURL:   env.GetString("MEDIA_BASE_URL", ""),

		SessionDBPath: env.GetString("SESSION_DB_PATH", "whatsapp-session.db"),
	}
}

// GetDBConnectionString returns the Postgres connection string.
func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}
