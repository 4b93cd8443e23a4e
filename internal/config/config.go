package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	DBMaxConns          int
	DBMinConns          int
	Port                string
	Timezone            string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILTIDE_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILTIDE_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("MAILTIDE_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILTIDE_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILTIDE_DB_USER", "mailtide"),
		DBPassword:          os.Getenv("MAILTIDE_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILTIDE_DB_NAME", "mailtide"),
		DBSSLMode:           getEnvOrDefault("MAILTIDE_DB_SSLMODE", "disable"),
		DBMaxConns:          getEnvIntOrDefault("MAILTIDE_DB_MAX_CONNS", 25),
		DBMinConns:          getEnvIntOrDefault("MAILTIDE_DB_MIN_CONNS", 5),
		Port:                getEnvOrDefault("PORT", "8080"),
		Timezone:            getEnvOrDefault("TZ", "UTC"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILTIDE_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILTIDE_DB_PASSWORD is required")
	}

	if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid database pool bounds: min %d, max %d", c.DBMinConns, c.DBMaxConns)
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		fmt.Printf("Warning: %s is not a number, using default %d\n", key, defaultValue)
		return defaultValue
	}
	return n
}
