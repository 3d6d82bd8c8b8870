package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all configuration for the migration tool
type Config struct {
	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// MigrationsPath is an optional path to migration files on disk.
	// When empty, the migrations embedded at build time are used.
	MigrationsPath string

	// MigrationTable is the name of the table to track migrations
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabaseURL:    getEnvOrDefault("ENTITLER_DATABASE_URL", ""),
		MigrationsPath: getEnvOrDefault("ENTITLER_MIGRATIONS_PATH", ""),
		MigrationTable: getEnvOrDefault("ENTITLER_MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("ENTITLER_DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("ENTITLER_MIGRATION_TABLE cannot be empty")
	}

	// An empty migrations path means embedded migrations; only validate
	// the path when one was explicitly configured.
	if c.MigrationsPath != "" {
		absPath, err := filepath.Abs(c.MigrationsPath)
		if err != nil {
			return fmt.Errorf("failed to resolve migrations path: %w", err)
		}
		c.MigrationsPath = absPath

		if _, err := os.Stat(c.MigrationsPath); os.IsNotExist(err) {
			return fmt.Errorf("migrations directory does not exist: %s", c.MigrationsPath)
		}
	}

	return nil
}

// String returns a string representation of the configuration (safe for logging)
func (c *Config) String() string {
	source := "embedded"
	if c.MigrationsPath != "" {
		source = c.MigrationsPath
	}

	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationsSource: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), source, c.MigrationTable)
}

// getEnvOrDefault returns the environment variable value or a default if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// maskDatabaseURL masks the password portion of a database URL for logging.
func maskDatabaseURL(url string) string {
	if url == "" {
		return ""
	}

	authStart := -1
	for i := 0; i < len(url)-1; i++ {
		if url[i] == '/' && url[i+1] == '/' {
			authStart = i + 2
			break
		}
	}
	if authStart == -1 {
		return url
	}

	// Use the last "@" in the authority section in case the password
	// itself contains one.
	atPos := -1
	for i := authStart; i < len(url); i++ {
		if url[i] == '@' {
			atPos = i
		}
		if url[i] == '/' || url[i] == '?' || url[i] == '#' {
			break
		}
	}
	if atPos == -1 {
		return url
	}

	colonPos := -1
	for i := authStart; i < atPos; i++ {
		if url[i] == ':' {
			colonPos = i
			break
		}
	}
	if colonPos == -1 || atPos-(colonPos+1) == 0 {
		return url
	}

	return url[:colonPos+1] + "***" + url[atPos:]
}
