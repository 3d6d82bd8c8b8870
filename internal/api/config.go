package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/entitler-io/entitler/internal/config"
)

// Default server configuration values.
const (
	DefaultPort            = 8080
	DefaultHost            = "0.0.0.0"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxRequestSize caps ingest request bodies at 10 MB.
	DefaultMaxRequestSize = 10 << 20

	minPort = 1
	maxPort = 65535
)

// Configuration validation errors.
var (
	ErrInvalidPort           = errors.New("port must be between 1 and 65535")
	ErrInvalidReadTimeout    = errors.New("read timeout must be positive")
	ErrInvalidWriteTimeout   = errors.New("write timeout must be positive")
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Port is the TCP port the server listens on.
	Port int

	// Host is the interface address to bind.
	Host string

	// ReadTimeout bounds reading the full request including the body.
	ReadTimeout time.Duration

	// WriteTimeout bounds writing the full response.
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration

	// MaxRequestSize caps request body size in bytes for ingest endpoints.
	MaxRequestSize int64

	// LogLevel controls structured log verbosity.
	LogLevel slog.Level

	// AuthDisabled turns off API key authentication. Intended for local
	// development only.
	AuthDisabled bool

	// CORS settings, exposed via the middleware.CORSConfig interface.
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int
}

// LoadServerConfig loads server configuration from environment variables with
// sensible defaults.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("ENTITLER_SERVER_PORT", DefaultPort),
		Host:            config.GetEnvStr("ENTITLER_SERVER_HOST", DefaultHost),
		ReadTimeout:     config.GetEnvDuration("ENTITLER_SERVER_READ_TIMEOUT", DefaultReadTimeout),
		WriteTimeout:    config.GetEnvDuration("ENTITLER_SERVER_WRITE_TIMEOUT", DefaultWriteTimeout),
		ShutdownTimeout: config.GetEnvDuration("ENTITLER_SERVER_SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		MaxRequestSize:  config.GetEnvInt64("ENTITLER_MAX_REQUEST_SIZE", DefaultMaxRequestSize),
		LogLevel:        config.GetEnvLogLevel("ENTITLER_LOG_LEVEL", slog.LevelInfo),
		AuthDisabled:    config.GetEnvBool("ENTITLER_AUTH_DISABLED", false),

		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("ENTITLER_CORS_ALLOWED_ORIGINS", "*")),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("ENTITLER_CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr("ENTITLER_CORS_ALLOWED_HEADERS", "Content-Type,X-Api-Key,X-Correlation-ID,Authorization")),
		CORSMaxAge: config.GetEnvInt("ENTITLER_CORS_MAX_AGE", 3600), //nolint:mnd
	}
}

// Validate checks the configuration for invalid values.
func (c *ServerConfig) Validate() error {
	if c.Port < minPort || c.Port > maxPort {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Port)
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	return nil
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAllowedOrigins implements middleware.CORSConfig.
func (c *ServerConfig) GetAllowedOrigins() []string { return c.CORSAllowedOrigins }

// GetAllowedMethods implements middleware.CORSConfig.
func (c *ServerConfig) GetAllowedMethods() []string { return c.CORSAllowedMethods }

// GetAllowedHeaders implements middleware.CORSConfig.
func (c *ServerConfig) GetAllowedHeaders() []string { return c.CORSAllowedHeaders }

// GetMaxAge implements middleware.CORSConfig.
func (c *ServerConfig) GetMaxAge() int { return c.CORSMaxAge }
