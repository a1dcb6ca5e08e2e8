// Package bootstrap wires configuration, logging, and the authentication
// stack into a runnable App. The CLI stays thin by delegating all assembly
// here.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/target/strato-go/config"
	"github.com/target/strato-go/internal/observability"
)

// InitLogger initializes the structured logger. Secret-bearing attributes
// are redacted before they reach the handler.
func InitLogger() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	})
	logger := slog.New(observability.NewRedactingHandler(handler))
	slog.SetDefault(logger)
	return logger
}

func logLevel() slog.Level {
	switch os.Getenv("STRATO_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (config.AppConfig, error) {
	// Load .env file if it exists (development)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return config.AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg config.AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}
