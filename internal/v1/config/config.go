// Package config validates process environment variables into a single
// Config struct at startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the signaling hub.
type Config struct {
	// Required variables
	RoomIDSecret string
	Port         string

	// Optional, with defaults
	RoomIDEnv       string
	GoEnv           string
	LogLevel        string
	AllowedOrigins  string
	DevelopmentMode bool

	// TURN credential minting
	TURNHost   string
	TURNSecret string

	// Redis-backed cross-instance bus (optional)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Rate limits, formatted per ulule/limiter (e.g. "10-M", "5-S")
	RateLimitWSUpgrade  string
	RateLimitSSEPost    string
	RateLimitRoomIDMint string
	RateLimitCredMint   string
	RateLimitDiagnostic string
}

// ValidateEnv validates all required environment variables and returns a
// Config. All validation errors are collected and reported together rather
// than failing on the first one, so an operator sees the whole list of
// problems in a single startup failure.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: ROOM_ID_SECRET. Without it, §4.1 room-ID minting and
	// validation cannot function; every join would fail at runtime, so we
	// fail at startup instead.
	cfg.RoomIDSecret = os.Getenv("ROOM_ID_SECRET")
	if cfg.RoomIDSecret == "" {
		errs = append(errs, "ROOM_ID_SECRET is required")
	} else if len(cfg.RoomIDSecret) < 16 {
		errs = append(errs, fmt.Sprintf("ROOM_ID_SECRET must be at least 16 bytes (got %d)", len(cfg.RoomIDSecret)))
	}

	// Required: PORT
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.RoomIDEnv = getEnvOrDefault("ROOM_ID_ENV", "dev")

	cfg.TURNHost = os.Getenv("TURN_HOST")
	cfg.TURNSecret = os.Getenv("TURN_SECRET")

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate limits per §4.2's recommended-defaults table.
	cfg.RateLimitWSUpgrade = getEnvOrDefault("RATE_LIMIT_WS_UPGRADE", "10-M")
	cfg.RateLimitSSEPost = getEnvOrDefault("RATE_LIMIT_SSE_POST", "1200-M")
	cfg.RateLimitRoomIDMint = getEnvOrDefault("RATE_LIMIT_ROOM_ID_MINT", "30-M")
	cfg.RateLimitCredMint = getEnvOrDefault("RATE_LIMIT_CRED_MINT", "5-M")
	cfg.RateLimitDiagnostic = getEnvOrDefault("RATE_LIMIT_DIAGNOSTIC", "5-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"room_id_secret", redactSecret(cfg.RoomIDSecret),
		"room_id_env", cfg.RoomIDEnv,
		"port", cfg.Port,
		"turn_host", cfg.TURNHost,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
