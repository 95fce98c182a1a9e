// Package config loads server configuration from the environment, with
// optional .env support for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the taskmesh server.
type Config struct {
	Server Server
	Auth   Auth
	Log    Log
	Flags  Flags
}

// Server holds MCP server metadata and transport selection.
type Server struct {
	Name       string
	Version    string
	Transport  string // stdio | http
	ListenAddr string
	CORS       string
	SessionTTL time.Duration
}

// Auth holds authentication configuration.
type Auth struct {
	Enabled   bool
	JWTSecret string
	// StdioUserID is the identity bound to every stdio request; stdio
	// runs as a single local user with no bearer tokens.
	StdioUserID string
}

// Log holds logging configuration.
type Log struct {
	Level string // debug, info, warn, error
}

// Flags holds the feature flag store location.
type Flags struct {
	Path string
}

// Load creates a Config by reading environment variables with defaults.
// A .env file in the working directory is loaded first when present.
// Precedence: environment variables > .env > defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: Server{
			Name:       "taskmesh",
			Version:    "0.1.0",
			Transport:  envOr("TASKMESH_TRANSPORT", "stdio"),
			ListenAddr: envOr("TASKMESH_LISTEN_ADDR", ":8080"),
			CORS:       envOr("TASKMESH_CORS_ORIGINS", "*"),
			SessionTTL: envDuration("TASKMESH_SESSION_TTL", 30*time.Minute),
		},
		Auth: Auth{
			Enabled:     envBool("AUTH_ENABLED", true),
			JWTSecret:   os.Getenv("JWT_SECRET"),
			StdioUserID: envOr("TASKMESH_USER_ID", "local-user"),
		},
		Log: Log{
			Level: envOr("TASKMESH_LOG_LEVEL", "info"),
		},
		Flags: Flags{
			Path: envOr("TASKMESH_FLAGS_PATH", "flags.json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid TASKMESH_TRANSPORT %q: must be stdio or http", c.Server.Transport)
	}
	if c.Server.Transport == "http" && c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("missing required environment variable: JWT_SECRET (or set AUTH_ENABLED=false)")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
