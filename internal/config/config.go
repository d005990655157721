// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
)

// Config holds everything main needs to wire the service.
type Config struct {
	HTTPAddr           string        `default:":8080"`
	DatabaseDSN        string        `default:"host=postgres user=postgres password=postgres dbname=photoverify port=5432 sslmode=disable"`
	RedisAddr          string        `default:"redis:6379"`
	FaceDetectorAddr   string        `default:"face-detector:50051"`
	JWTSecret          string        `default:"dev-secret"`
	JWTAudience        string
	LogLevel           string        `default:"info"`
	MaxImageDimension  int           `default:"1600"`
	MaxImagePixels     int           `default:"40000000"`
	CORSAllowedOrigins []string      `default:"[\"*\"]"`
	ShutdownTimeout    time.Duration `default:"15s"`
}

// Load reads an optional .env file from envFile (skipped when empty or
// missing), applies defaults and then environment overrides.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	overrideString(&cfg.HTTPAddr, "HTTP_ADDR")
	overrideString(&cfg.DatabaseDSN, "DATABASE_DSN")
	overrideString(&cfg.RedisAddr, "REDIS_ADDR")
	overrideString(&cfg.FaceDetectorAddr, "FACE_DETECTOR_ADDR")
	overrideString(&cfg.JWTSecret, "JWT_SECRET")
	overrideString(&cfg.JWTAudience, "JWT_AUDIENCE")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")

	if v := lookup("MAX_IMAGE_DIMENSION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_IMAGE_DIMENSION: %w", err)
		}
		cfg.MaxImageDimension = n
	}
	if v := lookup("MAX_IMAGE_PIXELS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_IMAGE_PIXELS: %w", err)
		}
		cfg.MaxImagePixels = n
	}
	if v := lookup("SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	if v := lookup("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if c.MaxImageDimension < 0 {
		return fmt.Errorf("MAX_IMAGE_DIMENSION must be >= 0, got %d", c.MaxImageDimension)
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be positive, got %d", c.MaxImagePixels)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

func lookup(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func overrideString(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
