package config

import (
	"fmt"
	"os"
	"strconv"
)

// Backend selects the challenge store implementation.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds the application configuration
type Config struct {
	Port         string
	StoreBackend string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DatabaseURL string

	OTPSalt   string
	JWTSecret string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	FromEmail    string

	DevMode bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:         "8080", // default port
		StoreBackend: BackendRedis,
		RedisAddr:    "localhost:6379",
		SMTPHost:     "smtp.gmail.com",
		SMTPPort:     587,
		FromEmail:    "noreply@arstudios.com",
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	if backend := os.Getenv("STORE_BACKEND"); backend != "" {
		if backend != BackendRedis && backend != BackendPostgres {
			return nil, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendRedis, BackendPostgres, backend)
		}
		cfg.StoreBackend = backend
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if rawDB := os.Getenv("REDIS_DB"); rawDB != "" {
		db, err := strconv.Atoi(rawDB)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DB must be an integer: %w", err)
		}
		cfg.RedisDB = db
	}

	// DATABASE_URL is required only for the postgres backend
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StoreBackend == BackendPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required for the postgres backend")
	}

	// Load OTP_SALT (required)
	otpSalt := os.Getenv("OTP_SALT")
	if otpSalt == "" {
		return nil, fmt.Errorf("OTP_SALT environment variable is required")
	}
	cfg.OTPSalt = otpSalt

	// Load JWT_SECRET (required)
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTPHost = host
	}
	if rawPort := os.Getenv("SMTP_PORT"); rawPort != "" {
		port, err := strconv.Atoi(rawPort)
		if err != nil {
			return nil, fmt.Errorf("SMTP_PORT must be an integer: %w", err)
		}
		cfg.SMTPPort = port
	}
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	if from := os.Getenv("FROM_EMAIL"); from != "" {
		cfg.FromEmail = from
	}

	// Load DEV_MODE (optional, defaults to false)
	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	if !cfg.DevMode && cfg.SMTPUsername == "" {
		return nil, fmt.Errorf("SMTP_USERNAME environment variable is required outside dev mode")
	}

	return cfg, nil
}
