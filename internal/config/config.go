package config

import (
	"flag"
	"os"
	"time"
)

// Config holds runtime settings for the escrow API. Flag defaults can
// be overridden by environment variables.
type Config struct {
	ListenAddress      string
	DatabasePath       string
	JWTSecret          string
	GatewayBaseURL     string
	GatewaySecretKey   string
	WebhookSecret      string
	ReleaseInterval    time.Duration
	ConfirmationWindow time.Duration
}

func New() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ListenAddress, "a", ":8080", "server address and port")
	flag.StringVar(&cfg.DatabasePath, "d", "escrow.db", "sqlite database path")
	flag.StringVar(&cfg.JWTSecret, "s", "escrow-secret-key", "jwt signing key")
	flag.StringVar(&cfg.GatewayBaseURL, "g", "https://api.paygate.local", "payment gateway base URL")
	flag.StringVar(&cfg.GatewaySecretKey, "k", "", "payment gateway secret key")
	flag.StringVar(&cfg.WebhookSecret, "w", "", "shared secret for webhook signatures")
	flag.DurationVar(&cfg.ReleaseInterval, "i", time.Hour, "auto-release scheduler interval")
	flag.DurationVar(&cfg.ConfirmationWindow, "c", 48*time.Hour, "consumer confirmation window after delivery")
	flag.Parse()

	cfg.ListenAddress = getEnv("LISTEN_ADDRESS", cfg.ListenAddress)
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.GatewayBaseURL = getEnv("GATEWAY_BASE_URL", cfg.GatewayBaseURL)
	cfg.GatewaySecretKey = getEnv("GATEWAY_SECRET_KEY", cfg.GatewaySecretKey)
	cfg.WebhookSecret = getEnv("WEBHOOK_SECRET", cfg.WebhookSecret)

	if v, ok := os.LookupEnv("RELEASE_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReleaseInterval = d
		}
	}
	if v, ok := os.LookupEnv("CONFIRMATION_WINDOW"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ConfirmationWindow = d
		}
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
