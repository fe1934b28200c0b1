package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Payment modes. Connect mode routes vendor shares to onboarded vendor
// accounts; platform mode keeps everything on the platform account.
const (
	ModeConnect  = "connect"
	ModePlatform = "platform"
)

// Config is the full process configuration, loaded once at startup.
type Config struct {
	Port        string
	DatabaseURL string
	Store       string

	DefaultCurrency string
	PaymentsMode    string

	ProcessorBaseURL string
	ProcessorAPIKey  string
	WebhookSecret    string
	CallbackToken    string

	JWTSecret string

	CORSOrigins []string

	RiverMaxWorkers int
}

// Load reads configuration from the environment, with .env as a local
// development convenience. Fails fast on settings that have no safe default.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getenv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		Store:            getenv("BILLING_STORE", StorePostgres),
		DefaultCurrency:  getenv("DEFAULT_CURRENCY", "usd"),
		PaymentsMode:     getenv("PAYMENTS_MODE", ModePlatform),
		ProcessorBaseURL: getenv("PROCESSOR_BASE_URL", "https://api.processor.example"),
		ProcessorAPIKey:  os.Getenv("PROCESSOR_API_KEY"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		CallbackToken:    os.Getenv("PROVIDER_CALLBACK_TOKEN"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		CORSOrigins:      []string{getenv("CORS_ORIGIN", "http://localhost:3000")},
		RiverMaxWorkers:  getenvInt("RIVER_MAX_WORKERS", 10),
	}

	switch cfg.Store {
	case StorePostgres, StoreMemory:
	default:
		return nil, fmt.Errorf("config: BILLING_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, cfg.Store)
	}
	switch cfg.PaymentsMode {
	case ModeConnect, ModePlatform:
	default:
		return nil, fmt.Errorf("config: PAYMENTS_MODE must be %q or %q, got %q", ModeConnect, ModePlatform, cfg.PaymentsMode)
	}
	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required with the postgres store")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("config: WEBHOOK_SECRET is required")
	}
	return cfg, nil
}

// ConnectMode reports whether vendor shares accrue to vendor accounts.
func (c *Config) ConnectMode() bool { return c.PaymentsMode == ModeConnect }

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
