// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool
	RedisURL    string // optional; sweep lock and resolution journal fall back to memory

	// Security
	JWTSecret      string // HS256 secret shared with the identity provider
	InternalAPIKey string // checkout -> escrow creation
	AllowedOrigins []string
	RateLimitRPM   int
	AdminUserIDs   []string // seeds the admin directory in memory mode

	// Notifications
	NotifyWebhookURL    string // optional push to the delivery service
	NotifyWebhookSecret string

	// Payments
	StripeSecretKey string // optional; money movement is recorded only when empty
	StripeCurrency  string

	// Evidence storage
	EvidenceBucket    string
	EvidenceRegion    string
	EvidenceEndpoint  string
	EvidenceAccessKey string
	EvidenceSecretKey string
	EvidencePublicURL string

	// Escrow
	EscrowHoldDays      int
	EscrowSweepInterval time.Duration

	// Restrictions
	RestrictionSweepInterval       time.Duration
	EnforceSingleActiveRestriction bool

	// Resolution
	RestrictStatusMode string // "legacy" or "distinct"

	// Reconciliation
	ReconcileInterval time.Duration
	DisputeStaleAfter time.Duration

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "json"
	DefaultRateLimitRPM             = 120
	DefaultStripeCurrency           = "gbp"
	DefaultEvidenceBucket           = "ticket-evidence"
	DefaultEvidenceRegion           = "eu-west-2"
	DefaultEscrowHoldDays           = 7
	DefaultEscrowSweepInterval      = time.Hour
	DefaultRestrictionSweepInterval = 15 * time.Minute
	DefaultReconcileInterval        = 30 * time.Minute
	DefaultDisputeStaleAfter        = 14 * 24 * time.Hour

	RestrictStatusLegacy   = "legacy"
	RestrictStatusDistinct = "distinct"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                           getEnv("PORT", DefaultPort),
		Env:                            getEnv("ENV", DefaultEnv),
		LogLevel:                       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                      getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:                    os.Getenv("DATABASE_URL"),
		AutoMigrate:                    getEnvBool("AUTO_MIGRATE", false),
		RedisURL:                       os.Getenv("REDIS_URL"),
		JWTSecret:                      os.Getenv("JWT_SECRET"),
		InternalAPIKey:                 os.Getenv("INTERNAL_API_KEY"),
		AllowedOrigins:                 getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		RateLimitRPM:                   getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		AdminUserIDs:                   getEnvList("ADMIN_USER_IDS", nil),
		NotifyWebhookURL:               os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:            os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		StripeSecretKey:                os.Getenv("STRIPE_SECRET_KEY"),
		StripeCurrency:                 strings.ToLower(getEnv("STRIPE_CURRENCY", DefaultStripeCurrency)),
		EvidenceBucket:                 getEnv("EVIDENCE_BUCKET", DefaultEvidenceBucket),
		EvidenceRegion:                 getEnv("EVIDENCE_REGION", DefaultEvidenceRegion),
		EvidenceEndpoint:               os.Getenv("EVIDENCE_ENDPOINT"),
		EvidenceAccessKey:              os.Getenv("EVIDENCE_ACCESS_KEY"),
		EvidenceSecretKey:              os.Getenv("EVIDENCE_SECRET_KEY"),
		EvidencePublicURL:              os.Getenv("EVIDENCE_PUBLIC_URL"),
		EscrowHoldDays:                 getEnvInt("ESCROW_HOLD_DAYS", DefaultEscrowHoldDays),
		EscrowSweepInterval:            getEnvDuration("ESCROW_SWEEP_INTERVAL", DefaultEscrowSweepInterval),
		RestrictionSweepInterval:       getEnvDuration("RESTRICTION_SWEEP_INTERVAL", DefaultRestrictionSweepInterval),
		EnforceSingleActiveRestriction: getEnvBool("ENFORCE_SINGLE_ACTIVE_RESTRICTION", true),
		RestrictStatusMode:             getEnv("RESTRICT_STATUS_MODE", RestrictStatusLegacy),
		ReconcileInterval:              getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		DisputeStaleAfter:              getEnvDuration("DISPUTE_STALE_AFTER", DefaultDisputeStaleAfter),
		OTLPEndpoint:                   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.EscrowHoldDays <= 0 {
		return fmt.Errorf("ESCROW_HOLD_DAYS must be positive")
	}
	if c.EscrowSweepInterval <= 0 || c.RestrictionSweepInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}
	switch c.RestrictStatusMode {
	case RestrictStatusLegacy, RestrictStatusDistinct:
	default:
		return fmt.Errorf("RESTRICT_STATUS_MODE must be %q or %q", RestrictStatusLegacy, RestrictStatusDistinct)
	}
	if c.IsProduction() && c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set in production")
	}
	if c.EvidenceAccessKey != "" && c.EvidenceSecretKey == "" {
		return fmt.Errorf("EVIDENCE_SECRET_KEY is required when EVIDENCE_ACCESS_KEY is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// EvidenceConfigured reports whether an object store has been configured.
func (c *Config) EvidenceConfigured() bool {
	return c.EvidenceAccessKey != "" || c.EvidenceEndpoint != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
