package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Persistence
	StoreBackend string
	DatabaseURL  string
	DBMigrate    bool

	// HTTP client
	HTTPTimeout time.Duration

	// Call budgets for the store and SMS provider
	StoreTimeout time.Duration
	SMSTimeout   time.Duration

	// Resilience
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxConcurrency   int
	WalletMaxRetries int

	// Cache (user profiles only)
	UserCacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// Supabase
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string

	// JWT / Auth
	JWTSecret    string
	JWTAccessTTL time.Duration

	// OTP
	OTPPepper      string
	SMSCountryCode string

	// SMS
	SMSProvider               string // twilio | log
	SMSLogCodes               bool
	TwilioAccountSID          string
	TwilioAuthToken           string
	TwilioFrom                string
	TwilioMessagingServiceSID string

	// Per-IP throttling of the OTP endpoints
	RedisURL    string
	OTPIPLimit  int
	OTPIPWindow time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendSupabase)),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		DBMigrate:    getEnvBool("DB_MIGRATE", true),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		StoreTimeout: getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		SMSTimeout:   getEnvDuration("SMS_TIMEOUT", 8*time.Second),

		MaxRetries:       getEnvInt("MAX_RETRIES", 3),
		InitialBackoff:   getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency:   getEnvInt("MAX_CONCURRENCY", 50),
		WalletMaxRetries: getEnvInt("WALLET_MAX_RETRIES", 3),

		UserCacheTTL: getEnvDuration("USER_CACHE_TTL", 30*time.Second),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:    getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),

		JWTSecret:    getEnv("JWT_SECRET", "giftvault-default-dev-secret-change-me"),
		JWTAccessTTL: getEnvDuration("JWT_ACCESS_TTL", time.Hour),

		OTPPepper:      getEnv("OTP_PEPPER", "giftvault-dev-pepper"),
		SMSCountryCode: getEnv("SMS_COUNTRY_CODE", "91"),

		SMSProvider:               strings.ToLower(getEnv("SMS_PROVIDER", "log")),
		SMSLogCodes:               getEnvBool("SMS_LOG_CODES", false),
		TwilioAccountSID:          getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:           getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFrom:                getEnv("TWILIO_FROM", ""),
		TwilioMessagingServiceSID: getEnv("TWILIO_MESSAGING_SERVICE_SID", ""),

		RedisURL:    getEnv("REDIS_URL", ""),
		OTPIPLimit:  getEnvInt("OTP_IP_LIMIT", 20),
		OTPIPWindow: getEnvDuration("OTP_IP_WINDOW", 10*time.Minute),
	}
}

// Validate reports configuration that cannot work for the chosen backends.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("STORE_BACKEND=supabase requires SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.SMSProvider {
	case "twilio":
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" {
			return fmt.Errorf("SMS_PROVIDER=twilio requires TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN")
		}
		if c.TwilioFrom == "" && c.TwilioMessagingServiceSID == "" {
			return fmt.Errorf("SMS_PROVIDER=twilio requires TWILIO_FROM or TWILIO_MESSAGING_SERVICE_SID")
		}
	case "log":
	default:
		return fmt.Errorf("unknown SMS_PROVIDER %q", c.SMSProvider)
	}

	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 bytes")
	}

	if c.OTPIPLimit <= 0 {
		return fmt.Errorf("OTP_IP_LIMIT must be positive, got %d", c.OTPIPLimit)
	}
	for name, d := range map[string]time.Duration{
		"OTP_IP_WINDOW": c.OTPIPWindow,
		"STORE_TIMEOUT": c.StoreTimeout,
		"SMS_TIMEOUT":   c.SMSTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
