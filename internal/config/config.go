package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	TOTP     TOTPConfig
	WebAuthn WebAuthnConfig
	Anomaly  AnomalyConfig
	Audit    AuditConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string // CIDR ranges whose forwarding headers are honored
}

type AuthConfig struct {
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	MFATokenExpiry     time.Duration
	ChallengeTTL       time.Duration // Pending MFA challenge lifetime
	PendingEnrollTTL   time.Duration // Unconfirmed enrollment lifetime

	// Lockout policy (independent of anomaly scoring)
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	LockoutWindow     time.Duration
	MaxAttemptsPerIP  int

	// Timing envelope for credential failures
	TimingDelayBaseMs   int
	TimingDelayRandomMs int

	CleanupInterval time.Duration
}

type TOTPConfig struct {
	Issuer        string
	EncryptionKey []byte // 32 bytes, AES-256
}

type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

type AnomalyConfig struct {
	StepUpThreshold int
	DenyThreshold   int
}

type AuditConfig struct {
	WriteRetries      int
	WriteBackoff      time.Duration
	SubscriberBuffer  int
	RetentionDays     int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	totpKey, err := loadTOTPKey()
	if err != nil {
		return nil, err
	}

	rpID := getEnv("WEBAUTHN_RP_ID", "")
	if rpID == "" {
		return nil, fmt.Errorf("WEBAUTHN_RP_ID is required")
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "aegis"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: splitAndTrim(getEnv("TRUSTED_PROXIES", "")),
		},
		Auth: AuthConfig{
			JWTSecret:           jwtSecret,
			AccessTokenExpiry:   getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry:  getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			MFATokenExpiry:      getEnvAsDuration("MFA_TOKEN_EXPIRY", 5*time.Minute),
			ChallengeTTL:        getEnvAsDuration("MFA_CHALLENGE_TTL", 2*time.Minute),
			PendingEnrollTTL:    getEnvAsDuration("MFA_PENDING_ENROLL_TTL", 15*time.Minute),
			MaxFailedAttempts:   getEnvAsInt("MAX_FAILED_ATTEMPTS", 5),
			LockoutDuration:     getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),
			LockoutWindow:       getEnvAsDuration("LOCKOUT_WINDOW", 15*time.Minute),
			MaxAttemptsPerIP:    getEnvAsInt("MAX_ATTEMPTS_PER_IP", 20),
			TimingDelayBaseMs:   getEnvAsInt("TIMING_DELAY_BASE_MS", 100),
			TimingDelayRandomMs: getEnvAsInt("TIMING_DELAY_RANDOM_MS", 100),
			CleanupInterval:     getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
		},
		TOTP: TOTPConfig{
			Issuer:        getEnv("TOTP_ISSUER", "Aegis"),
			EncryptionKey: totpKey,
		},
		WebAuthn: WebAuthnConfig{
			RPID:          rpID,
			RPDisplayName: getEnv("WEBAUTHN_RP_NAME", "Aegis"),
			RPOrigins:     splitAndTrim(getEnv("WEBAUTHN_RP_ORIGINS", "http://localhost:3000")),
		},
		Anomaly: AnomalyConfig{
			StepUpThreshold: getEnvAsInt("ANOMALY_STEP_UP_THRESHOLD", 25),
			DenyThreshold:   getEnvAsInt("ANOMALY_DENY_THRESHOLD", 70),
		},
		Audit: AuditConfig{
			WriteRetries:     getEnvAsInt("AUDIT_WRITE_RETRIES", 3),
			WriteBackoff:     getEnvAsDuration("AUDIT_WRITE_BACKOFF", 100*time.Millisecond),
			SubscriberBuffer: getEnvAsInt("AUDIT_SUBSCRIBER_BUFFER", 64),
			RetentionDays:    getEnvAsInt("AUDIT_RETENTION_DAYS", 365),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadTOTPKey decodes TOTP_ENCRYPTION_KEY and enforces the AES-256 key size.
func loadTOTPKey() ([]byte, error) {
	encoded := getEnv("TOTP_ENCRYPTION_KEY", "")
	if encoded == "" {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY is required")
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}

	return key, nil
}

// validateJWTSecret enforces minimum security standards for the signing secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32 // 256 bits
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		originsStr := getEnv("ALLOWED_ORIGINS", "")
		if originsStr == "" {
			return []string{} // Default to no origins in production
		}
		return splitAndTrim(originsStr)
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
	}
}
