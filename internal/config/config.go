// Package config loads the control plane's configuration from environment
// variables, following the grouped-sub-struct, defaulted-env-var shape used
// throughout this codebase.
package config

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

// AuthMode selects how inbound credentials are resolved to a tenant.
type AuthMode string

const (
	AuthDisabled AuthMode = "disabled"
	AuthToken    AuthMode = "token"
	AuthJWT      AuthMode = "jwt"
)

// Config holds all configuration for the control plane.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Billing    BillingConfig
	Security   SecurityConfig
	Worker     WorkerConfig
	Bootstrap  BootstrapConfig
	Monitoring MonitoringConfig
	Notify     NotifyConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis connection configuration. Host == "" disables the
// cache fast path; the idempotency layer then relies solely on the Store.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// Enabled reports whether a Redis cache is configured.
func (r RedisConfig) Enabled() bool { return r.Host != "" }

// Plan is one entry of the billing plan catalog.
type Plan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// BillingConfig holds Stripe and checkout configuration.
type BillingConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	Plans               []Plan
	SuccessURL          string
	CancelURL           string
	AutoProvisionOnPaid bool
	// DefaultTenantID is used as the Deployment owner for webhook-driven
	// provisioning. This is a documented open question: the deployment is
	// NOT attributed to the tenant that started the checkout, only to this
	// fixed default, until per-order owner capture is added. Preserved
	// intentionally, not a bug to silently fix.
	DefaultTenantID string
}

// PlanByID looks up a configured plan.
func (b BillingConfig) PlanByID(id string) (Plan, bool) {
	for _, p := range b.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// TokenBinding binds a SHA-256 token hash to a resolved user id.
type TokenBinding struct {
	TokenHashHex string
	UserID       string
}

// SecurityConfig holds encryption, auth, and admin configuration.
type SecurityConfig struct {
	EncryptionPassphrase string
	AuthMode             AuthMode
	TokenBindings        []TokenBinding
	JWKSURL              string
	JWTIssuer            string
	JWTAudience          string
	JWTSubjectClaim      string
	JWTMaxAge            time.Duration
	AdminToken           string
}

// WorkerConfig controls the deployment scheduler.
type WorkerConfig struct {
	Enabled      bool
	TickInterval time.Duration
	LeaseMs      int64
}

// HeartbeatInterval returns the recommended heartbeat cadence, leaseMs/3,
// derived from the configured lease duration.
func (w WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.LeaseMs/3) * time.Millisecond
}

// BootstrapConfig names the SSH key material used to provision hosts.
type BootstrapConfig struct {
	SSHPublicKeyPath  string
	SSHPrivateKeyPath string
}

// MonitoringConfig controls logging and metrics.
type MonitoringConfig struct {
	LogLevel       string
	PrometheusPort int
	MetricsPath    string
}

// NotifyConfig configures the outbound webhook mirror for order/deployment
// state changes. URL == "" disables it entirely.
type NotifyConfig struct {
	URL    string
	Secret string
	Method string
}

// Enabled reports whether an outbound notification webhook is configured.
func (n NotifyConfig) Enabled() bool { return n.URL != "" }

// Load reads configuration from environment variables, applying the same
// defaulting helpers used throughout this codebase, and validates the
// fields that must be present for the process to start safely.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "controlplane"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "controlplane"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Billing: BillingConfig{
			StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			SuccessURL:          getEnv("CHECKOUT_SUCCESS_URL", "https://example.invalid/success"),
			CancelURL:           getEnv("CHECKOUT_CANCEL_URL", "https://example.invalid/cancel"),
			AutoProvisionOnPaid: getEnvAsBool("AUTO_PROVISION_ON_PAID", true),
			DefaultTenantID:     getEnv("DEFAULT_TENANT_ID", "default"),
		},
		Security: SecurityConfig{
			EncryptionPassphrase: getEnv("ENCRYPTION_PASSPHRASE", ""),
			AuthMode:             AuthMode(getEnv("AUTH_MODE", string(AuthDisabled))),
			JWKSURL:              getEnv("JWT_JWKS_URL", ""),
			JWTIssuer:            getEnv("JWT_ISSUER", ""),
			JWTAudience:          getEnv("JWT_AUDIENCE", ""),
			JWTSubjectClaim:      getEnv("JWT_SUBJECT_CLAIM", "sub"),
			JWTMaxAge:            getEnvAsDuration("JWT_MAX_AGE", "0s"),
			AdminToken:           getEnv("ADMIN_TOKEN", ""),
		},
		Worker: WorkerConfig{
			Enabled:      getEnvAsBool("WORKER_ENABLED", true),
			TickInterval: getEnvAsDuration("WORKER_TICK_INTERVAL", "5s"),
			LeaseMs:      int64(getEnvAsInt("WORKER_LEASE_MS", 60000)),
		},
		Bootstrap: BootstrapConfig{
			SSHPublicKeyPath:  getEnv("BOOTSTRAP_SSH_PUBLIC_KEY_PATH", ""),
			SSHPrivateKeyPath: getEnv("BOOTSTRAP_SSH_PRIVATE_KEY_PATH", ""),
		},
		Monitoring: MonitoringConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			PrometheusPort: getEnvAsInt("PROMETHEUS_PORT", 9090),
			MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
		},
		Notify: NotifyConfig{
			URL:    getEnv("NOTIFY_WEBHOOK_URL", ""),
			Secret: getEnv("NOTIFY_WEBHOOK_SECRET", ""),
			Method: getEnv("NOTIFY_WEBHOOK_METHOD", http.MethodPost),
		},
	}

	plans, err := parsePlans(getEnv("BILLING_PLANS_JSON", "[]"))
	if err != nil {
		return nil, fmt.Errorf("BILLING_PLANS_JSON: %w", err)
	}
	cfg.Billing.Plans = plans

	bindings, err := parseTokenBindings(getEnv("AUTH_TOKEN_HASHES_JSON", "[]"))
	if err != nil {
		return nil, fmt.Errorf("AUTH_TOKEN_HASHES_JSON: %w", err)
	}
	cfg.Security.TokenBindings = bindings

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.Billing.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required")
	}
	if cfg.Billing.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if len(cfg.Security.EncryptionPassphrase) < 16 {
		return fmt.Errorf("ENCRYPTION_PASSPHRASE must be at least 16 bytes")
	}
	switch cfg.Security.AuthMode {
	case AuthDisabled, AuthToken, AuthJWT:
	default:
		return fmt.Errorf("AUTH_MODE must be one of disabled|token|jwt, got %q", cfg.Security.AuthMode)
	}
	if cfg.Security.AuthMode == AuthJWT && cfg.Security.JWKSURL == "" {
		return fmt.Errorf("JWT_JWKS_URL is required when AUTH_MODE=jwt")
	}
	if cfg.Security.AuthMode == AuthToken && len(cfg.Security.TokenBindings) == 0 {
		return fmt.Errorf("AUTH_TOKEN_HASHES_JSON must be non-empty when AUTH_MODE=token")
	}
	return nil
}

func parsePlans(raw string) ([]Plan, error) {
	var plans []Plan
	if err := json.Unmarshal([]byte(raw), &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

func parseTokenBindings(raw string) ([]TokenBinding, error) {
	var entries []struct {
		TokenHash string `json:"tokenHash"`
		UserID    string `json:"userId"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	bindings := make([]TokenBinding, 0, len(entries))
	for _, e := range entries {
		bindings = append(bindings, TokenBinding{TokenHashHex: e.TokenHash, UserID: e.UserID})
	}
	return bindings, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
