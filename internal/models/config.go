package models

import "time"

// Config represents the application configuration
type Config struct {
	Database      DatabaseConfig
	Server        ServerConfig
	Provider      ProviderConfig
	Auth          AuthConfig
	Audit         AuditConfig
	Formance      FormanceConfig
	AWS           AWSConfig
	Settlement    SettlementConfig
	Reconciler    ReconcilerConfig
	Notifications NotificationConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // sqlite3 or pgx
	Path            string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port             string
	WebhookBodyLimit int64
	VerifyRateLimit  float64
	VerifyRateBurst  int
	ShutdownTimeout  time.Duration
}

// ProviderConfig holds payment provider credentials
type ProviderConfig struct {
	SecretKey          string
	WebhookSecret      string
	SignatureTolerance time.Duration
	RequestTimeout     time.Duration
}

// AuthConfig holds caller authentication settings
type AuthConfig struct {
	JWTSecret string
}

// AuditConfig selects the immutable ledger backend
type AuditConfig struct {
	Backend string // database or formance
}

// FormanceConfig holds Formance Stack connection settings
type FormanceConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}

// AWSConfig holds optional AWS integrations. Empty names disable the integration.
type AWSConfig struct {
	UseSecrets           bool
	SecretName           string
	MovementTable        string
	CertificateBucket    string
	NotificationTopicArn string
}

// SettlementConfig holds state machine and side effect settings
type SettlementConfig struct {
	OrderExpiryWindow time.Duration
	EffectTimeout     time.Duration
}

// ReconcilerConfig holds background re-drive settings
type ReconcilerConfig struct {
	Enabled         bool
	PollingInterval time.Duration
	StaleEventAfter time.Duration
	CleanupInterval time.Duration
	BatchSize       int
	ExpirePending   bool
}

// NotificationConfig holds notification template settings
type NotificationConfig struct {
	TemplatesFile string
}
