/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"forest-credit-settlement/internal/models"
)

func Load() (*models.Config, error) {
	connMaxLifetime, err := getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	connMaxIdleTime, err := getEnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pingTimeout, err := getEnvDuration("DB_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	shutdownTimeout, err := getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	signatureTolerance, err := getEnvDuration("STRIPE_SIGNATURE_TOLERANCE", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	providerTimeout, err := getEnvDuration("STRIPE_REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	expiryWindow, err := getEnvDuration("ORDER_EXPIRY_WINDOW", 15*time.Minute)
	if err != nil {
		return nil, err
	}

	effectTimeout, err := getEnvDuration("SETTLEMENT_EFFECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	pollingInterval, err := getEnvDuration("RECONCILER_POLLING_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}

	staleEventAfter, err := getEnvDuration("RECONCILER_STALE_EVENT_AFTER", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	cleanupInterval, err := getEnvDuration("RECONCILER_CLEANUP_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{
		Database: models.DatabaseConfig{
			Driver:          getEnvString("DATABASE_DRIVER", "sqlite3"),
			Path:            getEnvString("DATABASE_PATH", "settlement.db"),
			URL:             getEnvString("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
			PingTimeout:     pingTimeout,
		},
		Server: models.ServerConfig{
			Port:             getEnvString("PORT", "8080"),
			WebhookBodyLimit: int64(getEnvInt("WEBHOOK_BODY_LIMIT", 65536)),
			VerifyRateLimit:  getEnvFloat("VERIFY_RATE_LIMIT", 5),
			VerifyRateBurst:  getEnvInt("VERIFY_RATE_BURST", 10),
			ShutdownTimeout:  shutdownTimeout,
		},
		Provider: models.ProviderConfig{
			SecretKey:          getEnvString("STRIPE_API_KEY", ""),
			WebhookSecret:      getEnvString("STRIPE_WEBHOOK_SECRET", ""),
			SignatureTolerance: signatureTolerance,
			RequestTimeout:     providerTimeout,
		},
		Auth: models.AuthConfig{
			JWTSecret: strings.TrimSpace(getEnvString("JWT_SECRET", "")),
		},
		Audit: models.AuditConfig{
			Backend: getEnvString("AUDIT_BACKEND", "database"),
		},
		Formance: models.FormanceConfig{
			StackURL:     getEnvString("FORMANCE_STACK_URL", ""),
			ClientID:     getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			LedgerName:   getEnvString("FORMANCE_LEDGER", "credit-settlement-audit"),
		},
		AWS: models.AWSConfig{
			UseSecrets:           getEnvBool("AWS_USE_SECRETS", false),
			SecretName:           getEnvString("SETTLEMENT_SECRET_NAME", "credit-settlement"),
			MovementTable:        getEnvString("MOVEMENT_TABLE", ""),
			CertificateBucket:    getEnvString("CERTIFICATE_BUCKET", ""),
			NotificationTopicArn: getEnvString("NOTIFICATION_TOPIC_ARN", ""),
		},
		Settlement: models.SettlementConfig{
			OrderExpiryWindow: expiryWindow,
			EffectTimeout:     effectTimeout,
		},
		Reconciler: models.ReconcilerConfig{
			Enabled:         getEnvBool("RECONCILER_ENABLED", true),
			PollingInterval: pollingInterval,
			StaleEventAfter: staleEventAfter,
			CleanupInterval: cleanupInterval,
			BatchSize:       getEnvInt("RECONCILER_BATCH_SIZE", 50),
			ExpirePending:   getEnvBool("RECONCILER_EXPIRE_PENDING", true),
		},
		Notifications: models.NotificationConfig{
			TemplatesFile: getEnvString("NOTIFICATION_TEMPLATES_FILE", ""),
		},
	}

	return cfg, nil
}

// Validate fails fast on settings the server cannot start without. Secrets
// may be filled in from Secrets Manager before this runs.
func Validate(cfg *models.Config) error {
	var errs []error
	if cfg.Provider.SecretKey == "" {
		errs = append(errs, errors.New("STRIPE_API_KEY is required"))
	}
	if cfg.Provider.WebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, errors.New("DATABASE_PATH is required for sqlite3"))
		}
	case "pgx":
		if cfg.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for pgx"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.Database.Driver))
	}
	switch cfg.Audit.Backend {
	case "database":
	case "formance":
		if cfg.Formance.StackURL == "" || cfg.Formance.ClientID == "" || cfg.Formance.ClientSecret == "" {
			errs = append(errs, errors.New("FORMANCE_STACK_URL, FORMANCE_CLIENT_ID and FORMANCE_CLIENT_SECRET are required for the formance audit backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported AUDIT_BACKEND %q", cfg.Audit.Backend))
	}
	if cfg.Settlement.OrderExpiryWindow <= 0 {
		errs = append(errs, errors.New("ORDER_EXPIRY_WINDOW must be positive"))
	}
	if cfg.Settlement.EffectTimeout <= 0 {
		errs = append(errs, errors.New("SETTLEMENT_EFFECT_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// ApplySecrets overlays values fetched from a secrets store. Keys use the
// environment variable names; absent or empty keys leave cfg unchanged.
func ApplySecrets(cfg *models.Config, secrets map[string]string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(secrets[key]); v != "" {
			*dst = v
		}
	}
	set(&cfg.Provider.SecretKey, "STRIPE_API_KEY")
	set(&cfg.Provider.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	set(&cfg.Auth.JWTSecret, "JWT_SECRET")
	set(&cfg.Database.URL, "DATABASE_URL")
	set(&cfg.Formance.ClientSecret, "FORMANCE_CLIENT_SECRET")
}
