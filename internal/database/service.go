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

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time checks: *Service backs every relational store.
var (
	_ store.OrderStore        = (*Service)(nil)
	_ store.EventLedger       = (*Service)(nil)
	_ store.NotificationStore = (*Service)(nil)
	_ store.CertificateStore  = (*Service)(nil)
	_ store.MovementStore     = (*Service)(nil)
)

type Service struct {
	db      *sql.DB
	dialect dialect
	ledger  *AuditLedgerService
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if d.name == sqliteDialect.name && cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if d.name == postgresDialect.name && cfg.URL == "" {
		return nil, fmt.Errorf("database url cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	var db *sql.DB
	if d.name == sqliteDialect.name {
		zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
		db, err = sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	} else {
		zap.L().Info("Opening Postgres database")
		db, err = sql.Open("pgx", cfg.URL)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db, dialect: d, ledger: NewAuditLedgerService(db, d)}
	if err := service.initSchema(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully", zap.String("driver", d.name))
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

// Ping checks that the database answers within ctx.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AuditLedger returns the hash-chained ledger stored alongside the orders.
func (s *Service) AuditLedger() *AuditLedgerService {
	return s.ledger
}

func (s *Service) initSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// q rebinds a ? query for the active dialect.
func (s *Service) q(query string) string {
	return s.dialect.rebind(query)
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zap.L().Warn("Failed to close rows", zap.Error(err))
	}
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
