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
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"

	"go.uber.org/zap"
)

var _ store.AuditLedger = (*AuditLedgerService)(nil)

// genesisDigest anchors the first entry of the chain.
const genesisDigest = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditLedgerService is an append-only, hash-chained audit ledger kept in the
// settlement database. Each entry's digest covers its predecessor's digest,
// so rewriting any row breaks verification of that row.
type AuditLedgerService struct {
	db      *sql.DB
	dialect dialect
}

func NewAuditLedgerService(db *sql.DB, d dialect) *AuditLedgerService {
	return &AuditLedgerService{
		db:      db,
		dialect: d,
	}
}

func chainDigest(prev, key string, value []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte("\n"))
	h.Write([]byte(key))
	h.Write([]byte("\n"))
	h.Write(value)
	return hex.EncodeToString(h.Sum(nil))
}

// Set appends key. Keys are write-once: a second write returns
// store.ErrKeyExists and leaves the first value untouched.
func (l *AuditLedgerService) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("ledger key cannot be empty")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", store.ErrUnavailable, err)
	}
	defer tx.Rollback()

	if l.dialect.ledgerLock != "" {
		if _, err := tx.ExecContext(ctx, l.dialect.ledgerLock); err != nil {
			return fmt.Errorf("%w: failed to lock ledger: %v", store.ErrUnavailable, err)
		}
	}

	prev := genesisDigest
	err = tx.QueryRowContext(ctx, l.dialect.rebind(queryLastLedgerDigest)).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: failed to read ledger head: %v", store.ErrUnavailable, err)
	}

	digest := chainDigest(prev, key, value)
	result, err := tx.ExecContext(ctx, l.dialect.rebind(queryInsertLedgerEntry),
		key, string(value), prev, digest, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: failed to append ledger entry: %v", store.ErrUnavailable, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to check rows affected: %v", store.ErrUnavailable, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", store.ErrKeyExists, key)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit ledger entry: %v", store.ErrUnavailable, err)
	}

	zap.L().Debug("Audit ledger entry appended", zap.String("key", key), zap.String("digest", digest))
	return nil
}

func (l *AuditLedgerService) Get(ctx context.Context, key string) (*models.LedgerEntry, error) {
	entry, _, err := l.getRow(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// VerifiedGet returns the entry together with whether its digest still
// matches its value and its predecessor.
func (l *AuditLedgerService) VerifiedGet(ctx context.Context, key string) (*models.VerifiedLedgerEntry, error) {
	entry, prev, err := l.getRow(ctx, key)
	if err != nil {
		return nil, err
	}

	expectedPrev := genesisDigest
	err = l.db.QueryRowContext(ctx, l.dialect.rebind(queryPreviousLedgerDigest), entry.Sequence).Scan(&expectedPrev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: failed to read previous ledger entry: %v", store.ErrUnavailable, err)
	}

	verified := prev == expectedPrev && chainDigest(prev, entry.Key, entry.Value) == entry.Digest
	if !verified {
		zap.L().Warn("Audit ledger entry failed verification",
			zap.String("key", key),
			zap.Int64("sequence", entry.Sequence))
	}
	return &models.VerifiedLedgerEntry{LedgerEntry: *entry, Verified: verified}, nil
}

func (l *AuditLedgerService) History(ctx context.Context, key string) ([]models.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.rebind(queryLedgerHistory), key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read ledger history: %v", store.ErrUnavailable, err)
	}
	defer closeRows(rows)

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, _, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (l *AuditLedgerService) getRow(ctx context.Context, key string) (*models.LedgerEntry, string, error) {
	entry, prev, err := scanLedgerEntry(l.db.QueryRowContext(ctx, l.dialect.rebind(queryGetLedgerEntry), key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", fmt.Errorf("%w: ledger key %s", store.ErrNotFound, key)
		}
		return nil, "", fmt.Errorf("%w: failed to read ledger entry: %v", store.ErrUnavailable, err)
	}
	return entry, prev, nil
}

func scanLedgerEntry(row scanner) (*models.LedgerEntry, string, error) {
	var entry models.LedgerEntry
	var value, prev string
	if err := row.Scan(&entry.Sequence, &entry.Key, &value, &prev, &entry.Digest, &entry.CreatedAt); err != nil {
		return nil, "", err
	}
	entry.Value = []byte(value)
	return &entry, prev, nil
}
