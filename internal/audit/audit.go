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

package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"

	"go.uber.org/zap"
)

const keyPrefix = "tx_"

// Record is the value written to the audit ledger for one settled order.
type Record struct {
	OrderId      int64  `json:"order_id"`
	BuyerId      string `json:"buyer_id"`
	SellerId     string `json:"seller_id"`
	TotalCredits int64  `json:"total_credits"`
	TotalPrice   string `json:"total_price"`
	PaidAt       int64  `json:"paid_at"`
	Hash         string `json:"hash"`
}

// canonical renders the hashed tuple. Field order and formatting are fixed so
// the hash can be re-derived from the order store at any later time.
func (r Record) canonical() string {
	return strings.Join([]string{
		strconv.FormatInt(r.OrderId, 10),
		r.BuyerId,
		r.SellerId,
		strconv.FormatInt(r.TotalCredits, 10),
		r.TotalPrice,
		strconv.FormatInt(r.PaidAt, 10),
	}, "|")
}

func (r Record) computeHash() string {
	sum := sha256.Sum256([]byte(r.canonical()))
	return hex.EncodeToString(sum[:])
}

// NewRecord derives the audit record for a paid order.
func NewRecord(order *models.Order) (*Record, error) {
	if order.PaidAt == nil {
		return nil, fmt.Errorf("%w: order %d has no paid timestamp", store.ErrMalformed, order.Id)
	}
	r := &Record{
		OrderId:      order.Id,
		BuyerId:      order.BuyerId,
		SellerId:     order.SellerId,
		TotalCredits: order.TotalCredits,
		TotalPrice:   order.TotalPrice.StringFixed(2),
		PaidAt:       order.PaidAt.Unix(),
	}
	r.Hash = r.computeHash()
	return r, nil
}

// ComputeHash re-derives the audit hash from current order facts.
func ComputeHash(order *models.Order) (string, error) {
	r, err := NewRecord(order)
	if err != nil {
		return "", err
	}
	return r.Hash, nil
}

// Key is the ledger key for hash.
func Key(hash string) string {
	return keyPrefix + hash
}

// decodeRecord strictly parses a ledger value. Unknown fields or a hash that
// does not match the tuple are data-integrity failures.
func decodeRecord(value []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.DisallowUnknownFields()
	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: audit record: %v", store.ErrMalformed, err)
	}
	if r.OrderId <= 0 || r.Hash == "" {
		return nil, fmt.Errorf("%w: audit record missing order id or hash", store.ErrMalformed)
	}
	if r.computeHash() != r.Hash {
		return nil, fmt.Errorf("%w: audit record hash does not match its tuple", store.ErrMalformed)
	}
	return &r, nil
}

// Writer appends settlement records to the audit ledger and verifies them.
type Writer struct {
	ledger store.AuditLedger
	orders store.OrderStore
}

func NewWriter(ledger store.AuditLedger, orders store.OrderStore) *Writer {
	return &Writer{ledger: ledger, orders: orders}
}

func (w *Writer) Name() string { return "audit" }

// Exists reports whether order already carries an audit anchor.
func (w *Writer) Exists(_ context.Context, order *models.Order) (bool, error) {
	return order.AuditHash != "", nil
}

// Record hashes the order, appends the record under tx_<hash> and anchors the
// hash on the order. A key written by an earlier, partially failed attempt is
// treated as success.
func (w *Writer) Record(ctx context.Context, order *models.Order) error {
	record, err := NewRecord(order)
	if err != nil {
		return err
	}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: encode audit record: %v", store.ErrMalformed, err)
	}

	key := Key(record.Hash)
	if err := w.ledger.Set(ctx, key, value); err != nil {
		if !errors.Is(err, store.ErrKeyExists) {
			return fmt.Errorf("audit ledger write failed: %w", err)
		}
		zap.L().Info("Audit record already in ledger", zap.Int64("order_id", order.Id), zap.String("key", key))
	}

	if err := w.orders.SetAuditHash(ctx, order.Id, record.Hash); err != nil {
		return fmt.Errorf("failed to anchor audit hash: %w", err)
	}
	appended, err := w.orders.AppendHistoryOnce(ctx, order.Id, store.HistoryLine{
		Event:   models.HistoryAuditRecorded,
		Message: "audit record " + key,
	})
	if err != nil {
		return fmt.Errorf("failed to append audit history: %w", err)
	}
	if !appended {
		zap.L().Info("Audit record already anchored", zap.Int64("order_id", order.Id))
		return nil
	}

	zap.L().Info("Audit record written",
		zap.Int64("order_id", order.Id),
		zap.String("hash", record.Hash))
	return nil
}

// Verify recomputes the audit hash from current order facts and compares it
// with the ledger.
func (w *Writer) Verify(ctx context.Context, orderId int64) *models.VerificationResult {
	result := &models.VerificationResult{OrderId: orderId, CheckedAt: time.Now().UTC()}

	order, err := w.orders.GetOrder(ctx, orderId)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			result.Status = models.VerificationNotFound
			return result
		}
		zap.L().Warn("Verification could not read order", zap.Int64("order_id", orderId), zap.Error(err))
		result.Status = models.VerificationUnavailable
		return result
	}
	if order.AuditHash == "" {
		result.Status = models.VerificationNotFound
		return result
	}
	result.RecordedHash = order.AuditHash

	expected, err := ComputeHash(order)
	if err != nil {
		result.Status = models.VerificationMismatch
		return result
	}
	result.ExpectedHash = expected

	entry, err := w.ledger.VerifiedGet(ctx, Key(order.AuditHash))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The order claims an anchor the ledger never saw.
			zap.L().Error("Audit anchor missing from ledger",
				zap.Int64("order_id", orderId),
				zap.String("hash", order.AuditHash),
				zap.Bool("flagged", true))
			result.Status = models.VerificationMismatch
			return result
		}
		zap.L().Warn("Audit ledger unavailable for verification", zap.Int64("order_id", orderId), zap.Error(err))
		result.Status = models.VerificationUnavailable
		return result
	}

	record, err := decodeRecord(entry.Value)
	switch {
	case err != nil, !entry.Verified, record.Hash != order.AuditHash, expected != order.AuditHash:
		zap.L().Error("Audit verification mismatch",
			zap.Int64("order_id", orderId),
			zap.String("expected_hash", expected),
			zap.String("recorded_hash", order.AuditHash),
			zap.Bool("ledger_verified", entry.Verified),
			zap.Bool("flagged", true),
			zap.Error(err))
		result.Status = models.VerificationMismatch
	default:
		result.Status = models.VerificationVerified
	}
	return result
}
