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
	"errors"
	"fmt"
	"time"

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"

	"github.com/google/uuid"
)

// InsertCertificate stores cert unless the order already has one. It reports
// whether a new row was written.
func (s *Service) InsertCertificate(ctx context.Context, cert models.Certificate) (bool, error) {
	if cert.Id == "" {
		cert.Id = uuid.New().String()
	}
	if cert.IssuedAt.IsZero() {
		cert.IssuedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, s.q(queryInsertCertificate),
		cert.Id, cert.OrderId, cert.OrderCode, cert.BuyerId, cert.SellerId, cert.Hash, cert.Snapshot,
		cert.ArchiveKey, cert.IssuedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert certificate: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func (s *Service) GetCertificate(ctx context.Context, orderId int64) (*models.Certificate, error) {
	var cert models.Certificate
	err := s.db.QueryRowContext(ctx, s.q(queryGetCertificate), orderId).Scan(
		&cert.Id, &cert.OrderId, &cert.OrderCode, &cert.BuyerId, &cert.SellerId, &cert.Hash,
		&cert.Snapshot, &cert.ArchiveKey, &cert.IssuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: certificate for order %d", store.ErrNotFound, orderId)
		}
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	return &cert, nil
}
