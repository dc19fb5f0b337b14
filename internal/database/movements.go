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
)

// RecordTransfer writes the movement edge for an order. Re-recording an order
// is a no-op.
func (s *Service) RecordTransfer(ctx context.Context, edge models.TransferEdge) error {
	if edge.FromNode == "" || edge.ToNode == "" {
		return fmt.Errorf("%w: transfer edge for order %d missing endpoints", store.ErrMalformed, edge.OrderId)
	}
	if edge.Credits <= 0 {
		return fmt.Errorf("%w: transfer edge for order %d has non-positive credits", store.ErrMalformed, edge.OrderId)
	}
	if edge.RecordedAt.IsZero() {
		edge.RecordedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, s.q(queryInsertTransferEdge),
		edge.OrderId, edge.FromNode, edge.ToNode, edge.Credits, edge.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}
	return nil
}

func (s *Service) GetTransfer(ctx context.Context, orderId int64) (*models.TransferEdge, error) {
	var edge models.TransferEdge
	err := s.db.QueryRowContext(ctx, s.q(queryGetTransferEdge), orderId).Scan(
		&edge.OrderId, &edge.FromNode, &edge.ToNode, &edge.Credits, &edge.RecordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: transfer for order %d", store.ErrNotFound, orderId)
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return &edge, nil
}
