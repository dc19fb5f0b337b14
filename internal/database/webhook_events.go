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

	"go.uber.org/zap"
)

// Claim atomically records a callback keyed by its signature. The first
// caller wins; later callers see the prior status and proceed only when they
// manage to reclaim a retriable failure.
func (s *Service) Claim(ctx context.Context, params store.ClaimParams) (*store.ClaimResult, error) {
	if params.Signature == "" {
		return nil, fmt.Errorf("signature cannot be empty")
	}

	source := params.Source
	if source == "" {
		source = models.SourceWebhook
	}
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.q(queryClaimWebhookEvent),
		params.Signature, params.OrderCode, params.EventType, string(source),
		params.RawPayload, params.Canonical, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return &store.ClaimResult{FirstSeen: true, PriorStatus: models.WebhookEventReceived}, nil
	}

	existing, err := s.GetWebhookEvent(ctx, params.Signature)
	if err != nil {
		return nil, err
	}

	claim := &store.ClaimResult{PriorStatus: existing.Status}
	if existing.Status == models.WebhookEventFailed && existing.Retriable {
		// A redelivery of a retriable failure may take it over immediately.
		claim.Reclaimed, err = s.Reclaim(ctx, params.Signature, models.WebhookEventFailed, now.Add(time.Nanosecond))
		if err != nil {
			return nil, err
		}
	}

	zap.L().Debug("Webhook event already known",
		zap.String("signature", params.Signature),
		zap.String("prior_status", string(existing.Status)),
		zap.Bool("reclaimed", claim.Reclaimed))

	return claim, nil
}

// Reclaim moves an event from the given status to RETRYING if it was last
// touched before updatedBefore. Only one concurrent caller can succeed.
func (s *Service) Reclaim(ctx context.Context, signature string, from models.WebhookEventStatus, updatedBefore time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(queryReclaimWebhookEvent),
		time.Now().UTC(), signature, string(from), updatedBefore.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to reclaim webhook event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func (s *Service) MarkProcessed(ctx context.Context, signature string) error {
	now := time.Now().UTC()
	return s.updateWebhookEvent(ctx, signature, queryMarkWebhookProcessed, now, now, signature)
}

func (s *Service) MarkFailed(ctx context.Context, signature string, cause error, retriable bool) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	return s.updateWebhookEvent(ctx, signature, queryMarkWebhookFailed,
		lastError, boolToInt(retriable), time.Now().UTC(), signature)
}

func (s *Service) updateWebhookEvent(ctx context.Context, signature, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: webhook event %s", store.ErrNotFound, signature)
	}
	return nil
}

func (s *Service) GetWebhookEvent(ctx context.Context, signature string) (*models.WebhookEvent, error) {
	event, err := scanWebhookEvent(s.db.QueryRowContext(ctx, s.q(queryGetWebhookEvent), signature))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: webhook event %s", store.ErrNotFound, signature)
		}
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return event, nil
}

func (s *Service) ListWebhookEvents(ctx context.Context, status models.WebhookEventStatus, limit int) ([]models.WebhookEvent, error) {
	return s.listWebhookEvents(ctx, s.q(queryListWebhookEvents), string(status), limit)
}

// ListStaleWebhookEvents returns events that never reached a final state, or
// failed retriably, and have not been touched since updatedBefore.
func (s *Service) ListStaleWebhookEvents(ctx context.Context, updatedBefore time.Time, limit int) ([]models.WebhookEvent, error) {
	return s.listWebhookEvents(ctx, s.q(queryListStaleWebhookEvents), updatedBefore.UTC(), limit)
}

func (s *Service) listWebhookEvents(ctx context.Context, query string, args ...any) ([]models.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer closeRows(rows)

	var events []models.WebhookEvent
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func scanWebhookEvent(row scanner) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var source, status string
	var retriable int
	var processedAt sql.NullTime
	err := row.Scan(&e.Signature, &e.OrderCode, &e.EventType, &source, &status, &e.Attempts, &retriable,
		&e.LastError, &e.RawPayload, &e.Canonical, &e.CreatedAt, &e.UpdatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	e.Status, err = models.ParseWebhookEventStatus(status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrMalformed, err)
	}
	e.Source = models.SettlementSource(source)
	e.Retriable = retriable != 0
	e.ProcessedAt = nullTimePtr(processedAt)
	return &e, nil
}
