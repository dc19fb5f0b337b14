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

const (
	defaultNotificationPageSize = 20
	maxNotificationPageSize     = 100
)

// InsertNotification stores n unless the same (user, type, dedupe key) exists,
// in which case the existing row is returned with created=false.
func (s *Service) InsertNotification(ctx context.Context, n models.Notification) (*models.Notification, bool, error) {
	if n.UserId == "" || n.Type == "" || n.DedupeKey == "" {
		return nil, false, fmt.Errorf("notification requires user, type and dedupe key")
	}
	if n.Id == "" {
		n.Id = uuid.New().String()
	}
	if n.Priority == "" {
		n.Priority = "normal"
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, s.q(queryInsertNotification),
		n.Id, n.UserId, n.Type, n.EntityType, n.EntityId, n.DedupeKey, n.Title, n.Message,
		n.Priority, n.CreatedAt.UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert notification: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	stored, err := scanNotification(s.db.QueryRowContext(ctx, s.q(queryGetNotificationByDedupe), n.UserId, n.Type, n.DedupeKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read back notification: %w", err)
	}
	return stored, rowsAffected == 1, nil
}

func (s *Service) ListNotifications(ctx context.Context, params store.ListNotificationsParams) (*models.NotificationPage, error) {
	page := params.Page
	if page < 1 {
		page = 1
	}
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = defaultNotificationPageSize
	}
	if pageSize > maxNotificationPageSize {
		pageSize = maxNotificationPageSize
	}
	includeArchived := boolToInt(params.IncludeArchived)

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(queryCountNotifications), params.UserId, includeArchived).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count notifications: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.q(queryListNotifications),
		params.UserId, includeArchived, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer closeRows(rows)

	items := []models.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		items = append(items, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	unread, err := s.CountUnreadNotifications(ctx, params.UserId)
	if err != nil {
		return nil, err
	}

	return &models.NotificationPage{
		Items:       items,
		Page:        page,
		PageSize:    pageSize,
		Total:       total,
		UnreadCount: unread,
	}, nil
}

func (s *Service) CountUnreadNotifications(ctx context.Context, userId string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.q(queryCountUnreadNotifications), userId).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead is idempotent for notifications the user owns.
func (s *Service) MarkNotificationRead(ctx context.Context, userId, notificationId string) error {
	return s.updateNotification(ctx, queryMarkNotificationRead, userId, notificationId)
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, userId string) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q(queryMarkAllNotificationsRead), time.Now().UTC(), userId)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return result.RowsAffected()
}

func (s *Service) ArchiveNotification(ctx context.Context, userId, notificationId string) error {
	return s.updateNotification(ctx, queryArchiveNotification, userId, notificationId)
}

func (s *Service) updateNotification(ctx context.Context, query, userId, notificationId string) error {
	result, err := s.db.ExecContext(ctx, s.q(query), time.Now().UTC(), notificationId, userId)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// Nothing changed: either already in the target state or not this user's.
	var one int
	err = s.db.QueryRowContext(ctx, s.q(queryNotificationExists), notificationId, userId).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: notification %s", store.ErrNotFound, notificationId)
	}
	if err != nil {
		return fmt.Errorf("failed to check notification: %w", err)
	}
	return nil
}

func scanNotification(row scanner) (*models.Notification, error) {
	var n models.Notification
	var status string
	var readAt, archivedAt sql.NullTime
	err := row.Scan(&n.Id, &n.UserId, &n.Type, &n.EntityType, &n.EntityId, &n.DedupeKey, &n.Title,
		&n.Message, &n.Priority, &status, &n.CreatedAt, &readAt, &archivedAt)
	if err != nil {
		return nil, err
	}
	n.Status = models.NotificationStatus(status)
	n.ReadAt = nullTimePtr(readAt)
	n.ArchivedAt = nullTimePtr(archivedAt)
	return &n, nil
}
