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

package api

import (
	"errors"
	"net/http"
	"strconv"

	"forest-credit-settlement/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) handleListNotifications(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	includeArchived, _ := strconv.ParseBool(c.DefaultQuery("include_archived", "false"))

	result, err := s.deps.Notifications.ListNotifications(c.Request.Context(), store.ListNotificationsParams{
		UserId:          userID(c),
		Page:            page,
		PageSize:        pageSize,
		IncludeArchived: includeArchived,
	})
	if err != nil {
		writeNotificationError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleUnreadCount(c *gin.Context) {
	count, err := s.deps.Notifications.CountUnreadNotifications(c.Request.Context(), userID(c))
	if err != nil {
		writeNotificationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

func (s *Server) handleMarkRead(c *gin.Context) {
	if err := s.deps.Notifications.MarkNotificationRead(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		writeNotificationError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(c *gin.Context) {
	updated, err := s.deps.Notifications.MarkAllNotificationsRead(c.Request.Context(), userID(c))
	if err != nil {
		writeNotificationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (s *Server) handleArchive(c *gin.Context) {
	if err := s.deps.Notifications.ArchiveNotification(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		writeNotificationError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func writeNotificationError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	zap.L().Error("Notification request failed", zap.String("user_id", userID(c)), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
