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

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/settlement"
	"forest-credit-settlement/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func parseOrderCode(c *gin.Context) (int64, bool) {
	orderCode, err := strconv.ParseInt(c.Param("orderCode"), 10, 64)
	if err != nil || orderCode <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order code"})
		return 0, false
	}
	return orderCode, true
}

// loadOwnedOrder returns the order when the caller is its buyer or an admin.
// Foreign orders read as missing.
func (s *Server) loadOwnedOrder(c *gin.Context, orderCode int64) (*models.Order, models.OrderStatus, bool) {
	order, status, err := s.deps.Settlement.Order(c.Request.Context(), orderCode)
	if err != nil {
		writeSettlementError(c, err)
		return nil, "", false
	}
	if order.BuyerId != userID(c) && !isAdmin(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return nil, "", false
	}
	return order, status, true
}

func (s *Server) handleGetOrder(c *gin.Context) {
	orderCode, ok := parseOrderCode(c)
	if !ok {
		return
	}
	order, status, ok := s.loadOwnedOrder(c, orderCode)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.NewOrderView(order, status))
}

// handleConfirmOrder backs the checkout return page.
func (s *Server) handleConfirmOrder(c *gin.Context) {
	orderCode, ok := parseOrderCode(c)
	if !ok {
		return
	}
	if _, _, ok := s.loadOwnedOrder(c, orderCode); !ok {
		return
	}

	result, err := s.deps.Settlement.ConfirmFromProvider(c.Request.Context(), orderCode)
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleEnsureOrder(c *gin.Context) {
	orderCode, ok := parseOrderCode(c)
	if !ok {
		return
	}

	report, err := s.deps.Settlement.Ensure(models.WithSettlementSource(c.Request.Context(), models.SourceOperator), orderCode)
	if err != nil {
		if report != nil {
			zap.L().Warn("Ensure left effects incomplete", zap.Int64("order_code", orderCode), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, report)
			return
		}
		writeSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func writeSettlementError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, settlement.ErrOrderNotFound), errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, settlement.ErrNotSettled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrUnavailable):
		zap.L().Warn("Dependency unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	default:
		zap.L().Error("Settlement request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
