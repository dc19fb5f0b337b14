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
	"io"
	"net/http"

	"forest-credit-settlement/internal/metrics"
	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/settlement"
	"forest-credit-settlement/internal/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const signatureHeader = "Stripe-Signature"

// handleWebhook answers the provider. Only a retriable infrastructure failure
// returns 5xx, so the provider redelivers exactly those callbacks.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.WebhookBodyLimit))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		zap.L().Warn("Unable to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	event, err := s.deps.Verifier.Verify(body, c.GetHeader(signatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrUnsupportedEvent):
			metrics.WebhookEventsTotal.WithLabelValues(string(settlement.OutcomeIgnored)).Inc()
			zap.L().Debug("Webhook event ignored", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"status": settlement.OutcomeIgnored})
		case errors.Is(err, webhook.ErrInvalidSignature):
			metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
			zap.L().Warn("Webhook signature rejected", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		default:
			metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
			zap.L().Warn("Webhook payload rejected", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed or unsigned payload"})
		}
		return
	}

	ctx := models.WithSettlementSource(c.Request.Context(), models.SourceWebhook)
	result, err := s.deps.Settlement.HandleEvent(ctx, event)
	if err != nil {
		zap.L().Error("Webhook processing failed",
			zap.Int64("order_code", event.OrderCode),
			zap.String("signature", event.Signature()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed, retry later"})
		return
	}

	resp := gin.H{"status": result.Outcome}
	if result.Report != nil && !result.Report.Completed {
		// Settled but not finished; the reconciler picks it up.
		resp["report"] = result.Report
	}
	c.JSON(http.StatusOK, resp)
}
