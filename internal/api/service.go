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
	"context"
	"fmt"
	"net/http"

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/orchestrator"
	"forest-credit-settlement/internal/settlement"
	"forest-credit-settlement/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Settlement is the part of the settlement processor the HTTP layer drives.
type Settlement interface {
	HandleEvent(ctx context.Context, event *models.CanonicalEvent) (*settlement.Result, error)
	ConfirmFromProvider(ctx context.Context, orderCode int64) (*settlement.Result, error)
	Ensure(ctx context.Context, orderCode int64) (*orchestrator.Report, error)
	Order(ctx context.Context, orderCode int64) (*models.Order, models.OrderStatus, error)
}

// EventVerifier authenticates a provider callback and maps it to a canonical event.
type EventVerifier interface {
	Verify(payload []byte, header string) (*models.CanonicalEvent, error)
}

// AuditVerifier recomputes and checks the audit anchor of an order.
type AuditVerifier interface {
	Verify(ctx context.Context, orderId int64) *models.VerificationResult
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators a Server routes to.
type Dependencies struct {
	Settlement    Settlement
	Verifier      EventVerifier
	Auditor       AuditVerifier
	Notifications store.NotificationStore
	Health        HealthChecker
}

// Server exposes settlement over HTTP.
type Server struct {
	cfg       models.ServerConfig
	jwtSecret []byte
	deps      Dependencies
}

func NewServer(cfg models.ServerConfig, auth models.AuthConfig, deps Dependencies) (*Server, error) {
	if auth.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}
	if deps.Settlement == nil || deps.Verifier == nil || deps.Auditor == nil || deps.Notifications == nil {
		return nil, fmt.Errorf("settlement, verifier, auditor and notification store are required")
	}
	if cfg.WebhookBodyLimit <= 0 {
		cfg.WebhookBodyLimit = 64 << 10
	}
	if cfg.VerifyRateLimit <= 0 {
		cfg.VerifyRateLimit = 5
	}
	if cfg.VerifyRateBurst <= 0 {
		cfg.VerifyRateBurst = 10
	}
	return &Server{cfg: cfg, jwtSecret: []byte(auth.JWTSecret), deps: deps}, nil
}

func (s *Server) HealthCheck(ctx context.Context) error {
	if s.deps.Health == nil {
		return nil
	}
	if err := s.deps.Health.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(zap.L()), Metrics())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/payments", s.handleWebhook)

	limiter := NewRateLimiter(rate.Limit(s.cfg.VerifyRateLimit), s.cfg.VerifyRateBurst)
	router.GET("/verify/:orderId", limiter.Middleware(), s.handleVerify)

	orders := router.Group("/orders", RequireAuth(s.jwtSecret))
	{
		orders.GET("/:orderCode", s.handleGetOrder)
		orders.POST("/:orderCode/confirm", s.handleConfirmOrder)
		orders.POST("/:orderCode/ensure", RequireRole(RoleAdmin), s.handleEnsureOrder)
	}

	notifications := router.Group("/notifications", RequireAuth(s.jwtSecret))
	{
		notifications.GET("", s.handleListNotifications)
		notifications.GET("/unread-count", s.handleUnreadCount)
		notifications.POST("/read-all", s.handleMarkAllRead)
		notifications.POST("/:id/read", s.handleMarkRead)
		notifications.POST("/:id/archive", s.handleArchive)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.HealthCheck(c.Request.Context()); err != nil {
		zap.L().Error("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
