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

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forest-credit-settlement/internal/api"
	"forest-credit-settlement/internal/common"
	"forest-credit-settlement/internal/config"
	"forest-credit-settlement/internal/reconciler"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting credit settlement service")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	gin.SetMode(gin.ReleaseMode)
	server, err := api.NewServer(cfg.Server, cfg.Auth, api.Dependencies{
		Settlement:    services.Processor,
		Verifier:      services.Verifier,
		Auditor:       services.AuditWriter,
		Notifications: services.DbService,
		Health:        services.DbService,
	})
	if err != nil {
		zap.L().Fatal("Failed to create API server", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zap.L().Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	var recon *reconciler.Reconciler
	if cfg.Reconciler.Enabled {
		recon = reconciler.New(reconciler.Config{
			Settler:         services.Processor,
			Orders:          services.DbService,
			Events:          services.DbService,
			PollingInterval: cfg.Reconciler.PollingInterval,
			StaleEventAfter: cfg.Reconciler.StaleEventAfter,
			CleanupInterval: cfg.Reconciler.CleanupInterval,
			BatchSize:       cfg.Reconciler.BatchSize,
			ExpirePending:   cfg.Reconciler.ExpirePending,
		})
		recon.Start(ctx)
	} else {
		zap.L().Info("Reconciler disabled")
	}

	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, draining requests...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("HTTP server did not drain before timeout", zap.Error(err))
	}

	if recon == nil {
		zap.L().Info("Stopped gracefully")
		return
	}

	done := make(chan struct{})
	go func() {
		recon.Stop()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}
