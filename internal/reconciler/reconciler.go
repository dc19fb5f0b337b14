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

package reconciler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"forest-credit-settlement/internal/metrics"
	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/orchestrator"
	"forest-credit-settlement/internal/settlement"
	"forest-credit-settlement/internal/store"

	"go.uber.org/zap"
)

// Settler is the part of the settlement processor the reconciler re-drives.
type Settler interface {
	Ensure(ctx context.Context, orderCode int64) (*orchestrator.Report, error)
	Replay(ctx context.Context, event models.WebhookEvent) (*settlement.Result, error)
	ExpireStale(ctx context.Context, limit int) (int, error)
}

// Config contains configuration for Reconciler
type Config struct {
	Settler         Settler
	Orders          store.OrderStore
	Events          store.EventLedger
	PollingInterval time.Duration
	StaleEventAfter time.Duration
	CleanupInterval time.Duration
	BatchSize       int
	ExpirePending   bool
}

// Reconciler finishes work the request path left behind: PAID orders with
// missing effects, callbacks stuck mid-processing and PENDING orders past
// their expiry window.
type Reconciler struct {
	settler Settler
	orders  store.OrderStore
	events  store.EventLedger

	// Recently attempted orders and events, so a failing item is not
	// hammered on every tick.
	attempts        map[string]time.Time
	mutex           sync.RWMutex
	pollingInterval time.Duration
	staleEventAfter time.Duration
	cleanupInterval time.Duration
	batchSize       int
	expirePending   bool

	stopChan chan struct{}
	doneChan chan struct{}
}

// Summary counts what one pass did.
type Summary struct {
	Ensured  int `json:"ensured"`
	Replayed int `json:"replayed"`
	Expired  int `json:"expired"`
	Failed   int `json:"failed"`
}

func New(cfg Config) *Reconciler {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = time.Minute
	}
	if cfg.StaleEventAfter <= 0 {
		cfg.StaleEventAfter = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Reconciler{
		settler:         cfg.Settler,
		orders:          cfg.Orders,
		events:          cfg.Events,
		attempts:        make(map[string]time.Time),
		pollingInterval: cfg.PollingInterval,
		staleEventAfter: cfg.StaleEventAfter,
		cleanupInterval: cfg.CleanupInterval,
		batchSize:       cfg.BatchSize,
		expirePending:   cfg.ExpirePending,
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}
}

// Start begins the background loops
func (r *Reconciler) Start(ctx context.Context) {
	ctx = models.WithSettlementSource(ctx, models.SourceReconciler)

	go r.pollLoop(ctx)
	go r.cleanupLoop(ctx)

	zap.L().Info("Reconciler started",
		zap.Duration("polling_interval", r.pollingInterval),
		zap.Duration("stale_event_after", r.staleEventAfter),
		zap.Bool("expire_pending", r.expirePending))
}

// Stop gracefully stops the reconciler
func (r *Reconciler) Stop() {
	zap.L().Info("Stopping reconciler")
	close(r.stopChan)
	<-r.doneChan
	zap.L().Info("Reconciler stopped")
}

func (r *Reconciler) pollLoop(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.pollingInterval)
	defer ticker.Stop()

	r.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) Summary {
	ctx = models.WithSettlementSource(ctx, models.SourceReconciler)

	var summary Summary
	var mu sync.Mutex
	var wg sync.WaitGroup

	tasks := []func(context.Context) Summary{r.ensurePaid, r.replayStale}
	if r.expirePending {
		tasks = append(tasks, r.expireStale)
	}
	for _, task := range tasks {
		wg.Add(1)

		go func(run func(context.Context) Summary) {
			defer wg.Done()
			s := run(ctx)

			mu.Lock()
			defer mu.Unlock()
			summary.Ensured += s.Ensured
			summary.Replayed += s.Replayed
			summary.Expired += s.Expired
			summary.Failed += s.Failed
		}(task)
	}
	wg.Wait()

	if summary != (Summary{}) {
		zap.L().Info("Reconciliation pass finished",
			zap.Int("ensured", summary.Ensured),
			zap.Int("replayed", summary.Replayed),
			zap.Int("expired", summary.Expired),
			zap.Int("failed", summary.Failed))
	}
	return summary
}

func (r *Reconciler) ensurePaid(ctx context.Context) Summary {
	var s Summary
	orders, err := r.orders.ListOrdersByStatus(ctx, models.OrderStatusPaid, r.batchSize)
	if err != nil {
		zap.L().Error("Failed to list paid orders", zap.Error(err))
		metrics.ReconcilerActionsTotal.WithLabelValues("ensure", "error").Inc()
		return s
	}

	for _, order := range orders {
		key := "order:" + strconv.FormatInt(order.Id, 10)
		if r.recentlyAttempted(key) {
			continue
		}
		r.markAttempted(key)

		if _, err := r.settler.Ensure(ctx, order.OrderCode); err != nil {
			s.Failed++
			metrics.ReconcilerActionsTotal.WithLabelValues("ensure", "failed").Inc()
			zap.L().Warn("Ensure failed",
				zap.Int64("order_id", order.Id),
				zap.Int64("order_code", order.OrderCode),
				zap.Error(err))
			continue
		}
		s.Ensured++
		metrics.ReconcilerActionsTotal.WithLabelValues("ensure", "ok").Inc()
	}
	return s
}

func (r *Reconciler) replayStale(ctx context.Context) Summary {
	var s Summary
	cutoff := time.Now().UTC().Add(-r.staleEventAfter)
	events, err := r.events.ListStaleWebhookEvents(ctx, cutoff, r.batchSize)
	if err != nil {
		zap.L().Error("Failed to list stale events", zap.Error(err))
		metrics.ReconcilerActionsTotal.WithLabelValues("replay", "error").Inc()
		return s
	}

	for _, event := range events {
		key := "event:" + event.Signature
		if r.recentlyAttempted(key) {
			continue
		}
		r.markAttempted(key)

		// The conditional reclaim keeps a concurrent redelivery and this
		// pass from both processing the event.
		won, err := r.events.Reclaim(ctx, event.Signature, event.Status, cutoff)
		if err != nil {
			s.Failed++
			zap.L().Error("Failed to reclaim event", zap.String("signature", event.Signature), zap.Error(err))
			continue
		}
		if !won {
			continue
		}

		if _, err := r.settler.Replay(ctx, event); err != nil {
			s.Failed++
			metrics.ReconcilerActionsTotal.WithLabelValues("replay", "failed").Inc()
			zap.L().Warn("Replay failed",
				zap.String("signature", event.Signature),
				zap.Int64("order_code", event.OrderCode),
				zap.Error(err))
			continue
		}
		s.Replayed++
		metrics.ReconcilerActionsTotal.WithLabelValues("replay", "ok").Inc()
	}
	return s
}

func (r *Reconciler) expireStale(ctx context.Context) Summary {
	expired, err := r.settler.ExpireStale(ctx, r.batchSize)
	if err != nil {
		zap.L().Error("Failed to expire stale orders", zap.Int("expired", expired), zap.Error(err))
		metrics.ReconcilerActionsTotal.WithLabelValues("expire", "error").Inc()
		return Summary{Expired: expired, Failed: 1}
	}
	if expired > 0 {
		metrics.ReconcilerActionsTotal.WithLabelValues("expire", "ok").Add(float64(expired))
	}
	return Summary{Expired: expired}
}

func (r *Reconciler) recentlyAttempted(key string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	at, exists := r.attempts[key]
	return exists && time.Since(at) < r.staleEventAfter
}

func (r *Reconciler) markAttempted(key string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.attempts[key] = time.Now()
}

// cleanupLoop periodically forgets old attempts
func (r *Reconciler) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanupAttempts()
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) cleanupAttempts() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	cutoff := time.Now().Add(-r.staleEventAfter)
	cleaned := 0

	for key, at := range r.attempts {
		if at.Before(cutoff) {
			delete(r.attempts, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		zap.L().Debug("Cleaned up reconciler attempts",
			zap.Int("cleaned", cleaned),
			zap.Int("remaining", len(r.attempts)))
	}
}
