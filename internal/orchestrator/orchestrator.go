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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"forest-credit-settlement/internal/metrics"
	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"

	"go.uber.org/zap"
)

// Effect is one guarded side effect of a settled order. Exists lets the
// orchestrator skip work an earlier pass already completed.
type Effect interface {
	Name() string
	Exists(ctx context.Context, order *models.Order) (bool, error)
	Record(ctx context.Context, order *models.Order) error
}

type OutcomeStatus string

const (
	OutcomeApplied OutcomeStatus = "applied"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome is the result of one effect in one pass.
type Outcome struct {
	Effect    string        `json:"effect"`
	Status    OutcomeStatus `json:"status"`
	Retriable bool          `json:"retriable,omitempty"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
}

// Report aggregates the outcomes of one orchestration pass.
type Report struct {
	OrderId   int64              `json:"order_id"`
	Outcomes  []Outcome          `json:"outcomes"`
	Completed bool               `json:"completed"`
	Status    models.OrderStatus `json:"status"`
}

// Failed returns the outcomes that did not succeed.
func (r *Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Status == OutcomeFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// Retriable reports whether every failure in the report may succeed later.
func (r *Report) Retriable() bool {
	for _, o := range r.Failed() {
		if !o.Retriable {
			return false
		}
	}
	return true
}

// Err joins the failed outcomes' errors, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", o.Effect, o.Err))
	}
	return errors.Join(errs...)
}

// Orchestrator fans a paid order out to its side effects.
type Orchestrator struct {
	orders  store.OrderStore
	effects []Effect
	timeout time.Duration
}

func New(orders store.OrderStore, timeout time.Duration, effects ...Effect) *Orchestrator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Orchestrator{orders: orders, effects: effects, timeout: timeout}
}

// Run applies every missing effect for order concurrently. Each effect gets
// its own timeout and a failure never stops the others. When nothing failed a
// PAID order is moved to COMPLETED. Run may be repeated safely.
func (o *Orchestrator) Run(ctx context.Context, order *models.Order) (*Report, error) {
	if !order.Status.IsSettled() {
		return nil, fmt.Errorf("order %d is %s, effects run only for settled orders", order.Id, order.Status)
	}

	report := &Report{OrderId: order.Id, Outcomes: make([]Outcome, len(o.effects)), Status: order.Status}

	var wg sync.WaitGroup
	for i, effect := range o.effects {
		wg.Add(1)

		go func(i int, e Effect) {
			defer wg.Done()
			report.Outcomes[i] = o.runEffect(ctx, e, order)
		}(i, effect)
	}
	wg.Wait()

	if failed := report.Failed(); len(failed) > 0 {
		zap.L().Warn("Settlement effects incomplete",
			zap.Int64("order_id", order.Id),
			zap.Int("failed", len(failed)),
			zap.Bool("retriable", report.Retriable()),
			zap.Error(report.Err()))
		return report, nil
	}

	if order.Status == models.OrderStatusCompleted {
		report.Completed = true
		return report, nil
	}

	completed, err := o.orders.ApplyTransition(ctx, store.TransitionParams{
		OrderId: order.Id,
		From:    models.OrderStatusPaid,
		To:      models.OrderStatusCompleted,
		History: []store.HistoryLine{{Event: models.HistoryCompleted, Message: "all settlement effects recorded"}},
	})
	if err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			// A concurrent pass finished first.
			report.Completed = true
			report.Status = models.OrderStatusCompleted
			return report, nil
		}
		return report, fmt.Errorf("failed to complete order %d: %w", order.Id, err)
	}
	metrics.TransitionsTotal.WithLabelValues(string(models.OrderStatusPaid), string(models.OrderStatusCompleted)).Inc()

	report.Completed = true
	report.Status = completed.Status
	return report, nil
}

func (o *Orchestrator) runEffect(ctx context.Context, e Effect, order *models.Order) (outcome Outcome) {
	outcome.Effect = e.Name()
	start := time.Now()
	defer func() {
		metrics.EffectDuration.WithLabelValues(outcome.Effect).Observe(time.Since(start).Seconds())
		metrics.EffectOutcomesTotal.WithLabelValues(outcome.Effect, string(outcome.Status)).Inc()
	}()

	effectCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	fail := func(err error) Outcome {
		outcome.Status = OutcomeFailed
		outcome.Err = err
		outcome.Error = err.Error()
		outcome.Retriable = store.IsRetriable(err)
		if outcome.Retriable {
			zap.L().Warn("Settlement effect failed",
				zap.String("effect", outcome.Effect),
				zap.Int64("order_id", order.Id),
				zap.Error(err))
		} else {
			zap.L().Error("Settlement effect hit a data integrity failure",
				zap.String("effect", outcome.Effect),
				zap.Int64("order_id", order.Id),
				zap.Bool("flagged", true),
				zap.Error(err))
		}
		return outcome
	}

	exists, err := e.Exists(effectCtx, order)
	if err != nil {
		return fail(err)
	}
	if exists {
		outcome.Status = OutcomeSkipped
		return outcome
	}

	if err := e.Record(effectCtx, order); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, store.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		return fail(err)
	}

	zap.L().Debug("Settlement effect applied",
		zap.String("effect", outcome.Effect),
		zap.Int64("order_id", order.Id))
	outcome.Status = OutcomeApplied
	return outcome
}
