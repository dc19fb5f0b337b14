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

package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"forest-credit-settlement/internal/metrics"
	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/notify"
	"forest-credit-settlement/internal/orchestrator"
	"forest-credit-settlement/internal/store"
	"forest-credit-settlement/internal/webhook"

	"go.uber.org/zap"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrAmountMismatch = errors.New("payment does not match order")
	ErrNotSettled     = errors.New("order is not settled")
	// ErrEffectsIncomplete wraps a side effect failure after the order state
	// was persisted. Events that hit it are still PROCESSED; Ensure and the
	// reconciler finish the effects.
	ErrEffectsIncomplete = errors.New("settlement effects incomplete")
)

type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeOrderNotFound Outcome = "order_not_found"
	OutcomeFlagged       Outcome = "flagged"
	OutcomePending       Outcome = "pending"
)

// Result describes what happened to one event.
type Result struct {
	Outcome   Outcome              `json:"outcome"`
	Signature string               `json:"signature,omitempty"`
	OrderCode int64                `json:"order_code"`
	Status    models.OrderStatus   `json:"status,omitempty"`
	Report    *orchestrator.Report `json:"report,omitempty"`
}

// EffectRunner drives the side effects of a settled order.
type EffectRunner interface {
	Run(ctx context.Context, order *models.Order) (*orchestrator.Report, error)
}

// Notifier emits inbox notifications.
type Notifier interface {
	Publish(ctx context.Context, event notify.Event) (*models.Notification, error)
}

// PaymentLookup asks the provider for the current state of a payment.
type PaymentLookup interface {
	LookupPayment(ctx context.Context, reference string) (*models.CanonicalEvent, error)
	FindPaymentForOrder(ctx context.Context, orderCode int64) (*models.CanonicalEvent, error)
}

// Processor is the single path from a canonical event to persisted order
// state and side effects.
type Processor struct {
	orders       store.OrderStore
	events       store.EventLedger
	effects      EffectRunner
	notifier     Notifier
	lookup       PaymentLookup
	expiryWindow time.Duration
	now          func() time.Time
}

func NewProcessor(orders store.OrderStore, events store.EventLedger, effects EffectRunner, notifier Notifier, lookup PaymentLookup, expiryWindow time.Duration) *Processor {
	if expiryWindow <= 0 {
		expiryWindow = DefaultExpiryWindow
	}
	return &Processor{
		orders:       orders,
		events:       events,
		effects:      effects,
		notifier:     notifier,
		lookup:       lookup,
		expiryWindow: expiryWindow,
		now:          time.Now,
	}
}

// HandleEvent claims event by signature and, when this caller wins the
// claim, settles it. Once claimed, processing ignores caller cancellation and
// always ends with the event PROCESSED or FAILED.
func (p *Processor) HandleEvent(ctx context.Context, event *models.CanonicalEvent) (*Result, error) {
	signature := event.Signature()
	canonical, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode canonical event: %w", err)
	}

	claim, err := p.events.Claim(ctx, store.ClaimParams{
		Signature:  signature,
		OrderCode:  event.OrderCode,
		EventType:  event.EventType,
		Source:     models.GetSettlementSource(ctx),
		RawPayload: string(event.RawPayload),
		Canonical:  string(canonical),
	})
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("claim_error").Inc()
		return nil, fmt.Errorf("%w: failed to claim event: %v", store.ErrUnavailable, err)
	}
	if !claim.Proceed() {
		zap.L().Info("Duplicate event ignored",
			zap.String("signature", signature),
			zap.Int64("order_code", event.OrderCode),
			zap.String("prior_status", string(claim.PriorStatus)))
		metrics.WebhookEventsTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
		return &Result{Outcome: OutcomeDuplicate, Signature: signature, OrderCode: event.OrderCode}, nil
	}

	return p.settleClaimed(context.WithoutCancel(ctx), signature, event)
}

// Replay settles an event the caller already reclaimed from the ledger.
func (p *Processor) Replay(ctx context.Context, stored models.WebhookEvent) (*Result, error) {
	var event models.CanonicalEvent
	if err := json.Unmarshal([]byte(stored.Canonical), &event); err != nil {
		cause := fmt.Errorf("%w: stored canonical event: %v", store.ErrMalformed, err)
		if markErr := p.events.MarkFailed(ctx, stored.Signature, cause, false); markErr != nil {
			zap.L().Error("Failed to mark event failed", zap.String("signature", stored.Signature), zap.Error(markErr))
		}
		return nil, cause
	}
	event.RawPayload = []byte(stored.RawPayload)
	return p.settleClaimed(context.WithoutCancel(ctx), stored.Signature, &event)
}

func (p *Processor) settleClaimed(ctx context.Context, signature string, event *models.CanonicalEvent) (*Result, error) {
	logger := zap.L().With(
		zap.String("signature", signature),
		zap.Int64("order_code", event.OrderCode),
		zap.String("event_type", event.EventType),
		zap.String("source", string(models.GetSettlementSource(ctx))))

	result, err := p.settle(ctx, event)
	if result == nil {
		result = &Result{OrderCode: event.OrderCode}
	}
	result.Signature = signature

	if errors.Is(err, ErrEffectsIncomplete) {
		// The transition is durable, so the event itself is done.
		logger.Warn("Order settled with effects outstanding",
			zap.String("status", string(result.Status)),
			zap.Error(err))
		metrics.WebhookEventsTotal.WithLabelValues("effects_incomplete").Inc()
		err = nil
	}

	if err == nil {
		if markErr := p.events.MarkProcessed(ctx, signature); markErr != nil {
			logger.Error("Failed to mark event processed", zap.Error(markErr))
			return result, fmt.Errorf("%w: failed to mark event processed: %v", store.ErrUnavailable, markErr)
		}
		metrics.WebhookEventsTotal.WithLabelValues(string(result.Outcome)).Inc()
		logger.Info("Event processed", zap.String("outcome", string(result.Outcome)), zap.String("status", string(result.Status)))
		return result, nil
	}

	retriable := isRetriable(err)
	if markErr := p.events.MarkFailed(ctx, signature, err, retriable); markErr != nil {
		logger.Error("Failed to mark event failed", zap.Error(markErr))
	}

	if retriable {
		metrics.WebhookEventsTotal.WithLabelValues("retriable_failure").Inc()
		logger.Warn("Event processing failed, will be retried", zap.Error(err))
		return result, err
	}

	// Data integrity failures are acknowledged so the provider stops retrying.
	metrics.WebhookEventsTotal.WithLabelValues(string(result.Outcome)).Inc()
	logger.Error("Event rejected by settlement", zap.Bool("flagged", true), zap.Error(err))
	return result, nil
}

func isRetriable(err error) bool {
	switch {
	case errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrAmountMismatch),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrMalformed):
		return false
	}
	return store.IsRetriable(err)
}

// settle loads the order and applies the state machine, retrying once after a
// concurrent modification.
func (p *Processor) settle(ctx context.Context, event *models.CanonicalEvent) (*Result, error) {
	order, err := p.orders.GetOrderByCode(ctx, event.OrderCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Result{Outcome: OutcomeOrderNotFound, OrderCode: event.OrderCode},
				fmt.Errorf("%w: order code %d", ErrOrderNotFound, event.OrderCode)
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}

	for attempt := 0; ; attempt++ {
		result, err := p.apply(ctx, order, event)
		if err == nil || !errors.Is(err, store.ErrConcurrentModification) || attempt > 0 {
			return result, err
		}
		zap.L().Info("Order changed concurrently, re-deciding",
			zap.Int64("order_id", order.Id),
			zap.String("seen_status", string(order.Status)))
		if order, err = p.orders.GetOrder(ctx, order.Id); err != nil {
			return nil, fmt.Errorf("failed to reload order: %w", err)
		}
	}
}

func (p *Processor) apply(ctx context.Context, order *models.Order, event *models.CanonicalEvent) (*Result, error) {
	decision := Decide(order, event, p.now(), p.expiryWindow)
	result := &Result{Outcome: OutcomeAccepted, OrderCode: order.OrderCode, Status: order.Status}

	if decision.PersistExpiry {
		expired, err := p.expire(ctx, order)
		if err != nil {
			return result, err
		}
		order = expired
		result.Status = order.Status
	}

	if decision.Flag != "" {
		result.Outcome = OutcomeFlagged
		if err := p.flag(ctx, order, decision.Flag); err != nil {
			return result, err
		}
		if decision.Mismatch {
			return result, fmt.Errorf("%w: %s", ErrAmountMismatch, decision.Flag)
		}
		return result, nil
	}

	if decision.Transition {
		updated, err := p.transition(ctx, order, decision, event)
		if err != nil {
			return result, err
		}
		order = updated
		result.Status = order.Status

		if order.Status == models.OrderStatusFailed {
			p.notify(ctx, notify.Event{Type: notify.TypeOrderFailed, Order: order, Reason: event.FailureReason})
			return result, nil
		}
	}

	if order.Status == models.OrderStatusPaid && (decision.Transition || decision.Ensure) {
		report, err := p.runEffects(ctx, order)
		result.Report = report
		if report != nil {
			result.Status = report.Status
		}
		return result, err
	}

	if decision.NoOp() {
		zap.L().Info("Event does not change order",
			zap.Int64("order_id", order.Id),
			zap.String("status", string(order.Status)),
			zap.String("result", string(event.ResultCode)))
	}
	return result, nil
}

func (p *Processor) transition(ctx context.Context, order *models.Order, d Decision, event *models.CanonicalEvent) (*models.Order, error) {
	payment := &store.PaymentUpdate{
		ProviderReference: event.ProviderReference,
		Amount:            event.Amount(),
		Currency:          order.Currency,
		RawPayload:        string(event.RawPayload),
	}
	var line store.HistoryLine
	if d.To == models.OrderStatusPaid {
		payment.Status = models.PaymentStatusPaid
		line = store.HistoryLine{
			Event:   models.HistoryPaid,
			Message: fmt.Sprintf("payment %s settled %s %s", event.ProviderReference,
				event.Amount().StringFixed(models.CurrencyExponent(order.Currency)), order.Currency),
		}
	} else {
		payment.Status = models.PaymentStatusFailed
		payment.FailureReason = event.FailureReason
		line = store.HistoryLine{
			Event:   models.HistoryFailed,
			Message: fmt.Sprintf("payment %s failed: %s", event.ProviderReference, event.FailureReason),
		}
	}

	updated, err := p.orders.ApplyTransition(ctx, store.TransitionParams{
		OrderId:   order.Id,
		From:      d.From,
		To:        d.To,
		Payment:   payment,
		History:   []store.HistoryLine{line},
		AppliedAt: p.now(),
	})
	if err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(d.From), string(d.To)).Inc()
	return updated, nil
}

func (p *Processor) runEffects(ctx context.Context, order *models.Order) (*orchestrator.Report, error) {
	report, err := p.effects.Run(ctx, order)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrEffectsIncomplete, err)
	}
	if len(report.Failed()) == 0 {
		return report, nil
	}
	if report.Retriable() {
		return report, fmt.Errorf("%w: %w", ErrEffectsIncomplete, report.Err())
	}
	return report, fmt.Errorf("%w: %w: %w", ErrEffectsIncomplete, store.ErrMalformed, report.Err())
}

func (p *Processor) flag(ctx context.Context, order *models.Order, reason string) error {
	zap.L().Error("Order flagged for operator attention",
		zap.Int64("order_id", order.Id),
		zap.Int64("order_code", order.OrderCode),
		zap.String("reason", reason),
		zap.Bool("flagged", true))
	metrics.FlaggedTotal.WithLabelValues(flagReason(reason)).Inc()
	if err := p.orders.AppendHistory(ctx, order.Id, store.HistoryLine{Event: models.HistoryFlagged, Message: reason}); err != nil {
		return fmt.Errorf("failed to flag order: %w", err)
	}
	return nil
}

func flagReason(reason string) string {
	for _, prefix := range []string{"amount mismatch", "currency mismatch"} {
		if strings.HasPrefix(reason, prefix) {
			return prefix
		}
	}
	return "late success"
}

// expire persists EXPIRED for a PENDING order. A concurrent settlement that
// got there first wins and is returned instead.
func (p *Processor) expire(ctx context.Context, order *models.Order) (*models.Order, error) {
	expired, err := p.orders.ApplyTransition(ctx, store.TransitionParams{
		OrderId: order.Id,
		From:    models.OrderStatusPending,
		To:      models.OrderStatusExpired,
		History: []store.HistoryLine{{
			Event:   models.HistoryExpired,
			Message: fmt.Sprintf("no payment within %s", p.expiryWindow),
		}},
		AppliedAt: p.now(),
	})
	if err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(models.OrderStatusPending), string(models.OrderStatusExpired)).Inc()
	p.notify(ctx, notify.Event{Type: notify.TypeOrderExpired, Order: expired})
	return expired, nil
}

// notify is best effort: a lost inbox row never blocks settlement.
func (p *Processor) notify(ctx context.Context, event notify.Event) {
	if p.notifier == nil {
		return
	}
	if _, err := p.notifier.Publish(ctx, event); err != nil {
		zap.L().Warn("Failed to emit notification",
			zap.String("type", event.Type),
			zap.Int64("order_id", event.Order.Id),
			zap.Error(err))
	}
}

// Order returns the order and its status with lazy expiry applied.
func (p *Processor) Order(ctx context.Context, orderCode int64) (*models.Order, models.OrderStatus, error) {
	order, err := p.orders.GetOrderByCode(ctx, orderCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", fmt.Errorf("%w: order code %d", ErrOrderNotFound, orderCode)
		}
		return nil, "", err
	}
	return order, EffectiveStatus(order, p.now(), p.expiryWindow), nil
}

// ConfirmFromProvider asks the provider for the order's payment and feeds
// the answer through the same claim gate as webhooks. It backs the return
// page after checkout.
func (p *Processor) ConfirmFromProvider(ctx context.Context, orderCode int64) (*Result, error) {
	order, status, err := p.Order(ctx, orderCode)
	if err != nil {
		return nil, err
	}
	if status != models.OrderStatusPending {
		return &Result{Outcome: OutcomeIgnored, OrderCode: orderCode, Status: status}, nil
	}
	if p.lookup == nil {
		return nil, fmt.Errorf("%w: payment provider not configured", store.ErrUnavailable)
	}

	event, err := p.lookupOrderPayment(ctx, order)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrUnsupportedEvent), errors.Is(err, store.ErrNotFound):
			return &Result{Outcome: OutcomePending, OrderCode: orderCode, Status: status}, nil
		}
		return nil, err
	}
	if event.OrderCode != orderCode {
		return nil, fmt.Errorf("%w: provider payment belongs to order %d", store.ErrMalformed, event.OrderCode)
	}

	return p.HandleEvent(models.WithSettlementSource(ctx, models.SourceReturnPage), event)
}

func (p *Processor) lookupOrderPayment(ctx context.Context, order *models.Order) (*models.CanonicalEvent, error) {
	payments, err := p.orders.GetPayments(ctx, order.Id)
	if err != nil {
		return nil, err
	}
	for _, payment := range payments {
		if payment.Status == models.PaymentStatusPending && payment.ProviderReference != "" {
			return p.lookup.LookupPayment(ctx, payment.ProviderReference)
		}
	}
	return p.lookup.FindPaymentForOrder(ctx, order.OrderCode)
}

// Ensure re-drives the side effects of a settled order. A PENDING order past
// its window is expired instead.
func (p *Processor) Ensure(ctx context.Context, orderCode int64) (*orchestrator.Report, error) {
	order, status, err := p.Order(ctx, orderCode)
	if err != nil {
		return nil, err
	}
	if status != order.Status {
		if _, err := p.expire(ctx, order); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: order %d is %s", ErrNotSettled, orderCode, status)
	}
	if !order.Status.IsSettled() {
		return nil, fmt.Errorf("%w: order %d is %s", ErrNotSettled, orderCode, order.Status)
	}
	return p.runEffects(ctx, order)
}

// ExpireStale persists EXPIRED for up to limit PENDING orders past the
// window and returns how many it expired.
func (p *Processor) ExpireStale(ctx context.Context, limit int) (int, error) {
	orders, err := p.orders.ListStalePendingOrders(ctx, p.now().Add(-p.expiryWindow), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale orders: %w", err)
	}

	expired := 0
	for i := range orders {
		if _, err := p.expire(ctx, &orders[i]); err != nil {
			if errors.Is(err, store.ErrConcurrentModification) {
				continue
			}
			return expired, fmt.Errorf("failed to expire order %d: %w", orders[i].Id, err)
		}
		expired++
	}
	return expired, nil
}
