package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"forest-credit-settlement/internal/audit"
	"forest-credit-settlement/internal/certificate"
	"forest-credit-settlement/internal/database"
	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/movement"
	"forest-credit-settlement/internal/notify"
	"forest-credit-settlement/internal/orchestrator"
	"forest-credit-settlement/internal/store"
	"forest-credit-settlement/internal/webhook"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioCode = int64(17400001234)

type harness struct {
	db        *database.Service
	path      string
	processor *Processor
	writer    *audit.Writer
	movements *switchableMovements
}

type switchableMovements struct {
	store.MovementStore
	down atomic.Bool
}

func (s *switchableMovements) RecordTransfer(ctx context.Context, edge models.TransferEdge) error {
	if s.down.Load() {
		return fmt.Errorf("%w: graph offline", store.ErrUnavailable)
	}
	return s.MovementStore.RecordTransfer(ctx, edge)
}

type fakeLookup struct {
	event *models.CanonicalEvent
	err   error
	refs  []string
}

func (f *fakeLookup) LookupPayment(_ context.Context, reference string) (*models.CanonicalEvent, error) {
	f.refs = append(f.refs, reference)
	return f.event, f.err
}

func (f *fakeLookup) FindPaymentForOrder(context.Context, int64) (*models.CanonicalEvent, error) {
	f.refs = append(f.refs, "search")
	return f.event, f.err
}

func newHarness(t *testing.T, lookup PaymentLookup) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settlement.db")
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Driver: "sqlite3", Path: path, MaxOpenConns: 4, MaxIdleConns: 2, PingTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	movements := &switchableMovements{MovementStore: db}
	writer := audit.NewWriter(db.AuditLedger(), db)
	emitter := notify.NewEmitter(db, nil, nil, "")
	orch := orchestrator.New(db, 5*time.Second,
		writer,
		movement.NewTracker(movements, db),
		certificate.NewIssuer(db, db, nil, ""),
		notify.NewSettlementEffect(emitter),
	)
	return &harness{
		db:        db,
		path:      path,
		processor: NewProcessor(db, db, orch, emitter, lookup, 15*time.Minute),
		writer:    writer,
		movements: movements,
	}
}

func (h *harness) createOrder(t *testing.T, code int64) *models.Order {
	t.Helper()
	order, err := h.db.CreateOrder(context.Background(), store.CreateOrderParams{
		OrderCode:         code,
		BuyerId:           "buyer-1",
		SellerId:          "seller-1",
		Currency:          "USD",
		ProviderReference: "pi_1",
		Items:             []store.CreateOrderItem{{CreditId: "credit-a", Quantity: 2, UnitPrice: decimal.RequireFromString("10.50")}},
	})
	require.NoError(t, err)
	return order
}

func paymentEvent(code int64, result models.ResultCode, ts time.Time) *models.CanonicalEvent {
	eventType := webhook.EventPaymentIntentSucceeded
	reason := ""
	if result == models.ResultFailure {
		eventType = webhook.EventPaymentIntentFailed
		reason = "card declined"
	}
	return &models.CanonicalEvent{
		OrderCode:            code,
		AmountMinorUnits:     2100,
		Currency:             "USD",
		ProviderReference:    "pi_1",
		PaymentLinkId:        "plink_1",
		TransactionTimestamp: ts,
		ResultCode:           result,
		FailureReason:        reason,
		EventType:            eventType,
		RawPayload:           []byte(`{"id":"evt_1"}`),
	}
}

type effectCounts struct {
	payments, paidPayments, auditEntries, certificates, buyerNotes, sellerNotes int
	paidHistory                                                                 int
}

func (h *harness) counts(t *testing.T, orderId int64) effectCounts {
	t.Helper()
	ctx := context.Background()
	var c effectCounts

	payments, err := h.db.GetPayments(ctx, orderId)
	require.NoError(t, err)
	c.payments = len(payments)
	for _, p := range payments {
		if p.Status == models.PaymentStatusPaid {
			c.paidPayments++
		}
	}

	order, err := h.db.GetOrder(ctx, orderId)
	require.NoError(t, err)
	if order.AuditHash != "" {
		entries, err := h.db.AuditLedger().History(ctx, audit.Key(order.AuditHash))
		require.NoError(t, err)
		c.auditEntries = len(entries)
	}

	if _, err := h.db.GetCertificate(ctx, orderId); err == nil {
		c.certificates = 1
	}

	page, err := h.db.ListNotifications(ctx, store.ListNotificationsParams{UserId: "buyer-1"})
	require.NoError(t, err)
	c.buyerNotes = len(page.Items)
	page, err = h.db.ListNotifications(ctx, store.ListNotificationsParams{UserId: "seller-1"})
	require.NoError(t, err)
	c.sellerNotes = len(page.Items)

	history, err := h.db.GetOrderHistory(ctx, orderId)
	require.NoError(t, err)
	for _, line := range history {
		if line.Event == models.HistoryPaid {
			c.paidHistory++
		}
	}
	return c
}

func TestScenarioPaidThenCompleted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, scenarioCode)
	event := paymentEvent(scenarioCode, models.ResultSuccess, time.Now().UTC())

	result, err := h.processor.HandleEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, result.Outcome)
	assert.Equal(t, models.OrderStatusCompleted, result.Status)
	require.NotNil(t, result.Report)
	assert.Empty(t, result.Report.Failed())

	settled, err := h.db.GetOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, settled.Status)
	assert.True(t, settled.TotalPrice.Equal(decimal.RequireFromString("21.00")))
	assert.Equal(t, int64(2), settled.TotalCredits)
	require.NotNil(t, settled.PaidAt)
	require.NotNil(t, settled.CompletedAt)
	assert.NotEmpty(t, settled.AuditHash)

	transfer, err := h.db.GetTransfer(ctx, order.Id)
	require.NoError(t, err)
	assert.Equal(t, "seller-1", transfer.FromNode)
	assert.Equal(t, "buyer-1", transfer.ToNode)
	assert.Equal(t, int64(2), transfer.Credits)

	assert.Equal(t, effectCounts{
		payments: 1, paidPayments: 1, auditEntries: 1, certificates: 1,
		buyerNotes: 1, sellerNotes: 1, paidHistory: 1,
	}, h.counts(t, order.Id))

	stored, err := h.db.GetWebhookEvent(ctx, event.Signature())
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventProcessed, stored.Status)
	assert.Equal(t, models.SourceWebhook, stored.Source)

	assert.Equal(t, models.VerificationVerified, h.writer.Verify(ctx, order.Id).Status)
}

func TestDuplicateDeliveryHasNoEffects(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, scenarioCode)
	event := paymentEvent(scenarioCode, models.ResultSuccess, time.Now().UTC())

	_, err := h.processor.HandleEvent(ctx, event)
	require.NoError(t, err)
	before := h.counts(t, order.Id)

	result, err := h.processor.HandleEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, result.Outcome)
	assert.Equal(t, before, h.counts(t, order.Id))
}

func TestConcurrentDeliverySingleWinner(t *testing.T) {
	h := newHarness(t, nil)
	order := h.createOrder(t, scenarioCode)
	event := paymentEvent(scenarioCode, models.ResultSuccess, time.Now().UTC())

	var accepted, duplicates atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.processor.HandleEvent(context.Background(), event)
			if err != nil {
				t.Errorf("HandleEvent failed: %v", err)
				return
			}
			switch result.Outcome {
			case OutcomeAccepted:
				accepted.Add(1)
			case OutcomeDuplicate:
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(5), duplicates.Load())
	assert.Equal(t, 1, h.counts(t, order.Id).paidPayments)
}

func TestSecondSignatureForSamePaymentIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, scenarioCode)
	now := time.Now().UTC()

	_, err := h.processor.HandleEvent(ctx, paymentEvent(scenarioCode, models.ResultSuccess, now))
	require.NoError(t, err)
	before := h.counts(t, order.Id)

	// The same payment seen through the provider lookup carries another timestamp.
	lookup := paymentEvent(scenarioCode, models.ResultSuccess, now.Add(-time.Second))
	lookup.EventType = webhook.EventProviderLookup
	result, err := h.processor.HandleEvent(models.WithSettlementSource(ctx, models.SourceReturnPage), lookup)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, result.Outcome)
	assert.Equal(t, models.OrderStatusCompleted, result.Status)
	assert.Equal(t, before, h.counts(t, order.Id))
}

func TestFailureScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, scenarioCode)

	result, err := h.processor.HandleEvent(ctx, paymentEvent(scenarioCode, models.ResultFailure, time.Now().UTC()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, result.Outcome)
	assert.Equal(t, models.OrderStatusFailed, result.Status)

	payments, err := h.db.GetPayments(ctx, order.Id)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusFailed, payments[0].Status)
	assert.Equal(t, "card declined", payments[0].FailureReason)

	page, err := h.db.ListNotifications(ctx, store.ListNotificationsParams{UserId: "buyer-1"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, notify.TypeOrderFailed, page.Items[0].Type)
	assert.Equal(t, 0, h.counts(t, order.Id).certificates)

	// A late success for the failed order changes nothing but is flagged.
	late := paymentEvent(scenarioCode, models.ResultSuccess, time.Now().UTC().Add(time.Second))
	result, err = h.processor.HandleEvent(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFlagged, result.Outcome)

	reloaded, err := h.db.GetOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, reloaded.Status)
	flagged, err := h.db.HasHistoryEvent(ctx, order.Id, models.HistoryFlagged)
	require.NoError(t, err)
	assert.True(t, flagged)

	stored, err := h.db.GetWebhookEvent(ctx, late.Signature())
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventProcessed, stored.Status)
}

func TestAmountMismatchIsFlaggedWithoutTransition(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, scenarioCode)

	event := paymentEvent(scenarioCode, models.ResultSuccess, time.Now().UTC())
	event.AmountMinorUnits = 2000
	result, err := h.processor.HandleEvent(ctx, event)
	require.NoError(t, err, "integrity failures are acknowledged")
	assert.Equal(t, OutcomeFlagged, result.Outcome)

	reloaded, err := h.db.GetOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, reloaded.Status)

	stored, err := h.db.GetWebhookEvent(ctx, event.Signature())
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventFailed, stored.Status)
	assert.False(t, stored.Retriable)
}

func TestUnknownOrderIsAcknowledged(t *testing.T) {
	h := newHarness(t, nil)
	event := paymentEvent(99, models.ResultSuccess, time.Now().UTC())

	result, err := h.processor.HandleEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrderNotFound, result.Outcome)

	stored, err := h.db.GetWebhookEvent(context.Background(), event.Signature())
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventFailed, stored.Status)
	assert.False(t, stored.Retriable)
}

func TestEffectOutageStillProcessesEvent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, scenarioCode)
	event := paymentEvent(scenarioCode, models.ResultSuccess, time.Now().UTC())

	h.movements.down.Store(true)
	result, err := h.processor.HandleEvent(ctx, event)
	require.NoError(t, err, "the transition is durable so the provider must not retry")
	assert.Equal(t, OutcomeAccepted, result.Outcome)
	assert.Equal(t, models.OrderStatusPaid, result.Status)
	require.NotNil(t, result.Report)
	assert.False(t, result.Report.Completed)
	failed := result.Report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "movement", failed[0].Effect)
	assert.True(t, failed[0].Retriable)

	stored, err := h.db.GetWebhookEvent(ctx, event.Signature())
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventProcessed, stored.Status)

	h.movements.down.Store(false)
	result, err = h.processor.HandleEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, result.Outcome, "redelivery is not the completion path")

	report, err := h.processor.Ensure(ctx, scenarioCode)
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Equal(t, models.OrderStatusCompleted, report.Status)

	c := h.counts(t, order.Id)
	assert.Equal(t, 1, c.auditEntries)
	assert.Equal(t, 1, c.certificates)
	assert.Equal(t, 1, c.paidHistory)
}

func TestEnsure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.createOrder(t, scenarioCode)

	_, err := h.processor.Ensure(ctx, scenarioCode)
	assert.ErrorIs(t, err, ErrNotSettled)
	_, err = h.processor.Ensure(ctx, 42)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	h.movements.down.Store(true)
	result, err := h.processor.HandleEvent(ctx, paymentEvent(scenarioCode, models.ResultSuccess, time.Now().UTC()))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, result.Status)

	_, err = h.processor.Ensure(ctx, scenarioCode)
	assert.ErrorIs(t, err, ErrEffectsIncomplete, "operators see the outstanding effect")
	assert.True(t, store.IsRetriable(err))

	h.movements.down.Store(false)
	report, err := h.processor.Ensure(ctx, scenarioCode)
	require.NoError(t, err)
	assert.True(t, report.Completed)
}

func TestLazyExpiry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, scenarioCode)
	h.processor.now = func() time.Time { return order.CreatedAt.Add(time.Hour) }

	_, status, err := h.processor.Order(ctx, scenarioCode)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExpired, status)

	stillPending, err := h.db.GetOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stillPending.Status, "reads do not write")

	result, err := h.processor.HandleEvent(ctx, paymentEvent(scenarioCode, models.ResultSuccess, order.CreatedAt.Add(20*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFlagged, result.Outcome)
	assert.Equal(t, models.OrderStatusExpired, result.Status)

	expired, err := h.db.GetOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExpired, expired.Status)
	assert.Equal(t, 0, h.counts(t, order.Id).paidPayments)
}

func TestLateDeliveryOfInTimePayment(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, scenarioCode)
	h.processor.now = func() time.Time { return order.CreatedAt.Add(20 * time.Minute) }

	result, err := h.processor.HandleEvent(ctx, paymentEvent(scenarioCode, models.ResultSuccess, order.CreatedAt.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, result.Outcome)
	assert.Equal(t, models.OrderStatusCompleted, result.Status)

	settled, err := h.db.GetOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, settled.Status)
	c := h.counts(t, order.Id)
	assert.Equal(t, 1, c.paidPayments)
	assert.Equal(t, 1, c.paidHistory)
	assert.Equal(t, 1, c.certificates)
}

func TestExpireStale(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.createOrder(t, scenarioCode)
	h.createOrder(t, scenarioCode+1)

	n, err := h.processor.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh orders are left alone")

	h.processor.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = h.processor.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := h.db.ListNotifications(ctx, store.ListNotificationsParams{UserId: "buyer-1"})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, notify.TypeOrderExpired, page.Items[0].Type)

	n, err = h.processor.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConfirmFromProvider(t *testing.T) {
	lookup := &fakeLookup{}
	h := newHarness(t, lookup)
	ctx := context.Background()
	order := h.createOrder(t, scenarioCode)

	lookup.err = webhook.ErrUnsupportedEvent
	result, err := h.processor.ConfirmFromProvider(ctx, scenarioCode)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, result.Outcome)
	assert.Equal(t, []string{"pi_1"}, lookup.refs)

	lookup.err = nil
	lookup.event = paymentEvent(scenarioCode, models.ResultSuccess, time.Now().UTC())
	lookup.event.EventType = webhook.EventProviderLookup
	result, err = h.processor.ConfirmFromProvider(ctx, scenarioCode)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, result.Outcome)
	assert.Equal(t, models.OrderStatusCompleted, result.Status)

	stored, err := h.db.GetWebhookEvent(ctx, lookup.event.Signature())
	require.NoError(t, err)
	assert.Equal(t, models.SourceReturnPage, stored.Source)

	// Once settled the provider is not asked again.
	result, err = h.processor.ConfirmFromProvider(ctx, scenarioCode)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	assert.Len(t, lookup.refs, 2)
	assert.Equal(t, 1, h.counts(t, order.Id).paidPayments)
}

func TestReplayStoredEvent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, scenarioCode)
	event := paymentEvent(scenarioCode, models.ResultSuccess, time.Now().UTC())

	// A worker claimed the event and died before settling it.
	canonical, err := json.Marshal(event)
	require.NoError(t, err)
	claim, err := h.db.Claim(ctx, store.ClaimParams{
		Signature:  event.Signature(),
		OrderCode:  event.OrderCode,
		EventType:  event.EventType,
		Source:     models.SourceWebhook,
		RawPayload: string(event.RawPayload),
		Canonical:  string(canonical),
	})
	require.NoError(t, err)
	require.True(t, claim.Proceed())

	reclaimed, err := h.db.Reclaim(ctx, event.Signature(), models.WebhookEventReceived, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, reclaimed)

	stored, err := h.db.GetWebhookEvent(ctx, event.Signature())
	require.NoError(t, err)
	result, err := h.processor.Replay(ctx, *stored)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, result.Status)
	assert.Equal(t, 1, h.counts(t, order.Id).paidPayments)

	stored, err = h.db.GetWebhookEvent(ctx, event.Signature())
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventProcessed, stored.Status)
}

func TestTamperedOrderFailsVerification(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	order := h.createOrder(t, scenarioCode)
	_, err := h.processor.HandleEvent(ctx, paymentEvent(scenarioCode, models.ResultSuccess, time.Now().UTC()))
	require.NoError(t, err)

	raw, err := sql.Open("sqlite3", h.path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`UPDATE orders SET total_price = '1.00' WHERE id = ?`, order.Id)
	require.NoError(t, err)

	assert.Equal(t, models.VerificationMismatch, h.writer.Verify(ctx, order.Id).Status)
}
