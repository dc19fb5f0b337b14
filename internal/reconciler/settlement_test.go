package reconciler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"forest-credit-settlement/internal/audit"
	"forest-credit-settlement/internal/certificate"
	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/movement"
	"forest-credit-settlement/internal/notify"
	"forest-credit-settlement/internal/orchestrator"
	"forest-credit-settlement/internal/settlement"
	"forest-credit-settlement/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type offlineMovements struct {
	store.MovementStore
	down atomic.Bool
}

func (o *offlineMovements) RecordTransfer(ctx context.Context, edge models.TransferEdge) error {
	if o.down.Load() {
		return fmt.Errorf("%w: graph offline", store.ErrUnavailable)
	}
	return o.MovementStore.RecordTransfer(ctx, edge)
}

func TestRunOnceCompletesOrderLeftPaidByEffectOutage(t *testing.T) {
	db := setupTestDb(t)
	ctx := context.Background()

	movements := &offlineMovements{MovementStore: db}
	emitter := notify.NewEmitter(db, nil, nil, "")
	orch := orchestrator.New(db, 5*time.Second,
		audit.NewWriter(db.AuditLedger(), db),
		movement.NewTracker(movements, db),
		certificate.NewIssuer(db, db, nil, ""),
		notify.NewSettlementEffect(emitter),
	)
	processor := settlement.NewProcessor(db, db, orch, emitter, nil, 15*time.Minute)

	order, err := db.CreateOrder(ctx, store.CreateOrderParams{
		OrderCode: 17400001234, BuyerId: "buyer-1", SellerId: "seller-1", Currency: "USD",
		ProviderReference: "pi_1",
		Items:             []store.CreateOrderItem{{CreditId: "credit-a", Quantity: 2, UnitPrice: decimal.RequireFromString("10.50")}},
	})
	require.NoError(t, err)

	event := &models.CanonicalEvent{
		OrderCode:            order.OrderCode,
		AmountMinorUnits:     2100,
		Currency:             "USD",
		ProviderReference:    "pi_1",
		PaymentLinkId:        "plink_1",
		TransactionTimestamp: time.Now().UTC(),
		ResultCode:           models.ResultSuccess,
		EventType:            "payment_intent.succeeded",
		RawPayload:           []byte(`{"id":"evt_1"}`),
	}

	movements.down.Store(true)
	result, err := processor.HandleEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, result.Status)

	stored, err := db.GetWebhookEvent(ctx, event.Signature())
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventProcessed, stored.Status)

	movements.down.Store(false)
	r := New(Config{Settler: processor, Orders: db, Events: db, StaleEventAfter: time.Hour})
	summary := r.RunOnce(ctx)
	assert.Equal(t, 1, summary.Ensured)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Replayed, "the processed event is not replayed")

	completed, err := db.GetOrder(ctx, order.Id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, completed.Status)

	tracked, err := db.HasHistoryEvent(ctx, order.Id, models.HistoryMovementTracked)
	require.NoError(t, err)
	assert.True(t, tracked)
}
