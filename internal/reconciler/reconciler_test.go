package reconciler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"forest-credit-settlement/internal/database"
	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/orchestrator"
	"forest-credit-settlement/internal/settlement"
	"forest-credit-settlement/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSettler struct {
	mu       sync.Mutex
	ensured  []int64
	replayed []string
	sources  []models.SettlementSource
	expire   int
}

func (f *fakeSettler) Ensure(ctx context.Context, orderCode int64) (*orchestrator.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, orderCode)
	f.sources = append(f.sources, models.GetSettlementSource(ctx))
	return &orchestrator.Report{Completed: true}, nil
}

func (f *fakeSettler) Replay(_ context.Context, event models.WebhookEvent) (*settlement.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replayed = append(f.replayed, event.Signature)
	return &settlement.Result{Outcome: settlement.OutcomeAccepted}, nil
}

func (f *fakeSettler) ExpireStale(context.Context, int) (int, error) {
	return f.expire, nil
}

func setupTestDb(t *testing.T) *database.Service {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "reconciler.db"),
		MaxOpenConns: 4, MaxIdleConns: 2, PingTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func createPaidOrder(t *testing.T, db *database.Service, code int64) {
	t.Helper()
	ctx := context.Background()
	order, err := db.CreateOrder(ctx, store.CreateOrderParams{
		OrderCode: code, BuyerId: "buyer-1", SellerId: "seller-1",
		Items: []store.CreateOrderItem{{CreditId: "credit-a", Quantity: 1, UnitPrice: decimal.RequireFromString("5")}},
	})
	require.NoError(t, err)
	_, err = db.ApplyTransition(ctx, store.TransitionParams{OrderId: order.Id, From: models.OrderStatusPending, To: models.OrderStatusPaid})
	require.NoError(t, err)
}

func TestRunOnceEnsuresPaidOrders(t *testing.T) {
	db := setupTestDb(t)
	createPaidOrder(t, db, 17400001234)
	createPaidOrder(t, db, 17400001235)

	settler := &fakeSettler{}
	r := New(Config{Settler: settler, Orders: db, Events: db, StaleEventAfter: time.Hour})

	summary := r.RunOnce(context.Background())
	assert.Equal(t, 2, summary.Ensured)
	assert.ElementsMatch(t, []int64{17400001234, 17400001235}, settler.ensured)
	assert.Equal(t, models.SourceReconciler, settler.sources[0])

	summary = r.RunOnce(context.Background())
	assert.Equal(t, 0, summary.Ensured, "recent attempts are not repeated")
	assert.Len(t, settler.ensured, 2)
}

func TestRunOnceReplaysStaleEvents(t *testing.T) {
	db := setupTestDb(t)
	ctx := context.Background()

	for _, sig := range []string{"sig-received", "sig-processed"} {
		_, err := db.Claim(ctx, store.ClaimParams{Signature: sig, OrderCode: 17400001234, EventType: "payment_intent.succeeded", Canonical: "{}"})
		require.NoError(t, err)
	}
	require.NoError(t, db.MarkProcessed(ctx, "sig-processed"))

	settler := &fakeSettler{}
	r := New(Config{Settler: settler, Orders: db, Events: db, StaleEventAfter: 20 * time.Millisecond})
	time.Sleep(50 * time.Millisecond)

	summary := r.RunOnce(ctx)
	assert.Equal(t, 1, summary.Replayed)
	assert.Equal(t, []string{"sig-received"}, settler.replayed)

	event, err := db.GetWebhookEvent(ctx, "sig-received")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventRetrying, event.Status)
	assert.Equal(t, 2, event.Attempts)
}

func TestRunOnceExpiresWhenEnabled(t *testing.T) {
	db := setupTestDb(t)
	settler := &fakeSettler{expire: 3}

	summary := New(Config{Settler: settler, Orders: db, Events: db}).RunOnce(context.Background())
	assert.Equal(t, 0, summary.Expired)

	summary = New(Config{Settler: settler, Orders: db, Events: db, ExpirePending: true}).RunOnce(context.Background())
	assert.Equal(t, 3, summary.Expired)
}

func TestCleanupAttempts(t *testing.T) {
	r := New(Config{StaleEventAfter: time.Minute})
	r.attempts["order:1"] = time.Now().Add(-2 * time.Minute)
	r.attempts["order:2"] = time.Now()

	r.cleanupAttempts()
	assert.NotContains(t, r.attempts, "order:1")
	assert.Contains(t, r.attempts, "order:2")
}

func TestStartStop(t *testing.T) {
	db := setupTestDb(t)
	createPaidOrder(t, db, 17400001234)
	settler := &fakeSettler{}
	r := New(Config{Settler: settler, Orders: db, Events: db, PollingInterval: time.Hour})

	r.Start(context.Background())
	require.Eventually(t, func() bool {
		settler.mu.Lock()
		defer settler.mu.Unlock()
		return len(settler.ensured) == 1
	}, 2*time.Second, 10*time.Millisecond)
	r.Stop()
}
