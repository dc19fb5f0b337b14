package movement

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"forest-credit-settlement/internal/database"
	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTrackerOrder(t *testing.T) (*database.Service, *models.Order) {
	t.Helper()
	ctx := context.Background()
	db, err := database.NewService(ctx, models.DatabaseConfig{
		Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "movement.db"),
		MaxOpenConns: 4, MaxIdleConns: 2, PingTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	order, err := db.CreateOrder(ctx, store.CreateOrderParams{
		BuyerId:  "buyer-1",
		SellerId: "seller-1",
		Items:    []store.CreateOrderItem{{CreditId: "c", Quantity: 2, UnitPrice: decimal.NewFromInt(10)}},
	})
	require.NoError(t, err)
	return db, order
}

func TestTrackerRecordsEdgeAndHistory(t *testing.T) {
	ctx := context.Background()
	db, order := setupTrackerOrder(t)

	fake := newFakeDynamo()
	edges, err := NewDynamoStore(fake, "credit-movements")
	require.NoError(t, err)
	tracker := NewTracker(edges, db)

	exists, err := tracker.Exists(ctx, order)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tracker.Record(ctx, order))

	exists, err = tracker.Exists(ctx, order)
	require.NoError(t, err)
	assert.True(t, exists)

	edge, err := edges.GetTransfer(ctx, order.Id)
	require.NoError(t, err)
	assert.Equal(t, "seller-1", edge.FromNode)
	assert.Equal(t, "buyer-1", edge.ToNode)
	assert.Equal(t, int64(2), edge.Credits)
}

func TestTrackerConcurrentRecordWritesOneHistoryLine(t *testing.T) {
	ctx := context.Background()
	db, order := setupTrackerOrder(t)

	edges, err := NewDynamoStore(newFakeDynamo(), "credit-movements")
	require.NoError(t, err)
	tracker := NewTracker(edges, db)

	// Ensure and a redelivery can both pass Exists before either records.
	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tracker.Record(ctx, order)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	history, err := db.GetOrderHistory(ctx, order.Id)
	require.NoError(t, err)
	tracked := 0
	for _, h := range history {
		if h.Event == models.HistoryMovementTracked {
			tracked++
		}
	}
	assert.Equal(t, 1, tracked)
}
