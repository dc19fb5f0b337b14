package movement

import (
	"context"
	"fmt"

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"

	"go.uber.org/zap"
)

// Tracker records the seller to buyer movement of credits for a settled
// order. Completion is marked in order history.
type Tracker struct {
	edges  store.MovementStore
	orders store.OrderStore
}

func NewTracker(edges store.MovementStore, orders store.OrderStore) *Tracker {
	return &Tracker{edges: edges, orders: orders}
}

func (t *Tracker) Name() string { return "movement" }

func (t *Tracker) Exists(ctx context.Context, order *models.Order) (bool, error) {
	return t.orders.HasHistoryEvent(ctx, order.Id, models.HistoryMovementTracked)
}

func (t *Tracker) Record(ctx context.Context, order *models.Order) error {
	edge := models.TransferEdge{
		OrderId:  order.Id,
		FromNode: order.SellerId,
		ToNode:   order.BuyerId,
		Credits:  order.TotalCredits,
	}
	if err := t.edges.RecordTransfer(ctx, edge); err != nil {
		return fmt.Errorf("movement tracker write failed: %w", err)
	}

	appended, err := t.orders.AppendHistoryOnce(ctx, order.Id, store.HistoryLine{
		Event:   models.HistoryMovementTracked,
		Message: fmt.Sprintf("%d credits moved from %s to %s", order.TotalCredits, order.SellerId, order.BuyerId),
	})
	if err != nil {
		return fmt.Errorf("failed to append movement history: %w", err)
	}
	if !appended {
		zap.L().Info("Credit movement already tracked", zap.Int64("order_id", order.Id))
		return nil
	}

	zap.L().Info("Credit movement tracked",
		zap.Int64("order_id", order.Id),
		zap.String("from", order.SellerId),
		zap.String("to", order.BuyerId),
		zap.Int64("credits", order.TotalCredits))
	return nil
}
