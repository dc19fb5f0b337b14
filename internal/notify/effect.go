package notify

import (
	"context"
	"errors"

	"forest-credit-settlement/internal/models"
)

// SettlementEffect notifies buyer and seller that an order settled. The
// emitter's dedupe makes it safe to run on every orchestration pass.
type SettlementEffect struct {
	emitter *Emitter
}

func NewSettlementEffect(emitter *Emitter) *SettlementEffect {
	return &SettlementEffect{emitter: emitter}
}

func (s *SettlementEffect) Name() string { return "notification" }

func (s *SettlementEffect) Exists(context.Context, *models.Order) (bool, error) {
	return false, nil
}

func (s *SettlementEffect) Record(ctx context.Context, order *models.Order) error {
	var errs []error
	for _, t := range []string{TypeOrderPaid, TypeCreditsSold} {
		if _, err := s.emitter.Publish(ctx, Event{Type: t, Order: order}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
