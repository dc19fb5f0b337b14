package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"forest-credit-settlement/internal/awsutil"
	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"

	"go.uber.org/zap"
)

// Event asks the emitter to notify about one order state.
type Event struct {
	Type   string
	Order  *models.Order
	Reason string
}

// stateVersion pins the dedupe key to the state that triggered the
// notification, not the order's current status.
func (e Event) stateVersion() string {
	switch e.Type {
	case TypeOrderPaid, TypeCreditsSold:
		return string(models.OrderStatusPaid)
	case TypeOrderFailed:
		return string(models.OrderStatusFailed)
	case TypeOrderExpired:
		return string(models.OrderStatusExpired)
	}
	return string(e.Order.Status)
}

// DedupeKey composes (type, entity type, entity id, state version).
func DedupeKey(notificationType, entityType, entityId, stateVersion string) string {
	return notificationType + ":" + entityType + ":" + entityId + ":" + stateVersion
}

// Emitter writes deduplicated inbox notifications and pushes newly created
// ones to an SNS topic when one is configured.
type Emitter struct {
	store     store.NotificationStore
	templates Templates
	publisher awsutil.SNSPublisher
	topicArn  string
}

// NewEmitter builds an emitter. publisher may be nil.
func NewEmitter(notifications store.NotificationStore, templates Templates, publisher awsutil.SNSPublisher, topicArn string) *Emitter {
	if templates == nil {
		templates = DefaultTemplates()
	}
	if topicArn == "" {
		publisher = nil
	}
	return &Emitter{store: notifications, templates: templates, publisher: publisher, topicArn: topicArn}
}

// Publish stores the notification for the event's recipient. Replaying an
// event returns the existing row instead of creating another.
func (e *Emitter) Publish(ctx context.Context, ev Event) (*models.Notification, error) {
	tmpl, ok := e.templates[ev.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no template for notification type %s", store.ErrMalformed, ev.Type)
	}

	entityId := strconv.FormatInt(ev.Order.OrderCode, 10)
	title, message := tmpl.Render(ev.Order, ev.Reason)
	n, created, err := e.store.InsertNotification(ctx, models.Notification{
		UserId:     tmpl.recipientOf(ev.Order),
		Type:       ev.Type,
		EntityType: "order",
		EntityId:   entityId,
		DedupeKey:  DedupeKey(ev.Type, "order", entityId, ev.stateVersion()),
		Title:      title,
		Message:    message,
		Priority:   tmpl.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("notification store write failed: %w", err)
	}

	if !created {
		zap.L().Debug("Notification already exists",
			zap.String("type", ev.Type),
			zap.String("user_id", n.UserId),
			zap.String("dedupe_key", n.DedupeKey))
		return n, nil
	}

	zap.L().Info("Notification created",
		zap.String("type", ev.Type),
		zap.String("user_id", n.UserId),
		zap.Int64("order_code", ev.Order.OrderCode))

	e.push(ctx, n)
	return n, nil
}

// push is best effort: the inbox row is the source of truth.
func (e *Emitter) push(ctx context.Context, n *models.Notification) {
	if e.publisher == nil {
		return
	}
	body, err := json.Marshal(n)
	if err != nil {
		zap.L().Warn("Failed to encode notification for push", zap.String("id", n.Id), zap.Error(err))
		return
	}
	err = e.publisher.Publish(ctx, e.topicArn, body, map[string]string{
		"type":    n.Type,
		"user_id": n.UserId,
	})
	if err != nil {
		zap.L().Warn("Failed to push notification", zap.String("id", n.Id), zap.Error(err))
	}
}
