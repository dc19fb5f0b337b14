package models

import (
	"fmt"
	"strings"
)

// OrderStatus is the single closed set of order states. Values read from
// storage or from callers must go through ParseOrderStatus.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusFailed    OrderStatus = "FAILED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusCompleted OrderStatus = "COMPLETED"
)

var orderStatuses = map[string]OrderStatus{
	"PENDING":   OrderStatusPending,
	"PAID":      OrderStatusPaid,
	"FAILED":    OrderStatusFailed,
	"EXPIRED":   OrderStatusExpired,
	"CANCELLED": OrderStatusCancelled,
	"CANCELED":  OrderStatusCancelled,
	"COMPLETED": OrderStatusCompleted,
}

// ParseOrderStatus normalizes an external status string ("Completed", "paid")
// into the canonical enum and rejects anything outside it.
func ParseOrderStatus(s string) (OrderStatus, error) {
	if status, ok := orderStatuses[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return status, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// IsTerminal reports whether no further transition can leave this status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFailed, OrderStatusExpired, OrderStatusCancelled, OrderStatusCompleted:
		return true
	}
	return false
}

// IsSettled reports whether money has been received for the order.
func (s OrderStatus) IsSettled() bool {
	return s == OrderStatusPaid || s == OrderStatusCompleted
}

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return PaymentStatusPending, nil
	case "PAID":
		return PaymentStatusPaid, nil
	case "FAILED":
		return PaymentStatusFailed, nil
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

// WebhookEventStatus tracks how far processing of a claimed callback got.
type WebhookEventStatus string

const (
	WebhookEventReceived  WebhookEventStatus = "RECEIVED"
	WebhookEventRetrying  WebhookEventStatus = "RETRYING"
	WebhookEventProcessed WebhookEventStatus = "PROCESSED"
	WebhookEventFailed    WebhookEventStatus = "FAILED"
)

func ParseWebhookEventStatus(s string) (WebhookEventStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RECEIVED":
		return WebhookEventReceived, nil
	case "RETRYING":
		return WebhookEventRetrying, nil
	case "PROCESSED":
		return WebhookEventProcessed, nil
	case "FAILED":
		return WebhookEventFailed, nil
	}
	return "", fmt.Errorf("unknown webhook event status %q", s)
}

type NotificationStatus string

const (
	NotificationUnread   NotificationStatus = "unread"
	NotificationRead     NotificationStatus = "read"
	NotificationArchived NotificationStatus = "archived"
)

// HistoryEvent names an entry in the append-only order history. Some entries
// double as idempotency markers for side effects.
type HistoryEvent string

const (
	HistoryCreated           HistoryEvent = "created"
	HistoryPaid              HistoryEvent = "paid"
	HistoryFailed            HistoryEvent = "failed"
	HistoryExpired           HistoryEvent = "expired"
	HistoryCancelled         HistoryEvent = "cancelled"
	HistoryAuditRecorded     HistoryEvent = "audit_recorded"
	HistoryMovementTracked   HistoryEvent = "movement_tracked"
	HistoryCertificateIssued HistoryEvent = "certificate_issued"
	HistoryCompleted         HistoryEvent = "completed"
	HistoryFlagged           HistoryEvent = "flagged"
)

// HistoryEventFor returns the history entry recorded when an order enters status.
func HistoryEventFor(status OrderStatus) HistoryEvent {
	switch status {
	case OrderStatusPaid:
		return HistoryPaid
	case OrderStatusFailed:
		return HistoryFailed
	case OrderStatusExpired:
		return HistoryExpired
	case OrderStatusCancelled:
		return HistoryCancelled
	case OrderStatusCompleted:
		return HistoryCompleted
	}
	return HistoryCreated
}
