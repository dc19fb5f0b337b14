package store

import (
	"context"
	"errors"
	"time"

	"forest-credit-settlement/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrNotFound               = errors.New("record not found")
	ErrDuplicate              = errors.New("duplicate record")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrKeyExists              = errors.New("ledger key already written")

	// ErrUnavailable marks a collaborator failure worth retrying later.
	ErrUnavailable = errors.New("collaborator unavailable")
	// ErrMalformed marks stored or returned data that violates its schema.
	// Retrying does not help.
	ErrMalformed = errors.New("malformed record")
)

// IsRetriable reports whether err should leave work pending for a later retry.
func IsRetriable(err error) bool {
	return err != nil && !errors.Is(err, ErrMalformed)
}

// CreateOrderParams contains the parameters for checkout.
type CreateOrderParams struct {
	OrderCode         int64 // zero generates one
	BuyerId           string
	SellerId          string
	Currency          string
	ProviderReference string
	Items             []CreateOrderItem
	CreatedAt         time.Time
}

// CreateOrderItem is one requested line of an order.
type CreateOrderItem struct {
	CreditId    string
	Description string
	Quantity    int64
	UnitPrice   decimal.Decimal
}

// TransitionParams describes one atomic status change of an order together
// with the payment row and history lines it produces.
type TransitionParams struct {
	OrderId   int64
	From      models.OrderStatus
	To        models.OrderStatus
	Payment   *PaymentUpdate
	History   []HistoryLine
	AppliedAt time.Time
}

// PaymentUpdate settles or fails the payment matching ProviderReference,
// inserting a new row when none exists.
type PaymentUpdate struct {
	ProviderReference string
	Amount            decimal.Decimal
	Currency          string
	Status            models.PaymentStatus
	FailureReason     string
	RawPayload        string
}

// HistoryLine is one history entry to append.
type HistoryLine struct {
	Event   models.HistoryEvent
	Message string
}

// ClaimParams carries what the event ledger stores on first sight.
type ClaimParams struct {
	Signature  string
	OrderCode  int64
	EventType  string
	Source     models.SettlementSource
	RawPayload string
	Canonical  string
}

// ClaimResult reports the outcome of an atomic claim.
type ClaimResult struct {
	FirstSeen   bool
	Reclaimed   bool
	PriorStatus models.WebhookEventStatus
}

// Proceed reports whether the caller owns processing of the event.
func (c ClaimResult) Proceed() bool {
	return c.FirstSeen || c.Reclaimed
}

// ListNotificationsParams selects one page of a user's inbox.
type ListNotificationsParams struct {
	UserId          string
	Page            int
	PageSize        int
	IncludeArchived bool
}

// OrderStore is the relational record of orders, payments and history.
type OrderStore interface {
	CreateOrder(ctx context.Context, params CreateOrderParams) (*models.Order, error)
	GetOrder(ctx context.Context, orderId int64) (*models.Order, error)
	GetOrderByCode(ctx context.Context, orderCode int64) (*models.Order, error)
	ListOrdersByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error)
	ListStalePendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error)
	ApplyTransition(ctx context.Context, params TransitionParams) (*models.Order, error)
	AppendHistory(ctx context.Context, orderId int64, line HistoryLine) error
	AppendHistoryOnce(ctx context.Context, orderId int64, line HistoryLine) (bool, error)
	HasHistoryEvent(ctx context.Context, orderId int64, event models.HistoryEvent) (bool, error)
	GetOrderHistory(ctx context.Context, orderId int64) ([]models.OrderHistory, error)
	GetPayments(ctx context.Context, orderId int64) ([]models.Payment, error)
	SetAuditHash(ctx context.Context, orderId int64, hash string) error
}

// EventLedger is the durable, keyed record of provider callbacks.
type EventLedger interface {
	Claim(ctx context.Context, params ClaimParams) (*ClaimResult, error)
	Reclaim(ctx context.Context, signature string, from models.WebhookEventStatus, updatedBefore time.Time) (bool, error)
	MarkProcessed(ctx context.Context, signature string) error
	MarkFailed(ctx context.Context, signature string, cause error, retriable bool) error
	GetWebhookEvent(ctx context.Context, signature string) (*models.WebhookEvent, error)
	ListWebhookEvents(ctx context.Context, status models.WebhookEventStatus, limit int) ([]models.WebhookEvent, error)
	ListStaleWebhookEvents(ctx context.Context, updatedBefore time.Time, limit int) ([]models.WebhookEvent, error)
}

// NotificationStore persists inbox entries with per-user dedupe.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n models.Notification) (*models.Notification, bool, error)
	ListNotifications(ctx context.Context, params ListNotificationsParams) (*models.NotificationPage, error)
	CountUnreadNotifications(ctx context.Context, userId string) (int, error)
	MarkNotificationRead(ctx context.Context, userId, notificationId string) error
	MarkAllNotificationsRead(ctx context.Context, userId string) (int64, error)
	ArchiveNotification(ctx context.Context, userId, notificationId string) error
}

// CertificateStore persists issued certificates, one per order.
type CertificateStore interface {
	InsertCertificate(ctx context.Context, cert models.Certificate) (bool, error)
	GetCertificate(ctx context.Context, orderId int64) (*models.Certificate, error)
}

// MovementStore records credit movement edges keyed by order.
type MovementStore interface {
	RecordTransfer(ctx context.Context, edge models.TransferEdge) error
	GetTransfer(ctx context.Context, orderId int64) (*models.TransferEdge, error)
}

// AuditLedger is the append-only, tamper-evident ledger. Keys are written once.
type AuditLedger interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) (*models.LedgerEntry, error)
	VerifiedGet(ctx context.Context, key string) (*models.VerifiedLedgerEntry, error)
	History(ctx context.Context, key string) ([]models.LedgerEntry, error)
}
