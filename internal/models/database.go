package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the authoritative record of a purchase. It is created at checkout
// and afterwards mutated only through settlement transitions.
type Order struct {
	Id           int64           `db:"id" json:"id"`
	OrderCode    int64           `db:"order_code" json:"order_code"`
	BuyerId      string          `db:"buyer_id" json:"buyer_id"`
	SellerId     string          `db:"seller_id" json:"seller_id"`
	Status       OrderStatus     `db:"status" json:"status"`
	TotalPrice   decimal.Decimal `db:"total_price" json:"total_price"`
	TotalCredits int64           `db:"total_credits" json:"total_credits"`
	Currency     string          `db:"currency" json:"currency"`
	AuditHash    string          `db:"audit_hash" json:"audit_hash,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
	PaidAt       *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	Items        []OrderItem     `json:"items,omitempty"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	Id          int64           `db:"id" json:"id"`
	OrderId     int64           `db:"order_id" json:"order_id"`
	CreditId    string          `db:"credit_id" json:"credit_id"`
	Description string          `db:"description" json:"description"`
	Quantity    int64           `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// Payment is one attempt to pay for an order. At most one per order is PAID.
type Payment struct {
	Id                string          `db:"id" json:"id"`
	OrderId           int64           `db:"order_id" json:"order_id"`
	OrderCode         int64           `db:"order_code" json:"order_code"`
	ProviderReference string          `db:"provider_reference" json:"provider_reference"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Currency          string          `db:"currency" json:"currency"`
	Status            PaymentStatus   `db:"status" json:"status"`
	FailureReason     string          `db:"failure_reason" json:"failure_reason,omitempty"`
	RawPayload        string          `db:"raw_payload" json:"-"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	PaidAt            *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
}

// OrderHistory is an append-only log line for an order.
type OrderHistory struct {
	Id        int64        `db:"id" json:"id"`
	OrderId   int64        `db:"order_id" json:"order_id"`
	Event     HistoryEvent `db:"event" json:"event"`
	Message   string       `db:"message" json:"message"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// WebhookEvent is the durable record of a provider callback, keyed by its
// derived signature.
type WebhookEvent struct {
	Signature   string             `db:"signature" json:"signature"`
	OrderCode   int64              `db:"order_code" json:"order_code"`
	EventType   string             `db:"event_type" json:"event_type"`
	Source      SettlementSource   `db:"source" json:"source"`
	Status      WebhookEventStatus `db:"status" json:"status"`
	Attempts    int                `db:"attempts" json:"attempts"`
	Retriable   bool               `db:"retriable" json:"retriable"`
	LastError   string             `db:"last_error" json:"last_error,omitempty"`
	RawPayload  string             `db:"raw_payload" json:"-"`
	Canonical   string             `db:"canonical" json:"-"`
	CreatedAt   time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time          `db:"updated_at" json:"updated_at"`
	ProcessedAt *time.Time         `db:"processed_at" json:"processed_at,omitempty"`
}

// Notification is one inbox entry for one user.
type Notification struct {
	Id         string             `db:"id" json:"id"`
	UserId     string             `db:"user_id" json:"user_id"`
	Type       string             `db:"type" json:"type"`
	EntityType string             `db:"entity_type" json:"entity_type"`
	EntityId   string             `db:"entity_id" json:"entity_id"`
	DedupeKey  string             `db:"dedupe_key" json:"dedupe_key"`
	Title      string             `db:"title" json:"title"`
	Message    string             `db:"message" json:"message"`
	Priority   string             `db:"priority" json:"priority"`
	Status     NotificationStatus `db:"status" json:"status"`
	CreatedAt  time.Time          `db:"created_at" json:"created_at"`
	ReadAt     *time.Time         `db:"read_at" json:"read_at,omitempty"`
	ArchivedAt *time.Time         `db:"archived_at" json:"archived_at,omitempty"`
}

// Certificate is the proof-of-purchase issued once an order settles.
type Certificate struct {
	Id         string    `db:"id" json:"id"`
	OrderId    int64     `db:"order_id" json:"order_id"`
	OrderCode  int64     `db:"order_code" json:"order_code"`
	BuyerId    string    `db:"buyer_id" json:"buyer_id"`
	SellerId   string    `db:"seller_id" json:"seller_id"`
	Hash       string    `db:"hash" json:"hash"`
	Snapshot   string    `db:"snapshot" json:"snapshot"`
	ArchiveKey string    `db:"archive_key" json:"archive_key,omitempty"`
	IssuedAt   time.Time `db:"issued_at" json:"issued_at"`
}

// TransferEdge is the seller to buyer movement of credits for one order.
type TransferEdge struct {
	OrderId    int64     `db:"order_id" json:"order_id"`
	FromNode   string    `db:"from_node" json:"from_node"`
	ToNode     string    `db:"to_node" json:"to_node"`
	Credits    int64     `db:"credits" json:"credits"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}

// LedgerEntry is a write-once audit ledger record as returned by a backend.
type LedgerEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Sequence  int64     `json:"sequence"`
	Digest    string    `json:"digest,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// VerifiedLedgerEntry carries the backend's own integrity verdict.
type VerifiedLedgerEntry struct {
	LedgerEntry
	Verified bool `json:"verified"`
}
