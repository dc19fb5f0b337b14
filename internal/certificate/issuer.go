package certificate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"forest-credit-settlement/internal/awsutil"
	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"

	"go.uber.org/zap"
)

// Snapshot is the frozen proof-of-purchase content. It is derived only from
// settled order facts so every attempt for the same order produces the same
// bytes.
type Snapshot struct {
	OrderCode    int64          `json:"order_code"`
	BuyerId      string         `json:"buyer_id"`
	SellerId     string         `json:"seller_id"`
	TotalCredits int64          `json:"total_credits"`
	TotalPrice   string         `json:"total_price"`
	Currency     string         `json:"currency"`
	PaidAt       time.Time      `json:"paid_at"`
	Items        []SnapshotItem `json:"items"`
}

type SnapshotItem struct {
	CreditId    string `json:"credit_id"`
	Description string `json:"description,omitempty"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
}

func NewSnapshot(order *models.Order) (*Snapshot, error) {
	if order.PaidAt == nil {
		return nil, fmt.Errorf("%w: order %d has no paid timestamp", store.ErrMalformed, order.Id)
	}
	s := &Snapshot{
		OrderCode:    order.OrderCode,
		BuyerId:      order.BuyerId,
		SellerId:     order.SellerId,
		TotalCredits: order.TotalCredits,
		TotalPrice:   order.TotalPrice.StringFixed(2),
		Currency:     order.Currency,
		PaidAt:       order.PaidAt.UTC().Truncate(time.Second),
		Items:        make([]SnapshotItem, 0, len(order.Items)),
	}
	for _, item := range order.Items {
		s.Items = append(s.Items, SnapshotItem{
			CreditId:    item.CreditId,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.StringFixed(2),
		})
	}
	return s, nil
}

// Issuer generates and persists one certificate per settled order,
// optionally archiving the snapshot to object storage first.
type Issuer struct {
	certs   store.CertificateStore
	orders  store.OrderStore
	archive awsutil.ObjectWriter
	bucket  string
}

// NewIssuer builds an issuer. archive may be nil, in which case snapshots are
// kept only in the certificate store.
func NewIssuer(certs store.CertificateStore, orders store.OrderStore, archive awsutil.ObjectWriter, bucket string) *Issuer {
	if bucket == "" {
		archive = nil
	}
	return &Issuer{certs: certs, orders: orders, archive: archive, bucket: bucket}
}

func (i *Issuer) Name() string { return "certificate" }

func (i *Issuer) Exists(ctx context.Context, order *models.Order) (bool, error) {
	_, err := i.certs.GetCertificate(ctx, order.Id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (i *Issuer) Record(ctx context.Context, order *models.Order) error {
	snapshot, err := NewSnapshot(order)
	if err != nil {
		return err
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("%w: encode certificate snapshot: %v", store.ErrMalformed, err)
	}
	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	var archiveKey string
	if i.archive != nil {
		archiveKey = fmt.Sprintf("certificates/%d/%s.json", order.OrderCode, hash)
		if err := i.archive.PutObject(ctx, i.bucket, archiveKey, body, "application/json"); err != nil {
			return fmt.Errorf("%w: certificate archive: %v", store.ErrUnavailable, err)
		}
	}

	created, err := i.certs.InsertCertificate(ctx, models.Certificate{
		OrderId:    order.Id,
		OrderCode:  order.OrderCode,
		BuyerId:    order.BuyerId,
		SellerId:   order.SellerId,
		Hash:       hash,
		Snapshot:   string(body),
		ArchiveKey: archiveKey,
	})
	if err != nil {
		return fmt.Errorf("failed to persist certificate: %w", err)
	}
	if !created {
		zap.L().Info("Certificate already issued", zap.Int64("order_id", order.Id))
		return nil
	}

	if err := i.orders.AppendHistory(ctx, order.Id, store.HistoryLine{
		Event:   models.HistoryCertificateIssued,
		Message: "certificate " + hash[:16] + " issued",
	}); err != nil {
		return fmt.Errorf("failed to append certificate history: %w", err)
	}

	zap.L().Info("Certificate issued",
		zap.Int64("order_id", order.Id),
		zap.Int64("order_code", order.OrderCode),
		zap.String("hash", hash),
		zap.String("archive_key", archiveKey))
	return nil
}
