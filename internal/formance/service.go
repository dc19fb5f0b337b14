package formance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.AuditLedger.
var _ store.AuditLedger = (*Service)(nil)

const (
	recordAsset   = "RECORD/0"
	metaValue     = "value"
	metaDigest    = "value_sha256"
	metaRecordKey = "record_key"
)

// Service implements store.AuditLedger on a Formance Stack ledger. Each key
// becomes one transaction whose reference is the key, so the ledger itself
// enforces write-once semantics.
type Service struct {
	client *v3.Formance
	ledger string
}

// NewService creates a Formance-backed AuditLedger.
// It connects to the stack, creates the ledger if it doesn't already exist, and returns ready to use.
func NewService(ctx context.Context, cfg models.FormanceConfig) (*Service, error) {
	if cfg.StackURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("formance config requires StackURL, ClientID, and ClientSecret")
	}
	if cfg.LedgerName == "" {
		cfg.LedgerName = "credit-settlement-audit"
	}

	zap.L().Info("Connecting to Formance Stack",
		zap.String("stack_url", cfg.StackURL),
		zap.String("ledger", cfg.LedgerName))

	client := v3.New(
		v3.WithServerURL(cfg.StackURL),
		v3.WithSecurity(shared.Security{
			ClientID:     v3.Pointer(cfg.ClientID),
			ClientSecret: v3.Pointer(cfg.ClientSecret),
		}),
	)

	svc := &Service{client: client, ledger: cfg.LedgerName}

	if err := svc.ensureLedger(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger exists: %w", err)
	}

	zap.L().Info("Formance service initialized", zap.String("ledger", cfg.LedgerName))
	return svc, nil
}

// ensureLedger creates the ledger if it does not already exist.
func (s *Service) ensureLedger(ctx context.Context) error {
	_, err := s.client.Ledger.V2.CreateLedger(ctx, operations.V2CreateLedgerRequest{
		Ledger: s.ledger,
		V2CreateLedgerRequest: shared.V2CreateLedgerRequest{
			Metadata: map[string]string{
				"application": "forest-credit-settlement",
			},
		},
	})
	if err != nil {
		var apiErr *sdkerrors.V2ErrorResponse
		if errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumLedgerAlreadyExists {
			zap.L().Info("Ledger already exists", zap.String("ledger", s.ledger))
			return nil
		}
		return err
	}
	zap.L().Info("Ledger created", zap.String("ledger", s.ledger))
	return nil
}

// Close is a no-op for the Formance backend (HTTP client needs no teardown).
func (s *Service) Close() {}

// Set records value under key as a single-unit RECORD posting into the
// key's audit account. A conflicting reference maps to store.ErrKeyExists.
func (s *Service) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("ledger key cannot be empty")
	}

	_, err := s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            s.ledger,
		V2PostTransaction: postTransaction(key, value),
	})
	if err != nil {
		if isConflictError(err) {
			return fmt.Errorf("%w: %s", store.ErrKeyExists, key)
		}
		return fmt.Errorf("%w: error recording audit entry: %v", store.ErrUnavailable, err)
	}

	zap.L().Info("Audit entry recorded in Formance", zap.String("key", key))
	return nil
}

func (s *Service) Get(ctx context.Context, key string) (*models.LedgerEntry, error) {
	tx, err := s.findByReference(ctx, key)
	if err != nil {
		return nil, err
	}
	return entryFromTransaction(key, tx), nil
}

// VerifiedGet checks the stored value against the digest written alongside it
// and that the transaction has not been reverted.
func (s *Service) VerifiedGet(ctx context.Context, key string) (*models.VerifiedLedgerEntry, error) {
	tx, err := s.findByReference(ctx, key)
	if err != nil {
		return nil, err
	}
	entry := entryFromTransaction(key, tx)
	verified := !tx.Reverted && valueDigest(entry.Value) == tx.Metadata[metaDigest]
	return &models.VerifiedLedgerEntry{LedgerEntry: *entry, Verified: verified}, nil
}

// History returns every transaction carrying key, oldest first. A write-once
// key has at most one unless the ledger was edited out of band.
func (s *Service) History(ctx context.Context, key string) ([]models.LedgerEntry, error) {
	resp, err := s.client.Ledger.V2.ListTransactions(ctx, operations.V2ListTransactionsRequest{
		Ledger: s.ledger,
		RequestBody: map[string]any{
			"$match": map[string]any{
				"metadata[" + metaRecordKey + "]": key,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list audit history: %v", store.ErrUnavailable, err)
	}

	data := resp.V2TransactionsCursorResponse.Cursor.Data
	entries := make([]models.LedgerEntry, 0, len(data))
	for i := len(data) - 1; i >= 0; i-- {
		tx := data[i]
		entries = append(entries, *entryFromTransaction(key, &tx))
	}
	return entries, nil
}

func (s *Service) findByReference(ctx context.Context, key string) (*shared.V2Transaction, error) {
	pageSize := int64(1)
	resp, err := s.client.Ledger.V2.ListTransactions(ctx, operations.V2ListTransactionsRequest{
		Ledger:   s.ledger,
		PageSize: &pageSize,
		RequestBody: map[string]any{
			"$match": map[string]any{
				"reference": key,
			},
		},
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%w: ledger key %s", store.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: failed to find audit entry %s: %v", store.ErrUnavailable, key, err)
	}
	if len(resp.V2TransactionsCursorResponse.Cursor.Data) == 0 {
		return nil, fmt.Errorf("%w: ledger key %s", store.ErrNotFound, key)
	}
	tx := resp.V2TransactionsCursorResponse.Cursor.Data[0]
	return &tx, nil
}

// ---------- helpers ----------

func postTransaction(key string, value []byte) shared.V2PostTransaction {
	return shared.V2PostTransaction{
		Reference: strPtr(key),
		Postings: []shared.V2Posting{
			{
				Amount:      big.NewInt(1),
				Asset:       recordAsset,
				Source:      "world",
				Destination: auditAccount(key),
			},
		},
		Metadata: map[string]string{
			metaRecordKey: key,
			metaValue:     string(value),
			metaDigest:    valueDigest(value),
		},
	}
}

// auditAccount maps a ledger key onto a valid Formance account address.
func auditAccount(key string) string {
	var b strings.Builder
	b.WriteString("audit:")
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteRune(c)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func entryFromTransaction(key string, tx *shared.V2Transaction) *models.LedgerEntry {
	entry := &models.LedgerEntry{
		Key:       key,
		Value:     []byte(tx.Metadata[metaValue]),
		Digest:    tx.Metadata[metaDigest],
		CreatedAt: tx.Timestamp,
	}
	if tx.ID != nil {
		entry.Sequence = tx.ID.Int64()
	}
	return entry
}

func valueDigest(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// isConflictError checks whether a Formance SDK error is a CONFLICT (duplicate reference).
func isConflictError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumConflict
}

// isNotFoundError checks whether a Formance SDK error is NOT_FOUND.
func isNotFoundError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumNotFound
}

func strPtr(s string) *string { return &s }
