package database

import (
	"context"
	"errors"
	"testing"

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"
)

func TestAuditLedger_SetAndVerify(t *testing.T) {
	service := setupTestDb(t)
	ledger := service.AuditLedger()
	ctx := context.Background()

	if err := ledger.Set(ctx, "tx_a", []byte(`{"order_id":1}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := ledger.Set(ctx, "tx_b", []byte(`{"order_id":2}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	for _, key := range []string{"tx_a", "tx_b"} {
		entry, err := ledger.VerifiedGet(ctx, key)
		if err != nil {
			t.Fatalf("VerifiedGet(%s) failed: %v", key, err)
		}
		if !entry.Verified {
			t.Errorf("Expected %s to verify", key)
		}
	}

	history, err := ledger.History(ctx, "tx_b")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || string(history[0].Value) != `{"order_id":2}` {
		t.Errorf("Unexpected history %+v", history)
	}
}

func TestAuditLedger_WriteOnce(t *testing.T) {
	service := setupTestDb(t)
	ledger := service.AuditLedger()
	ctx := context.Background()

	if err := ledger.Set(ctx, "tx_a", []byte("first")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	err := ledger.Set(ctx, "tx_a", []byte("second"))
	if !errors.Is(err, store.ErrKeyExists) {
		t.Fatalf("Expected ErrKeyExists, got %v", err)
	}

	entry, err := ledger.Get(ctx, "tx_a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(entry.Value) != "first" {
		t.Errorf("Expected the first value to survive, got %q", entry.Value)
	}
}

func TestAuditLedger_DetectsTampering(t *testing.T) {
	service := setupTestDb(t)
	ledger := service.AuditLedger()
	ctx := context.Background()

	if err := ledger.Set(ctx, "tx_a", []byte(`{"total_price":"21.00"}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := ledger.Set(ctx, "tx_b", []byte(`{"total_price":"5.00"}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, err := service.db.Exec(`UPDATE audit_ledger SET value = ? WHERE entry_key = ?`, `{"total_price":"1.00"}`, "tx_a"); err != nil {
		t.Fatalf("Failed to tamper with ledger: %v", err)
	}

	entry, err := ledger.VerifiedGet(ctx, "tx_a")
	if err != nil {
		t.Fatalf("VerifiedGet failed: %v", err)
	}
	if entry.Verified {
		t.Error("Expected tampered entry to fail verification")
	}

	// Rewriting a digest breaks the successor's link.
	if _, err := service.db.Exec(`UPDATE audit_ledger SET digest = ? WHERE entry_key = ?`, "forged", "tx_a"); err != nil {
		t.Fatalf("Failed to tamper with ledger: %v", err)
	}
	next, err := ledger.VerifiedGet(ctx, "tx_b")
	if err != nil {
		t.Fatalf("VerifiedGet failed: %v", err)
	}
	if next.Verified {
		t.Error("Expected successor of a forged digest to fail verification")
	}
}

func TestAuditLedger_MissingKey(t *testing.T) {
	service := setupTestDb(t)

	_, err := service.AuditLedger().Get(context.Background(), "tx_missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCertificatesAndTransfers(t *testing.T) {
	service := setupTestDb(t)
	ctx := context.Background()
	order := createTestOrder(t, service, 17400001234)

	cert := models.Certificate{OrderId: order.Id, OrderCode: order.OrderCode, BuyerId: "buyer-1", SellerId: "seller-1", Hash: "h1", Snapshot: "{}"}
	created, err := service.InsertCertificate(ctx, cert)
	if err != nil || !created {
		t.Fatalf("Expected certificate to be created, created=%v err=%v", created, err)
	}
	cert.Hash = "h2"
	created, err = service.InsertCertificate(ctx, cert)
	if err != nil || created {
		t.Fatalf("Expected second certificate to be ignored, created=%v err=%v", created, err)
	}
	stored, err := service.GetCertificate(ctx, order.Id)
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}
	if stored.Hash != "h1" {
		t.Errorf("Expected the first certificate to survive, got hash %s", stored.Hash)
	}

	edge := models.TransferEdge{OrderId: order.Id, FromNode: "seller-1", ToNode: "buyer-1", Credits: 2}
	if err := service.RecordTransfer(ctx, edge); err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}
	if err := service.RecordTransfer(ctx, edge); err != nil {
		t.Errorf("Re-recording a transfer should succeed, got %v", err)
	}
	got, err := service.GetTransfer(ctx, order.Id)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Credits != 2 || got.ToNode != "buyer-1" {
		t.Errorf("Unexpected transfer %+v", got)
	}

	if err := service.RecordTransfer(ctx, models.TransferEdge{OrderId: 9, FromNode: "a", ToNode: "b"}); !errors.Is(err, store.ErrMalformed) {
		t.Errorf("Expected ErrMalformed for zero credits, got %v", err)
	}
}
