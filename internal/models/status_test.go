package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseOrderStatus_Normalizes(t *testing.T) {
	tests := []struct {
		input string
		want  OrderStatus
	}{
		{"PENDING", OrderStatusPending},
		{"paid", OrderStatusPaid},
		{"Completed", OrderStatusCompleted},
		{" failed ", OrderStatusFailed},
		{"canceled", OrderStatusCancelled},
		{"Expired", OrderStatusExpired},
	}
	for _, tt := range tests {
		got, err := ParseOrderStatus(tt.input)
		if err != nil {
			t.Fatalf("ParseOrderStatus(%q) returned error: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("ParseOrderStatus(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseOrderStatus_RejectsUnknown(t *testing.T) {
	for _, input := range []string{"", "SETTLED", "refunded"} {
		if _, err := ParseOrderStatus(input); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestCanonicalEventSignature_Deterministic(t *testing.T) {
	ts := time.Date(2025, 2, 20, 10, 0, 0, 0, time.UTC)
	a := CanonicalEvent{PaymentLinkId: "pi_1", ProviderReference: "pi_1", TransactionTimestamp: ts}
	b := CanonicalEvent{PaymentLinkId: "pi_1", ProviderReference: "pi_1", TransactionTimestamp: ts.In(time.FixedZone("ICT", 7*3600))}
	if a.Signature() != b.Signature() {
		t.Errorf("signature should not depend on time zone")
	}

	c := a
	c.ProviderReference = "pi_2"
	if a.Signature() == c.Signature() {
		t.Errorf("different references must produce different signatures")
	}
}

func TestCanonicalEventSignature_IgnoresOutcome(t *testing.T) {
	ts := time.Date(2025, 2, 20, 10, 0, 0, 0, time.UTC)
	failed := CanonicalEvent{
		PaymentLinkId: "plink_1", ProviderReference: "pi_1", TransactionTimestamp: ts,
		ResultCode: ResultFailure, EventType: "payment_intent.payment_failed",
	}
	succeeded := failed
	succeeded.ResultCode = ResultSuccess
	succeeded.EventType = "payment_intent.succeeded"
	if failed.Signature() != succeeded.Signature() {
		t.Errorf("result code and event type must not change the signature")
	}

	retried := succeeded
	retried.TransactionTimestamp = ts.Add(time.Second)
	if failed.Signature() == retried.Signature() {
		t.Errorf("a later attempt on the same payment must get its own signature")
	}
}

func TestMinorToMajor(t *testing.T) {
	if got := MinorToMajor(2100, "usd"); !got.Equal(decimal.RequireFromString("21.00")) {
		t.Errorf("expected 21.00, got %s", got)
	}
	if got := MinorToMajor(52000, "VND"); !got.Equal(decimal.NewFromInt(52000)) {
		t.Errorf("expected 52000, got %s", got)
	}
	if got := MajorToMinor(decimal.RequireFromString("21.00"), "USD"); got != 2100 {
		t.Errorf("expected 2100, got %d", got)
	}
}
