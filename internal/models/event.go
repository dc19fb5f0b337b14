package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ResultCode is the provider's verdict on a payment.
type ResultCode string

const (
	ResultSuccess ResultCode = "success"
	ResultFailure ResultCode = "failure"
)

// currencyExponent maps ISO currencies to their minor-unit exponent.
var currencyExponent = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"SGD": 2,
	"VND": 0,
	"JPY": 0,
	"KRW": 0,
}

// CurrencyExponent returns the number of minor-unit digits for currency.
func CurrencyExponent(currency string) int32 {
	if e, ok := currencyExponent[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2 // default for unlisted currencies
}

// MinorToMajor converts a minor-unit amount into a decimal major-unit amount.
func MinorToMajor(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -CurrencyExponent(currency))
}

// MajorToMinor converts a major-unit amount into integer minor units.
func MajorToMinor(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(CurrencyExponent(currency)).Round(0).IntPart()
}

// CanonicalEvent is the provider-agnostic form of a verified callback.
type CanonicalEvent struct {
	OrderCode            int64      `json:"order_code"`
	AmountMinorUnits     int64      `json:"amount_minor_units"`
	Currency             string     `json:"currency"`
	ProviderReference    string     `json:"provider_reference"`
	PaymentLinkId        string     `json:"payment_link_id"`
	TransactionTimestamp time.Time  `json:"transaction_timestamp"`
	ResultCode           ResultCode `json:"result_code"`
	FailureReason        string     `json:"failure_reason,omitempty"`
	EventType            string     `json:"event_type"`
	RawPayload           []byte     `json:"-"`
}

// Signature is the deterministic identity of the event. Two deliveries of the
// same provider event always produce the same signature.
//
// Only the payment link, provider reference and transaction time are hashed.
// Result code and event type are not: a failure and a success for the same
// payment at the same instant share one signature, and whichever is claimed
// first is the only one settled. Provider timestamps of distinct attempts
// differ, so this collapses only replays of one outcome.
func (e CanonicalEvent) Signature() string {
	material := fmt.Sprintf("%s|%s|%d",
		e.PaymentLinkId,
		e.ProviderReference,
		e.TransactionTimestamp.UTC().UnixNano())
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// Amount returns the event amount in major units.
func (e CanonicalEvent) Amount() decimal.Decimal {
	return MinorToMajor(e.AmountMinorUnits, e.Currency)
}

func (e CanonicalEvent) Succeeded() bool {
	return e.ResultCode == ResultSuccess
}
