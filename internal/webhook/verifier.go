/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"forest-credit-settlement/internal/models"

	"github.com/stripe/stripe-go/v80"
	stripewebhook "github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"
)

// Verification errors. Callers map these onto HTTP status codes: unsigned and
// malformed bodies are client errors, bad signatures are unauthorized and
// unsupported event types are acknowledged and ignored.
var (
	ErrUnsigned         = errors.New("webhook payload is not signed")
	ErrInvalidSignature = errors.New("webhook signature is invalid")
	ErrMalformed        = errors.New("webhook payload is malformed")
	ErrUnsupportedEvent = errors.New("webhook event type is not handled")
)

const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"
	EventCheckoutCompleted      = "checkout.session.completed"
	EventCheckoutAsyncFailed    = "checkout.session.async_payment_failed"

	// EventProviderLookup marks events synthesized from a direct provider query.
	EventProviderLookup = "provider.lookup"

	metadataOrderCode     = "order_code"
	metadataPaymentLinkId = "payment_link_id"
)

// Verifier authenticates provider callbacks and converts them into canonical
// events. It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook signing secret cannot be empty")
	}
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}, nil
}

// Verify checks the signature header against payload and extracts the
// canonical event.
func (v *Verifier) Verify(payload []byte, header string) (*models.CanonicalEvent, error) {
	if strings.TrimSpace(header) == "" {
		return nil, ErrUnsigned
	}

	event, err := stripewebhook.ConstructEventWithOptions(payload, header, v.secret, stripewebhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, classifyConstructError(err)
	}

	canonical, err := FromEvent(event)
	if err != nil {
		return nil, err
	}
	canonical.RawPayload = payload
	return canonical, nil
}

func classifyConstructError(err error) error {
	switch {
	case errors.Is(err, stripewebhook.ErrNotSigned), errors.Is(err, stripewebhook.ErrInvalidHeader):
		return fmt.Errorf("%w: %v", ErrUnsigned, err)
	case errors.Is(err, stripewebhook.ErrNoValidSignature), errors.Is(err, stripewebhook.ErrTooOld):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

// FromEvent maps a verified provider event onto a canonical event.
func FromEvent(event stripe.Event) (*models.CanonicalEvent, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformed, event.ID)
	}
	occurredAt := time.Unix(event.Created, 0).UTC()
	eventType := string(event.Type)

	switch eventType {
	case EventPaymentIntentSucceeded, EventPaymentIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", ErrMalformed, err)
		}
		result := models.ResultSuccess
		if eventType == EventPaymentIntentFailed {
			result = models.ResultFailure
		}
		return fromPaymentIntent(&pi, eventType, result, occurredAt)

	case EventCheckoutCompleted, EventCheckoutAsyncFailed:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformed, err)
		}
		return fromCheckoutSession(&session, eventType, occurredAt)
	}

	zap.L().Debug("Ignoring unhandled webhook event type",
		zap.String("event_type", eventType),
		zap.String("event_id", event.ID))
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
}

// FromPaymentIntent maps a payment intent fetched directly from the provider.
// The intent's creation time stands in for the transaction timestamp so that
// repeated lookups of the same intent share one signature.
func FromPaymentIntent(pi *stripe.PaymentIntent) (*models.CanonicalEvent, error) {
	var result models.ResultCode
	switch {
	case pi.Status == stripe.PaymentIntentStatusSucceeded:
		result = models.ResultSuccess
	case pi.Status == stripe.PaymentIntentStatusCanceled:
		result = models.ResultFailure
	case pi.Status == stripe.PaymentIntentStatusRequiresPaymentMethod && pi.LastPaymentError != nil:
		result = models.ResultFailure
	default:
		return nil, fmt.Errorf("%w: payment %s is %s", ErrUnsupportedEvent, pi.ID, pi.Status)
	}
	return fromPaymentIntent(pi, EventProviderLookup, result, time.Unix(pi.Created, 0).UTC())
}

func fromPaymentIntent(pi *stripe.PaymentIntent, eventType string, result models.ResultCode, occurredAt time.Time) (*models.CanonicalEvent, error) {
	orderCode, err := parseOrderCode(pi.Metadata)
	if err != nil {
		return nil, err
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("%w: payment intent has no id", ErrMalformed)
	}
	if pi.Currency == "" {
		return nil, fmt.Errorf("%w: payment %s has no currency", ErrMalformed, pi.ID)
	}

	canonical := &models.CanonicalEvent{
		OrderCode:            orderCode,
		AmountMinorUnits:     pi.Amount,
		Currency:             strings.ToUpper(string(pi.Currency)),
		ProviderReference:    pi.ID,
		PaymentLinkId:        pi.Metadata[metadataPaymentLinkId],
		TransactionTimestamp: occurredAt,
		ResultCode:           result,
		EventType:            eventType,
	}
	if result == models.ResultFailure {
		canonical.FailureReason = "payment failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			canonical.FailureReason = pi.LastPaymentError.Msg
		} else if pi.CancellationReason != "" {
			canonical.FailureReason = "canceled: " + string(pi.CancellationReason)
		}
	}
	return canonical, nil
}

func fromCheckoutSession(session *stripe.CheckoutSession, eventType string, occurredAt time.Time) (*models.CanonicalEvent, error) {
	result := models.ResultFailure
	if eventType == EventCheckoutCompleted {
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			// Delayed payment methods complete the session before funds arrive.
			return nil, fmt.Errorf("%w: session %s completed with payment status %s",
				ErrUnsupportedEvent, session.ID, session.PaymentStatus)
		}
		result = models.ResultSuccess
	}

	orderCode, err := parseOrderCode(session.Metadata)
	if err != nil {
		return nil, err
	}
	if session.Currency == "" {
		return nil, fmt.Errorf("%w: session %s has no currency", ErrMalformed, session.ID)
	}

	reference := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		reference = session.PaymentIntent.ID
	}
	paymentLinkId := session.Metadata[metadataPaymentLinkId]
	if session.PaymentLink != nil && session.PaymentLink.ID != "" {
		paymentLinkId = session.PaymentLink.ID
	}

	canonical := &models.CanonicalEvent{
		OrderCode:            orderCode,
		AmountMinorUnits:     session.AmountTotal,
		Currency:             strings.ToUpper(string(session.Currency)),
		ProviderReference:    reference,
		PaymentLinkId:        paymentLinkId,
		TransactionTimestamp: occurredAt,
		ResultCode:           result,
		EventType:            eventType,
	}
	if result == models.ResultFailure {
		canonical.FailureReason = "asynchronous payment failed"
	}
	return canonical, nil
}

func parseOrderCode(metadata map[string]string) (int64, error) {
	raw := strings.TrimSpace(metadata[metadataOrderCode])
	if raw == "" {
		return 0, fmt.Errorf("%w: missing %s metadata", ErrMalformed, metadataOrderCode)
	}
	code, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || code <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrMalformed, metadataOrderCode, raw)
	}
	return code, nil
}
