package webhook

import (
	"fmt"
	"testing"
	"time"

	"forest-credit-settlement/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v80"
	stripewebhook "github.com/stripe/stripe-go/v80/webhook"
)

const testSecret = "whsec_test_secret"

func eventPayload(eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","type":%q,"created":1740000000,"data":{"object":%s}}`, eventType, object))
}

const paidIntent = `{"id":"pi_1","object":"payment_intent","amount":2100,"currency":"usd","status":"succeeded","created":1739999000,"metadata":{"order_code":"17400001234","payment_link_id":"plink_1"}}`

func sign(t *testing.T, payload []byte, secret string, ts time.Time) string {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	})
	return signed.Header
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret, 5*time.Minute)
	require.NoError(t, err)
	return v
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("", time.Minute)
	assert.Error(t, err)
}

func TestVerifyPaymentIntentSucceeded(t *testing.T) {
	v := newTestVerifier(t)
	payload := eventPayload(EventPaymentIntentSucceeded, paidIntent)

	event, err := v.Verify(payload, sign(t, payload, testSecret, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, int64(17400001234), event.OrderCode)
	assert.Equal(t, int64(2100), event.AmountMinorUnits)
	assert.Equal(t, "USD", event.Currency)
	assert.Equal(t, "pi_1", event.ProviderReference)
	assert.Equal(t, "plink_1", event.PaymentLinkId)
	assert.Equal(t, models.ResultSuccess, event.ResultCode)
	assert.Equal(t, time.Unix(1740000000, 0).UTC(), event.TransactionTimestamp)
	assert.Equal(t, payload, event.RawPayload)
	assert.Equal(t, "21", event.Amount().String())
}

func TestVerifyRedeliveryKeepsSignature(t *testing.T) {
	v := newTestVerifier(t)
	payload := eventPayload(EventPaymentIntentSucceeded, paidIntent)

	first, err := v.Verify(payload, sign(t, payload, testSecret, time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	second, err := v.Verify(payload, sign(t, payload, testSecret, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, first.Signature(), second.Signature())
}

func TestVerifyPaymentIntentFailed(t *testing.T) {
	v := newTestVerifier(t)
	object := `{"id":"pi_2","object":"payment_intent","amount":2100,"currency":"usd","status":"requires_payment_method","metadata":{"order_code":"17400001234"},"last_payment_error":{"message":"Your card was declined."}}`
	payload := eventPayload(EventPaymentIntentFailed, object)

	event, err := v.Verify(payload, sign(t, payload, testSecret, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, models.ResultFailure, event.ResultCode)
	assert.Equal(t, "Your card was declined.", event.FailureReason)
}

func TestVerifyCheckoutSession(t *testing.T) {
	v := newTestVerifier(t)

	paid := `{"id":"cs_1","object":"checkout.session","amount_total":2100,"currency":"usd","payment_status":"paid","payment_intent":"pi_3","metadata":{"order_code":"17400001234"}}`
	payload := eventPayload(EventCheckoutCompleted, paid)
	event, err := v.Verify(payload, sign(t, payload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, event.ResultCode)
	assert.Equal(t, "pi_3", event.ProviderReference)
	assert.Equal(t, int64(2100), event.AmountMinorUnits)

	unpaid := `{"id":"cs_2","object":"checkout.session","amount_total":2100,"currency":"usd","payment_status":"unpaid","metadata":{"order_code":"17400001234"}}`
	payload = eventPayload(EventCheckoutCompleted, unpaid)
	_, err = v.Verify(payload, sign(t, payload, testSecret, time.Now()))
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}

func TestVerifyRejections(t *testing.T) {
	v := newTestVerifier(t)
	payload := eventPayload(EventPaymentIntentSucceeded, paidIntent)

	tests := []struct {
		name    string
		payload []byte
		header  string
		want    error
	}{
		{"missing header", payload, "", ErrUnsigned},
		{"garbage header", payload, "not-a-signature", ErrUnsigned},
		{"wrong secret", payload, sign(t, payload, "whsec_other", time.Now()), ErrInvalidSignature},
		{"expired timestamp", payload, sign(t, payload, testSecret, time.Now().Add(-time.Hour)), ErrInvalidSignature},
		{"tampered body", append([]byte(nil), eventPayload(EventPaymentIntentSucceeded, `{"id":"pi_1","amount":1}`)...), sign(t, payload, testSecret, time.Now()), ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.payload, tt.header)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifyMalformedAndUnsupported(t *testing.T) {
	v := newTestVerifier(t)

	missingCode := eventPayload(EventPaymentIntentSucceeded, `{"id":"pi_1","object":"payment_intent","amount":2100,"currency":"usd","metadata":{}}`)
	_, err := v.Verify(missingCode, sign(t, missingCode, testSecret, time.Now()))
	assert.ErrorIs(t, err, ErrMalformed)

	badCode := eventPayload(EventPaymentIntentSucceeded, `{"id":"pi_1","object":"payment_intent","amount":2100,"currency":"usd","metadata":{"order_code":"abc"}}`)
	_, err = v.Verify(badCode, sign(t, badCode, testSecret, time.Now()))
	assert.ErrorIs(t, err, ErrMalformed)

	refund := eventPayload("charge.refunded", `{"id":"ch_1","object":"charge"}`)
	_, err = v.Verify(refund, sign(t, refund, testSecret, time.Now()))
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}

func TestFromPaymentIntent(t *testing.T) {
	pi := &stripe.PaymentIntent{
		ID:       "pi_9",
		Amount:   2100,
		Currency: stripe.CurrencyUSD,
		Status:   stripe.PaymentIntentStatusSucceeded,
		Created:  1739999000,
		Metadata: map[string]string{"order_code": "17400001234"},
	}
	event, err := FromPaymentIntent(pi)
	require.NoError(t, err)
	assert.Equal(t, EventProviderLookup, event.EventType)
	assert.True(t, event.Succeeded())

	again, err := FromPaymentIntent(pi)
	require.NoError(t, err)
	assert.Equal(t, event.Signature(), again.Signature())

	pi.Status = stripe.PaymentIntentStatusProcessing
	_, err = FromPaymentIntent(pi)
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}
