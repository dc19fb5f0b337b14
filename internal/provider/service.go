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

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"
	"forest-credit-settlement/internal/webhook"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Service is the explicitly constructed payment provider client used to
// confirm payments outside the webhook path.
type Service struct {
	client  *client.API
	timeout time.Duration
}

func NewService(cfg models.ProviderConfig) (*Service, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("payment provider secret key is required")
	}

	httpClient, err := createCustomHttpClient(cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:    &httpClient,
		LeveledLogger: zap.S(),
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
	})

	return &Service{client: api, timeout: cfg.RequestTimeout}, nil
}

func createCustomHttpClient(timeout time.Duration) (http.Client, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// LookupPayment fetches a payment by provider reference and maps it to a
// canonical event. Payments still in flight surface webhook.ErrUnsupportedEvent.
func (s *Service) LookupPayment(ctx context.Context, reference string) (*models.CanonicalEvent, error) {
	if reference == "" {
		return nil, fmt.Errorf("provider reference cannot be empty")
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.client.PaymentIntents.Get(reference, params)
	if err != nil {
		return nil, classifyError(err, "unable to get payment intent")
	}

	zap.L().Debug("Fetched payment intent",
		zap.String("reference", pi.ID),
		zap.String("status", string(pi.Status)))

	return webhook.FromPaymentIntent(pi)
}

// FindPaymentForOrder searches for the most recent payment tagged with
// orderCode. It is used when checkout did not record a provider reference.
func (s *Service) FindPaymentForOrder(ctx context.Context, orderCode int64) (*models.CanonicalEvent, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['order_code']:'%d'", orderCode)
	params.Limit = stripe.Int64(10)

	iter := s.client.PaymentIntents.Search(params)
	var latest *stripe.PaymentIntent
	for iter.Next() {
		pi := iter.PaymentIntent()
		if latest == nil || pi.Created > latest.Created {
			latest = pi
		}
	}
	if err := iter.Err(); err != nil {
		return nil, classifyError(err, "unable to search payment intents")
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no payment for order %d", store.ErrNotFound, orderCode)
	}
	return webhook.FromPaymentIntent(latest)
}

// classifyError maps provider errors onto store sentinels so callers can tell
// a missing payment from a provider outage.
func classifyError(err error, msg string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s: %v", store.ErrNotFound, msg, err)
		case stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s: %v", store.ErrUnavailable, msg, err)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%w: %s: %v", store.ErrUnavailable, msg, err)
}
