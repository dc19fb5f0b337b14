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

package settlement

import (
	"fmt"
	"strings"
	"time"

	"forest-credit-settlement/internal/models"
)

// DefaultExpiryWindow is how long an order may stay PENDING.
const DefaultExpiryWindow = 15 * time.Minute

// EffectiveStatus applies lazy expiry: a PENDING order older than window
// reads as EXPIRED even before the expiry is persisted.
func EffectiveStatus(order *models.Order, now time.Time, window time.Duration) models.OrderStatus {
	if order.Status == models.OrderStatusPending && window > 0 && now.Sub(order.CreatedAt) > window {
		return models.OrderStatusExpired
	}
	return order.Status
}

// Decision is what the state machine wants done for one event. At most one
// transition is requested; PersistExpiry runs before anything else.
type Decision struct {
	PersistExpiry bool
	Transition    bool
	From          models.OrderStatus
	To            models.OrderStatus
	Ensure        bool
	Flag          string
	Mismatch      bool
}

// NoOp reports whether the decision leaves the order untouched.
func (d Decision) NoOp() bool {
	return !d.PersistExpiry && !d.Transition && !d.Ensure && d.Flag == ""
}

// Decide maps (order, event) to a decision. It has no side effects.
func Decide(order *models.Order, event *models.CanonicalEvent, now time.Time, window time.Duration) Decision {
	var d Decision

	status := EffectiveStatus(order, now, window)
	if status == models.OrderStatusExpired && order.Status == models.OrderStatusPending &&
		event.Succeeded() && paidWithinWindow(order, event, window) {
		// Delivered late but paid in time.
		status = models.OrderStatusPending
	}
	if status != order.Status {
		d.PersistExpiry = true
	}

	if event.Succeeded() {
		if reason := amountMismatch(order, event); reason != "" {
			d.Flag = reason
			d.Mismatch = true
			return d
		}
	}

	switch status {
	case models.OrderStatusPending:
		d.Transition = true
		d.From = models.OrderStatusPending
		if event.Succeeded() {
			d.To = models.OrderStatusPaid
		} else {
			d.To = models.OrderStatusFailed
		}
	case models.OrderStatusPaid:
		d.Ensure = event.Succeeded()
	case models.OrderStatusCompleted:
		// nothing left to do
	case models.OrderStatusFailed, models.OrderStatusExpired, models.OrderStatusCancelled:
		if event.Succeeded() {
			d.Flag = fmt.Sprintf("payment %s succeeded for %s order", event.ProviderReference, status)
		}
	}
	return d
}

// paidWithinWindow reports whether the provider settled the payment before
// the order's expiry deadline. Events without a transaction time never qualify.
func paidWithinWindow(order *models.Order, event *models.CanonicalEvent, window time.Duration) bool {
	if event.TransactionTimestamp.IsZero() {
		return false
	}
	return !event.TransactionTimestamp.After(order.CreatedAt.Add(window))
}

func amountMismatch(order *models.Order, event *models.CanonicalEvent) string {
	if !strings.EqualFold(order.Currency, event.Currency) {
		return fmt.Sprintf("currency mismatch: order %s, payment %s", order.Currency, strings.ToUpper(event.Currency))
	}
	expected := models.MajorToMinor(order.TotalPrice, order.Currency)
	if expected != event.AmountMinorUnits {
		return fmt.Sprintf("amount mismatch: order %s, payment %s",
			order.TotalPrice.StringFixed(models.CurrencyExponent(order.Currency)),
			event.Amount().StringFixed(models.CurrencyExponent(order.Currency)))
	}
	return ""
}
