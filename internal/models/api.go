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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VerificationStatus is the public answer to "has this settlement been tampered with".
type VerificationStatus string

const (
	VerificationVerified    VerificationStatus = "verified"
	VerificationMismatch    VerificationStatus = "mismatch"
	VerificationNotFound    VerificationStatus = "not_found"
	VerificationUnavailable VerificationStatus = "unavailable"
)

// VerificationResult is returned by the public verification endpoint.
type VerificationResult struct {
	OrderId      int64              `json:"order_id"`
	Status       VerificationStatus `json:"status"`
	ExpectedHash string             `json:"expected_hash,omitempty"`
	RecordedHash string             `json:"recorded_hash,omitempty"`
	CheckedAt    time.Time          `json:"checked_at"`
}

// NotificationPage is one page of a user's inbox.
type NotificationPage struct {
	Items       []Notification `json:"items"`
	Page        int            `json:"page"`
	PageSize    int            `json:"page_size"`
	Total       int            `json:"total"`
	UnreadCount int            `json:"unread_count"`
}

// OrderView is the buyer-facing projection of an order.
type OrderView struct {
	OrderCode    int64           `json:"order_code"`
	Status       OrderStatus     `json:"status"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	TotalCredits int64           `json:"total_credits"`
	Currency     string          `json:"currency"`
	CreatedAt    time.Time       `json:"created_at"`
	PaidAt       *time.Time      `json:"paid_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Items        []OrderItem     `json:"items,omitempty"`
}

// NewOrderView projects order with the given effective status.
func NewOrderView(order *Order, status OrderStatus) OrderView {
	return OrderView{
		OrderCode:    order.OrderCode,
		Status:       status,
		TotalPrice:   order.TotalPrice,
		TotalCredits: order.TotalCredits,
		Currency:     order.Currency,
		CreatedAt:    order.CreatedAt,
		PaidAt:       order.PaidAt,
		CompletedAt:  order.CompletedAt,
		Items:        order.Items,
	}
}
