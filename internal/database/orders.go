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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxOrderCodeAttempts = 5

type scanner interface {
	Scan(dest ...any) error
}

// generateOrderCode derives a numeric, provider-friendly code from the clock
// in milliseconds plus two random digits. It stays below 2^53 so JSON
// clients read it exactly.
func generateOrderCode(now time.Time) int64 {
	return now.UnixMilli()*100 + rand.Int63n(100)
}

// CreateOrder records a checkout: the order, its items, a pending payment and
// the "created" history line, all in one transaction.
func (s *Service) CreateOrder(ctx context.Context, params store.CreateOrderParams) (*models.Order, error) {
	if params.BuyerId == "" || params.SellerId == "" {
		return nil, fmt.Errorf("buyer and seller are required")
	}
	if params.BuyerId == params.SellerId {
		return nil, fmt.Errorf("buyer cannot purchase their own credits")
	}
	if len(params.Items) == 0 {
		return nil, fmt.Errorf("order must contain at least one item")
	}

	totalPrice := decimal.Zero
	var totalCredits int64
	for i, item := range params.Items {
		if item.CreditId == "" {
			return nil, fmt.Errorf("item %d missing credit id", i)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("item %d quantity must be positive, got %d", i, item.Quantity)
		}
		if item.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("item %d unit price cannot be negative", i)
		}
		totalPrice = totalPrice.Add(item.UnitPrice.Mul(decimal.NewFromInt(item.Quantity)))
		totalCredits += item.Quantity
	}

	currency := strings.ToUpper(params.Currency)
	if currency == "" {
		currency = "USD"
	}
	now := params.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	orderCode := params.OrderCode
	var orderId int64
	for attempt := 0; ; attempt++ {
		if params.OrderCode == 0 {
			orderCode = generateOrderCode(time.Now())
		}
		err = tx.QueryRowContext(ctx, s.q(queryInsertOrder),
			orderCode, params.BuyerId, params.SellerId, string(models.OrderStatusPending),
			totalPrice.String(), totalCredits, currency, now, now).Scan(&orderId)
		if err == nil {
			break
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to insert order: %w", err)
		}
		if params.OrderCode != 0 {
			return nil, fmt.Errorf("%w: order code %d already exists", store.ErrDuplicate, orderCode)
		}
		if attempt+1 >= maxOrderCodeAttempts {
			return nil, fmt.Errorf("failed to allocate a unique order code after %d attempts", maxOrderCodeAttempts)
		}
	}

	for _, item := range params.Items {
		_, err := tx.ExecContext(ctx, s.q(queryInsertOrderItem),
			orderId, item.CreditId, item.Description, item.Quantity, item.UnitPrice.String())
		if err != nil {
			return nil, fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, s.q(queryInsertPayment),
		uuid.New().String(), orderId, orderCode, params.ProviderReference, totalPrice.String(), currency,
		string(models.PaymentStatusPending), "", "", now, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to insert pending payment: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(queryInsertHistory), orderId, string(models.HistoryCreated), "order created at checkout", now)
	if err != nil {
		return nil, fmt.Errorf("failed to append history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Order created",
		zap.Int64("order_id", orderId),
		zap.Int64("order_code", orderCode),
		zap.String("buyer_id", params.BuyerId),
		zap.String("seller_id", params.SellerId),
		zap.String("total_price", totalPrice.String()),
		zap.Int64("total_credits", totalCredits))

	return s.GetOrder(ctx, orderId)
}

func (s *Service) GetOrder(ctx context.Context, orderId int64) (*models.Order, error) {
	return s.getOrder(ctx, s.q(queryGetOrderById), orderId)
}

func (s *Service) GetOrderByCode(ctx context.Context, orderCode int64) (*models.Order, error) {
	return s.getOrder(ctx, s.q(queryGetOrderByCode), orderCode)
}

func (s *Service) getOrder(ctx context.Context, query string, arg int64) (*models.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %d", store.ErrNotFound, arg)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	items, err := s.getOrderItems(ctx, order.Id)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (s *Service) getOrderItems(ctx context.Context, orderId int64) ([]models.OrderItem, error) {
	rows, err := s.db.QueryContext(ctx, s.q(queryGetOrderItems), orderId)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	defer closeRows(rows)

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		var unitPriceStr string
		if err := rows.Scan(&item.Id, &item.OrderId, &item.CreditId, &item.Description, &item.Quantity, &unitPriceStr); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		item.UnitPrice, err = decimal.NewFromString(unitPriceStr)
		if err != nil {
			return nil, fmt.Errorf("%w: unit price %q: %v", store.ErrMalformed, unitPriceStr, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Service) ListOrdersByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]models.Order, error) {
	return s.listOrders(ctx, s.q(queryListOrdersByStatus), string(status), limit)
}

func (s *Service) ListStalePendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]models.Order, error) {
	return s.listOrders(ctx, s.q(queryListStalePendingOrders), createdBefore.UTC(), limit)
}

func (s *Service) listOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer closeRows(rows)

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// ApplyTransition moves an order from params.From to params.To, settles the
// matching payment and appends history in a single transaction. It fails with
// store.ErrConcurrentModification when the order is no longer in params.From.
func (s *Service) ApplyTransition(ctx context.Context, params store.TransitionParams) (*models.Order, error) {
	appliedAt := params.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now()
	}
	appliedAt = appliedAt.UTC()

	var paidAt, completedAt any
	if params.To == models.OrderStatusPaid {
		paidAt = appliedAt
	}
	if params.To == models.OrderStatusCompleted {
		completedAt = appliedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, s.q(queryTransitionOrder),
		string(params.To), appliedAt, paidAt, completedAt, params.OrderId, string(params.From))
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var one int
		if err := tx.QueryRowContext(ctx, s.q(queryOrderExists), params.OrderId).Scan(&one); errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %d", store.ErrNotFound, params.OrderId)
		}
		return nil, fmt.Errorf("order %d is no longer %s - %w", params.OrderId, params.From, store.ErrConcurrentModification)
	}

	if params.Payment != nil {
		if err := s.applyPayment(ctx, tx, params.OrderId, *params.Payment, appliedAt); err != nil {
			return nil, err
		}
	}

	for _, line := range params.History {
		if _, err := tx.ExecContext(ctx, s.q(queryInsertHistory), params.OrderId, string(line.Event), line.Message, appliedAt); err != nil {
			return nil, fmt.Errorf("failed to append history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Order transitioned",
		zap.Int64("order_id", params.OrderId),
		zap.String("from", string(params.From)),
		zap.String("to", string(params.To)))

	return s.GetOrder(ctx, params.OrderId)
}

func (s *Service) applyPayment(ctx context.Context, tx *sql.Tx, orderId int64, p store.PaymentUpdate, appliedAt time.Time) error {
	var paidAt any
	if p.Status == models.PaymentStatusPaid {
		paidAt = appliedAt
	}

	result, err := tx.ExecContext(ctx, s.q(querySettlePendingPayment),
		p.ProviderReference, string(p.Status), p.Amount.String(), p.Currency, p.FailureReason, p.RawPayload, paidAt,
		orderId, p.ProviderReference)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: order %d already has a paid payment", store.ErrDuplicate, orderId)
		}
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n > 0 {
		return nil
	}

	var orderCode int64
	if err := tx.QueryRowContext(ctx, s.q(queryGetOrderCode), orderId).Scan(&orderCode); err != nil {
		return fmt.Errorf("failed to read order code: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.q(queryInsertPayment),
		uuid.New().String(), orderId, orderCode, p.ProviderReference, p.Amount.String(), p.Currency,
		string(p.Status), p.FailureReason, p.RawPayload, appliedAt, paidAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: order %d already has a paid payment", store.ErrDuplicate, orderId)
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *Service) AppendHistory(ctx context.Context, orderId int64, line store.HistoryLine) error {
	_, err := s.db.ExecContext(ctx, s.q(queryInsertHistory), orderId, string(line.Event), line.Message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// AppendHistoryOnce appends line unless the order already carries a line for
// the same effect completion event. It reports whether a row was written.
func (s *Service) AppendHistoryOnce(ctx context.Context, orderId int64, line store.HistoryLine) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(queryInsertHistoryOnce), orderId, string(line.Event), line.Message, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to append history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Service) HasHistoryEvent(ctx context.Context, orderId int64, event models.HistoryEvent) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.q(queryHasHistoryEvent), orderId, string(event)).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check history: %w", err)
	}
	return count > 0, nil
}

func (s *Service) GetOrderHistory(ctx context.Context, orderId int64) ([]models.OrderHistory, error) {
	rows, err := s.db.QueryContext(ctx, s.q(queryGetOrderHistory), orderId)
	if err != nil {
		return nil, fmt.Errorf("failed to get order history: %w", err)
	}
	defer closeRows(rows)

	var history []models.OrderHistory
	for rows.Next() {
		var h models.OrderHistory
		var event string
		if err := rows.Scan(&h.Id, &h.OrderId, &event, &h.Message, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		h.Event = models.HistoryEvent(event)
		history = append(history, h)
	}
	return history, rows.Err()
}

func (s *Service) GetPayments(ctx context.Context, orderId int64) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(queryGetPayments), orderId)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments: %w", err)
	}
	defer closeRows(rows)

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		var amountStr, status string
		var paidAt sql.NullTime
		err := rows.Scan(&p.Id, &p.OrderId, &p.OrderCode, &p.ProviderReference, &amountStr, &p.Currency,
			&status, &p.FailureReason, &p.RawPayload, &p.CreatedAt, &paidAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Amount, err = decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("%w: payment amount %q: %v", store.ErrMalformed, amountStr, err)
		}
		p.Status, err = models.ParsePaymentStatus(status)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrMalformed, err)
		}
		p.PaidAt = nullTimePtr(paidAt)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// SetAuditHash records the ledger hash for an order. Re-recording the same
// hash is a no-op; a different hash is refused.
func (s *Service) SetAuditHash(ctx context.Context, orderId int64, hash string) error {
	result, err := s.db.ExecContext(ctx, s.q(querySetAuditHash), hash, time.Now().UTC(), orderId, hash)
	if err != nil {
		return fmt.Errorf("failed to set audit hash: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		order, err := s.GetOrder(ctx, orderId)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: order %d already anchored to %s", store.ErrDuplicate, orderId, order.AuditHash)
	}
	return nil
}

func scanOrder(row scanner) (*models.Order, error) {
	var order models.Order
	var status, totalPriceStr string
	var paidAt, completedAt sql.NullTime
	err := row.Scan(&order.Id, &order.OrderCode, &order.BuyerId, &order.SellerId, &status, &totalPriceStr,
		&order.TotalCredits, &order.Currency, &order.AuditHash, &order.CreatedAt, &order.UpdatedAt,
		&paidAt, &completedAt)
	if err != nil {
		return nil, err
	}

	order.Status, err = models.ParseOrderStatus(status)
	if err != nil {
		return nil, fmt.Errorf("%w: order %d: %v", store.ErrMalformed, order.Id, err)
	}
	order.TotalPrice, err = decimal.NewFromString(totalPriceStr)
	if err != nil {
		return nil, fmt.Errorf("%w: order %d total price %q: %v", store.ErrMalformed, order.Id, totalPriceStr, err)
	}
	order.PaidAt = nullTimePtr(paidAt)
	order.CompletedAt = nullTimePtr(completedAt)
	return &order, nil
}
