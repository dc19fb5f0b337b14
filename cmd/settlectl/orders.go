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

package main

import (
	"fmt"
	"strconv"
	"strings"

	"forest-credit-settlement/internal/common"
	"forest-credit-settlement/internal/database"
	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/orchestrator"
	"forest-credit-settlement/internal/store"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func parseOrderCode(arg string) (int64, error) {
	code, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || code <= 0 {
		return 0, fmt.Errorf("invalid order code %q", arg)
	}
	return code, nil
}

func ensureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure [order-code]",
		Short: "Re-run missing side effects for a paid order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseOrderCode(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(s *common.Services) error {
				report, err := s.Processor.Ensure(models.WithSettlementSource(cmd.Context(), models.SourceOperator), code)
				if err != nil {
					return err
				}
				printReport(code, report)
				return report.Err()
			})
		},
	}
}

func printReport(code int64, report *orchestrator.Report) {
	common.PrintHeader(fmt.Sprintf("SETTLEMENT EFFECTS: order %d", code), common.DefaultWidth)
	for i, o := range report.Outcomes {
		isLast := i == len(report.Outcomes)-1
		fmt.Printf("%s %-12s: %s\n", common.BoxPrefix(isLast), o.Effect, o.Status)
		if o.Error != "" {
			fmt.Printf("%s   error: %s (retriable: %t)\n", common.BoxDetailPrefix(isLast), o.Error, o.Retriable)
		}
	}
	common.PrintFooter(fmt.Sprintf("Status: %s  Completed: %t", report.Status, report.Completed), common.DefaultWidth)
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [order-code]",
		Short: "Show an order with its payments and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseOrderCode(args[0])
			if err != nil {
				return err
			}
			return withDatabase(cmd.Context(), func(db *database.Service) error {
				ctx := cmd.Context()
				order, err := db.GetOrderByCode(ctx, code)
				if err != nil {
					return err
				}
				payments, err := db.GetPayments(ctx, order.Id)
				if err != nil {
					return err
				}
				history, err := db.GetOrderHistory(ctx, order.Id)
				if err != nil {
					return err
				}
				printOrder(order, payments, history)
				return nil
			})
		},
	}
}

func printOrder(order *models.Order, payments []models.Payment, history []models.OrderHistory) {
	common.PrintHeader(fmt.Sprintf("ORDER %d", order.OrderCode), common.WideWidth)
	fmt.Printf("Status:   %s\n", order.Status)
	fmt.Printf("Buyer:    %s\n", order.BuyerId)
	fmt.Printf("Seller:   %s\n", order.SellerId)
	fmt.Printf("Total:    %s %s (%d credits)\n", order.TotalPrice.StringFixed(2), order.Currency, order.TotalCredits)
	fmt.Printf("Paid:     %s\n", common.FormatTime(order.PaidAt))
	fmt.Printf("Complete: %s\n", common.FormatTime(order.CompletedAt))
	fmt.Printf("Audit:    %s\n", common.ShortId(order.AuditHash, 16))

	common.PrintBoxTitle(fmt.Sprintf("Payments (%d)", len(payments)))
	common.PrintBoxSeparator(common.WideWidth - 2)
	for i, p := range payments {
		isLast := i == len(payments)-1
		fmt.Printf("%s %-10s %s %s ref=%s\n", common.BoxPrefix(isLast), p.Status, p.Amount.StringFixed(2), p.Currency, common.ShortId(p.ProviderReference, 24))
		if p.FailureReason != "" {
			fmt.Printf("%s   reason: %s\n", common.BoxDetailPrefix(isLast), p.FailureReason)
		}
	}

	common.PrintBoxTitle(fmt.Sprintf("History (%d)", len(history)))
	common.PrintBoxSeparator(common.WideWidth - 2)
	for i, h := range history {
		fmt.Printf("%s %s  %-20s %s\n", common.BoxPrefix(i == len(history)-1), h.CreatedAt.UTC().Format(common.TimeLayout), h.Event, h.Message)
	}
	fmt.Println()
}

func expireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Persist EXPIRED for pending orders past the expiry window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withServices(cmd.Context(), func(s *common.Services) error {
				expired, err := s.Processor.ExpireStale(cmd.Context(), limit)
				fmt.Printf("Expired %d orders\n", expired)
				return err
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 100, "Maximum orders to expire")
	return cmd
}

func createOrderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-order",
		Short: "Create a pending order (checkout seeding for local testing)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			buyer, _ := cmd.Flags().GetString("buyer")
			seller, _ := cmd.Flags().GetString("seller")
			currency, _ := cmd.Flags().GetString("currency")
			reference, _ := cmd.Flags().GetString("reference")
			rawItems, _ := cmd.Flags().GetStringSlice("item")

			items, err := parseItems(rawItems)
			if err != nil {
				return err
			}
			return withDatabase(cmd.Context(), func(db *database.Service) error {
				order, err := db.CreateOrder(cmd.Context(), store.CreateOrderParams{
					BuyerId:           buyer,
					SellerId:          seller,
					Currency:          currency,
					ProviderReference: reference,
					Items:             items,
				})
				if err != nil {
					return err
				}
				fmt.Printf("Created order %d: %s %s for %d credits\n",
					order.OrderCode, order.TotalPrice.StringFixed(2), order.Currency, order.TotalCredits)
				return nil
			})
		},
	}
	cmd.Flags().String("buyer", "", "Buyer user id")
	cmd.Flags().String("seller", "", "Seller user id")
	cmd.Flags().String("currency", "USD", "Order currency")
	cmd.Flags().String("reference", "", "Provider payment reference, if already created")
	cmd.Flags().StringSlice("item", nil, "Item as credit_id:quantity:unit_price (repeatable)")
	_ = cmd.MarkFlagRequired("buyer")
	_ = cmd.MarkFlagRequired("seller")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

// parseItems reads credit_id:quantity:unit_price triples.
func parseItems(raw []string) ([]store.CreateOrderItem, error) {
	items := make([]store.CreateOrderItem, 0, len(raw))
	for _, r := range raw {
		parts := strings.Split(r, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid item %q: want credit_id:quantity:unit_price", r)
		}
		qty, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("invalid quantity in item %q", r)
		}
		price, err := decimal.NewFromString(parts[2])
		if err != nil || !price.IsPositive() {
			return nil, fmt.Errorf("invalid unit price in item %q", r)
		}
		items = append(items, store.CreateOrderItem{CreditId: parts[0], Quantity: qty, UnitPrice: price})
	}
	return items, nil
}
