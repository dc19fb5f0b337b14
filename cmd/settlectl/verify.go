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

	"forest-credit-settlement/internal/common"
	"forest-credit-settlement/internal/models"

	"github.com/spf13/cobra"
)

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [order-id]",
		Short: "Recompute an order's audit hash and check it against the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderId, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || orderId <= 0 {
				return fmt.Errorf("invalid order id %q", args[0])
			}
			return withServices(cmd.Context(), func(s *common.Services) error {
				result := s.AuditWriter.Verify(cmd.Context(), orderId)
				fmt.Printf("Order:    %d\n", result.OrderId)
				fmt.Printf("Status:   %s\n", result.Status)
				fmt.Printf("Expected: %s\n", common.ShortId(result.ExpectedHash, 64))
				fmt.Printf("Recorded: %s\n", common.ShortId(result.RecordedHash, 64))
				if result.Status != models.VerificationVerified {
					return fmt.Errorf("verification %s", result.Status)
				}
				return nil
			})
		},
	}
}
