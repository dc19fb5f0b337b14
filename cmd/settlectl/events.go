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
	"strings"

	"forest-credit-settlement/internal/common"
	"forest-credit-settlement/internal/database"
	"forest-credit-settlement/internal/models"

	"github.com/spf13/cobra"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List stored provider callbacks by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			eventStatus := models.WebhookEventStatus(strings.ToUpper(status))
			switch eventStatus {
			case models.WebhookEventReceived, models.WebhookEventRetrying, models.WebhookEventProcessed, models.WebhookEventFailed:
			default:
				return fmt.Errorf("unknown event status %q", status)
			}

			return withDatabase(cmd.Context(), func(db *database.Service) error {
				events, err := db.ListWebhookEvents(cmd.Context(), eventStatus, limit)
				if err != nil {
					return err
				}
				printEvents(eventStatus, events)
				return nil
			})
		},
	}
	cmd.Flags().StringP("status", "s", string(models.WebhookEventFailed), "RECEIVED, RETRYING, PROCESSED or FAILED")
	cmd.Flags().IntP("limit", "n", 50, "Maximum events")
	return cmd
}

func printEvents(status models.WebhookEventStatus, events []models.WebhookEvent) {
	common.PrintHeader(fmt.Sprintf("WEBHOOK EVENTS: %s (%d)", status, len(events)), common.WideWidth)
	for i, e := range events {
		isLast := i == len(events)-1
		fmt.Printf("%s %s  order=%d  %-32s source=%s attempts=%d\n",
			common.BoxPrefix(isLast),
			common.ShortId(e.Signature, 12),
			e.OrderCode,
			e.EventType,
			e.Source,
			e.Attempts)
		if e.LastError != "" {
			fmt.Printf("%s   last error: %s (retriable: %t)\n", common.BoxDetailPrefix(isLast), e.LastError, e.Retriable)
		}
	}
	fmt.Println()
}
