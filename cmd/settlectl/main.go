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
	"context"
	"fmt"
	"os"

	"forest-credit-settlement/internal/common"
	"forest-credit-settlement/internal/config"
	"forest-credit-settlement/internal/database"
	"forest-credit-settlement/internal/models"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operator tooling for credit settlement",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(ensureCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(createOrderCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*models.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	_, loggerCleanup := common.InitializeLogger()
	return cfg, loggerCleanup, nil
}

// withServices runs fn against the full settlement stack.
func withServices(ctx context.Context, fn func(*common.Services) error) error {
	cfg, cleanup, err := loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Error("Failed to initialize services", zap.Error(err))
		return err
	}
	defer services.Close()
	return fn(services)
}

// withDatabase runs fn against the database only, for reports and seeding.
func withDatabase(ctx context.Context, fn func(*database.Service) error) error {
	cfg, cleanup, err := loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Error("Failed to initialize database", zap.Error(err))
		return err
	}
	defer dbService.Close()
	return fn(dbService)
}
