package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"forest-credit-settlement/internal/audit"
	"forest-credit-settlement/internal/awsutil"
	"forest-credit-settlement/internal/certificate"
	"forest-credit-settlement/internal/config"
	"forest-credit-settlement/internal/database"
	"forest-credit-settlement/internal/formance"
	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/movement"
	"forest-credit-settlement/internal/notify"
	"forest-credit-settlement/internal/orchestrator"
	"forest-credit-settlement/internal/provider"
	"forest-credit-settlement/internal/settlement"
	"forest-credit-settlement/internal/store"
	"forest-credit-settlement/internal/webhook"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can be set via other means (shell export, docker, etc.)
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	DbService    *database.Service
	Processor    *settlement.Processor
	Orchestrator *orchestrator.Orchestrator
	AuditWriter  *audit.Writer
	Verifier     *webhook.Verifier
	Emitter      *notify.Emitter
	Provider     *provider.Service
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices builds the full settlement stack. AWS integrations are
// only loaded when at least one of them is configured.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	var awsCfg *sdkaws.Config
	if needsAWS(cfg.AWS) {
		loaded, err := awsutil.LoadAWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		awsCfg = &loaded
	}

	if cfg.AWS.UseSecrets {
		zap.L().Info("Loading secrets", zap.String("secret", cfg.AWS.SecretName))
		secrets, err := awsutil.NewSecretsClient(*awsCfg).GetSecretMap(ctx, cfg.AWS.SecretName)
		if err != nil {
			return nil, fmt.Errorf("failed to load secrets: %w", err)
		}
		config.ApplySecrets(cfg, secrets)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	services, err := buildServices(ctx, cfg, awsCfg, dbService)
	if err != nil {
		dbService.Close()
		return nil, err
	}
	return services, nil
}

func buildServices(ctx context.Context, cfg *models.Config, awsCfg *sdkaws.Config, dbService *database.Service) (*Services, error) {
	var ledger store.AuditLedger = dbService.AuditLedger()
	if cfg.Audit.Backend == "formance" {
		zap.L().Info("Using Formance audit ledger", zap.String("ledger", cfg.Formance.LedgerName))
		formanceService, err := formance.NewService(ctx, cfg.Formance)
		if err != nil {
			return nil, err
		}
		ledger = formanceService
	}

	var movements store.MovementStore = dbService
	if cfg.AWS.MovementTable != "" {
		dynamoStore, err := movement.NewDynamoStore(dynamodb.NewFromConfig(*awsCfg), cfg.AWS.MovementTable)
		if err != nil {
			return nil, err
		}
		zap.L().Info("Tracking credit movements in DynamoDB", zap.String("table", cfg.AWS.MovementTable))
		movements = dynamoStore
	}

	var archive awsutil.ObjectWriter
	if cfg.AWS.CertificateBucket != "" {
		archive = awsutil.NewS3Client(*awsCfg)
	}

	var publisher awsutil.SNSPublisher
	if cfg.AWS.NotificationTopicArn != "" {
		publisher = awsutil.NewSNSClient(*awsCfg)
	}

	templates := notify.DefaultTemplates()
	if cfg.Notifications.TemplatesFile != "" {
		loaded, err := notify.LoadTemplates(cfg.Notifications.TemplatesFile)
		if err != nil {
			return nil, err
		}
		templates = loaded
	}
	emitter := notify.NewEmitter(dbService, templates, publisher, cfg.AWS.NotificationTopicArn)

	providerService, err := provider.NewService(cfg.Provider)
	if err != nil {
		return nil, err
	}
	verifier, err := webhook.NewVerifier(cfg.Provider.WebhookSecret, cfg.Provider.SignatureTolerance)
	if err != nil {
		return nil, err
	}

	auditWriter := audit.NewWriter(ledger, dbService)
	orch := orchestrator.New(dbService, cfg.Settlement.EffectTimeout,
		auditWriter,
		movement.NewTracker(movements, dbService),
		certificate.NewIssuer(dbService, dbService, archive, cfg.AWS.CertificateBucket),
		notify.NewSettlementEffect(emitter),
	)

	processor := settlement.NewProcessor(dbService, dbService, orch, emitter, providerService, cfg.Settlement.OrderExpiryWindow)

	return &Services{
		DbService:    dbService,
		Processor:    processor,
		Orchestrator: orch,
		AuditWriter:  auditWriter,
		Verifier:     verifier,
		Emitter:      emitter,
		Provider:     providerService,
	}, nil
}

// InitializeDatabaseOnly initializes just the database service without the
// provider or AWS integrations. Useful for read-only operations like reports.
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

func (cs *Services) Close() {
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func needsAWS(cfg models.AWSConfig) bool {
	return cfg.UseSecrets || cfg.MovementTable != "" || cfg.CertificateBucket != "" || cfg.NotificationTopicArn != ""
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
