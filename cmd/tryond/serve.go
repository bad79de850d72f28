package main

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/tryon/internal/admin"
	"github.com/MarkoPoloResearchLab/tryon/internal/blobstore"
	"github.com/MarkoPoloResearchLab/tryon/internal/dispute"
	"github.com/MarkoPoloResearchLab/tryon/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tryon/internal/imagegen"
	"github.com/MarkoPoloResearchLab/tryon/internal/pricing"
	"github.com/MarkoPoloResearchLab/tryon/internal/studio"
	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	"go.uber.org/zap"
)

func runServer(ctx context.Context, cfg *serveConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	opened, err := openStores(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer opened.cleanup()

	services, err := buildServices(ctx, cfg, opened, logger)
	if err != nil {
		return err
	}
	return httpapi.Run(ctx, cfg.HTTP, services, logger)
}

func buildServices(ctx context.Context, cfg *serveConfig, opened *stores, logger *zap.Logger) (httpapi.Services, error) {
	ledgerService, err := ledger.NewService(opened.ledger, unixClock, ledger.WithOperationLogger(httpapi.NewZapOperationLogger(logger)))
	if err != nil {
		return httpapi.Services{}, fmt.Errorf("ledger service init: %w", err)
	}
	estimator, err := pricing.NewEstimator(ledgerService, cfg.HTTP.CostPerUnit)
	if err != nil {
		return httpapi.Services{}, fmt.Errorf("estimator init: %w", err)
	}

	images, err := imagegen.New(ctx, imagegen.Config{APIKey: cfg.Gemini.APIKey, Model: cfg.Gemini.Model}, logger)
	if err != nil {
		return httpapi.Services{}, fmt.Errorf("image generator init: %w", err)
	}
	options := []studio.Option{studio.WithLogger(logger)}
	if cfg.Storage.enabled() {
		objects, err := blobstore.New(ctx, blobstore.Config{
			Endpoint:      cfg.Storage.Endpoint,
			AccessKey:     cfg.Storage.AccessKey,
			SecretKey:     cfg.Storage.SecretKey,
			Bucket:        cfg.Storage.Bucket,
			UseSSL:        cfg.Storage.UseSSL,
			PublicBaseURL: cfg.Storage.PublicURL,
		})
		if err != nil {
			return httpapi.Services{}, fmt.Errorf("object storage init: %w", err)
		}
		options = append(options, studio.WithObjectStore(objects))
	} else {
		logger.Warn("object storage not configured, outputs keep provider references")
	}
	orchestrator, err := studio.NewOrchestrator(opened.studio, ledgerService, estimator, images, images, studio.Config{
		CreditValueCents: cfg.HTTP.CreditValueCents,
		EditCost:         cfg.HTTP.EditCost,
	}, options...)
	if err != nil {
		return httpapi.Services{}, fmt.Errorf("orchestrator init: %w", err)
	}

	policy := admin.NewPolicy(cfg.HTTP.AdminUserIDs)
	if len(policy.Operators()) == 0 {
		logger.Warn("no admin user ids configured, admin routes will reject everyone")
	}
	disputes, err := dispute.NewService(opened.studio, ledgerService, policy, dispute.Config{
		WindowDays:  cfg.HTTP.DisputeWindowDays,
		CostPerUnit: cfg.HTTP.CostPerUnit,
		EditCost:    cfg.HTTP.EditCost,
	}, logger, nil)
	if err != nil {
		return httpapi.Services{}, fmt.Errorf("dispute service init: %w", err)
	}
	adminService, err := admin.NewService(policy, ledgerService, logger)
	if err != nil {
		return httpapi.Services{}, fmt.Errorf("admin service init: %w", err)
	}

	return httpapi.Services{
		Ledger:    ledgerService,
		Estimator: estimator,
		Studio:    orchestrator,
		Disputes:  disputes,
		Admin:     adminService,
	}, nil
}
