// Package httpapi exposes the credit, outfit, dispute and admin flows over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/internal/admin"
	"github.com/MarkoPoloResearchLab/tryon/internal/dispute"
	"github.com/MarkoPoloResearchLab/tryon/internal/metrics"
	"github.com/MarkoPoloResearchLab/tryon/internal/pricing"
	"github.com/MarkoPoloResearchLab/tryon/internal/studio"
	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// Services are the domain collaborators behind the routes.
type Services struct {
	Ledger    *ledger.Service
	Estimator *pricing.Estimator
	Studio    *studio.Orchestrator
	Disputes  *dispute.Service
	Admin     *admin.Service
}

func (services Services) validate() error {
	if services.Ledger == nil || services.Estimator == nil || services.Studio == nil || services.Disputes == nil || services.Admin == nil {
		return errors.New("all services are required")
	}
	return nil
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, services Services, logger *zap.Logger) error {
	router, err := NewRouter(cfg, services, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tryond listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter validates the configuration and builds the gin engine.
func NewRouter(cfg Config, services Services, logger *zap.Logger) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := services.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:   logger,
		services: services,
		cfg:      cfg,
	}
	return setupRouter(cfg, handler, sessionValidator), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/credits/estimate", handler.handleEstimate)
	api.GET("/credits/balance", handler.handleBalance)
	api.GET("/credits/transactions", handler.handleTransactions)

	api.POST("/outfits/generate", handler.handleGenerate)
	api.GET("/outfits/jobs/:id", handler.handleJob)
	api.POST("/outfits/edit", handler.handleEdit)

	api.POST("/disputes", handler.handleDispute)

	api.POST("/admin/credits/adjust", handler.handleAdminAdjust)
	api.POST("/admin/disputes/:outputId/refund", handler.handleAdminRefund)

	return router
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// requireUserID writes a 401 and returns false when no session user is present.
func requireUserID(ctx *gin.Context) (string, bool) {
	claims := getClaims(ctx)
	if claims == nil || strings.TrimSpace(claims.GetUserID()) == "" {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return "", false
	}
	return claims.GetUserID(), true
}
