package httpapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/internal/dispute"
	"github.com/MarkoPoloResearchLab/tryon/internal/pricing"
	"github.com/MarkoPoloResearchLab/tryon/internal/studio"
)

const (
	defaultListenAddr     = ":9090"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultRequestTimeout = 2 * time.Minute
	transactionPageLimit  = 50
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	RequestTimeout    time.Duration

	CostPerUnit       int64
	EditCost          int64
	CreditValueCents  int64
	DisputeWindowDays int
	AdminUserIDs      []string
}

// Validate applies defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.CostPerUnit == 0 {
		cfg.CostPerUnit = pricing.DefaultCostPerUnit
	}
	if cfg.EditCost == 0 {
		cfg.EditCost = studio.DefaultEditCost
	}
	if cfg.CreditValueCents == 0 {
		cfg.CreditValueCents = studio.DefaultCreditValueCents
	}
	if cfg.DisputeWindowDays == 0 {
		cfg.DisputeWindowDays = dispute.DefaultWindowDays
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.CostPerUnit < 0 || cfg.EditCost < 0 || cfg.CreditValueCents < 0 {
		return fmt.Errorf("costs must be positive")
	}
	if cfg.DisputeWindowDays < 0 {
		return fmt.Errorf("dispute window must be positive")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseList splits a comma-delimited value into trimmed, non-empty entries.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
