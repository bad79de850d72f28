package admin

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	"go.uber.org/zap"
)

const metadataKeyOperatorID = "operator_id"

// Adjuster applies signed balance adjustments.
type Adjuster interface {
	Adjust(ctx context.Context, userID ledger.UserID, amount ledger.Credits, reason string, metadata ledger.MetadataJSON) (ledger.UserCredits, error)
}

// Service performs operator adjustments.
type Service struct {
	policy Policy
	ledger Adjuster
	logger *zap.Logger
}

// AdjustRequest is an operator's balance change for a target user.
type AdjustRequest struct {
	OperatorID   string
	TargetUserID string
	Amount       int64
	Reason       string
	Metadata     map[string]any
}

// AdjustResult reports the target's balance after the adjustment.
type AdjustResult struct {
	TargetUserID   string
	NewBalance     ledger.Credits
	TotalSpent     ledger.Credits
	TotalPurchased ledger.Credits
}

// NewService wires the admin service.
func NewService(policy Policy, adjuster Adjuster, logger *zap.Logger) (*Service, error) {
	if adjuster == nil {
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{policy: policy, ledger: adjuster, logger: logger}, nil
}

// Policy returns the allow-list guarding this service.
func (service *Service) Policy() Policy {
	return service.policy
}

// Adjust applies request.Amount to the target's balance. Non-operators get
// ErrForbidden and nothing is written.
func (service *Service) Adjust(ctx context.Context, request AdjustRequest) (AdjustResult, error) {
	if err := service.policy.Authorize(request.OperatorID); err != nil {
		service.logger.Warn("admin adjustment denied", zap.String("operator_id", request.OperatorID), zap.Error(err))
		return AdjustResult{}, err
	}
	targetUserID, err := ledger.NewUserID(request.TargetUserID)
	if err != nil {
		return AdjustResult{}, fmt.Errorf("%w: target user id is required", ErrValidation)
	}
	amount, err := ledger.NewAdjustmentCredits(request.Amount)
	if err != nil {
		return AdjustResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	reason := strings.TrimSpace(request.Reason)
	if reason == "" {
		return AdjustResult{}, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	fields := make(map[string]any, len(request.Metadata)+1)
	for key, value := range request.Metadata {
		fields[key] = value
	}
	fields[metadataKeyOperatorID] = strings.TrimSpace(request.OperatorID)
	metadata, err := ledger.MetadataFromMap(fields)
	if err != nil {
		return AdjustResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	updated, err := service.ledger.Adjust(ctx, targetUserID, amount, reason, metadata)
	if err != nil {
		return AdjustResult{}, err
	}
	service.logger.Info("admin adjustment applied",
		zap.String("operator_id", request.OperatorID),
		zap.String("target_user_id", targetUserID.String()),
		zap.Int64("amount", amount.Int64()),
		zap.Int64("new_balance", updated.Credits.Int64()),
	)
	return AdjustResult{
		TargetUserID:   targetUserID.String(),
		NewBalance:     updated.Credits,
		TotalSpent:     updated.TotalSpent,
		TotalPurchased: updated.TotalPurchased,
	}, nil
}
