// Package dispute lets users contest generated outputs within a time window
// and gives operators the seam that turns an upheld dispute into a refund.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/internal/metrics"
	"github.com/MarkoPoloResearchLab/tryon/internal/studio"
	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	"go.uber.org/zap"
)

const (
	DefaultWindowDays = 7

	maxReasonLength       = 200
	maxDescriptionLength  = 2000
	hoursPerDay           = 24
	ledgerOperationRefund = "refund"

	resultFiled    = "filed"
	resultRejected = "rejected"
)

var (
	ErrAlreadyDisputed = errors.New("output already disputed")
	ErrAlreadyRefunded = errors.New("output already refunded")
	ErrWindowExpired   = errors.New("dispute window expired")
	ErrNotDisputed     = errors.New("output is not disputed")
	ErrInvalidConfig   = errors.New("invalid dispute config")
)

// WindowExpiredError reports how old the output is relative to the window.
type WindowExpiredError struct {
	DaysSinceCreation int
	WindowDays        int
}

func (expired WindowExpiredError) Error() string {
	return fmt.Sprintf("dispute window expired: output is %d days old, window is %d days", expired.DaysSinceCreation, expired.WindowDays)
}

// Is matches ErrWindowExpired.
func (expired WindowExpiredError) Is(target error) bool {
	return target == ErrWindowExpired
}

// RemainingDays is always zero once the window has passed.
func (expired WindowExpiredError) RemainingDays() int {
	return 0
}

// Refunder credits a user back.
type Refunder interface {
	Refund(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, description string, metadata ledger.MetadataJSON) (ledger.UserCredits, error)
}

// Authorizer decides whether a user may resolve disputes.
type Authorizer interface {
	Authorize(userID string) error
}

// Config holds the window and the refund prices.
type Config struct {
	WindowDays  int
	CostPerUnit int64
	EditCost    int64
}

// Filing is the result of a successful dispute.
type Filing struct {
	OutputID      string
	RemainingDays int
}

// Resolution is the result of refunding a disputed output.
type Resolution struct {
	OutputID   string
	OwnerID    string
	Amount     ledger.Credits
	NewBalance ledger.Credits
}

// Service files and resolves disputes.
type Service struct {
	store      studio.Store
	refunder   Refunder
	authorizer Authorizer
	config     Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewService wires the dispute service. now defaults to time.Now.
func NewService(store studio.Store, refunder Refunder, authorizer Authorizer, config Config, logger *zap.Logger, now func() time.Time) (*Service, error) {
	if store == nil || refunder == nil || authorizer == nil {
		return nil, fmt.Errorf("%w: store, refunder and authorizer are required", ErrInvalidConfig)
	}
	if config.WindowDays <= 0 {
		config.WindowDays = DefaultWindowDays
	}
	if config.CostPerUnit <= 0 {
		config.CostPerUnit = 1
	}
	if config.EditCost <= 0 {
		config.EditCost = studio.DefaultEditCost
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: store, refunder: refunder, authorizer: authorizer, config: config, logger: logger, now: now}, nil
}

// FileDispute flags an output owned by userID as disputed.
func (service *Service) FileDispute(ctx context.Context, userID string, outputID string, reason string, description string) (Filing, error) {
	filing, err := service.fileDispute(ctx, userID, outputID, reason, description)
	if err != nil {
		metrics.DisputesTotal.WithLabelValues(resultRejected).Inc()
		return Filing{}, err
	}
	metrics.DisputesTotal.WithLabelValues(resultFiled).Inc()
	return filing, nil
}

func (service *Service) fileDispute(ctx context.Context, userIDValue string, outputID string, reason string, description string) (Filing, error) {
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return Filing{}, studio.ErrUnauthorized
	}
	outputID = strings.TrimSpace(outputID)
	reason = strings.TrimSpace(reason)
	description = strings.TrimSpace(description)
	switch {
	case outputID == "":
		return Filing{}, fmt.Errorf("%w: output id is required", studio.ErrValidation)
	case reason == "":
		return Filing{}, fmt.Errorf("%w: reason is required", studio.ErrValidation)
	case len(reason) > maxReasonLength:
		return Filing{}, fmt.Errorf("%w: reason exceeds %d characters", studio.ErrValidation, maxReasonLength)
	case len(description) > maxDescriptionLength:
		return Filing{}, fmt.Errorf("%w: description exceeds %d characters", studio.ErrValidation, maxDescriptionLength)
	}

	output, err := service.store.GetOutput(ctx, outputID)
	if err != nil {
		return Filing{}, err
	}
	job, err := service.store.GetJob(ctx, output.JobID)
	if err != nil {
		return Filing{}, err
	}
	if job.UserID != userID.String() {
		return Filing{}, studio.ErrForbidden
	}
	if err := statusError(output.Status); err != nil {
		return Filing{}, err
	}

	now := service.now()
	days := daysSince(output.CreatedAt, now)
	if days > service.config.WindowDays {
		return Filing{}, WindowExpiredError{DaysSinceCreation: days, WindowDays: service.config.WindowDays}
	}

	disputeReason := reason
	if description != "" {
		disputeReason = reason + ": " + description
	}
	if err := service.store.MarkOutputDisputed(ctx, output.ID, disputeReason, now); err != nil {
		if errors.Is(err, studio.ErrStatusConflict) {
			return Filing{}, service.currentStatusError(ctx, output.ID, err)
		}
		return Filing{}, err
	}
	service.logger.Info("dispute filed",
		zap.String("user_id", userID.String()),
		zap.String("output_id", output.ID),
		zap.String("job_id", output.JobID),
		zap.Int("days_since_creation", days),
	)
	return Filing{OutputID: output.ID, RemainingDays: service.config.WindowDays - days}, nil
}

// Refund resolves a disputed output in the owner's favour. The status change
// is reverted if the ledger write fails.
func (service *Service) Refund(ctx context.Context, operatorID string, outputID string) (Resolution, error) {
	if err := service.authorizer.Authorize(operatorID); err != nil {
		return Resolution{}, err
	}
	output, err := service.store.GetOutput(ctx, strings.TrimSpace(outputID))
	if err != nil {
		return Resolution{}, err
	}
	if output.Status != studio.OutputStatusDisputed {
		return Resolution{}, ErrNotDisputed
	}
	job, err := service.store.GetJob(ctx, output.JobID)
	if err != nil {
		return Resolution{}, err
	}
	ownerID, err := ledger.NewUserID(job.UserID)
	if err != nil {
		return Resolution{}, err
	}
	amount, err := ledger.NewPositiveCredits(service.refundAmount(output))
	if err != nil {
		return Resolution{}, err
	}
	metadata, err := ledger.MetadataFromMap(map[string]any{
		"output_id":   output.ID,
		"job_id":      output.JobID,
		"operator_id": strings.TrimSpace(operatorID),
	})
	if err != nil {
		return Resolution{}, err
	}

	if err := service.store.UpdateOutputStatus(ctx, output.ID, studio.OutputStatusDisputed, studio.OutputStatusRefunded); err != nil {
		if errors.Is(err, studio.ErrStatusConflict) {
			return Resolution{}, service.currentStatusError(ctx, output.ID, ErrNotDisputed)
		}
		return Resolution{}, err
	}
	updated, err := service.refunder.Refund(ctx, ownerID, amount, "Dispute refund", metadata)
	if err != nil {
		metrics.LedgerFailuresTotal.WithLabelValues(ledgerOperationRefund).Inc()
		if revertErr := service.store.UpdateOutputStatus(ctx, output.ID, studio.OutputStatusRefunded, studio.OutputStatusDisputed); revertErr != nil {
			service.logger.Error("refund status revert failed",
				zap.String("output_id", output.ID),
				zap.Error(revertErr),
			)
		}
		return Resolution{}, err
	}
	metrics.RefundsTotal.Inc()
	service.logger.Info("dispute refunded",
		zap.String("operator_id", operatorID),
		zap.String("owner_id", ownerID.String()),
		zap.String("output_id", output.ID),
		zap.Int64("amount", amount.Int64()),
	)
	return Resolution{
		OutputID:   output.ID,
		OwnerID:    ownerID.String(),
		Amount:     amount.ToCredits(),
		NewBalance: updated.Credits,
	}, nil
}

// refundAmount prefers the price recorded on the output and falls back to
// the configured cost for outputs recorded without one.
func (service *Service) refundAmount(output studio.Output) int64 {
	if output.Meta.ChargedCredits > 0 {
		return output.Meta.ChargedCredits
	}
	if output.Meta.IsEdit {
		return service.config.EditCost
	}
	return service.config.CostPerUnit
}

// currentStatusError re-reads an output after a lost conditional update.
func (service *Service) currentStatusError(ctx context.Context, outputID string, fallback error) error {
	current, err := service.store.GetOutput(ctx, outputID)
	if err != nil {
		return fallback
	}
	if statusErr := statusError(current.Status); statusErr != nil {
		return statusErr
	}
	return fallback
}

func statusError(status studio.OutputStatus) error {
	switch status {
	case studio.OutputStatusDisputed:
		return ErrAlreadyDisputed
	case studio.OutputStatusRefunded:
		return ErrAlreadyRefunded
	default:
		return nil
	}
}

func daysSince(createdAt time.Time, now time.Time) int {
	elapsed := now.Sub(createdAt)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed / (hoursPerDay * time.Hour))
}
