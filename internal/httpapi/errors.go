package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/tryon/internal/admin"
	"github.com/MarkoPoloResearchLab/tryon/internal/dispute"
	"github.com/MarkoPoloResearchLab/tryon/internal/pricing"
	"github.com/MarkoPoloResearchLab/tryon/internal/studio"
	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorCodeValidation          = "validation_error"
	errorCodeUnauthorized        = "unauthorized"
	errorCodeForbidden           = "forbidden"
	errorCodeNotFound            = "not_found"
	errorCodeInsufficientCredits = "insufficient_credits"
	errorCodeAlreadyDisputed     = "already_disputed"
	errorCodeAlreadyRefunded     = "already_refunded"
	errorCodeWindowExpired       = "dispute_window_expired"
	errorCodeNotDisputed         = "not_disputed"
	errorCodeGenerationFailed    = "generation_failed"
	errorCodeInternal            = "internal_error"
)

var validationErrors = []error{
	studio.ErrValidation,
	admin.ErrValidation,
	pricing.ErrInvalidUnitCount,
	pricing.ErrInvalidCost,
	ledger.ErrInvalidAmount,
	ledger.ErrInvalidTransactionType,
	ledger.ErrInvalidMetadataJSON,
	ledger.ErrInvalidDescription,
}

// respondError maps domain errors onto HTTP statuses and the error envelope.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, body := errorStatus(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	ctx.JSON(status, body)
}

func errorStatus(err error) (int, gin.H) {
	var insufficient pricing.InsufficientCreditsError
	var expired dispute.WindowExpiredError
	switch {
	case errors.As(err, &insufficient):
		return http.StatusPaymentRequired, errorResponseWithDetails(errorCodeInsufficientCredits, err.Error(), gin.H{
			"current":  insufficient.Current.Int64(),
			"required": insufficient.Required.Int64(),
			"needed":   insufficient.Needed.Int64(),
		})
	case errors.As(err, &expired):
		return http.StatusConflict, errorResponseWithDetails(errorCodeWindowExpired, err.Error(), gin.H{
			"days_since_creation":           expired.DaysSinceCreation,
			"dispute_window_remaining_days": expired.RemainingDays(),
		})
	case errors.Is(err, dispute.ErrAlreadyDisputed):
		return http.StatusConflict, errorResponse(errorCodeAlreadyDisputed, err.Error())
	case errors.Is(err, dispute.ErrAlreadyRefunded):
		return http.StatusConflict, errorResponse(errorCodeAlreadyRefunded, err.Error())
	case errors.Is(err, dispute.ErrNotDisputed):
		return http.StatusConflict, errorResponse(errorCodeNotDisputed, err.Error())
	case isValidationError(err):
		return http.StatusBadRequest, errorResponse(errorCodeValidation, err.Error())
	case errors.Is(err, studio.ErrUnauthorized), errors.Is(err, admin.ErrUnauthorized):
		return http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session")
	case errors.Is(err, studio.ErrForbidden), errors.Is(err, admin.ErrForbidden):
		return http.StatusForbidden, errorResponse(errorCodeForbidden, "forbidden")
	case errors.Is(err, studio.ErrNotFound):
		return http.StatusNotFound, errorResponse(errorCodeNotFound, "not found")
	case errors.Is(err, studio.ErrGenerationFailed):
		return http.StatusBadGateway, errorResponse(errorCodeGenerationFailed, "image generation failed")
	default:
		return http.StatusInternalServerError, errorResponse(errorCodeInternal, "internal error")
	}
}

func isValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func errorResponseWithDetails(code string, message string, details gin.H) gin.H {
	body := gin.H{
		"code":    code,
		"message": message,
	}
	for key, value := range details {
		body[key] = value
	}
	return gin.H{"error": body}
}
