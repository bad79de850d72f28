package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/tryon/internal/admin"
	"github.com/MarkoPoloResearchLab/tryon/internal/studio"
	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger   *zap.Logger
	services Services
	cfg      Config
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// sessionUser resolves the caller's ledger identity or writes a 401.
func (handler *httpHandler) sessionUser(ctx *gin.Context) (ledger.UserID, bool) {
	rawUserID, ok := requireUserID(ctx)
	if !ok {
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) bindJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeValidation, "expected JSON body"))
		return false
	}
	return true
}

func (handler *httpHandler) handleEstimate(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request estimateRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	estimate, err := handler.services.Estimator.Estimate(requestCtx, userID, request.UnitCount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, estimateResponse{
		Cost:                 estimate.Cost.Int64(),
		CostPerUnit:          estimate.CostPerUnit.Int64(),
		UnitCount:            estimate.UnitCount,
		CurrentCredits:       estimate.CurrentCredits.Int64(),
		HasSufficientCredits: estimate.HasSufficient,
		CreditsNeeded:        estimate.CreditsNeeded.Int64(),
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.services.Ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newBalancePayload(balance))
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	query := ledger.TransactionQuery{Limit: transactionPageLimit}
	var err error
	if raw := strings.TrimSpace(ctx.Query("limit")); raw != "" {
		if query.Limit, err = strconv.Atoi(raw); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeValidation, "limit must be an integer"))
			return
		}
	}
	if raw := strings.TrimSpace(ctx.Query("offset")); raw != "" {
		if query.Offset, err = strconv.Atoi(raw); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeValidation, "offset must be an integer"))
			return
		}
	}
	// unknown types are dropped and the page is unfiltered
	if transactionType, parseErr := ledger.ParseTransactionType(strings.TrimSpace(ctx.Query("type"))); parseErr == nil {
		query.Type = transactionType
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	page, err := handler.services.Ledger.ListTransactions(requestCtx, userID, query)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transactions := make([]transactionPayload, 0, len(page.Transactions))
	for _, transaction := range page.Transactions {
		transactions = append(transactions, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, transactionsResponse{
		Transactions: transactions,
		Total:        page.Total,
		Limit:        page.Limit,
		Offset:       page.Offset,
	})
}

func (handler *httpHandler) handleGenerate(ctx *gin.Context) {
	userID, ok := requireUserID(ctx)
	if !ok {
		return
	}
	var request generateRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.services.Studio.Generate(requestCtx, studio.GenerateRequest{
		UserID:    userID,
		Models:    request.ModelRefs,
		Garments:  request.GarmentRefs,
		UnitCount: request.UnitCount,
		StyleJSON: rawJSONString(request.Style),
		Options:   request.Options,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, generateResponse{
		JobID:   result.JobID,
		Outputs: newOutputPayloads(result.Outputs),
	})
}

func (handler *httpHandler) handleJob(ctx *gin.Context) {
	userID, ok := requireUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	view, err := handler.services.Studio.Job(requestCtx, userID, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, jobResponse{
		Job:     newJobPayload(view.Job),
		Outputs: newOutputPayloads(view.Outputs),
	})
}

func (handler *httpHandler) handleEdit(ctx *gin.Context) {
	userID, ok := requireUserID(ctx)
	if !ok {
		return
	}
	var request editRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.services.Studio.Edit(requestCtx, studio.EditInput{
		UserID:       userID,
		ImageURL:     request.ImageURL,
		Instructions: request.EditInstructions,
		OutputID:     request.OutputID,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, editResponse{
		EditedImageURL: result.EditedImageURL,
		OutputID:       result.OutputID,
	})
}

func (handler *httpHandler) handleDispute(ctx *gin.Context) {
	userID, ok := requireUserID(ctx)
	if !ok {
		return
	}
	var request disputeRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	filing, err := handler.services.Disputes.FileDispute(requestCtx, userID, request.OutputID, request.Reason, request.Description)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, disputeResponse{
		OK:                         true,
		DisputeWindowRemainingDays: filing.RemainingDays,
	})
}

func (handler *httpHandler) handleAdminAdjust(ctx *gin.Context) {
	operatorID, ok := requireUserID(ctx)
	if !ok {
		return
	}
	// Non-operators are turned away before the body is read.
	if err := handler.services.Admin.Policy().Authorize(operatorID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request adjustRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.services.Admin.Adjust(requestCtx, admin.AdjustRequest{
		OperatorID:   operatorID,
		TargetUserID: request.TargetUserID,
		Amount:       request.Amount,
		Reason:       request.Reason,
		Metadata:     request.Metadata,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, adjustResponse{
		TargetUserID:   result.TargetUserID,
		NewBalance:     result.NewBalance.Int64(),
		TotalSpent:     result.TotalSpent.Int64(),
		TotalPurchased: result.TotalPurchased.Int64(),
	})
}

func (handler *httpHandler) handleAdminRefund(ctx *gin.Context) {
	operatorID, ok := requireUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	resolution, err := handler.services.Disputes.Refund(requestCtx, operatorID, ctx.Param("outputId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, refundResponse{
		OutputID:   resolution.OutputID,
		OwnerID:    resolution.OwnerID,
		Amount:     resolution.Amount.Int64(),
		NewBalance: resolution.NewBalance.Int64(),
	})
}

func rawJSONString(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" {
		return ""
	}
	return trimmed
}
