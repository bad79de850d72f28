package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/internal/studio"
	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
)

type estimateRequest struct {
	UnitCount int `json:"unitCount"`
}

type estimateResponse struct {
	Cost                 int64 `json:"cost"`
	CostPerUnit          int64 `json:"cost_per_unit"`
	UnitCount            int   `json:"unitCount"`
	CurrentCredits       int64 `json:"current_credits"`
	HasSufficientCredits bool  `json:"has_sufficient_credits"`
	CreditsNeeded        int64 `json:"credits_needed"`
}

type balancePayload struct {
	Credits        int64     `json:"credits"`
	TotalSpent     int64     `json:"total_spent"`
	TotalPurchased int64     `json:"total_purchased"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func newBalancePayload(balance ledger.UserCredits) balancePayload {
	return balancePayload{
		Credits:        balance.Credits.Int64(),
		TotalSpent:     balance.TotalSpent.Int64(),
		TotalPurchased: balance.TotalPurchased.Int64(),
		UpdatedAt:      balance.UpdatedAt,
	}
}

type transactionPayload struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Amount      int64           `json:"amount"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
}

func newTransactionPayload(transaction ledger.CreditTransaction) transactionPayload {
	return transactionPayload{
		ID:          transaction.ID,
		Type:        string(transaction.Type),
		Amount:      transaction.Amount.Int64(),
		Description: transaction.Description,
		Metadata:    json.RawMessage(transaction.Metadata.String()),
		CreatedAt:   transaction.CreatedAt,
	}
}

type transactionsResponse struct {
	Transactions []transactionPayload `json:"transactions"`
	Total        int64                `json:"total"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

type generateRequest struct {
	ModelRefs   []studio.ImageRef `json:"modelRefs"`
	GarmentRefs []studio.ImageRef `json:"garmentRefs"`
	UnitCount   int               `json:"unitCount"`
	Style       json.RawMessage   `json:"style"`
	Options     map[string]any    `json:"options"`
}

type generateResponse struct {
	Outputs []outputPayload `json:"outputs"`
	JobID   string          `json:"jobId"`
}

type jobPayload struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	ModelIDs    []string        `json:"model_ids"`
	ModelURLs   []string        `json:"model_urls"`
	GarmentIDs  []string        `json:"garment_ids"`
	GarmentURLs []string        `json:"garment_urls"`
	Style       json.RawMessage `json:"style,omitempty"`
	Status      string          `json:"status"`
	CostCents   int64           `json:"cost_cents"`
	CreatedAt   time.Time       `json:"created_at"`
}

func newJobPayload(job studio.Job) jobPayload {
	payload := jobPayload{
		ID:          job.ID,
		UserID:      job.UserID,
		ModelIDs:    job.ModelIDs,
		ModelURLs:   job.ModelURLs,
		GarmentIDs:  job.GarmentIDs,
		GarmentURLs: job.GarmentURLs,
		Status:      string(job.Status),
		CostCents:   job.CostCents,
		CreatedAt:   job.CreatedAt,
	}
	if job.StyleJSON != "" {
		payload.Style = json.RawMessage(job.StyleJSON)
	}
	return payload
}

type outputPayload struct {
	ID            string            `json:"id"`
	JobID         string            `json:"job_id"`
	ImageURL      string            `json:"image_url"`
	Meta          studio.OutputMeta `json:"meta"`
	Status        string            `json:"status"`
	DisputeReason string            `json:"dispute_reason,omitempty"`
	DisputedAt    *time.Time        `json:"disputed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

func newOutputPayloads(outputs []studio.Output) []outputPayload {
	payloads := make([]outputPayload, 0, len(outputs))
	for _, output := range outputs {
		payloads = append(payloads, outputPayload{
			ID:            output.ID,
			JobID:         output.JobID,
			ImageURL:      output.ImageURL,
			Meta:          output.Meta,
			Status:        string(output.Status),
			DisputeReason: output.DisputeReason,
			DisputedAt:    output.DisputedAt,
			CreatedAt:     output.CreatedAt,
		})
	}
	return payloads
}

type jobResponse struct {
	Job     jobPayload      `json:"job"`
	Outputs []outputPayload `json:"outputs"`
}

type editRequest struct {
	ImageURL         string `json:"imageUrl"`
	EditInstructions string `json:"editInstructions"`
	OutputID         string `json:"outputId"`
}

type editResponse struct {
	EditedImageURL string `json:"editedImageUrl"`
	OutputID       string `json:"outputId,omitempty"`
}

type disputeRequest struct {
	OutputID    string `json:"outputId"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

type disputeResponse struct {
	OK                         bool `json:"ok"`
	DisputeWindowRemainingDays int  `json:"dispute_window_remaining_days"`
}

type adjustRequest struct {
	TargetUserID string         `json:"targetUserId"`
	Amount       int64          `json:"amount"`
	Reason       string         `json:"reason"`
	Metadata     map[string]any `json:"metadata"`
}

type adjustResponse struct {
	TargetUserID   string `json:"target_user_id"`
	NewBalance     int64  `json:"new_balance"`
	TotalSpent     int64  `json:"total_spent"`
	TotalPurchased int64  `json:"total_purchased"`
}

type refundResponse struct {
	OutputID   string `json:"output_id"`
	OwnerID    string `json:"owner_id"`
	Amount     int64  `json:"amount"`
	NewBalance int64  `json:"new_balance"`
}
