// Package studio runs paid outfit generations and image edits: it prices the
// request, calls the image provider, persists outputs and charges credits only
// for delivered work.
package studio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/internal/metrics"
	"github.com/MarkoPoloResearchLab/tryon/internal/pricing"
	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultCreditValueCents = 100
	DefaultEditCost         = 1

	maxInstructionsLength = 2000
	ledgerOperationCharge = "consume"
	objectKeyPrefix       = "outputs"
	editKeyPrefix         = "edits"
	defaultImageMIMEType  = "image/png"
)

// Ledger charges credits for delivered work.
type Ledger interface {
	Consume(ctx context.Context, userID ledger.UserID, jobID string, amount ledger.PositiveCredits, description string, metadata ledger.MetadataJSON) (ledger.UserCredits, error)
}

// Pricer quotes and checks costs without writing.
type Pricer interface {
	Estimate(ctx context.Context, userID ledger.UserID, unitCount int) (pricing.Estimate, error)
	Check(ctx context.Context, userID ledger.UserID, cost ledger.Credits) (pricing.Estimate, error)
}

// Config holds the economic knobs of the orchestrator.
type Config struct {
	CreditValueCents int64
	EditCost         int64
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithObjectStore persists images durably. Without it every output keeps its
// ephemeral reference.
func WithObjectStore(objects ObjectStore) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.objects = objects
	}
}

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(orchestrator *Orchestrator) {
		if now != nil {
			orchestrator.now = now
		}
	}
}

// WithIDGenerator overrides uuid generation for jobs and outputs.
func WithIDGenerator(newID func() string) Option {
	return func(orchestrator *Orchestrator) {
		if newID != nil {
			orchestrator.newID = newID
		}
	}
}

// Orchestrator coordinates a paid generation end to end.
type Orchestrator struct {
	store     Store
	ledger    Ledger
	pricer    Pricer
	generator Generator
	editor    Editor
	objects   ObjectStore
	config    Config
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// GenerateRequest is a validated-on-entry generation request.
type GenerateRequest struct {
	UserID    string
	Models    []ImageRef
	Garments  []ImageRef
	UnitCount int
	StyleJSON string
	Options   map[string]any
}

// GenerateResult lists the outputs of a completed job.
type GenerateResult struct {
	JobID   string
	Outputs []Output
}

// EditInput describes an edit of an existing or ad-hoc image.
type EditInput struct {
	UserID       string
	ImageURL     string
	Instructions string
	OutputID     string
}

// EditResult is returned by Edit. OutputID and JobID are empty for ad-hoc edits.
type EditResult struct {
	EditedImageURL string
	OutputID       string
	JobID          string
}

// JobView is a job with its outputs.
type JobView struct {
	Job     Job
	Outputs []Output
}

// NewOrchestrator validates dependencies and applies defaults.
func NewOrchestrator(store Store, credits Ledger, pricer Pricer, generator Generator, editor Editor, config Config, options ...Option) (*Orchestrator, error) {
	switch {
	case store == nil:
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidConfig)
	case credits == nil:
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	case pricer == nil:
		return nil, fmt.Errorf("%w: pricer is nil", ErrInvalidConfig)
	case generator == nil:
		return nil, fmt.Errorf("%w: generator is nil", ErrInvalidConfig)
	case editor == nil:
		return nil, fmt.Errorf("%w: editor is nil", ErrInvalidConfig)
	}
	if config.CreditValueCents <= 0 {
		config.CreditValueCents = DefaultCreditValueCents
	}
	if config.EditCost <= 0 {
		config.EditCost = DefaultEditCost
	}
	orchestrator := &Orchestrator{
		store:     store,
		ledger:    credits,
		pricer:    pricer,
		generator: generator,
		editor:    editor,
		config:    config,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// EditCost returns the configured per-edit price.
func (orchestrator *Orchestrator) EditCost() ledger.Credits {
	return ledger.Credits(orchestrator.config.EditCost)
}

// Generate prices, runs and charges one outfit generation.
func (orchestrator *Orchestrator) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return GenerateResult{}, ErrUnauthorized
	}
	if err := validateGenerateRequest(request); err != nil {
		return GenerateResult{}, err
	}

	estimate, err := orchestrator.pricer.Estimate(ctx, userID, request.UnitCount)
	if err != nil {
		if errors.Is(err, pricing.ErrInvalidUnitCount) {
			return GenerateResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return GenerateResult{}, err
	}
	if shortfall := estimate.Shortfall(); shortfall != nil {
		metrics.GenerationsTotal.WithLabelValues(metrics.ResultInsufficientCredit).Inc()
		return GenerateResult{}, shortfall
	}

	job := Job{
		ID:          orchestrator.newID(),
		UserID:      userID.String(),
		ModelIDs:    refIDs(request.Models),
		ModelURLs:   refURLs(request.Models),
		GarmentIDs:  refIDs(request.Garments),
		GarmentURLs: refURLs(request.Garments),
		StyleJSON:   strings.TrimSpace(request.StyleJSON),
		Status:      JobStatusRunning,
		CostCents:   estimate.Cost.Int64() * orchestrator.config.CreditValueCents,
		CreatedAt:   orchestrator.now(),
	}
	if err := orchestrator.store.CreateJob(ctx, job); err != nil {
		return GenerateResult{}, err
	}

	images, err := orchestrator.generator.Generate(ctx, GenerationRequest{
		JobID:       job.ID,
		ModelURLs:   job.ModelURLs,
		GarmentURLs: job.GarmentURLs,
		UnitCount:   request.UnitCount,
		StyleJSON:   job.StyleJSON,
		Options:     request.Options,
	})
	if err == nil && len(images) == 0 {
		err = errors.New("provider returned no images")
	}
	if err != nil {
		orchestrator.failJob(ctx, job.ID)
		metrics.GenerationsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		return GenerateResult{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	outputs := make([]Output, 0, len(images))
	for index, image := range images {
		outputID := orchestrator.newID()
		imageURL, stored := orchestrator.persist(ctx, objectKey(objectKeyPrefix, job.ID, outputID), image)
		output := Output{
			ID:       outputID,
			JobID:    job.ID,
			ImageURL: imageURL,
			Meta: OutputMeta{
				VariantIndex:   index,
				OriginalURL:    image.URL,
				Stored:         stored,
				ChargedCredits: estimate.CostPerUnit.Int64(),
			},
			Status:    OutputStatusNormal,
			CreatedAt: orchestrator.now(),
		}
		if err := orchestrator.store.CreateOutput(ctx, output); err != nil {
			orchestrator.failJob(ctx, job.ID)
			metrics.GenerationsTotal.WithLabelValues(metrics.ResultFailed).Inc()
			return GenerateResult{}, err
		}
		outputs = append(outputs, output)
	}

	if err := orchestrator.store.UpdateJobStatus(ctx, job.ID, JobStatusRunning, JobStatusCompleted); err != nil {
		orchestrator.logger.Warn("job completion not recorded", zap.String("job_id", job.ID), zap.Error(err))
	}
	job.Status = JobStatusCompleted
	metrics.GenerationsTotal.WithLabelValues(metrics.ResultSucceeded).Inc()

	orchestrator.charge(ctx, userID, job.ID, estimate.Cost,
		fmt.Sprintf("Outfit generation (%d variants)", request.UnitCount),
		map[string]any{"unit_count": request.UnitCount, "output_count": len(outputs)},
	)
	return GenerateResult{JobID: job.ID, Outputs: outputs}, nil
}

// Edit modifies one image and charges the edit cost on success.
func (orchestrator *Orchestrator) Edit(ctx context.Context, input EditInput) (EditResult, error) {
	userID, err := ledger.NewUserID(input.UserID)
	if err != nil {
		return EditResult{}, ErrUnauthorized
	}
	imageURL := strings.TrimSpace(input.ImageURL)
	instructions := strings.TrimSpace(input.Instructions)
	if imageURL == "" {
		return EditResult{}, validationError("image url is required")
	}
	if instructions == "" {
		return EditResult{}, validationError("edit instructions are required")
	}
	if len(instructions) > maxInstructionsLength {
		return EditResult{}, validationError("edit instructions exceed %d characters", maxInstructionsLength)
	}

	var original *Output
	outputID := strings.TrimSpace(input.OutputID)
	if outputID != "" {
		output, err := orchestrator.ownedOutput(ctx, userID, outputID)
		if err != nil {
			return EditResult{}, err
		}
		if imageURL != output.ImageURL && (output.Meta.OriginalURL == "" || imageURL != output.Meta.OriginalURL) {
			return EditResult{}, validationError("image url does not belong to output %s", outputID)
		}
		// edits of a recorded output always start from its stored image
		imageURL = output.ImageURL
		original = &output
	}

	cost := orchestrator.EditCost()
	estimate, err := orchestrator.pricer.Check(ctx, userID, cost)
	if err != nil {
		return EditResult{}, err
	}
	if shortfall := estimate.Shortfall(); shortfall != nil {
		metrics.EditsTotal.WithLabelValues(metrics.ResultInsufficientCredit).Inc()
		return EditResult{}, shortfall
	}

	edited, err := orchestrator.editor.Edit(ctx, EditRequest{ImageURL: imageURL, Instructions: instructions})
	if err != nil {
		metrics.EditsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		return EditResult{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	result := EditResult{}
	newOutputID := orchestrator.newID()
	scope := "adhoc"
	if original != nil {
		scope = original.JobID
	}
	editedURL, stored := orchestrator.persist(ctx, objectKey(editKeyPrefix, scope, newOutputID), edited)
	result.EditedImageURL = editedURL

	if original != nil {
		output := Output{
			ID:       newOutputID,
			JobID:    original.JobID,
			ImageURL: editedURL,
			Meta: OutputMeta{
				VariantIndex:     original.Meta.VariantIndex,
				IsEdit:           true,
				OriginalOutputID: original.ID,
				EditInstructions: instructions,
				OriginalURL:      edited.URL,
				Stored:           stored,
				ChargedCredits:   cost.Int64(),
			},
			Status:    OutputStatusNormal,
			CreatedAt: orchestrator.now(),
		}
		if err := orchestrator.store.CreateOutput(ctx, output); err != nil {
			metrics.EditsTotal.WithLabelValues(metrics.ResultFailed).Inc()
			return EditResult{}, err
		}
		result.OutputID = output.ID
		result.JobID = output.JobID
	}
	metrics.EditsTotal.WithLabelValues(metrics.ResultSucceeded).Inc()

	metadata := map[string]any{"edit": true}
	if original != nil {
		metadata["original_output_id"] = original.ID
		metadata["output_id"] = result.OutputID
	}
	orchestrator.charge(ctx, userID, result.JobID, cost, "Image edit", metadata)
	return result, nil
}

// Job returns a job owned by the user together with its outputs.
func (orchestrator *Orchestrator) Job(ctx context.Context, userIDValue string, jobID string) (JobView, error) {
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return JobView{}, ErrUnauthorized
	}
	job, err := orchestrator.store.GetJob(ctx, strings.TrimSpace(jobID))
	if err != nil {
		return JobView{}, err
	}
	if job.UserID != userID.String() {
		return JobView{}, ErrForbidden
	}
	outputs, err := orchestrator.store.ListOutputs(ctx, job.ID)
	if err != nil {
		return JobView{}, err
	}
	return JobView{Job: job, Outputs: outputs}, nil
}

func (orchestrator *Orchestrator) ownedOutput(ctx context.Context, userID ledger.UserID, outputID string) (Output, error) {
	output, err := orchestrator.store.GetOutput(ctx, outputID)
	if err != nil {
		return Output{}, err
	}
	job, err := orchestrator.store.GetJob(ctx, output.JobID)
	if err != nil {
		return Output{}, err
	}
	if job.UserID != userID.String() {
		return Output{}, ErrForbidden
	}
	return output, nil
}

// persist stores the image durably, falling back to its ephemeral reference.
func (orchestrator *Orchestrator) persist(ctx context.Context, key string, image GeneratedImage) (string, bool) {
	if orchestrator.objects != nil {
		storedURL, err := orchestrator.objects.Put(ctx, key, image)
		if err == nil && storedURL != "" {
			return storedURL, true
		}
		orchestrator.logger.Warn("image storage failed, using ephemeral reference", zap.String("object_key", key), zap.Error(err))
	}
	metrics.StorageFallbacksTotal.Inc()
	return ephemeralURL(image), false
}

// charge consumes credits for delivered work. Failures are logged, never returned.
func (orchestrator *Orchestrator) charge(ctx context.Context, userID ledger.UserID, jobID string, cost ledger.Credits, description string, fields map[string]any) {
	balance, err := orchestrator.consume(ctx, userID, jobID, cost, description, fields)
	if err != nil {
		metrics.LedgerFailuresTotal.WithLabelValues(ledgerOperationCharge).Inc()
		orchestrator.logger.Error("credit consumption failed after delivery",
			zap.String("user_id", userID.String()),
			zap.String("job_id", jobID),
			zap.Int64("amount", cost.Int64()),
			zap.Error(err),
		)
		return
	}
	metrics.CreditsConsumedTotal.Add(float64(cost))
	if balance.Credits < 0 {
		orchestrator.logger.Warn("balance went negative after charge",
			zap.String("user_id", userID.String()),
			zap.String("job_id", jobID),
			zap.Int64("credits", balance.Credits.Int64()),
		)
	}
}

func (orchestrator *Orchestrator) consume(ctx context.Context, userID ledger.UserID, jobID string, cost ledger.Credits, description string, fields map[string]any) (ledger.UserCredits, error) {
	amount, err := ledger.NewPositiveCredits(cost.Int64())
	if err != nil {
		return ledger.UserCredits{}, err
	}
	metadata, err := ledger.MetadataFromMap(fields)
	if err != nil {
		return ledger.UserCredits{}, err
	}
	return orchestrator.ledger.Consume(ctx, userID, jobID, amount, description, metadata)
}

func (orchestrator *Orchestrator) failJob(ctx context.Context, jobID string) {
	if err := orchestrator.store.UpdateJobStatus(ctx, jobID, JobStatusRunning, JobStatusFailed); err != nil {
		orchestrator.logger.Warn("job failure not recorded", zap.String("job_id", jobID), zap.Error(err))
	}
}

func validateGenerateRequest(request GenerateRequest) error {
	if len(request.Models) == 0 {
		return validationError("at least one model reference is required")
	}
	if len(request.Garments) == 0 {
		return validationError("at least one garment reference is required")
	}
	for index, ref := range request.Models {
		if strings.TrimSpace(ref.URL) == "" {
			return validationError("model reference %d has no url", index)
		}
	}
	for index, ref := range request.Garments {
		if strings.TrimSpace(ref.URL) == "" {
			return validationError("garment reference %d has no url", index)
		}
	}
	if request.UnitCount < pricing.MinUnitCount || request.UnitCount > pricing.MaxUnitCount {
		return validationError("unit count must be between %d and %d", pricing.MinUnitCount, pricing.MaxUnitCount)
	}
	if !isJSONObject(request.StyleJSON) {
		return validationError("style must be a json object")
	}
	return nil
}

func refIDs(refs []ImageRef) []string {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, strings.TrimSpace(ref.ID))
	}
	return ids
}

func refURLs(refs []ImageRef) []string {
	urls := make([]string, 0, len(refs))
	for _, ref := range refs {
		urls = append(urls, strings.TrimSpace(ref.URL))
	}
	return urls
}

func objectKey(prefix string, scope string, outputID string) string {
	return prefix + "/" + scope + "/" + outputID
}

func ephemeralURL(image GeneratedImage) string {
	if image.URL != "" {
		return image.URL
	}
	mimeType := image.MIMEType
	if mimeType == "" {
		mimeType = defaultImageMIMEType
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image.Data)
}
