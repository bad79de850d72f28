package studio

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of an outfit job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// OutputStatus tracks the dispute state of a generated image.
type OutputStatus string

const (
	OutputStatusNormal   OutputStatus = "normal"
	OutputStatusDisputed OutputStatus = "disputed"
	OutputStatusRefunded OutputStatus = "refunded"
)

// ImageRef points at a model or garment image supplied by the client.
type ImageRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Job is one paid generation request.
type Job struct {
	ID          string
	UserID      string
	ModelIDs    []string
	ModelURLs   []string
	GarmentIDs  []string
	GarmentURLs []string
	StyleJSON   string
	Status      JobStatus
	CostCents   int64
	CreatedAt   time.Time
}

// OutputMeta is stored as JSON alongside each output.
type OutputMeta struct {
	VariantIndex     int    `json:"variant_index"`
	IsEdit           bool   `json:"is_edit,omitempty"`
	OriginalOutputID string `json:"original_output_id,omitempty"`
	EditInstructions string `json:"edit_instructions,omitempty"`
	OriginalURL      string `json:"original_url,omitempty"`
	Stored           bool   `json:"stored"`
	ChargedCredits   int64  `json:"charged_credits,omitempty"`
}

// Output is one image produced for a job.
type Output struct {
	ID            string
	JobID         string
	ImageURL      string
	Meta          OutputMeta
	Status        OutputStatus
	DisputeReason string
	DisputedAt    *time.Time
	CreatedAt     time.Time
}

// Store persists jobs and outputs.
type Store interface {
	CreateJob(ctx context.Context, job Job) error
	// UpdateJobStatus fails with ErrStatusConflict when the job is not in from.
	UpdateJobStatus(ctx context.Context, jobID string, from JobStatus, to JobStatus) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	CreateOutput(ctx context.Context, output Output) error
	GetOutput(ctx context.Context, outputID string) (Output, error)
	ListOutputs(ctx context.Context, jobID string) ([]Output, error)
	// MarkOutputDisputed moves a normal output to disputed.
	MarkOutputDisputed(ctx context.Context, outputID string, reason string, at time.Time) error
	UpdateOutputStatus(ctx context.Context, outputID string, from OutputStatus, to OutputStatus) error
}

// GeneratedImage is an image returned by a provider. Exactly one of Data or URL
// is normally set.
type GeneratedImage struct {
	Data     []byte
	MIMEType string
	URL      string
}

// GenerationRequest is what the provider needs to composite looks.
type GenerationRequest struct {
	JobID       string
	ModelURLs   []string
	GarmentURLs []string
	UnitCount   int
	StyleJSON   string
	Options     map[string]any
}

// EditRequest asks the provider to modify one image.
type EditRequest struct {
	ImageURL     string
	Instructions string
}

// Generator produces outfit images.
type Generator interface {
	Generate(ctx context.Context, request GenerationRequest) ([]GeneratedImage, error)
}

// Editor modifies an existing image.
type Editor interface {
	Edit(ctx context.Context, request EditRequest) (GeneratedImage, error)
}

// ObjectStore persists an image and returns its durable URL.
type ObjectStore interface {
	Put(ctx context.Context, key string, image GeneratedImage) (string, error)
}

func isJSONObject(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return true
	}
	var object map[string]any
	return json.Unmarshal([]byte(trimmed), &object) == nil && object != nil
}
