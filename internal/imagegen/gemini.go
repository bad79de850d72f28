// Package imagegen adapts Gemini image models to the studio generator and
// editor interfaces.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/internal/imageref"
	"github.com/MarkoPoloResearchLab/tryon/internal/studio"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	DefaultModel        = "gemini-2.5-flash-image-preview"
	defaultFetchTimeout = 30 * time.Second
)

var (
	ErrInvalidConfig = errors.New("invalid image generator config")
	ErrNoImage       = errors.New("response contained no image")
)

// contentGenerator is the slice of *genai.Models the client needs.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config configures the Gemini client.
type Config struct {
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// Client implements studio.Generator and studio.Editor.
type Client struct {
	models     contentGenerator
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// New connects to the Gemini API.
func New(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidConfig)
	}
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return newClient(genaiClient.Models, config, logger), nil
}

func newClient(models contentGenerator, config Config, logger *zap.Logger) *Client {
	model := strings.TrimSpace(config.Model)
	if model == "" {
		model = DefaultModel
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = imageref.NewClient(defaultFetchTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{models: models, model: model, httpClient: httpClient, logger: logger}
}

// Generate produces one image per requested variant. Variants are requested
// sequentially; a failure after the first image ends the run with what was made.
func (client *Client) Generate(ctx context.Context, request studio.GenerationRequest) ([]studio.GeneratedImage, error) {
	parts := []*genai.Part{genai.NewPartFromText(outfitPrompt(request))}
	for _, imageURL := range append(append([]string{}, request.ModelURLs...), request.GarmentURLs...) {
		data, mimeType, err := imageref.Fetch(ctx, client.httpClient, imageURL)
		if err != nil {
			return nil, fmt.Errorf("load reference %s: %w", imageURL, err)
		}
		parts = append(parts, genai.NewPartFromBytes(data, mimeType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	images := make([]studio.GeneratedImage, 0, request.UnitCount)
	for variant := 0; variant < request.UnitCount; variant++ {
		image, err := client.generateOne(ctx, contents)
		if err != nil {
			if len(images) == 0 {
				return nil, err
			}
			client.logger.Warn("variant generation failed", zap.String("job_id", request.JobID), zap.Int("variant", variant), zap.Error(err))
			break
		}
		images = append(images, image)
	}
	return images, nil
}

// Edit applies instructions to one image.
func (client *Client) Edit(ctx context.Context, request studio.EditRequest) (studio.GeneratedImage, error) {
	data, mimeType, err := imageref.Fetch(ctx, client.httpClient, request.ImageURL)
	if err != nil {
		return studio.GeneratedImage{}, fmt.Errorf("load image: %w", err)
	}
	parts := []*genai.Part{
		genai.NewPartFromText("Edit this image: " + request.Instructions + ". Keep the person, pose and framing unchanged unless asked."),
		genai.NewPartFromBytes(data, mimeType),
	}
	return client.generateOne(ctx, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)})
}

func (client *Client) generateOne(ctx context.Context, contents []*genai.Content) (studio.GeneratedImage, error) {
	response, err := client.models.GenerateContent(ctx, client.model, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	})
	if err != nil {
		return studio.GeneratedImage{}, err
	}
	return firstInlineImage(response)
}

func firstInlineImage(response *genai.GenerateContentResponse) (studio.GeneratedImage, error) {
	if response == nil {
		return studio.GeneratedImage{}, ErrNoImage
	}
	for _, candidate := range response.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return studio.GeneratedImage{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}, nil
			}
		}
	}
	return studio.GeneratedImage{}, ErrNoImage
}

func outfitPrompt(request studio.GenerationRequest) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Dress the person from the first %d image(s) in the garment(s) from the following %d image(s). ", len(request.ModelURLs), len(request.GarmentURLs))
	builder.WriteString("Produce a single photorealistic full-body image that preserves the person's identity, body shape and pose.")
	if style := strings.TrimSpace(request.StyleJSON); style != "" && style != "{}" {
		builder.WriteString(" Style settings: ")
		builder.WriteString(style)
		builder.WriteString(".")
	}
	return builder.String()
}
