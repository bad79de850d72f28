package imagegen

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/tryon/internal/imageref"
	"github.com/MarkoPoloResearchLab/tryon/internal/studio"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

type fakeModels struct {
	mutex     sync.Mutex
	responses []*genai.GenerateContentResponse
	errs      []error
	calls     [][]*genai.Content
	models    []string
}

func (models *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	models.mutex.Lock()
	defer models.mutex.Unlock()
	index := len(models.calls)
	models.calls = append(models.calls, contents)
	models.models = append(models.models, model)
	var err error
	if index < len(models.errs) {
		err = models.errs[index]
	}
	if err != nil {
		return nil, err
	}
	if index < len(models.responses) {
		return models.responses[index], nil
	}
	return models.responses[len(models.responses)-1], nil
}

func imageResponse(data string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{
			{Text: "here you go"},
			{InlineData: &genai.Blob{Data: []byte(data), MIMEType: "image/png"}},
		}},
	}}}
}

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing.png") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestGenerateRequestsOneImagePerVariant(t *testing.T) {
	server := newImageServer(t)
	models := &fakeModels{responses: []*genai.GenerateContentResponse{imageResponse("v1"), imageResponse("v2")}}
	client := newClient(models, Config{HTTPClient: server.Client()}, zap.NewNop())

	images, err := client.Generate(context.Background(), studio.GenerationRequest{
		JobID:       "job-1",
		ModelURLs:   []string{server.URL + "/model.jpg"},
		GarmentURLs: []string{server.URL + "/shirt.jpg", "data:image/png;base64,cG5n"},
		UnitCount:   2,
		StyleJSON:   `{"mood":"formal"}`,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(images) != 2 || string(images[0].Data) != "v1" || string(images[1].Data) != "v2" || images[0].MIMEType != "image/png" {
		t.Fatalf("unexpected images: %+v", images)
	}
	if len(models.calls) != 2 || models.models[0] != DefaultModel {
		t.Fatalf("expected two calls to the default model, got %d %v", len(models.calls), models.models)
	}
	parts := models.calls[0][0].Parts
	if len(parts) != 4 {
		t.Fatalf("expected prompt plus three images, got %d parts", len(parts))
	}
	if !strings.Contains(parts[0].Text, `{"mood":"formal"}`) {
		t.Fatalf("expected style in prompt, got %q", parts[0].Text)
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MIMEType != "image/jpeg" || string(parts[3].InlineData.Data) != "png" {
		t.Fatalf("unexpected reference parts: %+v %+v", parts[1].InlineData, parts[3].InlineData)
	}
}

func TestGenerateKeepsPartialResults(t *testing.T) {
	models := &fakeModels{
		responses: []*genai.GenerateContentResponse{imageResponse("v1")},
		errs:      []error{nil, errors.New("quota")},
	}
	client := newClient(models, Config{}, nil)

	images, err := client.Generate(context.Background(), studio.GenerationRequest{
		ModelURLs:   []string{"data:image/png;base64,bQ=="},
		GarmentURLs: []string{"data:image/png;base64,Zw=="},
		UnitCount:   3,
	})
	if err != nil {
		t.Fatalf("expected partial success, got %v", err)
	}
	if len(images) != 1 {
		t.Fatalf("expected one image, got %d", len(images))
	}
}

func TestGenerateFailures(t *testing.T) {
	server := newImageServer(t)
	testCases := []struct {
		name    string
		models  *fakeModels
		urls    []string
		wantErr error
	}{
		{name: "provider error", models: &fakeModels{errs: []error{errors.New("boom")}}, urls: []string{"data:image/png;base64,Zw=="}},
		{name: "no inline image", models: &fakeModels{responses: []*genai.GenerateContentResponse{{Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{{Text: "sorry"}}}}}}}}, urls: []string{"data:image/png;base64,Zw=="}, wantErr: ErrNoImage},
		{name: "unreachable reference", models: &fakeModels{responses: []*genai.GenerateContentResponse{imageResponse("v")}}, urls: []string{server.URL + "/missing.png"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			client := newClient(testCase.models, Config{HTTPClient: server.Client()}, nil)
			images, err := client.Generate(context.Background(), studio.GenerationRequest{ModelURLs: testCase.urls, GarmentURLs: testCase.urls, UnitCount: 1})
			if err == nil || len(images) != 0 {
				t.Fatalf("expected failure with no images, got %d images err=%v", len(images), err)
			}
			if testCase.wantErr != nil && !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestEditSendsInstructionsAndImage(t *testing.T) {
	models := &fakeModels{responses: []*genai.GenerateContentResponse{imageResponse("edited")}}
	client := newClient(models, Config{Model: "custom-model"}, nil)

	image, err := client.Edit(context.Background(), studio.EditRequest{ImageURL: "data:image/png;base64,aW1n", Instructions: "add a scarf"})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if string(image.Data) != "edited" || models.models[0] != "custom-model" {
		t.Fatalf("unexpected edit result %q via %v", image.Data, models.models)
	}
	parts := models.calls[0][0].Parts
	if !strings.Contains(parts[0].Text, "add a scarf") || string(parts[1].InlineData.Data) != "img" {
		t.Fatalf("unexpected edit parts: %+v", parts)
	}
}

func TestEditRefusesInternalReferenceByDefault(t *testing.T) {
	server := newImageServer(t)
	models := &fakeModels{responses: []*genai.GenerateContentResponse{imageResponse("edited")}}
	client := newClient(models, Config{}, nil)

	_, err := client.Edit(context.Background(), studio.EditRequest{ImageURL: server.URL + "/model.jpg", Instructions: "add a scarf"})
	if !errors.Is(err, imageref.ErrDisallowedAddress) {
		t.Fatalf("expected ErrDisallowedAddress, got %v", err)
	}
	if len(models.calls) != 0 {
		t.Fatalf("expected no provider call, got %d", len(models.calls))
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(context.Background(), Config{}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
