package studio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/internal/pricing"
	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
)

var fixedNow = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type memoryStore struct {
	mutex           sync.Mutex
	jobs            map[string]Job
	outputs         map[string]Output
	outputOrder     []string
	createOutputErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: map[string]Job{}, outputs: map[string]Output{}}
}

func (store *memoryStore) CreateJob(_ context.Context, job Job) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.jobs[job.ID] = job
	return nil
}

func (store *memoryStore) UpdateJobStatus(_ context.Context, jobID string, from JobStatus, to JobStatus) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	job, exists := store.jobs[jobID]
	if !exists || job.Status != from {
		return ErrStatusConflict
	}
	job.Status = to
	store.jobs[jobID] = job
	return nil
}

func (store *memoryStore) GetJob(_ context.Context, jobID string) (Job, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	job, exists := store.jobs[jobID]
	if !exists {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (store *memoryStore) CreateOutput(_ context.Context, output Output) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.createOutputErr != nil {
		return store.createOutputErr
	}
	store.outputs[output.ID] = output
	store.outputOrder = append(store.outputOrder, output.ID)
	return nil
}

func (store *memoryStore) GetOutput(_ context.Context, outputID string) (Output, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	output, exists := store.outputs[outputID]
	if !exists {
		return Output{}, ErrNotFound
	}
	return output, nil
}

func (store *memoryStore) ListOutputs(_ context.Context, jobID string) ([]Output, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	outputs := []Output{}
	for _, outputID := range store.outputOrder {
		if output := store.outputs[outputID]; output.JobID == jobID {
			outputs = append(outputs, output)
		}
	}
	return outputs, nil
}

func (store *memoryStore) MarkOutputDisputed(_ context.Context, outputID string, reason string, at time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	output, exists := store.outputs[outputID]
	if !exists || output.Status != OutputStatusNormal {
		return ErrStatusConflict
	}
	output.Status = OutputStatusDisputed
	output.DisputeReason = reason
	output.DisputedAt = &at
	store.outputs[outputID] = output
	return nil
}

func (store *memoryStore) UpdateOutputStatus(_ context.Context, outputID string, from OutputStatus, to OutputStatus) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	output, exists := store.outputs[outputID]
	if !exists || output.Status != from {
		return ErrStatusConflict
	}
	output.Status = to
	store.outputs[outputID] = output
	return nil
}

func (store *memoryStore) jobCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.jobs)
}

type consumeCall struct {
	userID      string
	jobID       string
	amount      ledger.PositiveCredits
	description string
	metadata    string
}

// memoryLedger satisfies both Ledger and pricing.BalanceReader.
type memoryLedger struct {
	mutex      sync.Mutex
	credits    map[string]ledger.Credits
	consumeErr error
	calls      []consumeCall
}

func newMemoryLedger(userID string, credits ledger.Credits) *memoryLedger {
	return &memoryLedger{credits: map[string]ledger.Credits{userID: credits}}
}

func (credits *memoryLedger) CurrentCredits(_ context.Context, userID ledger.UserID) (ledger.Credits, error) {
	credits.mutex.Lock()
	defer credits.mutex.Unlock()
	return credits.credits[userID.String()], nil
}

func (credits *memoryLedger) Consume(_ context.Context, userID ledger.UserID, jobID string, amount ledger.PositiveCredits, description string, metadata ledger.MetadataJSON) (ledger.UserCredits, error) {
	credits.mutex.Lock()
	defer credits.mutex.Unlock()
	if credits.consumeErr != nil {
		return ledger.UserCredits{}, credits.consumeErr
	}
	credits.calls = append(credits.calls, consumeCall{userID: userID.String(), jobID: jobID, amount: amount, description: description, metadata: metadata.String()})
	credits.credits[userID.String()] -= amount.ToCredits()
	return ledger.UserCredits{UserID: userID.String(), Credits: credits.credits[userID.String()]}, nil
}

func (credits *memoryLedger) balance(userID string) ledger.Credits {
	credits.mutex.Lock()
	defer credits.mutex.Unlock()
	return credits.credits[userID]
}

func (credits *memoryLedger) consumeCalls() []consumeCall {
	credits.mutex.Lock()
	defer credits.mutex.Unlock()
	return append([]consumeCall(nil), credits.calls...)
}

type stubGenerator struct {
	mutex    sync.Mutex
	images   []GeneratedImage
	err      error
	requests []GenerationRequest
	// gate, when set, is called before returning so tests can hold generations open.
	gate func()
}

func (generator *stubGenerator) Generate(_ context.Context, request GenerationRequest) ([]GeneratedImage, error) {
	generator.mutex.Lock()
	generator.requests = append(generator.requests, request)
	gate := generator.gate
	generator.mutex.Unlock()
	if gate != nil {
		gate()
	}
	return generator.images, generator.err
}

func (generator *stubGenerator) callCount() int {
	generator.mutex.Lock()
	defer generator.mutex.Unlock()
	return len(generator.requests)
}

type stubEditor struct {
	image    GeneratedImage
	err      error
	requests []EditRequest
}

func (editor *stubEditor) Edit(_ context.Context, request EditRequest) (GeneratedImage, error) {
	editor.requests = append(editor.requests, request)
	return editor.image, editor.err
}

type stubObjects struct {
	mutex sync.Mutex
	err   error
	keys  []string
}

func (objects *stubObjects) Put(_ context.Context, key string, _ GeneratedImage) (string, error) {
	objects.mutex.Lock()
	defer objects.mutex.Unlock()
	if objects.err != nil {
		return "", objects.err
	}
	objects.keys = append(objects.keys, key)
	return "https://cdn.example.com/" + key, nil
}

type harness struct {
	store     *memoryStore
	ledger    *memoryLedger
	generator *stubGenerator
	editor    *stubEditor
	objects   *stubObjects
}

func newHarness(credits ledger.Credits) *harness {
	return &harness{
		store:  newMemoryStore(),
		ledger: newMemoryLedger(testUserID, credits),
		generator: &stubGenerator{images: []GeneratedImage{
			{URL: "https://provider.example.com/a.png"},
			{Data: []byte("png-bytes"), MIMEType: "image/png"},
		}},
		editor:  &stubEditor{image: GeneratedImage{URL: "https://provider.example.com/edited.png"}},
		objects: &stubObjects{},
	}
}

func (h *harness) orchestrator(test *testing.T, options ...Option) *Orchestrator {
	test.Helper()
	estimator, err := pricing.NewEstimator(h.ledger, pricing.DefaultCostPerUnit)
	if err != nil {
		test.Fatalf("estimator: %v", err)
	}
	var sequence int
	var sequenceMutex sync.Mutex
	defaults := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string {
			sequenceMutex.Lock()
			defer sequenceMutex.Unlock()
			sequence++
			return fmt.Sprintf("id-%03d", sequence)
		}),
	}
	orchestrator, err := NewOrchestrator(h.store, h.ledger, estimator, h.generator, h.editor, Config{}, append(defaults, options...)...)
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}
	return orchestrator
}

func (h *harness) withObjects() Option {
	return WithObjectStore(h.objects)
}

func validRequest(unitCount int) GenerateRequest {
	return GenerateRequest{
		UserID:    testUserID,
		Models:    []ImageRef{{ID: "model-1", URL: "https://img.example.com/model.png"}},
		Garments:  []ImageRef{{ID: "garment-1", URL: "https://img.example.com/shirt.png"}},
		UnitCount: unitCount,
		StyleJSON: `{"mood":"street"}`,
	}
}

var errBoom = errors.New("boom")

const testUserID = "user-1"
