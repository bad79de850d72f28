package gormstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/internal/studio"
	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/tryon.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	store := New(db)
	if err := store.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}
	return store
}

func newTestLedger(t *testing.T, store *Store) *ledger.Service {
	t.Helper()
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, clock)
	if err != nil {
		t.Fatalf("ledger service init failed: %v", err)
	}
	return service
}

func mustUserID(t *testing.T, raw string) ledger.UserID {
	t.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return userID
}

func mustMetadata(t *testing.T, raw string) ledger.MetadataJSON {
	t.Helper()
	metadata, err := ledger.NewMetadataJSON(raw)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	return metadata
}

func TestGetOrCreateCreditsIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	userID := mustUserID(t, "user-a")

	first, err := store.GetOrCreateCredits(ctx, userID, 100)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := store.GetOrCreateCredits(ctx, userID, 200)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.Credits != 0 || second.Credits != 0 {
		t.Fatalf("expected zero balance rows, got %+v and %+v", first, second)
	}
	if !second.UpdatedAt.Equal(time.Unix(100, 0).UTC()) {
		t.Fatalf("expected existing row to be kept, got updated_at %v", second.UpdatedAt)
	}
	_, found, err := store.FindCredits(ctx, mustUserID(t, "missing"))
	if err != nil || found {
		t.Fatalf("expected missing user to be absent, found=%v err=%v", found, err)
	}
}

func TestLedgerOperationsPersistBalanceAndHistory(t *testing.T) {
	store := openTestStore(t)
	service := newTestLedger(t, store)
	ctx := context.Background()
	userID := mustUserID(t, "user-b")

	if _, err := service.Purchase(ctx, userID, 5, "starter pack", mustMetadata(t, "")); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := service.Consume(ctx, userID, "job-1", 2, "outfit generation", mustMetadata(t, "")); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, err := service.Adjust(ctx, userID, -4, "chargeback", mustMetadata(t, `{"operator_id":"op"}`)); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	balance, err := service.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Credits != -1 || balance.TotalSpent != 6 || balance.TotalPurchased != 5 {
		t.Fatalf("unexpected balance: %+v", balance)
	}

	page, err := service.ListTransactions(ctx, userID, ledger.TransactionQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 || len(page.Transactions) != 3 {
		t.Fatalf("expected three transactions, got %+v", page)
	}
	var sum ledger.Credits
	for _, transaction := range page.Transactions {
		sum += transaction.Amount
	}
	if sum != balance.Credits {
		t.Fatalf("expected history to sum to %d, got %d", balance.Credits, sum)
	}

	consumptions, err := service.ListTransactions(ctx, userID, ledger.TransactionQuery{Type: ledger.TransactionConsumption, Limit: 10})
	if err != nil {
		t.Fatalf("list consumption: %v", err)
	}
	if consumptions.Total != 1 || consumptions.Transactions[0].Amount != -2 {
		t.Fatalf("unexpected consumption page: %+v", consumptions)
	}
}

func TestConcurrentConsumeIsAtomic(t *testing.T) {
	store := openTestStore(t)
	service := newTestLedger(t, store)
	ctx := context.Background()
	userID := mustUserID(t, "user-c")
	if _, err := service.Purchase(ctx, userID, 3, "", mustMetadata(t, "")); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	const workers = 8
	var waitGroup sync.WaitGroup
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, err := service.Consume(ctx, userID, "job", 1, "", ledger.MetadataJSON{}); err != nil {
				t.Errorf("consume: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	balance, err := service.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Credits != 3-workers || balance.TotalSpent != workers {
		t.Fatalf("expected credits=%d spent=%d, got %+v", 3-workers, workers, balance)
	}
}

func TestApplyDeltaRequiresExistingRow(t *testing.T) {
	store := openTestStore(t)
	_, err := store.ApplyDelta(context.Background(), mustUserID(t, "ghost"), ledger.BalanceDelta{Credits: 1})
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected record not found, got %v", err)
	}
	var operationError ledger.OperationError
	if !errors.As(err, &operationError) || operationError.Subject() != errorSubjectBalance {
		t.Fatalf("expected wrapped balance error, got %v", err)
	}
}

func TestJobAndOutputLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createdAt := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	job := studio.Job{
		ID:          "9f1c1c3a-0000-4000-8000-000000000001",
		UserID:      "user-d",
		ModelIDs:    []string{"m1"},
		ModelURLs:   []string{"https://img/m1.png"},
		GarmentIDs:  []string{"g1", "g2"},
		GarmentURLs: []string{"https://img/g1.png", "https://img/g2.png"},
		StyleJSON:   `{"mood":"casual"}`,
		Status:      studio.JobStatusRunning,
		CostCents:   200,
		CreatedAt:   createdAt,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	for index := 0; index < 2; index++ {
		output := studio.Output{
			ID:        []string{"9f1c1c3a-0000-4000-8000-0000000000a1", "9f1c1c3a-0000-4000-8000-0000000000a2"}[index],
			JobID:     job.ID,
			ImageURL:  "https://cdn/out.png",
			Meta:      studio.OutputMeta{VariantIndex: index, Stored: true},
			Status:    studio.OutputStatusNormal,
			CreatedAt: createdAt.Add(time.Duration(index) * time.Second),
		}
		if err := store.CreateOutput(ctx, output); err != nil {
			t.Fatalf("create output: %v", err)
		}
	}
	if err := store.UpdateJobStatus(ctx, job.ID, studio.JobStatusRunning, studio.JobStatusCompleted); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	if err := store.UpdateJobStatus(ctx, job.ID, studio.JobStatusRunning, studio.JobStatusFailed); !errors.Is(err, studio.ErrStatusConflict) {
		t.Fatalf("expected status conflict, got %v", err)
	}

	stored, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != studio.JobStatusCompleted || len(stored.GarmentURLs) != 2 || stored.ModelIDs[0] != "m1" || stored.CostCents != 200 {
		t.Fatalf("unexpected job: %+v", stored)
	}
	outputs, err := store.ListOutputs(ctx, job.ID)
	if err != nil {
		t.Fatalf("list outputs: %v", err)
	}
	if len(outputs) != 2 || outputs[1].Meta.VariantIndex != 1 || !outputs[0].Meta.Stored {
		t.Fatalf("unexpected outputs: %+v", outputs)
	}

	disputedAt := createdAt.Add(time.Hour)
	if err := store.MarkOutputDisputed(ctx, outputs[0].ID, "wrong garment", disputedAt); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := store.MarkOutputDisputed(ctx, outputs[0].ID, "again", disputedAt); !errors.Is(err, studio.ErrStatusConflict) {
		t.Fatalf("expected second dispute to conflict, got %v", err)
	}
	disputed, err := store.GetOutput(ctx, outputs[0].ID)
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if disputed.Status != studio.OutputStatusDisputed || disputed.DisputeReason != "wrong garment" || disputed.DisputedAt == nil || !disputed.DisputedAt.Equal(disputedAt) {
		t.Fatalf("unexpected disputed output: %+v", disputed)
	}
	if err := store.UpdateOutputStatus(ctx, outputs[0].ID, studio.OutputStatusDisputed, studio.OutputStatusRefunded); err != nil {
		t.Fatalf("refund status: %v", err)
	}
}

func TestMissingRecordsMapToNotFound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, studio.ErrNotFound) {
		t.Fatalf("expected job not found, got %v", err)
	}
	if _, err := store.GetOutput(ctx, "missing"); !errors.Is(err, studio.ErrNotFound) {
		t.Fatalf("expected output not found, got %v", err)
	}
}

func TestDuplicateTransactionIDIsReported(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	transaction := ledger.CreditTransaction{
		ID:        "9f1c1c3a-0000-4000-8000-0000000000ff",
		UserID:    "user-e",
		Type:      ledger.TransactionPurchase,
		Amount:    1,
		CreatedAt: time.Unix(10, 0).UTC(),
	}
	if err := store.InsertTransaction(ctx, transaction); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := store.InsertTransaction(ctx, transaction)
	var operationError ledger.OperationError
	if !errors.As(err, &operationError) || operationError.Code() != errorCodeDuplicate {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}
