package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

type stubStore struct {
	mutex             sync.Mutex
	credits           map[string]UserCredits
	transactions      []CreditTransaction
	getOrCreateError  error
	findError         error
	applyDeltaError   error
	insertError       error
	listError         error
	lastQuery         TransactionQuery
	withTxCalls       int
	rolledBackTxCount int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{credits: map[string]UserCredits{}}
}

func (store *stubStore) seed(userID string, credits Credits) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.credits[userID] = UserCredits{UserID: userID, Credits: credits, TotalPurchased: credits}
}

// WithTx serializes callers and restores state when fn fails.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.withTxCalls++
	creditsSnapshot := make(map[string]UserCredits, len(store.credits))
	for key, value := range store.credits {
		creditsSnapshot[key] = value
	}
	transactionCount := len(store.transactions)
	if err := fn(ctx, &lockedStubStore{store: store}); err != nil {
		store.credits = creditsSnapshot
		store.transactions = store.transactions[:transactionCount]
		store.rolledBackTxCount++
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateCredits(ctx context.Context, userID UserID, atUnixUTC int64) (UserCredits, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&lockedStubStore{store: store}).GetOrCreateCredits(ctx, userID, atUnixUTC)
}

func (store *stubStore) FindCredits(ctx context.Context, userID UserID) (UserCredits, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&lockedStubStore{store: store}).FindCredits(ctx, userID)
}

func (store *stubStore) ApplyDelta(ctx context.Context, userID UserID, delta BalanceDelta) (UserCredits, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&lockedStubStore{store: store}).ApplyDelta(ctx, userID, delta)
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction CreditTransaction) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&lockedStubStore{store: store}).InsertTransaction(ctx, transaction)
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, query TransactionQuery) ([]CreditTransaction, int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&lockedStubStore{store: store}).ListTransactions(ctx, userID, query)
}

func (store *stubStore) snapshot(userID string) UserCredits {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.credits[userID]
}

func (store *stubStore) transactionsFor(userID string) []CreditTransaction {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	matching := []CreditTransaction{}
	for _, transaction := range store.transactions {
		if transaction.UserID == userID {
			matching = append(matching, transaction)
		}
	}
	return matching
}

// lockedStubStore operates on stubStore state while the caller holds the mutex.
type lockedStubStore struct {
	store *stubStore
}

func (locked *lockedStubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, locked)
}

func (locked *lockedStubStore) GetOrCreateCredits(_ context.Context, userID UserID, atUnixUTC int64) (UserCredits, error) {
	if locked.store.getOrCreateError != nil {
		return UserCredits{}, locked.store.getOrCreateError
	}
	row, exists := locked.store.credits[userID.String()]
	if !exists {
		row = UserCredits{UserID: userID.String(), UpdatedAt: time.Unix(atUnixUTC, 0).UTC()}
		locked.store.credits[userID.String()] = row
	}
	return row, nil
}

func (locked *lockedStubStore) FindCredits(_ context.Context, userID UserID) (UserCredits, bool, error) {
	if locked.store.findError != nil {
		return UserCredits{}, false, locked.store.findError
	}
	row, exists := locked.store.credits[userID.String()]
	return row, exists, nil
}

func (locked *lockedStubStore) ApplyDelta(_ context.Context, userID UserID, delta BalanceDelta) (UserCredits, error) {
	if locked.store.applyDeltaError != nil {
		return UserCredits{}, locked.store.applyDeltaError
	}
	row := locked.store.credits[userID.String()]
	row.UserID = userID.String()
	row.Credits += delta.Credits
	row.TotalSpent += delta.Spent
	row.TotalPurchased += delta.Purchased
	row.UpdatedAt = time.Unix(delta.AtUnixUTC, 0).UTC()
	locked.store.credits[userID.String()] = row
	return row, nil
}

func (locked *lockedStubStore) InsertTransaction(_ context.Context, transaction CreditTransaction) error {
	if locked.store.insertError != nil {
		return locked.store.insertError
	}
	locked.store.transactions = append(locked.store.transactions, transaction)
	return nil
}

func (locked *lockedStubStore) ListTransactions(_ context.Context, userID UserID, query TransactionQuery) ([]CreditTransaction, int64, error) {
	locked.store.lastQuery = query
	if locked.store.listError != nil {
		return nil, 0, locked.store.listError
	}
	matching := []CreditTransaction{}
	for _, transaction := range locked.store.transactions {
		if transaction.UserID != userID.String() {
			continue
		}
		if query.Type != "" && transaction.Type != query.Type {
			continue
		}
		matching = append(matching, transaction)
	}
	sort.SliceStable(matching, func(left, right int) bool {
		return matching[left].CreatedAt.After(matching[right].CreatedAt)
	})
	total := int64(len(matching))
	if query.Offset >= len(matching) {
		return []CreditTransaction{}, total, nil
	}
	end := query.Offset + query.Limit
	if end > len(matching) {
		end = len(matching)
	}
	return matching[query.Offset:end], total, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
