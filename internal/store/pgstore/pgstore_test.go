package pgstore

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "unique violation", err: &pgconn.PgError{Code: pgUniqueViolationCode}, want: true},
		{name: "wrapped unique violation", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolationCode}), want: true},
		{name: "other pg error", err: &pgconn.PgError{Code: "23503"}, want: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := isUniqueViolation(testCase.err); got != testCase.want {
				test.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}

func TestNewTransactionValidatesColumns(test *testing.T) {
	test.Parallel()
	createdAt := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	transaction, err := newTransaction("tx-1", "user-1", "consumption", -2, "outfit generation", `{"job_id":"job-1"}`, createdAt)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if transaction.Type != ledger.TransactionConsumption || transaction.Amount != -2 || !transaction.CreatedAt.Equal(createdAt) {
		test.Fatalf("unexpected transaction: %+v", transaction)
	}
	if _, err := newTransaction("tx-2", "user-1", "hold", 1, "", "{}", createdAt); !errors.Is(err, ledger.ErrInvalidTransactionType) {
		test.Fatalf("expected invalid transaction type, got %v", err)
	}
	if _, err := newTransaction("tx-3", "user-1", "refund", 1, "", "[]", createdAt); !errors.Is(err, ledger.ErrInvalidMetadataJSON) {
		test.Fatalf("expected invalid metadata, got %v", err)
	}
}

func TestWrapStoreErrorUsesStoreOperation(test *testing.T) {
	test.Parallel()
	err := wrapStoreError(errorSubjectBalance, errorCodeUpdate, errors.New("boom"))
	var operationError ledger.OperationError
	if !errors.As(err, &operationError) {
		test.Fatalf("expected OperationError, got %T", err)
	}
	if operationError.Operation() != errorOperationStore || operationError.Code() != errorCodeUpdate {
		test.Fatalf("unexpected error segments: %v", err)
	}
}
