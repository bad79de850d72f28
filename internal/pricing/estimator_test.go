package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
)

type stubBalances struct {
	credits ledger.Credits
	err     error
	calls   int
}

func (balances *stubBalances) CurrentCredits(context.Context, ledger.UserID) (ledger.Credits, error) {
	balances.calls++
	return balances.credits, balances.err
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustEstimator(test *testing.T, balances BalanceReader, costPerUnit int64) *Estimator {
	test.Helper()
	estimator, err := NewEstimator(balances, costPerUnit)
	if err != nil {
		test.Fatalf("estimator: %v", err)
	}
	return estimator
}

func TestEstimate(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name          string
		credits       ledger.Credits
		costPerUnit   int64
		unitCount     int
		wantCost      ledger.Credits
		wantSufficent bool
		wantNeeded    ledger.Credits
	}{
		{name: "exact balance", credits: 2, costPerUnit: 1, unitCount: 2, wantCost: 2, wantSufficent: true},
		{name: "short by one", credits: 1, costPerUnit: 1, unitCount: 2, wantCost: 2, wantNeeded: 1},
		{name: "negative balance", credits: -3, costPerUnit: 1, unitCount: 1, wantCost: 1, wantNeeded: 4},
		{name: "custom price", credits: 10, costPerUnit: 3, unitCount: 4, wantCost: 12, wantNeeded: 2},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			estimator := mustEstimator(test, &stubBalances{credits: testCase.credits}, testCase.costPerUnit)
			estimate, err := estimator.Estimate(context.Background(), mustUserID(test, "user-1"), testCase.unitCount)
			if err != nil {
				test.Fatalf("estimate: %v", err)
			}
			if estimate.Cost != testCase.wantCost || estimate.HasSufficient != testCase.wantSufficent || estimate.CreditsNeeded != testCase.wantNeeded {
				test.Fatalf("unexpected estimate: %+v", estimate)
			}
			if estimate.UnitCount != testCase.unitCount || estimate.CurrentCredits != testCase.credits || estimate.CostPerUnit != ledger.Credits(testCase.costPerUnit) {
				test.Fatalf("unexpected estimate echo fields: %+v", estimate)
			}
		})
	}
}

func TestEstimateRejectsUnitCountOutOfRange(test *testing.T) {
	test.Parallel()
	balances := &stubBalances{credits: 100}
	estimator := mustEstimator(test, balances, DefaultCostPerUnit)
	for _, unitCount := range []int{-1, 0, 5} {
		if _, err := estimator.Estimate(context.Background(), mustUserID(test, "user-1"), unitCount); !errors.Is(err, ErrInvalidUnitCount) {
			test.Fatalf("unit count %d: expected ErrInvalidUnitCount, got %v", unitCount, err)
		}
	}
	if balances.calls != 0 {
		test.Fatalf("expected no balance reads for invalid input, got %d", balances.calls)
	}
}

func TestEstimateIsIdempotent(test *testing.T) {
	test.Parallel()
	estimator := mustEstimator(test, &stubBalances{credits: 3}, DefaultCostPerUnit)
	first, err := estimator.Estimate(context.Background(), mustUserID(test, "user-1"), 2)
	if err != nil {
		test.Fatalf("first estimate: %v", err)
	}
	second, err := estimator.Estimate(context.Background(), mustUserID(test, "user-1"), 2)
	if err != nil {
		test.Fatalf("second estimate: %v", err)
	}
	if first != second {
		test.Fatalf("expected identical estimates, got %+v and %+v", first, second)
	}
}

func TestShortfallCarriesAmounts(test *testing.T) {
	test.Parallel()
	estimator := mustEstimator(test, &stubBalances{credits: 1}, DefaultCostPerUnit)
	estimate, err := estimator.Estimate(context.Background(), mustUserID(test, "user-1"), 3)
	if err != nil {
		test.Fatalf("estimate: %v", err)
	}
	shortfall := estimate.Shortfall()
	if !errors.Is(shortfall, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", shortfall)
	}
	var insufficient InsufficientCreditsError
	if !errors.As(shortfall, &insufficient) {
		test.Fatalf("expected InsufficientCreditsError, got %T", shortfall)
	}
	if insufficient.Current != 1 || insufficient.Required != 3 || insufficient.Needed != 2 {
		test.Fatalf("unexpected shortfall: %+v", insufficient)
	}
}

func TestCheckPropagatesBalanceErrors(test *testing.T) {
	test.Parallel()
	balanceErr := errors.New("db down")
	estimator := mustEstimator(test, &stubBalances{err: balanceErr}, DefaultCostPerUnit)
	if _, err := estimator.Check(context.Background(), mustUserID(test, "user-1"), 1); !errors.Is(err, balanceErr) {
		test.Fatalf("expected balance error, got %v", err)
	}
	if _, err := estimator.Check(context.Background(), mustUserID(test, "user-1"), 0); !errors.Is(err, ErrInvalidCost) {
		test.Fatalf("expected ErrInvalidCost, got %v", err)
	}
}

func TestNewEstimatorValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewEstimator(nil, 1); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewEstimator(&stubBalances{}, 0); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
