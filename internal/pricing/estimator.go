// Package pricing computes the credit cost of generation requests and checks
// it against the caller's balance.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
)

const (
	// MinUnitCount and MaxUnitCount bound the number of variants per request.
	MinUnitCount = 1
	MaxUnitCount = 4

	DefaultCostPerUnit = 1
)

var (
	ErrInvalidUnitCount    = errors.New("invalid unit count")
	ErrInvalidCost         = errors.New("invalid cost")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidConfig       = errors.New("invalid estimator config")
)

// InsufficientCreditsError reports how far a balance falls short of a cost.
type InsufficientCreditsError struct {
	Current  ledger.Credits
	Required ledger.Credits
	Needed   ledger.Credits
}

func (insufficient InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", insufficient.Current, insufficient.Required)
}

// Is matches ErrInsufficientCredits.
func (insufficient InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// BalanceReader reads spendable credits without side effects.
type BalanceReader interface {
	CurrentCredits(ctx context.Context, userID ledger.UserID) (ledger.Credits, error)
}

// Estimate is the priced view of a request.
type Estimate struct {
	UnitCount      int
	Cost           ledger.Credits
	CostPerUnit    ledger.Credits
	CurrentCredits ledger.Credits
	HasSufficient  bool
	CreditsNeeded  ledger.Credits
}

// Shortfall returns the typed error for an estimate that cannot be paid.
func (estimate Estimate) Shortfall() error {
	if estimate.HasSufficient {
		return nil
	}
	return InsufficientCreditsError{
		Current:  estimate.CurrentCredits,
		Required: estimate.Cost,
		Needed:   estimate.CreditsNeeded,
	}
}

// Estimator prices requests. It never writes.
type Estimator struct {
	balances    BalanceReader
	costPerUnit ledger.Credits
}

// NewEstimator validates its inputs.
func NewEstimator(balances BalanceReader, costPerUnit int64) (*Estimator, error) {
	if balances == nil {
		return nil, fmt.Errorf("%w: balance reader is nil", ErrInvalidConfig)
	}
	if costPerUnit <= 0 {
		return nil, fmt.Errorf("%w: cost per unit must be positive", ErrInvalidConfig)
	}
	return &Estimator{balances: balances, costPerUnit: ledger.Credits(costPerUnit)}, nil
}

// CostPerUnit returns the configured per-variant price.
func (estimator *Estimator) CostPerUnit() ledger.Credits {
	return estimator.costPerUnit
}

// Estimate prices unitCount variants for the user.
func (estimator *Estimator) Estimate(ctx context.Context, userID ledger.UserID, unitCount int) (Estimate, error) {
	if unitCount < MinUnitCount || unitCount > MaxUnitCount {
		return Estimate{}, fmt.Errorf("%w: must be between %d and %d", ErrInvalidUnitCount, MinUnitCount, MaxUnitCount)
	}
	estimate, err := estimator.Check(ctx, userID, ledger.Credits(unitCount)*estimator.costPerUnit)
	if err != nil {
		return Estimate{}, err
	}
	estimate.UnitCount = unitCount
	return estimate, nil
}

// Check compares a fixed cost against the user's balance.
func (estimator *Estimator) Check(ctx context.Context, userID ledger.UserID, cost ledger.Credits) (Estimate, error) {
	if cost <= 0 {
		return Estimate{}, fmt.Errorf("%w: must be positive", ErrInvalidCost)
	}
	current, err := estimator.balances.CurrentCredits(ctx, userID)
	if err != nil {
		return Estimate{}, err
	}
	needed := cost - current
	if needed < 0 {
		needed = 0
	}
	return Estimate{
		Cost:           cost,
		CostPerUnit:    estimator.costPerUnit,
		CurrentCredits: current,
		HasSufficient:  current >= cost,
		CreditsNeeded:  needed,
	}, nil
}
