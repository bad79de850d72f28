package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credits is a signed credit amount.
type Credits int64

// PositiveCredits is a credit amount strictly greater than zero.
type PositiveCredits int64

// UserID identifies a credit owner.
type UserID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata as a JSON object.
type MetadataJSON struct {
	value string
}

// TransactionType enumerates credit transaction kinds.
type TransactionType string

const (
	TransactionPurchase        TransactionType = "purchase"
	TransactionConsumption     TransactionType = "consumption"
	TransactionRefund          TransactionType = "refund"
	TransactionAdminAdjustment TransactionType = "admin_adjustment"
)

// UserCredits is the per-user balance row.
type UserCredits struct {
	UserID         string
	Credits        Credits
	TotalSpent     Credits
	TotalPurchased Credits
	UpdatedAt      time.Time
}

// CreditTransaction is an immutable ledger line.
type CreditTransaction struct {
	ID          string
	UserID      string
	Type        TransactionType
	Amount      Credits
	Description string
	Metadata    MetadataJSON
	CreatedAt   time.Time
}

// BalanceDelta describes a single atomic change to a balance row.
type BalanceDelta struct {
	Credits   Credits
	Spent     Credits
	Purchased Credits
	AtUnixUTC int64
}

// TransactionQuery scopes a transaction listing.
type TransactionQuery struct {
	Limit  int
	Offset int
	Type   TransactionType
}

// TransactionPage is one page of a user's transaction history.
type TransactionPage struct {
	Transactions []CreditTransaction
	Total        int64
	Limit        int
	Offset       int
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateCredits(ctx context.Context, userID UserID, atUnixUTC int64) (UserCredits, error)
	FindCredits(ctx context.Context, userID UserID) (UserCredits, bool, error)
	ApplyDelta(ctx context.Context, userID UserID, delta BalanceDelta) (UserCredits, error)
	InsertTransaction(ctx context.Context, transaction CreditTransaction) error
	ListTransactions(ctx context.Context, userID UserID, query TransactionQuery) ([]CreditTransaction, int64, error)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	var object map[string]any
	if err := json.Unmarshal([]byte(normalized), &object); err != nil || object == nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a map into MetadataJSON.
func MetadataFromMap(values map[string]any) (MetadataJSON, error) {
	if len(values) == 0 {
		return MetadataJSON{value: "{}"}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(raw)}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// With returns a copy of the metadata with key set to value.
func (metadata MetadataJSON) With(key string, value any) (MetadataJSON, error) {
	values := map[string]any{}
	if err := json.Unmarshal([]byte(metadata.String()), &values); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	values[key] = value
	return MetadataFromMap(values)
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits(raw), nil
}

// NewAdjustmentCredits validates a signed adjustment; zero is rejected.
func NewAdjustmentCredits(raw int64) (Credits, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign.
func (amount Credits) Negated() Credits {
	return -amount
}

// Magnitude returns the absolute value.
func (amount Credits) Magnitude() Credits {
	if amount < 0 {
		return -amount
	}
	return amount
}

// Int64 returns the raw amount.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// ToCredits widens to a signed amount.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

// ParseTransactionType validates a transaction type string.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(strings.TrimSpace(raw))
	switch transactionType {
	case TransactionPurchase, TransactionConsumption, TransactionRefund, TransactionAdminAdjustment:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the raw type.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}
