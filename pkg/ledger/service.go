package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the user's balance row, creating a zero row on first access.
func (service *Service) Balance(ctx context.Context, userID UserID) (UserCredits, error) {
	return service.store.GetOrCreateCredits(ctx, userID, service.nowFn())
}

// CurrentCredits reads the spendable credits without creating a row.
func (service *Service) CurrentCredits(ctx context.Context, userID UserID) (Credits, error) {
	credits, found, err := service.store.FindCredits(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return credits.Credits, nil
}

// Consume debits credits for a delivered job. It does not re-check the balance:
// callers pre-check, and a concurrent spend may leave the balance negative.
func (service *Service) Consume(ctx context.Context, userID UserID, jobID string, amount PositiveCredits, description string, metadata MetadataJSON) (UserCredits, error) {
	var updated UserCredits
	operationError := func() error {
		normalizedDescription, err := normalizeDescription(description, false)
		if err != nil {
			return err
		}
		if strings.TrimSpace(jobID) != "" {
			metadata, err = metadata.With(metadataKeyJobID, strings.TrimSpace(jobID))
			if err != nil {
				return err
			}
		}
		updated, err = service.apply(ctx, userID, TransactionConsumption, amount.ToCredits().Negated(), normalizedDescription, metadata)
		return err
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationConsume,
		UserID:    userID,
		Amount:    amount.ToCredits(),
		Balance:   updated.Credits,
		Metadata:  metadata,
		Error:     operationError,
	})
	return updated, operationError
}

// Adjust applies a signed operator adjustment. No lower bound is enforced.
func (service *Service) Adjust(ctx context.Context, userID UserID, amount Credits, reason string, metadata MetadataJSON) (UserCredits, error) {
	var updated UserCredits
	operationError := func() error {
		if amount == 0 {
			return fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
		}
		normalizedReason, err := normalizeDescription(reason, true)
		if err != nil {
			return err
		}
		updated, err = service.apply(ctx, userID, TransactionAdminAdjustment, amount, normalizedReason, metadata)
		return err
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    userID,
		Amount:    amount,
		Balance:   updated.Credits,
		Metadata:  metadata,
		Error:     operationError,
	})
	return updated, operationError
}

// Refund credits a user back, typically after a dispute is upheld.
func (service *Service) Refund(ctx context.Context, userID UserID, amount PositiveCredits, description string, metadata MetadataJSON) (UserCredits, error) {
	var updated UserCredits
	operationError := func() error {
		normalizedDescription, err := normalizeDescription(description, false)
		if err != nil {
			return err
		}
		updated, err = service.apply(ctx, userID, TransactionRefund, amount.ToCredits(), normalizedDescription, metadata)
		return err
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		Amount:    amount.ToCredits(),
		Balance:   updated.Credits,
		Metadata:  metadata,
		Error:     operationError,
	})
	return updated, operationError
}

// Purchase records credits bought outside the ledger (payment is handled elsewhere).
func (service *Service) Purchase(ctx context.Context, userID UserID, amount PositiveCredits, description string, metadata MetadataJSON) (UserCredits, error) {
	var updated UserCredits
	operationError := func() error {
		normalizedDescription, err := normalizeDescription(description, false)
		if err != nil {
			return err
		}
		updated, err = service.apply(ctx, userID, TransactionPurchase, amount.ToCredits(), normalizedDescription, metadata)
		return err
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		UserID:    userID,
		Amount:    amount.ToCredits(),
		Balance:   updated.Credits,
		Metadata:  metadata,
		Error:     operationError,
	})
	return updated, operationError
}

// ListTransactions returns a page of the user's history, newest first.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, query TransactionQuery) (TransactionPage, error) {
	normalized := normalizeQuery(query)
	transactions, total, err := service.store.ListTransactions(ctx, userID, normalized)
	if err != nil {
		return TransactionPage{}, err
	}
	return TransactionPage{
		Transactions: transactions,
		Total:        total,
		Limit:        normalized.Limit,
		Offset:       normalized.Offset,
	}, nil
}

func (service *Service) apply(ctx context.Context, userID UserID, transactionType TransactionType, amount Credits, description string, metadata MetadataJSON) (UserCredits, error) {
	var updated UserCredits
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		if _, err := transactionStore.GetOrCreateCredits(ctx, userID, nowUnixUTC); err != nil {
			return err
		}
		var err error
		updated, err = transactionStore.ApplyDelta(ctx, userID, deltaFor(transactionType, amount, nowUnixUTC))
		if err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, CreditTransaction{
			ID:          uuid.NewString(),
			UserID:      userID.String(),
			Type:        transactionType,
			Amount:      amount,
			Description: description,
			Metadata:    metadata,
			CreatedAt:   time.Unix(nowUnixUTC, 0).UTC(),
		})
	})
	if err != nil {
		return UserCredits{}, err
	}
	return updated, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		switch {
		case entry.Error != nil:
			entry.Status = operationStatusError
		case entry.Balance < 0:
			entry.Status = operationStatusNegativeBalance
		default:
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// deltaFor keeps total_spent and total_purchased monotonic: credits added count
// as purchased, credits removed count as spent.
func deltaFor(transactionType TransactionType, amount Credits, atUnixUTC int64) BalanceDelta {
	delta := BalanceDelta{Credits: amount, AtUnixUTC: atUnixUTC}
	if amount < 0 {
		delta.Spent = amount.Magnitude()
		return delta
	}
	if transactionType != TransactionConsumption {
		delta.Purchased = amount
	}
	return delta
}

func normalizeDescription(raw string, required bool) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if required && trimmed == "" {
		return "", fmt.Errorf("%w: must not be empty", ErrInvalidDescription)
	}
	if len(trimmed) > maxDescriptionLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDescription, maxDescriptionLength)
	}
	return trimmed, nil
}

func normalizeQuery(query TransactionQuery) TransactionQuery {
	normalized := query
	if normalized.Limit <= 0 {
		normalized.Limit = defaultTransactionLimit
	}
	if normalized.Limit > maxTransactionLimit {
		normalized.Limit = maxTransactionLimit
	}
	if normalized.Offset < 0 {
		normalized.Offset = 0
	}
	if _, err := ParseTransactionType(string(normalized.Type)); err != nil {
		normalized.Type = ""
	}
	return normalized
}
