package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "transaction"
	errorSubjectJob       = "job"
	errorSubjectOutput    = "output"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeUpdate       = "update"
	errorCodeUpdateStatus = "update_status"
)

// Store implements ledger.Store and studio.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates every table the store uses.
func (store *Store) AutoMigrate(ctx context.Context) error {
	return store.db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateCredits(ctx context.Context, userID ledger.UserID, atUnixUTC int64) (ledger.UserCredits, error) {
	row := UserCredit{UserID: userID.String(), UpdatedAt: time.Unix(atUnixUTC, 0).UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return ledger.UserCredits{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	var stored UserCredit
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&stored).Error; err != nil {
		return ledger.UserCredits{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return mapUserCredit(stored), nil
}

func (store *Store) FindCredits(ctx context.Context, userID ledger.UserID) (ledger.UserCredits, bool, error) {
	var stored UserCredit
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.UserCredits{}, false, nil
	}
	if err != nil {
		return ledger.UserCredits{}, false, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return mapUserCredit(stored), true, nil
}

// ApplyDelta changes the row with one relative UPDATE so concurrent writers never
// lose increments.
func (store *Store) ApplyDelta(ctx context.Context, userID ledger.UserID, delta ledger.BalanceDelta) (ledger.UserCredits, error) {
	result := store.db.WithContext(ctx).
		Model(&UserCredit{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]any{
			"credits":         gorm.Expr("credits + ?", delta.Credits.Int64()),
			"total_spent":     gorm.Expr("total_spent + ?", delta.Spent.Int64()),
			"total_purchased": gorm.Expr("total_purchased + ?", delta.Purchased.Int64()),
			"updated_at":      time.Unix(delta.AtUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return ledger.UserCredits{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.UserCredits{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	var stored UserCredit
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&stored).Error; err != nil {
		return ledger.UserCredits{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return mapUserCredit(stored), nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.CreditTransaction) error {
	row := CreditTransaction{
		ID:          transaction.ID,
		UserID:      transaction.UserID,
		Type:        transaction.Type.String(),
		Amount:      transaction.Amount.Int64(),
		Description: transaction.Description,
		Metadata:    datatypesJSON(transaction.Metadata.String()),
		CreatedAt:   transaction.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, query ledger.TransactionQuery) ([]ledger.CreditTransaction, int64, error) {
	base := store.db.WithContext(ctx).Model(&CreditTransaction{}).Where("user_id = ?", userID.String())
	if query.Type != "" {
		base = base.Where("type = ?", query.Type.String())
	}
	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	var rows []CreditTransaction
	err := base.Session(&gorm.Session{}).
		Order("created_at DESC").
		Order("id DESC").
		Limit(query.Limit).
		Offset(query.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	transactions := make([]ledger.CreditTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapCreditTransaction(row)
		if err != nil {
			return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, total, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapUserCredit(row UserCredit) ledger.UserCredits {
	return ledger.UserCredits{
		UserID:         row.UserID,
		Credits:        ledger.Credits(row.Credits),
		TotalSpent:     ledger.Credits(row.TotalSpent),
		TotalPurchased: ledger.Credits(row.TotalPurchased),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}
}

func mapCreditTransaction(row CreditTransaction) (ledger.CreditTransaction, error) {
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	return ledger.CreditTransaction{
		ID:          row.ID,
		UserID:      row.UserID,
		Type:        transactionType,
		Amount:      ledger.Credits(row.Amount),
		Description: row.Description,
		Metadata:    metadata,
		CreatedAt:   row.CreatedAt.UTC(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
