package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tryon/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "transaction"
	errorSubjectTransaction = "tx"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"

	sqlInsertCreditsIfMissing = `
		insert into user_credits(user_id, credits, total_spent, total_purchased, updated_at)
		values ($1, 0, 0, 0, to_timestamp($2))
		on conflict (user_id) do nothing
	`

	sqlSelectCredits = `
		select user_id, credits, total_spent, total_purchased, updated_at
		from user_credits
		where user_id = $1
	`

	sqlApplyDelta = `
		update user_credits
		set credits = credits + $2,
			total_spent = total_spent + $3,
			total_purchased = total_purchased + $4,
			updated_at = to_timestamp($5)
		where user_id = $1
		returning user_id, credits, total_spent, total_purchased, updated_at
	`

	sqlInsertTransaction = `
		insert into credit_transactions(id, user_id, type, amount, description, metadata, created_at)
		values ($1, $2, $3, $4, $5, coalesce(nullif($6,''),'{}')::jsonb, $7)
	`

	sqlCountTransactions = `
		select count(*) from credit_transactions
		where user_id = $1 and ($2::text = '' or type = $2::text)
	`

	sqlListTransactions = `
		select id::text, user_id, type, amount, description, coalesce(metadata::text,'{}'), created_at
		from credit_transactions
		where user_id = $1 and ($2::text = '' or type = $2::text)
		order by created_at desc, id desc
		limit $3 offset $4
	`
)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateCredits(ctx context.Context, userID ledger.UserID, atUnixUTC int64) (ledger.UserCredits, error) {
	return getOrCreateCredits(ctx, store.pool, userID, atUnixUTC)
}

func (store *Store) FindCredits(ctx context.Context, userID ledger.UserID) (ledger.UserCredits, bool, error) {
	return findCredits(ctx, store.pool, userID)
}

func (store *Store) ApplyDelta(ctx context.Context, userID ledger.UserID, delta ledger.BalanceDelta) (ledger.UserCredits, error) {
	return applyDelta(ctx, store.pool, userID, delta)
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.CreditTransaction) error {
	return insertTransaction(ctx, store.pool, transaction)
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, query ledger.TransactionQuery) ([]ledger.CreditTransaction, int64, error) {
	return listTransactions(ctx, store.pool, userID, query)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetOrCreateCredits(ctx context.Context, userID ledger.UserID, atUnixUTC int64) (ledger.UserCredits, error) {
	return getOrCreateCredits(ctx, store.tx, userID, atUnixUTC)
}

func (store *TxStore) FindCredits(ctx context.Context, userID ledger.UserID) (ledger.UserCredits, bool, error) {
	return findCredits(ctx, store.tx, userID)
}

func (store *TxStore) ApplyDelta(ctx context.Context, userID ledger.UserID, delta ledger.BalanceDelta) (ledger.UserCredits, error) {
	return applyDelta(ctx, store.tx, userID, delta)
}

func (store *TxStore) InsertTransaction(ctx context.Context, transaction ledger.CreditTransaction) error {
	return insertTransaction(ctx, store.tx, transaction)
}

func (store *TxStore) ListTransactions(ctx context.Context, userID ledger.UserID, query ledger.TransactionQuery) ([]ledger.CreditTransaction, int64, error) {
	return listTransactions(ctx, store.tx, userID, query)
}

func getOrCreateCredits(ctx context.Context, db queryer, userID ledger.UserID, atUnixUTC int64) (ledger.UserCredits, error) {
	if _, err := db.Exec(ctx, sqlInsertCreditsIfMissing, userID.String(), atUnixUTC); err != nil {
		return ledger.UserCredits{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	credits, err := scanCredits(db.QueryRow(ctx, sqlSelectCredits, userID.String()))
	if err != nil {
		return ledger.UserCredits{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return credits, nil
}

func findCredits(ctx context.Context, db queryer, userID ledger.UserID) (ledger.UserCredits, bool, error) {
	credits, err := scanCredits(db.QueryRow(ctx, sqlSelectCredits, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.UserCredits{}, false, nil
	}
	if err != nil {
		return ledger.UserCredits{}, false, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return credits, true, nil
}

func applyDelta(ctx context.Context, db queryer, userID ledger.UserID, delta ledger.BalanceDelta) (ledger.UserCredits, error) {
	credits, err := scanCredits(db.QueryRow(ctx, sqlApplyDelta,
		userID.String(),
		delta.Credits.Int64(),
		delta.Spent.Int64(),
		delta.Purchased.Int64(),
		delta.AtUnixUTC,
	))
	if err != nil {
		return ledger.UserCredits{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	return credits, nil
}

func insertTransaction(ctx context.Context, db queryer, transaction ledger.CreditTransaction) error {
	createdAt := transaction.CreatedAt.UTC()
	if transaction.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := db.Exec(ctx, sqlInsertTransaction,
		transaction.ID,
		transaction.UserID,
		transaction.Type.String(),
		transaction.Amount.Int64(),
		transaction.Description,
		transaction.Metadata.String(),
		createdAt,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func listTransactions(ctx context.Context, db queryer, userID ledger.UserID, query ledger.TransactionQuery) ([]ledger.CreditTransaction, int64, error) {
	var total int64
	if err := db.QueryRow(ctx, sqlCountTransactions, userID.String(), query.Type.String()).Scan(&total); err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	rows, err := db.Query(ctx, sqlListTransactions, userID.String(), query.Type.String(), query.Limit, query.Offset)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return transactions, total, nil
}

func scanCredits(row pgx.Row) (ledger.UserCredits, error) {
	var (
		userIDValue    string
		credits        int64
		totalSpent     int64
		totalPurchased int64
		updatedAt      time.Time
	)
	if err := row.Scan(&userIDValue, &credits, &totalSpent, &totalPurchased, &updatedAt); err != nil {
		return ledger.UserCredits{}, err
	}
	return ledger.UserCredits{
		UserID:         userIDValue,
		Credits:        ledger.Credits(credits),
		TotalSpent:     ledger.Credits(totalSpent),
		TotalPurchased: ledger.Credits(totalPurchased),
		UpdatedAt:      updatedAt.UTC(),
	}, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.CreditTransaction, error) {
	transactions := make([]ledger.CreditTransaction, 0, 32)
	for rows.Next() {
		var (
			idValue       string
			userIDValue   string
			typeValue     string
			amountValue   int64
			description   string
			metadataValue string
			createdAt     time.Time
		)
		if err := rows.Scan(&idValue, &userIDValue, &typeValue, &amountValue, &description, &metadataValue, &createdAt); err != nil {
			return nil, err
		}
		transaction, err := newTransaction(idValue, userIDValue, typeValue, amountValue, description, metadataValue, createdAt)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

func newTransaction(id string, userID string, typeValue string, amount int64, description string, metadataValue string, createdAt time.Time) (ledger.CreditTransaction, error) {
	transactionType, err := ledger.ParseTransactionType(typeValue)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.CreditTransaction{}, err
	}
	return ledger.CreditTransaction{
		ID:          id,
		UserID:      userID,
		Type:        transactionType,
		Amount:      ledger.Credits(amount),
		Description: description,
		Metadata:    metadata,
		CreatedAt:   createdAt.UTC(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
