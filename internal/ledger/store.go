package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/walletpay/ledger/internal/config"
	"github.com/walletpay/ledger/internal/models"
)

// errDuplicateKey surfaces a unique violation on transactions.idempotency_key.
// The engine maps it to a replay or a Busy, never to the caller directly.
var errDuplicateKey = errors.New("idempotency key already recorded")

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store is the source of truth for accounts and their immutable entries.
// All writes happen inside a caller-owned *sql.Tx so that an operation's
// entries, balance update and transaction row commit or roll back as one.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewStore(db *sql.DB, cfg *config.LedgerConfig) *Store {
	return &Store{db: db, lockTimeout: cfg.LockTimeout}
}

// Begin opens a database transaction with a bounded lock wait. A caller that
// cannot acquire a row lock within the window fails with Busy instead of
// queueing indefinitely.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StoreError{Op: "begin", Err: err}
	}
	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, timeout); err != nil {
		tx.Rollback()
		return nil, &StoreError{Op: "set lock_timeout", Err: err}
	}
	return tx, nil
}

// LockAccounts locks the given accounts in ascending ID order so that two
// opposite-direction transfers cannot deadlock each other.
func (s *Store) LockAccounts(ctx context.Context, tx *sql.Tx, ids ...string) (map[string]*models.Account, error) {
	ordered := append([]string(nil), ids...)
	sort.Strings(ordered)

	accounts := make(map[string]*models.Account, len(ordered))
	for _, id := range ordered {
		if _, ok := accounts[id]; ok {
			continue
		}
		account, err := s.lockAccount(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		accounts[id] = account
	}
	return accounts, nil
}

func (s *Store) lockAccount(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, currency, status, balance, version, allow_overdraft, created_at, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(
		&account.ID, &account.OwnerID, &account.Currency, &account.Status,
		&account.Balance, &account.Version, &account.AllowOverdraft,
		&account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &OpError{Op: "lock account", AccountID: accountID, Err: ErrAccountNotFound}
		}
		return nil, mapSQLError("lock account", err)
	}
	return &account, nil
}

// AppendEntries writes all entries for a transaction inside tx. The caller's
// database transaction is the atomicity boundary: every entry commits or
// none do.
func (s *Store) AppendEntries(ctx context.Context, tx *sql.Tx, transactionID string, entries []models.LedgerEntry) error {
	for i := range entries {
		e := &entries[i]
		if e.TransactionID != transactionID {
			return &OpError{
				Op:            "append entries",
				TransactionID: transactionID,
				Err:           fmt.Errorf("entry %s belongs to transaction %s", e.ID, e.TransactionID),
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, transaction_id, account_id, amount, kind, reversed_entry_id, balance_after, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.TransactionID, e.AccountID, e.Amount, e.Kind, e.ReversedEntryID, e.BalanceAfter, e.CreatedAt)
		if err != nil {
			return mapSQLError("append entries", err)
		}
	}
	return nil
}

// UpdateBalance moves the cached running total. The version check backs the
// FOR UPDATE lock; zero rows affected means someone wrote behind our lock and
// the operation must be retried.
func (s *Store) UpdateBalance(ctx context.Context, tx *sql.Tx, accountID string, newBalance int64, version int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)
	if err != nil {
		return mapSQLError("update balance", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return &StoreError{Op: "update balance", Err: err}
	}
	if rowsAffected == 0 {
		return &OpError{Op: "update balance", AccountID: accountID, Err: ErrBusy}
	}
	return nil
}

// InsertTransaction records a new transaction row. A nil idempotency key is
// stored as NULL so FAILED audit rows never collide with retries.
func (s *Store) InsertTransaction(ctx context.Context, tx *sql.Tx, txn *models.Transaction) error {
	var key any
	if txn.IdempotencyKey != "" {
		key = txn.IdempotencyKey
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, idempotency_key, type, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		txn.ID, key, txn.Type, txn.Status, txn.CreatedAt)
	if err != nil {
		return mapSQLError("insert transaction", err)
	}
	return nil
}

func (s *Store) MarkApplied(ctx context.Context, tx *sql.Tx, transactionID string, appliedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE transactions SET status = $1, applied_at = $2 WHERE id = $3`,
		models.StatusApplied, appliedAt, transactionID)
	if err != nil {
		return mapSQLError("mark applied", err)
	}
	return nil
}

func (s *Store) MarkReversed(ctx context.Context, tx *sql.Tx, originalID, reversalID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE transactions SET status = $1, reversed_by = $2 WHERE id = $3`,
		models.StatusReversed, reversalID, originalID)
	if err != nil {
		return mapSQLError("mark reversed", err)
	}
	return nil
}

// RecordFailure writes a FAILED transaction row for audit, outside the rolled
// back operation. Best effort: a failure to record is logged, not returned,
// because the caller already holds the real error.
func (s *Store) RecordFailure(ctx context.Context, txType, reason string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, idempotency_key, type, status, failure_reason, created_at)
		VALUES ($1, NULL, $2, $3, $4, $5)`,
		models.NewID(), txType, models.StatusFailed, reason, time.Now())
	if err != nil {
		log.Printf("[LEDGER] Failed to record FAILED transaction for audit: %v", err)
	}
}

// GetTransactionForUpdate locks a transaction row for reversal.
func (s *Store) GetTransactionForUpdate(ctx context.Context, tx *sql.Tx, transactionID string) (*models.Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, idempotency_key, type, status, reversed_by, failure_reason, created_at, applied_at
		FROM transactions
		WHERE id = $1
		FOR UPDATE`, transactionID)

	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &OpError{Op: "get transaction", TransactionID: transactionID, Err: ErrTransactionNotFound}
		}
		return nil, mapSQLError("get transaction", err)
	}
	return txn, nil
}

// EntriesForTransaction returns a transaction's entries in creation order.
// q is either the store's pool or an open *sql.Tx.
func (s *Store) EntriesForTransaction(ctx context.Context, q querier, transactionID string) ([]models.LedgerEntry, error) {
	if q == nil {
		q = s.db
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, account_id, amount, kind, reversed_entry_id, balance_after, created_at
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY id`, transactionID)
	if err != nil {
		return nil, mapSQLError("entries for transaction", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// GetBalance returns the cached running total for an account.
func (s *Store) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &OpError{Op: "get balance", AccountID: accountID, Err: ErrAccountNotFound}
		}
		return 0, mapSQLError("get balance", err)
	}
	return balance, nil
}

// SumEntries recomputes the balance from the entry log.
func (s *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1`, accountID).Scan(&sum)
	if err != nil {
		return 0, mapSQLError("sum entries", err)
	}
	return sum, nil
}

// AccountIDs lists every account, for reconciliation sweeps.
func (s *Store) AccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, mapSQLError("account ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapSQLError("account ids", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetEntries returns an account's entry history in creation order. cursor is
// the last entry ID of the previous page ("" starts from the beginning); the
// returned cursor restarts the scan after this page's final row, or is empty
// when the page was short.
func (s *Store) GetEntries(ctx context.Context, accountID, cursor string, limit int) ([]models.LedgerEntry, string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, account_id, amount, kind, reversed_entry_id, balance_after, created_at
		FROM ledger_entries
		WHERE account_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`, accountID, cursor, limit)
	if err != nil {
		return nil, "", mapSQLError("get entries", err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(entries) == limit && limit > 0 {
		next = entries[len(entries)-1].ID
	}
	return entries, next, nil
}

// ListTransactions returns the transactions that produced entries on the
// account, in creation order, with the same keyset cursor as GetEntries.
func (s *Store) ListTransactions(ctx context.Context, accountID, cursor string, limit int) ([]models.Transaction, string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.id, t.idempotency_key, t.type, t.status, t.reversed_by, t.failure_reason, t.created_at, t.applied_at
		FROM transactions t
		JOIN ledger_entries e ON e.transaction_id = t.id
		WHERE e.account_id = $1 AND t.id > $2
		ORDER BY t.id
		LIMIT $3`, accountID, cursor, limit)
	if err != nil {
		return nil, "", mapSQLError("list transactions", err)
	}
	defer rows.Close()

	var transactions []models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, "", mapSQLError("list transactions", err)
		}
		transactions = append(transactions, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, "", mapSQLError("list transactions", err)
	}

	next := ""
	if len(transactions) == limit && limit > 0 {
		next = transactions[len(transactions)-1].ID
	}
	return transactions, next, nil
}

// ResultByKey rebuilds the durable outcome for an idempotency key, or nil
// when no transaction carries the key.
func (s *Store) ResultByKey(ctx context.Context, key string) (*models.TransactionResult, error) {
	var id, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status FROM transactions WHERE idempotency_key = $1`, key).Scan(&id, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapSQLError("result by key", err)
	}

	entries, err := s.EntriesForTransaction(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &models.TransactionResult{TransactionID: id, Status: status, Entries: entries}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(sc rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var key, reversedBy, reason sql.NullString
	var appliedAt sql.NullTime
	if err := sc.Scan(&t.ID, &key, &t.Type, &t.Status, &reversedBy, &reason, &t.CreatedAt, &appliedAt); err != nil {
		return nil, err
	}
	t.IdempotencyKey = key.String
	t.FailureReason = reason.String
	if reversedBy.Valid {
		v := reversedBy.String
		t.ReversedBy = &v
	}
	if appliedAt.Valid {
		v := appliedAt.Time
		t.AppliedAt = &v
	}
	return &t, nil
}

func collectEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var reversed sql.NullString
		err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Amount, &e.Kind, &reversed, &e.BalanceAfter, &e.CreatedAt)
		if err != nil {
			return nil, mapSQLError("scan entry", err)
		}
		if reversed.Valid {
			v := reversed.String
			e.ReversedEntryID = &v
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLError("scan entry", err)
	}
	return entries, nil
}

func mapSQLError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03": // lock_not_available
			return &OpError{Op: op, Err: ErrBusy}
		case "23505": // unique_violation
			return errDuplicateKey
		}
	}
	return &StoreError{Op: op, Err: err}
}
