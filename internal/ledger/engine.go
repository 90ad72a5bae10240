package ledger

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/walletpay/ledger/internal/audit"
	"github.com/walletpay/ledger/internal/config"
	"github.com/walletpay/ledger/internal/models"
)

// Engine validates and applies deposits, transfers and reversals as atomic,
// all-or-nothing operations. Every operation follows the same protocol:
// reserve the idempotency key, validate under row locks, construct entries,
// append atomically, commit the idempotency result, return.
type Engine struct {
	store     *Store
	guard     *IdempotencyGuard
	audit     *audit.Logger
	validator *ValidationHelper
	cfg       *config.LedgerConfig
}

func NewEngine(db *sql.DB, redisClient *redis.Client, cfg *config.LedgerConfig) *Engine {
	store := NewStore(db, cfg)
	return &Engine{
		store:     store,
		guard:     NewIdempotencyGuard(redisClient, store, cfg.IdempotencyLease, cfg.ResultTTL),
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// Deposit credits an account with a single DEPOSIT entry.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (*models.TransactionResult, error) {
	if err := e.validator.ValidateStruct(&req); err != nil {
		return nil, err
	}

	reservation, err := e.guard.CheckOrReserve(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	switch reservation.State {
	case Completed:
		return reservation.Result, nil
	case InFlight:
		return nil, &OpError{Op: "deposit", AccountID: req.AccountID, Err: ErrBusy}
	}

	result, err := e.applyDeposit(ctx, req)
	if err != nil {
		e.guard.Release(ctx, req.IdempotencyKey)
		if isRuleFailure(err) {
			e.store.RecordFailure(ctx, models.TypeDeposit, err.Error())
		}
		e.audit.LogError("", req.AccountID, err)
		return nil, err
	}

	e.guard.Commit(ctx, req.IdempotencyKey, result)
	e.audit.LogDeposit(result.TransactionID, req.AccountID, req.Amount, result.Status)
	return result, nil
}

// Transfer moves amount between two accounts as a matched debit/credit pair.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (*models.TransactionResult, error) {
	if err := e.validator.ValidateStruct(&req); err != nil {
		return nil, err
	}

	reservation, err := e.guard.CheckOrReserve(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	switch reservation.State {
	case Completed:
		return reservation.Result, nil
	case InFlight:
		return nil, &OpError{Op: "transfer", AccountID: req.FromAccountID, Err: ErrBusy}
	}

	result, err := e.applyTransfer(ctx, req)
	if err != nil {
		e.guard.Release(ctx, req.IdempotencyKey)
		if isRuleFailure(err) {
			e.store.RecordFailure(ctx, models.TypeTransfer, err.Error())
		}
		e.audit.LogError("", req.FromAccountID, err)
		return nil, err
	}

	e.guard.Commit(ctx, req.IdempotencyKey, result)
	e.audit.LogTransfer(result.TransactionID, req.FromAccountID, req.ToAccountID, req.Amount, result.Status)
	return result, nil
}

// Reverse negates an applied transaction with compensating entries. The
// original entries are never touched; the original transaction moves to
// REVERSED and cannot be reversed again.
func (e *Engine) Reverse(ctx context.Context, req ReverseRequest) (*models.TransactionResult, error) {
	if err := e.validator.ValidateStruct(&req); err != nil {
		return nil, err
	}

	reservation, err := e.guard.CheckOrReserve(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	switch reservation.State {
	case Completed:
		return reservation.Result, nil
	case InFlight:
		return nil, &OpError{Op: "reverse", TransactionID: req.TransactionID, Err: ErrBusy}
	}

	result, err := e.applyReverse(ctx, req)
	if err != nil {
		e.guard.Release(ctx, req.IdempotencyKey)
		if isRuleFailure(err) {
			e.store.RecordFailure(ctx, models.TypeReversal, err.Error())
		}
		e.audit.LogError(req.TransactionID, "", err)
		return nil, err
	}

	e.guard.Commit(ctx, req.IdempotencyKey, result)
	e.audit.LogReversal(result.TransactionID, req.TransactionID, result.Status)
	return result, nil
}

// GetBalance returns the current balance of an account.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return e.store.GetBalance(ctx, accountID)
}

// ListTransactions pages through the transactions touching an account in
// creation order.
func (e *Engine) ListTransactions(ctx context.Context, accountID, cursor string, limit int) ([]models.Transaction, string, error) {
	return e.store.ListTransactions(ctx, accountID, cursor, e.clampLimit(limit))
}

// ListEntries pages through an account's entry history in creation order.
func (e *Engine) ListEntries(ctx context.Context, accountID, cursor string, limit int) ([]models.LedgerEntry, string, error) {
	return e.store.GetEntries(ctx, accountID, cursor, e.clampLimit(limit))
}

func (e *Engine) clampLimit(limit int) int {
	if limit <= 0 {
		return e.cfg.DefaultPageSize
	}
	if limit > e.cfg.MaxPageSize {
		return e.cfg.MaxPageSize
	}
	return limit
}

func (e *Engine) applyDeposit(ctx context.Context, req DepositRequest) (*models.TransactionResult, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	accounts, err := e.store.LockAccounts(ctx, tx, req.AccountID)
	if err != nil {
		return nil, err
	}
	account := accounts[req.AccountID]
	if err := checkAccountOpen(account); err != nil {
		return nil, err
	}

	now := time.Now()
	txn := &models.Transaction{
		ID:             models.NewID(),
		IdempotencyKey: req.IdempotencyKey,
		Type:           models.TypeDeposit,
		Status:         models.StatusPending,
		CreatedAt:      now,
	}
	if err := e.store.InsertTransaction(ctx, tx, txn); err != nil {
		if errors.Is(err, errDuplicateKey) {
			return nil, &OpError{Op: "deposit", AccountID: req.AccountID, Err: ErrBusy}
		}
		return nil, err
	}

	entry := models.LedgerEntry{
		ID:            models.NewID(),
		TransactionID: txn.ID,
		AccountID:     account.ID,
		Amount:        req.Amount,
		Kind:          models.EntryDeposit,
		BalanceAfter:  account.Balance + req.Amount,
		CreatedAt:     now,
	}
	if err := e.store.AppendEntries(ctx, tx, txn.ID, []models.LedgerEntry{entry}); err != nil {
		return nil, err
	}
	if err := e.store.UpdateBalance(ctx, tx, account.ID, entry.BalanceAfter, account.Version); err != nil {
		return nil, err
	}
	if err := e.store.MarkApplied(ctx, tx, txn.ID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, &StoreError{Op: "commit deposit", Err: err}
	}

	return &models.TransactionResult{
		TransactionID: txn.ID,
		Status:        models.StatusApplied,
		Entries:       []models.LedgerEntry{entry},
	}, nil
}

func (e *Engine) applyTransfer(ctx context.Context, req TransferRequest) (*models.TransactionResult, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	accounts, err := e.store.LockAccounts(ctx, tx, req.FromAccountID, req.ToAccountID)
	if err != nil {
		return nil, err
	}
	from := accounts[req.FromAccountID]
	to := accounts[req.ToAccountID]

	if err := checkAccountOpen(from); err != nil {
		return nil, err
	}
	if err := checkAccountOpen(to); err != nil {
		return nil, err
	}
	if from.Currency != to.Currency {
		return nil, &OpError{Op: "transfer", AccountID: from.ID, Err: ErrCurrencyMismatch}
	}
	if from.Balance-req.Amount < 0 && !from.AllowOverdraft {
		return nil, &OpError{Op: "transfer", AccountID: from.ID, Err: ErrInsufficientFunds}
	}

	now := time.Now()
	txn := &models.Transaction{
		ID:             models.NewID(),
		IdempotencyKey: req.IdempotencyKey,
		Type:           models.TypeTransfer,
		Status:         models.StatusPending,
		CreatedAt:      now,
	}
	if err := e.store.InsertTransaction(ctx, tx, txn); err != nil {
		if errors.Is(err, errDuplicateKey) {
			return nil, &OpError{Op: "transfer", AccountID: from.ID, Err: ErrBusy}
		}
		return nil, err
	}

	entries := []models.LedgerEntry{
		{
			ID:            models.NewID(),
			TransactionID: txn.ID,
			AccountID:     from.ID,
			Amount:        -req.Amount,
			Kind:          models.EntryTransferDebit,
			BalanceAfter:  from.Balance - req.Amount,
			CreatedAt:     now,
		},
		{
			ID:            models.NewID(),
			TransactionID: txn.ID,
			AccountID:     to.ID,
			Amount:        req.Amount,
			Kind:          models.EntryTransferCredit,
			BalanceAfter:  to.Balance + req.Amount,
			CreatedAt:     now,
		},
	}
	if err := e.store.AppendEntries(ctx, tx, txn.ID, entries); err != nil {
		return nil, err
	}
	if err := e.store.UpdateBalance(ctx, tx, from.ID, from.Balance-req.Amount, from.Version); err != nil {
		return nil, err
	}
	if err := e.store.UpdateBalance(ctx, tx, to.ID, to.Balance+req.Amount, to.Version); err != nil {
		return nil, err
	}
	if err := e.store.MarkApplied(ctx, tx, txn.ID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, &StoreError{Op: "commit transfer", Err: err}
	}

	return &models.TransactionResult{
		TransactionID: txn.ID,
		Status:        models.StatusApplied,
		Entries:       entries,
	}, nil
}

func (e *Engine) applyReverse(ctx context.Context, req ReverseRequest) (*models.TransactionResult, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	original, err := e.store.GetTransactionForUpdate(ctx, tx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	switch original.Status {
	case models.StatusApplied:
		// reversible
	case models.StatusReversed:
		return nil, &OpError{Op: "reverse", TransactionID: original.ID, Err: ErrAlreadyReversed}
	default:
		return nil, &OpError{Op: "reverse", TransactionID: original.ID, Err: ErrNotReversible}
	}

	originalEntries, err := e.store.EntriesForTransaction(ctx, tx, original.ID)
	if err != nil {
		return nil, err
	}
	if len(originalEntries) == 0 {
		return nil, &OpError{Op: "reverse", TransactionID: original.ID, Err: ErrNotReversible}
	}

	accountIDs := make([]string, 0, len(originalEntries))
	for _, entry := range originalEntries {
		accountIDs = append(accountIDs, entry.AccountID)
	}
	accounts, err := e.store.LockAccounts(ctx, tx, accountIDs...)
	if err != nil {
		return nil, err
	}
	for _, account := range accounts {
		if err := checkAccountOpen(account); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	txn := &models.Transaction{
		ID:             models.NewID(),
		IdempotencyKey: req.IdempotencyKey,
		Type:           models.TypeReversal,
		Status:         models.StatusPending,
		CreatedAt:      now,
	}
	if err := e.store.InsertTransaction(ctx, tx, txn); err != nil {
		if errors.Is(err, errDuplicateKey) {
			return nil, &OpError{Op: "reverse", TransactionID: original.ID, Err: ErrBusy}
		}
		return nil, err
	}

	// negate each original entry, tracking running balances per account;
	// reversals respect the same overdraft policy as transfers
	balances := make(map[string]int64, len(accounts))
	for id, account := range accounts {
		balances[id] = account.Balance
	}
	reversals := make([]models.LedgerEntry, 0, len(originalEntries))
	for _, src := range originalEntries {
		account := accounts[src.AccountID]
		newBalance := balances[src.AccountID] - src.Amount
		if newBalance < 0 && !account.AllowOverdraft {
			return nil, &OpError{Op: "reverse", AccountID: account.ID, Err: ErrInsufficientFunds}
		}
		balances[src.AccountID] = newBalance

		kind := models.EntryReversalCredit
		if src.Amount > 0 {
			kind = models.EntryReversalDebit
		}
		reversedID := src.ID
		reversals = append(reversals, models.LedgerEntry{
			ID:              models.NewID(),
			TransactionID:   txn.ID,
			AccountID:       src.AccountID,
			Amount:          -src.Amount,
			Kind:            kind,
			ReversedEntryID: &reversedID,
			BalanceAfter:    newBalance,
			CreatedAt:       now,
		})
	}

	if err := e.store.AppendEntries(ctx, tx, txn.ID, reversals); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := e.store.UpdateBalance(ctx, tx, id, balances[id], accounts[id].Version); err != nil {
			return nil, err
		}
	}

	if err := e.store.MarkApplied(ctx, tx, txn.ID, now); err != nil {
		return nil, err
	}
	if err := e.store.MarkReversed(ctx, tx, original.ID, txn.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, &StoreError{Op: "commit reversal", Err: err}
	}

	return &models.TransactionResult{
		TransactionID: txn.ID,
		Status:        models.StatusApplied,
		Entries:       reversals,
	}, nil
}

func checkAccountOpen(account *models.Account) error {
	switch account.Status {
	case models.AccountClosed:
		return &OpError{Op: "check account", AccountID: account.ID, Err: ErrAccountClosed}
	case models.AccountFrozen:
		return &OpError{Op: "check account", AccountID: account.ID, Err: ErrAccountFrozen}
	}
	return nil
}
