package ledger

import (
	"errors"
	"fmt"
)

// Domain errors. Callers classify with errors.Is; IsRetryable reports whether
// resubmitting with the same idempotency key is safe.
var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidTransfer     = errors.New("source and destination accounts must differ")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountClosed       = errors.New("account closed")
	ErrAccountFrozen       = errors.New("account frozen")
	ErrCurrencyMismatch    = errors.New("accounts do not share a currency")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNotReversible       = errors.New("transaction is not reversible")
	ErrAlreadyReversed     = errors.New("transaction already reversed")
	ErrBusy                = errors.New("account busy, retry with the same idempotency key")
)

// OpError wraps a domain error with the identifiers the caller needs to
// decide retry vs abort.
type OpError struct {
	Op            string
	AccountID     string
	TransactionID string
	Err           error
}

func (e *OpError) Error() string {
	switch {
	case e.AccountID != "" && e.TransactionID != "":
		return fmt.Sprintf("%s: account %s, transaction %s: %v", e.Op, e.AccountID, e.TransactionID, e.Err)
	case e.AccountID != "":
		return fmt.Sprintf("%s: account %s: %v", e.Op, e.AccountID, e.Err)
	case e.TransactionID != "":
		return fmt.Sprintf("%s: transaction %s: %v", e.Op, e.TransactionID, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// StoreError signals a durability failure. The append is all-or-nothing, so
// the attempt left no partial state and the caller may retry.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the caller may safely resubmit the request
// with the same idempotency key.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrBusy) {
		return true
	}
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}

// IsNotFound reports whether err is an unknown-account or unknown-transaction
// failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrTransactionNotFound)
}

// isRuleFailure reports whether err is a business-rule rejection that should
// be recorded as a FAILED transaction for audit.
func isRuleFailure(err error) bool {
	for _, target := range []error{
		ErrAccountClosed,
		ErrAccountFrozen,
		ErrCurrencyMismatch,
		ErrInsufficientFunds,
		ErrNotReversible,
		ErrAlreadyReversed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
