package models

import (
	"time"
)

// Entry kinds
const (
	EntryDeposit        = "DEPOSIT"
	EntryTransferDebit  = "TRANSFER_DEBIT"
	EntryTransferCredit = "TRANSFER_CREDIT"
	EntryReversalDebit  = "REVERSAL_DEBIT"
	EntryReversalCredit = "REVERSAL_CREDIT"
)

// LedgerEntry is an immutable record of a single signed amount movement on
// one account. Corrections are made by writing reversal entries, never by
// editing or deleting. IDs are UUIDv7, so entry order within a transaction
// and across an account's history follows the ID ordering.
type LedgerEntry struct {
	ID              string    `json:"id" db:"id"`
	TransactionID   string    `json:"transaction_id" db:"transaction_id"`
	AccountID       string    `json:"account_id" db:"account_id"`
	Amount          int64     `json:"amount" db:"amount"` // signed, in minor units
	Kind            string    `json:"kind" db:"kind"`
	ReversedEntryID *string   `json:"reversed_entry_id,omitempty" db:"reversed_entry_id"`
	BalanceAfter    int64     `json:"balance_after" db:"balance_after"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
