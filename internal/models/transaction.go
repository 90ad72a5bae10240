package models

import (
	"time"
)

// Transaction types
const (
	TypeDeposit  = "DEPOSIT"
	TypeTransfer = "TRANSFER"
	TypeReversal = "REVERSAL"
)

// Transaction statuses
const (
	StatusPending  = "PENDING"
	StatusApplied  = "APPLIED"
	StatusFailed   = "FAILED"
	StatusReversed = "REVERSED"
)

// Transaction groups the ledger entries produced by one money-movement
// operation. IdempotencyKey is caller-supplied and unique across applied
// transactions; FAILED audit rows carry no key so the caller may retry.
type Transaction struct {
	ID             string     `json:"id" db:"id"`
	IdempotencyKey string     `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Type           string     `json:"type" db:"type"`
	Status         string     `json:"status" db:"status"`
	ReversedBy     *string    `json:"reversed_by,omitempty" db:"reversed_by"`
	FailureReason  string     `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	AppliedAt      *time.Time `json:"applied_at,omitempty" db:"applied_at"`
}

// TransactionResult is the outcome returned to the caller and stored by the
// idempotency guard. A retried request with the same key receives this value
// verbatim.
type TransactionResult struct {
	TransactionID string        `json:"transaction_id"`
	Status        string        `json:"status"`
	Entries       []LedgerEntry `json:"entries"`
}
