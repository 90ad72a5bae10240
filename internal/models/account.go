package models

import (
	"time"
)

// Account statuses
const (
	AccountActive = "ACTIVE"
	AccountFrozen = "FROZEN"
	AccountClosed = "CLOSED"
)

// Account is a wallet account. Balance is a cached running total in minor
// currency units, maintained in the same database transaction as the entries
// it reflects and reconciled against the entry log by the projector.
type Account struct {
	ID             string    `json:"id" db:"id"`
	OwnerID        string    `json:"owner_id" db:"owner_id"`
	Currency       string    `json:"currency" db:"currency"` // ISO 4217
	Status         string    `json:"status" db:"status"`
	Balance        int64     `json:"balance" db:"balance"` // in minor units
	Version        int       `json:"version" db:"version"` // for optimistic locking
	AllowOverdraft bool      `json:"allow_overdraft" db:"allow_overdraft"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
