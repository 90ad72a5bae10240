package ledger

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// DepositRequest credits an account with a positive amount.
type DepositRequest struct {
	AccountID      string `json:"account_id" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
}

// TransferRequest moves a positive amount between two distinct accounts.
type TransferRequest struct {
	FromAccountID  string `json:"from_account_id" validate:"required"`
	ToAccountID    string `json:"to_account_id" validate:"required,nefield=FromAccountID"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
}

// ReverseRequest negates a previously applied transaction.
type ReverseRequest struct {
	TransactionID  string `json:"transaction_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and maps tag failures onto the domain
// error taxonomy so callers see InvalidAmount rather than raw validator
// output.
func (vh *ValidationHelper) ValidateStruct(s any) error {
	err := vh.validator.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	for _, fe := range verrs {
		switch fe.Field() {
		case "Amount":
			return ErrInvalidAmount
		case "ToAccountID":
			if fe.Tag() == "nefield" {
				return ErrInvalidTransfer
			}
		}
	}

	fe := verrs[0]
	return fmt.Errorf("validation failed on field '%s' (tag '%s')", fe.Field(), fe.Tag())
}
