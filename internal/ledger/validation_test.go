package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid deposit", func(t *testing.T) {
		err := vh.ValidateStruct(DepositRequest{
			AccountID:      "acc-1",
			Amount:         100,
			IdempotencyKey: "k1",
		})
		assert.NoError(t, err)
	})

	t.Run("zero amount", func(t *testing.T) {
		err := vh.ValidateStruct(DepositRequest{
			AccountID:      "acc-1",
			Amount:         0,
			IdempotencyKey: "k1",
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("negative amount", func(t *testing.T) {
		err := vh.ValidateStruct(TransferRequest{
			FromAccountID:  "acc-a",
			ToAccountID:    "acc-b",
			Amount:         -50,
			IdempotencyKey: "k1",
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("transfer to the same account", func(t *testing.T) {
		err := vh.ValidateStruct(TransferRequest{
			FromAccountID:  "acc-a",
			ToAccountID:    "acc-a",
			Amount:         100,
			IdempotencyKey: "k1",
		})
		assert.ErrorIs(t, err, ErrInvalidTransfer)
	})

	t.Run("missing idempotency key", func(t *testing.T) {
		err := vh.ValidateStruct(DepositRequest{
			AccountID: "acc-1",
			Amount:    100,
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "IdempotencyKey")
	})

	t.Run("oversized idempotency key", func(t *testing.T) {
		err := vh.ValidateStruct(ReverseRequest{
			TransactionID:  "txn-1",
			IdempotencyKey: strings.Repeat("k", 129),
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "IdempotencyKey")
	})

	t.Run("missing transaction id", func(t *testing.T) {
		err := vh.ValidateStruct(ReverseRequest{IdempotencyKey: "k1"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "TransactionID")
	})
}
