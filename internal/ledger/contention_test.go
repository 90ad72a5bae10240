//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletpay/ledger/internal/database"
	"github.com/walletpay/ledger/internal/models"
)

// Lost-update protection depends on real row locking, so this test needs a
// live database:
//
//	LEDGER_TEST_DSN=postgres://... go test -tags integration ./internal/ledger
func TestEngine_ContendedTransfers(t *testing.T) {
	dsn := os.Getenv("LEDGER_TEST_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, database.EnsureSchema(db))

	src := "acc-src-" + models.NewID()
	dst := "acc-dst-" + models.NewID()
	seedAccount(t, db, src, 50)
	seedAccount(t, db, dst, 0)

	engine := NewEngine(db, nil, testConfig())

	// 100 transfers of 1 unit race for a balance of 50: exactly 50 must
	// apply and the rest must fail with InsufficientFunds, never by
	// silently overdrawing or double-spending a locked read.
	const workers = 100
	var successes, insufficient int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := TransferRequest{
				FromAccountID:  src,
				ToAccountID:    dst,
				Amount:         1,
				IdempotencyKey: fmt.Sprintf("contend-%s-%d", src, i),
			}
			for {
				_, err := engine.Transfer(context.Background(), req)
				switch {
				case err == nil:
					atomic.AddInt64(&successes, 1)
					return
				case IsRetryable(err):
					time.Sleep(10 * time.Millisecond)
				case errors.Is(err, ErrInsufficientFunds):
					atomic.AddInt64(&insufficient, 1)
					return
				default:
					t.Errorf("unexpected transfer error: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(50), successes)
	assert.Equal(t, int64(50), insufficient)

	srcBalance, err := engine.GetBalance(context.Background(), src)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), srcBalance)

	dstBalance, err := engine.GetBalance(context.Background(), dst)
	assert.NoError(t, err)
	assert.Equal(t, int64(50), dstBalance)

	projector := NewProjector(engine.store)
	for _, id := range []string{src, dst} {
		result, err := projector.Reconcile(context.Background(), id)
		assert.NoError(t, err)
		assert.False(t, result.Drift, "account %s drifted", id)
	}
}

func seedAccount(t *testing.T, db *sql.DB, id string, balance int64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO accounts (id, owner_id, currency, status, balance, version, allow_overdraft, created_at, updated_at)
		VALUES ($1, $2, 'USD', $3, $4, 0, false, $5, $5)`,
		id, "owner-"+id, models.AccountActive, balance, time.Now())
	require.NoError(t, err)
}
