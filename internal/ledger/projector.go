package ledger

import (
	"context"
	"log"
)

// ReconcileResult compares the cached running balance against the signed sum
// of the entry log. Expected comes from the entries, Actual from the account
// row; Drift means the two disagree and the ledger needs investigation.
type ReconcileResult struct {
	AccountID string `json:"account_id"`
	Expected  int64  `json:"expected"`
	Actual    int64  `json:"actual"`
	Drift     bool   `json:"drift"`
}

// Projector derives balances from the entry log. The cached running total on
// the account row is written only inside the same database transaction as
// the entries, so under normal operation Reconcile never reports drift.
type Projector struct {
	store *Store
}

func NewProjector(store *Store) *Projector {
	return &Projector{store: store}
}

// ProjectedBalance returns the cached running total for an account.
func (p *Projector) ProjectedBalance(ctx context.Context, accountID string) (int64, error) {
	return p.store.GetBalance(ctx, accountID)
}

// Reconcile recomputes an account's balance from its entries and compares it
// with the cached total.
func (p *Projector) Reconcile(ctx context.Context, accountID string) (*ReconcileResult, error) {
	expected, err := p.store.SumEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	actual, err := p.store.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{
		AccountID: accountID,
		Expected:  expected,
		Actual:    actual,
		Drift:     expected != actual,
	}
	if result.Drift {
		log.Printf("[PROJECTOR] Balance drift on account %s: entries sum to %d, cached balance is %d",
			accountID, expected, actual)
	}
	return result, nil
}

// ReconcileAll sweeps every account and returns only the drifting ones.
func (p *Projector) ReconcileAll(ctx context.Context) ([]ReconcileResult, error) {
	ids, err := p.store.AccountIDs(ctx)
	if err != nil {
		return nil, err
	}

	var drifts []ReconcileResult
	for _, id := range ids {
		result, err := p.Reconcile(ctx, id)
		if err != nil {
			return drifts, err
		}
		if result.Drift {
			drifts = append(drifts, *result)
		}
	}
	return drifts, nil
}
