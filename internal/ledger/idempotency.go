package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/walletpay/ledger/internal/models"
)

// ReservationState is the outcome of CheckOrReserve.
type ReservationState int

const (
	// Fresh means the caller holds the reservation and must follow up with
	// Commit or Release.
	Fresh ReservationState = iota
	// InFlight means another caller holds the reservation; the request is
	// a concurrent duplicate and should be retried after a backoff.
	InFlight
	// Completed means the operation already ran; Result carries the stored
	// outcome verbatim.
	Completed
)

// Reservation is the guard's answer for one idempotency key.
type Reservation struct {
	State  ReservationState
	Result *models.TransactionResult
}

const reservedMarker = "__RESERVED__"

// IdempotencyGuard deduplicates retried operations by client-supplied key.
// The in-flight lease lives in Redis (SET NX with a bounded TTL, so a crashed
// holder frees the key by expiry); committed results are cached in Redis and
// always recoverable from the transactions table, which keeps replays correct
// after the cache TTL or with Redis down entirely.
type IdempotencyGuard struct {
	redis     *redis.Client
	store     *Store
	lease     time.Duration
	resultTTL time.Duration
}

func NewIdempotencyGuard(redisClient *redis.Client, store *Store, lease, resultTTL time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{
		redis:     redisClient,
		store:     store,
		lease:     lease,
		resultTTL: resultTTL,
	}
}

func idempotencyKey(key string) string {
	return "idem:" + key
}

// CheckOrReserve resolves the state of an idempotency key. Only one caller
// at a time observes Fresh for a given key; it must call Commit on success
// or Release on failure before the lease expires.
func (g *IdempotencyGuard) CheckOrReserve(ctx context.Context, key string) (*Reservation, error) {
	if g.redis == nil {
		// degraded mode: the unique key column on transactions is the
		// only duplicate barrier
		return g.checkDurable(ctx, key)
	}

	k := idempotencyKey(key)
	acquired, err := g.redis.SetNX(ctx, k, reservedMarker, g.lease).Result()
	if err != nil {
		return nil, &StoreError{Op: "reserve idempotency key", Err: err}
	}
	if acquired {
		// the key may have been committed long ago and aged out of the
		// cache; the durable record wins over our fresh reservation
		res, err := g.store.ResultByKey(ctx, key)
		if err != nil {
			g.Release(ctx, key)
			return nil, err
		}
		if res != nil {
			g.Release(ctx, key)
			return &Reservation{State: Completed, Result: res}, nil
		}
		return &Reservation{State: Fresh}, nil
	}

	val, err := g.redis.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// lease expired between SetNX and Get; treat as a concurrent
		// duplicate and let the caller retry
		return &Reservation{State: InFlight}, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "check idempotency key", Err: err}
	}

	if val == reservedMarker {
		// the holder may have committed durably and crashed before the
		// cache write
		res, err := g.store.ResultByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return &Reservation{State: Completed, Result: res}, nil
		}
		return &Reservation{State: InFlight}, nil
	}

	var result models.TransactionResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, &StoreError{Op: "decode idempotency result", Err: err}
	}
	return &Reservation{State: Completed, Result: &result}, nil
}

// Commit stores the outcome under the key. The durable copy is already in
// the transactions table, so a cache failure here only costs a lookup on the
// next replay.
func (g *IdempotencyGuard) Commit(ctx context.Context, key string, result *models.TransactionResult) {
	if g.redis == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		log.Printf("[IDEMPOTENCY] Failed to encode result for key %s: %v", key, err)
		return
	}
	if err := g.redis.Set(ctx, idempotencyKey(key), string(data), g.resultTTL).Err(); err != nil {
		log.Printf("[IDEMPOTENCY] Failed to cache result for key %s: %v", key, err)
	}
}

// Release frees the reservation after a failed attempt so the caller can
// retry with the same key.
func (g *IdempotencyGuard) Release(ctx context.Context, key string) {
	if g.redis == nil {
		return
	}
	if err := g.redis.Del(ctx, idempotencyKey(key)).Err(); err != nil {
		log.Printf("[IDEMPOTENCY] Failed to release key %s: %v", key, err)
	}
}

func (g *IdempotencyGuard) checkDurable(ctx context.Context, key string) (*Reservation, error) {
	res, err := g.store.ResultByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return &Reservation{State: Completed, Result: res}, nil
	}
	return &Reservation{State: Fresh}, nil
}
