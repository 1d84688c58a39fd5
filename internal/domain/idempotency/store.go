package idempotency

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists idempotency records. Reserve must be a single atomic
// create-if-absent: of any number of concurrent callers for one key, at
// most one receives a Reservation.
//
// Complete and Fail return ErrRecordNotPending when the record is no longer
// pending under the caller's token (already finished, or reclaimed by another
// caller after going stale).
type Store interface {
	Lookup(ctx context.Context, key string) (Record, error)
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, res Reservation, result []byte) error
	Fail(ctx context.Context, res Reservation, info ErrorInfo) error
}

// TxCompleter is implemented by stores that share the ledger database and
// can mark a record completed inside the ledger transaction.
type TxCompleter interface {
	CompleteTx(ctx context.Context, tx *sqlx.Tx, res Reservation, result []byte) error
}

// Purger deletes records whose retention has elapsed.
type Purger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}
