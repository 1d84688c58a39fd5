package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SQLStore keeps records in the same database as the ledger so completion
// can commit atomically with the balance change.
type SQLStore struct {
	db   *sqlx.DB
	opts Options
}

func NewSQLStore(db *sqlx.DB, opts Options) *SQLStore {
	return &SQLStore{db: db, opts: opts.withDefaults()}
}

type recordRow struct {
	Key           string `db:"idem_key"`
	Fingerprint   string `db:"fingerprint"`
	Status        Status `db:"status"`
	Token         string `db:"token"`
	Result        []byte `db:"result"`
	ErrorKind     string `db:"error_kind"`
	ErrorMessage  string `db:"error_message"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
	ReservedUntil int64  `db:"reserved_until"`
	ExpiresAt     int64  `db:"expires_at"`
}

func (r recordRow) toRecord() Record {
	return Record{
		Key:           r.Key,
		Fingerprint:   r.Fingerprint,
		Status:        r.Status,
		Token:         r.Token,
		Result:        r.Result,
		ErrorKind:     r.ErrorKind,
		ErrorMessage:  r.ErrorMessage,
		CreatedAt:     fromMillis(r.CreatedAt),
		UpdatedAt:     fromMillis(r.UpdatedAt),
		ReservedUntil: fromMillis(r.ReservedUntil),
		ExpiresAt:     fromMillis(r.ExpiresAt),
	}
}

func (s *SQLStore) Lookup(ctx context.Context, key string) (Record, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT idem_key, fingerprint, status, token, result, error_kind, error_message,
		       created_at, updated_at, reserved_until, expires_at
		FROM idempotency_records
		WHERE idem_key = ?
	`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	record := row.toRecord()
	if record.Expired(s.opts.Now()) {
		return Record{}, ErrNotFound
	}
	return record, nil
}

// Reserve inserts a pending record, or takes over one that failed, whose
// reservation went stale, or whose retention elapsed. The conflict clause
// is evaluated under the row lock, so concurrent callers cannot both win.
func (s *SQLStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (Reservation, error) {
	now := s.opts.Now()
	token := uuid.NewString()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO idempotency_records
			(idem_key, fingerprint, status, token, result, error_kind, error_message,
			 created_at, updated_at, reserved_until, expires_at)
		VALUES (?, ?, 'pending', ?, NULL, '', '', ?, ?, ?, ?)
		ON CONFLICT (idem_key) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			status = 'pending',
			token = excluded.token,
			result = NULL,
			error_kind = '',
			error_message = '',
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			reserved_until = excluded.reserved_until,
			expires_at = excluded.expires_at
		WHERE idempotency_records.status = 'failed'
		   OR (idempotency_records.status = 'pending' AND idempotency_records.reserved_until <= excluded.updated_at)
		   OR idempotency_records.expires_at <= excluded.updated_at
	`), key, fingerprint, token,
		toMillis(now), toMillis(now), toMillis(now.Add(ttl)), toMillis(now.Add(s.opts.Retention)))
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if affected == 0 {
		existing, err := s.Lookup(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Swept between the insert and the read.
				return Reservation{}, &ExistsError{Existing: Record{Key: key, Status: StatusPending}}
			}
			return Reservation{}, err
		}
		return Reservation{}, &ExistsError{Existing: existing}
	}

	return Reservation{Key: key, Token: token}, nil
}

func (s *SQLStore) Complete(ctx context.Context, res Reservation, result []byte) error {
	return s.complete(ctx, s.db, res, result)
}

// CompleteTx marks the record completed as part of tx.
func (s *SQLStore) CompleteTx(ctx context.Context, tx *sqlx.Tx, res Reservation, result []byte) error {
	return s.complete(ctx, tx, res, result)
}

func (s *SQLStore) complete(ctx context.Context, exec sqlx.ExtContext, res Reservation, result []byte) error {
	now := s.opts.Now()
	return s.finish(ctx, exec, `
		UPDATE idempotency_records
		SET status = 'completed', result = ?, updated_at = ?, expires_at = ?
		WHERE idem_key = ? AND token = ? AND status = 'pending'
	`, result, toMillis(now), toMillis(now.Add(s.opts.Retention)), res.Key, res.Token)
}

func (s *SQLStore) Fail(ctx context.Context, res Reservation, info ErrorInfo) error {
	now := s.opts.Now()
	return s.finish(ctx, s.db, `
		UPDATE idempotency_records
		SET status = 'failed', error_kind = ?, error_message = ?, updated_at = ?, expires_at = ?
		WHERE idem_key = ? AND token = ? AND status = 'pending'
	`, info.Kind, info.Message, toMillis(now), toMillis(now.Add(s.opts.Retention)), res.Key, res.Token)
}

func (s *SQLStore) finish(ctx context.Context, exec sqlx.ExtContext, query string, args ...interface{}) error {
	result, err := exec.ExecContext(ctx, exec.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if affected == 0 {
		return ErrRecordNotPending
	}
	return nil
}

// DeleteExpired removes records past retention, keeping live reservations.
func (s *SQLStore) DeleteExpired(ctx context.Context) (int64, error) {
	now := toMillis(s.opts.Now())
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM idempotency_records
		WHERE expires_at <= ?
		  AND NOT (status = 'pending' AND reserved_until > ?)
	`), now, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
