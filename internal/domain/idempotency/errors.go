package idempotency

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("idempotency record not found")
	ErrAlreadyExists    = errors.New("idempotency key already reserved")
	ErrRecordNotPending = errors.New("idempotency record is not pending under this reservation")
	ErrStoreUnavailable = errors.New("idempotency store unavailable")
)

// ExistsError is returned by Reserve when the key is held by a live or
// completed record. It carries that record so callers can replay it.
type ExistsError struct {
	Existing Record
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("%s: %s is %s", ErrAlreadyExists, e.Existing.Key, e.Existing.Status)
}

func (e *ExistsError) Unwrap() error {
	return ErrAlreadyExists
}
