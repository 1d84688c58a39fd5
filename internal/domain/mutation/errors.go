package mutation

import (
	"errors"

	"github.com/companionchat/chat-api/internal/domain/idempotency"
	"github.com/companionchat/chat-api/internal/domain/ledger"
)

var (
	ErrDuplicateInFlight = errors.New("mutation with this idempotency key is in flight")
	ErrKeyReused         = errors.New("idempotency key reused with a different request")
	ErrMutationFailed    = errors.New("mutation failed")
	ErrStoreUnavailable  = idempotency.ErrStoreUnavailable
)

// Error kinds as they appear in stored results.
const (
	KindInsufficientFunds  = "InsufficientFunds"
	KindInsufficientAssets = "InsufficientAssets"
	KindUserNotFound       = "UserNotFound"
	KindInvalidDescriptor  = "InvalidDescriptor"
	KindDuplicateInFlight  = "DuplicateInFlight"
	KindKeyReused          = "KeyReused"
	KindStoreUnavailable   = "StoreUnavailable"
	KindMutationFailed     = "MutationFailed"
)

// kindOf classifies err for storage and HTTP mapping.
func kindOf(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ledger.ErrInsufficientAssets):
		return KindInsufficientAssets
	case errors.Is(err, ledger.ErrUserNotFound):
		return KindUserNotFound
	case errors.Is(err, ledger.ErrInvalidDescriptor),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrUnknownAssetType),
		errors.Is(err, ledger.ErrAmountOverflow):
		return KindInvalidDescriptor
	case errors.Is(err, ErrDuplicateInFlight):
		return KindDuplicateInFlight
	case errors.Is(err, ErrKeyReused):
		return KindKeyReused
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	default:
		return KindMutationFailed
	}
}

// errorForKind rebuilds the typed error of a replayed rejection.
func errorForKind(kind string) error {
	switch kind {
	case KindInsufficientFunds:
		return ledger.ErrInsufficientFunds
	case KindInsufficientAssets:
		return ledger.ErrInsufficientAssets
	case KindUserNotFound:
		return ledger.ErrUserNotFound
	case KindInvalidDescriptor:
		return ledger.ErrInvalidDescriptor
	default:
		return ErrMutationFailed
	}
}
