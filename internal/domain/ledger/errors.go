package ledger

import "errors"

var (
	ErrInvalidDescriptor   = errors.New("invalid mutation descriptor")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnknownAssetType    = errors.New("unknown asset type")
	ErrAmountOverflow      = errors.New("amount overflows balance")
	ErrInsufficientFunds   = errors.New("insufficient coin balance")
	ErrInsufficientAssets  = errors.New("insufficient asset quantity")
	ErrUserNotFound        = errors.New("user ledger not found")
	ErrTransactionConflict = errors.New("ledger transaction conflict")
)

// IsRejection reports whether err is a business outcome of a valid request
// rather than an infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientAssets) ||
		errors.Is(err, ErrUserNotFound)
}
