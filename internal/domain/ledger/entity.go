package ledger

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type OperationKind string

const (
	OperationCredit       OperationKind = "credit"
	OperationDebit        OperationKind = "debit"
	OperationSetAsset     OperationKind = "setAsset"
	OperationConsumeAsset OperationKind = "consumeAsset"
)

func (k OperationKind) Valid() bool {
	switch k {
	case OperationCredit, OperationDebit, OperationSetAsset, OperationConsumeAsset:
		return true
	}
	return false
}

type AssetType string

const (
	AssetCharacterUnlockCards AssetType = "characterUnlockCards"
	AssetPhotoUnlockCards     AssetType = "photoUnlockCards"
	AssetVideoUnlockCards     AssetType = "videoUnlockCards"
	AssetVoiceUnlockCards     AssetType = "voiceUnlockCards"
	AssetCreateCards          AssetType = "createCards"
	AssetMemoryBoost          AssetType = "memoryBoost"
	AssetBrainBoost           AssetType = "brainBoost"
)

// AssetTypes lists every asset a snapshot reports, in display order.
var AssetTypes = []AssetType{
	AssetCharacterUnlockCards,
	AssetPhotoUnlockCards,
	AssetVideoUnlockCards,
	AssetVoiceUnlockCards,
	AssetCreateCards,
	AssetMemoryBoost,
	AssetBrainBoost,
}

func (a AssetType) Valid() bool {
	for _, known := range AssetTypes {
		if a == known {
			return true
		}
	}
	return false
}

// MaxIdempotencyKeyLength bounds client supplied keys after scoping.
const MaxIdempotencyKeyLength = 255

// Snapshot is the authoritative balance state of one user.
type Snapshot struct {
	UserID      uuid.UUID           `json:"user_id"`
	CoinBalance int64               `json:"coin_balance"`
	AssetCounts map[AssetType]int64 `json:"asset_counts"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func newSnapshot(userID uuid.UUID) Snapshot {
	counts := make(map[AssetType]int64, len(AssetTypes))
	for _, a := range AssetTypes {
		counts[a] = 0
	}
	return Snapshot{UserID: userID, AssetCounts: counts}
}

// Change is a single balance movement. An empty AssetType targets coins.
type Change struct {
	OperationKind OperationKind `json:"operation_kind"`
	AssetType     AssetType     `json:"asset_type,omitempty"`
	Amount        int64         `json:"amount"`
}

func (c Change) targetsCoins() bool {
	return c.AssetType == ""
}

func (c Change) validate() error {
	if !c.OperationKind.Valid() {
		return fmt.Errorf("%w: unknown operation kind %q", ErrInvalidDescriptor, c.OperationKind)
	}
	if c.AssetType != "" && !c.AssetType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAssetType, c.AssetType)
	}

	switch c.OperationKind {
	case OperationSetAsset, OperationConsumeAsset:
		if c.targetsCoins() {
			return fmt.Errorf("%w: %s requires an asset type", ErrInvalidDescriptor, c.OperationKind)
		}
	}

	if c.OperationKind == OperationSetAsset {
		if c.Amount < 0 {
			return fmt.Errorf("%w: setAsset amount must be >= 0", ErrInvalidAmount)
		}
		return nil
	}
	if c.Amount <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidAmount)
	}
	return nil
}

// Descriptor is a complete request to change one user's balances.
// Linked changes are applied in the same transaction as the primary one.
//
// Fallback, when set, replaces the primary and linked changes if they would
// take an asset below zero. The choice is made under the row lock, so one
// descriptor settles on exactly one of the two plans.
type Descriptor struct {
	TargetUserID   uuid.UUID     `json:"target_user_id"`
	OperationKind  OperationKind `json:"operation_kind"`
	AssetType      AssetType     `json:"asset_type,omitempty"`
	Amount         int64         `json:"amount"`
	IdempotencyKey string        `json:"idempotency_key"`
	Reason         string        `json:"reason,omitempty"`
	Linked         []Change      `json:"linked,omitempty"`
	Fallback       []Change      `json:"fallback,omitempty"`
}

// Changes returns the primary change followed by linked ones.
func (d Descriptor) Changes() []Change {
	changes := make([]Change, 0, 1+len(d.Linked))
	changes = append(changes, Change{OperationKind: d.OperationKind, AssetType: d.AssetType, Amount: d.Amount})
	return append(changes, d.Linked...)
}

func (d Descriptor) Validate() error {
	if d.TargetUserID == uuid.Nil {
		return fmt.Errorf("%w: target user is required", ErrInvalidDescriptor)
	}
	if d.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidDescriptor)
	}
	if len(d.IdempotencyKey) > MaxIdempotencyKeyLength {
		return fmt.Errorf("%w: idempotency key longer than %d bytes", ErrInvalidDescriptor, MaxIdempotencyKeyLength)
	}
	for _, c := range d.Changes() {
		if err := c.validate(); err != nil {
			return err
		}
	}
	for _, c := range d.Fallback {
		if err := c.validate(); err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
	}
	return nil
}

// AuditEntry records one applied change. Entries are never updated.
type AuditEntry struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	UserID         uuid.UUID     `db:"user_id" json:"user_id"`
	OperationKind  OperationKind `db:"operation_kind" json:"operation_kind"`
	AssetType      AssetType     `db:"asset_type" json:"asset_type,omitempty"`
	Amount         int64         `db:"amount" json:"amount"`
	BeforeValue    int64         `db:"before_value" json:"before_value"`
	AfterValue     int64         `db:"after_value" json:"after_value"`
	IdempotencyKey string        `db:"idempotency_key" json:"idempotency_key"`
	Reason         string        `db:"reason" json:"reason,omitempty"`
	// Seq orders entries written by the same mutation.
	Seq       int       `db:"seq" json:"seq"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

func addChecked(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrAmountOverflow
	}
	return a + b, nil
}
