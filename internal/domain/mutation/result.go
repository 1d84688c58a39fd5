package mutation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/companionchat/chat-api/internal/domain/ledger"
)

// Result is the canonical outcome returned to the caller and stored for
// replay. Its encoding is deterministic (map keys are sorted).
type Result struct {
	Success        bool                       `json:"success"`
	NewBalance     int64                      `json:"new_balance"`
	NewAssetCounts map[ledger.AssetType]int64 `json:"new_asset_counts,omitempty"`
	Error          *ResultError               `json:"error,omitempty"`
}

type ResultError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Outcome pairs a result with its stored bytes. Replayed is true when the
// result came from an earlier execution of the same key.
type Outcome struct {
	Result   Result
	Body     json.RawMessage
	Replayed bool
}

// StatusCode derives the HTTP status from the result alone, so a replay
// answers with the same status as the original call.
func (o Outcome) StatusCode() int {
	if o.Result.Success {
		return http.StatusOK
	}
	if o.Result.Error == nil {
		return http.StatusInternalServerError
	}
	return StatusForKind(o.Result.Error.Kind)
}

func StatusForKind(kind string) int {
	switch kind {
	case KindInsufficientFunds, KindInsufficientAssets, KindDuplicateInFlight:
		return http.StatusConflict
	case KindUserNotFound:
		return http.StatusNotFound
	case KindInvalidDescriptor:
		return http.StatusBadRequest
	case KindKeyReused:
		return http.StatusUnprocessableEntity
	case KindStoreUnavailable, KindMutationFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func successResult(snapshot ledger.Snapshot) Result {
	return Result{
		Success:        true,
		NewBalance:     snapshot.CoinBalance,
		NewAssetCounts: snapshot.AssetCounts,
	}
}

func rejectionResult(err error) Result {
	return Result{Error: &ResultError{Kind: kindOf(err), Message: err.Error()}}
}

func newOutcome(result Result) (Outcome, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode result: %w", err)
	}
	return Outcome{Result: result, Body: body}, nil
}

func replayOutcome(body []byte) (Outcome, error) {
	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return Outcome{}, fmt.Errorf("%w: stored result is unreadable: %v", ErrMutationFailed, err)
	}
	return Outcome{Result: result, Body: body, Replayed: true}, nil
}

// Fingerprint identifies the request a key was first used for. The key
// itself is excluded; everything that shapes the mutation is included.
func Fingerprint(d ledger.Descriptor) string {
	linked := d.Linked
	if len(linked) == 0 {
		linked = nil
	}
	canonical := struct {
		TargetUserID  uuid.UUID            `json:"u"`
		OperationKind ledger.OperationKind `json:"k"`
		AssetType     ledger.AssetType     `json:"a"`
		Amount        int64                `json:"n"`
		Reason        string               `json:"r"`
		Linked        []ledger.Change      `json:"l"`
		Fallback      []ledger.Change      `json:"f,omitempty"`
	}{d.TargetUserID, d.OperationKind, d.AssetType, d.Amount, d.Reason, linked, d.Fallback}

	body, _ := json.Marshal(canonical)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
