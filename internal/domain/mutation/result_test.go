package mutation

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/companionchat/chat-api/internal/domain/ledger"
)

func TestFingerprint(t *testing.T) {
	base := ledger.Descriptor{
		TargetUserID: uuid.MustParse("8f14e45f-ceea-467f-a0e6-6c1b4a1b2f4d"), OperationKind: ledger.OperationDebit,
		Amount: 10, IdempotencyKey: "a", Reason: "gift",
	}

	sameButKey := base
	sameButKey.IdempotencyKey = "b"
	if Fingerprint(base) != Fingerprint(sameButKey) {
		t.Fatal("fingerprint must not depend on the key")
	}

	emptyLinked := base
	emptyLinked.Linked = []ledger.Change{}
	if Fingerprint(base) != Fingerprint(emptyLinked) {
		t.Fatal("nil and empty linked changes must fingerprint the same")
	}

	variants := map[string]func(d *ledger.Descriptor){
		"amount": func(d *ledger.Descriptor) { d.Amount = 11 },
		"user":   func(d *ledger.Descriptor) { d.TargetUserID = uuid.New() },
		"kind":   func(d *ledger.Descriptor) { d.OperationKind = ledger.OperationCredit },
		"asset":  func(d *ledger.Descriptor) { d.AssetType = ledger.AssetCreateCards },
		"linked": func(d *ledger.Descriptor) {
			d.Linked = []ledger.Change{{OperationKind: ledger.OperationCredit, AssetType: ledger.AssetCreateCards, Amount: 1}}
		},
		"fallback": func(d *ledger.Descriptor) {
			d.Fallback = []ledger.Change{{OperationKind: ledger.OperationDebit, Amount: 100}}
		},
	}
	for name, mutate := range variants {
		d := base
		mutate(&d)
		if Fingerprint(d) == Fingerprint(base) {
			t.Fatalf("changing %s must change the fingerprint", name)
		}
	}
}

func TestKindAndStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		kind   string
		status int
	}{
		{ledger.ErrInsufficientFunds, KindInsufficientFunds, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", ledger.ErrInsufficientAssets), KindInsufficientAssets, http.StatusConflict},
		{ledger.ErrUserNotFound, KindUserNotFound, http.StatusNotFound},
		{ledger.ErrAmountOverflow, KindInvalidDescriptor, http.StatusBadRequest},
		{ErrDuplicateInFlight, KindDuplicateInFlight, http.StatusConflict},
		{ErrKeyReused, KindKeyReused, http.StatusUnprocessableEntity},
		{ErrStoreUnavailable, KindStoreUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), KindMutationFailed, http.StatusServiceUnavailable},
	}

	for _, tc := range tests {
		if got := kindOf(tc.err); got != tc.kind {
			t.Fatalf("kindOf(%v) = %s, want %s", tc.err, got, tc.kind)
		}
		if got := StatusForKind(tc.kind); got != tc.status {
			t.Fatalf("StatusForKind(%s) = %d, want %d", tc.kind, got, tc.status)
		}
	}
}

func TestReplayRestoresTypedErrors(t *testing.T) {
	for _, err := range []error{ledger.ErrInsufficientFunds, ledger.ErrInsufficientAssets, ledger.ErrUserNotFound} {
		if got := errorForKind(kindOf(err)); !errors.Is(got, err) {
			t.Fatalf("expected %v, got %v", err, got)
		}
	}
}

func TestResultEncodingIsDeterministic(t *testing.T) {
	snapshot := ledger.Snapshot{CoinBalance: 42, AssetCounts: map[ledger.AssetType]int64{
		ledger.AssetVideoUnlockCards:     1,
		ledger.AssetCharacterUnlockCards: 2,
	}}

	first, err := newOutcome(successResult(snapshot))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"success":true,"new_balance":42,"new_asset_counts":{"characterUnlockCards":2,"videoUnlockCards":1}}`
	if string(first.Body) != want {
		t.Fatalf("unexpected body %s", first.Body)
	}

	replayed, err := replayOutcome(first.Body)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replayed.Replayed || replayed.StatusCode() != http.StatusOK || replayed.Result.NewBalance != 42 {
		t.Fatalf("unexpected replay %+v", replayed)
	}

	rejected, err := newOutcome(rejectionResult(ledger.ErrInsufficientFunds))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want = `{"success":false,"new_balance":0,"error":{"kind":"InsufficientFunds","message":"insufficient coin balance"}}`
	if string(rejected.Body) != want {
		t.Fatalf("unexpected body %s", rejected.Body)
	}
}
