package mutation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/companionchat/chat-api/internal/domain/idempotency"
	"github.com/companionchat/chat-api/internal/domain/ledger"
	"github.com/companionchat/chat-api/internal/domain/mutation"
	"github.com/companionchat/chat-api/internal/pkg/metrics"
)

/* ==== Scenarios ==== */

func TestCreditThenReplayReportsOriginalBalance(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.store, true)
	ctx := context.Background()
	userID := f.newUser(t, 100, nil)

	credit := ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationCredit, Amount: 500,
		IdempotencyKey: "K", Reason: "coin package",
	}

	first, err := svc.Execute(ctx, credit)
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.True(t, first.Result.Success)
	require.Equal(t, int64(600), first.Result.NewBalance)

	second, err := svc.Execute(ctx, credit)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, int64(600), second.Result.NewBalance)
	require.Equal(t, string(first.Body), string(second.Body), "replay must be byte-identical")
	require.Equal(t, first.StatusCode(), second.StatusCode())

	require.Equal(t, int64(600), f.balance(t, userID).CoinBalance)
	require.Equal(t, 1, f.auditCount(t, userID, "K"))
}

func TestDebitBeyondBalanceIsRejected(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.store, true)
	ctx := context.Background()
	userID := f.newUser(t, 100, nil)

	debit := ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationDebit, Amount: 200, IdempotencyKey: "K2",
	}

	out, err := svc.Execute(ctx, debit)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.False(t, out.Result.Success)
	require.Equal(t, mutation.KindInsufficientFunds, out.Result.Error.Kind)
	require.Equal(t, 409, out.StatusCode())
	require.Equal(t, int64(100), f.balance(t, userID).CoinBalance)

	// Topping up does not change the replayed answer for the same key.
	_, err = f.ledger.Apply(ctx, ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationCredit, Amount: 500, IdempotencyKey: "topup",
	})
	require.NoError(t, err)

	replay, err := svc.Execute(ctx, debit)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.True(t, replay.Replayed)
	require.Equal(t, string(out.Body), string(replay.Body))
	require.Equal(t, int64(600), f.balance(t, userID).CoinBalance)
}

func TestRejectionReevaluatedWhenReplayDisabled(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.store, false)
	ctx := context.Background()
	userID := f.newUser(t, 100, nil)

	debit := ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationDebit, Amount: 200, IdempotencyKey: "K2",
	}

	_, err := svc.Execute(ctx, debit)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	record, err := f.store.Lookup(ctx, "K2")
	require.NoError(t, err)
	require.Equal(t, idempotency.StatusFailed, record.Status)
	require.Equal(t, mutation.KindInsufficientFunds, record.ErrorKind)

	_, err = f.ledger.Apply(ctx, ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationCredit, Amount: 500, IdempotencyKey: "topup",
	})
	require.NoError(t, err)

	out, err := svc.Execute(ctx, debit)
	require.NoError(t, err)
	require.False(t, out.Replayed)
	require.Equal(t, int64(400), out.Result.NewBalance)
}

func TestConcurrentConsumeOfLastCard(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.store, true)
	userID := f.newUser(t, 0, map[ledger.AssetType]int64{ledger.AssetCharacterUnlockCards: 1})

	consume := ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationConsumeAsset,
		AssetType: ledger.AssetCharacterUnlockCards, Amount: 1, IdempotencyKey: "K3",
	}

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied, inFlight := 0, 0
	var bodies []string

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Execute(context.Background(), consume)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if !out.Replayed {
					applied++
				}
				if got := out.Result.NewAssetCounts[ledger.AssetCharacterUnlockCards]; got != 0 {
					t.Errorf("expected 0 cards, got %d", got)
				}
				bodies = append(bodies, string(out.Body))
			case errors.Is(err, mutation.ErrDuplicateInFlight):
				inFlight++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, applied)
	require.Equal(t, callers, len(bodies)+inFlight)
	for _, body := range bodies {
		require.Equal(t, bodies[0], body)
	}
	require.Equal(t, int64(0), f.balance(t, userID).AssetCounts[ledger.AssetCharacterUnlockCards])
	require.Equal(t, 1, f.auditCount(t, userID, "K3"))
}

func TestAbandonedReservationIsRetriedAfterTTL(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.store, true)
	ctx := context.Background()
	userID := f.newUser(t, 10, nil)

	credit := ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationCredit, Amount: 5, IdempotencyKey: "K4",
	}

	// A caller reserved the key and crashed before completing it.
	_, err := f.store.Reserve(ctx, "K4", mutation.Fingerprint(credit), testTTL)
	require.NoError(t, err)

	_, err = svc.Execute(ctx, credit)
	require.ErrorIs(t, err, mutation.ErrDuplicateInFlight)
	require.Equal(t, int64(10), f.balance(t, userID).CoinBalance)

	f.clock.Advance(testTTL)

	out, err := svc.Execute(ctx, credit)
	require.NoError(t, err)
	require.False(t, out.Replayed)
	require.Equal(t, int64(15), out.Result.NewBalance)

	replay, err := svc.Execute(ctx, credit)
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, int64(15), f.balance(t, userID).CoinBalance)
}

/* ==== Properties ==== */

func TestAtMostOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.store, true)
	userID := f.newUser(t, 0, nil)

	credit := ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationCredit, Amount: 30, IdempotencyKey: "once",
	}

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Execute(context.Background(), credit)
			if err != nil && !errors.Is(err, mutation.ErrDuplicateInFlight) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil && out.Result.NewBalance != 30 {
				t.Errorf("expected balance 30, got %d", out.Result.NewBalance)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(30), f.balance(t, userID).CoinBalance)
	require.Equal(t, 1, f.auditCount(t, userID, "once"))
}

func TestDifferentKeysDoNotBlockEachOther(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.store, true)
	userID := f.newUser(t, 0, nil)

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Execute(context.Background(), ledger.Descriptor{
				TargetUserID: userID, OperationKind: ledger.OperationCredit, Amount: 1,
				IdempotencyKey: fmt.Sprintf("independent-%d", i),
			})
			if err != nil {
				t.Errorf("key %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(callers), f.balance(t, userID).CoinBalance)
}

func TestKeyReuseWithDifferentRequest(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.store, true)
	ctx := context.Background()
	userID := f.newUser(t, 0, nil)

	_, err := svc.Execute(ctx, ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationCredit, Amount: 10, IdempotencyKey: "shared",
	})
	require.NoError(t, err)

	_, err = svc.Execute(ctx, ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationCredit, Amount: 99, IdempotencyKey: "shared",
	})
	require.ErrorIs(t, err, mutation.ErrKeyReused)
	require.Equal(t, int64(10), f.balance(t, userID).CoinBalance)
}

func TestInvalidDescriptorIsNotRecorded(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.store, true)
	ctx := context.Background()
	userID := f.newUser(t, 0, nil)

	_, err := svc.Execute(ctx, ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationDebit, Amount: 0, IdempotencyKey: "bad",
	})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = f.store.Lookup(ctx, "bad")
	require.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestUnknownUserIsReplayed(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.store, true)
	ctx := context.Background()

	d := ledger.Descriptor{
		TargetUserID: uuid.New(), OperationKind: ledger.OperationCredit, Amount: 1, IdempotencyKey: "ghost",
	}
	out, err := svc.Execute(ctx, d)
	require.ErrorIs(t, err, ledger.ErrUserNotFound)
	require.Equal(t, 404, out.StatusCode())

	replay, err := svc.Execute(ctx, d)
	require.ErrorIs(t, err, ledger.ErrUserNotFound)
	require.True(t, replay.Replayed)
}

func TestLinkedChangesApplyTogether(t *testing.T) {
	f := newFixture(t)
	svc := f.service(f.store, true)
	userID := f.newUser(t, 100, nil)

	out, err := svc.Execute(context.Background(), ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationDebit, Amount: 80, IdempotencyKey: "bundle",
		Linked: []ledger.Change{{OperationKind: ledger.OperationCredit, AssetType: ledger.AssetVideoUnlockCards, Amount: 3}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(20), out.Result.NewBalance)
	require.Equal(t, int64(3), out.Result.NewAssetCounts[ledger.AssetVideoUnlockCards])
}

/* ==== Store variations ==== */

// postCommitStore hides CompleteTx, forcing completion after commit.
type postCommitStore struct {
	idempotency.Store
}

type brokenCompleteStore struct {
	idempotency.Store
}

func (s brokenCompleteStore) Complete(context.Context, idempotency.Reservation, []byte) error {
	return fmt.Errorf("%w: connection reset", idempotency.ErrStoreUnavailable)
}

type lostReservationStore struct {
	*idempotency.SQLStore
}

func (s lostReservationStore) CompleteTx(context.Context, *sqlx.Tx, idempotency.Reservation, []byte) error {
	return idempotency.ErrRecordNotPending
}

type unavailableStore struct {
	idempotency.Store
}

func (s unavailableStore) Lookup(context.Context, string) (idempotency.Record, error) {
	return idempotency.Record{}, errors.New("dial tcp: connection refused")
}

func TestPostCommitCompletion(t *testing.T) {
	f := newFixture(t)
	svc := f.service(postCommitStore{f.store}, true)
	ctx := context.Background()
	userID := f.newUser(t, 0, nil)

	credit := ledger.Descriptor{TargetUserID: userID, OperationKind: ledger.OperationCredit, Amount: 7, IdempotencyKey: "post"}
	first, err := svc.Execute(ctx, credit)
	require.NoError(t, err)

	record, err := f.store.Lookup(ctx, "post")
	require.NoError(t, err)
	require.Equal(t, idempotency.StatusCompleted, record.Status)
	require.Equal(t, string(first.Body), string(record.Result))
}

func TestPostCommitCompletionFailureStillReturnsResult(t *testing.T) {
	f := newFixture(t)
	svc := f.service(brokenCompleteStore{postCommitStore{f.store}}, true)
	userID := f.newUser(t, 0, nil)

	before := testutil.ToFloat64(metrics.IdempotencyInconsistencies)

	out, err := svc.Execute(context.Background(), ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationCredit, Amount: 9, IdempotencyKey: "inconsistent",
	})
	require.NoError(t, err)
	require.Equal(t, int64(9), out.Result.NewBalance)
	require.Equal(t, int64(9), f.balance(t, userID).CoinBalance)
	require.Equal(t, before+1, testutil.ToFloat64(metrics.IdempotencyInconsistencies))
}

func TestLostReservationRollsBackLedger(t *testing.T) {
	f := newFixture(t)
	svc := f.service(lostReservationStore{f.store}, true)
	userID := f.newUser(t, 50, nil)

	_, err := svc.Execute(context.Background(), ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationDebit, Amount: 20, IdempotencyKey: "stale-owner",
	})
	require.ErrorIs(t, err, mutation.ErrDuplicateInFlight)
	require.Equal(t, int64(50), f.balance(t, userID).CoinBalance)
}

func TestStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	svc := f.service(unavailableStore{f.store}, true)
	userID := f.newUser(t, 50, nil)

	_, err := svc.Execute(context.Background(), ledger.Descriptor{
		TargetUserID: userID, OperationKind: ledger.OperationDebit, Amount: 20, IdempotencyKey: "down",
	})
	require.ErrorIs(t, err, mutation.ErrStoreUnavailable)
	require.Equal(t, int64(50), f.balance(t, userID).CoinBalance)
}
