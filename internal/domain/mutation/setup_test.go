package mutation_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/companionchat/chat-api/internal/domain/idempotency"
	"github.com/companionchat/chat-api/internal/domain/ledger"
	"github.com/companionchat/chat-api/internal/domain/mutation"
	"github.com/companionchat/chat-api/internal/pkg/database"
)

const testTTL = time.Minute

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	db     *sqlx.DB
	ledger *ledger.Repository
	store  *idempotency.SQLStore
	clock  *fakeClock
}

func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "mutation.db") + "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := database.NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := setupTestDB(t)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return &fixture{
		db:     db,
		ledger: ledger.NewRepository(db, 5),
		store:  idempotency.NewSQLStore(db, idempotency.Options{Retention: 48 * time.Hour, Now: clock.Now}),
		clock:  clock,
	}
}

func (f *fixture) service(store idempotency.Store, replayRejections bool) *mutation.Service {
	return mutation.NewService(f.db, f.ledger, store, mutation.Options{
		PendingTTL:       testTTL,
		MaxTxAttempts:    5,
		ReplayRejections: replayRejections,
		Now:              f.clock.Now,
	})
}

// newUser creates a ledger with the given coin balance and asset counts.
func (f *fixture) newUser(t *testing.T, coins int64, assets map[ledger.AssetType]int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	userID := uuid.New()
	_, err := f.ledger.Create(ctx, userID)
	require.NoError(t, err)

	if coins > 0 {
		_, err = f.ledger.Apply(ctx, ledger.Descriptor{
			TargetUserID: userID, OperationKind: ledger.OperationCredit, Amount: coins,
			IdempotencyKey: "seed-coins",
		})
		require.NoError(t, err)
	}
	for asset, qty := range assets {
		_, err = f.ledger.Apply(ctx, ledger.Descriptor{
			TargetUserID: userID, OperationKind: ledger.OperationSetAsset, AssetType: asset, Amount: qty,
			IdempotencyKey: "seed-" + string(asset),
		})
		require.NoError(t, err)
	}
	return userID
}

func (f *fixture) balance(t *testing.T, userID uuid.UUID) ledger.Snapshot {
	t.Helper()
	snapshot, err := f.ledger.GetSnapshot(context.Background(), userID)
	require.NoError(t, err)
	return snapshot
}

func (f *fixture) auditCount(t *testing.T, userID uuid.UUID, key string) int {
	t.Helper()
	var n int
	err := f.db.Get(&n, f.db.Rebind(`SELECT COUNT(*) FROM ledger_audit_entries WHERE user_id = ? AND idempotency_key = ?`), userID, key)
	require.NoError(t, err)
	return n
}
