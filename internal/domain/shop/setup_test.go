package shop_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/companionchat/chat-api/internal/domain/catalog"
	"github.com/companionchat/chat-api/internal/domain/idempotency"
	"github.com/companionchat/chat-api/internal/domain/ledger"
	"github.com/companionchat/chat-api/internal/domain/mutation"
	"github.com/companionchat/chat-api/internal/domain/shop"
	"github.com/companionchat/chat-api/internal/pkg/database"
)

type fixture struct {
	db     *sqlx.DB
	ledger *ledger.Repository
	shop   *shop.Service
}

func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "shop.db") + "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
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
	return newFixtureWithOptions(t, mutation.Options{ReplayRejections: true})
}

func newFixtureWithOptions(t *testing.T, opts mutation.Options) *fixture {
	t.Helper()

	db := setupTestDB(t)
	repo := ledger.NewRepository(db, 5)
	store := idempotency.NewSQLStore(db, idempotency.Options{Retention: 48 * time.Hour})
	opts.PendingTTL = time.Minute
	opts.MaxTxAttempts = 5
	mutations := mutation.NewService(db, repo, store, opts)

	c, err := catalog.Load("")
	require.NoError(t, err)

	return &fixture{
		db:     db,
		ledger: repo,
		shop:   shop.NewService(mutations, c),
	}
}

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

func (f *fixture) snapshot(t *testing.T, userID uuid.UUID) ledger.Snapshot {
	t.Helper()
	s, err := f.ledger.GetSnapshot(context.Background(), userID)
	require.NoError(t, err)
	return s
}
