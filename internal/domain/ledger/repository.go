package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/companionchat/chat-api/internal/pkg/database"
)

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	DriverName() string
	Rebind(query string) string
}

type Repository struct {
	db          *sqlx.DB
	maxAttempts int
	now         func() time.Time
}

func NewRepository(db *sqlx.DB, maxAttempts int) *Repository {
	return &Repository{db: db, maxAttempts: maxAttempts, now: time.Now}
}

// Create inserts an empty ledger for userID. Calling it again is a no-op.
func (r *Repository) Create(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO user_ledgers (user_id, coin_balance, created_at, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`), userID, now, now)
	if err != nil {
		return Snapshot{}, err
	}
	return r.GetSnapshot(ctx, userID)
}

func (r *Repository) GetSnapshot(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	return r.readSnapshot(ctx, r.db, userID, false)
}

func (r *Repository) ListAuditEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]AuditEntry, error) {
	entries := []AuditEntry{}
	err := r.db.SelectContext(ctx, &entries, r.db.Rebind(`
		SELECT id, user_id, operation_kind, asset_type, amount, before_value, after_value,
		       idempotency_key, reason, seq, created_at
		FROM ledger_audit_entries
		WHERE user_id = ?
		ORDER BY created_at DESC, idempotency_key, seq
		LIMIT ? OFFSET ?
	`), userID, limit, offset)
	return entries, err
}

func (r *Repository) CountAuditEntries(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM ledger_audit_entries WHERE user_id = ?`), userID)
	return n, err
}

// Apply runs ApplyTx in its own transaction.
func (r *Repository) Apply(ctx context.Context, d Descriptor) (Snapshot, error) {
	var snapshot Snapshot
	err := database.WithTx(ctx, r.db, r.maxAttempts, func(tx *sqlx.Tx) error {
		var err error
		snapshot, err = r.ApplyTx(ctx, tx, d)
		return err
	})
	if errors.Is(err, database.ErrRetriesExhausted) {
		return Snapshot{}, errors.Join(ErrTransactionConflict, err)
	}
	return snapshot, err
}

// ApplyTx re-reads the user's balances under lock, applies every change of d
// in order, and writes the new balances plus one audit entry per change.
// Nothing is written unless every change keeps its balance non-negative.
func (r *Repository) ApplyTx(ctx context.Context, tx *sqlx.Tx, d Descriptor) (Snapshot, error) {
	if err := d.Validate(); err != nil {
		return Snapshot{}, err
	}

	current, err := r.readSnapshot(ctx, tx, d.TargetUserID, true)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot, applied, err := applyChanges(current, d.Changes())
	if errors.Is(err, ErrInsufficientAssets) && len(d.Fallback) > 0 {
		snapshot, applied, err = applyChanges(current, d.Fallback)
	}
	if err != nil {
		return Snapshot{}, err
	}

	now := r.now().UTC()
	touchedAssets := map[AssetType]bool{}
	for _, c := range applied {
		if !c.targetsCoins() {
			touchedAssets[c.AssetType] = true
		}
	}

	if err := r.updateCoins(ctx, tx, d.TargetUserID, snapshot.CoinBalance, now); err != nil {
		return Snapshot{}, err
	}
	for _, a := range AssetTypes {
		if !touchedAssets[a] {
			continue
		}
		if err := r.upsertAsset(ctx, tx, d.TargetUserID, a, snapshot.AssetCounts[a], now); err != nil {
			return Snapshot{}, err
		}
	}
	for i, c := range applied {
		e := AuditEntry{
			ID:             uuid.New(),
			UserID:         d.TargetUserID,
			OperationKind:  c.OperationKind,
			AssetType:      c.AssetType,
			Amount:         c.Amount,
			BeforeValue:    c.before,
			AfterValue:     c.after,
			IdempotencyKey: d.IdempotencyKey,
			Reason:         d.Reason,
			Seq:            i,
			CreatedAt:      now,
		}
		if err := r.insertAuditEntry(ctx, tx, e); err != nil {
			return Snapshot{}, err
		}
	}

	snapshot.UpdatedAt = now
	return snapshot, nil
}

type appliedChange struct {
	Change
	before int64
	after  int64
}

// applyChanges computes changes against a copy of s.
func applyChanges(s Snapshot, changes []Change) (Snapshot, []appliedChange, error) {
	next := s
	next.AssetCounts = make(map[AssetType]int64, len(s.AssetCounts))
	for a, n := range s.AssetCounts {
		next.AssetCounts[a] = n
	}

	applied := make([]appliedChange, 0, len(changes))
	for _, c := range changes {
		before := next.CoinBalance
		if !c.targetsCoins() {
			before = next.AssetCounts[c.AssetType]
		}

		after, err := nextValue(before, c)
		if err != nil {
			return Snapshot{}, nil, err
		}

		if c.targetsCoins() {
			next.CoinBalance = after
		} else {
			next.AssetCounts[c.AssetType] = after
		}
		applied = append(applied, appliedChange{Change: c, before: before, after: after})
	}
	return next, applied, nil
}

func nextValue(before int64, c Change) (int64, error) {
	switch c.OperationKind {
	case OperationCredit:
		return addChecked(before, c.Amount)
	case OperationSetAsset:
		return c.Amount, nil
	}

	// debit and consumeAsset
	after := before - c.Amount
	if after < 0 {
		if c.targetsCoins() {
			return 0, ErrInsufficientFunds
		}
		return 0, ErrInsufficientAssets
	}
	return after, nil
}

func (r *Repository) readSnapshot(ctx context.Context, q queryer, userID uuid.UUID, lock bool) (Snapshot, error) {
	query := `SELECT coin_balance, updated_at FROM user_ledgers WHERE user_id = ?`
	if lock {
		query += database.ForUpdate(q.DriverName())
	}

	var row struct {
		CoinBalance int64     `db:"coin_balance"`
		UpdatedAt   time.Time `db:"updated_at"`
	}
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(query), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrUserNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := newSnapshot(userID)
	snapshot.CoinBalance = row.CoinBalance
	snapshot.UpdatedAt = row.UpdatedAt

	var assets []struct {
		AssetType AssetType `db:"asset_type"`
		Quantity  int64     `db:"quantity"`
	}
	err = sqlx.SelectContext(ctx, q, &assets, q.Rebind(`
		SELECT asset_type, quantity FROM user_assets WHERE user_id = ?
	`), userID)
	if err != nil {
		return Snapshot{}, err
	}
	for _, a := range assets {
		snapshot.AssetCounts[a.AssetType] = a.Quantity
	}
	return snapshot, nil
}

func (r *Repository) updateCoins(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, balance int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE user_ledgers SET coin_balance = ?, updated_at = ? WHERE user_id = ?
	`), balance, now, userID)
	if database.IsCheckViolation(err) {
		return ErrInsufficientFunds
	}
	return err
}

func (r *Repository) upsertAsset(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, asset AssetType, quantity int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO user_assets (user_id, asset_type, quantity, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, asset_type)
		DO UPDATE SET quantity = excluded.quantity, updated_at = excluded.updated_at
	`), userID, string(asset), quantity, now)
	if database.IsCheckViolation(err) {
		return ErrInsufficientAssets
	}
	return err
}

func (r *Repository) insertAuditEntry(ctx context.Context, tx *sqlx.Tx, e AuditEntry) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO ledger_audit_entries
			(id, user_id, operation_kind, asset_type, amount, before_value, after_value,
			 idempotency_key, reason, seq, created_at)
		VALUES
			(:id, :user_id, :operation_kind, :asset_type, :amount, :before_value, :after_value,
			 :idempotency_key, :reason, :seq, :created_at)
	`, e)
	return err
}
