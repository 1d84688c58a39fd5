package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/companionchat/chat-api/internal/domain/idempotency"
	"github.com/companionchat/chat-api/internal/domain/ledger"
	"github.com/companionchat/chat-api/internal/pkg/database"
	"github.com/companionchat/chat-api/internal/pkg/metrics"
)

const finalizeTimeout = 3 * time.Second

type Options struct {
	PendingTTL    time.Duration
	MaxTxAttempts int
	// ReplayRejections stores business rejections as completed results so
	// the same key keeps returning them. When false they are stored as
	// failed and the key may be re-evaluated.
	ReplayRejections bool
	Now              func() time.Time
}

// Service executes ledger mutations at most once per idempotency key.
type Service struct {
	db     *sqlx.DB
	ledger *ledger.Repository
	store  idempotency.Store
	opts   Options
}

func NewService(db *sqlx.DB, ledgerRepo *ledger.Repository, store idempotency.Store, opts Options) *Service {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = time.Minute
	}
	if opts.MaxTxAttempts < 1 {
		opts.MaxTxAttempts = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{db: db, ledger: ledgerRepo, store: store, opts: opts}
}

// Execute applies d unless its idempotency key already has an outcome.
//
// A completed key replays its stored bytes without touching the ledger. A key
// reserved by a live caller returns ErrDuplicateInFlight immediately. Business
// rejections return both an Outcome carrying the rejection and the typed
// ledger error.
func (s *Service) Execute(ctx context.Context, d ledger.Descriptor) (Outcome, error) {
	start := time.Now()
	out, err := s.execute(ctx, d)

	op := string(d.OperationKind)
	metrics.MutationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.MutationsTotal.WithLabelValues(op, outcomeLabel(out, err)).Inc()
	return out, err
}

func (s *Service) execute(ctx context.Context, d ledger.Descriptor) (Outcome, error) {
	if err := d.Validate(); err != nil {
		return Outcome{}, err
	}
	fingerprint := Fingerprint(d)

	existing, err := s.store.Lookup(ctx, d.IdempotencyKey)
	switch {
	case err == nil:
		if out, err, done := s.resolveExisting(existing, fingerprint); done {
			return out, err
		}
	case errors.Is(err, idempotency.ErrNotFound):
	default:
		return Outcome{}, fmt.Errorf("%w: lookup: %v", ErrStoreUnavailable, err)
	}

	res, err := s.store.Reserve(ctx, d.IdempotencyKey, fingerprint, s.opts.PendingTTL)
	if err != nil {
		var exists *idempotency.ExistsError
		if errors.As(err, &exists) {
			if out, err, done := s.resolveExisting(exists.Existing, fingerprint); done {
				return out, err
			}
			return Outcome{}, ErrDuplicateInFlight
		}
		return Outcome{}, fmt.Errorf("%w: reserve: %v", ErrStoreUnavailable, err)
	}

	return s.apply(ctx, d, res)
}

// resolveExisting decides what an existing record means for this request.
// done is false when the record may be taken over (failed or stale).
func (s *Service) resolveExisting(record idempotency.Record, fingerprint string) (out Outcome, err error, done bool) {
	switch record.Status {
	case idempotency.StatusCompleted:
		if record.Fingerprint != fingerprint {
			return Outcome{}, ErrKeyReused, true
		}
		out, err := replayOutcome(record.Result)
		if err != nil {
			return Outcome{}, err, true
		}
		if !out.Result.Success && out.Result.Error != nil {
			return out, errorForKind(out.Result.Error.Kind), true
		}
		return out, nil, true
	case idempotency.StatusPending:
		if !record.LivePending(s.opts.Now()) {
			return Outcome{}, nil, false
		}
		if record.Fingerprint != "" && record.Fingerprint != fingerprint {
			return Outcome{}, ErrKeyReused, true
		}
		return Outcome{}, ErrDuplicateInFlight, true
	default:
		return Outcome{}, nil, false
	}
}

func (s *Service) apply(ctx context.Context, d ledger.Descriptor, res idempotency.Reservation) (Outcome, error) {
	txCompleter, atomic := s.store.(idempotency.TxCompleter)

	var out Outcome
	err := database.WithTx(ctx, s.db, s.opts.MaxTxAttempts, func(tx *sqlx.Tx) error {
		snapshot, err := s.ledger.ApplyTx(ctx, tx, d)
		if err != nil {
			return err
		}
		out, err = newOutcome(successResult(snapshot))
		if err != nil {
			return err
		}
		if atomic {
			return txCompleter.CompleteTx(ctx, tx, res, out.Body)
		}
		return nil
	})

	switch {
	case err == nil:
		if !atomic {
			s.completeAfterCommit(ctx, d, res, out.Body)
		}
		log.Info().
			Str("user_id", d.TargetUserID.String()).
			Str("operation", string(d.OperationKind)).
			Int64("amount", d.Amount).
			Str("idempotency_key", d.IdempotencyKey).
			Int64("new_balance", out.Result.NewBalance).
			Msg("ledger mutation applied")
		return out, nil

	case errors.Is(err, idempotency.ErrRecordNotPending):
		// The reservation went stale and another caller took the key over.
		// The ledger transaction rolled back.
		return Outcome{}, ErrDuplicateInFlight

	case ledger.IsRejection(err):
		return s.reject(ctx, d, res, err)

	case kindOf(err) == KindInvalidDescriptor:
		s.fail(ctx, res, err)
		return Outcome{}, err

	default:
		s.fail(ctx, res, err)
		log.Error().Err(err).
			Str("user_id", d.TargetUserID.String()).
			Str("idempotency_key", d.IdempotencyKey).
			Msg("ledger mutation failed")
		if errors.Is(err, ErrStoreUnavailable) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("%w: %v", ErrMutationFailed, err)
	}
}

func (s *Service) reject(ctx context.Context, d ledger.Descriptor, res idempotency.Reservation, cause error) (Outcome, error) {
	out, err := newOutcome(rejectionResult(cause))
	if err != nil {
		s.fail(ctx, res, err)
		return Outcome{}, fmt.Errorf("%w: %v", ErrMutationFailed, err)
	}

	if s.opts.ReplayRejections {
		fctx, cancel := detached(ctx)
		defer cancel()
		if err := s.store.Complete(fctx, res, out.Body); err != nil {
			log.Warn().Err(err).Str("idempotency_key", d.IdempotencyKey).Msg("failed to record rejected mutation")
		}
	} else {
		s.fail(ctx, res, cause)
	}

	log.Info().
		Str("user_id", d.TargetUserID.String()).
		Str("operation", string(d.OperationKind)).
		Str("idempotency_key", d.IdempotencyKey).
		Str("kind", out.Result.Error.Kind).
		Msg("ledger mutation rejected")
	return out, cause
}

// completeAfterCommit records the outcome for stores that cannot join the
// ledger transaction. The ledger change is already durable, so a failure
// here is reported for reconciliation and the result is still returned.
func (s *Service) completeAfterCommit(ctx context.Context, d ledger.Descriptor, res idempotency.Reservation, body []byte) {
	fctx, cancel := detached(ctx)
	defer cancel()

	if err := s.store.Complete(fctx, res, body); err != nil {
		metrics.IdempotencyInconsistencies.Inc()
		log.WithLevel(zerolog.FatalLevel).Err(err).
			Str("user_id", d.TargetUserID.String()).
			Str("idempotency_key", d.IdempotencyKey).
			RawJSON("result", body).
			Msg("ledger committed but idempotency record was not completed")
	}
}

// fail releases the reservation so the key can be retried. Best effort: a
// record left pending becomes reclaimable once its TTL elapses.
func (s *Service) fail(ctx context.Context, res idempotency.Reservation, cause error) {
	fctx, cancel := detached(ctx)
	defer cancel()

	info := idempotency.ErrorInfo{Kind: kindOf(cause), Message: cause.Error()}
	if err := s.store.Fail(fctx, res, info); err != nil {
		log.Warn().Err(err).Str("idempotency_key", res.Key).Msg("failed to release idempotency reservation")
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func outcomeLabel(out Outcome, err error) string {
	switch {
	case err == nil && out.Replayed:
		return "replayed"
	case err == nil:
		return "applied"
	case ledger.IsRejection(err):
		if out.Replayed {
			return "replayed"
		}
		return "rejected"
	}

	switch kindOf(err) {
	case KindDuplicateInFlight:
		return "in_flight"
	case KindKeyReused:
		return "key_reused"
	case KindInvalidDescriptor:
		return "invalid"
	default:
		return "failed"
	}
}
