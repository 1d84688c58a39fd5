package idempotency

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/companionchat/chat-api/internal/pkg/metrics"
)

// Sweeper deletes idempotency records whose retention has elapsed.
type Sweeper struct {
	purger Purger
}

func NewSweeper(purger Purger) *Sweeper {
	return &Sweeper{purger: purger}
}

// Start runs the sweep immediately and then on every tick until ctx ends.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.run(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Idempotency sweeper stopped")
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

func (s *Sweeper) run(ctx context.Context) {
	deleted, err := s.RunOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to sweep expired idempotency records")
		return
	}
	if deleted > 0 {
		metrics.IdempotencySwept.Add(float64(deleted))
		log.Info().Int64("deleted", deleted).Msg("Swept expired idempotency records")
	}
}

// RunOnce runs a single sweep (for manual trigger or testing)
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	return s.purger.DeleteExpired(ctx)
}
