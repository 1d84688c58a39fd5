package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultAuditLimit = 20
	maxAuditLimit     = 100
)

// Service exposes read access and ledger creation. Balance mutations go
// through the mutation coordinator, never through this type.
type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Create(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	if userID == uuid.Nil {
		return Snapshot{}, ErrInvalidDescriptor
	}
	snapshot, err := s.repo.Create(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	log.Info().Str("user_id", userID.String()).Msg("ledger ensured")
	return snapshot, nil
}

func (s *Service) GetSnapshot(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	return s.repo.GetSnapshot(ctx, userID)
}

// AuditPage is one page of a user's audit trail, newest first.
type AuditPage struct {
	Items  []AuditEntry
	Total  int
	Limit  int
	Offset int
}

func (s *Service) ListAuditEntries(ctx context.Context, userID uuid.UUID, limit, offset int) (AuditPage, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	if offset < 0 {
		offset = 0
	}

	items, err := s.repo.ListAuditEntries(ctx, userID, limit, offset)
	if err != nil {
		return AuditPage{}, err
	}
	total, err := s.repo.CountAuditEntries(ctx, userID)
	if err != nil {
		return AuditPage{}, err
	}
	return AuditPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}
