package catalog

import (
	"context"
	"errors"
	"log/slog"

	"github.com/heimdex/heimdex-ingest/internal/logging"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// CatalogService is the owner-scoped read side of the video catalog.
type CatalogService interface {
	GetVideo(ctx context.Context, id, ownerID string) (*Video, error)
	ListSegments(ctx context.Context, videoID, ownerID string) ([]*Segment, error)
	GetJob(ctx context.Context, id, ownerID string) (*Job, error)
}

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{repo: repo, logger: logger}
}

func (s *Service) GetVideo(ctx context.Context, id, ownerID string) (*Video, error) {
	v, err := s.repo.GetVideo(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	if v.OwnerID != ownerID {
		logging.WithVideoID(s.logger, id).Warn("video access denied", "owner_id", ownerID)
		return nil, ErrForbidden
	}
	return v, nil
}

func (s *Service) ListSegments(ctx context.Context, videoID, ownerID string) ([]*Segment, error) {
	if _, err := s.GetVideo(ctx, videoID, ownerID); err != nil {
		return nil, err
	}
	segments, err := s.repo.ListSegments(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if segments == nil {
		segments = []*Segment{}
	}
	return segments, nil
}

func (s *Service) GetJob(ctx context.Context, id, ownerID string) (*Job, error) {
	j, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	if j.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return j, nil
}
