package pricesource

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dyor-hub-verifier/internal/domain"
	"dyor-hub-verifier/internal/storage"
)

// ArchivingSource wraps a Source and copies every fetched series into the
// price archive. Archive failures are logged and never fail the fetch.
type ArchivingSource struct {
	source Source
	store  storage.PriceTimeseriesStore
	logger *zap.Logger
}

// NewArchivingSource creates an archiving wrapper around source.
func NewArchivingSource(source Source, store storage.PriceTimeseriesStore, logger *zap.Logger) *ArchivingSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchivingSource{source: source, store: store, logger: logger}
}

var _ Source = (*ArchivingSource)(nil)

// GetPriceSeries fetches from the wrapped source and archives the result.
func (s *ArchivingSource) GetPriceSeries(ctx context.Context, tokenID string, from, to time.Time) ([]*domain.PricePoint, error) {
	points, err := s.source.GetPriceSeries(ctx, tokenID, from, to)
	if err != nil {
		return nil, err
	}

	valid := make([]*domain.PricePoint, 0, len(points))
	for _, p := range points {
		if p != nil && p.TokenID != "" {
			valid = append(valid, p)
		}
	}

	inserted, err := s.store.InsertMissing(ctx, valid)
	if err != nil {
		s.logger.Warn("archive price series failed",
			zap.String("token_id", tokenID),
			zap.Int("points", len(valid)),
			zap.Error(err),
		)
		return points, nil
	}
	if inserted > 0 {
		s.logger.Debug("archived price series",
			zap.String("token_id", tokenID),
			zap.Int("inserted", inserted),
		)
	}
	return points, nil
}
