package pricesource

import (
	"context"
	"time"

	"dyor-hub-verifier/internal/domain"
	"dyor-hub-verifier/internal/storage"
)

// StoreSource serves price series from the local price archive.
type StoreSource struct {
	store storage.PriceTimeseriesStore
}

// NewStoreSource creates a Source backed by store.
func NewStoreSource(store storage.PriceTimeseriesStore) *StoreSource {
	return &StoreSource{store: store}
}

var _ Source = (*StoreSource)(nil)

// GetPriceSeries returns archived samples in [from, to].
// An empty archive range is NoData; store failures are Transient.
func (s *StoreSource) GetPriceSeries(ctx context.Context, tokenID string, from, to time.Time) ([]*domain.PricePoint, error) {
	const op = "archive"

	points, err := s.store.GetByTimeRange(ctx, tokenID, from, to)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, TokenID: tokenID, Err: err}
	}
	if len(points) == 0 {
		return nil, &Error{Kind: KindNoData, Op: op, TokenID: tokenID}
	}
	return points, nil
}
