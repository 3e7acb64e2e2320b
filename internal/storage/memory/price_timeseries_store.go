package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dyor-hub-verifier/internal/domain"
	"dyor-hub-verifier/internal/storage"
)

// PriceTimeseriesStore is an in-memory implementation of storage.PriceTimeseriesStore.
type PriceTimeseriesStore struct {
	mu   sync.RWMutex
	data map[string]*domain.PricePoint // keyed by (token_id, timestamp_ms)
}

// NewPriceTimeseriesStore creates a new in-memory price timeseries store.
func NewPriceTimeseriesStore() *PriceTimeseriesStore {
	return &PriceTimeseriesStore{
		data: make(map[string]*domain.PricePoint),
	}
}

// priceKey generates a unique key for a price point.
func priceKey(tokenID string, ts time.Time) string {
	return fmt.Sprintf("%s|%d", tokenID, ts.UnixMilli())
}

// InsertBulk adds multiple points. Fails entire batch on duplicate.
func (s *PriceTimeseriesStore) InsertBulk(_ context.Context, points []*domain.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Track keys in this batch to detect intra-batch duplicates
	batchKeys := make(map[string]struct{}, len(points))

	for _, p := range points {
		if p == nil || p.TokenID == "" {
			return storage.ErrInvalidInput
		}
		key := priceKey(p.TokenID, p.Timestamp)

		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	for _, p := range points {
		pointCopy := *p
		s.data[priceKey(p.TokenID, p.Timestamp)] = &pointCopy
	}
	return nil
}

// InsertMissing adds points not archived yet. First point wins within a batch.
func (s *PriceTimeseriesStore) InsertMissing(_ context.Context, points []*domain.PricePoint) (int, error) {
	for _, p := range points {
		if p == nil || p.TokenID == "" {
			return 0, storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, p := range points {
		key := priceKey(p.TokenID, p.Timestamp)
		if _, exists := s.data[key]; exists {
			continue
		}
		pointCopy := *p
		s.data[key] = &pointCopy
		inserted++
	}
	return inserted, nil
}

// GetByTimeRange retrieves points for a token within [from, to] (inclusive).
func (s *PriceTimeseriesStore) GetByTimeRange(_ context.Context, tokenID string, from, to time.Time) ([]*domain.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PricePoint
	for _, p := range s.data {
		if p.TokenID == tokenID && !p.Timestamp.Before(from) && !p.Timestamp.After(to) {
			pointCopy := *p
			result = append(result, &pointCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	return result, nil
}

var _ storage.PriceTimeseriesStore = (*PriceTimeseriesStore)(nil)
