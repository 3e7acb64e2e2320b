// Package stub provides a scripted price source for tests and dry runs.
package stub

import (
	"context"
	"sync"
	"time"

	"dyor-hub-verifier/internal/domain"
	"dyor-hub-verifier/internal/pricesource"
)

// Source implements pricesource.Source from in-memory series.
// Queued errors for a token are returned first, one per call.
type Source struct {
	mu     sync.Mutex
	series map[string][]*domain.PricePoint
	errs   map[string][]error
	calls  map[string]int
	delay  time.Duration
}

// NewSource creates an empty stub source.
func NewSource() *Source {
	return &Source{
		series: make(map[string][]*domain.PricePoint),
		errs:   make(map[string][]error),
		calls:  make(map[string]int),
	}
}

var _ pricesource.Source = (*Source)(nil)

// SetSeries replaces the series served for tokenID.
func (s *Source) SetSeries(tokenID string, points []*domain.PricePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[tokenID] = points
}

// AddPoint appends one sample for tokenID.
func (s *Source) AddPoint(p *domain.PricePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[p.TokenID] = append(s.series[p.TokenID], p)
}

// QueueError makes the next call for tokenID fail with err.
func (s *Source) QueueError(tokenID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[tokenID] = append(s.errs[tokenID], err)
}

// SetDelay makes every call block for d or until ctx is done.
func (s *Source) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns how many times tokenID was requested.
func (s *Source) Calls(tokenID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[tokenID]
}

// GetPriceSeries returns queued errors first, then the stored points in [from, to].
// A token without points yields pricesource.ErrNoData.
func (s *Source) GetPriceSeries(ctx context.Context, tokenID string, from, to time.Time) ([]*domain.PricePoint, error) {
	s.mu.Lock()
	s.calls[tokenID]++
	delay := s.delay
	var queued error
	if errs := s.errs[tokenID]; len(errs) > 0 {
		queued = errs[0]
		s.errs[tokenID] = errs[1:]
	}
	var out []*domain.PricePoint
	for _, p := range s.series[tokenID] {
		if !p.Timestamp.Before(from) && !p.Timestamp.After(to) {
			pointCopy := *p
			out = append(out, &pointCopy)
		}
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &pricesource.Error{Kind: pricesource.KindTransient, Op: "stub", TokenID: tokenID, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	if queued != nil {
		return nil, queued
	}
	if len(out) == 0 {
		return nil, &pricesource.Error{Kind: pricesource.KindNoData, Op: "stub", TokenID: tokenID}
	}
	return out, nil
}
