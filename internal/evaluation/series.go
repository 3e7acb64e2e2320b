package evaluation

import (
	"sort"
	"time"

	"dyor-hub-verifier/internal/domain"
)

// NormalizeSeries turns a raw source series into an evaluation window:
// points outside [from, to] are dropped, the rest are ordered by timestamp ASC
// and only the first point per timestamp is kept. The input is not modified.
func NormalizeSeries(series []*domain.PricePoint, from, to time.Time) []*domain.PricePoint {
	out := make([]*domain.PricePoint, 0, len(series))
	for _, p := range series {
		if p == nil || p.Timestamp.Before(from) || p.Timestamp.After(to) {
			continue
		}
		out = append(out, p)
	}

	// Stable sort keeps source order among equal timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	deduped := out[:0]
	for i, p := range out {
		if i > 0 && p.Timestamp.Equal(deduped[len(deduped)-1].Timestamp) {
			continue
		}
		deduped = append(deduped, p)
	}
	return deduped
}
