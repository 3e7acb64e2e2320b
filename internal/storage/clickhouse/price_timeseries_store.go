package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dyor-hub-verifier/internal/domain"
	"dyor-hub-verifier/internal/storage"
)

// PriceTimeseriesStore implements storage.PriceTimeseriesStore using ClickHouse.
// Rows live in price_history (ReplacingMergeTree keyed by token_id, ts).
type PriceTimeseriesStore struct {
	conn *Conn
}

// NewPriceTimeseriesStore creates a new PriceTimeseriesStore.
func NewPriceTimeseriesStore(conn *Conn) *PriceTimeseriesStore {
	return &PriceTimeseriesStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PriceTimeseriesStore = (*PriceTimeseriesStore)(nil)

type pointKey struct {
	tokenID string
	tsMs    int64
}

// InsertBulk adds multiple points. Fails entire batch on duplicate (token_id, ts).
// MergeTree does not enforce uniqueness, so duplicates are checked before the insert.
func (s *PriceTimeseriesStore) InsertBulk(ctx context.Context, points []*domain.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	seen := make(map[pointKey]struct{}, len(points))
	for _, p := range points {
		if p == nil || p.TokenID == "" {
			return storage.ErrInvalidInput
		}
		k := pointKey{p.TokenID, p.Timestamp.UnixMilli()}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	existing, err := s.existingKeys(ctx, points)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return storage.ErrDuplicateKey
	}

	return s.send(ctx, points)
}

// InsertMissing adds points whose (token_id, ts) is not archived yet.
func (s *PriceTimeseriesStore) InsertMissing(ctx context.Context, points []*domain.PricePoint) (int, error) {
	for _, p := range points {
		if p == nil || p.TokenID == "" {
			return 0, storage.ErrInvalidInput
		}
	}
	if len(points) == 0 {
		return 0, nil
	}

	existing, err := s.existingKeys(ctx, points)
	if err != nil {
		return 0, err
	}

	missing := make([]*domain.PricePoint, 0, len(points))
	for _, p := range points {
		k := pointKey{p.TokenID, p.Timestamp.UnixMilli()}
		if _, exists := existing[k]; exists {
			continue
		}
		existing[k] = struct{}{} // first in batch wins
		missing = append(missing, p)
	}

	if len(missing) == 0 {
		return 0, nil
	}
	if err := s.send(ctx, missing); err != nil {
		return 0, err
	}
	return len(missing), nil
}

// GetByTimeRange retrieves points for a token within [from, to] (inclusive).
func (s *PriceTimeseriesStore) GetByTimeRange(ctx context.Context, tokenID string, from, to time.Time) ([]*domain.PricePoint, error) {
	query := `
		SELECT token_id, ts, price
		FROM price_history FINAL
		WHERE token_id = ?
		  AND ts >= fromUnixTimestamp64Milli(?)
		  AND ts <= fromUnixTimestamp64Milli(?)
		ORDER BY ts ASC
	`

	rows, err := s.conn.Query(ctx, query, tokenID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer rows.Close()

	return scanPricePoints(rows)
}

func (s *PriceTimeseriesStore) send(ctx context.Context, points []*domain.PricePoint) error {
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO price_history (token_id, ts, price)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range points {
		if err := batch.Append(p.TokenID, p.Timestamp.UTC(), p.Price); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// existingKeys returns the archived keys overlapping points, one range query per token.
func (s *PriceTimeseriesStore) existingKeys(ctx context.Context, points []*domain.PricePoint) (map[pointKey]struct{}, error) {
	type span struct{ from, to int64 }
	spans := make(map[string]span)
	for _, p := range points {
		ms := p.Timestamp.UnixMilli()
		sp, ok := spans[p.TokenID]
		if !ok {
			spans[p.TokenID] = span{ms, ms}
			continue
		}
		if ms < sp.from {
			sp.from = ms
		}
		if ms > sp.to {
			sp.to = ms
		}
		spans[p.TokenID] = sp
	}

	existing := make(map[pointKey]struct{})
	for tokenID, sp := range spans {
		rows, err := s.conn.Query(ctx, `
			SELECT toUnixTimestamp64Milli(ts)
			FROM price_history
			WHERE token_id = ?
			  AND ts >= fromUnixTimestamp64Milli(?)
			  AND ts <= fromUnixTimestamp64Milli(?)
		`, tokenID, sp.from, sp.to)
		if err != nil {
			return nil, fmt.Errorf("query existing keys: %w", err)
		}
		for rows.Next() {
			var ms int64
			if err := rows.Scan(&ms); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan existing key: %w", err)
			}
			existing[pointKey{tokenID, ms}] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate existing keys: %w", err)
		}
	}
	return existing, nil
}

// scanPricePoints scans multiple rows.
func scanPricePoints(rows chRows) ([]*domain.PricePoint, error) {
	var points []*domain.PricePoint

	for rows.Next() {
		var (
			p     domain.PricePoint
			price decimal.Decimal
		)
		if err := rows.Scan(&p.TokenID, &p.Timestamp, &price); err != nil {
			return nil, fmt.Errorf("scan price history row: %w", err)
		}
		p.Timestamp = p.Timestamp.UTC()
		p.Price = price
		points = append(points, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price history rows: %w", err)
	}

	return points, nil
}
