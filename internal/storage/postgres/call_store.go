package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"dyor-hub-verifier/internal/domain"
	"dyor-hub-verifier/internal/storage"
)

// CallStore implements storage.CallStore using PostgreSQL.
// Decimals travel as text and are cast to NUMERIC in SQL.
type CallStore struct {
	pool *Pool
}

// NewCallStore creates a new CallStore.
func NewCallStore(pool *Pool) *CallStore {
	return &CallStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CallStore = (*CallStore)(nil)

const callColumns = `
	id, user_id, token_id,
	reference_price::text, target_price::text, call_timestamp, target_date,
	status, verification_timestamp,
	peak_price_during_period::text, final_price_at_target_date::text,
	target_hit_timestamp, time_to_hit_ratio::text,
	last_checked_at, last_error, check_count, created_at, updated_at
`

// Insert adds a new call in PENDING status. Returns ErrDuplicateKey if id exists.
func (s *CallStore) Insert(ctx context.Context, c *domain.TokenCall) error {
	if c == nil || c.ID == uuid.Nil || c.TokenID == "" || c.UserID == "" {
		return storage.ErrInvalidInput
	}
	if c.Status != "" && c.Status != domain.CallStatusPending {
		return fmt.Errorf("%w: new calls must be PENDING", storage.ErrInvalidInput)
	}

	query := `
		INSERT INTO token_calls (
			id, user_id, token_id, reference_price, target_price,
			call_timestamp, target_date, status
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8)
	`

	_, err := s.pool.Exec(ctx, query,
		c.ID,
		c.UserID,
		c.TokenID,
		c.ReferencePrice.String(),
		c.TargetPrice.String(),
		c.CallTimestamp.UTC(),
		c.TargetDate.UTC(),
		string(domain.CallStatusPending),
	)
	if err != nil {
		return mapError("insert token call", err)
	}
	return nil
}

// GetByID retrieves a call by its ID. Returns ErrNotFound if not exists.
func (s *CallStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.TokenCall, error) {
	query := `SELECT ` + callColumns + ` FROM token_calls WHERE id = $1`

	c, err := scanTokenCall(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError("get token call by id", err)
	}
	return c, nil
}

// ListCheckable returns checkable calls that are due, never checked or stale.
// Least recently checked calls come first so unresolvable due calls rotate
// behind the rest of the backlog instead of filling every batch.
func (s *CallStore) ListCheckable(ctx context.Context, now, since time.Time, limit int) ([]*domain.TokenCall, error) {
	if limit < 0 {
		limit = 0
	}

	// LIMIT NULL means no limit.
	query := `SELECT ` + callColumns + `
		FROM token_calls
		WHERE status = ANY($1)
		  AND (target_date <= $2 OR last_checked_at IS NULL OR last_checked_at <= $3)
		ORDER BY last_checked_at ASC NULLS FIRST, target_date ASC, id ASC
		LIMIT NULLIF($4::int, 0)
	`

	rows, err := s.pool.Query(ctx, query, statusCodes(domain.CheckableStatuses), now.UTC(), since.UTC(), limit)
	if err != nil {
		return nil, mapError("list checkable calls", err)
	}
	defer rows.Close()

	var calls []*domain.TokenCall
	for rows.Next() {
		c, err := scanTokenCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token call: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate token calls", err)
	}
	return calls, nil
}

// ConditionalUpdate applies update in a single UPDATE ... WHERE status = ANY(expected).
// Verification columns are only written when update carries a verification.
func (s *CallStore) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected []domain.CallStatus, update domain.CallUpdate) (bool, error) {
	if err := update.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	var (
		verifiedAt *time.Time
		peak       *string
		final      *string
		hitAt      *time.Time
		ratio      *string
	)
	if v := update.Verification; v != nil {
		t := v.VerifiedAt.UTC()
		verifiedAt = &t
		peak = decimalText(&v.PeakPrice)
		final = decimalText(v.FinalPrice)
		if v.TargetHitAt != nil {
			h := v.TargetHitAt.UTC()
			hitAt = &h
		}
		ratio = decimalText(v.TimeToHitRatio)
	}

	query := `
		UPDATE token_calls SET
			status = $2,
			last_checked_at = $3,
			updated_at = $3,
			last_error = $4,
			check_count = check_count + 1,
			verification_timestamp = COALESCE($5, verification_timestamp),
			peak_price_during_period = COALESCE($6::numeric, peak_price_during_period),
			final_price_at_target_date = COALESCE($7::numeric, final_price_at_target_date),
			target_hit_timestamp = COALESCE($8, target_hit_timestamp),
			time_to_hit_ratio = COALESCE($9::numeric, time_to_hit_ratio)
		WHERE id = $1 AND status = ANY($10)
	`

	tag, err := s.pool.Exec(ctx, query,
		id,
		string(update.Status),
		update.CheckedAt.UTC(),
		update.LastError,
		verifiedAt,
		peak,
		final,
		hitAt,
		ratio,
		statusCodes(expected),
	)
	if err != nil {
		return false, mapError("conditional update token call", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Zero rows: either the status moved on or the call does not exist.
	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM token_calls WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, mapError("check token call exists", err)
	}
	if !exists {
		return false, storage.ErrNotFound
	}
	return false, nil
}

// scanTokenCall scans a single row into TokenCall.
func scanTokenCall(row pgx.Row) (*domain.TokenCall, error) {
	var (
		c                           domain.TokenCall
		status                      string
		referencePrice, targetPrice string
		peak, final, ratio          *string
	)

	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.TokenID,
		&referencePrice,
		&targetPrice,
		&c.CallTimestamp,
		&c.TargetDate,
		&status,
		&c.VerificationTimestamp,
		&peak,
		&final,
		&c.TargetHitTimestamp,
		&ratio,
		&c.LastCheckedAt,
		&c.LastError,
		&c.CheckCount,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if c.Status, err = domain.ParseCallStatus(status); err != nil {
		return nil, err
	}
	if c.ReferencePrice, err = decimal.NewFromString(referencePrice); err != nil {
		return nil, fmt.Errorf("parse reference_price: %w", err)
	}
	if c.TargetPrice, err = decimal.NewFromString(targetPrice); err != nil {
		return nil, fmt.Errorf("parse target_price: %w", err)
	}
	if c.PeakPriceDuringPeriod, err = parseDecimal(peak); err != nil {
		return nil, fmt.Errorf("parse peak_price_during_period: %w", err)
	}
	if c.FinalPriceAtTargetDate, err = parseDecimal(final); err != nil {
		return nil, fmt.Errorf("parse final_price_at_target_date: %w", err)
	}
	if c.TimeToHitRatio, err = parseDecimal(ratio); err != nil {
		return nil, fmt.Errorf("parse time_to_hit_ratio: %w", err)
	}

	c.CallTimestamp = c.CallTimestamp.UTC()
	c.TargetDate = c.TargetDate.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.VerificationTimestamp = utcPtr(c.VerificationTimestamp)
	c.TargetHitTimestamp = utcPtr(c.TargetHitTimestamp)
	c.LastCheckedAt = utcPtr(c.LastCheckedAt)

	return &c, nil
}

func statusCodes(statuses []domain.CallStatus) []string {
	codes := make([]string, len(statuses))
	for i, s := range statuses {
		codes[i] = string(s)
	}
	return codes
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
