package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dyor-hub-verifier/internal/domain"
)

// CallStore provides access to token_calls storage.
// Status and verification fields are mutated only through ConditionalUpdate.
type CallStore interface {
	// Insert adds a new call in PENDING status. Returns ErrDuplicateKey if id exists.
	Insert(ctx context.Context, c *domain.TokenCall) error

	// GetByID retrieves a call by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.TokenCall, error)

	// ListCheckable returns calls in PENDING or ERROR that are due at now,
	// never checked, or last checked at or before since.
	// Ordered by last_checked_at ASC (never checked first), then target_date ASC;
	// limit <= 0 means no limit.
	ListCheckable(ctx context.Context, now, since time.Time, limit int) ([]*domain.TokenCall, error)

	// ConditionalUpdate applies update only if the stored status is one of expected.
	// Returns applied=false without error when the status no longer matches.
	// Returns ErrNotFound if the call does not exist and ErrInvalidInput if the update
	// violates call invariants.
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expected []domain.CallStatus, update domain.CallUpdate) (bool, error)
}

// PriceTimeseriesStore provides access to the price history archive.
type PriceTimeseriesStore interface {
	// InsertBulk adds multiple points. Fails entire batch on duplicate (token_id, timestamp).
	InsertBulk(ctx context.Context, points []*domain.PricePoint) error

	// InsertMissing adds the points whose (token_id, timestamp) is not archived yet.
	// Returns the number of inserted points.
	InsertMissing(ctx context.Context, points []*domain.PricePoint) (int, error)

	// GetByTimeRange retrieves points for a token within [from, to] (inclusive),
	// ordered by timestamp ASC.
	GetByTimeRange(ctx context.Context, tokenID string, from, to time.Time) ([]*domain.PricePoint, error)
}
