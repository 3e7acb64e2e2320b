package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dyor-hub-verifier/internal/domain"
	"dyor-hub-verifier/internal/storage"
)

// CallStore is an in-memory implementation of storage.CallStore.
type CallStore struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]*domain.TokenCall

	now func() time.Time // created_at clock for Insert
}

// NewCallStore creates a new in-memory call store.
func NewCallStore() *CallStore {
	return &CallStore{
		calls: make(map[uuid.UUID]*domain.TokenCall),
		now:   time.Now,
	}
}

// Insert adds a new call. Returns ErrDuplicateKey if id exists.
func (s *CallStore) Insert(_ context.Context, c *domain.TokenCall) error {
	if err := validateNewCall(c); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[c.ID]; exists {
		return storage.ErrDuplicateKey
	}

	callCopy := cloneCall(c)
	if callCopy.Status == "" {
		callCopy.Status = domain.CallStatusPending
	}
	if callCopy.CreatedAt.IsZero() {
		callCopy.CreatedAt = s.now().UTC()
	}
	callCopy.UpdatedAt = callCopy.CreatedAt
	s.calls[c.ID] = callCopy
	return nil
}

// GetByID retrieves a call by its ID. Returns ErrNotFound if not exists.
func (s *CallStore) GetByID(_ context.Context, id uuid.UUID) (*domain.TokenCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.calls[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCall(c), nil
}

// ListCheckable returns checkable calls that are due, never checked or stale.
func (s *CallStore) ListCheckable(_ context.Context, now, since time.Time, limit int) ([]*domain.TokenCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TokenCall
	for _, c := range s.calls {
		if !c.Status.IsCheckable() {
			continue
		}
		due := !c.TargetDate.After(now)
		stale := c.LastCheckedAt == nil || !c.LastCheckedAt.After(since)
		if due || stale {
			result = append(result, cloneCall(c))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		// NULLS FIRST, then oldest check
		switch {
		case a.LastCheckedAt == nil && b.LastCheckedAt != nil:
			return true
		case a.LastCheckedAt != nil && b.LastCheckedAt == nil:
			return false
		case a.LastCheckedAt != nil && !a.LastCheckedAt.Equal(*b.LastCheckedAt):
			return a.LastCheckedAt.Before(*b.LastCheckedAt)
		}
		if !a.TargetDate.Equal(b.TargetDate) {
			return a.TargetDate.Before(b.TargetDate)
		}
		return a.ID.String() < b.ID.String()
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ConditionalUpdate applies update only if the stored status is one of expected.
func (s *CallStore) ConditionalUpdate(_ context.Context, id uuid.UUID, expected []domain.CallStatus, update domain.CallUpdate) (bool, error) {
	if err := update.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if !statusIn(c.Status, expected) {
		return false, nil
	}

	checkedAt := update.CheckedAt
	c.Status = update.Status
	c.LastCheckedAt = &checkedAt
	c.LastError = copyPtr(update.LastError)
	c.CheckCount++
	c.UpdatedAt = checkedAt

	if v := update.Verification; v != nil {
		verifiedAt := v.VerifiedAt
		peak := v.PeakPrice
		c.VerificationTimestamp = &verifiedAt
		c.PeakPriceDuringPeriod = &peak
		c.FinalPriceAtTargetDate = copyPtr(v.FinalPrice)
		c.TargetHitTimestamp = copyPtr(v.TargetHitAt)
		c.TimeToHitRatio = copyPtr(v.TimeToHitRatio)
	}
	return true, nil
}

// Count returns the number of stored calls.
func (s *CallStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls)
}

func validateNewCall(c *domain.TokenCall) error {
	if c == nil || c.ID == uuid.Nil || c.TokenID == "" || c.UserID == "" {
		return storage.ErrInvalidInput
	}
	if !c.TargetDate.After(c.CallTimestamp) {
		return fmt.Errorf("%w: target_date must be after call_timestamp", storage.ErrInvalidInput)
	}
	if !c.TargetPrice.IsPositive() || c.ReferencePrice.IsNegative() {
		return fmt.Errorf("%w: prices must be positive", storage.ErrInvalidInput)
	}
	if c.Status != "" && c.Status != domain.CallStatusPending {
		return fmt.Errorf("%w: new calls must be PENDING", storage.ErrInvalidInput)
	}
	return nil
}

func statusIn(s domain.CallStatus, set []domain.CallStatus) bool {
	for _, e := range set {
		if s == e {
			return true
		}
	}
	return false
}

func cloneCall(c *domain.TokenCall) *domain.TokenCall {
	out := *c
	out.VerificationTimestamp = copyPtr(c.VerificationTimestamp)
	out.PeakPriceDuringPeriod = copyPtr(c.PeakPriceDuringPeriod)
	out.FinalPriceAtTargetDate = copyPtr(c.FinalPriceAtTargetDate)
	out.TargetHitTimestamp = copyPtr(c.TargetHitTimestamp)
	out.TimeToHitRatio = copyPtr(c.TimeToHitRatio)
	out.LastCheckedAt = copyPtr(c.LastCheckedAt)
	out.LastError = copyPtr(c.LastError)
	return &out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var _ storage.CallStore = (*CallStore)(nil)
