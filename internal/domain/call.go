package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CallStatus is the verification state of a token call.
// Stored as plain text in token_calls.status.
type CallStatus string

// Call status codes.
const (
	CallStatusPending         CallStatus = "PENDING"
	CallStatusVerifiedSuccess CallStatus = "VERIFIED_SUCCESS"
	CallStatusVerifiedFail    CallStatus = "VERIFIED_FAIL"
	CallStatusError           CallStatus = "ERROR"
)

// CheckableStatuses are the statuses the scheduler may (re)evaluate.
var CheckableStatuses = []CallStatus{CallStatusPending, CallStatusError}

// ParseCallStatus converts a stored status code into a CallStatus.
func ParseCallStatus(s string) (CallStatus, error) {
	switch st := CallStatus(s); st {
	case CallStatusPending, CallStatusVerifiedSuccess, CallStatusVerifiedFail, CallStatusError:
		return st, nil
	default:
		return "", fmt.Errorf("unknown call status %q", s)
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusVerifiedSuccess || s == CallStatusVerifiedFail
}

// IsCheckable reports whether the scheduler may evaluate a call in this status.
func (s CallStatus) IsCheckable() bool {
	return s == CallStatusPending || s == CallStatusError
}

func (s CallStatus) String() string {
	return string(s)
}

// TokenCall is a user prediction that a token reaches TargetPrice by TargetDate.
// Corresponds to token_calls table.
type TokenCall struct {
	ID      uuid.UUID // call identifier
	UserID  string    // author
	TokenID string    // token mint address

	// Immutable inputs
	ReferencePrice decimal.Decimal // price when the call was made
	TargetPrice    decimal.Decimal // price the call predicts
	CallTimestamp  time.Time       // window start
	TargetDate     time.Time       // deadline

	// Verification outputs, written once by the scheduler
	Status                 CallStatus
	VerificationTimestamp  *time.Time
	PeakPriceDuringPeriod  *decimal.Decimal
	FinalPriceAtTargetDate *decimal.Decimal
	TargetHitTimestamp     *time.Time
	TimeToHitRatio         *decimal.Decimal

	// Scheduler bookkeeping
	LastCheckedAt *time.Time
	LastError     *string
	CheckCount    int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Window returns the evaluation window [CallTimestamp, min(now, TargetDate)].
func (c *TokenCall) Window(now time.Time) (time.Time, time.Time) {
	end := c.TargetDate
	if now.Before(end) {
		end = now
	}
	return c.CallTimestamp, end
}

// IsDue reports whether the deadline has passed at now.
func (c *TokenCall) IsDue(now time.Time) bool {
	return !now.Before(c.TargetDate)
}

// Verification holds the derived metrics written on a terminal transition.
type Verification struct {
	VerifiedAt     time.Time
	PeakPrice      decimal.Decimal
	PeakPriceAt    time.Time
	FinalPrice     *decimal.Decimal
	TargetHitAt    *time.Time
	TimeToHitRatio *decimal.Decimal
}

// CallUpdate is the set of fields written by a conditional update.
type CallUpdate struct {
	Status       CallStatus
	CheckedAt    time.Time
	LastError    *string       // required for ERROR, cleared otherwise
	Verification *Verification // required for terminal statuses
}

// Update validation errors.
var (
	ErrMissingVerification    = errors.New("terminal status requires verification fields")
	ErrUnexpectedVerification = errors.New("non-terminal status must not carry verification fields")
	ErrMissingHit             = errors.New("VERIFIED_SUCCESS requires target hit timestamp and time-to-hit ratio")
	ErrRatioOutOfRange        = errors.New("time-to-hit ratio must be within [0, 1]")
	ErrMissingReason          = errors.New("ERROR status requires a reason")
)

var (
	ratioMin = decimal.Zero
	ratioMax = decimal.NewFromInt(1)
)

// Validate enforces the token_calls invariants before anything is persisted.
func (u CallUpdate) Validate() error {
	if _, err := ParseCallStatus(string(u.Status)); err != nil {
		return err
	}
	if u.CheckedAt.IsZero() {
		return errors.New("checked_at is required")
	}

	if !u.Status.IsTerminal() {
		if u.Verification != nil {
			return ErrUnexpectedVerification
		}
		if u.Status == CallStatusError && (u.LastError == nil || *u.LastError == "") {
			return ErrMissingReason
		}
		return nil
	}

	v := u.Verification
	if v == nil || v.VerifiedAt.IsZero() {
		return ErrMissingVerification
	}
	if v.TimeToHitRatio != nil && (v.TimeToHitRatio.LessThan(ratioMin) || v.TimeToHitRatio.GreaterThan(ratioMax)) {
		return ErrRatioOutOfRange
	}
	if u.Status == CallStatusVerifiedSuccess && (v.TargetHitAt == nil || v.TimeToHitRatio == nil) {
		return ErrMissingHit
	}
	return nil
}
