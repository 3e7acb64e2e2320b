package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OutcomeEvent is emitted after a call changes status.
// Delivery is at-least-once; consumers dedupe on IdempotencyKey.
type OutcomeEvent struct {
	EventID    uuid.UUID      `json:"eventId"`
	CallID     uuid.UUID      `json:"callId"`
	UserID     string         `json:"userId"`
	TokenID    string         `json:"tokenId"`
	OldStatus  CallStatus     `json:"oldStatus"`
	NewStatus  CallStatus     `json:"newStatus"`
	VerifiedAt time.Time      `json:"verifiedAt"`
	Reason     string         `json:"reason,omitempty"`
	Metrics    DerivedMetrics `json:"derivedMetrics"`
}

// DerivedMetrics mirrors the verification outputs of the call.
type DerivedMetrics struct {
	PeakPrice      *decimal.Decimal `json:"peakPrice,omitempty"`
	FinalPrice     *decimal.Decimal `json:"finalPrice,omitempty"`
	TargetHitAt    *time.Time       `json:"targetHitAt,omitempty"`
	TimeToHitRatio *decimal.Decimal `json:"timeToHitRatio,omitempty"`
}

// IdempotencyKey identifies the transition, not the delivery.
func (e OutcomeEvent) IdempotencyKey() string {
	return e.CallID.String() + ":" + string(e.NewStatus)
}

// NewOutcomeEvent builds the event for a transition of call to update.Status.
func NewOutcomeEvent(call *TokenCall, update CallUpdate) OutcomeEvent {
	e := OutcomeEvent{
		EventID:    uuid.New(),
		CallID:     call.ID,
		UserID:     call.UserID,
		TokenID:    call.TokenID,
		OldStatus:  call.Status,
		NewStatus:  update.Status,
		VerifiedAt: update.CheckedAt,
	}
	if update.LastError != nil {
		e.Reason = *update.LastError
	}
	if v := update.Verification; v != nil {
		peak := v.PeakPrice
		e.VerifiedAt = v.VerifiedAt
		e.Metrics = DerivedMetrics{
			PeakPrice:      &peak,
			FinalPrice:     v.FinalPrice,
			TargetHitAt:    v.TargetHitAt,
			TimeToHitRatio: v.TimeToHitRatio,
		}
	}
	return e
}
