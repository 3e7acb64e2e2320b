package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"dyor-hub-verifier/internal/domain"
)

func testEvent() domain.OutcomeEvent {
	peak := decimal.RequireFromString("2.10")
	ratio := decimal.RequireFromString("0.3")
	hit := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	return domain.OutcomeEvent{
		EventID:    uuid.MustParse("0b6f2f6e-3a0e-4d61-9c55-8f1d2f1f7a01"),
		CallID:     uuid.MustParse("7f9c24e5-2a4d-4c8b-9a57-0d0d6f1b5a11"),
		UserID:     "user-1",
		TokenID:    "So11111111111111111111111111111111111111112",
		OldStatus:  domain.CallStatusPending,
		NewStatus:  domain.CallStatusVerifiedSuccess,
		VerifiedAt: time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC),
		Metrics: domain.DerivedMetrics{
			PeakPrice:      &peak,
			TargetHitAt:    &hit,
			TimeToHitRatio: &ratio,
		},
	}
}

func TestEncode(t *testing.T) {
	payload, err := encode(testEvent())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["callId"] != "7f9c24e5-2a4d-4c8b-9a57-0d0d6f1b5a11" {
		t.Errorf("unexpected callId %v", decoded["callId"])
	}
	if decoded["newStatus"] != "VERIFIED_SUCCESS" {
		t.Errorf("unexpected newStatus %v", decoded["newStatus"])
	}
	metrics, ok := decoded["derivedMetrics"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing derivedMetrics in %s", payload)
	}
	// Decimals are encoded as strings to keep precision.
	if metrics["peakPrice"] != "2.1" {
		t.Errorf("unexpected peakPrice %v", metrics["peakPrice"])
	}
	if _, ok := metrics["finalPrice"]; ok {
		t.Error("nil finalPrice should be omitted")
	}
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	ok1 := NewRecorder()
	failing := NewRecorder()
	failing.FailWith(errors.New("broker down"))
	ok2 := NewRecorder()

	err := Multi{ok1, failing, ok2}.Publish(context.Background(), testEvent())
	if err == nil || err.Error() != "broker down" {
		t.Errorf("expected joined broker error, got %v", err)
	}
	if len(ok1.Events()) != 1 || len(ok2.Events()) != 1 {
		t.Error("healthy publishers must still receive the event")
	}
	if len(failing.Events()) != 0 {
		t.Error("failing recorder must not record")
	}
}

func TestMulti_Close(t *testing.T) {
	w := &fakeWriter{}
	m := Multi{NewRecorder(), newKafkaPublisher(w, "outcomes", nil)}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !w.closed {
		t.Error("expected kafka writer to be closed")
	}
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := NewLogPublisher(zap.New(core))

	if err := p.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	entries := logs.FilterMessage("call outcome").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["new_status"] != "VERIFIED_SUCCESS" {
		t.Errorf("unexpected new_status %v", fields["new_status"])
	}
	if fields["time_to_hit_ratio"] != "0.3" {
		t.Errorf("unexpected ratio %v", fields["time_to_hit_ratio"])
	}
}
