package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dyor-hub-verifier/internal/domain"
	"dyor-hub-verifier/internal/evaluation"
	"dyor-hub-verifier/internal/pricesource/stub"
)

func TestEvaluate_Report(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	call := &domain.TokenCall{
		ID:            uuid.New(),
		TokenID:       "TokenA",
		Status:        domain.CallStatusPending,
		TargetPrice:   decimal.RequireFromString("2.00"),
		CallTimestamp: t0,
		TargetDate:    t0.Add(10 * 24 * time.Hour),
	}

	src := stub.NewSource()
	src.SetSeries("TokenA", []*domain.PricePoint{
		{TokenID: "TokenA", Timestamp: t0.Add(72 * time.Hour), Price: decimal.RequireFromString("2.10")},
		{TokenID: "TokenA", Timestamp: t0.Add(48 * time.Hour), Price: decimal.RequireFromString("1.50")},
	})

	rep := evaluate(context.Background(), call, src, evaluation.Evaluator{}, t0.Add(5*24*time.Hour))

	if rep.Outcome != string(evaluation.OutcomeSuccess) {
		t.Fatalf("expected SUCCESS, got %q (%s)", rep.Outcome, rep.Reason)
	}
	if rep.Samples != 2 {
		t.Errorf("expected 2 samples, got %d", rep.Samples)
	}
	if rep.TimeToHit == nil || !rep.TimeToHit.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("expected ratio 0.3, got %v", rep.TimeToHit)
	}
}

func TestEvaluate_SourceError(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	call := &domain.TokenCall{
		ID:            uuid.New(),
		TokenID:       "Unknown",
		TargetPrice:   decimal.RequireFromString("2.00"),
		CallTimestamp: t0,
		TargetDate:    t0.Add(24 * time.Hour),
	}

	rep := evaluate(context.Background(), call, stub.NewSource(), evaluation.Evaluator{}, t0.Add(time.Hour))

	if rep.SourceErrKind != "no_data" {
		t.Errorf("expected no_data source error, got %q", rep.SourceErrKind)
	}
	if rep.Outcome != "" {
		t.Errorf("expected no outcome, got %q", rep.Outcome)
	}
}
