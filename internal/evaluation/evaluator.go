// Package evaluation decides the outcome of a token call from its price series.
// Evaluation performs no I/O; the current time is always passed in.
package evaluation

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dyor-hub-verifier/internal/domain"
)

// Outcome is the evaluator verdict for a call.
type Outcome string

// Evaluation outcomes.
const (
	OutcomeSuccess       Outcome = "SUCCESS"
	OutcomeFail          Outcome = "FAIL"
	OutcomeIndeterminate Outcome = "INDETERMINATE"
)

// Reasons attached to INDETERMINATE results.
const (
	ReasonNotDue       = "NOT_DUE"        // deadline not reached, target not hit yet
	ReasonNoFinalPrice = "NO_FINAL_PRICE" // deadline passed but no sample close to it
)

// RatioPrecision is the number of decimal places kept for time-to-hit ratios.
const RatioPrecision = 6

// MinFinalSampleWindow is the shortest range returned by FinalSampleRange.
const MinFinalSampleWindow = time.Hour

// ErrInvalidInput is returned when the caller violates the evaluation contract.
var ErrInvalidInput = errors.New("invalid evaluation input")

// Result contains the verdict and derived metrics.
type Result struct {
	Outcome Outcome
	Reason  string // set for INDETERMINATE

	PeakPrice    decimal.Decimal // max sampled price in the window
	PeakPriceAt  time.Time       // first occurrence of PeakPrice
	FinalPrice   decimal.Decimal // price of the last sample
	FinalPriceAt time.Time       // timestamp of the last sample

	TargetHitAt    *time.Time       // first sample >= target (SUCCESS only)
	TimeToHitRatio *decimal.Decimal // elapsed fraction of the window at TargetHitAt (SUCCESS only)
}

// Evaluator holds evaluation settings.
type Evaluator struct {
	// FinalPriceTolerance is how far before the target date the last sample may
	// be and still count as the final price. Zero requires a sample at the deadline.
	FinalPriceTolerance time.Duration
}

// Default is the evaluator used by Evaluate.
var Default = Evaluator{}

// Evaluate evaluates call against series with the Default evaluator.
func Evaluate(call *domain.TokenCall, series []*domain.PricePoint, now time.Time) (*Result, error) {
	return Default.Evaluate(call, series, now)
}

// Evaluate decides the outcome of call at now.
// series must be non-empty, strictly time-ascending and inside
// [call.CallTimestamp, min(now, call.TargetDate)]; NormalizeSeries produces such a series.
func (e Evaluator) Evaluate(call *domain.TokenCall, series []*domain.PricePoint, now time.Time) (*Result, error) {
	if err := validate(call, series, now); err != nil {
		return nil, err
	}

	peak, peakAt := peakOf(series)
	last := series[len(series)-1]

	res := &Result{
		PeakPrice:    peak,
		PeakPriceAt:  peakAt,
		FinalPrice:   last.Price,
		FinalPriceAt: last.Timestamp,
	}

	if peak.GreaterThanOrEqual(call.TargetPrice) {
		hitAt := firstCrossing(series, call.TargetPrice)
		ratio := TimeToHitRatio(call, hitAt)
		res.Outcome = OutcomeSuccess
		res.TargetHitAt = &hitAt
		res.TimeToHitRatio = &ratio
		return res, nil
	}

	if now.Before(call.TargetDate) {
		res.Outcome = OutcomeIndeterminate
		res.Reason = ReasonNotDue
		return res, nil
	}

	if last.Timestamp.Before(call.TargetDate.Add(-e.FinalPriceTolerance)) {
		res.Outcome = OutcomeIndeterminate
		res.Reason = ReasonNoFinalPrice
		return res, nil
	}

	res.Outcome = OutcomeFail
	return res, nil
}

// FinalSampleRange returns the range ending at the target date that should be
// fetched again when a due call has no sample close enough to its deadline.
// Sources sample long windows coarsely, so a short range yields fine samples.
func (e Evaluator) FinalSampleRange(call *domain.TokenCall) (time.Time, time.Time) {
	window := e.FinalPriceTolerance
	if window < MinFinalSampleWindow {
		window = MinFinalSampleWindow
	}
	from := call.TargetDate.Add(-window)
	if from.Before(call.CallTimestamp) {
		from = call.CallTimestamp
	}
	return from, call.TargetDate
}

// TimeToHitRatio returns (hitAt - CallTimestamp) / (TargetDate - CallTimestamp)
// clamped to [0, 1] and rounded to RatioPrecision places.
func TimeToHitRatio(call *domain.TokenCall, hitAt time.Time) decimal.Decimal {
	total := call.TargetDate.Sub(call.CallTimestamp).Milliseconds()
	if total <= 0 {
		return decimal.Zero
	}
	elapsed := hitAt.Sub(call.CallTimestamp).Milliseconds()

	ratio := decimal.NewFromInt(elapsed).DivRound(decimal.NewFromInt(total), RatioPrecision)
	if ratio.IsNegative() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	if ratio.GreaterThan(one) {
		return one
	}
	return ratio
}

// peakOf returns the maximum price and the timestamp of its first occurrence.
func peakOf(series []*domain.PricePoint) (decimal.Decimal, time.Time) {
	peak := series[0].Price
	peakAt := series[0].Timestamp
	for _, p := range series[1:] {
		// Strictly greater keeps the earliest timestamp on ties.
		if p.Price.GreaterThan(peak) {
			peak = p.Price
			peakAt = p.Timestamp
		}
	}
	return peak, peakAt
}

// firstCrossing returns the timestamp of the first sample at or above target.
// Callers must ensure such a sample exists.
func firstCrossing(series []*domain.PricePoint, target decimal.Decimal) time.Time {
	for _, p := range series {
		if p.Price.GreaterThanOrEqual(target) {
			return p.Timestamp
		}
	}
	return series[len(series)-1].Timestamp
}

func validate(call *domain.TokenCall, series []*domain.PricePoint, now time.Time) error {
	if call == nil {
		return fmt.Errorf("%w: nil call", ErrInvalidInput)
	}
	if !call.TargetDate.After(call.CallTimestamp) {
		return fmt.Errorf("%w: target date %s not after call timestamp %s",
			ErrInvalidInput, call.TargetDate.Format(time.RFC3339), call.CallTimestamp.Format(time.RFC3339))
	}
	if len(series) == 0 {
		return fmt.Errorf("%w: empty price series", ErrInvalidInput)
	}

	from, to := call.Window(now)
	var prev time.Time
	for i, p := range series {
		if p == nil {
			return fmt.Errorf("%w: nil price point at %d", ErrInvalidInput, i)
		}
		if p.Timestamp.Before(from) || p.Timestamp.After(to) {
			return fmt.Errorf("%w: point %d at %s outside window [%s, %s]", ErrInvalidInput, i,
				p.Timestamp.Format(time.RFC3339), from.Format(time.RFC3339), to.Format(time.RFC3339))
		}
		if i > 0 && !p.Timestamp.After(prev) {
			return fmt.Errorf("%w: series not strictly ascending at %d", ErrInvalidInput, i)
		}
		prev = p.Timestamp
	}
	return nil
}
