package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	start := time.Unix(1700000000, 0)
	m.RecordTick(start, start.Add(2*time.Second), nil)
	m.RecordTick(start, start.Add(time.Second), errors.New("list failed"))
	m.RecordCandidates(5, 2)
	m.RecordOutcome("SUCCESS")
	m.RecordTransition("PENDING", "VERIFIED_SUCCESS")
	m.RecordConflict()
	m.RecordSourceFetch(100*time.Millisecond, "rate_limited")
	m.RecordSourceFetch(50*time.Millisecond, "")
	m.RecordPublishFailure()

	if got := testutil.ToFloat64(m.TicksTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected 1 ok tick, got %v", got)
	}
	if got := testutil.ToFloat64(m.TicksTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 error tick, got %v", got)
	}
	if got := testutil.ToFloat64(m.LastSuccessfulTick); got != float64(start.Add(2*time.Second).Unix()) {
		t.Errorf("unexpected last successful tick %v", got)
	}
	if got := testutil.ToFloat64(m.CandidatesUnprocessed); got != 2 {
		t.Errorf("expected 2 unprocessed, got %v", got)
	}
	if got := testutil.ToFloat64(m.SourceErrors.WithLabelValues("rate_limited")); got != 1 {
		t.Errorf("expected 1 rate limited error, got %v", got)
	}
	if got := testutil.CollectAndCount(m.SourceErrors); got != 1 {
		t.Errorf("successful fetch must not add an error series, got %d", got)
	}
	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("PENDING", "VERIFIED_SUCCESS")); got != 1 {
		t.Errorf("expected 1 transition, got %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTick(time.Now(), time.Now(), nil)
	m.RecordOutcome("FAIL")
	m.RecordAlert("source_fatal")
	m.RecordRepositoryError("list_checkable")
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)
	m.RecordConflict()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_verification_conflicts_total 1") {
		t.Errorf("metrics output missing conflicts counter:\n%s", rec.Body.String())
	}
}
