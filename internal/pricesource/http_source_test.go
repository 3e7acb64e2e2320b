package pricesource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const testMint = "So11111111111111111111111111111111111111112"

var (
	testFrom = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	testTo   = testFrom.Add(10 * 24 * time.Hour)
)

func newTestSource(url string, opts ...Option) *HTTPSource {
	opts = append([]Option{WithRetryDelay(time.Millisecond), WithMaxDelay(5 * time.Millisecond)}, opts...)
	return NewHTTPSource(url, opts...)
}

func TestHTTPSource_GetPriceSeries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/defi/history_price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("address") != testMint {
			t.Errorf("unexpected address %s", q.Get("address"))
		}
		if q.Get("type") != "15m" {
			t.Errorf("expected 15m interval for a 10 day window, got %s", q.Get("type"))
		}
		if q.Get("time_from") != "1704067200" {
			t.Errorf("unexpected time_from %s", q.Get("time_from"))
		}
		if r.Header.Get("X-API-KEY") != "secret" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("x-chain") != "solana" {
			t.Errorf("unexpected chain header %s", r.Header.Get("x-chain"))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"items":[
			{"unixTime":1704240000,"value":1.5},
			{"unixTime":1704326400,"value":2.100000000000000001}
		]}}`))
	}))
	defer server.Close()

	src := newTestSource(server.URL, WithAPIKey("secret"))
	points, err := src.GetPriceSeries(context.Background(), testMint, testFrom, testTo)
	if err != nil {
		t.Fatalf("GetPriceSeries: %v", err)
	}

	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if !points[1].Price.Equal(decimal.RequireFromString("2.100000000000000001")) {
		t.Errorf("decimal precision lost: %s", points[1].Price)
	}
	if !points[0].Timestamp.Equal(time.Unix(1704240000, 0)) || points[0].TokenID != testMint {
		t.Errorf("unexpected point %+v", points[0])
	}
}

func TestHTTPSource_RateLimited(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestSource(server.URL).GetPriceSeries(context.Background(), testMint, testFrom, testTo)

	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if got := RetryAfter(err); got != 30*time.Second {
		t.Errorf("expected Retry-After 30s, got %v", got)
	}
	if requests.Load() != 1 {
		t.Errorf("rate limits must not be retried in-process, got %d requests", requests.Load())
	}
}

func TestHTTPSource_NoData(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"not found", http.StatusNotFound, `{"success":false,"message":"not found"}`},
		{"empty items", http.StatusOK, `{"success":true,"data":{"items":[]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.payload))
			}))
			defer server.Close()

			_, err := newTestSource(server.URL).GetPriceSeries(context.Background(), testMint, testFrom, testTo)
			if KindOf(err) != KindNoData {
				t.Errorf("expected no_data, got %v", err)
			}
		})
	}
}

func TestHTTPSource_RetriesTransient(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"items": []map[string]interface{}{{"unixTime": 1704240000, "value": 1.2}},
			},
		})
	}))
	defer server.Close()

	points, err := newTestSource(server.URL, WithMaxRetries(3)).GetPriceSeries(context.Background(), testMint, testFrom, testTo)
	if err != nil {
		t.Fatalf("GetPriceSeries: %v", err)
	}
	if len(points) != 1 {
		t.Errorf("expected 1 point, got %d", len(points))
	}
	if requests.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", requests.Load())
	}
}

func TestHTTPSource_TransientExhausted(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestSource(server.URL, WithMaxRetries(2)).GetPriceSeries(context.Background(), testMint, testFrom, testTo)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	var se *Error
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 on error, got %v", err)
	}
	if requests.Load() != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d", requests.Load())
	}
}

func TestHTTPSource_Fatal(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"bad request", http.StatusBadRequest, `{"success":false,"message":"invalid address"}`},
		{"unauthorized", http.StatusUnauthorized, `{}`},
		{"malformed", http.StatusOK, `{"success":true,"data":{"items":[{"unixTime":"x"}]}}`},
		{"upstream failure", http.StatusOK, `{"success":false,"message":"internal"}`},
		{"negative price", http.StatusOK, `{"success":true,"data":{"items":[{"unixTime":1704240000,"value":-1}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.payload))
			}))
			defer server.Close()

			_, err := newTestSource(server.URL).GetPriceSeries(context.Background(), testMint, testFrom, testTo)
			if !errors.Is(err, ErrFatal) {
				t.Errorf("expected ErrFatal, got %v", err)
			}
			if requests.Load() != 1 {
				t.Errorf("fatal errors must not be retried, got %d requests", requests.Load())
			}
		})
	}
}

func TestHTTPSource_InvalidMintSkipsRequest(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	_, err := newTestSource(server.URL).GetPriceSeries(context.Background(), "not-a-mint", testFrom, testTo)
	if !errors.Is(err, ErrFatal) {
		t.Errorf("expected ErrFatal, got %v", err)
	}
	if requests.Load() != 0 {
		t.Errorf("expected no request for invalid mint, got %d", requests.Load())
	}
}

func TestHTTPSource_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestSource(server.URL, WithMaxRetries(0)).GetPriceSeries(ctx, testMint, testFrom, testTo)
	if KindOf(err) != KindTransient {
		t.Errorf("expected timeout to be transient, got %v", err)
	}
}

func TestPickInterval(t *testing.T) {
	tests := []struct {
		window time.Duration
		want   string
	}{
		{time.Hour, "1m"},
		{16 * time.Hour, "1m"},
		{2 * 24 * time.Hour, "3m"},
		{10 * 24 * time.Hour, "15m"},
		{30 * 24 * time.Hour, "1H"},
		{5 * 365 * 24 * time.Hour, "1D"},
	}
	for _, tt := range tests {
		if got := pickInterval(tt.window); got != tt.want {
			t.Errorf("pickInterval(%v) = %s, want %s", tt.window, got, tt.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if got := parseRetryAfter("12", now); got != 12*time.Second {
		t.Errorf("expected 12s, got %v", got)
	}
	if got := parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now); got != time.Minute {
		t.Errorf("expected 1m, got %v", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Errorf("expected 0 for garbage, got %v", got)
	}
}
