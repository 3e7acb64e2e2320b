package pricesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dyor-hub-verifier/internal/domain"
)

// Default configuration values.
const (
	DefaultBaseURL     = "https://public-api.birdeye.so"
	DefaultChain       = "solana"
	DefaultTimeout     = 15 * time.Second
	DefaultMaxRetries  = 2
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultBackoffMult = 2.0

	// maxPointsPerRequest bounds the sampling interval picked for a window.
	maxPointsPerRequest = 1000
	maxResponseBytes    = 8 << 20
)

// HTTPSource implements Source against a Birdeye-compatible history_price API.
type HTTPSource struct {
	baseURL     string
	apiKey      string
	chain       string
	interval    string // fixed sampling interval, empty picks one per window
	client      *http.Client
	maxRetries  uint64
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	logger      *zap.Logger
}

// Option configures HTTPSource.
type Option func(*HTTPSource)

// WithAPIKey sets the X-API-KEY header.
func WithAPIKey(key string) Option {
	return func(s *HTTPSource) {
		s.apiKey = key
	}
}

// WithChain sets the x-chain header.
func WithChain(chain string) Option {
	return func(s *HTTPSource) {
		s.chain = chain
	}
}

// WithInterval forces a sampling interval such as "15m" or "1H".
func WithInterval(interval string) Option {
	return func(s *HTTPSource) {
		s.interval = interval
	}
}

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *HTTPSource) {
		s.client.Timeout = d
	}
}

// WithMaxRetries sets retry attempts for transient failures.
func WithMaxRetries(n int) Option {
	return func(s *HTTPSource) {
		if n < 0 {
			n = 0
		}
		s.maxRetries = uint64(n)
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) Option {
	return func(s *HTTPSource) {
		s.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) Option {
	return func(s *HTTPSource) {
		s.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *HTTPSource) {
		s.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *HTTPSource) {
		s.logger = logger
	}
}

// NewHTTPSource creates a new price history HTTP source.
func NewHTTPSource(baseURL string, opts ...Option) *HTTPSource {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	s := &HTTPSource{
		baseURL:     strings.TrimRight(baseURL, "/"),
		chain:       DefaultChain,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

var _ Source = (*HTTPSource)(nil)

// historyResponse is the history_price response body.
type historyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		Items []historyItem `json:"items"`
	} `json:"data"`
}

type historyItem struct {
	UnixTime int64           `json:"unixTime"`
	Value    decimal.Decimal `json:"value"`
}

// GetPriceSeries fetches samples for [from, to]. Transient failures are retried
// with exponential backoff; every other failure is returned at once.
func (s *HTTPSource) GetPriceSeries(ctx context.Context, tokenID string, from, to time.Time) ([]*domain.PricePoint, error) {
	const op = "history_price"

	if err := ValidateMint(tokenID); err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, &Error{Kind: KindFatal, Op: op, TokenID: tokenID, Err: errors.New("range end before start")}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.MaxInterval = s.maxDelay
	b.Multiplier = s.backoffMult
	b.MaxElapsedTime = 0
	b.Reset()

	var points []*domain.PricePoint
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		p, err := s.fetch(ctx, tokenID, from, to)
		if err != nil {
			if KindOf(err) != KindTransient {
				return backoff.Permanent(err)
			}
			return err
		}
		points = p
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx), func(err error, next time.Duration) {
		s.logger.Debug("retrying price history request",
			zap.String("token_id", tokenID),
			zap.Int("attempt", attempt),
			zap.Duration("next", next),
			zap.Error(err),
		)
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &Error{Kind: KindTransient, Op: op, TokenID: tokenID, Err: err}
	}
	return points, nil
}

// fetch performs one request and classifies the result.
func (s *HTTPSource) fetch(ctx context.Context, tokenID string, from, to time.Time) ([]*domain.PricePoint, error) {
	const op = "history_price"

	interval := s.interval
	if interval == "" {
		interval = pickInterval(to.Sub(from))
	}

	q := url.Values{}
	q.Set("address", tokenID)
	q.Set("address_type", "token")
	q.Set("type", interval)
	q.Set("time_from", strconv.FormatInt(from.Unix(), 10))
	q.Set("time_to", strconv.FormatInt(to.Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/defi/history_price?"+q.Encode(), nil)
	if err != nil {
		return nil, &Error{Kind: KindFatal, Op: op, TokenID: tokenID, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-chain", s.chain)
	if s.apiKey != "" {
		req.Header.Set("X-API-KEY", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, TokenID: tokenID, Err: fmt.Errorf("http request: %w", err)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, TokenID: tokenID, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{
			Kind:       KindRateLimited,
			Op:         op,
			TokenID:    tokenID,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Kind: KindNoData, Op: op, TokenID: tokenID, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindTransient, Op: op, TokenID: tokenID, StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Kind: KindFatal, Op: op, TokenID: tokenID, StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	}

	var parsed historyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Kind: KindFatal, Op: op, TokenID: tokenID, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !parsed.Success {
		return nil, &Error{Kind: KindFatal, Op: op, TokenID: tokenID, StatusCode: resp.StatusCode, Err: fmt.Errorf("upstream error: %s", parsed.Message)}
	}
	if len(parsed.Data.Items) == 0 {
		return nil, &Error{Kind: KindNoData, Op: op, TokenID: tokenID, StatusCode: resp.StatusCode}
	}

	points := make([]*domain.PricePoint, 0, len(parsed.Data.Items))
	for _, item := range parsed.Data.Items {
		if item.Value.IsNegative() {
			return nil, &Error{Kind: KindFatal, Op: op, TokenID: tokenID, Err: fmt.Errorf("negative price %s at %d", item.Value, item.UnixTime)}
		}
		points = append(points, &domain.PricePoint{
			TokenID:   tokenID,
			Timestamp: time.Unix(item.UnixTime, 0).UTC(),
			Price:     item.Value,
		})
	}
	return points, nil
}

// intervals are the supported sampling steps, finest first.
var intervals = []struct {
	name string
	step time.Duration
}{
	{"1m", time.Minute},
	{"3m", 3 * time.Minute},
	{"5m", 5 * time.Minute},
	{"15m", 15 * time.Minute},
	{"30m", 30 * time.Minute},
	{"1H", time.Hour},
	{"2H", 2 * time.Hour},
	{"4H", 4 * time.Hour},
	{"6H", 6 * time.Hour},
	{"8H", 8 * time.Hour},
	{"12H", 12 * time.Hour},
	{"1D", 24 * time.Hour},
}

// pickInterval returns the finest interval keeping the window under maxPointsPerRequest samples.
func pickInterval(window time.Duration) string {
	for _, iv := range intervals {
		if window/iv.step <= maxPointsPerRequest {
			return iv.name
		}
	}
	return intervals[len(intervals)-1].name
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
