package scheduler

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig is the per-token schedule applied after a rate limit.
type BackoffConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultBackoffConfig returns the default rate-limit schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval:     time.Minute,
		MaxInterval:         time.Hour,
		Multiplier:          2.0,
		RandomizationFactor: 0.2,
	}
}

// TokenBackoff tracks rate-limit backoff per token.
// Consecutive rate limits for a token grow its delay exponentially;
// a successful fetch resets it. State idle for longer than MaxInterval after its
// window ended is dropped. Safe for concurrent use.
type TokenBackoff struct {
	mu     sync.Mutex
	cfg    BackoffConfig
	tokens map[string]*tokenBackoff
}

type tokenBackoff struct {
	schedule *backoff.ExponentialBackOff
	until    time.Time
}

// NewTokenBackoff creates an empty tracker.
func NewTokenBackoff(cfg BackoffConfig) *TokenBackoff {
	def := DefaultBackoffConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.RandomizationFactor < 0 {
		cfg.RandomizationFactor = 0
	}
	return &TokenBackoff{
		cfg:    cfg,
		tokens: make(map[string]*tokenBackoff),
	}
}

// Blocked reports whether tokenID is backing off at now, and until when.
func (t *TokenBackoff) Blocked(tokenID string, now time.Time) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tb, ok := t.tokens[tokenID]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(tb.until) {
		if t.idle(tb, now) {
			delete(t.tokens, tokenID)
		}
		return time.Time{}, false
	}
	return tb.until, true
}

// Fail records a rate limit for tokenID at now and returns the end of the backoff.
// A server hint longer than the scheduled delay wins.
func (t *TokenBackoff) Fail(tokenID string, now time.Time, retryAfter time.Duration) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune(now)

	tb, ok := t.tokens[tokenID]
	if !ok {
		tb = &tokenBackoff{schedule: t.newSchedule()}
		t.tokens[tokenID] = tb
	}

	delay := tb.schedule.NextBackOff()
	if delay == backoff.Stop {
		delay = t.cfg.MaxInterval
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	tb.until = now.Add(delay)
	return tb.until
}

// Reset clears the backoff state of tokenID.
func (t *TokenBackoff) Reset(tokenID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tokens, tokenID)
}

// Len returns the number of tokens with backoff state.
func (t *TokenBackoff) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tokens)
}

// prune drops idle tokens that may never be selected again. Callers hold t.mu.
func (t *TokenBackoff) prune(now time.Time) {
	for id, tb := range t.tokens {
		if t.idle(tb, now) {
			delete(t.tokens, id)
		}
	}
}

func (t *TokenBackoff) idle(tb *tokenBackoff, now time.Time) bool {
	return !now.Before(tb.until.Add(t.cfg.MaxInterval))
}

func (t *TokenBackoff) newSchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.InitialInterval
	b.MaxInterval = t.cfg.MaxInterval
	b.Multiplier = t.cfg.Multiplier
	b.RandomizationFactor = t.cfg.RandomizationFactor
	// Tokens are never given up on; the call deadline ends retries.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
