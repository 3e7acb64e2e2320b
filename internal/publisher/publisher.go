// Package publisher delivers outcome events to downstream consumers.
// Delivery is at-least-once; consumers dedupe on OutcomeEvent.IdempotencyKey.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"dyor-hub-verifier/internal/domain"
)

// Publisher delivers one outcome event.
type Publisher interface {
	Publish(ctx context.Context, event domain.OutcomeEvent) error
}

// encode renders the wire payload shared by all transports.
func encode(event domain.OutcomeEvent) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal outcome event: %w", err)
	}
	return payload, nil
}

// Multi fans an event out to every publisher and joins their errors.
// A failing publisher does not stop delivery to the others.
type Multi []Publisher

// Publish delivers event to all publishers.
func (m Multi) Publish(ctx context.Context, event domain.OutcomeEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher that implements io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the log.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs event at info level.
func (p *LogPublisher) Publish(_ context.Context, event domain.OutcomeEvent) error {
	fields := []zap.Field{
		zap.String("event_id", event.EventID.String()),
		zap.String("call_id", event.CallID.String()),
		zap.String("token_id", event.TokenID),
		zap.String("old_status", event.OldStatus.String()),
		zap.String("new_status", event.NewStatus.String()),
		zap.Time("verified_at", event.VerifiedAt),
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if event.Metrics.PeakPrice != nil {
		fields = append(fields, zap.String("peak_price", event.Metrics.PeakPrice.String()))
	}
	if event.Metrics.TimeToHitRatio != nil {
		fields = append(fields, zap.String("time_to_hit_ratio", event.Metrics.TimeToHitRatio.String()))
	}
	p.logger.Info("call outcome", fields...)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.OutcomeEvent
	err    error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent Publish calls return err without recording. nil restores delivery.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Publish records event.
func (r *Recorder) Publish(_ context.Context, event domain.OutcomeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.OutcomeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OutcomeEvent, len(r.events))
	copy(out, r.events)
	return out
}

var (
	_ Publisher = Multi(nil)
	_ Publisher = (*LogPublisher)(nil)
	_ Publisher = (*Recorder)(nil)
)
