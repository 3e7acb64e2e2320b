// Package scheduler drives token calls through verification.
//
// Each tick selects checkable calls, fetches their price history, evaluates them
// and persists the result through the call store's conditional update, which is
// the only mutation primitive. Replicas may run concurrently without locks.
//
// A call that cannot be decided yet keeps its status and verification fields,
// but the check itself is still written: last_checked_at and check_count are
// updated (and an ERROR call returns to PENDING) so every replica honours the
// same recheck cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dyor-hub-verifier/internal/domain"
	"dyor-hub-verifier/internal/evaluation"
	"dyor-hub-verifier/internal/observability"
	"dyor-hub-verifier/internal/pricesource"
	"dyor-hub-verifier/internal/publisher"
	"dyor-hub-verifier/internal/storage"
)

// Default settings.
const (
	DefaultBatchSize       = 500
	DefaultWorkers         = 4
	DefaultRecheckInterval = time.Hour
	DefaultFetchTimeout    = 30 * time.Second
)

// Disposition is what processing did to one candidate.
type Disposition string

// Candidate dispositions.
const (
	DispositionResolved        Disposition = "resolved"         // terminal status written
	DispositionPending         Disposition = "pending"          // not resolvable yet, check recorded
	DispositionFailed          Disposition = "failed"           // moved to or kept in ERROR
	DispositionConflict        Disposition = "conflict"         // conditional update rejected
	DispositionSkipped         Disposition = "skipped"          // token is backing off
	DispositionInvalid         Disposition = "invalid"          // evaluator rejected the input
	DispositionRepositoryError Disposition = "repository_error" // store failed, call untouched
	DispositionAborted         Disposition = "aborted"          // tick context cancelled
)

// Scheduler evaluates checkable calls.
type Scheduler struct {
	calls     storage.CallStore
	source    pricesource.Source
	publisher publisher.Publisher
	evaluator evaluation.Evaluator
	backoff   *TokenBackoff
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time

	batchSize       int
	workers         int
	recheckInterval time.Duration
	tickBudget      time.Duration
	fetchTimeout    time.Duration
}

// Options for creating a Scheduler.
type Options struct {
	// Required
	Calls  storage.CallStore
	Source pricesource.Source

	// Optional collaborators
	Publisher publisher.Publisher // nil drops events
	Evaluator evaluation.Evaluator
	Backoff   *TokenBackoff // nil uses DefaultBackoffConfig
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	Now       func() time.Time // clock for Tick, defaults to time.Now

	// Tunables, zero means default
	BatchSize       int
	Workers         int
	RecheckInterval time.Duration
	TickBudget      time.Duration // zero disables the budget
	FetchTimeout    time.Duration
}

// New creates a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Calls == nil {
		return nil, errors.New("scheduler: call store is required")
	}
	if opts.Source == nil {
		return nil, errors.New("scheduler: price source is required")
	}

	s := &Scheduler{
		calls:           opts.Calls,
		source:          opts.Source,
		publisher:       opts.Publisher,
		evaluator:       opts.Evaluator,
		backoff:         opts.Backoff,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		now:             opts.Now,
		batchSize:       opts.BatchSize,
		workers:         opts.Workers,
		recheckInterval: opts.RecheckInterval,
		tickBudget:      opts.TickBudget,
		fetchTimeout:    opts.FetchTimeout,
	}
	if s.backoff == nil {
		s.backoff = NewTokenBackoff(DefaultBackoffConfig())
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	if s.recheckInterval <= 0 {
		s.recheckInterval = DefaultRecheckInterval
	}
	if s.fetchTimeout <= 0 {
		s.fetchTimeout = DefaultFetchTimeout
	}
	return s, nil
}

// TickResult summarizes one tick.
type TickResult struct {
	Selected         int
	Resolved         int
	Pending          int
	Failed           int
	Skipped          int
	Conflicts        int
	Invalid          int
	RepositoryErrors int
	Unprocessed      int // left for the next tick
}

func (r *TickResult) add(d Disposition) {
	switch d {
	case DispositionResolved:
		r.Resolved++
	case DispositionPending:
		r.Pending++
	case DispositionFailed:
		r.Failed++
	case DispositionSkipped:
		r.Skipped++
	case DispositionConflict:
		r.Conflicts++
	case DispositionInvalid:
		r.Invalid++
	case DispositionRepositoryError:
		r.RepositoryErrors++
	case DispositionAborted:
		r.Unprocessed++
	}
}

// Tick runs one tick at the scheduler clock and logs its summary.
// Used as the cron job.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	res, err := s.RunOnce(ctx, now)
	if err != nil {
		s.logger.Error("tick failed", zap.Time("now", now), zap.Error(err))
		return
	}
	s.logger.Info("tick completed",
		zap.Int("selected", res.Selected),
		zap.Int("resolved", res.Resolved),
		zap.Int("pending", res.Pending),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int("conflicts", res.Conflicts),
		zap.Int("invalid", res.Invalid),
		zap.Int("repository_errors", res.RepositoryErrors),
		zap.Int("unprocessed", res.Unprocessed),
	)
}

// RunOnce selects checkable calls at now and processes them with bounded parallelism.
// Only a failure to list candidates is returned as an error; per-call failures
// are isolated and counted. When the tick budget runs out no further calls are
// dispatched and the rest wait for the next tick.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (*TickResult, error) {
	started := time.Now()

	calls, err := s.calls.ListCheckable(ctx, now, now.Add(-s.recheckInterval), s.batchSize)
	if err != nil {
		s.metrics.RecordRepositoryError("list_checkable")
		s.metrics.RecordTick(started, time.Now(), err)
		return nil, fmt.Errorf("list checkable calls: %w", err)
	}

	res := &TickResult{Selected: len(calls)}

	dispatchCtx := ctx
	if s.tickBudget > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, s.tickBudget)
		defer cancel()
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.workers)

	for i, call := range calls {
		if dispatchCtx.Err() != nil {
			res.Unprocessed += len(calls) - i
			s.logger.Warn("tick budget exhausted",
				zap.Duration("budget", s.tickBudget),
				zap.Int("unprocessed", len(calls)-i))
			break
		}
		g.Go(func() error {
			d := s.ProcessCall(ctx, call, now)
			mu.Lock()
			res.add(d)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.RecordCandidates(res.Selected, res.Unprocessed)
	s.metrics.RecordTick(started, time.Now(), nil)
	return res, nil
}

// ProcessCall runs one candidate end to end: fetch, normalize, evaluate,
// persist and publish. It never returns an error; failures are recorded on
// the call, logged and reflected in the returned Disposition.
func (s *Scheduler) ProcessCall(ctx context.Context, call *domain.TokenCall, now time.Time) Disposition {
	log := s.logger.With(
		zap.String("call_id", call.ID.String()),
		zap.String("token_id", call.TokenID),
		zap.String("status", call.Status.String()),
	)

	if until, blocked := s.backoff.Blocked(call.TokenID, now); blocked {
		s.metrics.RecordBackoffSkip()
		log.Debug("token backing off, skipping", zap.Time("until", until))
		return DispositionSkipped
	}

	from, to := call.Window(now)

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	fetchStart := time.Now()
	series, err := s.source.GetPriceSeries(fetchCtx, call.TokenID, from, to)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("tick cancelled during fetch", zap.Error(err))
			return DispositionAborted
		}
		kind := pricesource.KindOf(err)
		s.metrics.RecordSourceFetch(time.Since(fetchStart), kind.String())
		return s.handleSourceError(ctx, log, call, now, kind, err)
	}
	s.metrics.RecordSourceFetch(time.Since(fetchStart), "")
	s.backoff.Reset(call.TokenID)

	series = evaluation.NormalizeSeries(series, from, to)
	if len(series) == 0 {
		log.Debug("no price samples inside call window")
		return s.touch(ctx, log, call, now)
	}

	result, err := s.evaluator.Evaluate(call, series, now)
	if err == nil && result.Reason == evaluation.ReasonNoFinalPrice {
		// Long windows are sampled coarsely; look again around the deadline.
		tail, d, ok := s.fetchFinalSamples(ctx, log, call, now)
		if !ok {
			return d
		}
		if len(tail) > 0 {
			series = evaluation.NormalizeSeries(append(tail, series...), from, to)
			result, err = s.evaluator.Evaluate(call, series, now)
		}
	}
	if err != nil {
		s.metrics.RecordAlert("invalid_input")
		log.Error("evaluation rejected input", zap.Error(err))
		if d := s.keep(ctx, log, call, now); d != DispositionPending {
			return d
		}
		return DispositionInvalid
	}
	s.metrics.RecordOutcome(string(result.Outcome))

	switch result.Outcome {
	case evaluation.OutcomeSuccess, evaluation.OutcomeFail:
		return s.resolve(ctx, log, call, now, result)
	default:
		if result.Reason == evaluation.ReasonNoFinalPrice && checkedSinceDeadline(call) {
			s.metrics.RecordAlert("no_final_price")
			log.Warn("due call still has no final price",
				zap.Time("target_date", call.TargetDate),
				zap.Time("last_sample_at", result.FinalPriceAt),
				zap.Int("check_count", call.CheckCount))
		} else {
			log.Debug("call not resolvable yet",
				zap.String("reason", result.Reason),
				zap.String("peak_price", result.PeakPrice.String()))
		}
		return s.touch(ctx, log, call, now)
	}
}

// fetchFinalSamples fetches the samples just before the deadline of a due call.
// ok is false when processing must stop with d; NoData yields ok with no samples.
func (s *Scheduler) fetchFinalSamples(ctx context.Context, log *zap.Logger, call *domain.TokenCall, now time.Time) ([]*domain.PricePoint, Disposition, bool) {
	from, to := s.evaluator.FinalSampleRange(call)

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	fetchStart := time.Now()
	tail, err := s.source.GetPriceSeries(fetchCtx, call.TokenID, from, to)
	cancel()
	if err == nil {
		s.metrics.RecordSourceFetch(time.Since(fetchStart), "")
		return tail, "", true
	}
	if ctx.Err() != nil {
		log.Debug("tick cancelled during final sample fetch", zap.Error(err))
		return nil, DispositionAborted, false
	}
	kind := pricesource.KindOf(err)
	s.metrics.RecordSourceFetch(time.Since(fetchStart), kind.String())
	if kind == pricesource.KindNoData {
		return nil, "", true
	}
	return nil, s.handleSourceError(ctx, log, call, now, kind, err), false
}

// checkedSinceDeadline reports whether an earlier check already ran after the
// target date.
func checkedSinceDeadline(call *domain.TokenCall) bool {
	return call.LastCheckedAt != nil && !call.LastCheckedAt.Before(call.TargetDate)
}

func (s *Scheduler) handleSourceError(ctx context.Context, log *zap.Logger, call *domain.TokenCall, now time.Time, kind pricesource.Kind, err error) Disposition {
	switch kind {
	case pricesource.KindNoData:
		log.Debug("no price history yet", zap.Error(err))
		return s.touch(ctx, log, call, now)
	case pricesource.KindRateLimited:
		until := s.backoff.Fail(call.TokenID, now, pricesource.RetryAfter(err))
		log.Warn("price source rate limited", zap.Time("backoff_until", until), zap.Error(err))
	case pricesource.KindFatal:
		s.metrics.RecordAlert("source_fatal")
		log.Error("price source fatal failure", zap.Error(err))
	default:
		log.Warn("price source transient failure", zap.Error(err))
	}

	reason := fmt.Sprintf("source %s: %v", kind, err)
	return s.fail(ctx, log, call, now, reason)
}

// resolve writes a terminal status. Any checkable stored status is accepted so
// that a concurrent ERROR write by another replica does not block resolution.
func (s *Scheduler) resolve(ctx context.Context, log *zap.Logger, call *domain.TokenCall, now time.Time, r *evaluation.Result) Disposition {
	update := domain.CallUpdate{
		CheckedAt:    now,
		Verification: verificationOf(call, r, now),
	}
	if r.Outcome == evaluation.OutcomeSuccess {
		update.Status = domain.CallStatusVerifiedSuccess
	} else {
		update.Status = domain.CallStatusVerifiedFail
	}

	applied, d := s.apply(ctx, log, call, domain.CheckableStatuses, update)
	if !applied {
		return d
	}
	log.Info("call verified",
		zap.String("new_status", update.Status.String()),
		zap.String("peak_price", r.PeakPrice.String()))
	s.publish(ctx, log, call, update)
	return DispositionResolved
}

// fail moves the call to ERROR. Only a PENDING -> ERROR transition is published.
func (s *Scheduler) fail(ctx context.Context, log *zap.Logger, call *domain.TokenCall, now time.Time, reason string) Disposition {
	update := domain.CallUpdate{
		Status:    domain.CallStatusError,
		CheckedAt: now,
		LastError: &reason,
	}
	applied, d := s.apply(ctx, log, call, []domain.CallStatus{call.Status}, update)
	if !applied {
		return d
	}
	if call.Status != domain.CallStatusError {
		s.publish(ctx, log, call, update)
	}
	return DispositionFailed
}

// touch records a check without resolving: status becomes PENDING and any
// previous error is cleared. Verification fields are never written.
func (s *Scheduler) touch(ctx context.Context, log *zap.Logger, call *domain.TokenCall, now time.Time) Disposition {
	update := domain.CallUpdate{Status: domain.CallStatusPending, CheckedAt: now}
	_, d := s.apply(ctx, log, call, []domain.CallStatus{call.Status}, update)
	return d
}

// keep records a check leaving status and error untouched.
func (s *Scheduler) keep(ctx context.Context, log *zap.Logger, call *domain.TokenCall, now time.Time) Disposition {
	update := domain.CallUpdate{Status: call.Status, CheckedAt: now, LastError: call.LastError}
	_, d := s.apply(ctx, log, call, []domain.CallStatus{call.Status}, update)
	return d
}

// apply runs the conditional update. On success it returns (true, DispositionPending);
// otherwise the disposition describes why nothing was written.
func (s *Scheduler) apply(ctx context.Context, log *zap.Logger, call *domain.TokenCall, expected []domain.CallStatus, update domain.CallUpdate) (bool, Disposition) {
	applied, err := s.calls.ConditionalUpdate(ctx, call.ID, expected, update)
	if err != nil {
		if ctx.Err() != nil {
			return false, DispositionAborted
		}
		s.metrics.RecordRepositoryError("conditional_update")
		log.Error("conditional update failed",
			zap.String("new_status", update.Status.String()),
			zap.Error(err))
		return false, DispositionRepositoryError
	}
	if !applied {
		s.metrics.RecordConflict()
		log.Info("call changed concurrently, skipping",
			zap.String("new_status", update.Status.String()))
		return false, DispositionConflict
	}
	if call.Status != update.Status {
		s.metrics.RecordTransition(call.Status.String(), update.Status.String())
	}
	return true, DispositionPending
}

// publish emits the outcome event. The status change is already durable, so a
// delivery failure is only logged.
func (s *Scheduler) publish(ctx context.Context, log *zap.Logger, call *domain.TokenCall, update domain.CallUpdate) {
	if s.publisher == nil {
		return
	}
	event := domain.NewOutcomeEvent(call, update)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.metrics.RecordPublishFailure()
		log.Error("publish outcome event failed",
			zap.String("idempotency_key", event.IdempotencyKey()),
			zap.Error(err))
	}
}

func verificationOf(call *domain.TokenCall, r *evaluation.Result, now time.Time) *domain.Verification {
	v := &domain.Verification{
		VerifiedAt:     now,
		PeakPrice:      r.PeakPrice,
		PeakPriceAt:    r.PeakPriceAt,
		TargetHitAt:    r.TargetHitAt,
		TimeToHitRatio: r.TimeToHitRatio,
	}
	// The final price is only meaningful once the deadline has passed.
	if call.IsDue(now) {
		final := r.FinalPrice
		v.FinalPrice = &final
	}
	return v
}
