// Package main evaluates a single token call without writing anything.
// It loads the call, fetches its price series from the configured source
// and prints the evaluation as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dyor-hub-verifier/internal/config"
	"dyor-hub-verifier/internal/domain"
	"dyor-hub-verifier/internal/evaluation"
	"dyor-hub-verifier/internal/logger"
	"dyor-hub-verifier/internal/pricesource"
	chstore "dyor-hub-verifier/internal/storage/clickhouse"
	pgstore "dyor-hub-verifier/internal/storage/postgres"
)

// report is the printed diagnostic.
type report struct {
	CallID        string           `json:"callId"`
	TokenID       string           `json:"tokenId"`
	Status        string           `json:"status"`
	TargetPrice   decimal.Decimal  `json:"targetPrice"`
	CallTimestamp time.Time        `json:"callTimestamp"`
	TargetDate    time.Time        `json:"targetDate"`
	EvaluatedAt   time.Time        `json:"evaluatedAt"`
	Samples       int              `json:"samples"`
	Outcome       string           `json:"outcome,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	PeakPrice     *decimal.Decimal `json:"peakPrice,omitempty"`
	PeakPriceAt   *time.Time       `json:"peakPriceAt,omitempty"`
	FinalPrice    *decimal.Decimal `json:"finalPrice,omitempty"`
	TargetHitAt   *time.Time       `json:"targetHitAt,omitempty"`
	TimeToHit     *decimal.Decimal `json:"timeToHitRatio,omitempty"`
	SourceError   string           `json:"sourceError,omitempty"`
	SourceErrKind string           `json:"sourceErrorKind,omitempty"`
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to YAML config")
	envOnly := flag.Bool("env-only", false, "Read configuration from TCV_* environment variables only")
	callID := flag.String("call-id", "", "Token call id to evaluate (required)")
	at := flag.String("now", "", "Evaluation time in RFC3339 (default: current time)")
	timeout := flag.Duration("timeout", time.Minute, "Overall timeout")
	flag.Parse()

	if err := run(*configPath, *envOnly, *callID, *at, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "evaluate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, envOnly bool, rawID, rawNow string, timeout time.Duration) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("--call-id: %w", err)
	}
	now := time.Now().UTC()
	if rawNow != "" {
		if now, err = time.Parse(time.RFC3339, rawNow); err != nil {
			return fmt.Errorf("--now: %w", err)
		}
	}

	cfg, err := config.Load(configPath, envOnly)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN, pgstore.PoolConfig{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	call, err := pgstore.NewCallStore(pool).GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load call %s: %w", id, err)
	}

	source, cleanup, err := openSource(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	rep := evaluate(ctx, call, source, evaluation.Evaluator{FinalPriceTolerance: cfg.Scheduler.FinalPriceTolerance}, now)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// openSource builds a read-only source: fetched series are never archived.
func openSource(ctx context.Context, cfg config.Config, log *zap.Logger) (pricesource.Source, func(), error) {
	if cfg.Source.Kind == config.SourceKindArchive {
		conn, err := chstore.NewConn(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := chstore.NewPriceTimeseriesStore(conn)
		return pricesource.NewStoreSource(store), func() { _ = conn.Close() }, nil
	}

	src := pricesource.NewHTTPSource(cfg.Source.BaseURL,
		pricesource.WithAPIKey(cfg.Source.APIKey),
		pricesource.WithChain(cfg.Source.Chain),
		pricesource.WithInterval(cfg.Source.Interval),
		pricesource.WithTimeout(cfg.Source.Timeout),
		pricesource.WithMaxRetries(cfg.Source.MaxRetries),
		pricesource.WithLogger(log.Named("source")),
	)
	return src, func() {}, nil
}

func evaluate(ctx context.Context, call *domain.TokenCall, source pricesource.Source, ev evaluation.Evaluator, now time.Time) report {
	rep := report{
		CallID:        call.ID.String(),
		TokenID:       call.TokenID,
		Status:        call.Status.String(),
		TargetPrice:   call.TargetPrice,
		CallTimestamp: call.CallTimestamp,
		TargetDate:    call.TargetDate,
		EvaluatedAt:   now,
	}

	from, to := call.Window(now)
	series, err := source.GetPriceSeries(ctx, call.TokenID, from, to)
	if err != nil {
		rep.SourceError = err.Error()
		rep.SourceErrKind = pricesource.KindOf(err).String()
		return rep
	}

	series = evaluation.NormalizeSeries(series, from, to)
	rep.Samples = len(series)

	res, err := ev.Evaluate(call, series, now)
	if err == nil && res.Reason == evaluation.ReasonNoFinalPrice {
		tailFrom, tailTo := ev.FinalSampleRange(call)
		if tail, tailErr := source.GetPriceSeries(ctx, call.TokenID, tailFrom, tailTo); tailErr == nil {
			series = evaluation.NormalizeSeries(append(tail, series...), from, to)
			rep.Samples = len(series)
			res, err = ev.Evaluate(call, series, now)
		}
	}
	if err != nil {
		rep.Reason = err.Error()
		return rep
	}

	rep.Outcome = string(res.Outcome)
	rep.Reason = res.Reason
	rep.PeakPrice = &res.PeakPrice
	rep.PeakPriceAt = &res.PeakPriceAt
	rep.FinalPrice = &res.FinalPrice
	rep.TargetHitAt = res.TargetHitAt
	rep.TimeToHit = res.TimeToHitRatio
	return rep
}
