// Package main runs the token call verification engine:
// a cron-driven scheduler that resolves calls against price history
// and publishes outcome events, plus /health and /metrics endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dyor-hub-verifier/internal/config"
	cronrunner "dyor-hub-verifier/internal/cron"
	"dyor-hub-verifier/internal/evaluation"
	"dyor-hub-verifier/internal/logger"
	"dyor-hub-verifier/internal/observability"
	"dyor-hub-verifier/internal/pricesource"
	"dyor-hub-verifier/internal/publisher"
	"dyor-hub-verifier/internal/scheduler"
	"dyor-hub-verifier/internal/storage"
	chstore "dyor-hub-verifier/internal/storage/clickhouse"
	"dyor-hub-verifier/internal/storage/migrations"
	pgstore "dyor-hub-verifier/internal/storage/postgres"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to YAML config")
	envOnly := flag.Bool("env-only", false, "Read configuration from TCV_* environment variables only")
	once := flag.Bool("once", false, "Run a single tick and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envOnly)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *once); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("verifier stopped with error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger, once bool) error {
	log.Info("starting verifier",
		zap.String("env", cfg.App.Env),
		zap.String("source", cfg.Source.Kind),
		zap.String("tick", cfg.Scheduler.Tick),
		zap.Int("workers", cfg.Scheduler.Workers))

	pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN, pgstore.PoolConfig{
		MaxConns:        cfg.Postgres.MaxConns,
		MinConns:        cfg.Postgres.MinConns,
		MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Postgres.Migrate {
		if err := migrations.RunPostgresMigrations(ctx, pool, log); err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
	}

	var priceStore storage.PriceTimeseriesStore
	if cfg.ClickHouse.Enabled {
		conn, err := openClickHouse(ctx, cfg.ClickHouse, log)
		if err != nil {
			return err
		}
		defer conn.Close()
		priceStore = chstore.NewPriceTimeseriesStore(conn)
	}

	source, err := buildSource(cfg, priceStore, log)
	if err != nil {
		return err
	}

	pub, closers, err := buildPublisher(ctx, cfg.Publisher, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Warn("close publisher", zap.Error(err))
			}
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.Metrics.Namespace, reg)

	sched, err := scheduler.New(scheduler.Options{
		Calls:     pgstore.NewCallStore(pool),
		Source:    source,
		Publisher: pub,
		Evaluator: evaluation.Evaluator{FinalPriceTolerance: cfg.Scheduler.FinalPriceTolerance},
		Backoff: scheduler.NewTokenBackoff(scheduler.BackoffConfig{
			InitialInterval:     cfg.Backoff.InitialInterval,
			MaxInterval:         cfg.Backoff.MaxInterval,
			Multiplier:          cfg.Backoff.Multiplier,
			RandomizationFactor: cfg.Backoff.RandomizationFactor,
		}),
		Metrics:         metrics,
		Logger:          log.Named("scheduler"),
		BatchSize:       cfg.Scheduler.BatchSize,
		Workers:         cfg.Scheduler.Workers,
		RecheckInterval: cfg.Scheduler.RecheckInterval,
		TickBudget:      cfg.Scheduler.TickBudget,
		FetchTimeout:    cfg.Scheduler.FetchTimeout,
	})
	if err != nil {
		return err
	}

	if once {
		res, err := sched.RunOnce(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		log.Info("single tick completed",
			zap.Int("selected", res.Selected),
			zap.Int("resolved", res.Resolved),
			zap.Int("failed", res.Failed),
			zap.Int("unprocessed", res.Unprocessed))
		return nil
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = newHTTPServer(cfg.Metrics.Addr, reg, pool)
		go func() {
			log.Info("starting http server", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server error", zap.Error(err))
			}
		}()
	}

	runner := cronrunner.New(log.Named("cron"), ctx)
	if _, err := runner.Add(cfg.Scheduler.Tick, sched.Tick); err != nil {
		return fmt.Errorf("register tick %q: %w", cfg.Scheduler.Tick, err)
	}
	runner.Start()

	<-ctx.Done()
	log.Info("shutting down")

	// Wait for the running tick; in-flight calls see the cancelled context.
	runner.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown", zap.Error(err))
		}
	}
	return nil
}

func openClickHouse(ctx context.Context, cfg config.ClickHouseConfig, log *zap.Logger) (*chstore.Conn, error) {
	if cfg.Migrate {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		return conn, nil
	}
	return chstore.NewConn(ctx, cfg.DSN)
}

func buildSource(cfg config.Config, priceStore storage.PriceTimeseriesStore, log *zap.Logger) (pricesource.Source, error) {
	switch cfg.Source.Kind {
	case config.SourceKindArchive:
		if priceStore == nil {
			return nil, errors.New("archive source requires clickhouse")
		}
		return pricesource.NewStoreSource(priceStore), nil
	case config.SourceKindHTTP:
		src := newHTTPSource(cfg.Source, log)
		if cfg.Source.Archive && priceStore != nil {
			return pricesource.NewArchivingSource(src, priceStore, log.Named("archive")), nil
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

func newHTTPSource(cfg config.SourceConfig, log *zap.Logger) *pricesource.HTTPSource {
	return pricesource.NewHTTPSource(cfg.BaseURL,
		pricesource.WithAPIKey(cfg.APIKey),
		pricesource.WithChain(cfg.Chain),
		pricesource.WithInterval(cfg.Interval),
		pricesource.WithTimeout(cfg.Timeout),
		pricesource.WithMaxRetries(cfg.MaxRetries),
		pricesource.WithRetryDelay(cfg.RetryDelay),
		pricesource.WithMaxDelay(cfg.MaxDelay),
		pricesource.WithLogger(log.Named("source")),
	)
}

func buildPublisher(ctx context.Context, cfg config.PublisherConfig, log *zap.Logger) (publisher.Publisher, []io.Closer, error) {
	var (
		pubs    publisher.Multi
		closers []io.Closer
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	if cfg.Log {
		pubs = append(pubs, publisher.NewLogPublisher(log.Named("outcomes")))
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, client)
		if err := client.Ping(ctx).Err(); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		rp, err := publisher.NewRedisPublisher(client, publisher.RedisConfig{
			Mode:   cfg.Redis.Mode,
			Key:    cfg.Redis.Key,
			MaxLen: cfg.Redis.MaxLen,
		}, log.Named("redis"))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		pubs = append(pubs, rp)
	}

	if cfg.Kafka.Enabled {
		kp, err := publisher.NewKafkaPublisher(publisher.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		}, log.Named("kafka"))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		pubs = append(pubs, kp)
		closers = append(closers, kp)
	}

	return pubs, closers, nil
}

func newHTTPServer(addr string, reg *prometheus.Registry, pool *pgstore.Pool) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", observability.Handler(reg))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
