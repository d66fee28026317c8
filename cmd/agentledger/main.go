package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AgentLedger/internal/config"
	"AgentLedger/internal/core"
	"AgentLedger/internal/ingestion"
	"AgentLedger/internal/observability"
	"AgentLedger/internal/persistence"
	"AgentLedger/internal/projection"
	"AgentLedger/internal/query"
	"AgentLedger/internal/server"
	"AgentLedger/migrations"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentledger: %v\n", err)
		os.Exit(1)
	}
	observability.ConfigureLogging(cfg.Log)
	logger := observability.NewLogger("main")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("agentledger stopped")
	}
	logger.Info().Msg("agentledger shutdown complete")
}

func run(cfg config.Config, logger zerolog.Logger) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, stopIngress := context.WithCancel(sigCtx)
	defer stopIngress()

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	healthChecker.AddProbe("postgres", db.PingContext)
	logger.Info().Msg("postgres connected")

	if cfg.Migrations.AutoApply {
		var files fs.FS = migrations.FS
		if cfg.Migrations.Dir != "" {
			files = os.DirFS(cfg.Migrations.Dir)
		}
		if err := persistence.NewMigrator(db, files).Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	// --- Dedup tier 2 ---
	var (
		dbChecker core.DBIdempotencyChecker
		redisDup  *persistence.RedisIdempotencyStore
	)
	switch cfg.Dedup {
	case config.DedupRedis:
		redisDup, err = persistence.NewRedisIdempotencyStore(ctx, persistence.RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return err
		}
		defer redisDup.Close()
		dbChecker = redisDup
		healthChecker.AddProbe("redis", redisDup.Ping)
	default:
		dbChecker = persistence.NewPostgresIdempotencyChecker(db)
	}
	logger.Info().Str("backend", cfg.Dedup).Msg("dedup tier 2 configured")

	// --- Core + recovery ---
	persistChan := make(chan core.CoreOutput, cfg.Channels.Persist)
	projectionChan := make(chan core.CoreOutput, cfg.Channels.Projection)
	metrics.ChannelCapacity.WithLabelValues("persist").Set(float64(cfg.Channels.Persist))
	metrics.ChannelCapacity.WithLabelValues("projection").Set(float64(cfg.Channels.Projection))

	ledgerCore := core.NewDeterministicCore(0, cfg.Params, persistChan, projectionChan, dbChecker, metrics)
	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverCore(ctx, ledgerCore, snapMgr, metrics, logger); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// --- Outbound fan-out ---
	hub := server.NewStreamHub(metrics)
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics)
	if redisDup != nil {
		persistWorker.WithMarker(redisDup)
	}
	persistWorker.WithMarker(hub)

	var (
		nc         *nats.Conn
		publisher  *ingestion.OutboundPublisher
		subscriber *ingestion.NATSSubscriber
		rawEvents  chan ingestion.RawEvent
	)
	if cfg.NATS.Enabled {
		var js jetstream.JetStream
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		healthChecker.AddProbe("nats", func(context.Context) error {
			if st := nc.Status(); st != nats.CONNECTED {
				return fmt.Errorf("nats %s", st)
			}
			return nil
		})
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return err
		}
		publisher = ingestion.NewOutboundPublisher(js, cfg.Channels.Publish, metrics)
		persistWorker.WithMarker(publisher)

		rawEvents = make(chan ingestion.RawEvent, cfg.Channels.Ingest)
		subscriber = ingestion.NewNATSSubscriber(js, rawEvents)
	}

	// --- Workers: run on their own context and drain after ingress stops ---
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	persistDone := make(chan error, 1)
	go func() {
		err := persistWorker.Run(workerCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("persistence worker failed")
			stopIngress()
		}
		persistDone <- err
	}()
	projectionDone := make(chan error, 1)
	go func() {
		projectionDone <- projection.NewProjectionWorker(db, projectionChan, metrics).Run(workerCtx)
	}()
	if publisher != nil {
		go func() { _ = publisher.Run(workerCtx) }()
	}

	// --- APIs ---
	parser, err := ingestion.NewParser()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}
	var reader query.Reader = query.NewCoreReader(ledgerCore)
	history := query.NewQueryService(db)
	if cfg.Server.ReadSource == config.ReadFromProjections {
		reader = history
	}
	admin := newLedgerAdmin(ledgerCore, snapMgr, cfg.Params, metrics)

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, server.Deps{
		Commands:  ingestion.NewCommandService(parser, ledgerCore),
		Reader:    reader,
		History:   history,
		Admin:     admin,
		Core:      ledgerCore,
		StartTime: time.Now(),
	}, healthChecker, metrics)
	limiter := server.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	if err := limiter.TrustProxies(cfg.Server.TrustedProxies); err != nil {
		return err
	}
	httpHandler, err := grpcServer.HTTPHandler(hub, limiter)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(gctx, cfg.Server.HTTPAddr, httpHandler) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, reg, logger) })
	g.Go(func() error {
		return admin.runPeriodicSnapshots(gctx, cfg.Snapshot.Interval, cfg.Snapshot.CheckInterval)
	})
	g.Go(func() error {
		sampleChannels(gctx, metrics, map[string]func() int{
			"persist":    func() int { return len(persistChan) },
			"projection": func() int { return len(projectionChan) },
		})
		return nil
	})
	if subscriber != nil {
		if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
			stopIngress()
			_ = g.Wait()
			return fmt.Errorf("nats subscribe: %w", err)
		}
		dispatcher := ingestion.NewDispatcher(parser, ledgerCore, rawEvents, metrics)
		g.Go(func() error {
			if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	grpcServer.SetServing(true)
	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", ledgerCore.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Bool("nats", cfg.NATS.Enabled).
		Msg("agentledger ready")

	runErr := g.Wait()
	if sigCtx.Err() != nil {
		logger.Info().Msg("received shutdown signal")
	}

	// --- Graceful shutdown: stop ingress, drain persistence, final snapshot ---
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	close(persistChan)
	close(projectionChan)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	select {
	case <-persistDone:
	case <-shutdownCtx.Done():
		logger.Error().Msg("persistence did not drain before shutdown timeout")
	}
	select {
	case <-projectionDone:
	case <-shutdownCtx.Done():
	}

	if _, _, err := admin.TakeSnapshot(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if _, err := snapMgr.VerifyPending(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("final snapshot verification failed")
	}
	stopWorkers()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, lengths map[string]func() int) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, n := range lengths {
				metrics.ChannelSize.WithLabelValues(name).Set(float64(n()))
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
