package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"HedgeVault/internal/config"
	"HedgeVault/internal/core"
	"HedgeVault/internal/ingestion"
	"HedgeVault/internal/keeper"
	"HedgeVault/internal/ledger"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/persistence"
	"HedgeVault/internal/projection"
	"HedgeVault/internal/query"
	"HedgeVault/internal/server"
	"HedgeVault/internal/vault"
	"HedgeVault/internal/venue"
	"HedgeVault/migrations"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", envOr("VAULT_CONFIG", "config.yaml"), "path to the YAML config")
	flag.Parse()

	log := observability.NewLogger("hedgevault")
	if err := run(*configPath, log); err != nil {
		log.Fatal().Err(err).Msg("hedgevault stopped")
	}
}

func run(configPath string, log zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log = observability.WithLevel(log, cfg.LogLevel)
	if os.Getenv("GOGC") == "" {
		log.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}
	if err := ledger.SetAssetNames(cfg.Assets.Base, cfg.Assets.Product); err != nil {
		return err
	}
	vaultCfg, err := cfg.VaultConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	log.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, migrations.FS, log).Up(ctx); err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, log)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js, cfg.NATS.Prefix, log); err != nil {
		return err
	}
	health.SetDependency("nats", true)
	health.SetDependency("postgres", true)

	// --- Venues ---
	prices := venue.NewPriceCache(cfg.Oracle.MaxAge.Microseconds())
	prices.OnGap(func(asset ledger.AssetID, expected, got int64) {
		name, _ := ledger.GetAssetName(asset)
		metrics.PriceFeedGaps.WithLabelValues(name).Add(float64(got - expected))
		log.Warn().Str("asset", name).Int64("expected", expected).Int64("got", got).Msg("price feed gap")
	})
	hedge := venue.NewNATSHedgeVenue(js, cfg.NATS.Prefix, cfg.Hedge.Bounds)
	swapper := venue.NewNATSSwapper(nc, cfg.NATS.Prefix, cfg.NATS.SwapTimeout, uuid.NewString)
	recorder := core.NewRecorder(prices, swapper, hedge)

	v, err := vault.New(vaultCfg, vault.Deps{
		Prices:  recorder,
		Swapper: recorder,
		Hedge:   recorder,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	// --- Engine ---
	persistChan := make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Engine.ProjectionChanSize)
	committedChan := make(chan core.CoreOutput, cfg.Engine.PublishChanSize)

	engine := core.NewEngine(1, v, recorder, persistChan, projectionChan,
		persistence.NewPostgresIdempotencyChecker(db), metrics, log)

	snapMgr := persistence.NewSnapshotManager(db)
	seq, err := restore(ctx, engine, snapMgr, metrics, log)
	if err != nil {
		return err
	}
	if err := reconcileProjections(ctx, db, seq, log); err != nil {
		return err
	}
	takeSnapshot := snapshotter(engine, snapMgr, metrics, log)

	// --- Workers ---
	// the core and its sinks outlive ctx so that the tail drains on shutdown
	coreCtx, coreCancel := context.WithCancel(context.Background())
	defer coreCancel()
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()

	var sinks sync.WaitGroup
	errChan := make(chan error, 16)

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, committedChan,
		cfg.Engine.PersistBatchSize, cfg.Engine.PersistFlushTimeout, metrics, log)
	sinks.Add(1)
	go func() {
		defer sinks.Done()
		defer close(committedChan)
		if err := persistWorker.Run(sinkCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, log)
	sinks.Add(1)
	go func() {
		defer sinks.Done()
		if err := projWorker.Run(sinkCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("projection worker stopped")
		}
	}()

	hub := server.NewHub(metrics, log)
	publisher := ingestion.NewOutboundPublisher(js, cfg.NATS.Prefix, committedChan, metrics, log)
	publisher.Tap(hub.Broadcast)
	sinks.Add(1)
	go func() {
		defer sinks.Done()
		publisher.Run(sinkCtx)
	}()

	loop := core.NewCommandLoop(engine, cfg.Engine.CommandQueue)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(coreCtx)
	}()

	// --- Ingestion ---
	rawChan := make(chan ingestion.RawMessage, cfg.Engine.IngestBuffer)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, log)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects(cfg.NATS.Prefix)); err != nil {
		return err
	}
	router := ingestion.NewRouter(rawChan, loop, prices, hedge, metrics, log)
	go router.Run(ctx)

	// --- Surfaces ---
	qs := query.NewQueryService(db, engine)
	svc := server.NewVaultService(loop, qs, cfg.Server.OperatorToken)
	if cfg.Server.OperatorToken == "" {
		log.Warn().Msg("no operator token configured, keeper and operator RPCs are open")
	}

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, svc, metrics, log)
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	gateway, err := server.NewGateway(cfg.Server.HTTPAddr, cfg.Server.CORSOrigins, svc, qs, hub, health, log)
	if err != nil {
		return err
	}
	go func() {
		errChan <- gateway.Start(ctx)
	}()

	// --- Keeper ---
	kp := keeper.New(cfg.KeeperConfig(), loop, engine.GetSequence, takeSnapshot, metrics, log)
	kp.MarkSnapshot(seq)
	if err := kp.Register(ctx); err != nil {
		return err
	}
	kp.Start()

	go sampleChannels(ctx, metrics, map[string]func() (int, int){
		"commands":   func() (int, int) { return loop.Pending(), loop.Capacity() },
		"ingest":     func() (int, int) { return len(rawChan), cap(rawChan) },
		"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
		"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
		"publish":    func() (int, int) { return len(committedChan), cap(committedChan) },
	})

	health.SetReady(true)
	grpcServer.SetServing(true)
	log.Info().
		Int64("sequence", seq).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("prefix", cfg.NATS.Prefix).
		Msg("HedgeVault ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop intake, then the core, then drain the sinks and snapshot
	health.SetReady(false)
	grpcServer.SetServing(false)
	kp.Stop()
	subscriber.Stop()
	cancel()

	coreCancel()
	<-loopDone
	close(persistChan)
	close(projectionChan)

	drained := make(chan struct{})
	go func() {
		sinks.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("sinks did not drain in time")
		sinkCancel()
		<-drained
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if _, err := takeSnapshot(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	}

	log.Info().Msg("HedgeVault shutdown complete")
	return nil
}

// reconcileProjections resets the projections when they are ahead of the
// command log, which happens after the log was restored from an older
// backup. Projections behind the log keep their watermark; the gap shows in
// the integrity report.
func reconcileProjections(ctx context.Context, db *sql.DB, seq int64, log zerolog.Logger) error {
	watermark, err := projection.LoadWatermark(ctx, db)
	if err != nil {
		return err
	}
	switch {
	case watermark > seq:
		log.Warn().Int64("watermark", watermark).Int64("sequence", seq).Msg("projections ahead of the log, resetting")
		return projection.Reset(ctx, db)
	case watermark < seq:
		log.Warn().Int64("watermark", watermark).Int64("sequence", seq).Msg("projections behind the log")
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
