package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"hlledger/internal/api"
	"hlledger/internal/config"
	"hlledger/internal/domain"
	"hlledger/internal/fetch"
	"hlledger/internal/ingest"
	"hlledger/internal/observability"
	"hlledger/internal/pricecache"
	"hlledger/internal/service"
	"hlledger/internal/store"
	"hlledger/internal/stream"
	"hlledger/internal/upstream"
)

// backend is what every storage implementation provides.
type backend interface {
	service.FillStore
	service.SettingsStore
	api.Store
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		observability.SetupLogger("info", "development")
		log.Fatal().Err(err).Msg("failed to load config")
	}
	observability.SetupLogger(cfg.LogLevel, cfg.Environment)

	log.Info().
		Str("port", cfg.HTTPPort).
		Str("environment", cfg.Environment).
		Str("storage", cfg.StorageType).
		Str("upstream", cfg.APIURL).
		Msg("starting hlledger service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	// Initialize storage
	var db backend
	switch cfg.StorageType {
	case "memory":
		db = store.NewMemory()
		log.Warn().Msg("using in-memory storage, fills are lost on restart")
	default:
		repo, err := store.NewRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer repo.Close()

		if err := repo.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		log.Info().Msg("connected to PostgreSQL")

		if err := store.RunMigrations(ctx, repo.Pool()); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations complete")
		db = repo
	}

	// Upstream, fetch policy and mark prices
	client := upstream.NewClient(cfg.APIURL)
	collector := fetch.NewCollector(client, fetch.Policy{
		MinDelay:           cfg.FetchMinDelay,
		MaxAttempts:        cfg.FetchMaxAttempts,
		RetryWait:          cfg.FetchRetryWait,
		PageSize:           cfg.FetchPageSize,
		Workers:            cfg.FetchWorkers,
		PartitionThreshold: cfg.FetchPartitionThreshold,
		Lookahead:          fetch.DefaultPolicy().Lookahead,
	}, metrics)

	upstreamMids := collector.Mids(client)
	var mids service.MidSource = upstreamMids
	if cfg.RedisURL != "" {
		rdb, err := pricecache.Connect(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, mid prices will come from upstream until it recovers")
		}
		mids = pricecache.New(rdb, upstreamMids, cfg.MidCacheTTL)
		log.Info().Dur("ttl", cfg.MidCacheTTL).Msg("mid price cache enabled")
	}

	// Messaging and live events
	var (
		nc        *nats.Conn
		publisher service.Publisher
		hub       *stream.Hub
	)
	if cfg.NATSURLs != "" {
		nc, err = ingest.ConnectNATS(ctx, cfg.NATSURLs, cfg.NATSCredsFile, cfg.NATSCreds)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nc.Close()

		pub, err := ingest.NewPublisher(ctx, nc)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up fill publisher")
		}
		publisher = pub
		hub = stream.NewHub(stream.NewNATSFeed(nc), metrics)

		consumer := ingest.NewConsumer(nc, db, metrics)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("NATS consumer error")
			}
		}()
	} else {
		log.Info().Msg("NATS not configured, live events are served from this process only")
		local := stream.NewHub(nil, metrics)
		publisher = local
		hub = local
	}

	if cfg.TargetBuilder != "" && !domain.ValidAddress(cfg.TargetBuilder) {
		log.Fatal().Str("target", cfg.TargetBuilder).Msg("TARGET_BUILDER is not a valid address")
	}
	targets := service.NewTargetResolver(db, cfg.TargetBuilder)

	ledger := service.NewLedger(collector, targets,
		service.WithStore(db),
		service.WithMids(mids),
		service.WithPublisher(publisher),
		service.WithMetrics(metrics),
	)

	// Start HTTP server
	opts := []api.Option{
		api.WithHub(hub),
		api.WithRequestTimeout(cfg.RequestTimeout),
		api.WithMetrics(metrics),
	}
	if nc != nil {
		opts = append(opts, api.WithNATS(nc))
	}
	srv := api.NewServer(ledger, db, opts...)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: srv.Router(),
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Info().Msg("shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("shutdown complete")
}
