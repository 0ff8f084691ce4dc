package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dscledger/internal/engine"
	"dscledger/internal/event"
	"dscledger/internal/observability"
	"dscledger/internal/oracle"
	"dscledger/internal/persistence"
	"dscledger/internal/publish"
	"dscledger/internal/query"
	"dscledger/internal/registry"
	"dscledger/internal/server"
	"dscledger/internal/token"
)

// Config is loaded from environment variables.
type Config struct {
	// Postgres. Empty disables the operation log and history queries.
	PostgresDSN string

	// NATS. Empty disables outbound event publishing.
	NATSURL string

	// Collaterals is a comma-separated list of asset:source:price8
	// entries for the in-memory development price feeds.
	Collaterals string

	PersistChanSize     int
	PublishChanSize     int
	PersistBatchSize    int
	PersistFlushTimeout time.Duration

	HTTPAddr    string
	MetricsAddr string

	MigrationsDir string
}

func DefaultConfig() Config {
	return Config{
		PostgresDSN:         os.Getenv("DSC_POSTGRES_DSN"),
		NATSURL:             os.Getenv("DSC_NATS_URL"),
		Collaterals:         envOrDefault("DSC_COLLATERALS", "WETH:feed-weth:200000000000,WBTC:feed-wbtc:6000000000000"),
		PersistChanSize:     envIntOrDefault("DSC_PERSIST_CHAN_SIZE", 1024),
		PublishChanSize:     envIntOrDefault("DSC_PUBLISH_CHAN_SIZE", 4096),
		PersistBatchSize:    envIntOrDefault("DSC_PERSIST_BATCH_SIZE", 64),
		PersistFlushTimeout: 250 * time.Millisecond,
		HTTPAddr:            envOrDefault("DSC_HTTP_ADDR", ":8080"),
		MetricsAddr:         envOrDefault("DSC_METRICS_ADDR", ":9091"),
		MigrationsDir:       envOrDefault("DSC_MIGRATIONS_DIR", "migrations"),
	}
}

func main() {
	log := observability.NewLogger("dscledger")
	log.Info().Msg("dscledger starting")

	cfg := DefaultConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Collateral registry + development price feeds ---
	reg, sources, err := buildRegistry(cfg.Collaterals)
	if err != nil {
		log.Fatal().Err(err).Msg("parse DSC_COLLATERALS")
	}
	orc := oracle.NewAdapter(sources)

	// --- Token backends ---
	// In-memory custody for development. A deployment against real token
	// rails swaps these for implementations of the same interfaces.
	vault := uuid.New()
	tokens := make(map[registry.AssetID]token.CollateralToken, len(reg.Assets()))
	for _, asset := range reg.Assets() {
		tokens[asset] = token.NewMemoryToken(vault)
	}
	controller := token.NewMemoryController(vault)

	// --- Observability ---
	metrics := observability.NewDefaultMetrics()
	healthChecker := observability.NewHealthChecker()
	orc.SetMetrics(metrics)

	errChan := make(chan error, 8)

	// --- Postgres + operation log ---
	var db *sql.DB
	var persistChan chan event.Envelope
	var startSequence int64
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres open")
		}
		defer db.Close()

		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping")
		}
		log.Info().Msg("postgres connected")

		migrator := persistence.NewMigrator(db, cfg.MigrationsDir, log)
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}
		log.Info().Msg("migrations applied")

		// Resume event numbering after the log's tail; a fresh process
		// restarting at sequence 1 would collide with persisted rows.
		startSequence, err = persistence.NewOperationLogWriter(db).LastSequence(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("read last operation sequence")
		}
		log.Info().Int64("last_sequence", startSequence).Msg("operation log tail")

		persistChan = make(chan event.Envelope, cfg.PersistChanSize)
		worker := persistence.NewWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, log, metrics)
		go func() {
			errChan <- worker.Run(ctx)
		}()
	} else {
		log.Warn().Msg("DSC_POSTGRES_DSN not set, operation log disabled")
	}

	// --- NATS outbound publisher ---
	var publishChan chan event.Envelope
	if cfg.NATSURL != "" {
		nc, js, err := publish.ConnectNATS(cfg.NATSURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		log.Info().Msg("nats connected")

		if err := publish.EnsureStream(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure outbound stream")
		}

		publishChan = make(chan event.Envelope, cfg.PublishChanSize)
		publisher := publish.NewPublisher(js, publishChan, log, metrics)
		go func() {
			errChan <- publisher.Run(ctx)
		}()
	} else {
		log.Warn().Msg("DSC_NATS_URL not set, outbound publishing disabled")
	}

	// --- Engine ---
	eng, err := engine.New(engine.Config{
		Registry:    reg,
		Oracle:      orc,
		Tokens:      tokens,
		Controller:  controller,
		Vault:       vault,
		Logger:      observability.NewLogger("engine"),
		Metrics:     metrics,
		PersistChan: persistChan,
		PublishChan: publishChan,

		StartSequence: startSequence,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build engine")
	}

	// --- HTTP API ---
	queries := query.NewService(eng, db)
	api := server.New(eng, queries, healthChecker, observability.NewLogger("http"))
	go func() {
		errChan <- api.ListenAndServe(ctx, cfg.HTTPAddr)
	}()

	// --- Prometheus metrics server ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Str("vault", vault.String()).
		Msg("dscledger ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	healthChecker.SetReady(false)
	cancel()
	time.Sleep(500 * time.Millisecond)
	log.Info().Msg("dscledger stopped")
}

// buildRegistry parses asset:source:price8 entries into a registry and
// static price feeds.
func buildRegistry(entries string) (*registry.Registry, map[registry.PriceSourceID]oracle.PriceSource, error) {
	var assets []registry.AssetID
	var sourceIDs []registry.PriceSourceID
	sources := make(map[registry.PriceSourceID]oracle.PriceSource)

	for _, entry := range strings.Split(entries, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, nil, fmt.Errorf("malformed collateral entry %q", entry)
		}
		price, ok := new(big.Int).SetString(parts[2], 10)
		if !ok || price.Sign() <= 0 {
			return nil, nil, fmt.Errorf("malformed price in entry %q", entry)
		}

		asset := registry.AssetID(parts[0])
		source := registry.PriceSourceID(parts[1])
		assets = append(assets, asset)
		sourceIDs = append(sourceIDs, source)
		sources[source] = oracle.NewStaticSource(price)
	}

	reg, err := registry.New(assets, sourceIDs)
	if err != nil {
		return nil, nil, err
	}
	return reg, sources, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}
