package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/alert"
	"github.com/emperorhan/multichain-ledger/internal/api"
	"github.com/emperorhan/multichain-ledger/internal/chain"
	"github.com/emperorhan/multichain-ledger/internal/chain/evm"
	"github.com/emperorhan/multichain-ledger/internal/chain/ratelimit"
	chainsubstrate "github.com/emperorhan/multichain-ledger/internal/chain/substrate"
	"github.com/emperorhan/multichain-ledger/internal/circuitbreaker"
	"github.com/emperorhan/multichain-ledger/internal/config"
	"github.com/emperorhan/multichain-ledger/internal/currency"
	"github.com/emperorhan/multichain-ledger/internal/currency/feed"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/ledgersync"
	"github.com/emperorhan/multichain-ledger/internal/ratecache"
	"github.com/emperorhan/multichain-ledger/internal/retry"
	"github.com/emperorhan/multichain-ledger/internal/scheduler"
	"github.com/emperorhan/multichain-ledger/internal/store/postgres"
	redispkg "github.com/emperorhan/multichain-ledger/internal/store/redis"
	"github.com/emperorhan/multichain-ledger/internal/substrate"
	"github.com/emperorhan/multichain-ledger/internal/tracing"
	"github.com/emperorhan/multichain-ledger/internal/xcm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadSpecs reads the chain registry, applies CHAIN_<ID>_* overrides and keeps
// only the enabled chains.
func loadSpecs(cfg config.ChainsConfig, lookup func(string) (string, bool)) ([]model.ChainSpec, error) {
	var (
		specs []model.ChainSpec
		err   error
	)
	if cfg.RegistryFile != "" {
		raw, readErr := os.ReadFile(cfg.RegistryFile)
		if readErr != nil {
			return nil, fmt.Errorf("read chain registry: %w", readErr)
		}
		specs, err = chain.ParseSpecs(raw)
	} else {
		specs, err = chain.DefaultSpecs()
	}
	if err != nil {
		return nil, err
	}
	chain.ApplyOverrides(specs, lookup)

	enabled := cfg.EnabledChains()
	if len(enabled) == 0 {
		return specs, nil
	}
	var out []model.ChainSpec
	for _, spec := range specs {
		if slices.Contains(enabled, string(spec.ID)) {
			out = append(out, spec)
		}
	}
	for _, id := range enabled {
		if !slices.ContainsFunc(out, func(s model.ChainSpec) bool { return string(s.ID) == id }) {
			return nil, fmt.Errorf("%w: %s is enabled but not in the registry", chain.ErrUnknownChain, id)
		}
	}
	return out, nil
}

// destinationsFor maps XCM para ids seen on spec to ledger chains. Only the
// Polkadot ecosystem has parachains configured; other relays resolve their
// own id only.
func destinationsFor(spec model.ChainSpec, all []model.ChainSpec) map[uint32]model.Chain {
	if spec.ID == model.ChainPolkadot || spec.ParaID > 0 {
		return chainsubstrate.Destinations(model.ChainPolkadot, all)
	}
	return chainsubstrate.Destinations(spec.ID, nil)
}

// registerSources dials every chain and registers its source. A chain that
// cannot be dialed is skipped; syncing it fails with ErrUnknownChain.
func registerSources(ctx context.Context, cfg config.ChainsConfig, registry *chain.Registry, logger *slog.Logger) (func(), error) {
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	specs := registry.Specs()
	for _, spec := range specs {
		if spec.RPCURL == "" {
			logger.Warn("chain has no rpc url, skipping", "chain", spec.ID)
			continue
		}
		limiter := ratelimit.NewLimiter(cfg.RPS, cfg.Burst, string(spec.ID))

		var src chain.Source
		switch spec.Kind {
		case model.KindEVM:
			dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			s, client, err := evm.Dial(dialCtx, spec, limiter, logger)
			cancel()
			if err != nil {
				logger.Error("evm source unavailable", "chain", spec.ID, "error", err)
				continue
			}
			closers = append(closers, client.Close)
			src = s
		case model.KindSubstrate:
			if spec.ScanURL == "" {
				logger.Warn("substrate chain has no scan url, skipping", "chain", spec.ID)
				continue
			}
			src = chainsubstrate.NewSource(spec,
				chainsubstrate.NewNodeClient(spec.RPCURL, logger),
				chainsubstrate.NewScanClient(spec.ScanURL, cfg.ScanAPIKey),
				limiter,
				logger,
				chainsubstrate.WithDestinations(destinationsFor(spec, specs)),
			)
		default:
			logger.Warn("unsupported chain kind", "chain", spec.ID, "kind", spec.Kind)
			continue
		}

		if err := registry.Register(src); err != nil {
			closeAll()
			return nil, err
		}
		logger.Info("chain source registered", "chain", spec.ID, "kind", spec.Kind, "rpc", spec.RPCURL)
	}
	return closeAll, nil
}

func newRateStore(ctx context.Context, cfg *config.Config, db *postgres.DB, logger *slog.Logger) (ratecache.Store, func(), error) {
	switch cfg.Rates.Store {
	case "memory":
		logger.Warn("in-process rate store enabled; rates are lost on restart")
		return ratecache.NewMemoryStore(), func() {}, nil
	case "redis":
	default:
		return postgres.NewRateRepo(db), func() {}, nil
	}
	client, err := redispkg.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("redis rate store enabled", "key_prefix", cfg.Redis.KeyPrefix)
	return redispkg.NewRateStore(client, cfg.Redis.KeyPrefix), func() { client.Close() }, nil
}

func feedOptions(cfg config.FeedsConfig, name string, logger *slog.Logger) []feed.Option {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name: name,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("price feed breaker state changed", "feed", name, "from", from, "to", to)
		},
	})
	return []feed.Option{
		feed.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		feed.WithBreaker(breaker),
		feed.WithLimiter(ratelimit.NewLimiter(cfg.RPS, cfg.Burst, name)),
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ledgersync exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("ledgersync shut down gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx, cfg.DB.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("connected to database")

	rateStore, closeRates, err := newRateStore(ctx, cfg, db, logger)
	if err != nil {
		return fmt.Errorf("rate store: %w", err)
	}
	defer closeRates()
	rates := ratecache.New(rateStore, logger, ratecache.WithHotCapacity(cfg.Rates.HotCacheSize))

	catalog, err := currency.DefaultCatalog()
	if err != nil {
		return fmt.Errorf("currency catalog: %w", err)
	}

	transactions := postgres.NewTransactionRepo(db)
	watched := postgres.NewWatchedAccountRepo(db)
	currencySvc := currency.NewService(rates, postgres.NewSettingsRepo(db), transactions, catalog, logger,
		currency.WithFeeds(currency.NewKeyedFeeds(
			cfg.Feeds.CoinGeckoAPIKey,
			cfg.Feeds.FixerAPIKey,
			feedOptions(cfg.Feeds, "coingecko", logger),
			feedOptions(cfg.Feeds, "fixer", logger),
		)),
		currency.WithBridgeCurrency(cfg.Rates.BridgeCurrency),
		currency.WithSpotTTL(cfg.Rates.SpotTTL),
		currency.WithHistoricalTTL(cfg.Rates.HistoricalTTL),
	)

	specs, err := loadSpecs(cfg.Chains, os.LookupEnv)
	if err != nil {
		return fmt.Errorf("chain registry: %w", err)
	}
	registry := chain.NewRegistry(specs)
	closeSources, err := registerSources(ctx, cfg.Chains, registry, logger)
	if err != nil {
		return fmt.Errorf("register sources: %w", err)
	}
	defer closeSources()

	tokens := substrate.NewRegistry(specs, postgres.NewTokenRepo(db))
	tracker := xcm.NewTracker(postgres.NewTransferRepo(db), logger)

	policy := retry.Policy{MaxAttempts: cfg.Sync.RetryAttempts}
	engine := ledgersync.NewEngine(db, registry, transactions, postgres.NewCursorRepo(db), tracker, logger,
		ledgersync.WithBatchSize(cfg.Sync.BatchSize),
		ledgersync.WithTimeouts(cfg.Sync.HeadTimeout, cfg.Sync.FetchTimeout),
		ledgersync.WithRetryPolicy(policy),
		ledgersync.WithTokenResolver(tokens),
		ledgersync.WithPricer(currencySvc),
	)

	alerter := alert.FromURLs(cfg.Alerts.SlackWebhookURL, cfg.Alerts.WebhookURL, cfg.Alerts.Cooldown, logger)
	sched := scheduler.New(watched, engine, rates, logger,
		scheduler.WithConcurrency(cfg.Sync.Concurrency),
		scheduler.WithAlerter(alerter),
	)
	if err := sched.Start(cfg.Sync.Schedule, cfg.Rates.SweepSchedule); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sched.Stop(stopCtx)
	}()

	limits := api.NewRateLimitMiddleware(logger)
	defer limits.Stop()
	apiServer := api.NewServer(engine, currencySvc, tracker, logger,
		api.WithTransactions(transactions),
		api.WithWatchedAccounts(watched),
		api.WithBalances(registry),
		api.WithHealthChecker(db),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.AuditMiddleware(logger, limits.Wrap(apiServer.Handler())))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", "port", cfg.Server.Port, "chains", len(registry.Specs()))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.DB.PoolStatsIntervalMS > 0 {
		g.Go(func() error {
			db.ReportPoolStats(gCtx, time.Duration(cfg.DB.PoolStatsIntervalMS)*time.Millisecond)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
