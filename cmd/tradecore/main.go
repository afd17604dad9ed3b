package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/adapters/jupiter"
	"github.com/nexus-trading/tradecore/internal/audit"
	"github.com/nexus-trading/tradecore/internal/autotrader"
	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/clickhouse"
	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/copytrade"
	"github.com/nexus-trading/tradecore/internal/discovery"
	"github.com/nexus-trading/tradecore/internal/executor"
	"github.com/nexus-trading/tradecore/internal/liquidity"
	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/observability"
	"github.com/nexus-trading/tradecore/internal/positions"
	"github.com/nexus-trading/tradecore/internal/protection"
	"github.com/nexus-trading/tradecore/internal/risk"
	"github.com/nexus-trading/tradecore/internal/scoring"
	"github.com/nexus-trading/tradecore/internal/sniper"
	"github.com/nexus-trading/tradecore/internal/solana"
	"github.com/nexus-trading/tradecore/internal/storage"
	"github.com/nexus-trading/tradecore/internal/storage/memory"
	"github.com/nexus-trading/tradecore/internal/storage/migrations"
	"github.com/nexus-trading/tradecore/internal/storage/postgres"
	"github.com/nexus-trading/tradecore/internal/submit"
	"github.com/nexus-trading/tradecore/internal/supervisor"
	"github.com/nexus-trading/tradecore/internal/vault"
	"github.com/nexus-trading/tradecore/internal/walletintel"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "configs/tradecore.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional dotenv file loaded before the config")
	stubMode := flag.Bool("stub", false, "Use stub RPC (no real Solana connection)")
	exportKey := flag.Int64("export-key", 0, "Print the base58 private key of this user id and exit")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "WARN: failed to load %s: %v\n", *envFile, err)
	}

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	dryRun := cfg.General.DryRun
	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Bool("dry_run", dryRun).
		Bool("stub_mode", *stubMode).
		Bool("sniper", cfg.Sniper.Enabled).
		Bool("copytrade", cfg.CopyTrade.Enabled).
		Bool("discovery", cfg.Discovery.Enabled).
		Str("scorer", cfg.Scoring.Provider).
		Msg("tradecore: starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Storage.
	var store storage.Store
	var pool *postgres.Pool
	if cfg.Database.UseMemory {
		store = memory.NewStore()
		log.Warn().Msg("storage: in-memory store, state is lost on exit")
	} else {
		pool, err = postgres.NewPool(ctx, cfg.Database.DSN, postgres.PoolConfig{
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("storage: postgres unavailable")
		}
		if cfg.Database.AutoMigrate {
			if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
				log.Fatal().Err(err).Msg("storage: migrations failed")
			}
		}
		store = postgres.NewStore(pool)
	}

	// 5. Key vault. A missing master key is fatal.
	enc, err := vault.EncryptorFromEnv(cfg.Vault.KeyEnv, cfg.Vault.KeyVersion)
	if err != nil {
		log.Fatal().Err(err).Str("env", cfg.Vault.KeyEnv).Msg("vault: master key unavailable")
	}
	keys := vault.New(store, enc)

	if *exportKey != 0 {
		exportPrivateKey(ctx, keys, *exportKey)
		return
	}

	// 6. Chain access.
	var rpc solana.RPCClient
	var liveRPC *solana.LiveRPCClient
	if *stubMode {
		rpc = solana.NewStubRPCClient()
		log.Info().Msg("solana: STUB mode")
	} else {
		liveRPC = solana.NewLiveRPCClient(solana.RPCConfig{
			Endpoint:     cfg.RPC.Endpoint,
			Timeout:      cfg.RPC.Timeout,
			MaxRetries:   cfg.RPC.MaxRetries,
			RateLimitRPS: float64(cfg.RPC.RateLimitRPS),
		})
		rpc = liveRPC
		healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := liveRPC.Health(healthCtx); err != nil {
			log.Warn().Err(err).Str("endpoint", cfg.RPC.Endpoint).Msg("solana: health check failed (continuing)")
		}
		healthCancel()
	}

	jito := solana.NewJitoClient(solana.JitoConfig{
		Enabled:        cfg.Jito.Enabled,
		BlockEngineURL: cfg.Jito.BlockEngineURL,
		TimeoutMs:      cfg.Jito.TimeoutMs,
	})

	var feeEstimator *solana.PriorityFeeEstimator
	if liveRPC != nil {
		feeEstimator = solana.NewPriorityFeeEstimator(liveRPC, solana.FeeConfig{})
	}

	// 7. Aggregator and fast submission.
	jup := jupiter.New(jupiter.Config{
		API: jupiter.APIConfig{
			QuoteURL: cfg.Jupiter.QuoteURL,
			SwapURL:  cfg.Jupiter.SwapURL,
			PriceURL: cfg.Jupiter.PriceURL,
			TokenURL: cfg.Jupiter.TokenURL,
			Timeout:  cfg.Jupiter.Timeout,
		},
		FeeAccount:          cfg.Jupiter.FeeAccount,
		DefaultSlippageBps:  cfg.Jupiter.DefaultSlippageBps,
		PriorityFeeLamports: cfg.Jupiter.PriorityFeeLamports,
		MaxRetries:          cfg.Jupiter.MaxRetries,
		RetryBackoff:        cfg.Jupiter.RetryBackoff,
		ConfirmTimeout:      cfg.Jupiter.ConfirmTimeout,
		ConfirmPoll:         cfg.Jupiter.ConfirmPoll,
	}, rpc, jito)

	var submitter *submit.Submitter
	if cfg.Submitter.Enabled {
		submitter = newSubmitter(cfg, jito)
		if cfg.Executor.UseFastSubmitter {
			jup.SetSender(submitter)
			log.Info().Int("endpoints", len(cfg.Submitter.Endpoints)).Msg("submit: fast submitter wired into aggregator")
		}
	}

	// 8. Event bus, audit trail, analytics.
	// Without Kafka the publisher stays nil and every emit is a no-op.
	var kafka *bus.KafkaProducer
	var publisher *bus.Publisher
	if cfg.Kafka.Enabled {
		kafka, err = bus.NewProducer(cfg.Kafka.Brokers,
			bus.WithInstanceID(cfg.General.InstanceID),
			bus.WithSchemaVersion(cfg.Kafka.SchemaVersion))
		if err != nil {
			log.Fatal().Err(err).Msg("bus: kafka producer")
		}
		publisher = bus.NewPublisher(kafka, cfg.Kafka.TopicPrefix+".", cfg.General.InstanceID, cfg.Kafka.SchemaVersion)
	}
	trail := audit.NewTrail(publisher, 10_000)

	var chClient *clickhouse.Client
	var chWriter *clickhouse.BatchWriter
	if cfg.ClickHouse.Enabled {
		chClient, err = clickhouse.NewClient(cfg.ClickHouse.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("clickhouse: connect")
		}
		if err := chClient.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("clickhouse: schema")
		}
		chWriter = clickhouse.NewBatchWriter(chClient, cfg.ClickHouse.Database, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval)
		chWriter.Start(ctx)
	}

	// 9. Protection battery.
	dex := market.NewClient(cfg.Protection.DexScreenerURL, cfg.Protection.ExternalTimeout, cfg.Discovery.RequestsPerSec)
	protOpts := []protection.Option{
		protection.WithSellQuoter(jup),
		protection.WithLiquiditySource(dex),
		protection.WithAuditTrail(trail),
		protection.WithExternalSources(externalSources(cfg.Protection)...),
	}
	var redisCache *protection.RedisCache
	if cfg.Protection.RedisCache {
		redisCache = protection.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, time.Hour)
		protOpts = append(protOpts, protection.WithSharedCache(redisCache))
	}
	battery := protection.New(protection.Config{
		MinLiquidityUSD:    cfg.Protection.MinLiquidityUSD,
		MaxTopHolderPct:    cfg.Protection.MaxTopHolderPct,
		TopHolders:         cfg.Protection.TopHolders,
		SimulateSell:       cfg.Protection.SimulateSell,
		ProbeWallet:        cfg.Protection.ProbeWallet,
		SuspicionThreshold: cfg.Protection.SuspicionThreshold,
	}, rpc, protOpts...)

	// 10. Risk gates and execution.
	balance := func(ctx context.Context, userID int64) (decimal.Decimal, error) {
		pub, err := keys.PublicKey(ctx, userID)
		if err != nil {
			return decimal.Zero, err
		}
		return rpc.GetBalance(ctx, pub.String())
	}
	gates := risk.New(store, balance, battery, trail)

	execOpts := []executor.Option{executor.WithPublisher(publisher), executor.WithAuditTrail(trail)}
	if chWriter != nil {
		execOpts = append(execOpts, executor.WithAnalytics(chWriter))
	}
	exec := executor.New(executor.Config{
		DryRun:              dryRun,
		DefaultMode:         executor.Mode(cfg.Executor.DefaultMode),
		TipLamports:         cfg.Executor.TipLamports,
		PriorityFeeLamports: cfg.Executor.PriorityFeeLamports,
	}, store, keys, jup, gates, execOpts...)

	posMgr := positions.NewManager(cfg.Positions, store, jup, exec, trail)

	// 11. Intelligence, discovery and controllers.
	scorer, err := scoring.NewFromConfig(cfg.Scoring)
	if err != nil {
		log.Fatal().Err(err).Msg("scoring: provider")
	}

	intel := walletintel.New(cfg.WalletIntel, rpc, store)

	var indexer copytrade.Indexer
	if cfg.CopyTrade.HeliusAPIKey != "" {
		indexer = copytrade.NewHeliusClient(cfg.CopyTrade.HeliusURL, cfg.CopyTrade.HeliusAPIKey, cfg.WalletIntel.RequestsPerSec)
	}
	scanner := copytrade.NewScanner(cfg.CopyTrade, rpc, store, intel, indexer)

	pairs := market.NewClient(cfg.Discovery.DexScreenerURL, 10*time.Second, cfg.Discovery.RequestsPerSec)
	disc := discovery.NewFromConfig(cfg.Discovery, pairs, func(ctx context.Context) (float64, error) {
		prices, err := jup.GetTokenPrice(ctx, []string{solana.SOLMint})
		if err != nil {
			return 0, err
		}
		p, ok := prices[solana.SOLMint]
		if !ok {
			return 0, fmt.Errorf("no SOL price")
		}
		return p.InexactFloat64(), nil
	})

	auto := autotrader.New(cfg.AutoTrader, store, exec, keys, posMgr, gates, trail)

	trends := liquidity.NewTracker(liquidity.DefaultConfig())
	sniperOpts := []sniper.Option{
		sniper.WithPublisher(publisher),
		sniper.WithLiquidityTrend(trends),
		sniper.WithAuditTrail(trail),
		sniper.WithPositions(posMgr, auto),
		sniper.WithPauser(gates),
	}
	if feeEstimator != nil {
		sniperOpts = append(sniperOpts, sniper.WithFeeEstimator(feeEstimator))
	}
	snp := sniper.New(cfg.Sniper, store, exec, battery, dex, balance, scorer, sniperOpts...)

	// 12. Observability.
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(cfg.Metrics.Namespace)
		registerMetrics(metrics, exec, gates, snp, auto, posMgr, disc, scanner, battery)
		metrics.SetPaused(gates.Paused())
	}
	health := observability.NewHealthMonitor(cfg.Metrics.HealthInterval)
	health.Register("storage", observability.PingCheck(store.Ping))
	if liveRPC != nil {
		health.Register("rpc", observability.PingCheck(liveRPC.Health))
	}
	if kafka != nil {
		health.Register("kafka", observability.PingCheck(kafka.Ping))
	}
	if chClient != nil {
		health.Register("clickhouse", observability.PingCheck(chClient.Ping))
	}
	if redisCache != nil {
		health.Register("redis", observability.PingCheck(redisCache.Ping))
	}

	// 13. Restore state from the previous run.
	if n, err := auto.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("autotrader: restore failed")
	} else if n > 0 {
		log.Info().Int("users", n).Msg("autotrader: restored running users")
	}
	if n, err := snp.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("sniper: recover failed")
	} else if n > 0 {
		log.Info().Int("watches", n).Msg("sniper: resumed manual watches")
	}

	// 14. Supervisor.
	sup := supervisor.New(cfg.Supervisor, metrics, health)
	sup.AddService(supervisor.Service{Name: "positions", Run: posMgr.Run})
	sup.AddService(supervisor.Service{Name: "autotrader", Run: func(ctx context.Context) error {
		return auto.Run(ctx, scanner.Opportunities())
	}})
	if cfg.Discovery.Enabled {
		sup.AddService(supervisor.Service{Name: "discovery", Run: disc.Run})
		sup.AddService(supervisor.Service{Name: "sniper", Run: func(ctx context.Context) error {
			return snp.Run(ctx, disc.Events())
		}})
	}
	if cfg.CopyTrade.Enabled {
		sup.AddLoop(supervisor.Loop{Name: "copytrade", Interval: scanner.Interval(), Tick: func(ctx context.Context) error {
			_, err := scanner.ScanOnce(ctx)
			return err
		}})
	}
	if cfg.WalletIntel.Enabled {
		sup.AddLoop(supervisor.Loop{Name: "walletintel", Interval: cfg.WalletIntel.RefreshInterval, Tick: intel.RefreshTracked})
	}
	if feeEstimator != nil {
		sup.AddLoop(supervisor.Loop{Name: "priority_fees", Interval: solana.FeeRefreshInterval, Tick: feeEstimator.Refresh})
	}
	sup.AddService(supervisor.Service{Name: "health", Run: health.Run})

	stats := func() map[string]any {
		combined := map[string]any{
			"executor":    exec.Stats(),
			"risk":        gates.Stats(),
			"sniper":      snp.Stats(),
			"autotrader":  auto.Stats(),
			"positions":   posMgr.Stats(),
			"discovery":   disc.Stats(),
			"copytrade":   scanner.Stats(),
			"walletintel": intel.Stats(),
			"protection":  battery.Stats(),
			"jupiter":     jup.Stats(),
			"jito":        jito.Stats(),
			"liquidity":   trends.Stats(),
			"supervisor":  sup.Stats(),
			"dry_run":     dryRun,
			"paused":      gates.Paused(),
		}
		if submitter != nil {
			combined["submitter"] = submitter.Stats()
		}
		if kafka != nil {
			combined["kafka"] = kafka.Stats()
		}
		if feeEstimator != nil {
			combined["priority_fees"] = feeEstimator.Stats()
		}
		if chWriter != nil {
			combined["clickhouse"] = chWriter.Stats()
		}
		return combined
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", health)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	(&api{
		sniper:  snp,
		auto:    auto,
		wallets: intel,
		control: gates,
		stats:   stats,
		dryRun:  dryRun,
		onPause: metrics.SetPaused,
	}).routes(mux)
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	sup.AddService(supervisor.Service{Name: "http", Run: func(ctx context.Context) error {
		return serveHTTP(ctx, server)
	}})

	sup.AddLoop(supervisor.Loop{Name: "stats", Interval: 30 * time.Second, Tick: func(context.Context) error {
		es, ss, as := exec.Stats(), snp.Stats(), auto.Stats()
		log.Info().
			Int64("buys", es.Buys).
			Int64("sells", es.Sells).
			Int64("rejected", es.Rejected).
			Int64("snipe_events", ss.Events).
			Int64("snipes_executed", ss.Executed).
			Int("active_watches", ss.ActiveWatches).
			Int("auto_running", as.Running).
			Int64("auto_bought", as.Bought).
			Bool("paused", gates.Paused()).
			Msg("[STATS]")
		return nil
	}})

	// Shutdown hooks run in reverse: flush analytics and the bus before
	// closing connections.
	if pool != nil {
		sup.OnStop(pool.Close)
	}
	if liveRPC != nil {
		sup.OnStop(liveRPC.Close)
	}
	if redisCache != nil {
		sup.OnStop(func() { _ = redisCache.Close() })
	}
	if chClient != nil {
		sup.OnStop(func() { _ = chClient.Close() })
	}
	if kafka != nil {
		sup.OnStop(kafka.Close)
	}
	if chWriter != nil {
		sup.OnStop(func() {
			if err := chWriter.Close(); err != nil {
				log.Error().Err(err).Msg("clickhouse: final flush failed")
			}
		})
	}
	sup.OnStop(snp.Stop)
	sup.OnStop(auto.Shutdown)
	sup.OnStop(posMgr.Stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("tradecore: shutdown signal received")
		cancel()
	}()

	log.Info().Str("addr", cfg.HTTP.Addr).Msg("tradecore: running")
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("tradecore: supervisor exited")
	}

	final := exec.Stats()
	log.Info().
		Int64("buys", final.Buys).
		Int64("sells", final.Sells).
		Int64("failed", final.Failed).
		Int64("rejected", final.Rejected).
		Msg("tradecore: shutdown complete")
}

func newSubmitter(cfg *config.Config, jito *solana.JitoClient) *submit.Submitter {
	endpoints := make([]submit.Endpoint, 0, len(cfg.Submitter.Endpoints))
	for i, url := range cfg.Submitter.Endpoints {
		endpoints = append(endpoints, submit.Endpoint{
			Name: "rpc-" + strconv.Itoa(i),
			Sender: solana.NewLiveRPCClient(solana.RPCConfig{
				Endpoint:   url,
				Timeout:    time.Duration(cfg.Submitter.TimeoutMsOnAll) * time.Millisecond,
				MaxRetries: -1,
			}),
		})
	}
	var relay submit.RelayFunc
	if cfg.Submitter.UseBundleRelay && jito.Enabled() {
		relay = func(ctx context.Context, tx string) (string, error) {
			st, err := jito.SendBundle(ctx, []string{tx}, cfg.Executor.TipLamports)
			if err != nil {
				return "", err
			}
			return st.BundleID, nil
		}
	}
	return submit.New(submit.Config{
		TimeoutOnAll:  time.Duration(cfg.Submitter.TimeoutMsOnAll) * time.Millisecond,
		SimTimeout:    time.Duration(cfg.Submitter.SimTimeoutMs) * time.Millisecond,
		TopK:          cfg.Submitter.TopK,
		LatencyWindow: cfg.Submitter.LatencyWindow,
	}, endpoints, relay)
}

func externalSources(cfg config.ProtectionConfig) []protection.ExternalSource {
	var out []protection.ExternalSource
	if cfg.RugCheckURL != "" {
		out = append(out, protection.NewRiskReportSource(cfg.RugCheckURL, cfg.ExternalTimeout))
	}
	if cfg.GoPlusURL != "" {
		out = append(out, protection.NewSecuritySource(cfg.GoPlusURL, cfg.ExternalTimeout))
	}
	if cfg.AuxScoreURL != "" {
		out = append(out, protection.NewScoreSource(cfg.AuxScoreURL, cfg.AuxScoreAPIKey, cfg.ExternalTimeout))
	}
	if cfg.RugClassifierURL != "" {
		out = append(out, protection.NewClassifierSource(cfg.RugClassifierURL, cfg.ExternalTimeout))
	}
	return out
}

func registerMetrics(m *observability.Metrics, exec *executor.Executor, gates *risk.Engine, snp *sniper.Controller,
	auto *autotrader.Controller, pos *positions.Manager, disc *discovery.Service, scanner *copytrade.Scanner,
	battery *protection.Battery) {
	m.CounterFunc("executor", "buys_total", "Confirmed buys", func() float64 { return float64(exec.Stats().Buys) })
	m.CounterFunc("executor", "sells_total", "Confirmed sells", func() float64 { return float64(exec.Stats().Sells) })
	m.CounterFunc("executor", "failed_total", "Swaps that failed after the gates passed", func() float64 { return float64(exec.Stats().Failed) })
	m.LabeledCounterFunc("risk", "denials_total", "Buys denied per gate", "gate", func() map[string]int64 { return gates.Stats().DeniedBy })

	m.CounterFunc("sniper", "events_total", "Discovery events consumed", func() float64 { return float64(snp.Stats().Events) })
	m.CounterFunc("sniper", "executed_total", "Snipes executed", func() float64 { return float64(snp.Stats().Executed) })
	m.CounterFunc("sniper", "skipped_total", "Snipes skipped after analysis", func() float64 { return float64(snp.Stats().Skipped) })
	m.GaugeFunc("sniper", "active_watches", "Manual watches running", func() float64 { return float64(snp.Stats().ActiveWatches) })
	m.LabeledCounterFunc("sniper", "rejections_total", "Candidates rejected before analysis", "reason", func() map[string]int64 { return snp.Stats().RejectedByGate })

	m.GaugeFunc("autotrader", "running_users", "Users with a running auto-trade loop", func() float64 { return float64(auto.Stats().Running) })
	m.CounterFunc("autotrader", "bought_total", "Auto-trade buys", func() float64 { return float64(auto.Stats().Bought) })

	m.GaugeFunc("positions", "tracked_users", "Users with a position monitor", func() float64 { return float64(pos.Stats().TrackedUsers) })
	m.CounterFunc("positions", "exits_total", "Exits executed", func() float64 { return float64(pos.Stats().Exits) })

	m.CounterFunc("discovery", "emitted_total", "New tokens emitted", func() float64 { return float64(disc.Stats().Emitted) })
	m.CounterFunc("copytrade", "buys_total", "Tracked-wallet buys observed", func() float64 { return float64(scanner.Stats().Buys) })
	m.CounterFunc("protection", "unsafe_total", "Mints judged unsafe", func() float64 { return float64(battery.Stats().Unsafe) })
}

func serveHTTP(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

// exportPrivateKey is the only path that renders a key as text.
func exportPrivateKey(ctx context.Context, keys *vault.Vault, userID int64) {
	secret, err := keys.ExportPrivateKey(ctx, userID)
	if err != nil {
		log.Fatal().Err(err).Int64("user_id", userID).Msg("vault: export failed")
	}
	log.Warn().Int64("user_id", userID).Msg("vault: private key exported by operator")
	fmt.Println(secret)
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "tradecore").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "tradecore").
			Str("instance", general.InstanceID).Logger()
	}
}
