// Package main is the entry point for the intraday trading orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sentinel-desk/intraday-backend/internal/broker"
	"github.com/sentinel-desk/intraday-backend/internal/config"
	"github.com/sentinel-desk/intraday-backend/internal/control"
	"github.com/sentinel-desk/intraday-backend/internal/dedup"
	"github.com/sentinel-desk/intraday-backend/internal/engine"
	"github.com/sentinel-desk/intraday-backend/internal/events"
	"github.com/sentinel-desk/intraday-backend/internal/feed"
	"github.com/sentinel-desk/intraday-backend/internal/gate"
	"github.com/sentinel-desk/intraday-backend/internal/marketdata"
	"github.com/sentinel-desk/intraday-backend/internal/orchestrator"
	"github.com/sentinel-desk/intraday-backend/internal/position"
	"github.com/sentinel-desk/intraday-backend/internal/regime"
	"github.com/sentinel-desk/intraday-backend/internal/store"
	"github.com/sentinel-desk/intraday-backend/internal/strategy"
	"github.com/sentinel-desk/intraday-backend/internal/telemetry"
	"github.com/sentinel-desk/intraday-backend/internal/workers"
	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging.Level)
	defer logger.Sync()

	logger.Info("Starting intraday orchestrator",
		zap.String("config", *configPath),
		zap.String("benchmark", cfg.Orchestrator.BenchmarkSymbol),
		zap.Int("universe", len(cfg.Orchestrator.Universe)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Instrument universe.
	master, err := marketdata.LoadInstruments(cfg.Orchestrator.InstrumentsFile)
	if err != nil {
		logger.Fatal("Failed to load instrument master", zap.Error(err))
	}
	universe := marketdata.FilterUniverse(master, cfg.Orchestrator.Universe)
	logger.Info("Universe resolved", zap.Int("instruments", len(universe)))

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	bus := events.NewBus(logger, 256)

	cache := marketdata.NewCache(logger, universe,
		marketdata.WithStaleThreshold(cfg.Orchestrator.StaleTick))
	if _, ok := cache.Instrument(cfg.Orchestrator.BenchmarkSymbol); !ok {
		logger.Fatal("Benchmark symbol not in instrument universe",
			zap.String("symbol", cfg.Orchestrator.BenchmarkSymbol))
	}

	// Broker.
	limiter := broker.NewOrderLimiter(cfg.Broker.OrdersPerSec, cfg.Broker.Burst, cfg.Broker.AcquireTimeout)
	client := broker.NewRESTClient(broker.RESTConfig{
		BaseURL:     cfg.Broker.BaseURL,
		APIKey:      cfg.Broker.APIKey,
		AccessToken: cfg.Broker.AccessToken,
		CallTimeout: cfg.Broker.CallTimeout,
		MaxRetries:  cfg.Broker.MaxRetries,
	}, limiter, logger)
	if !client.Authenticated() {
		logger.Warn("Broker access token missing; trading calls will fail until SENTINEL_BROKER_ACCESS_TOKEN is set")
	}

	capital := broker.NewCapitalCache(logger, client, 30*time.Second, decimal.Zero)
	capital.Start(ctx)

	// Market data feed.
	symbols := cache.Universe()
	feedURL := fmt.Sprintf("%s?api_key=%s&access_token=%s",
		cfg.Feed.URL, cfg.Feed.APIKey, cfg.Feed.AccessToken)
	ingestor := feed.NewIngestor(logger, feed.Config{
		URL:           feedURL,
		BackoffMin:    cfg.Feed.BackoffMin,
		BackoffMax:    cfg.Feed.BackoffMax,
		Heartbeat:     cfg.Feed.Heartbeat,
		TakeoverGrace: cfg.Feed.TakeoverGrace,
		MaxTakeovers:  cfg.Feed.MaxTakeovers,
		SkipAutoInit:  cfg.Feed.SkipAutoInit,
		Subscribe:     symbols,
	}, cache, nil)

	// Option chains for the scalper.
	chains := broker.NewChainCache(logger, client, optionUnderlyings(universe), time.Minute)

	regimeMonitor := regime.NewMonitor(logger, regime.DefaultConfig(cfg.Orchestrator.BenchmarkSymbol), cache)

	// Strategies. Each trades its slice of the resolved universe: cash
	// symbols for momentum and microstructure, option contracts for the
	// scalper.
	equitySymbols, optionSymbols := splitUniverse(universe)

	toolkit := strategy.NewToolkit(logger, capital.Capital)
	adaptive := strategy.NewAdaptive(logger, strategy.DefaultAdaptiveConfig())
	momentumCfg := strategy.DefaultMomentumConfig()
	momentumCfg.Universe = equitySymbols
	scalperCfg := strategy.DefaultOptionsScalperConfig()
	scalperCfg.Universe = optionSymbols
	microCfg := strategy.DefaultMicrostructureConfig()
	microCfg.Universe = equitySymbols
	strategies := []strategy.Strategy{
		strategy.NewMomentum(logger, momentumCfg, cache, toolkit),
		strategy.NewOptionsScalper(logger, scalperCfg, cache, toolkit, chains),
		strategy.NewMicrostructure(logger, microCfg, cache, toolkit),
		adaptive,
	}

	// Signal pipeline.
	var primaryKV dedup.KV
	if cfg.Dedup.RedisAddr != "" {
		redisKV := dedup.NewRedisKV(cfg.Dedup.RedisAddr, cfg.Dedup.RedisPassword, cfg.Dedup.RedisDB)
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisKV.Ping(pingCtx); err != nil {
			logger.Warn("Redis unreachable at startup; dedup degrades to local memory", zap.Error(err))
		}
		pingCancel()
		primaryKV = redisKV
	}
	priorities := make(map[string]int, len(strategies))
	for _, s := range strategies {
		priorities[s.Name()] = s.Priority()
	}
	deduper := dedup.New(logger, dedup.Config{
		MinQuality: cfg.Dedup.MinQuality,
		KeyTTL:     cfg.Dedup.KeyTTL,
	}, primaryKV, cache, priorities)

	portfolioGate := gate.New(logger, gate.Config{
		EntryOpen:         cfg.Risk.EntryWindowStart,
		EntryClose:        cfg.Risk.EntryWindowEnd,
		PerTradeRiskPct:   cfg.Risk.PerTradeRiskPct / 100,
		OptionPositionPct: cfg.Risk.PerPositionOptionPct / 100,
		EquityPositionPct: cfg.Risk.PerPositionEquityPct / 100,
		OptionsCapPct:     cfg.Risk.OptionsExposureCapPct / 100,
		TotalCapPct:       cfg.Risk.TotalExposureCapPct / 100,
		TotalWarnPct:      cfg.Risk.TotalExposureSoftPct / 100,
		DailyLossPct:      cfg.Risk.DailyLossBrakePct / 100,
	}, cache)

	tradeStore, err := store.Open(logger, cfg.Store.PostgresDSN)
	if err != nil {
		logger.Fatal("Failed to open trade store", zap.Error(err))
	}
	if tradeStore == nil {
		logger.Info("Trade store disabled; no postgres DSN configured")
	}
	tradeStore.EnsureMaster(ctx, cfg.Store.MasterUser)

	// Reseed the adaptive estimator from the last week's closed trades
	// so a restart does not begin with a cold win-rate table.
	if history, err := tradeStore.ClosedTradesSince(ctx, time.Now().AddDate(0, 0, -7)); err != nil {
		logger.Warn("Adaptive history load failed", zap.Error(err))
	} else if len(history) > 0 {
		adaptive.Retrain(historicalOutcomes(history))
		logger.Info("Adaptive estimator reseeded", zap.Int("trades", len(history)))
	}

	tracker := position.NewTracker(logger, bus)

	tradeEngine := engine.New(logger, engine.Config{
		MaxSignalsPerCycle: cfg.Orchestrator.MaxSignalsCycle,
		InterOrderDelay:    cfg.Orchestrator.InterOrderDelay,
		SymbolCooldown:     30 * time.Second,
		FillConfirmTimeout: 5 * time.Second,
		FillPollInterval:   500 * time.Millisecond,
		PriceCollarPct:     0.005,
	}, client, tracker, deduper, bus, cache, tradeStore, metrics)

	monitor := position.NewMonitor(logger, position.MonitorConfig{
		Interval:          cfg.Orchestrator.MonitorPeriod,
		UrgentCloseClock:  cfg.Risk.SquareOffUrgent,
		SquareOffClock:    cfg.Risk.SquareOffMandatory,
		EmergencyLossPct:  cfg.Risk.EmergencyLossPct / 100,
		TrailTriggerPct:   0.10,
		SLModMaxAttempts:  cfg.Risk.SLModifyMaxAttempts,
		FlattenOnShutdown: cfg.Orchestrator.FlattenOnShutdown,
	}, tracker, client, cache, bus, metrics, capital.Capital)
	monitor.SetJournal(&tradeJournal{
		logger:   logger.Named("journal"),
		store:    tradeStore,
		dedup:    deduper,
		adaptive: adaptive,
		regime:   regimeMonitor,
	})

	pool := workers.NewPool(logger, len(strategies), 2*len(strategies))

	orch := orchestrator.New(logger, orchestrator.Config{
		TickInterval:    cfg.Orchestrator.TickPeriod,
		StrategyJoin:    cfg.Orchestrator.StrategyJoin,
		DrainTimeout:    cfg.Orchestrator.DrainTimeout,
		ReconcilePeriod: cfg.Risk.ReconcilePeriod,
		MaxDataAge:      cfg.Orchestrator.StaleTick,
		Universe:        symbols,
	}, orchestrator.Deps{
		Cache:      cache,
		Ingestor:   ingestor,
		Client:     client,
		Limiter:    limiter,
		Regime:     regimeMonitor,
		Strategies: strategies,
		Adaptive:   adaptive,
		Dedup:      deduper,
		Gate:       portfolioGate,
		Engine:     tradeEngine,
		Tracker:    tracker,
		Monitor:    monitor,
		Pool:       pool,
		Metrics:    metrics,
		Capital:    capital.Capital,
	})

	if err := preloadHistory(ctx, logger, cfg, client, cache, strategies); err != nil {
		logger.Fatal("Benchmark history preload failed; refusing to start trading", zap.Error(err))
	}

	chains.Start(ctx)
	monitor.Start(ctx)
	if err := ingestor.Start(ctx); err != nil {
		logger.Fatal("Failed to start market data feed", zap.Error(err))
	}
	orch.Start(ctx)

	var controlServer *control.Server
	if cfg.Control.Enabled {
		controlCfg := control.DefaultConfig()
		controlCfg.Port = cfg.Control.Port
		controlServer = control.NewServer(logger, controlCfg, orch, tracker, ingestor, monitor, bus, tradeStore, registry)
		go func() {
			if err := controlServer.Start(); err != nil {
				logger.Error("Control server failed", zap.Error(err))
			}
		}()
		logger.Info("Control server listening", zap.Int("port", cfg.Control.Port))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	orch.Stop()
	monitor.Stop()
	ingestor.Stop()
	chains.Stop()
	capital.Stop()

	if controlServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := controlServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Control server shutdown", zap.Error(err))
		}
		shutdownCancel()
	}
	bus.Stop()
	cancel()

	logger.Info("Shutdown complete")
}

// tradeJournal closes the loop on finished trades: persistence to the
// trade store plus the outcome feeds that steer deduplication priority
// and the adaptive strategy's regime/strategy weights.
type tradeJournal struct {
	logger   *zap.Logger
	store    *store.Store
	dedup    *dedup.Deduplicator
	adaptive *strategy.Adaptive
	regime   *regime.Monitor
}

// clientOrderID extracts the client order id from a position tag of the
// form "strategy:uuid".
func clientOrderID(tag string) string {
	if i := strings.Index(tag, ":"); i >= 0 {
		return tag[i+1:]
	}
	return tag
}

func (j *tradeJournal) PositionClosed(pos types.Position, exitPrice decimal.Decimal) {
	pnl := exitPrice.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(pos.Quantity))
	if pos.Side == types.PositionShort {
		pnl = pnl.Neg()
	}
	won := pnl.IsPositive()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reg := j.regime.Current()
	j.store.RecordExit(ctx, clientOrderID(pos.Tag), exitPrice, pnl, reg)
	j.store.UpsertDaySummary(ctx, time.Now().Format("2006-01-02"), pnl, won)

	j.dedup.RecordOutcome(pos.StrategyID, won)
	j.adaptive.Observe(reg, pos.StrategyID, won)

	j.logger.Info("Trade journaled",
		zap.String("symbol", pos.Symbol),
		zap.String("strategy", pos.StrategyID),
		zap.String("pnl", pnl.String()),
		zap.Bool("won", won))
}

func (j *tradeJournal) StopMoved(pos types.Position, newSL decimal.Decimal) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j.store.UpdateStop(ctx, clientOrderID(pos.Tag), newSL)
}

// historicalOutcomes maps stored trade records onto the estimator's
// observation triples.
func historicalOutcomes(records []store.TradeRecord) []strategy.Outcome {
	out := make([]strategy.Outcome, 0, len(records))
	for _, rec := range records {
		out = append(out, strategy.Outcome{
			Regime: types.Regime{
				Bias:     types.Bias(rec.RegimeBias),
				Strength: rec.RegimeStrength,
				MoveZone: types.MoveZone(rec.RegimeZone),
			},
			StrategyID: rec.StrategyID,
			Won:        rec.RealizedPnL.IsPositive(),
		})
	}
	return out
}

// splitUniverse partitions the resolved universe into tradeable cash
// symbols and option contracts. Indices feed the regime monitor and are
// excluded from both.
func splitUniverse(universe []types.Instrument) (equities, options []string) {
	for _, inst := range universe {
		switch {
		case inst.IsOption():
			options = append(options, inst.Symbol)
		case inst.IndexName:
		default:
			equities = append(equities, inst.Symbol)
		}
	}
	return equities, options
}

// historySource is the slice of the broker client the preload needs.
type historySource interface {
	Authenticated() bool
	HistoricalBars(ctx context.Context, symbol string, interval types.BarInterval, from, to time.Time) ([]types.Bar, error)
}

// historySink receives the fetched series.
type historySink interface {
	Preload(symbol string, interval types.BarInterval, bars []types.Bar) error
}

// preloadHistory seeds the bar rings from the broker's historical candles
// so strategies can trade from the first live tick instead of sitting out
// the warm-up period. Per-symbol failures are tolerated and the day can
// start with a partial universe, but a missing benchmark series blinds the
// regime monitor, so that failure is returned and startup aborts.
func preloadHistory(ctx context.Context, logger *zap.Logger, cfg *config.Config, client historySource, sink historySink, strategies []strategy.Strategy) error {
	if !client.Authenticated() {
		logger.Warn("Skipping history preload; broker not authenticated")
		return nil
	}

	// Collapse per-strategy requirements to the max depth per symbol and
	// interval so each series is fetched once.
	type key struct {
		symbol   string
		interval types.BarInterval
	}
	wants := make(map[key]int)
	for _, s := range strategies {
		for _, req := range s.WarmupRequirements() {
			k := key{req.Symbol, req.Interval}
			if req.Bars > wants[k] {
				wants[k] = req.Bars
			}
		}
	}
	// The regime monitor reads benchmark 1m momentum and 5m ATR.
	benchmark := cfg.Orchestrator.BenchmarkSymbol
	wants[key{benchmark, types.Bar1m}] = max(wants[key{benchmark, types.Bar1m}], 60)
	wants[key{benchmark, types.Bar5m}] = max(wants[key{benchmark, types.Bar5m}], 15)

	now := time.Now()
	from := now.AddDate(0, 0, -cfg.Orchestrator.WarmupDays)
	loaded := make(map[string]struct{})
	var benchmarkErr error
	for k := range wants {
		fetchCtx, fetchCancel := context.WithTimeout(ctx, 15*time.Second)
		bars, err := client.HistoricalBars(fetchCtx, k.symbol, k.interval, from, now)
		fetchCancel()
		if err == nil {
			err = sink.Preload(k.symbol, k.interval, bars)
		}
		if err != nil {
			if k.symbol == benchmark {
				benchmarkErr = fmt.Errorf("benchmark %s %s history: %w", k.symbol, k.interval, err)
			}
			logger.Warn("History preload failed",
				zap.String("symbol", k.symbol),
				zap.String("interval", string(k.interval)),
				zap.Error(err))
			continue
		}
		loaded[k.symbol] = struct{}{}
	}
	if benchmarkErr != nil {
		return benchmarkErr
	}

	if len(loaded) < cfg.Orchestrator.WarmupSymbolsMin {
		logger.Warn("Warm-up below minimum; strategies start partially blind",
			zap.Int("loaded", len(loaded)),
			zap.Int("min", cfg.Orchestrator.WarmupSymbolsMin))
	} else {
		logger.Info("History preloaded", zap.Int("symbols", len(loaded)))
	}
	return nil
}

// optionUnderlyings collects the distinct option underlyings in the universe.
func optionUnderlyings(universe []types.Instrument) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, inst := range universe {
		if inst.IsOption() && inst.Underlying != "" {
			if _, ok := seen[inst.Underlying]; !ok {
				seen[inst.Underlying] = struct{}{}
				out = append(out, inst.Underlying)
			}
		}
	}
	return out
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
