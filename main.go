package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"leverbot/config"
	"leverbot/internal/adapters/binanceclient"
	"leverbot/internal/adapters/logger"
	"leverbot/internal/adapters/sqlite"
	"leverbot/internal/adapters/stream"
	"leverbot/internal/coordinator"
	"leverbot/internal/domain"
	"leverbot/internal/marketdata"
	"leverbot/internal/observability"
	"leverbot/internal/position"
	"leverbot/internal/ports"
	"leverbot/internal/risk"
	tradesignal "leverbot/internal/signal"
	"leverbot/internal/transport"
)

// closeObserverProxy breaks the construction cycle between the position
// manager and the coordinator: the manager needs a close observer before the
// coordinator that implements it exists.
type closeObserverProxy struct {
	target position.CloseObserver
}

func (p *closeObserverProxy) PositionClosed(ctx context.Context, trade *domain.Trade) {
	if p.target != nil {
		p.target.PositionClosed(ctx, trade)
	}
}

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(ctx, "Binance client initialized")

	// 5. Initialize Transport (retries, circuit breaker, metrics observer)
	recorder := observability.TransportRecorder{}
	breaker, err := transport.NewBreaker(transport.BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
		MaxCooldown:      cfg.BreakerMaxCool,
		Logger:           appLogger,
		OnTransition: func(endpoint string, from, to transport.CircuitState) {
			recorder.CircuitTransition(endpoint, string(from), string(to))
		},
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize circuit breaker: %v", err)
	}
	executor, err := transport.NewExecutor(transport.Config{
		MaxRetries:     cfg.MaxRetries,
		NetworkRetries: cfg.NetworkRetries,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		CallTimeout:    cfg.CallTimeout,
		Logger:         appLogger,
		Breaker:        breaker,
		Observer:       recorder,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize transport executor: %v", err)
	}

	// 6. Initialize Market Data (stream + REST reconciliation)
	feed, err := stream.New(stream.Config{
		Symbols:     cfg.Symbols,
		UseTestnet:  cfg.IsTestnet,
		Logger:      appLogger,
		ReadTimeout: cfg.StreamReadTimeout,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize market data stream: %v", err)
	}
	market, err := marketdata.New(marketdata.Config{
		Symbols:            cfg.Symbols,
		QuoteAsset:         cfg.QuoteAsset,
		StalenessThreshold: cfg.StalenessThreshold,
		ReconnectMinDelay:  cfg.ReconnectMinDelay,
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay,
	}, appLogger, binanceClient, executor, feed)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize market data sync: %v", err)
	}

	// 7. Initialize Risk Engine, restoring persisted aggregate state
	engine, err := risk.NewEngine(risk.Config{
		MinRiskFraction:        cfg.MinRiskFraction,
		MaxRiskFraction:        cfg.MaxRiskFraction,
		RoundTripFeeRate:       cfg.RoundTripFeeRate,
		BaseStopDistance:       cfg.BaseStopDistance,
		VolStopMultiple:        cfg.VolStopMultiple,
		TakeProfitStopMultiple: cfg.TakeProfitStopMultiple,
		SmallBalanceTier:       cfg.SmallBalanceTier,
		LargeBalanceTier:       cfg.LargeBalanceTier,
		SmallMinProfit:         cfg.SmallMinProfit,
		MidMinProfit:           cfg.MidMinProfit,
		LargeMinProfit:         cfg.LargeMinProfit,
		HeatCeilingFraction:    cfg.HeatCeilingFraction,
		CorrelationGroups:      cfg.CorrelationGroups,
		StreakLength:           cfg.StreakLength,
		WinStreakFactor:        cfg.WinStreakFactor,
		LossStreakFactor:       cfg.LossStreakFactor,
		HighVolFactor:          cfg.HighVolFactor,
		VolThreshold:           cfg.VolThreshold,
		DrawdownFactor:         cfg.DrawdownFactor,
		DrawdownThreshold:      cfg.DrawdownThreshold,
		MinNotional:            cfg.MinNotional,
		MaxPositionNotional:    cfg.MaxPositionNotional,
		MaxTradesPerDay:        cfg.MaxTradesPerDay,
		Leverage:               cfg.Leverage,
	}, appLogger, repo)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize risk engine: %v", err)
	}
	if state, err := repo.LoadRiskState(ctx); err != nil {
		appLogger.Error(ctx, err, "Failed to load persisted risk state, starting fresh")
	} else if state != nil {
		if err := engine.Restore(state); err != nil {
			appLogger.Error(ctx, err, "Failed to restore persisted risk state, starting fresh")
		} else {
			appLogger.Info(ctx, "Risk state restored")
		}
	}

	// 8. Initialize Signal Scorer (pluggable oracle; see ports.SignalScorer)
	scorer, err := tradesignal.New(tradesignal.Config{
		ShortWindow:   cfg.ScorerShortWindow,
		LongWindow:    cfg.ScorerLongWindow,
		RSIWindow:     cfg.ScorerRSIWindow,
		RSIOverbought: cfg.ScorerOverbought,
		RSIOversold:   cfg.ScorerOversold,
	}, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize signal scorer: %v", err)
	}

	// 9. Initialize Position Manager and Coordinator
	proxy := &closeObserverProxy{}
	manager, err := position.NewManager(position.Config{
		LockThreshold:    cfg.LockThreshold,
		BreakevenTrigger: cfg.BreakevenTrigger,
		BreakevenBuffer:  cfg.BreakevenBuffer,
		TrailDistance:    cfg.TrailDistance,
		MaxHoldDuration:  cfg.MaxHoldDuration,
		RoundTripFeeRate: cfg.RoundTripFeeRate,
	}, appLogger, repo, repo, proxy, scorer)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize position manager: %v", err)
	}
	coord, err := coordinator.New(coordinator.Config{
		Symbols:         cfg.Symbols,
		Leverage:        cfg.Leverage,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, appLogger, binanceClient, executor, market, engine, manager, repo)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize coordinator: %v", err)
	}
	proxy.target = coord

	if err := coord.Bootstrap(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Bootstrap failed")
		log.Fatalf("FATAL: Bootstrap failed: %v", err)
	}
	market.OnTick(scorer.Observe)
	appLogger.Info(ctx, "Execution core bootstrapped", map[string]interface{}{"symbols": cfg.Symbols})

	// 10. Serve metrics
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				appLogger.Error(ctx, err, "Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
		appLogger.Info(ctx, "Metrics server listening", map[string]interface{}{"addr": cfg.MetricsAddr})
	}

	// 11. Run the stream loop and the candidate loop until a signal arrives
	go func() {
		if err := market.Run(ctx); err != nil && ctx.Err() == nil {
			appLogger.Error(ctx, err, "Market data loop exited")
		}
	}()
	runCandidateLoop(ctx, cfg, appLogger, market, scorer, coord)

	// 12. Drain and persist on shutdown
	appLogger.Info(context.Background(), "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, err, "Shutdown drain incomplete")
	}
	if state, err := engine.Snapshot(); err != nil {
		appLogger.Error(shutdownCtx, err, "Failed to snapshot risk state")
	} else if err := repo.SaveRiskState(shutdownCtx, state); err != nil {
		appLogger.Error(shutdownCtx, err, "Failed to persist risk state")
	} else {
		appLogger.Info(shutdownCtx, "Risk state persisted")
	}
	appLogger.Info(context.Background(), "Application finished gracefully.")
}

// runCandidateLoop periodically asks the scorer for a direction on every
// configured symbol and submits sufficiently confident candidates. It blocks
// until the context is cancelled. Stale market data suppresses evaluation
// before the scorer is even consulted.
func runCandidateLoop(ctx context.Context, cfg *config.Config, appLogger ports.Logger, market *marketdata.Sync, scorer *tradesignal.Scorer, coord *coordinator.Coordinator) {
	ticker := time.NewTicker(cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, symbol := range cfg.Symbols {
			if market.IsStale(symbol) {
				continue
			}
			price, ok := market.LatestPrice(symbol)
			if !ok {
				continue
			}
			vol := scorer.RealizedVol(symbol)
			score, err := scorer.Score(ctx, symbol, price, vol)
			if err != nil {
				// Warmup: not enough observed ticks yet.
				appLogger.Debug(ctx, "Scorer not ready", map[string]interface{}{"symbol": symbol, "error": err.Error()})
				continue
			}
			if score.Direction == "" || score.Confidence < cfg.EntryConfidence {
				continue
			}

			cand := domain.Candidate{
				Symbol:      symbol,
				Side:        score.Direction,
				Confidence:  score.Confidence,
				RealizedVol: vol,
			}
			dec, pos, err := coord.EvaluateAndMaybeOpen(ctx, cand)
			switch {
			case err != nil:
				appLogger.Error(ctx, err, "Candidate execution failed", map[string]interface{}{"symbol": symbol})
			case pos != nil:
				appLogger.Info(ctx, "Position opened", map[string]interface{}{
					"symbol": symbol, "side": pos.Side, "quantity": pos.Quantity, "entryPrice": pos.EntryPrice,
				})
			default:
				appLogger.Debug(ctx, "Candidate rejected", map[string]interface{}{"symbol": symbol, "reason": dec.Reason})
			}
		}
	}
}
