// Package main provides the entry point for the breakout options trader.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/breakout-trader/internal/api"
	"github.com/atlas-desktop/breakout-trader/internal/audit"
	"github.com/atlas-desktop/breakout-trader/internal/broker"
	"github.com/atlas-desktop/breakout-trader/internal/config"
	"github.com/atlas-desktop/breakout-trader/internal/coordinator"
	"github.com/atlas-desktop/breakout-trader/internal/engine"
	"github.com/atlas-desktop/breakout-trader/internal/marketdata"
	"github.com/atlas-desktop/breakout-trader/internal/metrics"
	"github.com/atlas-desktop/breakout-trader/internal/notify"
	"github.com/atlas-desktop/breakout-trader/internal/regime"
	"github.com/atlas-desktop/breakout-trader/internal/risk"
	sig "github.com/atlas-desktop/breakout-trader/internal/signal"
	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting breakout trader",
		zap.String("mode", string(cfg.Mode)),
		zap.String("symbol", cfg.Symbol),
		zap.Int("accounts", len(cfg.Accounts)),
	)

	hours, err := types.NewMarketHours(cfg.Market)
	if err != nil {
		logger.Fatal("Failed to build market clock", zap.Error(err))
	}

	prom := metrics.NewDefault()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Market data sources: a synthetic feed in simulated mode, otherwise the
	// broker API using the first enabled account's token.
	var (
		quotes  broker.QuoteSource
		chains  broker.ChainSource
		volIdx  broker.VolIndexSource
		simFeed *broker.SimulatedFeed
	)
	if cfg.Mode == types.ModeSimulated {
		simFeed = broker.NewSimulatedFeed(logger.Named("sim_feed"), cfg.Symbol, 450.0, 20.0)
		quotes, chains, volIdx = simFeed, simFeed, simFeed
	} else {
		token := marketDataToken(cfg)
		client := broker.NewTradierClient(logger.Named("tradier"), cfg.Broker, cfg.Mode, token)
		quotes, chains, volIdx = client, client, client
	}

	hub := marketdata.NewHub(logger.Named("market_data"), cfg.Hub, cfg.Symbol, quotes, chains)
	hub.SetMetrics(prom)

	regimes := regime.NewProvider(logger.Named("regime"), cfg.Regime, volIdx)
	detector := sig.NewDetector(logger.Named("signal"), cfg.Strategy, hours)

	dispatcher := notify.NewDispatcher()
	if cfg.Telegram.Enabled {
		dispatcher.Add(notify.NewTelegram(logger.Named("telegram"), cfg.Telegram))
	}

	engines, auditLogs, err := buildEngines(logger, cfg, hours, hub, dispatcher, prom)
	if err != nil {
		logger.Fatal("Failed to build account engines", zap.Error(err))
	}

	coord := coordinator.New(logger.Named("coordinator"), cfg.Coordinator, hours, cfg.Symbol,
		hub, regimes, detector, engines, dispatcher, prom)

	server := api.NewServer(logger.Named("api"), &cfg.Server, coord, hub)
	dispatcher.Add(server)

	hub.Start(ctx)
	coord.Start(ctx)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server error", zap.Error(err))
		}
	}()

	logger.Info("Trader started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	// Liquidate open positions while the hub still serves fresh chains, then
	// tear the loop down.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	coord.ForceCloseAll(closeCtx, types.ExitReasonShutdown)
	closeCancel()

	cancel()
	coord.Stop(context.Background())
	hub.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	for _, log := range auditLogs {
		if err := log.Close(); err != nil {
			logger.Error("Error closing audit log", zap.Error(err))
		}
	}

	logger.Info("Trader stopped")
}

// buildEngines constructs one engine per configured account with its merged
// strategy config, gate, executor, and audit log.
func buildEngines(logger *zap.Logger, cfg *types.Config, hours *types.MarketHours,
	hub *marketdata.Hub, notifier notify.Notifier, prom *metrics.Metrics) ([]*engine.Engine, []*audit.Log, error) {

	engines := make([]*engine.Engine, 0, len(cfg.Accounts))
	auditLogs := make([]*audit.Log, 0, len(cfg.Accounts))

	for _, acct := range cfg.Accounts {
		merged := acct.Overrides.Apply(cfg.Strategy)

		auditLog, err := audit.NewLog(logger.Named("audit").With(zap.String("account", acct.Name)), cfg.AuditDir, acct.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("audit log for %s: %w", acct.Name, err)
		}
		auditLogs = append(auditLogs, auditLog)

		var executor broker.OrderExecutor
		if cfg.Mode == types.ModeSimulated {
			executor = broker.NewSimulatedExecutor(
				logger.Named("sim_executor").With(zap.String("account", acct.Name)),
				hub.QuoteByOCC,
			)
		} else {
			client := broker.NewTradierClient(logger.Named("tradier"), cfg.Broker, cfg.Mode, acct.Token)
			executor = broker.NewTradierExecutor(
				logger.Named("executor").With(zap.String("account", acct.Name)),
				client, acct.AccountID,
			)
		}

		gate := risk.NewGate(logger.Named("risk").With(zap.String("account", acct.Name)), merged)

		engines = append(engines, engine.NewEngine(
			logger.Named("engine"), acct, merged, hours, cfg.Symbol,
			engine.Deps{
				Executor: executor,
				Chains:   hub,
				Gate:     gate,
				Audit:    auditLog,
				Notifier: notifier,
				Metrics:  prom,
			},
		))
	}
	return engines, auditLogs, nil
}

// marketDataToken returns the first enabled account's token for the shared
// market data client.
func marketDataToken(cfg *types.Config) string {
	for _, acct := range cfg.Accounts {
		if acct.Enabled && acct.Token != "" {
			return acct.Token
		}
	}
	return ""
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
