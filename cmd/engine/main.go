// cnfutures-arb — an intraday settlement-arbitrage engine for Chinese
// stock-index futures (IC/IM/IF/IH).
//
// Architecture:
//
//	main.go               — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/scheduler.go   — orchestrator: pre-market reset, day-open close, watch window, post-market save
//	strategy/strategy.go  — per-symbol state machine: 14:30 base price, drop thresholds, signals
//	marketdata/sina.go    — Sina quote adapter: minute bars, realtime quotes, settlement prices
//	marketdata/handler.go — polling loop, minute-bar cache, parquet daily snapshots
//	vwap/calculator.go    — batch and realtime VWAP over the last trading hour
//	position/manager.go   — ledger of open positions, margin, fees, P&L
//	risk/manager.go       — daily loss, drawdown, and position caps; force close
//	notify/               — Chinese-language signal messages, telegram delivery
//	store/store.go        — sqlite persistence: positions survive restarts
//	backtest/engine.go    — offline replay of the rules over daily bars
//
// How it makes money:
//
//	In the last half hour of the session (14:30-15:00) index futures
//	sometimes dip sharply below the price that anchors the next day's
//	settlement. The engine buys that dip in one or two steps and sells
//	at the next morning's open, capturing the overnight reversion.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cnfutures-arb/internal/config"
	"cnfutures-arb/internal/engine"
	"cnfutures-arb/internal/marketdata"
	"cnfutures-arb/internal/notify"
	"cnfutures-arb/internal/position"
	"cnfutures-arb/internal/risk"
	"cnfutures-arb/internal/store"
	"cnfutures-arb/internal/strategy"
	"cnfutures-arb/internal/vwap"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()
	if p := os.Getenv("CNF_CONFIG"); p != "" && *cfgPath == "configs/config.yaml" {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	provider := marketdata.NewSinaProvider(cfg.Data, logger)

	var snapshots *marketdata.SnapshotStore
	if cfg.Data.DataDir != "" {
		snapshots, err = marketdata.OpenSnapshots(cfg.Data.DataDir)
		if err != nil {
			logger.Error("failed to open snapshot store", "error", err)
			os.Exit(1)
		}
	}
	dataHandler := marketdata.NewHandler(provider, snapshots, logger)

	calc := vwap.New(provider, logger)
	strat, err := strategy.New(cfg.Strategy, calc.RealtimeVWAP, logger)
	if err != nil {
		logger.Error("failed to create strategy", "error", err)
		os.Exit(1)
	}

	pm := position.NewManager(logger)
	rm := risk.NewManager(cfg.Risk, cfg.Strategy.MaxPositionPerSymbol, logger)

	var st engine.Store
	if cfg.Store.Path != "" {
		db, err := store.Open(cfg.Store.Path, logger)
		if err != nil {
			logger.Error("failed to open store", "error", err, "path", cfg.Store.Path)
			os.Exit(1)
		}
		defer db.Close()
		st = db
	}

	notifier := notify.NewDispatcher(logger, notify.NewLogSink(logger))
	if cfg.Notify.Enabled {
		tg, err := notify.NewTelegramSink(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, logger)
		if err != nil {
			logger.Error("telegram sink unavailable, continuing without it", "error", err)
		} else {
			notifier.AddSink(tg)
		}
	}

	sched, err := engine.New(cfg, provider, dataHandler, calc, strat, pm, rm, st, notifier, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	engine.SetScheduler(sched)
	if err := sched.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("settlement-arbitrage engine started",
		"symbols", cfg.Strategy.Symbols,
		"threshold1", cfg.Strategy.Threshold1,
		"threshold2", cfg.Strategy.Threshold2,
		"max_daily_loss", cfg.Risk.MaxDailyLoss,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	sched.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
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
