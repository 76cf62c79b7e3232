// Aster Grid Bot — an automated market-making bot that maintains a
// symmetric grid of resting limit orders on a single perpetual-futures
// symbol.
//
// Architecture:
//
//	main.go            — entry point: flags, config, logger, signal handling
//	engine/            — the order lifecycle controller: bootstrap, maker
//	                     guard, fill refill, recenter, kill switch, rebuild
//	grid/              — computes the immutable ladder of price levels
//	state/             — in-memory order table (by order id + client id)
//	exchange/          — signed REST gateway + the two WebSocket readers
//	notify/            — periodic health snapshots to a webhook
//	config/            — YAML config with ASTER_* env overrides
//
// How it makes money:
//
//	The bot rests buys below and sells above the mid price, one grid step
//	apart. Each fill is refilled on the opposite side one step away, so a
//	round trip earns the spacing. When the market drifts out of the grid,
//	the bot flattens and rebuilds around the new mid.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"aster-grid-bot/internal/config"
	"aster-grid-bot/internal/engine"
	"aster-grid-bot/internal/exchange"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("aster-grid-bot", pflag.ContinueOnError)
	dryRun := flags.Bool("dry-run", false, "force dry-run mode")
	live := flags.Bool("live", false, "enable live trading mode")
	logLevel := flags.String("log-level", "", "override log level (DEBUG, INFO, ...)")
	logFile := flags.String("log-file", "", "write logs to this file as well")
	apiKey := flags.String("api-key", "", "API key override")
	apiSecret := flags.String("api-secret", "", "API secret override")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <config-path>\n", filepath.Base(os.Args[0]))
		flags.PrintDefaults()
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		return 2
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return 2
	}
	if *dryRun && *live {
		fmt.Fprintln(os.Stderr, "--dry-run and --live are mutually exclusive")
		return 2
	}

	// Best-effort .env for local runs; real deployments set the env.
	_ = godotenv.Load()

	cfg, err := config.Load(flags.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		return 1
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if *live {
		cfg.DryRun = false
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		return 1
	}

	logger, closeLog, err := buildLogger(cfg.LogLevel, cfg.LogFormat, *logFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to set up logging:", err)
		return 1
	}
	defer closeLog()

	key, secret := config.Credentials(*apiKey, *apiSecret)
	client, err := exchange.NewClient(cfg, key, secret, logger)
	if err != nil {
		logger.Error("failed to create exchange client", "error", err)
		return 1
	}

	eng := engine.New(cfg, client, logger)
	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		eng.RequestStop()
	}()

	if err := eng.Run(context.Background()); err != nil {
		logger.Error("bot stopped with error", "error", err)
		return 1
	}
	return 0
}

func buildLogger(level, format, logFile string) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stdout
	closeLog := func() {}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
		closeLog = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeLog, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
