// Command cassette replays recorded relay traffic from cassette modules over
// stdin/stdout, one protocol message per line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/woxQAQ/nostr-cassette/internal/config"
	"github.com/woxQAQ/nostr-cassette/internal/relay"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("cassette", pflag.ContinueOnError)
	configPath := flags.String("config", "", "Path to configuration file")
	logLevel := flags.String("log-level", "", "Log level (debug, info, warn, error)")
	debug := flags.BoolP("debug", "d", false, "Enable per-message cassette diagnostics")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [cassette.wasm|dir ...]\n", os.Args[0])
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	cfg.Debug = cfg.Debug || *debug
	if args := flags.Args(); len(args) > 0 {
		cfg.CassettePaths = args
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("Starting cassette relay",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
		zap.Strings("paths", cfg.CassettePaths),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := relay.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to load deck", zap.Error(err))
		return 1
	}

	serveErr := server.ServeStdio(ctx, os.Stdin, os.Stdout)
	if err := server.Close(context.Background()); err != nil {
		logger.Warn("Deck shutdown", zap.Error(err))
	}
	if serveErr != nil {
		logger.Error("Relay stopped", zap.Error(serveErr))
		return 1
	}
	logger.Info("Relay stopped")
	return 0
}
