package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/woxQAQ/nostr-cassette/internal/bench"
	"github.com/woxQAQ/nostr-cassette/internal/cassette"
	"github.com/woxQAQ/nostr-cassette/internal/config"
	"github.com/woxQAQ/nostr-cassette/internal/wasm"
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
	flags := pflag.NewFlagSet("benchmark", pflag.ContinueOnError)
	iterations := flags.IntP("iterations", "i", 100, "Number of iterations per filter")
	configPath := flags.String("config", "", "Path to configuration file")
	logLevel := flags.String("log-level", "", "Log level (debug, info, warn, error)")
	outputDir := flags.StringP("output", "o", "", "Directory for the JSON report")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [--iterations N] <cassette.wasm> [cassette2.wasm ...]\n", os.Args[0])
		flags.PrintDefaults()
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		return 1
	}

	paths := flags.Args()
	if len(paths) == 0 {
		flags.Usage()
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if flags.Changed("iterations") {
		cfg.Benchmark.Iterations = *iterations
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *outputDir != "" {
		cfg.Benchmark.OutputDir = *outputDir
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("Starting cassette benchmark",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime, err := wasm.NewRuntime(ctx, logger, cfg.RuntimeConfig())
	if err != nil {
		logger.Error("Failed to initialize Wasm runtime", zap.Error(err))
		return 1
	}
	defer runtime.Close(context.Background())

	fmt.Println("Cassette WASM Benchmark (Go)")
	fmt.Printf("  Cassettes:  %d\n", len(paths))
	fmt.Printf("  Iterations: %d\n", cfg.Benchmark.Iterations)

	harness := bench.New(bench.Options{
		Iterations: cfg.Benchmark.Iterations,
		Warmup:     cfg.Benchmark.Warmup,
		Rand:       bench.NewRand(),
		Progress:   os.Stdout,
	}, logger)

	var results []*bench.Result
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("Not found: %s\n", path)
			continue
		}

		result, err := benchmarkOne(ctx, harness, runtime, cfg, path, logger)
		if err != nil {
			fmt.Printf("Error with %s: %v\n", path, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		results = append(results, result)
	}

	if len(results) == 0 {
		logger.Error("No cassette could be benchmarked")
		return 1
	}

	fmt.Println()
	fmt.Println(bench.Comparison(results))
	fmt.Println(bench.Summary(results))

	doc := bench.NewDocument(time.Now(), cfg.Benchmark.Iterations, results)
	out, err := doc.Write(cfg.Benchmark.OutputDir, cfg.Benchmark.LangTag)
	if err != nil {
		logger.Error("Failed to save results", zap.Error(err))
		return 0
	}
	fmt.Printf("Results saved to: %s\n", out)
	return 0
}

func benchmarkOne(ctx context.Context, harness *bench.Harness, runtime *wasm.Runtime, cfg *config.Config, path string, logger *zap.Logger) (*bench.Result, error) {
	c, err := cassette.Load(ctx, path, cassette.Options{
		Debug:            cfg.Debug,
		Logger:           logger,
		Runtime:          runtime,
		MaxCollectRounds: cfg.Cassette.MaxCollectRounds,
	})
	if err != nil {
		return nil, err
	}
	defer c.Close(context.Background())

	return harness.Run(ctx, c)
}
