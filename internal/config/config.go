package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/woxQAQ/nostr-cassette/internal/wasm"
)

// EnvPrefix prefixes environment overrides, e.g. CASSETTE_WASM_MEMORY_PAGES.
const EnvPrefix = "CASSETTE"

type Config struct {
	LogLevel      string          `mapstructure:"log_level"`
	Debug         bool            `mapstructure:"debug"`
	CassettePaths []string        `mapstructure:"cassette_paths"`
	Wasm          WasmConfig      `mapstructure:"wasm"`
	Cassette      CassetteConfig  `mapstructure:"cassette"`
	Benchmark     BenchmarkConfig `mapstructure:"benchmark"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Compilation cache directory; empty keeps compiled code in memory only.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances"`
	// Provide wasi_snapshot_preview1 to guests built against WASI.
	EnableWASI bool `mapstructure:"enable_wasi"`
	// Abort guest calls when their context is cancelled.
	CloseOnContextDone bool `mapstructure:"close_on_context_done"`
}

// CassetteConfig holds request dispatch settings.
type CassetteConfig struct {
	MaxCollectRounds int `mapstructure:"max_collect_rounds"`
}

// BenchmarkConfig holds benchmark harness settings.
type BenchmarkConfig struct {
	Iterations int    `mapstructure:"iterations"`
	Warmup     int    `mapstructure:"warmup"`
	OutputDir  string `mapstructure:"output_dir"`
	LangTag    string `mapstructure:"lang_tag"`
}

// Load reads configuration from defaults, an optional YAML file and
// CASSETTE_* environment variables, in increasing precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)
	v.SetDefault("cassette_paths", []string{"./cassettes"})

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.max_instances", 100)
	v.SetDefault("wasm.enable_wasi", false)
	v.SetDefault("wasm.close_on_context_done", false)

	v.SetDefault("cassette.max_collect_rounds", 1000)

	v.SetDefault("benchmark.iterations", 100)
	v.SetDefault("benchmark.warmup", 10)
	v.SetDefault("benchmark.output_dir", ".")
	v.SetDefault("benchmark.lang_tag", "go")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (must be one of: debug, info, warn, error)", c.LogLevel)
	}
	if c.Wasm.MemoryPages == 0 || c.Wasm.MemoryPages > 65536 {
		return fmt.Errorf("wasm.memory_pages must be in 1..65536, got %d", c.Wasm.MemoryPages)
	}
	if c.Wasm.MaxInstances < 0 {
		return fmt.Errorf("wasm.max_instances must not be negative, got %d", c.Wasm.MaxInstances)
	}
	if c.Cassette.MaxCollectRounds <= 0 {
		return fmt.Errorf("cassette.max_collect_rounds must be positive, got %d", c.Cassette.MaxCollectRounds)
	}
	if c.Benchmark.Iterations <= 0 {
		return fmt.Errorf("benchmark.iterations must be positive, got %d", c.Benchmark.Iterations)
	}
	if c.Benchmark.Warmup < 0 {
		return fmt.Errorf("benchmark.warmup must not be negative, got %d", c.Benchmark.Warmup)
	}
	return nil
}

// RuntimeConfig maps the wasm section onto the runtime's configuration.
func (c *Config) RuntimeConfig() *wasm.RuntimeConfig {
	return &wasm.RuntimeConfig{
		MemoryPages:        c.Wasm.MemoryPages,
		DebugEnabled:       c.Debug,
		CacheDir:           c.Wasm.CacheDir,
		MaxInstances:       c.Wasm.MaxInstances,
		EnableWASI:         c.Wasm.EnableWASI,
		CloseOnContextDone: c.Wasm.CloseOnContextDone,
	}
}

// NewLogger builds the process logger. Debug level selects zap's development
// encoder; everything else uses the JSON production encoder. Both write to
// stderr, leaving stdout free for relay replies and reports.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if level == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
