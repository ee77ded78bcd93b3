package wasm

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// Runtime owns one wazero runtime shared by any number of cassettes. It
// caches compiled modules by source name and tracks live instances so they
// can be torn down together.
type Runtime struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache // nil without CacheDir
	config  *RuntimeConfig
	logger  *zap.Logger

	mu        sync.RWMutex
	modules   map[string]*CompiledModule
	instances map[string]closer

	hostOnce sync.Once
	hostErr  error

	closeOnce sync.Once
	closed    chan struct{}
}

// closer is anything tracked as a live instance, normally an api.Module.
type closer interface {
	Close(ctx context.Context) error
}

// RuntimeConfig holds runtime configuration.
type RuntimeConfig struct {
	// MemoryPages caps guest linear memory, in 64KiB pages.
	MemoryPages uint32

	// DebugEnabled keeps DWARF-based stack traces in guest traps.
	DebugEnabled bool

	// CacheDir persists compiled machine code across processes. Empty keeps
	// compilation in memory.
	CacheDir string

	// MaxInstances limits live instances; zero means unlimited.
	MaxInstances int

	// EnableWASI instantiates wasi_snapshot_preview1 for guests built
	// against WASI.
	EnableWASI bool

	// CloseOnContextDone aborts guest calls when their context ends.
	CloseOnContextDone bool
}

// CompiledModule is a validated module ready for instantiation.
type CompiledModule struct {
	Module wazero.CompiledModule

	Name      string
	Source    string
	SizeBytes int64

	// Unix seconds.
	CompiledAt int64
}

// NewRuntime creates a runtime. A nil config uses DefaultRuntimeConfig.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	if config == nil {
		config = DefaultRuntimeConfig()
	}

	rc := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(config.CloseOnContextDone).
		WithDebugInfoEnabled(config.DebugEnabled)
	if config.MemoryPages > 0 {
		rc = rc.WithMemoryLimitPages(config.MemoryPages)
	}

	var cache wazero.CompilationCache
	if config.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache %s: %w", config.CacheDir, err)
		}
		cache = c
		rc = rc.WithCompilationCache(cache)
	}

	r := wazero.NewRuntimeWithConfig(ctx, rc)

	if config.EnableWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
		}
	}

	rt := &Runtime{
		runtime:   r,
		cache:     cache,
		config:    config,
		logger:    logger.With(zap.String("component", "wasm-runtime")),
		modules:   make(map[string]*CompiledModule),
		instances: make(map[string]closer),
		closed:    make(chan struct{}),
	}

	rt.logger.Info("Wasm runtime initialized",
		zap.Uint32("memory_pages", config.MemoryPages),
		zap.Bool("debug_info", config.DebugEnabled),
		zap.String("cache_dir", config.CacheDir),
		zap.Int("max_instances", config.MaxInstances),
		zap.Bool("wasi", config.EnableWASI),
	)

	return rt, nil
}

// DefaultRuntimeConfig returns 16MiB of guest memory and room for 100
// instances.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryPages:  256,
		MaxInstances: 100,
	}
}

// Config returns the runtime configuration.
func (r *Runtime) Config() *RuntimeConfig {
	return r.config
}

// Close closes every tracked instance, then the runtime and its cache.
// It is idempotent.
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down Wasm runtime")

		r.mu.Lock()
		live := r.instances
		r.instances = make(map[string]closer)
		r.mu.Unlock()

		for id, inst := range live {
			if closeErr := inst.Close(ctx); closeErr != nil {
				r.logger.Warn("Failed to close instance",
					zap.String("instance_id", id),
					zap.Error(closeErr),
				)
			}
		}

		err = r.runtime.Close(ctx)

		if r.cache != nil {
			if cacheErr := r.cache.Close(ctx); cacheErr != nil && err == nil {
				err = cacheErr
			}
		}

		close(r.closed)
		r.logger.Info("Wasm runtime shutdown complete", zap.Int("instances_closed", len(live)))
	})

	return err
}

// GetCompiledModule looks up a compiled module by source name.
func (r *Runtime) GetCompiledModule(name string) (*CompiledModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mod, ok := r.modules[name]
	return mod, ok
}

// StoreCompiledModule caches module under its name.
func (r *Runtime) StoreCompiledModule(module *CompiledModule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.modules[module.Name] = module
}

// adoptCompiledModule caches module unless one with the same name is
// already present, in which case the cached one is returned and fresh is
// false.
func (r *Runtime) adoptCompiledModule(module *CompiledModule) (cached *CompiledModule, fresh bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.modules[module.Name]; ok {
		return existing, false
	}
	r.modules[module.Name] = module
	return module, true
}

// trackInstance stores inst unless that would exceed MaxInstances.
func (r *Runtime) trackInstance(instanceID string, inst closer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit := r.config.MaxInstances; limit > 0 && len(r.instances) >= limit {
		return &InstanceLimitError{Limit: limit}
	}
	r.instances[instanceID] = inst
	return nil
}

// hasCapacity reports whether another instance fits under MaxInstances.
func (r *Runtime) hasCapacity() bool {
	limit := r.config.MaxInstances
	return limit <= 0 || r.InstanceCount() < limit
}

// DeleteInstance stops tracking an instance.
func (r *Runtime) DeleteInstance(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.instances, instanceID)
}

// InstanceCount returns the number of tracked instances.
func (r *Runtime) InstanceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.instances)
}

// IsClosed reports whether Close has run.
func (r *Runtime) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
