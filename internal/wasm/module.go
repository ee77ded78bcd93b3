package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// wasmMagic opens every binary module: "\0asm".
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

var errNotWasm = errors.New("not a WebAssembly binary")

// ModuleSource supplies module bytes under a stable cache key.
type ModuleSource interface {
	Bytes() ([]byte, error)
	Name() string
}

// FileModuleSource reads a module from disk. Its cache key is the cleaned path.
type FileModuleSource struct {
	Path string
}

func (f *FileModuleSource) Bytes() ([]byte, error) { return os.ReadFile(f.Path) }
func (f *FileModuleSource) Name() string           { return filepath.Clean(f.Path) }

// MemoryModuleSource serves a module already in memory.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

func (m *MemoryModuleSource) Bytes() ([]byte, error) { return m.Data, nil }
func (m *MemoryModuleSource) Name() string           { return m.ModuleName }

// ModuleLoader compiles cassette modules into a runtime's cache.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a loader bound to runtime.
func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// LoadModule returns the cached module for source, compiling it on a miss.
// Read and validation failures are reported as CompilationError.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	name := source.Name()
	if cached, ok := l.runtime.GetCompiledModule(name); ok {
		l.logger.Debug("Module cache hit", zap.String("module", name))
		return cached, nil
	}

	data, err := source.Bytes()
	if err != nil {
		return nil, &CompilationError{ModuleName: name, Err: fmt.Errorf("read: %w", err)}
	}
	if !bytes.HasPrefix(data, wasmMagic) {
		return nil, &CompilationError{ModuleName: name, Err: errNotWasm}
	}

	start := time.Now()
	compiled, err := l.runtime.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, &CompilationError{ModuleName: name, Err: err}
	}

	module, fresh := l.runtime.adoptCompiledModule(&CompiledModule{
		Module:     compiled,
		Name:       name,
		Source:     name,
		SizeBytes:  int64(len(data)),
		CompiledAt: time.Now().Unix(),
	})
	if !fresh {
		// Lost a race with a concurrent load of the same source.
		_ = compiled.Close(ctx)
		return module, nil
	}

	l.logger.Info("Module compiled",
		zap.String("module", name),
		zap.Int("size_bytes", len(data)),
		zap.Duration("duration", time.Since(start)),
		zap.Int("exports", len(compiled.ExportedFunctions())),
		zap.Int("imports", len(compiled.ImportedFunctions())),
	)
	return module, nil
}

// LoadModuleFromFile loads the module at path.
func (l *ModuleLoader) LoadModuleFromFile(ctx context.Context, path string) (*CompiledModule, error) {
	return l.LoadModule(ctx, &FileModuleSource{Path: path})
}

// LoadModuleFromMemory loads data under name.
func (l *ModuleLoader) LoadModuleFromMemory(ctx context.Context, name string, data []byte) (*CompiledModule, error) {
	return l.LoadModule(ctx, &MemoryModuleSource{ModuleName: name, Data: data})
}
