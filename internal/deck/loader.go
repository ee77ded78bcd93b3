package deck

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/woxQAQ/nostr-cassette/internal/cassette"
	"github.com/woxQAQ/nostr-cassette/internal/wasm"
)

// Loader handles loading cassettes from disk.
type Loader struct {
	runtime   *wasm.Runtime
	debug     bool
	maxRounds int
	logger    *zap.Logger
}

// NewLoader creates a loader that instantiates every cassette on runtime.
func NewLoader(runtime *wasm.Runtime, debug bool, maxRounds int, logger *zap.Logger) *Loader {
	return &Loader{
		runtime:   runtime,
		debug:     debug,
		maxRounds: maxRounds,
		logger:    logger.With(zap.String("component", "deck-loader")),
	}
}

// LoadDir loads a cassette from a directory containing manifest.yaml.
func (l *Loader) LoadDir(ctx context.Context, dir string) (*Entry, error) {
	l.logger.Debug("Loading cassette directory", zap.String("dir", dir))

	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}
	return l.load(ctx, manifest)
}

// LoadFile loads a bare .wasm file.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Entry, error) {
	return l.load(ctx, ManifestForFile(path))
}

func (l *Loader) load(ctx context.Context, manifest *Manifest) (*Entry, error) {
	l.logger.Info("Loading cassette",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("wasm", manifest.WasmPath()),
	)

	data, err := os.ReadFile(manifest.WasmPath())
	if err != nil {
		return nil, &CassetteLoadError{Name: manifest.Name, Err: err}
	}
	if err := manifest.VerifyChecksum(data); err != nil {
		return nil, &CassetteLoadError{Name: manifest.Name, Err: err}
	}

	maxRounds := l.maxRounds
	if manifest.MaxCollectRounds > 0 {
		maxRounds = manifest.MaxCollectRounds
	}

	c, err := cassette.LoadBytes(ctx, manifest.WasmPath(), data, cassette.Options{
		Debug:            l.debug || manifest.Debug,
		Logger:           l.logger,
		Runtime:          l.runtime,
		MaxCollectRounds: maxRounds,
	})
	if err != nil {
		return nil, &CassetteLoadError{
			Name: manifest.Name,
			Err:  err,
		}
	}

	entry := &Entry{
		Manifest: manifest,
		Cassette: c,
		LoadedAt: time.Now(),
	}

	l.logger.Info("Cassette loaded successfully",
		zap.String("name", manifest.Name),
		zap.String("size", humanize.IBytes(uint64(c.Size()))),
	)

	return entry, nil
}

// Discover loads every cassette found under paths. A path may be a .wasm
// file or a directory; a directory contributes its *.wasm files and each
// subdirectory holding a manifest.yaml. Entries that fail to load are
// logged and skipped.
func (l *Loader) Discover(ctx context.Context, paths []string) ([]*Entry, error) {
	var entries []*Entry
	var errs []error

	add := func(entry *Entry, err error, source string) {
		if err != nil {
			l.logger.Error("Failed to load cassette",
				zap.String("source", source),
				zap.Error(err),
			)
			errs = append(errs, err)
			return
		}
		entries = append(entries, entry)
	}

	for _, basePath := range paths {
		l.logger.Debug("Scanning cassette path", zap.String("path", basePath))

		info, err := os.Stat(basePath)
		if err != nil {
			if os.IsNotExist(err) {
				l.logger.Warn("Cassette path does not exist", zap.String("path", basePath))
				continue
			}
			return nil, fmt.Errorf("failed to stat '%s': %w", basePath, err)
		}

		if !info.IsDir() {
			entry, err := l.LoadFile(ctx, basePath)
			add(entry, err, basePath)
			continue
		}

		dirEntries, err := os.ReadDir(basePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}

		for _, de := range dirEntries {
			full := filepath.Join(basePath, de.Name())
			switch {
			case de.IsDir():
				if _, err := os.Stat(filepath.Join(full, ManifestFile)); err != nil {
					continue
				}
				entry, err := l.LoadDir(ctx, full)
				add(entry, err, full)
			case strings.EqualFold(filepath.Ext(de.Name()), ".wasm"):
				entry, err := l.LoadFile(ctx, full)
				add(entry, err, full)
			}
		}
	}

	if len(entries) > 0 && len(errs) > 0 {
		l.logger.Warn("Some cassettes failed to load",
			zap.Int("loaded", len(entries)),
			zap.Int("failed", len(errs)),
		)
	}

	if len(entries) == 0 {
		return nil, &NoCassettesFoundError{Paths: paths}
	}

	return entries, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
