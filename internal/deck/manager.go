package deck

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/nostr-cassette/api/wasm"
	"github.com/woxQAQ/nostr-cassette/internal/cassette"
	"github.com/woxQAQ/nostr-cassette/internal/config"
	"github.com/woxQAQ/nostr-cassette/internal/wasm"
	"github.com/woxQAQ/nostr-cassette/pkg/protocol"
)

// Manager owns a deck of cassettes sharing one runtime and dispatches
// messages to all of them.
type Manager struct {
	cfg      *config.Config
	runtime  *wasm.Runtime
	loader   *Loader
	registry *Registry
	logger   *zap.Logger

	mu     sync.RWMutex
	loaded bool
}

// NewManager creates a new deck manager.
func NewManager(cfg *config.Config, runtime *wasm.Runtime, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		runtime:  runtime,
		loader:   NewLoader(runtime, cfg.Debug, cfg.Cassette.MaxCollectRounds, logger),
		registry: NewRegistry(logger),
		logger:   logger.With(zap.String("component", "deck-manager")),
	}
}

// LoadAll discovers and registers cassettes from the configured paths.
// Finding none is not an error.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return fmt.Errorf("cassettes already loaded")
	}

	m.logger.Info("Loading cassettes",
		zap.Strings("paths", m.cfg.CassettePaths),
	)

	entries, err := m.loader.Discover(ctx, m.cfg.CassettePaths)
	if err != nil {
		var none *NoCassettesFoundError
		if errors.As(err, &none) {
			m.logger.Warn("No cassettes found in configured paths",
				zap.Strings("paths", m.cfg.CassettePaths),
			)
			m.loaded = true
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if err := m.registry.Register(entry); err != nil {
			m.logger.Error("Failed to register cassette",
				zap.String("name", entry.Name()),
				zap.Error(err),
			)
			_ = entry.Cassette.Close(ctx)
			continue
		}
	}

	m.loaded = true

	m.logger.Info("Cassettes loaded successfully",
		zap.Int("count", m.registry.Count()),
	)

	return nil
}

// Add loads a single .wasm file or manifest directory and registers it.
func (m *Manager) Add(ctx context.Context, path string) (*Entry, error) {
	var (
		entry *Entry
		err   error
	)
	if isDir(path) {
		entry, err = m.loader.LoadDir(ctx, path)
	} else {
		entry, err = m.loader.LoadFile(ctx, path)
	}
	if err != nil {
		return nil, err
	}

	if err := m.registry.Register(entry); err != nil {
		_ = entry.Cassette.Close(ctx)
		return nil, err
	}
	return entry, nil
}

// Get retrieves a cassette by name.
func (m *Manager) Get(name string) (*Entry, error) {
	entry, ok := m.registry.Get(name)
	if !ok {
		return nil, &CassetteNotFoundError{Name: name}
	}
	return entry, nil
}

// Remove unregisters and closes a cassette.
func (m *Manager) Remove(ctx context.Context, name string) error {
	entry, ok := m.registry.Unregister(name)
	if !ok {
		return &CassetteNotFoundError{Name: name}
	}
	return entry.Cassette.Close(ctx)
}

// Send dispatches msg to every cassette concurrently and merges the replies.
//
// A REQ is collected to completion on each cassette. EVENTs are deduplicated
// by id across the deck, guest EOSEs are dropped and a single EOSE for the
// subscription ends the reply. Other messages are sent once to each cassette
// and their replies concatenated in name order. A cassette that fails
// contributes a NOTICE; one that traps is evicted from the deck.
func (m *Manager) Send(ctx context.Context, msg string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	env, err := protocol.Decode([]byte(msg))
	isReq := err == nil && env.Tag == protocol.TagReq
	var subID string
	if isReq {
		subID, _ = env.SubscriptionID()
	}

	entries := m.registry.List()
	results := make([][]string, len(entries))

	p := pool.New().WithMaxGoroutines(max(1, len(entries))).WithContext(ctx)
	for i, entry := range entries {
		p.Go(func(ctx context.Context) error {
			results[i] = m.dispatch(ctx, entry, msg, isReq)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	return merge(results, isReq, subID), nil
}

func (m *Manager) dispatch(ctx context.Context, entry *Entry, msg string, isReq bool) []string {
	var (
		msgs []string
		err  error
	)
	if isReq {
		msgs, err = entry.Cassette.Collect(ctx, msg)
	} else {
		var resp cassette.Response
		resp, err = entry.Cassette.Send(ctx, msg)
		msgs = resp.Messages()
	}
	if err == nil {
		return msgs
	}

	m.logger.Error("Cassette failed",
		zap.String("name", entry.Name()),
		zap.Error(err),
	)

	var trapErr *wasm.TrapError
	if errors.As(err, &trapErr) {
		if rmErr := m.Remove(ctx, entry.Name()); rmErr == nil {
			m.logger.Warn("Evicted cassette after trap", zap.String("name", entry.Name()))
		}
	}
	return []string{abi.NoticeSendFailed}
}

func merge(results [][]string, isReq bool, subID string) []string {
	seen := make(map[string]struct{})
	out := []string{}

	for _, msgs := range results {
		for _, msg := range msgs {
			env, err := protocol.Decode([]byte(msg))
			if err != nil {
				// Opaque guest text is surfaced as a notice.
				out = append(out, protocol.Notice(msg))
				continue
			}

			switch env.Tag {
			case protocol.TagEOSE:
				if isReq {
					continue
				}
			case protocol.TagEvent:
				if id, ok := env.EventID(); ok {
					if _, dup := seen[id]; dup {
						continue
					}
					seen[id] = struct{}{}
				}
			}
			out = append(out, msg)
		}
	}

	if isReq {
		out = append(out, protocol.EOSE(subID))
	}
	return out
}

// Shutdown closes every cassette and then the runtime.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down deck")

	for _, entry := range m.registry.List() {
		if _, ok := m.registry.Unregister(entry.Name()); !ok {
			continue
		}
		if err := entry.Cassette.Close(ctx); err != nil {
			m.logger.Warn("Failed to close cassette",
				zap.String("name", entry.Name()),
				zap.Error(err),
			)
		}
	}

	if err := m.runtime.Close(ctx); err != nil {
		m.logger.Error("Failed to shutdown runtime", zap.Error(err))
		return err
	}

	m.logger.Info("Deck shutdown complete")
	return nil
}

// Registry returns the cassette registry (for testing/inspection).
func (m *Manager) Registry() *Registry {
	return m.registry
}

// IsLoaded returns whether LoadAll has run.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}
