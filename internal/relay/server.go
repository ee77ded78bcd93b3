package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	abi "github.com/woxQAQ/nostr-cassette/api/wasm"
	"github.com/woxQAQ/nostr-cassette/internal/config"
	"github.com/woxQAQ/nostr-cassette/internal/deck"
	"github.com/woxQAQ/nostr-cassette/internal/wasm"
)

// MaxLineSize bounds a single inbound protocol message.
const MaxLineSize = 16 << 20

// Server relays protocol messages between a line-oriented stream and a deck
// of cassettes.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	deck   *deck.Manager
}

// NewServer creates the runtime, loads every configured cassette and
// returns a server ready to serve.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	runtime, err := wasm.NewRuntime(ctx, logger, cfg.RuntimeConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	manager := deck.NewManager(cfg, runtime, logger)
	if err := manager.LoadAll(ctx); err != nil {
		_ = manager.Shutdown(ctx)
		return nil, fmt.Errorf("failed to load cassettes: %w", err)
	}

	logger.Info("Relay server initialized",
		zap.Int("cassettes", manager.Registry().Count()),
		zap.Uint32("wasm_memory_pages", cfg.Wasm.MemoryPages),
		zap.String("wasm_cache_dir", cfg.Wasm.CacheDir),
	)

	return &Server{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "relay")),
		deck:   manager,
	}, nil
}

// Deck returns the deck behind the server.
func (s *Server) Deck() *deck.Manager {
	return s.deck
}

// Close gracefully shuts down the server.
func (s *Server) Close(ctx context.Context) error {
	s.logger.Info("Shutting down relay server")

	if err := s.deck.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown deck", zap.Error(err))
		return err
	}

	s.logger.Info("Relay server shutdown complete")
	return nil
}

// ServeStdio reads one message per line from r and writes each reply message
// on its own line to w. It returns when r is exhausted or ctx is done.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	out := bufio.NewWriter(w)
	handled := 0

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Relay stopped", zap.Int("handled", handled))
			return nil
		case line, ok := <-lines:
			if !ok {
				s.logger.Info("Input closed", zap.Int("handled", handled))
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if err := s.handle(ctx, line, out); err != nil {
				return err
			}
			handled++
		}
	}
}

func (s *Server) handle(ctx context.Context, line string, out *bufio.Writer) error {
	s.logger.Debug("Dispatching message", zap.Int("bytes", len(line)))

	replies, err := s.deck.Send(ctx, line)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Error("Dispatch failed", zap.Error(err))
		replies = []string{abi.NoticeSendFailed}
	}

	for _, reply := range replies {
		if _, err := out.WriteString(reply); err != nil {
			return fmt.Errorf("failed to write reply: %w", err)
		}
		if err := out.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write reply: %w", err)
		}
	}
	return out.Flush()
}
