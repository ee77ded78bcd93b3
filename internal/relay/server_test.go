package relay

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/nostr-cassette/internal/config"
	"github.com/woxQAQ/nostr-cassette/internal/wasm/wasmtest"
)

const (
	event1 = `["EVENT","sub1",{"id":"e1","kind":1}]`
	event2 = `["EVENT","sub1",{"id":"e2","kind":1}]`
	eose   = `["EOSE","sub1"]`
)

func newTestServer(t *testing.T, guests map[string]wasmtest.Guest) *Server {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	for name, g := range guests {
		wasmtest.WriteFile(t, dir, name+".wasm", g)
	}

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.CassettePaths = []string{dir}

	server, err := NewServer(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { server.Close(ctx) })

	return server
}

func TestServeStdio(t *testing.T) {
	server := newTestServer(t, map[string]wasmtest.Guest{
		"alpha": {Replies: []wasmtest.Reply{
			wasmtest.Text(event1 + "\n" + event2 + "\n" + eose),
			wasmtest.Text(`["NOTICE","closed"]`),
		}},
	})
	require.Equal(t, 1, server.Deck().Registry().Count())

	input := strings.Join([]string{
		`["REQ","sub1",{"limit":2}]`,
		"",
		"   ",
		`["CLOSE","sub1"]`,
	}, "\n")

	var out bytes.Buffer
	err := server.ServeStdio(context.Background(), strings.NewReader(input), &out)
	require.NoError(t, err)

	assert.Equal(t, []string{
		event1,
		event2,
		eose,
		`["NOTICE","closed"]`,
	}, strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n"))
}

func TestServeStdioEmptyDeck(t *testing.T) {
	server := newTestServer(t, nil)

	var out bytes.Buffer
	err := server.ServeStdio(context.Background(), strings.NewReader(`["REQ","sub1",{}]`+"\n"), &out)
	require.NoError(t, err)

	assert.Equal(t, eose+"\n", out.String())
}

func TestServeStdioStopsOnCancel(t *testing.T) {
	server := newTestServer(t, nil)

	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.ServeStdio(ctx, r, io.Discard)
	}()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ServeStdio did not return after cancellation")
	}
}

func TestServeStdioLineTooLong(t *testing.T) {
	server := newTestServer(t, nil)

	long := strings.Repeat("x", MaxLineSize+1)
	err := server.ServeStdio(context.Background(), strings.NewReader(long), io.Discard)
	assert.Error(t, err)
}
