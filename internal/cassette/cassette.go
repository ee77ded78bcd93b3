// Package cassette loads nostr cassettes, self-contained Wasm modules that
// answer relay protocol requests from an embedded event set, and dispatches
// messages to them.
package cassette

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/nostr-cassette/api/wasm"
	"github.com/woxQAQ/nostr-cassette/internal/wasm"
	"github.com/woxQAQ/nostr-cassette/pkg/protocol"
)

// DefaultMaxCollectRounds bounds Collect when Options leaves it unset.
const DefaultMaxCollectRounds = 1000

// Options configures loading.
type Options struct {
	// Debug logs dropped messages, duplicates and resets at debug level.
	Debug bool

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Runtime is shared when set. Otherwise the cassette creates its own
	// from RuntimeConfig and closes it on Close.
	Runtime       *wasm.Runtime
	RuntimeConfig *wasm.RuntimeConfig

	// MaxCollectRounds bounds the guest calls made by one Collect.
	MaxCollectRounds int
}

// Cassette is an instantiated cassette module. All methods are safe for
// concurrent use; guest calls are strictly serialized.
type Cassette struct {
	mu sync.Mutex

	name string
	path string
	size int64

	runtime     *wasm.Runtime
	ownsRuntime bool
	instance    *wasm.Instance
	exports     *wasm.ExportTable
	memory      *wasm.MemoryManager

	tracker   *EventTracker
	processor *MessageProcessor

	logger    *zap.Logger
	debug     bool
	maxRounds int

	sends  uint64
	closed bool
}

// Stats is a snapshot of host-observed guest activity.
type Stats struct {
	MemoryPages   uint32
	MemoryBytes   uint32
	Allocations   uint64
	Deallocations uint64
	Sends         uint64
}

// Load loads a cassette from a .wasm file.
func Load(ctx context.Context, path string, opts Options) (*Cassette, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, &InvalidCassetteError{Path: path, Err: err}
	}
	return load(ctx, &wasm.FileModuleSource{Path: path}, path, stat.Size(), opts)
}

// LoadBytes loads a cassette from in-memory Wasm. name identifies the module
// in the runtime's compile cache and in logs.
func LoadBytes(ctx context.Context, name string, data []byte, opts Options) (*Cassette, error) {
	source := &wasm.MemoryModuleSource{ModuleName: name, Data: data}
	return load(ctx, source, name, int64(len(data)), opts)
}

func load(ctx context.Context, source wasm.ModuleSource, path string, size int64, opts Options) (*Cassette, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	runtime := opts.Runtime
	ownsRuntime := false
	if runtime == nil {
		var err error
		runtime, err = wasm.NewRuntime(ctx, logger, opts.RuntimeConfig)
		if err != nil {
			return nil, &InvalidCassetteError{Path: path, Err: err}
		}
		ownsRuntime = true
	}

	fail := func(err error) (*Cassette, error) {
		if ownsRuntime {
			_ = runtime.Close(ctx)
		}
		return nil, &InvalidCassetteError{Path: path, Err: err}
	}

	loader := wasm.NewModuleLoader(runtime, logger)
	if _, err := loader.LoadModule(ctx, source); err != nil {
		return fail(err)
	}

	instanceMgr := wasm.NewInstanceManager(runtime, wasm.NewHostFunctions(logger), logger)
	instance, err := instanceMgr.Instantiate(ctx, &wasm.InstanceConfig{ModuleName: source.Name()})
	if err != nil {
		return fail(err)
	}

	maxRounds := opts.MaxCollectRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxCollectRounds
	}

	name := filepath.Base(path)
	cLogger := logger.With(
		zap.String("component", "cassette"),
		zap.String("cassette", name),
	)

	tracker := NewEventTracker()
	c := &Cassette{
		name:        name,
		path:        path,
		size:        size,
		runtime:     runtime,
		ownsRuntime: ownsRuntime,
		instance:    instance,
		exports:     instance.Exports(),
		memory:      wasm.NewMemoryManager(instance),
		tracker:     tracker,
		processor:   NewMessageProcessor(tracker, cLogger, opts.Debug),
		logger:      cLogger,
		debug:       opts.Debug,
		maxRounds:   maxRounds,
	}

	cLogger.Info("Cassette loaded",
		zap.String("path", path),
		zap.String("size", humanize.IBytes(uint64(size))),
		zap.String("instance_id", instance.ID),
	)

	return c, nil
}

// Name returns the file name of the cassette.
func (c *Cassette) Name() string {
	return c.name
}

// Path returns the path or name the cassette was loaded from.
func (c *Cassette) Path() string {
	return c.path
}

// Size returns the module size in bytes.
func (c *Cassette) Size() int64 {
	return c.size
}

// Send dispatches one protocol message to the guest.
//
// A REQ clears the dedup state first; any other message, including one that
// does not parse, is forwarded unchanged. A null result pointer becomes a
// NOTICE. Allocation failures and engine traps are returned as errors; after
// a trap the cassette should be discarded.
func (c *Cassette) Send(ctx context.Context, msg string) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Response{}, ErrClosed
	}

	if env, err := protocol.Decode([]byte(msg)); err == nil && env.Tag == protocol.TagReq {
		c.resetTracker(env)
	}

	raw, err := c.invoke(ctx, []byte(msg))
	if err != nil {
		var nullErr *wasm.NullPointerError
		if errors.As(err, &nullErr) {
			return SingleResponse(abi.NoticeSendNull), nil
		}
		return Response{}, err
	}

	return c.processor.Process(raw), nil
}

// Collect runs a REQ to completion. Dedup state is cleared once, then the
// guest is called with the same message until it answers with EOSE, a round
// yields no new EVENT, or the round limit is hit. The result always ends
// with exactly one EOSE for the subscription.
func (c *Cassette) Collect(ctx context.Context, msg string) ([]string, error) {
	env, err := protocol.Decode([]byte(msg))
	if err != nil || env.Tag != protocol.TagReq {
		return nil, ErrNotReq
	}
	subID, _ := env.SubscriptionID()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	c.resetTracker(env)

	var out []string
	for round := 0; round < c.maxRounds; round++ {
		raw, err := c.invoke(ctx, []byte(msg))
		if err != nil {
			var nullErr *wasm.NullPointerError
			if errors.As(err, &nullErr) {
				out = append(out, abi.NoticeSendNull)
				break
			}
			return out, err
		}

		msgs, done := collectRound(c.processor.Process(raw))
		out = append(out, msgs...)
		if done {
			break
		}
	}

	return append(out, protocol.EOSE(subID)), nil
}

// collectRound strips EOSE from one round and reports whether collection
// should stop.
func collectRound(resp Response) ([]string, bool) {
	var (
		out    []string
		events int
		done   bool
	)
	for _, m := range resp.Messages() {
		env, err := protocol.Decode([]byte(m))
		if err != nil {
			// Opaque guest reply; nothing more will come of repeating it.
			out = append(out, m)
			done = true
			continue
		}
		switch env.Tag {
		case protocol.TagEOSE:
			done = true
		case protocol.TagEvent:
			events++
			out = append(out, m)
		default:
			out = append(out, m)
		}
	}
	return out, done || events == 0
}

func (c *Cassette) resetTracker(env *protocol.Envelope) {
	if c.debug {
		subID, _ := env.SubscriptionID()
		c.logger.Debug("Resetting event tracker",
			zap.String("subscription", subID),
			zap.Int("tracked", c.tracker.Len()),
		)
	}
	c.tracker.Reset()
}

// invoke writes msg into the guest, calls send and reads the result. The
// input buffer is freed after the call whatever its outcome; a non-null
// result is freed once after it has been read.
func (c *Cassette) invoke(ctx context.Context, msg []byte) ([]byte, error) {
	length := uint32(len(msg))

	inPtr, err := c.memory.WriteString(ctx, msg)
	if err != nil {
		return nil, err
	}

	results, callErr := c.exports.Send.Call(ctx, api.EncodeU32(inPtr), api.EncodeU32(length))
	c.memory.Deallocate(ctx, inPtr, length)
	c.sends++

	if callErr != nil {
		c.logger.Error("Guest send trapped", zap.Error(callErr))
		return nil, &wasm.TrapError{Function: abi.ExportSend, Err: callErr}
	}

	outPtr := api.DecodeU32(results[0])
	if outPtr == 0 {
		return nil, &wasm.NullPointerError{Function: abi.ExportSend}
	}

	raw, err := c.takeString(ctx, outPtr)
	if err != nil {
		return nil, err
	}

	if c.debug {
		c.logger.Debug("Guest reply",
			zap.Int("request_bytes", len(msg)),
			zap.Int("reply_bytes", len(raw)),
		)
	}
	return raw, nil
}

// takeString reads a guest-owned result and releases it.
func (c *Cassette) takeString(ctx context.Context, ptr uint32) ([]byte, error) {
	data, err := c.memory.ReadString(ptr)
	size := c.memory.AllocationSize(ctx, ptr, uint32(len(data)))
	c.memory.Deallocate(ctx, ptr, size)
	return data, err
}

// callString invokes a no-argument export returning a string pointer.
// It returns "" on a trap, a null pointer or a failed read.
func (c *Cassette) callString(ctx context.Context, fn api.Function, name string) string {
	results, err := fn.Call(ctx)
	if err != nil {
		c.logger.Warn("Guest call failed", zap.String("function", name), zap.Error(err))
		return ""
	}
	ptr := api.DecodeU32(results[0])
	if ptr == 0 {
		return ""
	}
	data, err := c.takeString(ctx, ptr)
	if err != nil {
		return ""
	}
	return string(data)
}

// Describe returns a human-readable description. Without a describe export
// (or when it yields nothing) the description is derived from Info.
// It never fails.
func (c *Cassette) Describe(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return abi.DescribeStub
	}

	if c.exports.Describe != nil {
		if s := c.callString(ctx, c.exports.Describe, abi.ExportDescribe); s != "" {
			return s
		}
	}

	meta, err := ParseMetadata(c.infoLocked(ctx))
	if err != nil {
		return abi.DescribeStub
	}
	return meta.Summary()
}

// Info returns the guest's info() JSON, or {"supported_nips": []} when the
// export is absent or returns nothing.
func (c *Cassette) Info(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return abi.InfoStub
	}
	return c.infoLocked(ctx)
}

func (c *Cassette) infoLocked(ctx context.Context) string {
	if c.exports.Info == nil {
		return abi.InfoStub
	}
	if s := c.callString(ctx, c.exports.Info, abi.ExportInfo); s != "" {
		return s
	}
	return abi.InfoStub
}

// Metadata parses Info.
func (c *Cassette) Metadata(ctx context.Context) (*Metadata, error) {
	return ParseMetadata(c.Info(ctx))
}

// Stats returns memory and call counters.
func (c *Cassette) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	bytes := c.memory.Size()
	return Stats{
		MemoryPages:   bytes / 65536,
		MemoryBytes:   bytes,
		Allocations:   c.memory.Allocations(),
		Deallocations: c.memory.Deallocations(),
		Sends:         c.sends,
	}
}

// Close releases the instance, and the runtime when the cassette owns it.
// Safe to call multiple times.
func (c *Cassette) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	err := c.instance.Close(ctx)
	if c.ownsRuntime {
		if rtErr := c.runtime.Close(ctx); rtErr != nil && err == nil {
			err = rtErr
		}
	}

	c.logger.Info("Cassette closed", zap.Uint64("sends", c.sends))
	return err
}
