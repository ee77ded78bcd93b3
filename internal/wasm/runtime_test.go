package wasm

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestDefaultRuntimeConfig(t *testing.T) {
	got := DefaultRuntimeConfig()
	want := RuntimeConfig{MemoryPages: 256, MaxInstances: 100}
	if *got != want {
		t.Errorf("DefaultRuntimeConfig() = %+v, want %+v", *got, want)
	}
}

func TestNewRuntimeVariants(t *testing.T) {
	cacheDir := t.TempDir()
	tests := []struct {
		name      string
		config    *RuntimeConfig
		wantPages uint32
		wantCache bool
	}{
		{name: "nil config", wantPages: 256},
		{
			name: "everything on",
			config: &RuntimeConfig{
				MemoryPages:        128,
				DebugEnabled:       true,
				MaxInstances:       50,
				EnableWASI:         true,
				CloseOnContextDone: true,
			},
			wantPages: 128,
		},
		{
			name:      "on-disk cache",
			config:    &RuntimeConfig{MemoryPages: 32, CacheDir: cacheDir},
			wantPages: 32,
			wantCache: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			rt, err := NewRuntime(ctx, zaptest.NewLogger(t), tt.config)
			if err != nil {
				t.Fatalf("NewRuntime: %v", err)
			}
			if got := rt.Config().MemoryPages; got != tt.wantPages {
				t.Errorf("MemoryPages = %d, want %d", got, tt.wantPages)
			}
			if (rt.cache != nil) != tt.wantCache {
				t.Errorf("cache configured = %v, want %v", rt.cache != nil, tt.wantCache)
			}
			if rt.IsClosed() {
				t.Error("fresh runtime reports closed")
			}

			// Close twice; the second call is a no-op.
			for range 2 {
				if err := rt.Close(ctx); err != nil {
					t.Errorf("Close: %v", err)
				}
			}
			if !rt.IsClosed() {
				t.Error("IsClosed() = false after Close")
			}
		})
	}
}

func TestRuntimeContextCancellation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}

	cancel()

	err = runtime.Close(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Unexpected error when closing with cancelled context: %v", err)
	}
}

func TestRuntimeModuleCache(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	runtime.StoreCompiledModule(&CompiledModule{Name: "relay.wasm", Source: "relay.wasm", SizeBytes: 1024, CompiledAt: time.Now().Unix()})

	got, ok := runtime.GetCompiledModule("relay.wasm")
	if !ok || got.SizeBytes != 1024 {
		t.Fatalf("GetCompiledModule(relay.wasm) = %+v, %v", got, ok)
	}

	dup := &CompiledModule{Name: "relay.wasm"}
	if kept, fresh := runtime.adoptCompiledModule(dup); fresh || kept != got {
		t.Error("adoptCompiledModule replaced an existing entry")
	}

	if _, ok := runtime.GetCompiledModule("missing.wasm"); ok {
		t.Error("Unknown module should not be found")
	}
}

// fakeInstance records Close calls.
type fakeInstance struct {
	closed int
}

func (f *fakeInstance) Close(context.Context) error {
	f.closed++
	return nil
}

func TestRuntimeInstanceTracking(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	config := DefaultRuntimeConfig()
	config.MaxInstances = 2

	runtime, err := NewRuntime(ctx, logger, config)
	if err != nil {
		t.Fatal(err)
	}

	first, second := &fakeInstance{}, &fakeInstance{}
	if err := runtime.trackInstance("first", first); err != nil {
		t.Fatalf("trackInstance(first) failed: %v", err)
	}
	if err := runtime.trackInstance("second", second); err != nil {
		t.Fatalf("trackInstance(second) failed: %v", err)
	}

	if runtime.hasCapacity() {
		t.Error("Runtime should be at capacity")
	}

	var limitErr *InstanceLimitError
	if err := runtime.trackInstance("third", &fakeInstance{}); !errors.As(err, &limitErr) {
		t.Errorf("Expected InstanceLimitError, got %v", err)
	}

	runtime.DeleteInstance("first")
	if n := runtime.InstanceCount(); n != 1 {
		t.Errorf("InstanceCount() = %d, want 1", n)
	}

	if err := runtime.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if first.closed != 0 {
		t.Error("Untracked instance should not be closed by the runtime")
	}
	if second.closed != 1 {
		t.Errorf("Tracked instance closed %d times, want 1", second.closed)
	}
	if n := runtime.InstanceCount(); n != 0 {
		t.Errorf("InstanceCount() after close = %d, want 0", n)
	}
}

func TestRuntimeIsClosed(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}

	if runtime.IsClosed() {
		t.Error("Runtime should not be closed initially")
	}

	runtime.Close(ctx)

	if !runtime.IsClosed() {
		t.Error("Runtime should be closed after Close()")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "compilation",
			err:  &CompilationError{ModuleName: "test", Err: &testError{}},
			want: "compile test: test error",
		},
		{
			name: "instantiation",
			err:  &InstantiationError{ModuleName: "test", InstanceID: "inst-1", Err: &testError{}},
			want: "instantiate test as inst-1: test error",
		},
		{
			name: "module not found",
			err:  &ModuleNotFoundError{ModuleName: "test"},
			want: "no compiled module named test",
		},
		{
			name: "function not found",
			err:  &FunctionNotFoundError{ModuleName: "test", FunctionName: "send"},
			want: "test: missing export send()",
		},
		{
			name: "memory not found",
			err:  &MemoryNotFoundError{ModuleName: "test", ExportName: "memory"},
			want: `test: missing memory export "memory"`,
		},
		{
			name: "signature mismatch",
			err: &SignatureMismatchError{
				ModuleName:   "test",
				FunctionName: "send",
				Want:         signatureString([]string{"i32", "i32"}, []string{"i32"}),
				Got:          signatureString([]string{"i32"}, []string{"i32"}),
			},
			want: "test: export send() is (i32)->(i32), want (i32,i32)->(i32)",
		},
		{
			name: "allocation null",
			err:  &AllocationError{Length: 12},
			want: "guest allocation of 12 bytes failed: null pointer",
		},
		{
			name: "null pointer",
			err:  &NullPointerError{Function: "send"},
			want: "send() returned null pointer",
		},
		{
			name: "memory access",
			err:  &MemoryAccessError{Operation: "read", Address: 0x10, Length: 4, Err: &testError{}},
			want: "guest memory read of 4 bytes at 0x10: test error",
		},
		{
			name: "host import",
			err:  &HostFunctionError{FunctionName: "log_message", Err: &testError{}},
			want: "host import host.log_message: test error",
		},
		{
			name: "instance limit",
			err:  &InstanceLimitError{Limit: 2},
			want: "instance limit reached (2)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error message = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTrapErrorUnwrap(t *testing.T) {
	inner := &testError{}
	err := &TrapError{Function: "send", Err: inner}

	var target *testError
	if !errors.As(err, &target) {
		t.Error("TrapError should unwrap to its cause")
	}
}

type testError struct{}

func (*testError) Error() string { return "test error" }
