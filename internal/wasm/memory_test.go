package wasm

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/nostr-cassette/internal/wasm/wasmtest"
)

func TestMemoryRoundTripThroughEcho(t *testing.T) {
	ctx := context.Background()
	instance := newTestInstance(t, zaptest.NewLogger(t), wasmtest.Guest{SendMode: wasmtest.SendEcho})
	mem := NewMemoryManager(instance)

	inputs := [][]byte{
		[]byte(`["REQ","sub",{"limit":1}]`),
		[]byte("with\x00embedded nul"),
		bytes.Repeat([]byte("x"), 4096),
	}

	for _, input := range inputs {
		ptr, err := mem.WriteString(ctx, input)
		if err != nil {
			t.Fatalf("WriteString failed: %v", err)
		}

		results, err := instance.Exports().Send.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(uint32(len(input))))
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}

		got, err := mem.ReadString(api.DecodeU32(results[0]))
		if err != nil {
			t.Fatalf("ReadString failed: %v", err)
		}
		if !bytes.Equal(got, input) {
			t.Errorf("Round trip = %q, want %q", got, input)
		}
	}

	if n := mem.Allocations(); n != uint64(len(inputs)) {
		t.Errorf("Allocations() = %d, want %d", n, len(inputs))
	}
}

func TestReadStringEncodings(t *testing.T) {
	guest := wasmtest.Guest{
		Replies: []wasmtest.Reply{
			wasmtest.Text("hello"),
			wasmtest.Framed("a\x00b"),
			// Declared length runs far past the end of memory.
			wasmtest.Raw([]byte("MSGB\xf0\xff\xff\xffabc\x00")),
			wasmtest.Framed(""),
		},
	}
	instance := newTestInstance(t, zaptest.NewLogger(t), guest)
	mem := NewMemoryManager(instance)

	tests := []struct {
		name  string
		index int
		want  string
	}{
		{"null terminated", 0, "hello"},
		{"framed with nul", 1, "a\x00b"},
		{"oversized frame falls back", 2, "MSGB\xf0\xff\xff\xffabc"},
		{"empty frame", 3, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mem.ReadString(wasmtest.ReplyPointer(guest, tt.index))
			if err != nil {
				t.Fatalf("ReadString failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("ReadString = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadStringBoundaries(t *testing.T) {
	instance := newTestInstance(t, zaptest.NewLogger(t), wasmtest.Guest{})
	mem := NewMemoryManager(instance)

	t.Run("null pointer", func(t *testing.T) {
		_, err := mem.ReadString(0)
		var target *NullPointerError
		if !errors.As(err, &target) {
			t.Errorf("Expected NullPointerError, got %v", err)
		}
	})

	t.Run("past end", func(t *testing.T) {
		got, err := mem.ReadString(mem.Size())
		if err != nil {
			t.Fatalf("ReadString failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("Expected empty read, got %q", got)
		}
	})

	t.Run("unterminated at end", func(t *testing.T) {
		ptr := mem.Size() - 3
		if !instance.Exports().Memory.Write(ptr, []byte("xyz")) {
			t.Fatal("Failed to write tail")
		}
		got, err := mem.ReadString(ptr)
		if err != nil {
			t.Fatalf("ReadString failed: %v", err)
		}
		if string(got) != "xyz" {
			t.Errorf("ReadString = %q, want xyz", got)
		}
	})
}

func TestWriteStringAllocFailure(t *testing.T) {
	instance := newTestInstance(t, zaptest.NewLogger(t), wasmtest.Guest{AllocFails: true})
	mem := NewMemoryManager(instance)

	_, err := mem.WriteString(context.Background(), []byte("payload"))

	var allocErr *AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("Expected AllocationError, got %v", err)
	}
	if allocErr.Length != 7 {
		t.Errorf("Length = %d, want 7", allocErr.Length)
	}
	if mem.Allocations() != 0 {
		t.Error("Failed allocation should not be counted")
	}
}

func TestWriteStringReleasesBlockOnCopyFailure(t *testing.T) {
	ctx := context.Background()
	instance := newTestInstance(t, zaptest.NewLogger(t), wasmtest.Guest{})
	mem := NewMemoryManager(instance)

	oversized := make([]byte, mem.Size()+1)
	_, err := mem.WriteString(ctx, oversized)

	var accessErr *MemoryAccessError
	if !errors.As(err, &accessErr) {
		t.Fatalf("Expected MemoryAccessError, got %v", err)
	}
	if mem.Allocations() != 1 || mem.Deallocations() != 1 {
		t.Errorf("allocations=%d deallocations=%d, want 1 and 1", mem.Allocations(), mem.Deallocations())
	}

	calls := wasmtest.Deallocs(instance.Exports().Memory)
	if len(calls) != 1 || calls[0] != (wasmtest.Dealloc{Ptr: accessErr.Address, Len: uint32(len(oversized))}) {
		t.Errorf("Recorded deallocs = %v", calls)
	}
}

func TestAllocationSize(t *testing.T) {
	ctx := context.Background()

	withExport := NewMemoryManager(newTestInstance(t, zaptest.NewLogger(t), wasmtest.Guest{AllocationSize: 64}))
	if got := withExport.AllocationSize(ctx, 4096, 10); got != 64 {
		t.Errorf("AllocationSize = %d, want 64", got)
	}

	withoutExport := NewMemoryManager(newTestInstance(t, zaptest.NewLogger(t), wasmtest.Guest{}))
	if got := withoutExport.AllocationSize(ctx, 4096, 10); got != 10 {
		t.Errorf("AllocationSize fallback = %d, want 10", got)
	}
}

func TestDeallocate(t *testing.T) {
	ctx := context.Background()

	instance := newTestInstance(t, zaptest.NewLogger(t), wasmtest.Guest{})
	mem := NewMemoryManager(instance)

	if !mem.Deallocate(ctx, 20000, 7) {
		t.Fatal("Deallocate should report an attempt")
	}

	calls := wasmtest.Deallocs(instance.Exports().Memory)
	if len(calls) != 1 || calls[0] != (wasmtest.Dealloc{Ptr: 20000, Len: 7}) {
		t.Errorf("Recorded deallocs = %v", calls)
	}
	if mem.Deallocations() != 1 {
		t.Errorf("Deallocations() = %d, want 1", mem.Deallocations())
	}

	noDealloc := NewMemoryManager(newTestInstance(t, zaptest.NewLogger(t), wasmtest.Guest{NoDealloc: true}))
	if noDealloc.Deallocate(ctx, 20000, 7) {
		t.Error("Deallocate without export should report no attempt")
	}
}
