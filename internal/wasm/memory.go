package wasm

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"

	abi "github.com/woxQAQ/nostr-cassette/api/wasm"
)

// MemoryManager marshals strings across the host/guest boundary using the
// guest's alloc_string/dealloc_string exports.
//
// Guest results are read in one of two encodings:
//   - MSGB frame: "MSGB", little-endian u32 length, payload
//   - null-terminated bytes
//
// A frame whose declared length runs past the end of memory is read as a
// null-terminated string instead.
//
// The manager is not safe for concurrent use; the owning cassette serializes
// every call.
type MemoryManager struct {
	mem     api.Memory
	exports *ExportTable

	allocs   atomic.Uint64
	deallocs atomic.Uint64
}

// NewMemoryManager creates a memory manager over an instance's exports.
func NewMemoryManager(instance *Instance) *MemoryManager {
	return &MemoryManager{
		mem:     instance.exports.Memory,
		exports: instance.exports,
	}
}

// WriteString allocates len(data) bytes in the guest and copies data there.
// No terminator is appended. On success the caller owns the deallocation;
// if the copy fails the block is released here.
func (m *MemoryManager) WriteString(ctx context.Context, data []byte) (uint32, error) {
	length := uint32(len(data))

	results, err := m.exports.AllocString.Call(ctx, api.EncodeU32(length))
	if err != nil {
		return 0, &AllocationError{Length: length, Err: err}
	}
	ptr := api.DecodeU32(results[0])
	if ptr == 0 {
		return 0, &AllocationError{Length: length}
	}
	m.allocs.Add(1)

	if !m.mem.Write(ptr, data) {
		m.Deallocate(ctx, ptr, length)
		return 0, &MemoryAccessError{
			Operation: "write",
			Address:   ptr,
			Length:    length,
			Err:       errors.New("out of bounds"),
		}
	}

	return ptr, nil
}

// ReadString reads the string at ptr, preferring MSGB framing and falling
// back to a null-terminated read. The returned slice is a copy.
func (m *MemoryManager) ReadString(ptr uint32) ([]byte, error) {
	if ptr == 0 {
		return nil, &NullPointerError{Function: "read_string"}
	}

	size := m.mem.Size()
	if ptr >= size {
		return []byte{}, nil
	}

	if payload, ok := m.readFrame(ptr, size); ok {
		return payload, nil
	}

	tail, ok := m.mem.Read(ptr, size-ptr)
	if !ok {
		return nil, &MemoryAccessError{
			Operation: "read",
			Address:   ptr,
			Length:    size - ptr,
			Err:       errors.New("out of bounds"),
		}
	}
	if i := bytes.IndexByte(tail, 0); i >= 0 {
		tail = tail[:i]
	}
	return bytes.Clone(tail), nil
}

func (m *MemoryManager) readFrame(ptr, size uint32) ([]byte, bool) {
	if uint64(ptr)+abi.FrameHeaderSize > uint64(size) {
		return nil, false
	}
	magic, ok := m.mem.Read(ptr, 4)
	if !ok || string(magic) != abi.FrameMagic {
		return nil, false
	}
	length, ok := m.mem.ReadUint32Le(ptr + 4)
	if !ok {
		return nil, false
	}
	if uint64(ptr)+abi.FrameHeaderSize+uint64(length) > uint64(size) {
		return nil, false
	}
	payload, ok := m.mem.Read(ptr+abi.FrameHeaderSize, length)
	if !ok {
		return nil, false
	}
	return bytes.Clone(payload), true
}

// AllocationSize asks the guest how large the block at ptr is. Without
// get_allocation_size, or when it fails, fallback is returned. A zero
// answer is passed through unchanged.
func (m *MemoryManager) AllocationSize(ctx context.Context, ptr, fallback uint32) uint32 {
	if m.exports.GetAllocationSize == nil {
		return fallback
	}
	results, err := m.exports.GetAllocationSize.Call(ctx, api.EncodeU32(ptr))
	if err != nil {
		return fallback
	}
	return api.DecodeU32(results[0])
}

// Deallocate calls dealloc_string when the guest exports it. Guest errors
// are swallowed. It reports whether an attempt was made.
func (m *MemoryManager) Deallocate(ctx context.Context, ptr, size uint32) bool {
	if m.exports.DeallocString == nil {
		return false
	}
	_, _ = m.exports.DeallocString.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(size))
	m.deallocs.Add(1)
	return true
}

// Size returns the current size of guest memory in bytes.
func (m *MemoryManager) Size() uint32 {
	return m.mem.Size()
}

// Allocations returns the number of successful alloc_string calls.
func (m *MemoryManager) Allocations() uint64 {
	return m.allocs.Load()
}

// Deallocations returns the number of dealloc_string attempts.
func (m *MemoryManager) Deallocations() uint64 {
	return m.deallocs.Load()
}
