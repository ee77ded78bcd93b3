// Package wasm describes the ABI a cassette module exposes to its host.
//
// NOTE: uint32 is used for pointers and lengths on the host side because
// WebAssembly uses a 32-bit linear memory model. The guest declares them as
// i32; the host reinterprets the bits.
//
// Exports a cassette must provide:
//
//	memory                                 linear memory
//	alloc_string(len: i32) -> i32          0 on failure
//	send(ptr: i32, len: i32) -> i32        0 on failure
//
// Exports a cassette may provide:
//
//	describe() -> i32
//	info() -> i32
//	dealloc_string(ptr: i32, len: i32)
//	get_allocation_size(ptr: i32) -> i32
//
// A result pointer addresses either an MSGB frame ('M','S','G','B', LE u32
// length, payload) or a null-terminated UTF-8 string.
package wasm

// Export names.
const (
	ExportMemory            = "memory"
	ExportAllocString       = "alloc_string"
	ExportSend              = "send"
	ExportDescribe          = "describe"
	ExportInfo              = "info"
	ExportDeallocString     = "dealloc_string"
	ExportGetAllocationSize = "get_allocation_size"
)

// Host import module and functions offered to guests.
const (
	HostModuleName    = "host"
	HostLogMessage    = "log_message"
	HostLogLevelDebug = 0
	HostLogLevelInfo  = 1
	HostLogLevelWarn  = 2
	HostLogLevelError = 3
)

// MSGB framing.
const (
	FrameMagic      = "MSGB"
	FrameHeaderSize = 8
)

// Strings the host fabricates when a guest cannot answer.
const (
	NoticeSendNull   = `["NOTICE","send() returned null pointer"]`
	NoticeSendFailed = `["NOTICE","send() failed"]`
	InfoStub         = `{"supported_nips": []}`
	DescribeStub     = "Cassette module"
)
