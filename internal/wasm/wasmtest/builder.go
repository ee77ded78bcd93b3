// Package wasmtest assembles small cassette modules for tests. The modules
// speak the real cassette ABI and run on wazero, so tests exercise the full
// host/guest boundary without an external toolchain.
//
// Memory layout of a built guest:
//
//	16                dealloc_string call counter (u32)
//	32 .. 2080        ring of the last 256 dealloc_string calls, (ptr, len) pairs
//	2560              table of send() reply pointers
//	4096 ..           static data (replies, describe, info)
//	heap ..           bump allocator used by alloc_string, wraps at memory end
package wasmtest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/tetratelabs/wazero/api"

	abi "github.com/woxQAQ/nostr-cassette/api/wasm"
)

// Fixed addresses inside a built guest.
const (
	DeallocCountAddr  = 16
	DeallocLogAddr    = 32
	DeallocLogEntries = 256
	ReplyTableAddr    = 2560
	DataAddr          = 4096
	MinHeapAddr       = 16384
)

// SendMode selects how the guest's send export behaves.
type SendMode int

const (
	// SendTable returns Replies in order; the last reply repeats.
	SendTable SendMode = iota
	// SendEcho copies the request into a fresh MSGB frame.
	SendEcho
	// SendNull returns pointer 0.
	SendNull
	// SendTrap executes unreachable.
	SendTrap
)

// Reply is a static string placed in guest memory.
type Reply struct {
	Text   string
	Framed bool
	// Raw, when set, is placed verbatim with no framing or terminator.
	Raw []byte
}

// Text returns a null-terminated reply.
func Text(s string) Reply { return Reply{Text: s} }

// Framed returns an MSGB-framed reply.
func Framed(s string) Reply { return Reply{Text: s, Framed: true} }

// Raw returns a reply placed byte-for-byte.
func Raw(b []byte) Reply { return Reply{Raw: b} }

func (r Reply) bytes() []byte {
	if r.Raw != nil {
		return r.Raw
	}
	if !r.Framed {
		return append([]byte(r.Text), 0)
	}
	out := make([]byte, abi.FrameHeaderSize, abi.FrameHeaderSize+len(r.Text)+1)
	copy(out, abi.FrameMagic)
	binary.LittleEndian.PutUint32(out[4:], uint32(len(r.Text)))
	out = append(out, r.Text...)
	return append(out, 0)
}

// Guest describes a cassette module.
type Guest struct {
	SendMode SendMode
	Replies  []Reply

	// Describe and Info add the optional exports when non-nil.
	Describe *Reply
	Info     *Reply
	// InfoNull exports info() returning 0.
	InfoNull bool

	// AllocationSize > 0 exports get_allocation_size returning it.
	AllocationSize uint32

	NoDealloc        bool
	AllocFails       bool
	BadSendSignature bool

	// LogOnDescribe makes describe() import and call host.log_message at
	// info level with this text before returning.
	LogOnDescribe string

	// Omit drops exports by name, including "memory".
	Omit []string
}

// Build assembles the guest into a wasm binary.
func Build(g Guest) []byte {
	b := &builder{}
	return b.build(g)
}

// WriteFile builds the guest into dir/name and returns the path.
func WriteFile(t testing.TB, dir, name string, g Guest) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, Build(g), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Dealloc is one recorded dealloc_string call.
type Dealloc struct {
	Ptr uint32
	Len uint32
}

// Deallocs returns the dealloc_string calls recorded by a built guest, oldest
// first, limited to the most recent DeallocLogEntries.
func Deallocs(mem api.Memory) []Dealloc {
	count, ok := mem.ReadUint32Le(DeallocCountAddr)
	if !ok {
		return nil
	}
	start := uint32(0)
	if count > DeallocLogEntries {
		start = count - DeallocLogEntries
	}
	out := make([]Dealloc, 0, count-start)
	for i := start; i < count; i++ {
		addr := uint32(DeallocLogAddr) + (i%DeallocLogEntries)*8
		ptr, _ := mem.ReadUint32Le(addr)
		n, _ := mem.ReadUint32Le(addr + 4)
		out = append(out, Dealloc{Ptr: ptr, Len: n})
	}
	return out
}

// ReplyPointer returns the guest address of Replies[i] in a module built
// from g.
func ReplyPointer(g Guest, i int) uint32 {
	b := &builder{}
	b.layout(g)
	return b.replyPtrs[i]
}

type function struct {
	name    string
	params  []byte
	results []byte
	locals  int
	body    []byte
}

type segment struct {
	addr uint32
	data []byte
}

type builder struct {
	next      uint32
	segments  []segment
	replyPtrs []uint32
	descPtr   uint32
	infoPtr   uint32
	logPtr    uint32
	heapStart uint32
	memBytes  uint32
}

func (b *builder) place(data []byte) uint32 {
	addr := b.next
	b.segments = append(b.segments, segment{addr: addr, data: data})
	b.next += uint32(len(data))
	b.next = (b.next + 15) &^ 15
	return addr
}

func (b *builder) layout(g Guest) {
	b.next = DataAddr
	for _, r := range g.Replies {
		b.replyPtrs = append(b.replyPtrs, b.place(r.bytes()))
	}
	if g.Describe != nil {
		b.descPtr = b.place(g.Describe.bytes())
	}
	if g.Info != nil {
		b.infoPtr = b.place(g.Info.bytes())
	}
	if g.LogOnDescribe != "" {
		b.logPtr = b.place([]byte(g.LogOnDescribe))
	}

	if len(b.replyPtrs) > 0 {
		table := make([]byte, 4*len(b.replyPtrs))
		for i, p := range b.replyPtrs {
			binary.LittleEndian.PutUint32(table[4*i:], p)
		}
		b.segments = append(b.segments, segment{addr: ReplyTableAddr, data: table})
	}

	b.heapStart = b.next
	if b.heapStart < MinHeapAddr {
		b.heapStart = MinHeapAddr
	}
	pages := (b.heapStart + 65536 + 65535) / 65536
	b.memBytes = pages * 65536
}

func (b *builder) omitted(g Guest, name string) bool {
	for _, n := range g.Omit {
		if n == name {
			return true
		}
	}
	return false
}

func (b *builder) build(g Guest) []byte {
	b.layout(g)

	var imports []function
	if g.LogOnDescribe != "" {
		imports = append(imports, function{name: abi.HostLogMessage, params: []byte{valI32, valI32, valI32}})
	}
	base := uint32(len(imports))
	allocIdx := base

	funcs := []function{b.allocFunc(g)}
	funcs = append(funcs, b.sendFunc(g, allocIdx))
	if g.Describe != nil {
		funcs = append(funcs, b.describeFunc(g))
	}
	if g.Info != nil || g.InfoNull {
		funcs = append(funcs, function{
			name: abi.ExportInfo, results: []byte{valI32},
			body: code(i32Const(int32(b.infoPtr))),
		})
	}
	if !g.NoDealloc {
		funcs = append(funcs, deallocFunc())
	}
	if g.AllocationSize > 0 {
		funcs = append(funcs, function{
			name: abi.ExportGetAllocationSize, params: []byte{valI32}, results: []byte{valI32},
			body: code(i32Const(int32(g.AllocationSize))),
		})
	}

	var typeSec, importSec, funcSec, exportSec, codeSec, dataSec [][]byte

	for i, f := range imports {
		typeSec = append(typeSec, funcType(f.params, f.results))
		importSec = append(importSec, concat(name(abi.HostModuleName), name(f.name), []byte{0x00}, uleb(uint64(i))))
	}
	for i, f := range funcs {
		typeIdx := uint32(len(imports) + i)
		typeSec = append(typeSec, funcType(f.params, f.results))
		funcSec = append(funcSec, uleb(uint64(typeIdx)))

		var locals []byte
		if f.locals > 0 {
			locals = concat(uleb(1), uleb(uint64(f.locals)), []byte{valI32})
		} else {
			locals = uleb(0)
		}
		body := concat(locals, f.body)
		codeSec = append(codeSec, concat(uleb(uint64(len(body))), body))

		if !b.omitted(g, f.name) {
			exportSec = append(exportSec, concat(name(f.name), []byte{0x00}, uleb(uint64(base)+uint64(i))))
		}
	}
	if !b.omitted(g, abi.ExportMemory) {
		exportSec = append(exportSec, concat(name(abi.ExportMemory), []byte{0x02}, uleb(0)))
	}

	for _, s := range b.segments {
		dataSec = append(dataSec, concat([]byte{0x00}, i32Const(int32(s.addr)), []byte{opEnd}, uleb(uint64(len(s.data))), s.data))
	}

	memSec := [][]byte{concat([]byte{0x00}, uleb(uint64(b.memBytes/65536)))}
	globalSec := [][]byte{
		concat([]byte{valI32, 0x01}, i32Const(int32(b.heapStart)), []byte{opEnd}),
		concat([]byte{valI32, 0x01}, i32Const(0), []byte{opEnd}),
	}

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, typeSec)...)
	if len(importSec) > 0 {
		out = append(out, section(2, importSec)...)
	}
	out = append(out, section(3, funcSec)...)
	out = append(out, section(5, memSec)...)
	out = append(out, section(6, globalSec)...)
	out = append(out, section(7, exportSec)...)
	out = append(out, section(10, codeSec)...)
	if len(dataSec) > 0 {
		out = append(out, section(11, dataSec)...)
	}
	return out
}

const (
	globalHeap  = 0
	globalCalls = 1
)

func (b *builder) allocFunc(g Guest) function {
	f := function{name: abi.ExportAllocString, params: []byte{valI32}, results: []byte{valI32}}
	if g.AllocFails {
		f.body = code(i32Const(0))
		return f
	}
	f.locals = 1
	f.body = code(
		// wrap the bump pointer before it runs off the end of memory
		globalGet(globalHeap), localGet(0), op(opI32Add), i32Const(int32(b.memBytes)), op(opI32GtU),
		[]byte{opIf, blockEmpty}, i32Const(int32(b.heapStart)), globalSet(globalHeap), op(opEnd),
		globalGet(globalHeap), localSet(1),
		globalGet(globalHeap), localGet(0), op(opI32Add), globalSet(globalHeap),
		localGet(1),
	)
	return f
}

func (b *builder) sendFunc(g Guest, allocIdx uint32) function {
	f := function{name: abi.ExportSend, params: []byte{valI32, valI32}, results: []byte{valI32}}
	if g.BadSendSignature {
		f.params = []byte{valI32}
		f.body = code(i32Const(0))
		return f
	}

	switch g.SendMode {
	case SendNull:
		f.body = code(i32Const(0))
	case SendTrap:
		f.body = code(op(opUnreachable))
	case SendEcho:
		f.locals = 1
		f.body = code(
			localGet(1), i32Const(abi.FrameHeaderSize), op(opI32Add), call(allocIdx), localSet(2),
			localGet(2), i32Const(0x4247534D), store(0),
			localGet(2), localGet(1), store(4),
			localGet(2), i32Const(abi.FrameHeaderSize), op(opI32Add), localGet(0), localGet(1), memoryCopy(),
			localGet(2),
		)
	default:
		last := int32(len(b.replyPtrs) - 1)
		if last < 0 {
			f.body = code(i32Const(0))
			return f
		}
		f.body = code(
			i32Const(ReplyTableAddr),
			globalGet(globalCalls), i32Const(last), globalGet(globalCalls), i32Const(last), op(opI32LtU), op(opSelect),
			i32Const(2), op(opI32Shl), op(opI32Add), load(0),
			globalGet(globalCalls), i32Const(1), op(opI32Add), globalSet(globalCalls),
		)
	}
	return f
}

func (b *builder) describeFunc(g Guest) function {
	f := function{name: abi.ExportDescribe, results: []byte{valI32}}
	if g.LogOnDescribe != "" {
		f.body = code(
			i32Const(abi.HostLogLevelInfo), i32Const(int32(b.logPtr)), i32Const(int32(len(g.LogOnDescribe))), call(0),
			i32Const(int32(b.descPtr)),
		)
		return f
	}
	f.body = code(i32Const(int32(b.descPtr)))
	return f
}

func deallocFunc() function {
	return function{
		name:   abi.ExportDeallocString,
		params: []byte{valI32, valI32},
		locals: 1,
		body: code(
			// slot = log + (count & 255) * 8
			i32Const(DeallocCountAddr), load(0), i32Const(DeallocLogEntries-1), op(opI32And),
			i32Const(3), op(opI32Shl), i32Const(DeallocLogAddr), op(opI32Add), localSet(2),
			localGet(2), localGet(0), store(0),
			localGet(2), localGet(1), store(4),
			i32Const(DeallocCountAddr), i32Const(DeallocCountAddr), load(0), i32Const(1), op(opI32Add), store(0),
		),
	}
}
