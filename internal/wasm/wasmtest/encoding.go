package wasmtest

const (
	valI32     = 0x7F
	blockEmpty = 0x40

	opUnreachable = 0x00
	opIf          = 0x04
	opEnd         = 0x0B
	opCall        = 0x10
	opSelect      = 0x1B
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Load     = 0x28
	opI32Store    = 0x36
	opI32Const    = 0x41
	opI32LtU      = 0x49
	opI32GtU      = 0x4B
	opI32Add      = 0x6A
	opI32And      = 0x71
	opI32Shl      = 0x74
	opPrefixFC    = 0xFC
	opMemoryCopy  = 0x0A
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func name(s string) []byte {
	return concat(uleb(uint64(len(s))), []byte(s))
}

func vec(items [][]byte) []byte {
	return concat(uleb(uint64(len(items))), concat(items...))
}

func section(id byte, items [][]byte) []byte {
	content := vec(items)
	return concat([]byte{id}, uleb(uint64(len(content))), content)
}

func funcType(params, results []byte) []byte {
	return concat([]byte{0x60}, uleb(uint64(len(params))), params, uleb(uint64(len(results))), results)
}

// code joins instructions and appends the closing end.
func code(instrs ...[]byte) []byte {
	return append(concat(instrs...), opEnd)
}

func op(b byte) []byte { return []byte{b} }

func i32Const(v int32) []byte { return concat([]byte{opI32Const}, sleb(int64(v))) }

func localGet(i uint32) []byte  { return concat([]byte{opLocalGet}, uleb(uint64(i))) }
func localSet(i uint32) []byte  { return concat([]byte{opLocalSet}, uleb(uint64(i))) }
func globalGet(i uint32) []byte { return concat([]byte{opGlobalGet}, uleb(uint64(i))) }
func globalSet(i uint32) []byte { return concat([]byte{opGlobalSet}, uleb(uint64(i))) }
func call(i uint32) []byte      { return concat([]byte{opCall}, uleb(uint64(i))) }

// load and store use 4-byte alignment.
func load(offset uint32) []byte  { return concat([]byte{opI32Load, 0x02}, uleb(uint64(offset))) }
func store(offset uint32) []byte { return concat([]byte{opI32Store, 0x02}, uleb(uint64(offset))) }

func memoryCopy() []byte { return []byte{opPrefixFC, opMemoryCopy, 0x00, 0x00} }
