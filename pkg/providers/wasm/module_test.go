package wasm

import "encoding/binary"

// Value types and opcodes used by the test modules.
const (
	i32 byte = 0x7f
	i64 byte = 0x7e

	opUnreachable  byte = 0x00
	opLoop         byte = 0x03
	opEnd          byte = 0x0b
	opBr           byte = 0x0c
	opCall         byte = 0x10
	opLocalGet     byte = 0x20
	opI32Const     byte = 0x41
	opI64Const     byte = 0x42
	opI64Or        byte = 0x84
	opI64Shl       byte = 0x86
	opI64ExtendU32 byte = 0xad
	blockEmpty     byte = 0x40
)

// testImport is a function imported from the host.
type testImport struct {
	module, name    string
	params, results []byte
}

// testFunc is a module-defined function. Body excludes local declarations
// and the final end.
type testFunc struct {
	export          string
	params, results []byte
	body            []byte
}

// testData is an active data segment in memory 0.
type testData struct {
	offset uint32
	bytes  []byte
}

// testModule assembles a minimal WebAssembly binary.
type testModule struct {
	imports []testImport
	funcs   []testFunc
	data    []testData
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wasmName(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(content)))...)
	return append(out, content...)
}

func funcType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint64(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb(uint64(len(results)))...)
	return append(out, results...)
}

func (m testModule) encode() []byte {
	out := []byte{0x00, 'a', 's', 'm'}
	out = binary.LittleEndian.AppendUint32(out, 1)

	var types, imports, funcs, exports, codes, data [][]byte
	for i, imp := range m.imports {
		types = append(types, funcType(imp.params, imp.results))
		entry := append(wasmName(imp.module), wasmName(imp.name)...)
		entry = append(entry, 0x00)
		imports = append(imports, append(entry, uleb(uint64(i))...))
	}

	exports = append(exports, append(wasmName("memory"), 0x02, 0x00))
	for i, fn := range m.funcs {
		typeIndex := uint64(len(types))
		types = append(types, funcType(fn.params, fn.results))
		funcs = append(funcs, uleb(typeIndex))

		if fn.export != "" {
			entry := append(wasmName(fn.export), 0x00)
			exports = append(exports, append(entry, uleb(uint64(len(m.imports)+i))...))
		}

		body := append([]byte{0x00}, fn.body...)
		body = append(body, opEnd)
		codes = append(codes, append(uleb(uint64(len(body))), body...))
	}

	for _, d := range m.data {
		entry := []byte{0x00, opI32Const}
		entry = append(entry, sleb(int64(d.offset))...)
		entry = append(entry, opEnd)
		entry = append(entry, uleb(uint64(len(d.bytes)))...)
		data = append(data, append(entry, d.bytes...))
	}

	out = append(out, section(1, vec(types))...)
	if len(imports) > 0 {
		out = append(out, section(2, vec(imports))...)
	}
	out = append(out, section(3, vec(funcs))...)
	out = append(out, section(5, []byte{0x01, 0x00, 0x01})...)
	out = append(out, section(7, vec(exports))...)
	out = append(out, section(10, vec(codes))...)
	if len(data) > 0 {
		out = append(out, section(11, vec(data))...)
	}
	return out
}

// i64Const pushes v.
func i64Const(v int64) []byte {
	return append([]byte{opI64Const}, sleb(v)...)
}

// i32Const pushes v.
func i32Const(v int32) []byte {
	return append([]byte{opI32Const}, sleb(int64(v))...)
}

// mallocFunc always hands out the same buffer.
func mallocFunc() testFunc {
	return testFunc{export: "malloc", params: []byte{i32}, results: []byte{i32}, body: i32Const(4096)}
}

// respond returns a unit function answering with the document stored at
// offset, and the data segment holding it.
func respond(export string, offset uint32, doc string) (testFunc, testData) {
	packed := int64(offset)<<32 | int64(len(doc))
	return testFunc{
		export:  export,
		params:  []byte{i32, i32},
		results: []byte{i64},
		body:    i64Const(packed),
	}, testData{offset: offset, bytes: []byte(doc)}
}

// echoFunc returns the request as the response.
func echoFunc(export string) testFunc {
	body := []byte{opLocalGet, 0, opI64ExtendU32}
	body = append(body, i64Const(32)...)
	body = append(body, opI64Shl, opLocalGet, 1, opI64ExtendU32, opI64Or)
	return testFunc{export: export, params: []byte{i32, i32}, results: []byte{i64}, body: body}
}

// trapFunc traps on every call.
func trapFunc(export string) testFunc {
	return testFunc{export: export, params: []byte{i32, i32}, results: []byte{i64}, body: []byte{opUnreachable}}
}

// spinFunc never returns.
func spinFunc(export string) testFunc {
	return testFunc{
		export:  export,
		params:  []byte{i32, i32},
		results: []byte{i64},
		body:    []byte{opLoop, blockEmpty, opBr, 0, opEnd, opUnreachable},
	}
}

// responder builds a module whose unit functions answer with fixed
// documents.
func responder(docs map[string]string) []byte {
	m := testModule{funcs: []testFunc{mallocFunc()}}
	offset := uint32(1024)
	for _, export := range []string{exportGet, exportTest, exportApply} {
		doc, ok := docs[export]
		if !ok {
			continue
		}
		fn, data := respond(export, offset, doc)
		m.funcs = append(m.funcs, fn)
		m.data = append(m.data, data)
		offset += 512
	}
	return m.encode()
}
