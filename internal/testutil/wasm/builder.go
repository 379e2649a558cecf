// Package wasm assembles small WebAssembly binaries for tests, so sandbox
// behaviour can be exercised without a guest toolchain.
package wasm

import (
	"bytes"
)

// ValType is a WebAssembly value type.
type ValType byte

// Value types.
const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
	F32 ValType = 0x7d
	F64 ValType = 0x7c
)

// Opcodes used by the fixtures.
const (
	OpUnreachable byte = 0x00
	OpBlock       byte = 0x02
	OpLoop        byte = 0x03
	OpEnd         byte = 0x0b
	OpBr          byte = 0x0c
	OpBrIf        byte = 0x0d
	OpReturn      byte = 0x0f
	OpCall        byte = 0x10
	OpDrop        byte = 0x1a
	OpLocalGet    byte = 0x20
	OpLocalSet    byte = 0x21
	OpI32Load8U   byte = 0x2d
	OpI32Const    byte = 0x41
	OpI64Const    byte = 0x42
	OpI32Eqz      byte = 0x45
	OpI32Add      byte = 0x6a
	OpI32Sub      byte = 0x6b
	OpI64Add      byte = 0x7c
	OpF64Add      byte = 0xa0

	// BlockVoid is the empty block type.
	BlockVoid byte = 0x40
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionStart    = 8
	sectionCode     = 10
	sectionData     = 11

	externFunc   = 0x00
	externMemory = 0x02
)

type funcType struct {
	params  []ValType
	results []ValType
}

type funcImport struct {
	module, name string
	typeIdx      uint32
}

type function struct {
	typeIdx uint32
	locals  []ValType
	body    []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type dataSegment struct {
	offset uint32
	data   []byte
}

// Module is a WebAssembly module under construction. Imports must be
// declared before functions so indices stay stable.
type Module struct {
	types     []funcType
	imports   []funcImport
	funcs     []function
	exports   []export
	data      []dataSegment
	memory    *uint32
	maxMemory *uint32
	start     *uint32
}

// New creates an empty module.
func New() *Module {
	return &Module{}
}

// ImportFunc declares an imported function and returns its index.
func (m *Module) ImportFunc(module, name string, params, results []ValType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasm: imports must be declared before functions")
	}
	m.imports = append(m.imports, funcImport{module: module, name: name, typeIdx: m.typeIndex(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function and returns its index. The body must not
// include the trailing end opcode.
func (m *Module) Func(params, results, locals []ValType, body ...byte) uint32 {
	m.funcs = append(m.funcs, function{
		typeIdx: m.typeIndex(params, results),
		locals:  locals,
		body:    body,
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Export exports a function under a name.
func (m *Module) Export(name string, funcIdx uint32) *Module {
	m.exports = append(m.exports, export{name: name, kind: externFunc, idx: funcIdx})
	return m
}

// Memory declares memory 0 with a minimum page count and exports it as
// "memory".
func (m *Module) Memory(minPages uint32) *Module {
	m.memory = &minPages
	m.exports = append(m.exports, export{name: "memory", kind: externMemory, idx: 0})
	return m
}

// MemoryMax sets the maximum page count of memory 0.
func (m *Module) MemoryMax(maxPages uint32) *Module {
	m.maxMemory = &maxPages
	return m
}

// Start sets the start function.
func (m *Module) Start(funcIdx uint32) *Module {
	m.start = &funcIdx
	return m
}

// Data places bytes in memory 0 at offset.
func (m *Module) Data(offset uint32, data []byte) *Module {
	m.data = append(m.data, dataSegment{offset: offset, data: data})
	return m
}

func (m *Module) typeIndex(params, results []ValType) uint32 {
	for i, t := range m.types {
		if bytes.Equal(valBytes(t.params), valBytes(params)) && bytes.Equal(valBytes(t.results), valBytes(results)) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	if len(m.types) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.types)))
		for _, t := range m.types {
			sec = append(sec, 0x60)
			sec = appendVec(sec, valBytes(t.params))
			sec = appendVec(sec, valBytes(t.results))
		}
		writeSection(&out, sectionType, sec)
	}

	if len(m.imports) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.imports)))
		for _, imp := range m.imports {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, externFunc)
			sec = appendU32(sec, imp.typeIdx)
		}
		writeSection(&out, sectionImport, sec)
	}

	if len(m.funcs) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.funcs)))
		for _, fn := range m.funcs {
			sec = appendU32(sec, fn.typeIdx)
		}
		writeSection(&out, sectionFunction, sec)
	}

	if m.memory != nil {
		sec := appendU32(nil, 1)
		if m.maxMemory != nil {
			sec = append(sec, 0x01)
			sec = appendU32(sec, *m.memory)
			sec = appendU32(sec, *m.maxMemory)
		} else {
			sec = append(sec, 0x00)
			sec = appendU32(sec, *m.memory)
		}
		writeSection(&out, sectionMemory, sec)
	}

	if len(m.exports) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.exports)))
		for _, e := range m.exports {
			sec = appendName(sec, e.name)
			sec = append(sec, e.kind)
			sec = appendU32(sec, e.idx)
		}
		writeSection(&out, sectionExport, sec)
	}

	if m.start != nil {
		writeSection(&out, sectionStart, appendU32(nil, *m.start))
	}

	if len(m.funcs) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.funcs)))
		for _, fn := range m.funcs {
			var body []byte
			body = appendU32(body, uint32(len(fn.locals)))
			for _, l := range fn.locals {
				body = appendU32(body, 1)
				body = append(body, byte(l))
			}
			body = append(body, fn.body...)
			body = append(body, OpEnd)
			sec = appendVec(sec, body)
		}
		writeSection(&out, sectionCode, sec)
	}

	if len(m.data) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.data)))
		for _, d := range m.data {
			sec = appendU32(sec, 0) // active, memory 0
			sec = append(sec, OpI32Const)
			sec = appendS32(sec, int32(d.offset))
			sec = append(sec, OpEnd)
			sec = appendVec(sec, d.data)
		}
		writeSection(&out, sectionData, sec)
	}

	return out.Bytes()
}

// I32Const encodes an i32.const instruction.
func I32Const(v int32) []byte {
	return appendS32([]byte{OpI32Const}, v)
}

// Call encodes a call instruction.
func Call(funcIdx uint32) []byte {
	return appendU32([]byte{OpCall}, funcIdx)
}

// LocalGet encodes a local.get instruction.
func LocalGet(idx uint32) []byte {
	return appendU32([]byte{OpLocalGet}, idx)
}

// Seq concatenates instruction fragments.
func Seq(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func writeSection(out *bytes.Buffer, id byte, payload []byte) {
	out.WriteByte(id)
	out.Write(appendU32(nil, uint32(len(payload))))
	out.Write(payload)
}

func valBytes(types []ValType) []byte {
	out := make([]byte, len(types))
	for i, t := range types {
		out[i] = byte(t)
	}
	return out
}

func appendVec(dst, items []byte) []byte {
	dst = appendU32(dst, uint32(len(items)))
	return append(dst, items...)
}

func appendName(dst []byte, name string) []byte {
	return appendVec(dst, []byte(name))
}

func appendU32(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, b|0x80)
			continue
		}
		return append(dst, b)
	}
}

func appendS32(dst []byte, v int32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}
