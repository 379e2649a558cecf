package wasm

// HostModule is the import module the sandbox provides.
const HostModule = "pluginhost"

// Buffer layout used by HostCall: the payload sits at offset 0 and the host
// writes its result at OutPtr.
const (
	OutPtr = 1024
	OutCap = 4096
)

// Add exports add(i32, i32) -> i32.
func Add() []byte {
	m := New()
	add := m.Func([]ValType{I32, I32}, []ValType{I32}, nil,
		Seq(LocalGet(0), LocalGet(1), []byte{OpI32Add})...)
	m.Export("add", add)
	return m.Bytes()
}

// Arith exports add(i32,i32)->i32, add64(i64,i64)->i64 and addf(f64,f64)->f64.
func Arith() []byte {
	m := New()
	m.Export("add", m.Func([]ValType{I32, I32}, []ValType{I32}, nil,
		Seq(LocalGet(0), LocalGet(1), []byte{OpI32Add})...))
	m.Export("add64", m.Func([]ValType{I64, I64}, []ValType{I64}, nil,
		Seq(LocalGet(0), LocalGet(1), []byte{OpI64Add})...))
	m.Export("addf", m.Func([]ValType{F64, F64}, []ValType{F64}, nil,
		Seq(LocalGet(0), LocalGet(1), []byte{OpF64Add})...))
	return m.Bytes()
}

// Spin exports spin(), which calls an empty function in an endless loop,
// and add(i32, i32) -> i32.
func Spin() []byte {
	m := New()
	tick := m.Func(nil, nil, nil)
	spin := m.Func(nil, nil, nil,
		Seq([]byte{OpLoop, BlockVoid}, Call(tick), []byte{OpBr, 0, OpEnd})...)
	m.Export("spin", spin)
	m.Export("add", m.Func([]ValType{I32, I32}, []ValType{I32}, nil,
		Seq(LocalGet(0), LocalGet(1), []byte{OpI32Add})...))
	return m.Bytes()
}

// Count exports count(n i32) -> i32, which calls an empty function n times
// and returns n. It finishes within a step budget larger than n.
func Count() []byte {
	m := New()
	tick := m.Func(nil, nil, nil)
	// local 1 is the loop counter.
	body := Seq(
		LocalGet(0), []byte{OpLocalSet, 1},
		[]byte{OpBlock, BlockVoid, OpLoop, BlockVoid},
		LocalGet(1), []byte{OpI32Eqz, OpBrIf, 1},
		Call(tick),
		LocalGet(1), I32Const(1), []byte{OpI32Sub, OpLocalSet, 1},
		[]byte{OpBr, 0, OpEnd, OpEnd},
		LocalGet(0),
	)
	m.Export("count", m.Func([]ValType{I32}, []ValType{I32}, []ValType{I32}, body...))
	return m.Bytes()
}

// Trap exports boom(), which executes unreachable, and add(i32, i32) -> i32.
func Trap() []byte {
	m := New()
	m.Export("boom", m.Func(nil, nil, nil, OpUnreachable))
	m.Export("add", m.Func([]ValType{I32, I32}, []ValType{I32}, nil,
		Seq(LocalGet(0), LocalGet(1), []byte{OpI32Add})...))
	return m.Bytes()
}

// Recurse exports recurse(), which calls itself without end.
func Recurse() []byte {
	m := New()
	self := uint32(0)
	m.Export("recurse", m.Func(nil, nil, nil, Call(self)...))
	return m.Bytes()
}

// HostCall imports pluginhost.<function> and exports call() -> i32, which
// passes payload to the host function and returns its result code. first()
// -> i32 returns the first byte the host wrote.
func HostCall(function string, payload []byte) []byte {
	m := New()
	fn := m.ImportFunc(HostModule, function, []ValType{I32, I32, I32, I32}, []ValType{I32})
	m.Memory(1)
	if len(payload) > 0 {
		m.Data(0, payload)
	}
	m.Export("call", m.Func(nil, []ValType{I32}, nil, Seq(
		I32Const(0), I32Const(int32(len(payload))),
		I32Const(OutPtr), I32Const(OutCap),
		Call(fn),
	)...))
	m.Export("first", m.Func(nil, []ValType{I32}, nil, Seq(
		I32Const(OutPtr), []byte{OpI32Load8U, 0, 0},
	)...))
	return m.Bytes()
}

// ForeignImport imports a function from a module other than the host module.
func ForeignImport() []byte {
	m := New()
	m.ImportFunc("wasi_snapshot_preview1", "fd_write", []ValType{I32, I32, I32, I32}, []ValType{I32})
	m.Export("noop", m.Func(nil, nil, nil))
	return m.Bytes()
}

// LargeMemory declares a memory of the given initial page count.
func LargeMemory(pages uint32) []byte {
	m := New()
	m.Memory(pages)
	m.Export("noop", m.Func(nil, nil, nil))
	return m.Bytes()
}
