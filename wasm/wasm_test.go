package wasm

import (
	"bytes"
	"errors"
	"testing"
)

func u64(v uint64) *uint64 { return &v }

func sampleModule() *Module {
	start := uint32(2)
	return &Module{
		Types: []FuncType{
			{Params: []ValType{ValI32, ValF32}, Results: []ValType{ValI32}},
			{},
		},
		Imports: []Import{
			{Module: "env", Name: "log", Desc: ImportDesc{Kind: KindFunc, TypeIdx: 1}},
			{Module: "env", Name: "base", Desc: ImportDesc{Kind: KindGlobal, Global: &GlobalType{ValType: ValI32}}},
		},
		Funcs:    []uint32{0, 1},
		Tables:   []TableType{{ElemType: ValFuncRef, Limits: Limits{Min: 2}}},
		Memories: []MemoryType{{Limits: Limits{Min: 1, Max: u64(4)}}},
		Globals: []Global{{
			Type: GlobalType{ValType: ValI32, Mutable: true},
			Init: EncodeInstructions([]Instruction{{Opcode: OpI32Const, Imm: I32Imm{Value: -7}}, {Opcode: OpEnd}}),
		}},
		Exports: []Export{
			{Name: "foo", Kind: KindFunc, Idx: 1},
			{Name: "memory", Kind: KindMemory, Idx: 0},
		},
		Start: &start,
		Elements: []Element{{
			Flags:    0,
			Offset:   EncodeInstructions([]Instruction{{Opcode: OpI32Const, Imm: I32Imm{Value: 0}}, {Opcode: OpEnd}}),
			FuncIdxs: []uint32{1, 2},
		}},
		Code: []FuncBody{
			{
				Locals: []LocalEntry{{Count: 1, ValType: ValI64}},
				Code: EncodeInstructions([]Instruction{
					{Opcode: OpLocalGet, Imm: LocalImm{LocalIdx: 0}},
					{Opcode: OpGlobalGet, Imm: GlobalImm{GlobalIdx: 1}},
					{Opcode: OpI32Add},
					{Opcode: OpEnd},
				}),
			},
			{Code: EncodeInstructions([]Instruction{{Opcode: OpCall, Imm: CallImm{FuncIdx: 0}}, {Opcode: OpEnd}})},
		},
		Data: []DataSegment{{
			Offset: EncodeInstructions([]Instruction{{Opcode: OpI32Const, Imm: I32Imm{Value: 16}}, {Opcode: OpEnd}}),
			Init:   []byte("hello"),
		}},
		CustomSections: []CustomSection{{Name: "producers", Data: []byte{0}}},
	}
}

func TestModuleRoundTrip(t *testing.T) {
	m := sampleModule()
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	encoded := m.Encode()

	parsed, err := ParseModule(encoded)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}
	if !bytes.Equal(parsed.Encode(), encoded) {
		t.Fatal("re-encoding changed the bytes")
	}
	if len(parsed.Imports) != 2 || parsed.Imports[1].Desc.Global == nil {
		t.Fatalf("imports not preserved: %+v", parsed.Imports)
	}
	if parsed.Memories[0].Limits.Max == nil || *parsed.Memories[0].Limits.Max != 4 {
		t.Error("memory max not preserved")
	}
	if parsed.Start == nil || *parsed.Start != 2 {
		t.Error("start not preserved")
	}
	if got := parsed.GetFuncType(1); got == nil || !got.Equal(m.Types[0]) {
		t.Errorf("GetFuncType(1) = %v", got)
	}
	if parsed.NumFuncs() != 3 || parsed.NumGlobals() != 2 {
		t.Errorf("index spaces: funcs=%d globals=%d", parsed.NumFuncs(), parsed.NumGlobals())
	}
	if string(parsed.Data[0].Init) != "hello" {
		t.Errorf("data = %q", parsed.Data[0].Init)
	}
}

func TestParseModuleErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"bad magic", []byte{1, 2, 3, 4, 1, 0, 0, 0}, ErrInvalidMagic},
		{"bad version", []byte{0, 'a', 's', 'm', 2, 0, 0, 0}, ErrInvalidVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseModule(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	header := []byte{0, 'a', 's', 'm', 1, 0, 0, 0}
	outOfOrder := append(append([]byte{}, header...),
		SectionFunction, 1, 0,
		SectionType, 1, 0,
	)
	if _, err := ParseModule(outOfOrder); err == nil {
		t.Error("expected out-of-order error")
	}
	truncated := append(append([]byte{}, header...), SectionType, 5, 1)
	if _, err := ParseModule(truncated); err == nil {
		t.Error("expected truncation error")
	}
}

func TestInstructionRoundTrip(t *testing.T) {
	lane := byte(3)
	instrs := []Instruction{
		{Opcode: OpBlock, Imm: BlockImm{Type: BlockTypeVoid}},
		{Opcode: OpLoop, Imm: BlockImm{Type: 3}},
		{Opcode: OpBrTable, Imm: BrTableImm{Labels: []uint32{0, 1}, Default: 2}},
		{Opcode: OpCallIndirect, Imm: CallIndirectImm{TypeIdx: 1, TableIdx: 0}},
		{Opcode: OpI64Const, Imm: I64Imm{Value: -1 << 40}},
		{Opcode: OpF32Const, Imm: F32Imm{Value: 3.5}},
		{Opcode: OpF64Const, Imm: F64Imm{Value: -0.125}},
		{Opcode: OpI32Load, Imm: MemoryImm{Align: 2, Offset: 8}},
		{Opcode: OpI64Store, Imm: MemoryImm{Align: 3, Offset: 1 << 20, MemIdx: 1}},
		{Opcode: OpRefNull, Imm: RefNullImm{Type: ValFuncRef}},
		{Opcode: OpRefFunc, Imm: RefFuncImm{FuncIdx: 9}},
		{Opcode: OpSelectType, Imm: SelectTypeImm{Types: []ValType{ValF64}}},
		{Opcode: OpPrefixMisc, Imm: MiscImm{SubOpcode: MiscMemoryCopy, Operands: []uint32{0, 0}}},
		{Opcode: OpPrefixMisc, Imm: MiscImm{SubOpcode: MiscI32TruncSatF32S}},
		{Opcode: OpI32ReinterpretF32},
		{Opcode: OpI64ExtendI32U},
		{Opcode: OpPrefixSIMD, Imm: SIMDImm{SubOpcode: 0x00, MemArg: &MemoryImm{Align: 4, Offset: 16}}},
		{Opcode: OpPrefixSIMD, Imm: SIMDImm{SubOpcode: SimdV128Const, Bytes: bytes.Repeat([]byte{0xAB}, 16)}},
		{Opcode: OpPrefixSIMD, Imm: SIMDImm{SubOpcode: SimdI8x16ExtractLaneS, Lane: &lane}},
		{Opcode: OpPrefixSIMD, Imm: SIMDImm{SubOpcode: SimdV128Load8Lane, MemArg: &MemoryImm{}, Lane: &lane}},
		{Opcode: OpPrefixSIMD, Imm: SIMDImm{SubOpcode: 0xAE}}, // i32x4.add
		{Opcode: OpPrefixAtomic, Imm: AtomicImm{SubOpcode: AtomicFence}},
		{Opcode: OpPrefixAtomic, Imm: AtomicImm{SubOpcode: AtomicNotify, MemArg: &MemoryImm{Align: 2}}},
		{Opcode: OpEnd},
	}
	encoded := EncodeInstructions(instrs)
	decoded, err := DecodeInstructions(encoded)
	if err != nil {
		t.Fatalf("DecodeInstructions: %v", err)
	}
	if len(decoded) != len(instrs) {
		t.Fatalf("decoded %d instructions, want %d", len(decoded), len(instrs))
	}
	if !bytes.Equal(EncodeInstructions(decoded), encoded) {
		t.Error("instruction round trip changed the bytes")
	}
	if imm := decoded[8].Imm.(MemoryImm); imm.MemIdx != 1 || imm.Align != 3 {
		t.Errorf("multi-memory memarg = %+v", imm)
	}
}

func TestDecodeInstructionsRejectsUnsupported(t *testing.T) {
	for _, code := range [][]byte{
		{0xFD, 0x00},       // v128.load without memarg
		{0xFC, 0x40},       // unknown misc sub-opcode
		{0xFE, 0x10},       // i32.atomic.load without memarg
		{0x06, 0x40},       // try
		{OpCall},           // missing immediate
		{OpI32Const, 0x80}, // truncated LEB
	} {
		if _, err := DecodeInstructions(code); err == nil {
			t.Errorf("DecodeInstructions(%x) succeeded", code)
		}
	}
}

func TestNameSection(t *testing.T) {
	m := sampleModule()
	ns := NewNameSection()
	ns.Module = "sample"
	ns.Funcs[1] = "foo"
	ns.Funcs[0] = "log"
	ns.Globals[2] = "counter"
	m.SetNames(ns)

	parsed, err := ParseModule(m.Encode())
	if err != nil {
		t.Fatal(err)
	}
	got := parsed.Names()
	if got.Module != "sample" || got.Funcs[1] != "foo" || got.Funcs[0] != "log" || got.Globals[2] != "counter" {
		t.Errorf("names = %+v", got)
	}

	ns.Funcs[1] = "bar"
	parsed.SetNames(ns)
	if n := len(parsed.CustomSections); n != 2 {
		t.Errorf("SetNames added a section instead of replacing: %d sections", n)
	}
	if parsed.Names().Funcs[1] != "bar" {
		t.Error("SetNames did not replace the section")
	}

	if got := (&Module{}).Names(); len(got.Funcs) != 0 {
		t.Error("missing name section should decode as empty")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Module)
	}{
		{"duplicate export", func(m *Module) {
			m.Exports = append(m.Exports, Export{Name: "foo", Kind: KindFunc, Idx: 2})
		}},
		{"export out of range", func(m *Module) { m.Exports[0].Idx = 10 }},
		{"start with params", func(m *Module) { *m.Start = 1 }},
		{"element function out of range", func(m *Module) { m.Elements[0].FuncIdxs[0] = 99 }},
		{"function type out of range", func(m *Module) { m.Funcs[0] = 7 }},
		{"call out of range", func(m *Module) {
			m.Code[1].Code = EncodeInstructions([]Instruction{{Opcode: OpCall, Imm: CallImm{FuncIdx: 42}}, {Opcode: OpEnd}})
		}},
		{"memory too large", func(m *Module) { m.Memories[0].Limits.Max = u64(MaxPages32 + 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sampleModule()
			tt.mutate(m)
			if err := m.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestAddTypeDedup(t *testing.T) {
	m := &Module{}
	a := m.AddType(FuncType{Params: []ValType{ValI32}})
	b := m.AddType(FuncType{Params: []ValType{ValI64}})
	c := m.AddType(FuncType{Params: []ValType{ValI32}})
	if a != 0 || b != 1 || c != 0 {
		t.Errorf("AddType indices = %d, %d, %d", a, b, c)
	}
	if s := m.Types[0].String(); s != "(i32) -> ()" {
		t.Errorf("String() = %q", s)
	}
}
