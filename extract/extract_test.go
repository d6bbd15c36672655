package extract

import (
	"bytes"
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-easyjit/abi"
	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/program"
	"github.com/wippyai/wasm-easyjit/wasm"
)

func ins(op byte, imm any) wasm.Instruction {
	return wasm.Instruction{Opcode: op, Imm: imm}
}

func code(is ...wasm.Instruction) []byte {
	return wasm.EncodeInstructions(append(is, ins(wasm.OpEnd, nil)))
}

// sample defines foo(a i32, b f32) -> i32 calling the exported helper,
// kernel_a and kernel_b, and bad, which reads an internal global.
func sample() []byte {
	unary := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32, wasm.ValF32}, Results: []wasm.ValType{wasm.ValI32}},
			unary,
		},
		Funcs:    []uint32{1, 0, 1, 1, 1},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Globals: []wasm.Global{{
			Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
			Init: code(ins(wasm.OpI32Const, wasm.I32Imm{Value: 0})),
		}},
		Exports: []wasm.Export{
			{Name: "helper", Kind: wasm.KindFunc, Idx: 0},
			{Name: "foo", Kind: wasm.KindFunc, Idx: 1},
			{Name: "bad", Kind: wasm.KindFunc, Idx: 2},
			{Name: "kernel_a", Kind: wasm.KindFunc, Idx: 3},
			{Name: "kernel_b", Kind: wasm.KindFunc, Idx: 4},
		},
		Code: []wasm.FuncBody{
			{Code: code(
				ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 0}),
				ins(wasm.OpI32Const, wasm.I32Imm{Value: 1}),
				ins(wasm.OpI32Add, nil),
			)},
			{Code: code(
				ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 0}),
				ins(wasm.OpCall, wasm.CallImm{FuncIdx: 0}),
			)},
			{Code: code(
				ins(wasm.OpGlobalGet, wasm.GlobalImm{GlobalIdx: 0}),
				ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 0}),
				ins(wasm.OpI32Add, nil),
			)},
			{Code: code(ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 0}))},
			{Code: code(ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 0}))},
		},
	}
	return m.Encode()
}

func fooSelection() Selection {
	return Selection{"foo": {Level: 2, Params: []uint32{1}}}
}

func TestTransformFoo(t *testing.T) {
	in := sample()
	out, err := Transform(in, fooSelection(), Config{Validate: true})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Changed || len(out.Diagnostics) != 0 {
		t.Fatalf("Changed = %v, diagnostics = %v", out.Changed, out.Diagnostics)
	}
	if len(out.Extracted) != 1 || out.Extracted[0] != "foo" {
		t.Errorf("Extracted = %v", out.Extracted)
	}
	if len(out.Closure) != 1 || out.Closure[0] != "helper" {
		t.Errorf("Closure = %v", out.Closure)
	}

	m, err := wasm.ParseModuleValidate(out.Output)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"foo", abi.ModuleSymbol, abi.MemoryExport, abi.TableExport} {
		if m.ExportIndex(name) < 0 {
			t.Errorf("missing export %q", name)
		}
	}

	frag, err := wasm.ParseModuleValidate(out.Fragment)
	if err != nil {
		t.Fatal(err)
	}
	if frag.ExportIndex("foo"+abi.Suffix) < 0 || len(frag.Exports) != 1 {
		t.Errorf("fragment exports = %+v", frag.Exports)
	}
	for _, imp := range frag.Imports {
		if imp.Module != abi.FragmentHost {
			t.Errorf("fragment import %s.%s not bound to the host", imp.Module, imp.Name)
		}
	}
	if !bytes.Contains(out.Output, out.Fragment) {
		t.Error("output does not embed the fragment")
	}
	if !IsProcessed(out.Output) || IsProcessed(in) {
		t.Error("IsProcessed disagrees with the transformation")
	}
}

func TestTransformIdempotent(t *testing.T) {
	first, err := Transform(sample(), fooSelection(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Transform(first.Output, fooSelection(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Output, second.Output) {
		t.Error("second run changed the program")
	}
	if second.Changed {
		t.Error("second run reported a change")
	}
	if len(second.Diagnostics) != 1 || second.Diagnostics[0].Kind != errors.KindAlreadyProcessed {
		t.Errorf("diagnostics = %v, want one already_processed", second.Diagnostics)
	}
}

func TestTransformNoOps(t *testing.T) {
	tests := []struct {
		name   string
		sel    Selection
		kind   errors.Kind
		symbol string
	}{
		{"empty selection", Selection{}, "", ""},
		{"internal global", Selection{"bad": {}}, errors.KindUnresolvable, "global[0]"},
		{"unknown function", Selection{"nope": {}}, errors.KindNotFound, "nope"},
		{"first unknown by name", Selection{"zz": {}, "nope": {}, "yy": {}, "foo": {}}, errors.KindNotFound, "nope"},
		{"parameter out of range", Selection{"foo": {Params: []uint32{5}}}, errors.KindOutOfBounds, "foo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sample()
			out, err := Transform(in, tt.sel, Config{})
			if err != nil {
				t.Fatal(err)
			}
			if out.Changed || !bytes.Equal(out.Output, in) {
				t.Error("program bytes changed")
			}
			if tt.kind == "" {
				if len(out.Diagnostics) != 0 {
					t.Errorf("unexpected diagnostics %v", out.Diagnostics)
				}
				return
			}
			if len(out.Diagnostics) != 1 {
				t.Fatalf("diagnostics = %v, want one", out.Diagnostics)
			}
			d := out.Diagnostics[0]
			if d.Kind != tt.kind || d.Symbol != tt.symbol {
				t.Errorf("diagnostic = %s, want %s at %s", d, tt.kind, tt.symbol)
			}
		})
	}
}

func TestTransformRejectsMalformedInput(t *testing.T) {
	_, err := Transform([]byte{0, 'a', 's', 'm', 9, 9}, fooSelection(), Config{})
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Phase != errors.PhaseDecode {
		t.Fatalf("err = %v, want decode error", err)
	}
}

func TestApplyLeavesProgramOnFailure(t *testing.T) {
	m, err := wasm.ParseModule(sample())
	if err != nil {
		t.Fatal(err)
	}
	p, err := program.Load(m)
	if err != nil {
		t.Fatal(err)
	}
	before, err := p.Encode()
	if err != nil {
		t.Fatal(err)
	}

	out, err := New(Config{}).Apply(p, Selection{"foo": {}, "bad": {}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Changed {
		t.Fatal("expected no change")
	}
	after, err := p.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("failed plan modified the program")
	}
}

func TestCustomSuffix(t *testing.T) {
	out, err := Transform(sample(), fooSelection(), Config{Suffix: "_jit"})
	if err != nil {
		t.Fatal(err)
	}
	frag, err := wasm.ParseModule(out.Fragment)
	if err != nil {
		t.Fatal(err)
	}
	if frag.ExportIndex("foo_jit") < 0 {
		t.Errorf("fragment exports = %+v", frag.Exports)
	}
}
