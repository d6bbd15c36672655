package runtime

import (
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-easyjit/abi"
	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/extract"
	"github.com/wippyai/wasm-easyjit/program"
	"github.com/wippyai/wasm-easyjit/wasm"
)

func ins(op byte, imm any) wasm.Instruction {
	return wasm.Instruction{Opcode: op, Imm: imm}
}

func code(is ...wasm.Instruction) []byte {
	return wasm.EncodeInstructions(append(is, ins(wasm.OpEnd, nil)))
}

// kernel defines
//
//	env.scale(x i32) i32            (import)
//	helper(x i32) i32 = x + 1       (exported)
//	foo(a i32, b f32) i32 = scale(helper(a)) + trunc(b)
func kernel() []byte {
	return kernelModule().Encode()
}

func kernelModule() *wasm.Module {
	return &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32, wasm.ValF32}, Results: []wasm.ValType{wasm.ValI32}},
			{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
		},
		Imports: []wasm.Import{
			{Module: "env", Name: "scale", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 1}},
		},
		Funcs:    []uint32{1, 0},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Exports: []wasm.Export{
			{Name: "helper", Kind: wasm.KindFunc, Idx: 1},
			{Name: "foo", Kind: wasm.KindFunc, Idx: 2},
			{Name: "memory", Kind: wasm.KindMemory, Idx: 0},
		},
		Code: []wasm.FuncBody{
			{Code: code(
				ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 0}),
				ins(wasm.OpI32Const, wasm.I32Imm{Value: 1}),
				ins(wasm.OpI32Add, nil),
			)},
			{Code: code(
				ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 0}),
				ins(wasm.OpCall, wasm.CallImm{FuncIdx: 1}),
				ins(wasm.OpCall, wasm.CallImm{FuncIdx: 0}),
				ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 1}),
				ins(wasm.OpI32TruncF32S, nil),
				ins(wasm.OpI32Add, nil),
			)},
		},
	}
}

func extractFoo(t *testing.T) *extract.Outcome {
	t.Helper()
	out, err := extract.Transform(kernel(), extract.Selection{
		"foo": {Level: 2, Params: []uint32{1}},
	}, extract.Config{Validate: true})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Changed {
		t.Fatalf("foo not extracted: %v", out.Diagnostics)
	}
	return out
}

func TestSpecialize(t *testing.T) {
	frag := extractFoo(t).Fragment
	out, err := Specialize(frag, "foo"+abi.Suffix, []abi.Pair{{Index: 1, Value: abi.EncodeF32(2.5)}}, "main")
	if err != nil {
		t.Fatal(err)
	}
	m, err := wasm.ParseModule(out)
	if err != nil {
		t.Fatal(err)
	}

	var table bool
	for _, imp := range m.Imports {
		if imp.Module == abi.FragmentHost {
			t.Errorf("import %s.%s still bound to the fragment host", imp.Module, imp.Name)
		}
		if imp.Desc.Kind == wasm.KindTable {
			table = imp.Module == "main" && imp.Name == abi.TableExport
		}
	}
	if !table {
		t.Error("caller table not imported")
	}
	if m.Start == nil {
		t.Error("no start function")
	}
	for _, name := range []string{EntryExport, SlotExport, "foo" + abi.Suffix} {
		if m.ExportIndex(name) < 0 {
			t.Errorf("missing export %q", name)
		}
	}

	p, err := program.Load(m)
	if err != nil {
		t.Fatal(err)
	}
	id, ok := p.Lookup(EntryExport)
	if !ok {
		t.Fatal("entry symbol not found")
	}
	body := p.Symbol(id).Func.Body
	if len(body) < 2 {
		t.Fatalf("entry body too short: %d", len(body))
	}
	if imm, ok := body[0].Op.Imm.(wasm.F32Imm); body[0].Op.Opcode != wasm.OpF32Const || !ok || imm.Value != 2.5 {
		t.Errorf("body[0] = %+v, want f32.const 2.5", body[0].Op)
	}
	if imm, ok := body[1].Op.Imm.(wasm.LocalImm); body[1].Op.Opcode != wasm.OpLocalSet || !ok || imm.LocalIdx != 1 {
		t.Errorf("body[1] = %+v, want local.set 1", body[1].Op)
	}
}

func TestSpecializeErrors(t *testing.T) {
	frag := extractFoo(t).Fragment
	tests := []struct {
		name     string
		fragment []byte
		entry    string
		pairs    []abi.Pair
		kind     errors.Kind
	}{
		{"malformed", []byte{0, 'a', 's', 'm'}, "foo__", nil, errors.KindInvalidData},
		{"missing entry", frag, "bar__", nil, errors.KindNotFound},
		{"index out of range", frag, "foo__", []abi.Pair{{Index: 9}}, errors.KindOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Specialize(tt.fragment, tt.entry, tt.pairs, "main")
			var e *errors.Error
			if !stderrors.As(err, &e) || e.Kind != tt.kind {
				t.Fatalf("err = %v, want kind %s", err, tt.kind)
			}
		})
	}
}
