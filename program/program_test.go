package program

import (
	"bytes"
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/wasm"
)

func code(ins ...wasm.Instruction) []byte {
	return wasm.EncodeInstructions(ins)
}

func i(op byte, imm any) wasm.Instruction {
	return wasm.Instruction{Opcode: op, Imm: imm}
}

// testModule imports env.log and env.base, defines double(i32) -> i32 and
// an internal mutable counter, exports double and places it in table 0.
func testModule() *wasm.Module {
	end := i(wasm.OpEnd, nil)
	return &wasm.Module{
		Types: []wasm.FuncType{
			{},
			{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
		},
		Imports: []wasm.Import{
			{Module: "env", Name: "log", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
			{Module: "env", Name: "base", Desc: wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: wasm.ValI32}}},
		},
		Funcs:  []uint32{1},
		Tables: []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 1}}},
		Globals: []wasm.Global{{
			Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
			Init: code(i(wasm.OpI32Const, wasm.I32Imm{Value: 0}), end),
		}},
		Exports: []wasm.Export{{Name: "double", Kind: wasm.KindFunc, Idx: 1}},
		Elements: []wasm.Element{{
			Offset:   code(i(wasm.OpI32Const, wasm.I32Imm{Value: 0}), end),
			FuncIdxs: []uint32{1},
		}},
		Code: []wasm.FuncBody{{Code: code(
			i(wasm.OpGlobalGet, wasm.GlobalImm{GlobalIdx: 1}),
			i(wasm.OpDrop, nil),
			i(wasm.OpCall, wasm.CallImm{FuncIdx: 0}),
			i(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 0}),
			i(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 0}),
			i(wasm.OpI32Add, nil),
			end,
		)}},
	}
}

func mustLoad(t *testing.T, m *wasm.Module) *Program {
	t.Helper()
	p, err := Load(m)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return p
}

func mustLookup(t *testing.T, p *Program, name string) ID {
	t.Helper()
	id, ok := p.Lookup(name)
	if !ok {
		t.Fatalf("symbol %q not found", name)
	}
	return id
}

func TestLoadNamesAndLinkage(t *testing.T) {
	p := mustLoad(t, testModule())

	tests := []struct {
		name    string
		kind    Kind
		linkage Linkage
		decl    bool
	}{
		{"env.log", KindFunction, External, true},
		{"double", KindFunction, External, false},
		{"env.base", KindVariable, External, true},
		{"global[1]", KindVariable, Internal, false},
	}
	for _, tt := range tests {
		id := mustLookup(t, p, tt.name)
		s := p.Symbol(id)
		if s.Kind != tt.kind {
			t.Errorf("%s: kind = %s, want %s", tt.name, s.Kind, tt.kind)
		}
		if got := p.Linkage(id); got != tt.linkage {
			t.Errorf("%s: linkage = %s, want %s", tt.name, got, tt.linkage)
		}
		if s.IsDeclaration() != tt.decl {
			t.Errorf("%s: IsDeclaration = %v", tt.name, s.IsDeclaration())
		}
	}
	if p.Len() != 4 {
		t.Errorf("Len = %d, want 4", p.Len())
	}
}

func TestLoadPrefersNameSection(t *testing.T) {
	m := testModule()
	ns := wasm.NewNameSection()
	ns.Funcs[1] = "dbl"
	ns.Globals[1] = "double"
	m.SetNames(ns)

	p := mustLoad(t, m)
	id := mustLookup(t, p, "dbl")
	if !p.Symbol(id).Debug {
		t.Error("name section names should be marked Debug")
	}
	if exports := p.ExportsOf(id); len(exports) != 1 || exports[0] != "double" {
		t.Errorf("ExportsOf(dbl) = %v", exports)
	}
	// The global claims "double" first; no clash since the function is dbl.
	if _, ok := p.Lookup("double"); !ok {
		t.Error("global named double not found")
	}
}

func TestLoadDeduplicatesNames(t *testing.T) {
	m := testModule()
	ns := wasm.NewNameSection()
	ns.Funcs[1] = "env.log"
	m.SetNames(ns)

	p := mustLoad(t, m)
	mustLookup(t, p, "env.log")
	id := mustLookup(t, p, "env.log#2")
	if p.Symbol(id).IsDeclaration() {
		t.Error("env.log#2 should be the defined function")
	}
}

func TestEmitRoundTrip(t *testing.T) {
	m := testModule()
	p := mustLoad(t, m)
	got, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := m.Encode(); !bytes.Equal(got, want) {
		t.Errorf("round trip changed the module\n got %x\nwant %x", got, want)
	}
}

func TestRefs(t *testing.T) {
	p := mustLoad(t, testModule())
	refs := p.Refs(mustLookup(t, p, "double"))
	if len(refs) != 2 {
		t.Fatalf("Refs = %v, want 2 entries", refs)
	}
	if p.Symbol(refs[0]).Name != "global[1]" || p.Symbol(refs[1]).Name != "env.log" {
		t.Errorf("Refs order = %s, %s", p.Symbol(refs[0]).Name, p.Symbol(refs[1]).Name)
	}
}

func TestReplaceAllUses(t *testing.T) {
	p := mustLoad(t, testModule())
	double := mustLookup(t, p, "double")
	hook, err := p.Add(&Symbol{
		Name: "hook",
		Kind: KindFunction,
		Func: &Function{
			Type: p.Symbol(double).Func.Type,
			Body: []Instr{LocalGet(0), End()},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if n := p.ReplaceAllUses(double, hook); n != 2 {
		t.Errorf("ReplaceAllUses rewrote %d references, want 2", n)
	}
	if got := p.ExportsOf(hook); len(got) != 1 || got[0] != "double" {
		t.Errorf("ExportsOf(hook) = %v", got)
	}
	if p.Linkage(double) != Internal {
		t.Error("double should be internal once unexported")
	}
	if p.Elements[0].Funcs[0] != hook {
		t.Error("element segment still refers to double")
	}

	m, err := p.Emit()
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Code) != 2 || m.Exports[0].Idx != 2 || m.Elements[0].FuncIdxs[0] != 2 {
		t.Errorf("emitted hook at wrong index: exports=%+v elements=%+v", m.Exports, m.Elements)
	}
}

func TestEmitRejectsDanglingReference(t *testing.T) {
	p := mustLoad(t, testModule())
	p.Remove(mustLookup(t, p, "env.log"))

	_, err := p.Emit()
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindInvariant {
		t.Fatalf("Emit error = %v, want invariant", err)
	}
	if e.Symbol != "double" {
		t.Errorf("error names %q, want double", e.Symbol)
	}
}

func TestEmitRejectsImportAfterDefinition(t *testing.T) {
	p := mustLoad(t, testModule())
	p.Tables = append(p.Tables, Table{
		Import: &Import{Module: "host", Name: "t"},
		Type:   wasm.TableType{ElemType: wasm.ValFuncRef},
	})
	if _, err := p.Emit(); err == nil {
		t.Fatal("expected error for imported table after defined one")
	}
}

func TestClone(t *testing.T) {
	p := mustLoad(t, testModule())
	c := p.Clone()

	id := mustLookup(t, c, "double")
	if err := c.Rename(id, "double__"); err != nil {
		t.Fatal(err)
	}
	c.Symbol(id).Func.Body[0] = I32Const(7)
	c.Elements[0].Funcs[0] = NoID
	c.Exports = nil

	if _, ok := p.Lookup("double"); !ok {
		t.Error("rename leaked into the original")
	}
	if op := p.Symbol(id).Func.Body[0].Op.Opcode; op != wasm.OpGlobalGet {
		t.Errorf("body edit leaked into the original: opcode %#x", op)
	}
	if p.Elements[0].Funcs[0] != id || len(p.Exports) != 1 {
		t.Error("segment edits leaked into the original")
	}
}

func TestRenameAndRemove(t *testing.T) {
	p := mustLoad(t, testModule())
	id := mustLookup(t, p, "double")

	if err := p.Rename(id, "env.log"); err == nil {
		t.Error("rename onto an existing name should fail")
	}
	if err := p.Rename(id, "twice"); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.Lookup("double"); ok {
		t.Error("old name still resolves")
	}

	p.Remove(id)
	if p.Symbol(id) != nil {
		t.Error("removed symbol still present")
	}
	if _, ok := p.Lookup("twice"); ok {
		t.Error("removed name still resolves")
	}
	if p.Len() != 3 || len(p.Symbols()) != 3 {
		t.Errorf("Len = %d, Symbols = %d", p.Len(), len(p.Symbols()))
	}
}

func TestAddValidatesVariant(t *testing.T) {
	p := New()
	if _, err := p.Add(&Symbol{Name: "x", Kind: KindFunction, Var: &Variable{}}); err == nil {
		t.Error("function without Function accepted")
	}
	if _, err := p.Add(&Symbol{Name: "y", Kind: Kind(9), Func: &Function{}}); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, err := p.Add(&Symbol{Name: "z", Kind: KindVariable, Var: &Variable{}}); err != nil {
		t.Errorf("valid variable rejected: %v", err)
	}
}

func TestUniqueName(t *testing.T) {
	p := mustLoad(t, testModule())
	if got := p.UniqueName("fresh"); got != "fresh" {
		t.Errorf("UniqueName(fresh) = %q", got)
	}
	if got := p.UniqueName("double"); got != "double#2" {
		t.Errorf("UniqueName(double) = %q", got)
	}
}

func TestAddLocal(t *testing.T) {
	f := &Function{
		Type:   wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValF32}},
		Locals: []wasm.LocalEntry{{Count: 2, ValType: wasm.ValI64}},
	}
	if got := f.AddLocal(wasm.ValI64); got != 4 {
		t.Errorf("first AddLocal = %d, want 4", got)
	}
	if got := f.AddLocal(wasm.ValI32); got != 5 {
		t.Errorf("second AddLocal = %d, want 5", got)
	}
	if len(f.Locals) != 2 || f.Locals[0].Count != 3 {
		t.Errorf("Locals = %+v", f.Locals)
	}
}

func TestTakeName(t *testing.T) {
	p := mustLoad(t, testModule())
	double := mustLookup(t, p, "double")
	p.Symbol(double).Debug = true
	hook, err := p.Add(&Symbol{Name: "tmp", Kind: KindFunction, Func: &Function{Body: []Instr{End()}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.TakeName(hook, double); err != nil {
		t.Fatal(err)
	}
	if id, _ := p.Lookup("double"); id != hook {
		t.Error("double does not resolve to the new symbol")
	}
	if p.Symbol(double).Name != "double.orig" {
		t.Errorf("old symbol renamed to %q", p.Symbol(double).Name)
	}
	if !p.Symbol(hook).Debug {
		t.Error("Debug flag not carried over")
	}
}
