package program

import (
	"fmt"
	"strconv"

	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/wasm"
)

// Load lifts m into a Program. Function bodies and constant expressions
// keep their trailing end.
//
// Symbol names come from the name section, then the first export, then the
// import as module.name, then func[N] or global[N]. Clashes get a #N suffix.
func Load(m *wasm.Module) (*Program, error) {
	p := New()
	ns := m.Names()
	p.ModuleName = ns.Module
	p.DataCount = m.DataCount != nil

	l := &lifter{m: m}
	if err := l.declare(p, ns); err != nil {
		return nil, err
	}

	for i := range m.Imports {
		imp := &m.Imports[i]
		ref := &Import{Module: imp.Module, Name: imp.Name}
		switch imp.Desc.Kind {
		case wasm.KindTable:
			p.Tables = append(p.Tables, Table{Import: ref, Type: *imp.Desc.Table})
		case wasm.KindMemory:
			p.Memories = append(p.Memories, Memory{Import: ref, Type: *imp.Desc.Memory})
		}
	}
	for _, t := range m.Tables {
		p.Tables = append(p.Tables, Table{Type: t})
	}
	for _, mem := range m.Memories {
		p.Memories = append(p.Memories, Memory{Type: mem})
	}

	imported := m.NumImportedFuncs()
	for i := range m.Code {
		fn := p.symbols[l.funcs[imported+i]].Func
		fn.Locals = append([]wasm.LocalEntry(nil), m.Code[i].Locals...)
		body, err := l.lift(m.Code[i].Code)
		if err != nil {
			return nil, loadErr(p.symbols[l.funcs[imported+i]].Name, err)
		}
		fn.Body = body
	}
	importedGlobals := m.NumImportedGlobals()
	for i := range m.Globals {
		id := l.globals[importedGlobals+i]
		init, err := l.lift(m.Globals[i].Init)
		if err != nil {
			return nil, loadErr(p.symbols[id].Name, err)
		}
		p.symbols[id].Var.Init = init
	}

	for _, e := range m.Exports {
		x := Export{Name: e.Name, Kind: e.Kind, Ref: NoID, Index: e.Idx}
		switch e.Kind {
		case wasm.KindFunc:
			id, err := l.fn(e.Idx)
			if err != nil {
				return nil, loadErr(e.Name, err)
			}
			x.Ref, x.Index = id, 0
		case wasm.KindGlobal:
			id, err := l.global(e.Idx)
			if err != nil {
				return nil, loadErr(e.Name, err)
			}
			x.Ref, x.Index = id, 0
		}
		p.Exports = append(p.Exports, x)
	}

	if m.Start != nil {
		id, err := l.fn(*m.Start)
		if err != nil {
			return nil, loadErr("start", err)
		}
		p.Start = id
	}

	for i := range m.Elements {
		e, err := l.element(&m.Elements[i])
		if err != nil {
			return nil, loadErr(fmt.Sprintf("element[%d]", i), err)
		}
		p.Elements = append(p.Elements, e)
	}
	for i := range m.Data {
		d := &m.Data[i]
		x := Data{Flags: d.Flags, Memory: d.MemIdx, Init: d.Init}
		if d.Offset != nil {
			off, err := l.lift(d.Offset)
			if err != nil {
				return nil, loadErr(fmt.Sprintf("data[%d]", i), err)
			}
			x.Offset = off
		}
		p.Data = append(p.Data, x)
	}

	for _, cs := range m.CustomSections {
		if cs.Name != wasm.NameSectionName {
			p.Customs = append(p.Customs, cs)
		}
	}
	return p, nil
}

func loadErr(symbol string, cause error) error {
	return errors.New(errors.PhaseLoad, errors.KindInvalidData).
		Symbol(symbol).
		Cause(cause).
		Detail("lift module").
		Build()
}

type lifter struct {
	m       *wasm.Module
	funcs   []ID
	globals []ID
}

// declare creates one symbol per function and global so bodies can refer
// to any of them.
func (l *lifter) declare(p *Program, ns *wasm.NameSection) error {
	m := l.m
	firstExport := func(kind byte, idx uint32) string {
		for _, e := range m.Exports {
			if e.Kind == kind && e.Idx == idx {
				return e.Name
			}
		}
		return ""
	}
	name := func(kind byte, idx uint32, debug map[uint32]string, imp *wasm.Import) (string, bool) {
		if n, ok := debug[idx]; ok && n != "" {
			return n, true
		}
		if n := firstExport(kind, idx); n != "" {
			return n, false
		}
		if imp != nil {
			return imp.Module + "." + imp.Name, false
		}
		if kind == wasm.KindFunc {
			return "func[" + strconv.Itoa(int(idx)) + "]", false
		}
		return "global[" + strconv.Itoa(int(idx)) + "]", false
	}
	add := func(sym *Symbol) (ID, error) {
		sym.Name = p.UniqueName(sym.Name)
		return p.Add(sym)
	}

	var idx uint32
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Desc.Kind != wasm.KindFunc {
			continue
		}
		ft := m.GetFuncType(idx)
		if ft == nil {
			return loadErr(imp.Module+"."+imp.Name, fmt.Errorf("type index %d out of range", imp.Desc.TypeIdx))
		}
		n, debug := name(wasm.KindFunc, idx, ns.Funcs, imp)
		id, err := add(&Symbol{
			Name:   n,
			Debug:  debug,
			Kind:   KindFunction,
			Import: &Import{Module: imp.Module, Name: imp.Name},
			Func:   &Function{Type: *ft},
		})
		if err != nil {
			return err
		}
		l.funcs = append(l.funcs, id)
		idx++
	}
	for range m.Funcs {
		ft := m.GetFuncType(idx)
		if ft == nil {
			return loadErr(fmt.Sprintf("func[%d]", idx), fmt.Errorf("type index out of range"))
		}
		n, debug := name(wasm.KindFunc, idx, ns.Funcs, nil)
		id, err := add(&Symbol{Name: n, Debug: debug, Kind: KindFunction, Func: &Function{Type: *ft}})
		if err != nil {
			return err
		}
		l.funcs = append(l.funcs, id)
		idx++
	}

	idx = 0
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Desc.Kind != wasm.KindGlobal {
			continue
		}
		n, debug := name(wasm.KindGlobal, idx, ns.Globals, imp)
		id, err := add(&Symbol{
			Name:   n,
			Debug:  debug,
			Kind:   KindVariable,
			Import: &Import{Module: imp.Module, Name: imp.Name},
			Var:    &Variable{Type: *imp.Desc.Global},
		})
		if err != nil {
			return err
		}
		l.globals = append(l.globals, id)
		idx++
	}
	for i := range m.Globals {
		n, debug := name(wasm.KindGlobal, idx, ns.Globals, nil)
		id, err := add(&Symbol{Name: n, Debug: debug, Kind: KindVariable, Var: &Variable{Type: m.Globals[i].Type}})
		if err != nil {
			return err
		}
		l.globals = append(l.globals, id)
		idx++
	}
	return nil
}

func (l *lifter) fn(idx uint32) (ID, error) {
	if int(idx) >= len(l.funcs) {
		return NoID, fmt.Errorf("function index %d out of range", idx)
	}
	return l.funcs[idx], nil
}

func (l *lifter) global(idx uint32) (ID, error) {
	if int(idx) >= len(l.globals) {
		return NoID, fmt.Errorf("global index %d out of range", idx)
	}
	return l.globals[idx], nil
}

func (l *lifter) sig(idx uint32) (*wasm.FuncType, error) {
	if int(idx) >= len(l.m.Types) {
		return nil, fmt.Errorf("type index %d out of range", idx)
	}
	ft := l.m.Types[idx]
	return &ft, nil
}

func (l *lifter) lift(code []byte) ([]Instr, error) {
	ins, err := wasm.DecodeInstructions(code)
	if err != nil {
		return nil, err
	}
	out := make([]Instr, len(ins))
	for i, in := range ins {
		x := Instr{Op: in, Ref: NoID}
		switch imm := in.Imm.(type) {
		case wasm.CallImm:
			x.Ref, err = l.fn(imm.FuncIdx)
		case wasm.RefFuncImm:
			x.Ref, err = l.fn(imm.FuncIdx)
		case wasm.GlobalImm:
			x.Ref, err = l.global(imm.GlobalIdx)
		case wasm.CallIndirectImm:
			x.Sig, err = l.sig(imm.TypeIdx)
		case wasm.BlockImm:
			if imm.Type >= 0 {
				x.Sig, err = l.sig(uint32(imm.Type))
			}
		}
		if err != nil {
			return nil, err
		}
		out[i] = x
	}
	return out, nil
}

func (l *lifter) element(e *wasm.Element) (Element, error) {
	x := Element{Flags: e.Flags, Table: e.TableIdx, Kind: e.ElemKind, Type: e.Type}
	var err error
	if e.Offset != nil {
		if x.Offset, err = l.lift(e.Offset); err != nil {
			return Element{}, err
		}
	}
	for _, f := range e.FuncIdxs {
		id, err := l.fn(f)
		if err != nil {
			return Element{}, err
		}
		x.Funcs = append(x.Funcs, id)
	}
	for _, expr := range e.Exprs {
		lifted, err := l.lift(expr)
		if err != nil {
			return Element{}, err
		}
		x.Exprs = append(x.Exprs, lifted)
	}
	return x, nil
}

// UniqueName returns base if no symbol uses it, otherwise the first free
// base#N with N >= 2.
func (p *Program) UniqueName(base string) string {
	if _, taken := p.byName[base]; !taken {
		return base
	}
	for n := 2; ; n++ {
		c := base + "#" + strconv.Itoa(n)
		if _, taken := p.byName[c]; !taken {
			return c
		}
	}
}
