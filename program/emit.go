package program

import (
	"fmt"

	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/wasm"
)

// Emit lowers the program back to a module. Imported functions and
// globals take the low indices of their spaces in arena order, followed by
// the defined ones. Types are deduplicated in first-use order.
func (p *Program) Emit() (*wasm.Module, error) {
	e := &emitter{
		p:     p,
		m:     &wasm.Module{},
		funcs: map[ID]uint32{},
		globs: map[ID]uint32{},
	}
	if err := e.indices(); err != nil {
		return nil, err
	}
	if err := e.imports(); err != nil {
		return nil, err
	}
	if err := e.definitions(); err != nil {
		return nil, err
	}
	if err := e.segments(); err != nil {
		return nil, err
	}
	e.names()
	return e.m, nil
}

// Encode emits and encodes the program.
func (p *Program) Encode() ([]byte, error) {
	m, err := p.Emit()
	if err != nil {
		return nil, err
	}
	return m.Encode(), nil
}

type emitter struct {
	p       *Program
	m       *wasm.Module
	funcs   map[ID]uint32
	globs   map[ID]uint32
	defFns  []ID
	defVars []ID
}

func emitErr(symbol, format string, args ...any) error {
	return errors.New(errors.PhaseSerialize, errors.KindInvariant).
		Symbol(symbol).
		Detail(format, args...).
		Build()
}

func (e *emitter) indices() error {
	var fi, gi uint32
	for pass := 0; pass < 2; pass++ {
		for _, id := range e.p.Symbols() {
			s := e.p.symbols[id]
			if (pass == 0) != s.IsDeclaration() {
				continue
			}
			switch s.Kind {
			case KindFunction:
				e.funcs[id] = fi
				fi++
				if pass == 1 {
					e.defFns = append(e.defFns, id)
				}
			case KindVariable:
				e.globs[id] = gi
				gi++
				if pass == 1 {
					e.defVars = append(e.defVars, id)
				}
			default:
				return emitErr(s.Name, "unknown symbol kind %s", s.Kind)
			}
		}
	}
	return nil
}

func (e *emitter) imports() error {
	for _, id := range e.p.Symbols() {
		s := e.p.symbols[id]
		if s.Kind != KindFunction || !s.IsDeclaration() {
			continue
		}
		e.m.Imports = append(e.m.Imports, wasm.Import{
			Module: s.Import.Module,
			Name:   s.Import.Name,
			Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: e.m.AddType(s.Func.Type)},
		})
	}

	defined := false
	for i := range e.p.Tables {
		t := &e.p.Tables[i]
		if t.Import == nil {
			defined = true
			e.m.Tables = append(e.m.Tables, t.Type)
			continue
		}
		if defined {
			return emitErr(t.Import.Name, "imported table %d follows a defined table", i)
		}
		tt := t.Type
		e.m.Imports = append(e.m.Imports, wasm.Import{
			Module: t.Import.Module,
			Name:   t.Import.Name,
			Desc:   wasm.ImportDesc{Kind: wasm.KindTable, Table: &tt},
		})
	}

	defined = false
	for i := range e.p.Memories {
		mem := &e.p.Memories[i]
		if mem.Import == nil {
			defined = true
			e.m.Memories = append(e.m.Memories, mem.Type)
			continue
		}
		if defined {
			return emitErr(mem.Import.Name, "imported memory %d follows a defined memory", i)
		}
		mt := mem.Type
		e.m.Imports = append(e.m.Imports, wasm.Import{
			Module: mem.Import.Module,
			Name:   mem.Import.Name,
			Desc:   wasm.ImportDesc{Kind: wasm.KindMemory, Memory: &mt},
		})
	}

	for _, id := range e.p.Symbols() {
		s := e.p.symbols[id]
		if s.Kind != KindVariable || !s.IsDeclaration() {
			continue
		}
		gt := s.Var.Type
		e.m.Imports = append(e.m.Imports, wasm.Import{
			Module: s.Import.Module,
			Name:   s.Import.Name,
			Desc:   wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &gt},
		})
	}
	return nil
}

func (e *emitter) definitions() error {
	for _, id := range e.defFns {
		s := e.p.symbols[id]
		if s.Func.Body == nil {
			return emitErr(s.Name, "defined function has no body")
		}
		code, err := e.lower(s.Func.Body)
		if err != nil {
			return emitErr(s.Name, "%v", err)
		}
		e.m.Funcs = append(e.m.Funcs, e.m.AddType(s.Func.Type))
		e.m.Code = append(e.m.Code, wasm.FuncBody{
			Locals: append([]wasm.LocalEntry(nil), s.Func.Locals...),
			Code:   code,
		})
	}
	for _, id := range e.defVars {
		s := e.p.symbols[id]
		init, err := e.lower(s.Var.Init)
		if err != nil {
			return emitErr(s.Name, "%v", err)
		}
		e.m.Globals = append(e.m.Globals, wasm.Global{Type: s.Var.Type, Init: init})
	}

	for _, x := range e.p.Exports {
		out := wasm.Export{Name: x.Name, Kind: x.Kind, Idx: x.Index}
		switch x.Kind {
		case wasm.KindFunc:
			idx, ok := e.funcs[x.Ref]
			if !ok {
				return emitErr(x.Name, "export refers to missing function %d", x.Ref)
			}
			out.Idx = idx
		case wasm.KindGlobal:
			idx, ok := e.globs[x.Ref]
			if !ok {
				return emitErr(x.Name, "export refers to missing global %d", x.Ref)
			}
			out.Idx = idx
		}
		e.m.Exports = append(e.m.Exports, out)
	}

	if e.p.Start != NoID {
		idx, ok := e.funcs[e.p.Start]
		if !ok {
			return emitErr("start", "start refers to missing function %d", e.p.Start)
		}
		e.m.Start = &idx
	}
	return nil
}

func (e *emitter) segments() error {
	for i := range e.p.Elements {
		el := &e.p.Elements[i]
		out := wasm.Element{Flags: el.Flags, TableIdx: el.Table, ElemKind: el.Kind, Type: el.Type}
		var err error
		if el.Offset != nil {
			if out.Offset, err = e.lower(el.Offset); err != nil {
				return emitErr(fmt.Sprintf("element[%d]", i), "%v", err)
			}
		}
		for _, f := range el.Funcs {
			idx, ok := e.funcs[f]
			if !ok {
				return emitErr(fmt.Sprintf("element[%d]", i), "missing function %d", f)
			}
			out.FuncIdxs = append(out.FuncIdxs, idx)
		}
		if el.Flags&0x04 == 0 && out.FuncIdxs == nil {
			out.FuncIdxs = []uint32{}
		}
		for _, x := range el.Exprs {
			code, err := e.lower(x)
			if err != nil {
				return emitErr(fmt.Sprintf("element[%d]", i), "%v", err)
			}
			out.Exprs = append(out.Exprs, code)
		}
		e.m.Elements = append(e.m.Elements, out)
	}

	for i := range e.p.Data {
		d := &e.p.Data[i]
		out := wasm.DataSegment{Flags: d.Flags, MemIdx: d.Memory, Init: d.Init}
		if d.Offset != nil {
			off, err := e.lower(d.Offset)
			if err != nil {
				return emitErr(fmt.Sprintf("data[%d]", i), "%v", err)
			}
			out.Offset = off
		}
		e.m.Data = append(e.m.Data, out)
	}
	if e.p.DataCount {
		n := uint32(len(e.m.Data))
		e.m.DataCount = &n
	}
	return nil
}

func (e *emitter) names() {
	e.m.CustomSections = append(e.m.CustomSections, e.p.Customs...)
	ns := wasm.NewNameSection()
	ns.Module = e.p.ModuleName
	for id, idx := range e.funcs {
		if s := e.p.symbols[id]; s.Debug {
			ns.Funcs[idx] = s.Name
		}
	}
	for id, idx := range e.globs {
		if s := e.p.symbols[id]; s.Debug {
			ns.Globals[idx] = s.Name
		}
	}
	if ns.Module != "" || len(ns.Funcs) > 0 || len(ns.Globals) > 0 {
		e.m.SetNames(ns)
	}
}

// lower resolves symbol operands and signatures to indices and encodes.
func (e *emitter) lower(body []Instr) ([]byte, error) {
	ins := make([]wasm.Instruction, len(body))
	for i, in := range body {
		op := in.Op
		switch op.Imm.(type) {
		case wasm.CallImm:
			idx, ok := e.funcs[in.Ref]
			if !ok {
				return nil, fmt.Errorf("call of missing function %d", in.Ref)
			}
			op.Imm = wasm.CallImm{FuncIdx: idx}
		case wasm.RefFuncImm:
			idx, ok := e.funcs[in.Ref]
			if !ok {
				return nil, fmt.Errorf("ref.func of missing function %d", in.Ref)
			}
			op.Imm = wasm.RefFuncImm{FuncIdx: idx}
		case wasm.GlobalImm:
			idx, ok := e.globs[in.Ref]
			if !ok {
				return nil, fmt.Errorf("access of missing global %d", in.Ref)
			}
			op.Imm = wasm.GlobalImm{GlobalIdx: idx}
		case wasm.CallIndirectImm:
			if in.Sig == nil {
				return nil, fmt.Errorf("call_indirect without signature")
			}
			imm := op.Imm.(wasm.CallIndirectImm)
			imm.TypeIdx = e.m.AddType(*in.Sig)
			op.Imm = imm
		case wasm.BlockImm:
			if in.Sig != nil {
				op.Imm = wasm.BlockImm{Type: int32(e.m.AddType(*in.Sig))}
			}
		}
		ins[i] = op
	}
	return wasm.EncodeInstructions(ins), nil
}
