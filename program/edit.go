package program

import (
	"fmt"

	"github.com/wippyai/wasm-easyjit/wasm"
)

// Clone returns an independent copy of p. Immediates and signatures are
// treated as immutable and shared.
func (p *Program) Clone() *Program {
	c := &Program{
		byName:     make(map[string]ID, len(p.byName)),
		symbols:    make([]*Symbol, len(p.symbols)),
		Tables:     append([]Table(nil), p.Tables...),
		Memories:   append([]Memory(nil), p.Memories...),
		Exports:    append([]Export(nil), p.Exports...),
		Start:      p.Start,
		Customs:    append([]wasm.CustomSection(nil), p.Customs...),
		ModuleName: p.ModuleName,
		DataCount:  p.DataCount,
	}
	for name, id := range p.byName {
		c.byName[name] = id
	}
	for i, s := range p.symbols {
		if s != nil {
			c.symbols[i] = s.clone()
		}
	}
	for _, e := range p.Elements {
		e.Offset = cloneInstrs(e.Offset)
		e.Funcs = append([]ID(nil), e.Funcs...)
		exprs := make([][]Instr, len(e.Exprs))
		for i, x := range e.Exprs {
			exprs[i] = cloneInstrs(x)
		}
		if e.Exprs != nil {
			e.Exprs = exprs
		}
		c.Elements = append(c.Elements, e)
	}
	for _, d := range p.Data {
		d.Offset = cloneInstrs(d.Offset)
		d.Init = append([]byte(nil), d.Init...)
		c.Data = append(c.Data, d)
	}
	return c
}

func (s *Symbol) clone() *Symbol {
	c := *s
	if s.Import != nil {
		imp := *s.Import
		c.Import = &imp
	}
	if s.Func != nil {
		f := *s.Func
		f.Type = wasm.FuncType{
			Params:  append([]wasm.ValType(nil), s.Func.Type.Params...),
			Results: append([]wasm.ValType(nil), s.Func.Type.Results...),
		}
		f.Locals = append([]wasm.LocalEntry(nil), s.Func.Locals...)
		f.Body = cloneInstrs(s.Func.Body)
		c.Func = &f
	}
	if s.Var != nil {
		v := *s.Var
		v.Init = cloneInstrs(s.Var.Init)
		c.Var = &v
	}
	return &c
}

func cloneInstrs(in []Instr) []Instr {
	if in == nil {
		return nil
	}
	return append([]Instr(nil), in...)
}

// ReplaceAllUses redirects every reference to old so it refers to repl
// instead: instruction operands, exports, element segments and the start
// function. It returns the number of references rewritten.
func (p *Program) ReplaceAllUses(old, repl ID) int {
	n := 0
	rewrite := func(body []Instr) {
		for i := range body {
			if body[i].Ref == old {
				body[i].Ref = repl
				n++
			}
		}
	}
	for _, s := range p.symbols {
		switch {
		case s == nil:
		case s.Func != nil:
			rewrite(s.Func.Body)
		case s.Var != nil:
			rewrite(s.Var.Init)
		}
	}
	for i := range p.Exports {
		x := &p.Exports[i]
		if (x.Kind == wasm.KindFunc || x.Kind == wasm.KindGlobal) && x.Ref == old {
			x.Ref = repl
			n++
		}
	}
	for i := range p.Elements {
		e := &p.Elements[i]
		rewrite(e.Offset)
		for j := range e.Funcs {
			if e.Funcs[j] == old {
				e.Funcs[j] = repl
				n++
			}
		}
		for _, x := range e.Exprs {
			rewrite(x)
		}
	}
	for i := range p.Data {
		rewrite(p.Data[i].Offset)
	}
	if p.Start == old {
		p.Start = repl
		n++
	}
	return n
}

// Op builds an instruction without a symbol operand.
func Op(opcode byte, imm any) Instr {
	return Instr{Op: wasm.Instruction{Opcode: opcode, Imm: imm}, Ref: NoID}
}

// Plain wraps already resolved instructions that carry no symbol operand.
func Plain(ins ...wasm.Instruction) []Instr {
	out := make([]Instr, len(ins))
	for i, in := range ins {
		out[i] = Instr{Op: in, Ref: NoID}
	}
	return out
}

// Call calls function id.
func Call(id ID) Instr {
	return Instr{Op: wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{}}, Ref: id}
}

// GlobalGet reads global id.
func GlobalGet(id ID) Instr {
	return Instr{Op: wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{}}, Ref: id}
}

// GlobalSet writes global id.
func GlobalSet(id ID) Instr {
	return Instr{Op: wasm.Instruction{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{}}, Ref: id}
}

// RefFunc takes a reference to function id.
func RefFunc(id ID) Instr {
	return Instr{Op: wasm.Instruction{Opcode: wasm.OpRefFunc, Imm: wasm.RefFuncImm{}}, Ref: id}
}

// CallIndirect calls through table with signature sig.
func CallIndirect(sig wasm.FuncType, table uint32) Instr {
	return Instr{
		Op:  wasm.Instruction{Opcode: wasm.OpCallIndirect, Imm: wasm.CallIndirectImm{TableIdx: table}},
		Ref: NoID,
		Sig: &sig,
	}
}

// LocalGet reads local idx.
func LocalGet(idx uint32) Instr { return Op(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: idx}) }

// LocalSet writes local idx.
func LocalSet(idx uint32) Instr { return Op(wasm.OpLocalSet, wasm.LocalImm{LocalIdx: idx}) }

// I32Const pushes v.
func I32Const(v int32) Instr { return Op(wasm.OpI32Const, wasm.I32Imm{Value: v}) }

// I64Const pushes v.
func I64Const(v int64) Instr { return Op(wasm.OpI64Const, wasm.I64Imm{Value: v}) }

// End closes a body or block.
func End() Instr { return Op(wasm.OpEnd, nil) }

// ConstExpr is the constant expression "i32.const v; end".
func ConstExpr(v int32) []Instr { return []Instr{I32Const(v), End()} }

// TakeName moves the name of src to dst. src is renamed to a fresh
// name derived from its old one, and dst takes over src's Debug flag.
func (p *Program) TakeName(dst, src ID) error {
	s, d := p.Symbol(src), p.Symbol(dst)
	if s == nil || d == nil {
		return fmt.Errorf("take name between removed symbols %d and %d", dst, src)
	}
	name := s.Name
	if err := p.Rename(src, p.UniqueName(name+".orig")); err != nil {
		return err
	}
	d.Debug = s.Debug
	return p.Rename(dst, name)
}
