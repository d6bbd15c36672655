package engine

import (
	"fmt"

	"github.com/wippyai/wasm-easyjit/abi"
	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/program"
	"github.com/wippyai/wasm-easyjit/wasm"
)

// Prune returns the fragment for cands: a clone of p holding the candidate
// bodies renamed with suffix and exported under the new names, and the
// closure as imports. Memory 0 and table 0 are imported from the host only
// when a candidate body touches them. p is not modified.
func Prune(p *program.Program, cands []Candidate, closure []program.ID, suffix string) (*program.Program, error) {
	f := p.Clone()
	f.Exports = nil
	f.Elements = nil
	f.Data = nil
	f.Start = program.NoID
	f.Customs = nil
	f.ModuleName = ""
	f.DataCount = false
	f.Tables = nil
	f.Memories = nil

	isCand := make(map[program.ID]bool, len(cands))
	for _, c := range cands {
		isCand[c.ID] = true
	}
	inClosure := make(map[program.ID]bool, len(closure))
	for _, id := range closure {
		inClosure[id] = true
	}

	if err := sweep(f, isCand, inClosure); err != nil {
		return nil, err
	}

	for _, id := range closure {
		if err := declare(p, f, id); err != nil {
			return nil, err
		}
	}

	var usesMemory, usesTable bool
	var refs []program.ID
	for _, c := range cands {
		s := f.Symbol(c.ID)
		for _, in := range s.Func.Body {
			usesMemory = usesMemory || touchesMemory(in.Op)
			usesTable = usesTable || touchesTable(in.Op)
			if in.Op.Opcode == wasm.OpRefFunc {
				refs = append(refs, in.Ref)
			}
		}
	}
	for _, id := range f.Symbols() {
		f.Symbol(id).Debug = true
	}
	for _, c := range cands {
		name := f.Symbol(c.ID).Name + suffix
		if _, taken := f.Lookup(name); taken {
			return nil, errors.Invariant(errors.PhasePrune, name, "renamed candidate collides with a fragment symbol")
		}
		if err := f.Rename(c.ID, name); err != nil {
			return nil, errors.Wrap(errors.PhasePrune, errors.KindInvariant, err, "rename candidate")
		}
		f.Exports = append(f.Exports, program.Export{Name: name, Kind: wasm.KindFunc, Ref: c.ID})
	}

	if usesMemory && len(p.Memories) > 0 {
		lim := wasm.Limits{Shared: p.Memories[0].Type.Limits.Shared}
		if lim.Shared {
			lim.Max = p.Memories[0].Type.Limits.Max
		}
		f.Memories = []program.Memory{{
			Import: &program.Import{Module: abi.FragmentHost, Name: abi.MemoryExport},
			Type:   wasm.MemoryType{Limits: lim},
		}}
	}
	if usesTable {
		f.Tables = []program.Table{{
			Import: &program.Import{Module: abi.FragmentHost, Name: abi.TableExport},
			Type:   wasm.TableType{ElemType: wasm.ValFuncRef},
		}}
	}
	if len(refs) > 0 {
		// ref.func targets must be declared by a segment of the module.
		f.Elements = []program.Element{{Flags: 3, Funcs: refs}}
	}
	return f, nil
}

// sweep removes every symbol that is neither a candidate nor reachable
// from one. Closure members end the walk since they lose their bodies.
func sweep(f *program.Program, isCand, inClosure map[program.ID]bool) error {
	live := map[program.ID]bool{}
	var work []program.ID
	for id := range isCand {
		live[id] = true
		work = append(work, id)
	}
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		if inClosure[id] {
			continue
		}
		for _, ref := range f.Refs(id) {
			if !live[ref] {
				live[ref] = true
				work = append(work, ref)
			}
		}
	}
	for _, id := range f.Symbols() {
		switch {
		case live[id] && !isCand[id] && !inClosure[id]:
			return errors.Invariant(errors.PhasePrune, f.Symbol(id).Name, "reachable symbol missing from the closure")
		case !live[id]:
			f.Remove(id)
		}
	}
	return nil
}

// declare turns closure member id of fragment f into an import. Defined
// members are bound through the first export name they have in p.
func declare(p, f *program.Program, id program.ID) error {
	s := f.Symbol(id)
	if s.Import == nil {
		exports := p.ExportsOf(id)
		if len(exports) == 0 {
			return errors.Invariant(errors.PhasePrune, s.Name, "closure member has internal linkage")
		}
		s.Import = &program.Import{Module: abi.FragmentHost, Name: exports[0]}
	}
	switch s.Kind {
	case program.KindFunction:
		s.Func.Body = nil
		s.Func.Locals = nil
	case program.KindVariable:
		s.Var.Init = nil
	default:
		return errors.Invariant(errors.PhasePrune, s.Name, fmt.Sprintf("unknown symbol kind %s", s.Kind))
	}
	return nil
}

func touchesMemory(ins wasm.Instruction) bool {
	switch imm := ins.Imm.(type) {
	case wasm.MemoryImm, wasm.MemoryIdxImm:
		return true
	case wasm.SIMDImm:
		return imm.MemArg != nil
	case wasm.AtomicImm:
		return imm.MemArg != nil
	case wasm.MiscImm:
		switch imm.SubOpcode {
		case wasm.MiscMemoryCopy, wasm.MiscMemoryFill:
			return true
		}
	}
	return false
}

func touchesTable(ins wasm.Instruction) bool {
	switch imm := ins.Imm.(type) {
	case wasm.CallIndirectImm, wasm.TableImm:
		return true
	case wasm.MiscImm:
		switch imm.SubOpcode {
		case wasm.MiscTableCopy, wasm.MiscTableGrow, wasm.MiscTableSize, wasm.MiscTableFill:
			return true
		}
	}
	return false
}
