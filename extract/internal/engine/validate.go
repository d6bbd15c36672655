package engine

import (
	"fmt"

	"github.com/wippyai/wasm-easyjit/abi"
	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/program"
	"github.com/wippyai/wasm-easyjit/wasm"
)

// Validate checks that every candidate can be extracted from p with the
// given closure. The first problem found is returned as a recoverable
// error; p is never modified.
func Validate(p *program.Program, cands []Candidate, closure []program.ID) error {
	for _, c := range cands {
		if err := validateCandidate(p, c); err != nil {
			return err
		}
	}
	for _, id := range closure {
		if p.Linkage(id) == program.Internal {
			s := p.Symbol(id)
			return errors.Unresolvable(s.Name, fmt.Sprintf("internal %s referenced by an extracted function", s.Kind))
		}
	}
	if err := validateMemory(p); err != nil {
		return err
	}
	return validateTable(p)
}

func validateCandidate(p *program.Program, c Candidate) error {
	s := p.Symbol(c.ID)
	if s == nil {
		return errors.Invariant(errors.PhaseValidate, fmt.Sprint(c.ID), "candidate is not in the program")
	}
	if s.Kind != program.KindFunction {
		return errors.New(errors.PhaseValidate, errors.KindInvalidInput).
			Symbol(s.Name).
			Detail("only functions can be extracted, got %s", s.Kind).
			Build()
	}
	if s.IsDeclaration() {
		return errors.New(errors.PhaseValidate, errors.KindUnsupported).
			Symbol(s.Name).
			Detail("imported function %s.%s has no body to extract", s.Import.Module, s.Import.Name).
			Build()
	}

	params := s.Func.Type.Params
	if len(c.Spec.Params) > abi.MaxPairs {
		return errors.New(errors.PhaseValidate, errors.KindUnsupported).
			Symbol(s.Name).
			Detail("%d specialized parameters exceed the limit of %d", len(c.Spec.Params), abi.MaxPairs).
			Build()
	}
	seen := map[uint32]bool{}
	for _, idx := range c.Spec.Params {
		if int(idx) >= len(params) {
			return errors.OutOfBounds(errors.PhaseValidate, s.Name, int(idx), len(params))
		}
		if seen[idx] {
			return errors.New(errors.PhaseValidate, errors.KindInvalidInput).
				Symbol(s.Name).
				Detail("parameter %d selected twice", idx).
				Build()
		}
		seen[idx] = true
		if !params[idx].IsNumeric() {
			return errors.New(errors.PhaseValidate, errors.KindUnsupported).
				Symbol(s.Name).
				Detail("parameter %d has type %s, which has no value encoding", idx, params[idx]).
				Build()
		}
	}

	for _, in := range s.Func.Body {
		if what := unsupportedUse(in.Op); what != "" {
			return errors.New(errors.PhaseValidate, errors.KindUnsupported).
				Symbol(s.Name).
				Detail("body uses %s", what).
				Build()
		}
	}
	return nil
}

// unsupportedUse names what in ins binds to module state a fragment cannot
// carry, or returns "".
func unsupportedUse(ins wasm.Instruction) string {
	switch imm := ins.Imm.(type) {
	case wasm.MemoryImm:
		if imm.MemIdx != 0 {
			return fmt.Sprintf("memory %d", imm.MemIdx)
		}
	case wasm.MemoryIdxImm:
		if imm.MemIdx != 0 {
			return fmt.Sprintf("memory %d", imm.MemIdx)
		}
	case wasm.SIMDImm:
		if imm.MemArg != nil && imm.MemArg.MemIdx != 0 {
			return fmt.Sprintf("memory %d", imm.MemArg.MemIdx)
		}
	case wasm.AtomicImm:
		if imm.MemArg != nil && imm.MemArg.MemIdx != 0 {
			return fmt.Sprintf("memory %d", imm.MemArg.MemIdx)
		}
	case wasm.CallIndirectImm:
		if imm.TableIdx != 0 {
			return fmt.Sprintf("table %d", imm.TableIdx)
		}
	case wasm.TableImm:
		if imm.TableIdx != 0 {
			return fmt.Sprintf("table %d", imm.TableIdx)
		}
	case wasm.MiscImm:
		switch imm.SubOpcode {
		case wasm.MiscMemoryInit:
			return "memory.init"
		case wasm.MiscDataDrop:
			return "data.drop"
		case wasm.MiscTableInit:
			return "table.init"
		case wasm.MiscElemDrop:
			return "elem.drop"
		case wasm.MiscMemoryCopy, wasm.MiscMemoryFill:
			for _, m := range imm.Operands {
				if m != 0 {
					return fmt.Sprintf("memory %d", m)
				}
			}
		case wasm.MiscTableCopy, wasm.MiscTableGrow, wasm.MiscTableSize, wasm.MiscTableFill:
			for _, t := range imm.Operands {
				if t != 0 {
					return fmt.Sprintf("table %d", t)
				}
			}
		}
	}
	return ""
}

func validateMemory(p *program.Program) error {
	if len(p.Memories) == 0 {
		return nil
	}
	mem := p.Memories[0]
	switch {
	case mem.Import != nil:
		return errors.Unsupported(errors.PhaseValidate,
			fmt.Sprintf("imported memory %s.%s cannot hold the embedded module", mem.Import.Module, mem.Import.Name))
	case mem.Type.Limits.Memory64:
		return errors.Unsupported(errors.PhaseValidate, "64-bit memory")
	}
	return nil
}

func validateTable(p *program.Program) error {
	if len(p.Tables) > 0 {
		tab := p.Tables[0]
		switch {
		case tab.Type.ElemType != wasm.ValFuncRef:
			return errors.Unsupported(errors.PhaseValidate,
				fmt.Sprintf("table 0 holds %s, trampolines need funcref", tab.Type.ElemType))
		case tab.Import != nil && tab.Type.Limits.Max != nil:
			return errors.New(errors.PhaseValidate, errors.KindUnsupported).
				Symbol(tab.Import.Module + "." + tab.Import.Name).
				Value(*tab.Type.Limits.Max).
				Detail("imported table 0 has a maximum of %d and cannot grow freely", *tab.Type.Limits.Max).
				Build()
		}
	}
	for _, e := range p.Exports {
		switch e.Name {
		case abi.MemoryExport, abi.TableExport:
			return errors.New(errors.PhaseValidate, errors.KindUnsupported).
				Symbol(e.Name).
				Detail("export name is reserved").
				Build()
		}
	}
	return nil
}
