package runtime

import (
	"fmt"

	"github.com/wippyai/wasm-easyjit/abi"
	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/program"
	"github.com/wippyai/wasm-easyjit/wasm"
)

// Names added to a fragment by Specialize.
const (
	EntryExport   = "easy_jit_entry"
	SlotExport    = "easy_jit_slot"
	installSymbol = "easy_jit_install"
)

// Specialize rewrites fragment into an instantiable module for one request.
//
// The returned module exports EntryExport, a copy of entry whose specialized
// parameters are overwritten with constants before the original body runs,
// and SlotExport, an i32 global holding the table slot of EntryExport. The
// slot is filled by a start function that appends the entry to the caller's
// table. Imports bound to the fragment host are rebound to caller.
func Specialize(fragment []byte, entry string, pairs []abi.Pair, caller string) ([]byte, error) {
	m, err := wasm.ParseModule(fragment)
	if err != nil {
		return nil, errors.DecodeFailed("fragment", err)
	}
	p, err := program.Load(m)
	if err != nil {
		return nil, err
	}

	target := program.NoID
	for _, e := range p.Exports {
		if e.Name == entry && e.Kind == wasm.KindFunc {
			target = e.Ref
			break
		}
	}
	if target == program.NoID {
		return nil, errors.NotFound(errors.PhaseRuntime, "fragment export", entry)
	}
	fn := p.Symbol(target).Func
	if fn == nil {
		return nil, errors.Unsupported(errors.PhaseRuntime, fmt.Sprintf("imported entry %q", entry))
	}

	prologue := make([]program.Instr, 0, 2*len(pairs))
	for _, pr := range pairs {
		if int(pr.Index) >= len(fn.Type.Params) {
			return nil, errors.OutOfBounds(errors.PhaseRuntime, entry, int(pr.Index), len(fn.Type.Params))
		}
		c, err := abi.ConstFor(fn.Type.Params[pr.Index], pr.Value)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseRuntime, errors.KindUnsupported, err, entry)
		}
		prologue = append(prologue, program.Op(c.Opcode, c.Imm), program.LocalSet(pr.Index))
	}

	// The entry is a copy so that recursive calls still reach the
	// unspecialized function.
	spec, err := p.Add(&program.Symbol{
		Name: p.UniqueName(EntryExport),
		Kind: program.KindFunction,
		Func: &program.Function{
			Type:   fn.Type,
			Locals: append([]wasm.LocalEntry(nil), fn.Locals...),
			Body:   append(prologue, fn.Body...),
		},
	})
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvariant, err, "add entry")
	}

	rebind(p, caller)

	slot, err := p.Add(&program.Symbol{
		Name: p.UniqueName(SlotExport),
		Kind: program.KindVariable,
		Var: &program.Variable{
			Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
			Init: program.ConstExpr(-1),
		},
	})
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvariant, err, "add slot")
	}
	install, err := p.Add(&program.Symbol{
		Name: p.UniqueName(installSymbol),
		Kind: program.KindFunction,
		Func: &program.Function{Body: []program.Instr{
			program.RefFunc(spec),
			program.I32Const(1),
			program.Op(wasm.OpPrefixMisc, wasm.MiscImm{SubOpcode: wasm.MiscTableGrow, Operands: []uint32{0}}),
			program.GlobalSet(slot),
			program.End(),
		}},
	})
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvariant, err, "add installer")
	}
	p.Start = install
	p.Exports = append(p.Exports,
		program.Export{Name: EntryExport, Kind: wasm.KindFunc, Ref: spec},
		program.Export{Name: SlotExport, Kind: wasm.KindGlobal, Ref: slot},
	)

	out, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rebind points fragment host imports at caller and makes sure table 0 is
// the caller's table.
func rebind(p *program.Program, caller string) {
	for _, id := range p.Symbols() {
		if imp := p.Symbol(id).Import; imp != nil && imp.Module == abi.FragmentHost {
			imp.Module = caller
		}
	}
	for i := range p.Memories {
		if imp := p.Memories[i].Import; imp != nil && imp.Module == abi.FragmentHost {
			imp.Module = caller
		}
	}
	for i := range p.Tables {
		if imp := p.Tables[i].Import; imp != nil && imp.Module == abi.FragmentHost {
			imp.Module = caller
		}
	}
	if len(p.Tables) == 0 {
		p.Tables = []program.Table{{
			Import: &program.Import{Module: caller, Name: abi.TableExport},
			Type:   wasm.TableType{ElemType: wasm.ValFuncRef},
		}}
	}
}
