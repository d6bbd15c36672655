package engine

import (
	"sort"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-easyjit/abi"
	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/program"
	"github.com/wippyai/wasm-easyjit/wasm"
)

// Spec selects how a candidate is specialized: the optimization level and
// the parameter positions whose runtime values are baked in.
type Spec struct {
	Params []uint32
	Level  int32
}

// Candidate is a function of the program selected for extraction.
type Candidate struct {
	Spec Spec
	ID   program.ID
}

// Config configures the engine.
type Config struct {
	Logger *zap.Logger

	// Suffix renames candidates inside the fragment. Defaults to abi.Suffix.
	Suffix string
}

// Engine runs the extraction pipeline. It holds only configuration.
type Engine struct {
	log    *zap.Logger
	suffix string
}

// New creates an engine.
func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	suffix := cfg.Suffix
	if suffix == "" {
		suffix = abi.Suffix
	}
	return &Engine{log: log, suffix: suffix}
}

// Plan is a fully computed extraction that has not touched the program.
type Plan struct {
	p        *program.Program
	log      *zap.Logger
	Fragment *program.Program
	Layout   *Layout

	// Candidates are sorted by arena order.
	Candidates []Candidate
	Closure    []program.ID
}

// Plan runs closure analysis, validation, pruning and serialization for
// cands. A recoverable *errors.Error means the program cannot be
// processed as requested; p is unchanged either way.
func (e *Engine) Plan(p *program.Program, cands []Candidate) (*Plan, error) {
	cands = append([]Candidate(nil), cands...)
	sort.Slice(cands, func(i, j int) bool { return cands[i].ID < cands[j].ID })

	closure, err := Closure(p, cands, e.log)
	if err != nil {
		return nil, err
	}
	if err := Validate(p, cands, closure); err != nil {
		return nil, err
	}
	frag, err := Prune(p, cands, closure, e.suffix)
	if err != nil {
		return nil, err
	}
	lay, err := Serialize(p, frag, cands)
	if err != nil {
		return nil, err
	}
	e.log.Debug("fragment serialized",
		zap.Int("candidates", len(cands)),
		zap.Int("closure", len(closure)),
		zap.Uint64("bytes", lay.BlobLen),
		zap.Uint32("address", lay.Base))

	return &Plan{
		p:          p,
		log:        e.log,
		Fragment:   frag,
		Layout:     lay,
		Candidates: cands,
		Closure:    closure,
	}, nil
}

// Commit applies the plan to its program: memory 0 grows to hold the
// embedded region, table 0 loses its maximum so specializations can be
// installed, the reserved global and exports are added, the host imports
// are declared and every candidate is replaced by a trampoline. Errors
// here are invariant violations.
func (pl *Plan) Commit() error {
	p, lay := pl.p, pl.Layout

	if _, taken := p.Lookup(abi.ModuleSymbol); taken {
		return errors.Invariant(errors.PhaseCommit, abi.ModuleSymbol, "reserved symbol already defined")
	}

	if lay.CreateMemory {
		p.Memories = append(p.Memories, program.Memory{
			Type: wasm.MemoryType{Limits: wasm.Limits{Min: lay.MinPages}},
		})
	} else if p.Memories[0].Type.Limits.Min < lay.MinPages {
		p.Memories[0].Type.Limits.Min = lay.MinPages
	}
	p.Data = append(p.Data, program.Data{
		Offset: program.ConstExpr(int32(lay.Base)),
		Init:   lay.Region,
	})
	raiseHeapBase(p, uint64(lay.Base)+uint64(len(lay.Region)), pl.log)

	module, err := p.Add(&program.Symbol{
		Name: abi.ModuleSymbol,
		Kind: program.KindVariable,
		Var: &program.Variable{
			Type: wasm.GlobalType{ValType: wasm.ValI32},
			Init: program.ConstExpr(int32(lay.Base)),
		},
	})
	if err != nil {
		return errors.Wrap(errors.PhaseCommit, errors.KindInvariant, err, "add module global")
	}

	if len(p.Tables) == 0 {
		p.Tables = append(p.Tables, program.Table{Type: wasm.TableType{ElemType: wasm.ValFuncRef}})
	} else if p.Tables[0].Import == nil {
		// The service grows table 0 by one slot per specialization.
		p.Tables[0].Type.Limits.Max = nil
	}
	p.Exports = append(p.Exports,
		program.Export{Name: abi.ModuleSymbol, Kind: wasm.KindGlobal, Ref: module},
		program.Export{Name: abi.MemoryExport, Kind: wasm.KindMemory, Ref: program.NoID},
		program.Export{Name: abi.TableExport, Kind: wasm.KindTable, Ref: program.NoID},
	)

	h, err := pl.declareHost(module)
	if err != nil {
		return err
	}
	for i, c := range pl.Candidates {
		if _, err := installTrampoline(p, c, lay.Names[i], lay.BlobLen, h, pl.log); err != nil {
			return err
		}
	}
	return nil
}

// heapBaseExport is where wasm-ld and Emscripten publish the start of
// the heap.
const heapBaseExport = "__heap_base"

// raiseHeapBase moves an exported constant __heap_base to end, rounded up
// to 16 bytes, when it lies below it. Allocators start handing out memory
// there, so the embedded region is kept out of the heap.
func raiseHeapBase(p *program.Program, end uint64, log *zap.Logger) {
	for _, e := range p.Exports {
		if e.Name != heapBaseExport || e.Kind != wasm.KindGlobal {
			continue
		}
		s := p.Symbol(e.Ref)
		if s == nil || s.IsDeclaration() || s.Var.Type.ValType != wasm.ValI32 || len(s.Var.Init) != 2 {
			return
		}
		imm, ok := s.Var.Init[0].Op.Imm.(wasm.I32Imm)
		if !ok || uint64(uint32(imm.Value)) >= end {
			return
		}
		aligned := (end + 15) &^ 15
		if aligned > 0xFFFFFFFF {
			return
		}
		s.Var.Init = program.ConstExpr(int32(uint32(aligned)))
		log.Debug("heap base moved past the embedded module",
			zap.Uint32("from", uint32(imm.Value)),
			zap.Uint64("to", aligned))
		return
	}
}

func (pl *Plan) declareHost(module program.ID) (host, error) {
	p := pl.p
	h := host{compile: map[int]program.ID{}, module: module}
	declare := func(name string, ft wasm.FuncType) (program.ID, error) {
		id, err := p.Add(&program.Symbol{
			Name:   p.UniqueName(abi.HostModule + "." + name),
			Kind:   program.KindFunction,
			Import: &program.Import{Module: abi.HostModule, Name: name},
			Func:   &program.Function{Type: ft},
		})
		if err != nil {
			return program.NoID, errors.Wrap(errors.PhaseCommit, errors.KindInvariant, err, "declare "+name)
		}
		return id, nil
	}

	var err error
	if h.endCall, err = declare(abi.EndCall, abi.EndCallType()); err != nil {
		return h, err
	}
	counts := map[int]bool{}
	for _, c := range pl.Candidates {
		counts[len(c.Spec.Params)] = true
	}
	ks := make([]int, 0, len(counts))
	for k := range counts {
		ks = append(ks, k)
	}
	sort.Ints(ks)
	for _, k := range ks {
		if h.compile[k], err = declare(abi.CompileImport(k), abi.CompileType(k)); err != nil {
			return h, err
		}
	}
	return h, nil
}
