package extract

import (
	stderrors "errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-easyjit/abi"
	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/extract/internal/engine"
	"github.com/wippyai/wasm-easyjit/program"
	"github.com/wippyai/wasm-easyjit/wasm"
)

// Spec selects how a function is specialized: the optimization level
// handed to the compilation service and the ordered parameter positions
// whose runtime values are baked into the specialized code.
type Spec = engine.Spec

// Selection maps function symbol names to their specialization.
type Selection map[string]Spec

// Config configures the transformation.
type Config struct {
	// Logger receives debug traces and one warning per diagnostic. When
	// nil, the package logger is used.
	Logger *zap.Logger

	// Suffix renames candidates inside the embedded module. Defaults to
	// "__", which the reference service expects.
	Suffix string

	// Validate runs structural validation on the input, the embedded
	// module and the output.
	Validate bool
}

// Diagnostic reports why a program was left unchanged, or a non-fatal
// problem with the selection.
type Diagnostic struct {
	Kind    errors.Kind
	Symbol  string
	Message string
}

func (d Diagnostic) String() string {
	if d.Symbol == "" {
		return fmt.Sprintf("%s: %s", d.Kind, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Kind, d.Symbol, d.Message)
}

// Outcome is the result of a transformation.
type Outcome struct {
	// Output is the transformed module, or the input bytes unchanged when
	// Changed is false.
	Output []byte

	// Fragment is the embedded module.
	Fragment []byte

	Diagnostics []Diagnostic

	// Extracted and Closure name the candidates and the symbols their
	// fragment imports.
	Extracted []string
	Closure   []string

	Changed bool
}

// Transformer applies the extraction pass. It holds only configuration
// and may be shared between goroutines.
type Transformer struct {
	cfg Config
	log *zap.Logger
}

// New creates a Transformer.
func New(cfg Config) *Transformer {
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}
	return &Transformer{cfg: cfg, log: log}
}

// Transform is a convenience wrapper around New(cfg).Transform.
func Transform(wasmData []byte, sel Selection, cfg Config) (*Outcome, error) {
	return New(cfg).Transform(wasmData, sel)
}

// Transform decodes wasmData, applies the pass for sel and re-encodes the
// result. Conditions that leave the program untouched are reported as
// diagnostics with Output == wasmData; only malformed input and internal
// invariant violations are returned as errors.
func (t *Transformer) Transform(wasmData []byte, sel Selection) (*Outcome, error) {
	m, err := t.decode(wasmData)
	if err != nil {
		return nil, err
	}
	p, err := program.Load(m)
	if err != nil {
		return nil, err
	}
	out, err := t.Apply(p, sel)
	if err != nil {
		return nil, err
	}
	if !out.Changed {
		out.Output = wasmData
		return out, nil
	}
	if out.Output, err = p.Encode(); err != nil {
		return nil, err
	}
	if t.cfg.Validate {
		if _, err := wasm.ParseModuleValidate(out.Output); err != nil {
			return nil, errors.Wrap(errors.PhaseCommit, errors.KindInvariant, err, "validate output")
		}
	}
	return out, nil
}

func (t *Transformer) decode(wasmData []byte) (*wasm.Module, error) {
	m, err := wasm.ParseModule(wasmData)
	if err != nil {
		return nil, errors.DecodeFailed("module", err)
	}
	if t.cfg.Validate {
		if err := m.Validate(); err != nil {
			return nil, errors.DecodeFailed("module", err)
		}
	}
	return m, nil
}

// Apply runs the pass on p in place. p is only modified when the outcome
// reports Changed; Output is left empty.
func (t *Transformer) Apply(p *program.Program, sel Selection) (*Outcome, error) {
	out := &Outcome{}

	if IsProcessedProgram(p) {
		t.diagnose(out, errors.AlreadyProcessed(abi.ModuleSymbol))
		return out, nil
	}

	cands, err := t.resolve(p, sel)
	if err != nil {
		return t.fail(out, err)
	}
	if len(cands) == 0 {
		return out, nil
	}

	eng := engine.New(engine.Config{Logger: t.log, Suffix: t.cfg.Suffix})
	plan, err := eng.Plan(p, cands)
	if err != nil {
		return t.fail(out, err)
	}
	if t.cfg.Validate {
		if _, err := wasm.ParseModuleValidate(plan.Layout.Blob()); err != nil {
			return nil, errors.Wrap(errors.PhaseSerialize, errors.KindInvariant, err, "validate fragment")
		}
	}

	for _, c := range plan.Candidates {
		out.Extracted = append(out.Extracted, p.Symbol(c.ID).Name)
	}
	for _, id := range plan.Closure {
		out.Closure = append(out.Closure, p.Symbol(id).Name)
	}
	out.Fragment = plan.Layout.Blob()

	if err := plan.Commit(); err != nil {
		return nil, err
	}
	out.Changed = true
	t.log.Info("extracted module written",
		zap.Strings("functions", out.Extracted),
		zap.Int("fragment_bytes", len(out.Fragment)))
	return out, nil
}

// resolve maps selection names to candidates in arena order.
func (t *Transformer) resolve(p *program.Program, sel Selection) ([]engine.Candidate, error) {
	names := make([]string, 0, len(sel))
	for name := range sel {
		names = append(names, name)
	}
	sort.Strings(names)

	cands := make([]engine.Candidate, 0, len(sel))
	for _, name := range names {
		spec := sel[name]
		id, ok := p.Lookup(name)
		if !ok {
			err := errors.NotFound(errors.PhaseConfig, "function", name)
			err.Symbol = name
			return nil, err
		}
		cands = append(cands, engine.Candidate{ID: id, Spec: spec})
	}
	return cands, nil
}

// fail turns recoverable errors into a diagnostic and passes fatal ones on.
func (t *Transformer) fail(out *Outcome, err error) (*Outcome, error) {
	var e *errors.Error
	if stderrors.As(err, &e) && e.Recoverable() {
		t.diagnose(out, e)
		return out, nil
	}
	return nil, err
}

func (t *Transformer) diagnose(out *Outcome, e *errors.Error) {
	d := Diagnostic{Kind: e.Kind, Symbol: e.Symbol, Message: e.Detail}
	if e.Cause != nil {
		d.Message = fmt.Sprintf("%s: %v", d.Message, e.Cause)
	}
	out.Diagnostics = append(out.Diagnostics, d)
	t.log.Warn(d.Message, zap.String("kind", string(d.Kind)), zap.String("symbol", d.Symbol))
}

// IsProcessed reports whether wasmData already carries an embedded module.
// Undecodable input reports false.
func IsProcessed(wasmData []byte) bool {
	m, err := wasm.ParseModule(wasmData)
	if err != nil {
		return false
	}
	return m.ExportIndex(abi.ModuleSymbol) >= 0
}

// IsProcessedProgram reports whether p defines or exports the reserved
// module symbol.
func IsProcessedProgram(p *program.Program) bool {
	if _, ok := p.Lookup(abi.ModuleSymbol); ok {
		return true
	}
	for _, e := range p.Exports {
		if e.Name == abi.ModuleSymbol {
			return true
		}
	}
	return false
}
