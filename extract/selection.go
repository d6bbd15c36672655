package extract

import (
	"fmt"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-easyjit/abi"
	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/program"
)

// Rule selects the functions whose names match a glob pattern.
type Rule struct {
	Function string   `yaml:"function"`
	Params   []uint32 `yaml:"params"`
	Level    int32    `yaml:"level"`
}

// SelectionFile is the YAML form of a Selection:
//
//	candidates:
//	  - function: "kernel_*"
//	    level: 2
//	    params: [1, 2]
type SelectionFile struct {
	Candidates []Rule `yaml:"candidates"`
}

// LoadSelection reads a selection file.
func LoadSelection(path string) (*SelectionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Load("read selection file", err)
	}
	return ParseSelection(data)
}

// ParseSelection decodes a selection file.
func ParseSelection(data []byte) (*SelectionFile, error) {
	var f SelectionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Cause(err).
			Detail("parse selection file").
			Build()
	}
	for i, r := range f.Candidates {
		if strings.TrimSpace(r.Function) == "" {
			return nil, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("candidate %d has no function pattern", i))
		}
	}
	return &f, nil
}

// Resolve matches the rules against the defined functions of p. The first
// matching rule wins for each function. Rules that match nothing are
// reported as diagnostics and logged to log, or to the package logger when
// log is nil. Reserved symbols never match.
func (f *SelectionFile) Resolve(p *program.Program, log *zap.Logger) (Selection, []Diagnostic, error) {
	if log == nil {
		log = Logger()
	}
	type compiled struct {
		g    glob.Glob
		rule Rule
		hits int
	}
	rules := make([]*compiled, 0, len(f.Candidates))
	for _, r := range f.Candidates {
		g, err := glob.Compile(r.Function)
		if err != nil {
			return nil, nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Symbol(r.Function).
				Cause(err).
				Detail("compile pattern").
				Build()
		}
		rules = append(rules, &compiled{g: g, rule: r})
	}

	sel := Selection{}
	for _, id := range p.Symbols() {
		s := p.Symbol(id)
		if s.Kind != program.KindFunction || s.IsDeclaration() || reserved(s.Name) {
			continue
		}
		for _, c := range rules {
			if c.g.Match(s.Name) {
				c.hits++
				sel[s.Name] = Spec{Level: c.rule.Level, Params: append([]uint32(nil), c.rule.Params...)}
				break
			}
		}
	}

	var diags []Diagnostic
	for _, c := range rules {
		if c.hits == 0 {
			diags = append(diags, Diagnostic{
				Kind:    errors.KindNotFound,
				Symbol:  c.rule.Function,
				Message: "pattern matches no defined function",
			})
		}
	}
	for _, d := range diags {
		log.Warn(d.Message, zap.String("pattern", d.Symbol))
	}
	return sel, diags, nil
}

func reserved(name string) bool {
	return strings.HasPrefix(name, abi.HostModule+".") || name == abi.ModuleSymbol
}
