package engine

import (
	"github.com/dominikbraun/graph"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/program"
)

// ReferenceGraph builds the symbol reference graph of p: one vertex per
// symbol and an edge user -> used for every symbol operand in a body or
// initializer.
func ReferenceGraph(p *program.Program) (graph.Graph[program.ID, program.ID], error) {
	g := graph.New(func(id program.ID) program.ID { return id }, graph.Directed())
	ids := p.Symbols()
	for _, id := range ids {
		if err := g.AddVertex(id); err != nil {
			return nil, err
		}
	}
	for _, id := range ids {
		for _, ref := range p.Refs(id) {
			if err := g.AddEdge(id, ref); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// Closure returns, in arena order, the non-candidate symbols that some
// candidate body references directly.
//
// The closure is a single level: a member's own references are not
// followed. Members are turned into declarations in the fragment, so their
// bodies are never compiled there.
func Closure(p *program.Program, cands []Candidate, log *zap.Logger) ([]program.ID, error) {
	g, err := ReferenceGraph(p)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseAnalyze, errors.KindInvariant, err, "build reference graph")
	}
	preds, err := g.PredecessorMap()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseAnalyze, errors.KindInvariant, err, "predecessor map")
	}

	isCand := make(map[program.ID]bool, len(cands))
	for _, c := range cands {
		isCand[c.ID] = true
	}

	var out []program.ID
	for _, id := range p.Symbols() {
		if isCand[id] {
			continue
		}
		for user := range preds[id] {
			if isCand[user] {
				out = append(out, id)
				log.Debug("global referenced by extracted function",
					zap.String("symbol", p.Symbol(id).Name),
					zap.Stringer("kind", p.Symbol(id).Kind))
				break
			}
		}
	}
	return out, nil
}
