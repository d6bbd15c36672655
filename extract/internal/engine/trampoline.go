package engine

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-easyjit/abi"
	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/program"
	"github.com/wippyai/wasm-easyjit/wasm"
)

// host holds the symbols trampolines call into.
type host struct {
	compile map[int]program.ID
	endCall program.ID
	module  program.ID
}

// TrampolineBody returns the body that forwards a call of signature ft to
// the specialized implementation, and the locals it needs beyond the
// parameters.
//
// Pairs are emitted in parameter order for every parameter named by spec.
// The handle returned by the compile call indexes table 0; end_call is
// made after the results are saved so every call is paired with one
// notification.
func TrampolineBody(ft wasm.FuncType, spec Spec, namePtr uint32, blobLen uint64, h host) ([]program.Instr, []wasm.LocalEntry, error) {
	fn := &program.Function{Type: ft}
	selected := make(map[uint32]bool, len(spec.Params))
	for _, idx := range spec.Params {
		selected[idx] = true
	}

	body := []program.Instr{
		program.I32Const(int32(namePtr)),
		program.GlobalGet(h.module),
		program.I64Const(int64(blobLen)),
		program.I32Const(spec.Level),
	}
	pairs := 0
	for i, t := range ft.Params {
		if !selected[uint32(i)] {
			continue
		}
		ops, err := abi.EncodeOps(t)
		if err != nil {
			return nil, nil, errors.New(errors.PhaseSynthesize, errors.KindUnsupported).
				Cause(err).
				Detail("parameter %d", i).
				Build()
		}
		body = append(body, program.I32Const(int32(i)), program.LocalGet(uint32(i)))
		body = append(body, program.Plain(ops...)...)
		pairs++
	}
	compile, ok := h.compile[pairs]
	if !ok {
		return nil, nil, errors.Invariant(errors.PhaseSynthesize, abi.CompileImport(pairs), "compile import not declared")
	}
	handle := fn.AddLocal(wasm.ValI32)
	body = append(body,
		program.I32Const(abi.Sentinel),
		program.Call(compile),
		program.LocalSet(handle),
	)

	for i := range ft.Params {
		body = append(body, program.LocalGet(uint32(i)))
	}
	body = append(body, program.LocalGet(handle), program.CallIndirect(ft, 0))

	results := make([]uint32, len(ft.Results))
	for i, t := range ft.Results {
		results[i] = fn.AddLocal(t)
	}
	for i := len(results) - 1; i >= 0; i-- {
		body = append(body, program.LocalSet(results[i]))
	}
	body = append(body, program.LocalGet(handle), program.Call(h.endCall))
	for _, r := range results {
		body = append(body, program.LocalGet(r))
	}
	body = append(body, program.End())
	return body, fn.Locals, nil
}

// installTrampoline replaces candidate c with a trampoline that takes over
// its name, exports and every reference to it.
func installTrampoline(p *program.Program, c Candidate, namePtr uint32, blobLen uint64, h host, log *zap.Logger) (program.ID, error) {
	s := p.Symbol(c.ID)
	ft := wasm.FuncType{
		Params:  append([]wasm.ValType(nil), s.Func.Type.Params...),
		Results: append([]wasm.ValType(nil), s.Func.Type.Results...),
	}
	body, locals, err := TrampolineBody(ft, c.Spec, namePtr, blobLen, h)
	if err != nil {
		return program.NoID, err
	}
	hook, err := p.Add(&program.Symbol{
		Name: p.UniqueName(s.Name + ".trampoline"),
		Kind: program.KindFunction,
		Func: &program.Function{Type: ft, Locals: locals, Body: body},
	})
	if err != nil {
		return program.NoID, errors.Wrap(errors.PhaseSynthesize, errors.KindInvariant, err, "add trampoline")
	}
	uses := p.ReplaceAllUses(c.ID, hook)
	name := s.Name
	if err := p.TakeName(hook, c.ID); err != nil {
		return program.NoID, errors.Wrap(errors.PhaseSynthesize, errors.KindInvariant, err, "rename trampoline")
	}
	p.Remove(c.ID)

	log.Debug("trampoline synthesized",
		zap.String("function", name),
		zap.Int32("level", c.Spec.Level),
		zap.Uint32s("params", c.Spec.Params),
		zap.Int("uses", uses))
	return hook, nil
}
