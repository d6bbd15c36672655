package runtime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-easyjit/abi"
	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/wasm"
)

// HostFunc is a Go function exported to guests.
type HostFunc struct {
	Handler api.GoModuleFunc
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// DefineHost instantiates a host module named module exporting funcs. It
// must be called before instantiating programs that import from module.
func (s *Service) DefineHost(ctx context.Context, module string, funcs ...HostFunc) error {
	if module == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "host module name cannot be empty")
	}
	if module == abi.HostModule {
		return errors.InvalidInput(errors.PhaseRuntime, fmt.Sprintf("host module %q is reserved", module))
	}
	builder := s.rt.NewHostModuleBuilder(module)
	for _, f := range funcs {
		if f.Handler == nil {
			return errors.InvalidInput(errors.PhaseRuntime, fmt.Sprintf("host function %s.%s has no handler", module, f.Name))
		}
		builder.NewFunctionBuilder().
			WithGoModuleFunction(f.Handler, f.Params, f.Results).
			Export(f.Name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.New(errors.PhaseRuntime, errors.KindInstantiation).
			Symbol(module).
			Cause(err).
			Detail("instantiate host module").
			Build()
	}
	return nil
}

// instantiateService registers the easy_jit host module.
func (s *Service) instantiateService(ctx context.Context) error {
	builder := s.rt.NewHostModuleBuilder(abi.HostModule)
	for n := 0; n <= abi.MaxPairs; n++ {
		ft := abi.CompileType(n)
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(s.compileHandler), valueTypes(ft.Params), valueTypes(ft.Results)).
			WithName(abi.CompileImport(n)).
			Export(abi.CompileImport(n))
	}
	end := abi.EndCallType()
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(s.endCallHandler), valueTypes(end.Params), valueTypes(end.Results)).
		WithName(abi.EndCall).
		Export(abi.EndCall)
	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.Wrap(errors.PhaseRuntime, errors.KindInstantiation, err, "instantiate easy_jit host module")
	}
	return nil
}

// compileHandler serves compile_and_specialize_N. Errors abort the guest
// call; wazero surfaces the panic value as the call's error.
func (s *Service) compileHandler(ctx context.Context, mod api.Module, stack []uint64) {
	call, err := abi.DecodeCall(stack)
	if err != nil {
		panic(errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, err, "decode compile call"))
	}
	handle, err := s.compile(ctx, mod, call)
	if err != nil {
		panic(err)
	}
	stack[0] = api.EncodeU32(handle)
}

func (s *Service) endCallHandler(_ context.Context, mod api.Module, stack []uint64) {
	s.release(mod.Name(), api.DecodeU32(stack[0]))
}

func valueTypes(ts []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(ts))
	for i, t := range ts {
		out[i] = api.ValueType(t)
	}
	return out
}

// readString reads a NUL-terminated string at ptr.
func readString(mem api.Memory, ptr uint32) (string, bool) {
	if mem == nil {
		return "", false
	}
	size := mem.Size()
	for end := ptr; end < size; end++ {
		b, ok := mem.ReadByte(end)
		if !ok {
			return "", false
		}
		if b == 0 {
			data, ok := mem.Read(ptr, end-ptr)
			return string(data), ok
		}
	}
	return "", false
}

// compileModuleConfig names fragment instances.
func compileModuleConfig(name string) wazero.ModuleConfig {
	return wazero.NewModuleConfig().WithName(name).WithStartFunctions()
}
