package runtime

import (
	"context"
	"sort"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-easyjit/errors"
)

// Instance is a program instantiated on a Service.
type Instance struct {
	module api.Module
	svc    *Service
}

// Name returns the module name fragments bind to.
func (i *Instance) Name() string {
	return i.module.Name()
}

// Module returns the wazero module.
func (i *Instance) Module() api.Module {
	return i.module
}

// Call invokes an exported function with raw wasm values. Use the api
// Encode and Decode helpers to convert floats.
func (i *Instance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "function", name)
	}
	results, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, errors.Trap(name, err)
	}
	return results, nil
}

// Functions returns the names of the exported functions, sorted.
func (i *Instance) Functions() []string {
	defs := i.module.ExportedFunctionDefinitions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Signature returns the parameter and result types of an exported
// function.
func (i *Instance) Signature(name string) (params, results []api.ValueType, ok bool) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, nil, false
	}
	def := fn.Definition()
	return def.ParamTypes(), def.ResultTypes(), true
}

// Close closes the module along with the specializations created for it.
// Calls that trapped before reaching end_call stop counting as active.
func (i *Instance) Close(ctx context.Context) error {
	name := i.module.Name()
	err := i.module.Close(ctx)
	i.svc.forget(ctx, name)
	return err
}
