// Package runtime is a reference compilation service for extracted
// programs, built on wazero.
//
// # Quick Start
//
//	ctx := context.Background()
//	svc, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	// Host functions the program imports must be defined first
//	err = svc.DefineHost(ctx, "env", runtime.HostFunc{
//	    Name:    "log",
//	    Params:  []api.ValueType{api.ValueTypeI32},
//	    Handler: func(ctx context.Context, mod api.Module, stack []uint64) {},
//	})
//
//	inst, err := svc.Instantiate(ctx, transformed, "main")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	results, err := inst.Call(ctx, "foo", 7, api.EncodeF32(1.5))
//
// # Compilation
//
// The service registers the host module "easy_jit" with one
// compile_and_specialize_N entry point per pair count and end_call. A
// compile request reads the function name and the embedded module from
// the caller's memory, specializes the module for the requested argument
// values and instantiates it next to the caller. The specialized function
// is appended to the caller's table and its slot is the handle the
// trampoline calls through.
//
// Specializations are cached per caller, function, level and argument
// values. A cache hit returns the slot of the earlier instantiation.
// The optimization level only separates cache entries; wazero compiles
// every module the same way.
//
// # Imports
//
// Fragment imports bound to "easy_jit_host" are resolved against the
// caller. Imports the fragment shares with the original program, such as
// env functions, resolve against the same host modules as the caller.
//
// # Thread Safety
//
// Service is safe for concurrent use. Instance is not; give each
// goroutine its own instance.
package runtime
