// Package easyjit turns ordinary WebAssembly functions into lazily
// runtime-specializable ones.
//
// The extraction pass copies the selected functions, with everything they
// reference turned into imports, into a self-contained module that is
// embedded in the program as data. Each selected function is replaced by a
// trampoline that hands the embedded module and the values of chosen
// arguments to a compilation service, calls the specialized function the
// service returns and notifies the service when the call ends.
//
// # Layout
//
//	easyjit/
//	├── wasm/            Core module binary model and instruction codec
//	├── program/         Symbol arena lifted from a module, emit and edit
//	├── abi/             Reserved names and the compile call contract
//	├── extract/         The extraction pass and selection files
//	├── runtime/         Reference compilation service on wazero
//	├── errors/          Structured error types
//	├── internal/cli/    The easyjit command
//	└── cmd/easyjit/     Command entry point
//
// # Quick Start
//
//	out, err := extract.Transform(wasmBytes, extract.Selection{
//	    "foo": {Level: 2, Params: []uint32{1}},
//	}, extract.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range out.Diagnostics {
//	    log.Println(d)
//	}
//
//	svc, err := runtime.New(ctx)
//	inst, err := svc.Instantiate(ctx, out.Output, "main")
//	res, err := inst.Call(ctx, "foo", args...)
package easyjit
