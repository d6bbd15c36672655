// Package extract rewrites selected functions of a wasm module into lazily
// specialized entry points.
//
// For every candidate the pass builds a minimal module holding the
// candidate and declarations of what it references, embeds that module in
// the program's memory, and replaces the candidate with a trampoline. At
// call time the trampoline hands the embedded module, the requested
// optimization level and the values of the selected parameters to the
// easy_jit.compile_and_specialize_<k> import, then calls the returned
// table slot with the original arguments and reports completion through
// easy_jit.end_call.
//
//	out, err := extract.Transform(wasmBytes, extract.Selection{
//		"foo": {Level: 2, Params: []uint32{1}},
//	}, extract.Config{})
//
// Programs that cannot be processed are returned unchanged with a
// Diagnostic explaining why. A program that already embeds a module is
// left alone, which makes the pass idempotent.
package extract
