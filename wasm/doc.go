// Package wasm decodes and encodes WebAssembly core modules.
//
// The supported feature set is the 2.0 core: MVP instructions plus sign
// extension, saturating truncation, bulk memory, reference types and
// multi-value. GC, SIMD, threads and exception handling are rejected at
// decode time.
//
// Parse and re-encode a module:
//
//	m, err := wasm.ParseModule(data)
//	if err != nil {
//	    return err
//	}
//	out := m.Encode()
//
// Function bodies are kept as raw bytes. Use DecodeInstructions and
// EncodeInstructions to work at the instruction level, and Names/SetNames
// for the "name" custom section.
package wasm
