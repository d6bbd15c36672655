// Package engine implements the extraction pipeline.
//
// Pipeline:
//  1. Closure: symbols referenced directly by candidate bodies
//  2. Validate: reject selections and programs the fragment cannot serve
//  3. Prune: clone the program down to candidates plus closure declarations
//  4. Serialize: encode the fragment and place it past the initial memory
//  5. Commit: embed the blob, add host imports, swap in trampolines
//
// Steps 1-4 run in Plan and never touch the input program. Only Commit
// mutates it, so a rejected plan leaves the program exactly as it was.
package engine
