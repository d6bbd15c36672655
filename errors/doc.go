// Package errors provides structured error types for the extraction pass
// and the compilation service.
//
// Errors are categorized by Phase (which pipeline stage failed) and Kind
// (what went wrong), and may name the program symbol involved.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseValidate, errors.KindUnsupported).
//		Symbol("kernel").
//		Detail("parameter %d is a reference type", 1).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Unresolvable("counter", "internal global")
//	err := errors.Invariant(errors.PhasePrune, name, "unknown symbol kind")
//
// Recoverable distinguishes conditions the pass turns into a no-op with a
// diagnostic from fatal ones. All errors support errors.Is/As.
package errors
