package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which stage of the pipeline produced the error
type Phase string

const (
	PhaseLoad       Phase = "load"       // reading input files
	PhaseDecode     Phase = "decode"     // wasm binary to program
	PhaseAnalyze    Phase = "analyze"    // dependency closure
	PhaseValidate   Phase = "validate"   // extractability checks
	PhasePrune      Phase = "prune"      // fragment construction
	PhaseSerialize  Phase = "serialize"  // fragment encoding and placement
	PhaseSynthesize Phase = "synthesize" // trampoline construction
	PhaseCommit     Phase = "commit"     // applying the plan
	PhaseRuntime    Phase = "runtime"    // compilation service
	PhaseConfig     Phase = "config"     // selection and CLI configuration
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidData      Kind = "invalid_data"
	KindInvalidInput     Kind = "invalid_input"
	KindUnsupported      Kind = "unsupported"
	KindNotFound         Kind = "not_found"
	KindUnresolvable     Kind = "unresolvable"
	KindInvariant        Kind = "invariant"
	KindAlreadyProcessed Kind = "already_processed"
	KindOutOfBounds      Kind = "out_of_bounds"
	KindInstantiation    Kind = "instantiation"
	KindTrap             Kind = "trap"
)

// Error is the structured error type used across the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Symbol string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Symbol != "" {
		b.WriteString(" at ")
		b.WriteString(e.Symbol)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target has the same phase and kind
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Recoverable reports whether the pipeline should turn this error into a
// no-op with a diagnostic instead of failing.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindInvariant, KindInvalidData:
		return false
	}
	return true
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{err: Error{Phase: phase, Kind: kind}}
}

// Symbol sets the program symbol the error concerns
func (b *Builder) Symbol(name string) *Builder {
	b.err.Symbol = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Unresolvable reports a dependency that an independently compiled
// fragment could not bind to.
func Unresolvable(symbol, detail string) *Error {
	return &Error{
		Phase:  PhaseValidate,
		Kind:   KindUnresolvable,
		Symbol: symbol,
		Detail: detail,
	}
}

// Invariant reports a malformed program. It is never recoverable.
func Invariant(phase Phase, symbol, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvariant,
		Symbol: symbol,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// AlreadyProcessed reports that the reserved symbol is already present
func AlreadyProcessed(symbol string) *Error {
	return &Error{
		Phase:  PhaseValidate,
		Kind:   KindAlreadyProcessed,
		Symbol: symbol,
		Detail: "program already carries an embedded module",
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, symbol string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Symbol: symbol,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Trap wraps a guest call that did not return normally
func Trap(function string, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindTrap,
		Symbol: function,
		Detail: "call trapped",
		Cause:  cause,
	}
}

// Load creates a file loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// DecodeFailed wraps a binary decoding failure
func DecodeFailed(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindInvalidData,
		Detail: fmt.Sprintf("decode %s", what),
		Cause:  cause,
	}
}
