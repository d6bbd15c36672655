// Package abi defines the contract between extracted programs and the
// compilation service: reserved names, import signatures and the 64-bit
// cell encoding of specialized argument values.
package abi

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/wippyai/wasm-easyjit/wasm"
)

// Reserved names.
const (
	// ModuleSymbol is the exported immutable i32 global holding the address
	// of the embedded fragment. Its presence marks a processed program.
	ModuleSymbol = "easy_jit_module"

	// HostModule is the import module of the service entry points.
	HostModule = "easy_jit"

	// EndCall is the end-of-call notifier imported from HostModule.
	EndCall = "end_call"

	// FragmentHost is the import module under which a fragment declares the
	// host symbols it depends on. The service rebinds it to the caller.
	FragmentHost = "easy_jit_host"

	// MemoryExport and TableExport expose memory 0 and table 0 of a
	// processed program so fragments and the service can reach them.
	MemoryExport = "easy_jit_memory"
	TableExport  = "easy_jit_table"

	// Suffix renames candidates inside a fragment.
	Suffix = "__"
)

// Sentinel terminates the (index, value) pair list.
const Sentinel int32 = -1

// MaxPairs bounds the number of specialized parameters per function.
const MaxPairs = 32

const compilePrefix = "compile_and_specialize_"

// CompileImport returns the import name of the compile entry point taking
// n pairs. Wasm has no variadic calls, so every arity is its own import.
func CompileImport(n int) string {
	return compilePrefix + strconv.Itoa(n)
}

// ParseCompileImport is the inverse of CompileImport.
func ParseCompileImport(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, compilePrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 || n > MaxPairs || CompileImport(n) != name {
		return 0, false
	}
	return n, true
}

// CompileType is the signature of the compile entry point with n pairs:
// (name i32, fragment i32, length i64, level i32, (index i32, value i64)*n,
// sentinel i32) -> handle i32.
func CompileType(n int) wasm.FuncType {
	params := make([]wasm.ValType, 0, 5+2*n)
	params = append(params, wasm.ValI32, wasm.ValI32, wasm.ValI64, wasm.ValI32)
	for i := 0; i < n; i++ {
		params = append(params, wasm.ValI32, wasm.ValI64)
	}
	params = append(params, wasm.ValI32)
	return wasm.FuncType{Params: params, Results: []wasm.ValType{wasm.ValI32}}
}

// EndCallType is the signature of the end-of-call notifier.
func EndCallType() wasm.FuncType {
	return wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}}
}

// Pair is one specialized argument: a parameter position and its value cell.
type Pair struct {
	Index uint32
	Value uint64
}

// Call is a decoded compile request.
type Call struct {
	Pairs    []Pair
	Name     uint32
	Fragment uint32
	Length   uint64
	Level    int32
}

// DecodeCall reads a compile request from raw wasm stack values, consuming
// pairs until the sentinel.
func DecodeCall(stack []uint64) (Call, error) {
	if len(stack) < 5 {
		return Call{}, fmt.Errorf("compile call: %d arguments, want at least 5", len(stack))
	}
	c := Call{
		Name:     uint32(stack[0]),
		Fragment: uint32(stack[1]),
		Length:   stack[2],
		Level:    int32(uint32(stack[3])),
	}
	rest := stack[4:]
	for {
		if len(rest) == 0 {
			return Call{}, fmt.Errorf("compile call: missing sentinel")
		}
		idx := int32(uint32(rest[0]))
		if idx == Sentinel {
			return c, nil
		}
		if idx < 0 || len(rest) < 2 {
			return Call{}, fmt.Errorf("compile call: malformed pair at index %d", idx)
		}
		c.Pairs = append(c.Pairs, Pair{Index: uint32(idx), Value: rest[1]})
		rest = rest[2:]
	}
}

// EncodeI32 zero-extends v. Pointers on wasm32 are i32 addresses and use
// the same encoding.
func EncodeI32(v int32) uint64 { return uint64(uint32(v)) }

// EncodeI64 passes v through unchanged.
func EncodeI64(v int64) uint64 { return uint64(v) }

// EncodeF32 reinterprets v as its bit pattern, zero-extended.
func EncodeF32(v float32) uint64 { return uint64(math.Float32bits(v)) }

// EncodeF64 reinterprets v as its bit pattern.
func EncodeF64(v float64) uint64 { return math.Float64bits(v) }

// ConstFor returns the constant instruction materializing cell as type t.
func ConstFor(t wasm.ValType, cell uint64) (wasm.Instruction, error) {
	switch t {
	case wasm.ValI32:
		return wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(uint32(cell))}}, nil
	case wasm.ValI64:
		return wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: int64(cell)}}, nil
	case wasm.ValF32:
		return wasm.Instruction{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{Value: math.Float32frombits(uint32(cell))}}, nil
	case wasm.ValF64:
		return wasm.Instruction{Opcode: wasm.OpF64Const, Imm: wasm.F64Imm{Value: math.Float64frombits(cell)}}, nil
	}
	return wasm.Instruction{}, fmt.Errorf("no cell encoding for %s", t)
}

// EncodeOps returns the instructions that turn a value of type t on the
// stack into its 64-bit cell.
func EncodeOps(t wasm.ValType) ([]wasm.Instruction, error) {
	switch t {
	case wasm.ValI32:
		return []wasm.Instruction{{Opcode: wasm.OpI64ExtendI32U}}, nil
	case wasm.ValI64:
		return nil, nil
	case wasm.ValF32:
		return []wasm.Instruction{{Opcode: wasm.OpI32ReinterpretF32}, {Opcode: wasm.OpI64ExtendI32U}}, nil
	case wasm.ValF64:
		return []wasm.Instruction{{Opcode: wasm.OpI64ReinterpretF64}}, nil
	}
	return nil, fmt.Errorf("no cell encoding for %s", t)
}
