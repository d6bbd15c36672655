package wasm

import "strings"

// Module is a decoded WebAssembly core module. Index spaces follow the
// binary format: imports come first in each space.
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32 // type index per defined function
	Tables   []TableType
	Memories []MemoryType
	Globals  []Global
	Exports  []Export
	Start    *uint32
	Elements []Element
	Code     []FuncBody
	Data     []DataSegment

	// DataCount is required when code uses memory.init or data.drop.
	DataCount *uint32

	CustomSections []CustomSection
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical.
func (f FuncType) Equal(o FuncType) bool {
	return valTypesEqual(f.Params, o.Params) && valTypesEqual(f.Results, o.Results)
}

func (f FuncType) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, p := range f.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	sb.WriteString(") -> (")
	for i, r := range f.Results {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(r.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

func valTypesEqual(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ValType is a value type byte.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	default:
		return "unknown"
	}
}

// IsNumeric reports whether v is one of i32, i64, f32, f64.
func (v ValType) IsNumeric() bool {
	switch v {
	case ValI32, ValI64, ValF32, ValF64:
		return true
	}
	return false
}

// Import is one entry of the import section.
type Import struct {
	Module string
	Name   string
	Desc   ImportDesc
}

// ImportDesc describes what an import provides. Kind selects the field in use.
type ImportDesc struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	TypeIdx uint32
	Kind    byte
}

// TableType describes a table.
type TableType struct {
	Limits   Limits
	ElemType ValType
}

// MemoryType describes a linear memory.
type MemoryType struct {
	Limits Limits
}

// Limits bound the size of a table or memory.
type Limits struct {
	Max      *uint64
	Min      uint64
	Shared   bool
	Memory64 bool
}

// GlobalType is the type of a global.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global is a defined global with its constant initializer, including the
// trailing end opcode.
type Global struct {
	Init []byte
	Type GlobalType
}

// Export is one entry of the export section.
type Export struct {
	Name string
	Idx  uint32
	Kind byte
}

// Element is an element segment. Flags pick the encoding:
//
//	bit 0: passive or declarative
//	bit 1: explicit table index (active) or declarative (bit 0 set)
//	bit 2: elements are expressions instead of function indices
type Element struct {
	Offset   []byte
	FuncIdxs []uint32
	Exprs    [][]byte
	Flags    uint32
	TableIdx uint32
	ElemKind byte
	Type     ValType
}

// Active reports whether the segment is written into a table at instantiation.
func (e *Element) Active() bool {
	return e.Flags&0x01 == 0
}

// FuncBody holds local declarations and the raw instruction stream,
// including the final end opcode.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte
}

// LocalEntry declares Count locals of one type.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// DataSegment is a data segment. Flags 0 and 2 are active, 1 is passive.
type DataSegment struct {
	Offset []byte
	Init   []byte
	Flags  uint32
	MemIdx uint32
}

// CustomSection is an uninterpreted custom section.
type CustomSection struct {
	Name string
	Data []byte
}

func (m *Module) countImports(kind byte) int {
	n := 0
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind == kind {
			n++
		}
	}
	return n
}

// NumImportedFuncs returns how many function imports the module has.
func (m *Module) NumImportedFuncs() int { return m.countImports(KindFunc) }

// NumImportedGlobals returns how many global imports the module has.
func (m *Module) NumImportedGlobals() int { return m.countImports(KindGlobal) }

// NumImportedTables returns how many table imports the module has.
func (m *Module) NumImportedTables() int { return m.countImports(KindTable) }

// NumImportedMemories returns how many memory imports the module has.
func (m *Module) NumImportedMemories() int { return m.countImports(KindMemory) }

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() int { return m.NumImportedFuncs() + len(m.Funcs) }

// NumGlobals returns the size of the global index space.
func (m *Module) NumGlobals() int { return m.NumImportedGlobals() + len(m.Globals) }

// NumTables returns the size of the table index space.
func (m *Module) NumTables() int { return m.NumImportedTables() + len(m.Tables) }

// NumMemories returns the size of the memory index space.
func (m *Module) NumMemories() int { return m.NumImportedMemories() + len(m.Memories) }

// FuncTypeIdx returns the type index of function funcIdx.
func (m *Module) FuncTypeIdx(funcIdx uint32) (uint32, bool) {
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind != KindFunc {
			continue
		}
		if funcIdx == 0 {
			return m.Imports[i].Desc.TypeIdx, true
		}
		funcIdx--
	}
	if int(funcIdx) >= len(m.Funcs) {
		return 0, false
	}
	return m.Funcs[funcIdx], true
}

// GetFuncType returns the signature of function funcIdx, or nil.
func (m *Module) GetFuncType(funcIdx uint32) *FuncType {
	ti, ok := m.FuncTypeIdx(funcIdx)
	if !ok || int(ti) >= len(m.Types) {
		return nil
	}
	return &m.Types[ti]
}

// MemoryAt returns memory memIdx and whether it is imported.
func (m *Module) MemoryAt(memIdx uint32) (*MemoryType, bool) {
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind != KindMemory {
			continue
		}
		if memIdx == 0 {
			return m.Imports[i].Desc.Memory, true
		}
		memIdx--
	}
	if int(memIdx) >= len(m.Memories) {
		return nil, false
	}
	return &m.Memories[memIdx], false
}

// AddType appends ft unless an equal signature exists, and returns its index.
func (m *Module) AddType(ft FuncType) uint32 {
	for i := range m.Types {
		if m.Types[i].Equal(ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}

// ExportIndex returns the position of the export called name, or -1.
func (m *Module) ExportIndex(name string) int {
	for i := range m.Exports {
		if m.Exports[i].Name == name {
			return i
		}
	}
	return -1
}

// CustomSection returns the first custom section with the given name.
func (m *Module) CustomSection(name string) *CustomSection {
	for i := range m.CustomSections {
		if m.CustomSections[i].Name == name {
			return &m.CustomSections[i]
		}
	}
	return nil
}
