// Package program lifts a wasm module into an arena of named symbols.
//
// Functions and globals become Symbols addressed by ID. Instruction
// operands that name a function or global hold the target's ID instead of
// an index, so symbols can be added, removed, renamed and redirected
// without renumbering. Emit assigns indices again.
package program

import (
	"fmt"

	"github.com/wippyai/wasm-easyjit/wasm"
)

// ID addresses a symbol in a Program's arena.
type ID int32

// NoID marks an absent symbol reference.
const NoID ID = -1

// Kind is the symbol variant tag.
type Kind uint8

const (
	KindFunction Kind = iota + 1
	KindVariable
)

func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindVariable:
		return "variable"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Linkage says whether a symbol can be bound from outside the program.
type Linkage uint8

const (
	Internal Linkage = iota
	External
)

func (l Linkage) String() string {
	if l == External {
		return "external"
	}
	return "internal"
}

// Import names the provider of a declaration.
type Import struct {
	Module string
	Name   string
}

// Instr is an instruction whose symbol operand, if any, is held in Ref.
// Sig carries the signature of call_indirect and of type-indexed blocks.
type Instr struct {
	Sig *wasm.FuncType
	Op  wasm.Instruction
	Ref ID
}

// Function is the function variant of a symbol. Body is nil for
// declarations.
type Function struct {
	Type   wasm.FuncType
	Locals []wasm.LocalEntry
	Body   []Instr
}

// AddLocal declares one more local of type t and returns its index.
func (f *Function) AddLocal(t wasm.ValType) uint32 {
	idx := uint32(len(f.Type.Params))
	for _, l := range f.Locals {
		idx += l.Count
	}
	if n := len(f.Locals); n > 0 && f.Locals[n-1].ValType == t {
		f.Locals[n-1].Count++
	} else {
		f.Locals = append(f.Locals, wasm.LocalEntry{Count: 1, ValType: t})
	}
	return idx
}

// Variable is the global variant of a symbol. Init is nil for declarations.
type Variable struct {
	Init []Instr
	Type wasm.GlobalType
}

// Symbol is a named function or global.
type Symbol struct {
	Import *Import
	Func   *Function
	Var    *Variable
	Name   string
	Kind   Kind

	// Debug marks names that are emitted into the name section.
	Debug bool
}

// IsDeclaration reports whether the symbol has no definition here.
func (s *Symbol) IsDeclaration() bool {
	return s.Import != nil
}

// Table is a table of the program, imported or defined.
type Table struct {
	Import *Import
	Type   wasm.TableType
}

// Memory is a linear memory of the program, imported or defined.
type Memory struct {
	Import *Import
	Type   wasm.MemoryType
}

// Export exposes a symbol (Ref) or a table or memory (Index) by name.
type Export struct {
	Name  string
	Ref   ID
	Index uint32
	Kind  byte
}

// Element is an element segment with symbolic contents.
type Element struct {
	Offset []Instr
	Funcs  []ID
	Exprs  [][]Instr
	Flags  uint32
	Table  uint32
	Kind   byte
	Type   wasm.ValType
}

// Data is a data segment. Offset may read a global.
type Data struct {
	Offset []Instr
	Init   []byte
	Flags  uint32
	Memory uint32
}

// Program is a whole module as an arena of symbols plus the module-level
// resources that are not symbols.
type Program struct {
	byName  map[string]ID
	symbols []*Symbol

	Tables   []Table
	Memories []Memory
	Exports  []Export
	Elements []Element
	Data     []Data
	Start    ID

	// Customs holds custom sections other than "name".
	Customs    []wasm.CustomSection
	ModuleName string
	DataCount  bool
}

// New returns an empty program.
func New() *Program {
	return &Program{byName: map[string]ID{}, Start: NoID}
}

// Symbol returns the symbol at id, or nil if it was removed.
func (p *Program) Symbol(id ID) *Symbol {
	if id < 0 || int(id) >= len(p.symbols) {
		return nil
	}
	return p.symbols[id]
}

// Lookup finds a symbol by name.
func (p *Program) Lookup(name string) (ID, bool) {
	id, ok := p.byName[name]
	return id, ok
}

// Symbols returns the IDs of live symbols in arena order.
func (p *Program) Symbols() []ID {
	out := make([]ID, 0, len(p.symbols))
	for i, s := range p.symbols {
		if s != nil {
			out = append(out, ID(i))
		}
	}
	return out
}

// Len returns the number of live symbols.
func (p *Program) Len() int {
	return len(p.byName)
}

// Add inserts sym. Names must be unique.
func (p *Program) Add(sym *Symbol) (ID, error) {
	if err := checkVariant(sym); err != nil {
		return NoID, err
	}
	if _, dup := p.byName[sym.Name]; dup {
		return NoID, fmt.Errorf("symbol %q already exists", sym.Name)
	}
	id := ID(len(p.symbols))
	p.symbols = append(p.symbols, sym)
	p.byName[sym.Name] = id
	return id, nil
}

func checkVariant(sym *Symbol) error {
	switch sym.Kind {
	case KindFunction:
		if sym.Func == nil || sym.Var != nil {
			return fmt.Errorf("function %q must carry only a Function", sym.Name)
		}
	case KindVariable:
		if sym.Var == nil || sym.Func != nil {
			return fmt.Errorf("variable %q must carry only a Variable", sym.Name)
		}
	default:
		return fmt.Errorf("symbol %q has unknown kind %s", sym.Name, sym.Kind)
	}
	return nil
}

// Rename changes the name of id. The new name must be free.
func (p *Program) Rename(id ID, name string) error {
	s := p.Symbol(id)
	if s == nil {
		return fmt.Errorf("rename of removed symbol %d", id)
	}
	if s.Name == name {
		return nil
	}
	if _, dup := p.byName[name]; dup {
		return fmt.Errorf("symbol %q already exists", name)
	}
	delete(p.byName, s.Name)
	s.Name = name
	p.byName[name] = id
	return nil
}

// Remove deletes id from the arena. References to it must be gone before
// the program is emitted.
func (p *Program) Remove(id ID) {
	s := p.Symbol(id)
	if s == nil {
		return
	}
	delete(p.byName, s.Name)
	p.symbols[id] = nil
}

// ExportsOf returns the export names that refer to symbol id.
func (p *Program) ExportsOf(id ID) []string {
	var out []string
	for _, e := range p.Exports {
		if (e.Kind == wasm.KindFunc || e.Kind == wasm.KindGlobal) && e.Ref == id {
			out = append(out, e.Name)
		}
	}
	return out
}

// Linkage returns External for imported or exported symbols.
func (p *Program) Linkage(id ID) Linkage {
	s := p.Symbol(id)
	if s == nil {
		return Internal
	}
	if s.Import != nil || len(p.ExportsOf(id)) > 0 {
		return External
	}
	return Internal
}

// Refs returns the distinct symbols referenced by the definition of id, in
// first-use order.
func (p *Program) Refs(id ID) []ID {
	s := p.Symbol(id)
	if s == nil {
		return nil
	}
	var body []Instr
	switch s.Kind {
	case KindFunction:
		body = s.Func.Body
	case KindVariable:
		body = s.Var.Init
	}
	seen := map[ID]bool{}
	var out []ID
	for _, in := range body {
		if in.Ref != NoID && !seen[in.Ref] {
			seen[in.Ref] = true
			out = append(out, in.Ref)
		}
	}
	return out
}

// ExportName returns the first export name of the table or memory at
// index, or "".
func (p *Program) ExportName(kind byte, index uint32) string {
	for _, e := range p.Exports {
		if e.Kind == kind && e.Index == index {
			return e.Name
		}
	}
	return ""
}
