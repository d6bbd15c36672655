package wasm

import "fmt"

// MaxPages32 is the page limit of a 32-bit linear memory.
const MaxPages32 = 65536

// Validate checks index spaces and structural constraints. It does not
// type-check instruction sequences.
func (m *Module) Validate() error {
	checks := []func() error{
		m.validateTypeRefs,
		m.validateExports,
		m.validateStart,
		m.validateSegments,
		m.validateMemories,
		m.validateBodies,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// ParseModuleValidate parses data and validates the result.
func ParseModuleValidate(data []byte) (*Module, error) {
	m, err := ParseModule(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) validateTypeRefs() error {
	n := uint32(len(m.Types))
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Desc.Kind == KindFunc && imp.Desc.TypeIdx >= n {
			return fmt.Errorf("import %s.%s: type index %d out of range", imp.Module, imp.Name, imp.Desc.TypeIdx)
		}
	}
	for i, ti := range m.Funcs {
		if ti >= n {
			return fmt.Errorf("function %d: type index %d out of range", i, ti)
		}
	}
	return nil
}

func (m *Module) validateExports() error {
	limits := map[byte]int{
		KindFunc:   m.NumFuncs(),
		KindTable:  m.NumTables(),
		KindMemory: m.NumMemories(),
		KindGlobal: m.NumGlobals(),
	}
	seen := make(map[string]bool, len(m.Exports))
	for _, e := range m.Exports {
		if seen[e.Name] {
			return fmt.Errorf("duplicate export %q", e.Name)
		}
		seen[e.Name] = true
		if int(e.Idx) >= limits[e.Kind] {
			return fmt.Errorf("export %q: index %d out of range", e.Name, e.Idx)
		}
	}
	return nil
}

func (m *Module) validateStart() error {
	if m.Start == nil {
		return nil
	}
	ft := m.GetFuncType(*m.Start)
	if ft == nil {
		return fmt.Errorf("start function %d out of range", *m.Start)
	}
	if len(ft.Params) != 0 || len(ft.Results) != 0 {
		return fmt.Errorf("start function %d must have type () -> ()", *m.Start)
	}
	return nil
}

func (m *Module) validateSegments() error {
	nf := uint32(m.NumFuncs())
	for i := range m.Elements {
		e := &m.Elements[i]
		if e.Active() && int(e.TableIdx) >= m.NumTables() {
			return fmt.Errorf("element %d: table %d out of range", i, e.TableIdx)
		}
		for _, f := range e.FuncIdxs {
			if f >= nf {
				return fmt.Errorf("element %d: function %d out of range", i, f)
			}
		}
	}
	for i := range m.Data {
		d := &m.Data[i]
		if d.Flags != 1 && int(d.MemIdx) >= m.NumMemories() {
			return fmt.Errorf("data %d: memory %d out of range", i, d.MemIdx)
		}
	}
	if m.DataCount != nil && int(*m.DataCount) != len(m.Data) {
		return fmt.Errorf("data count %d does not match %d segments", *m.DataCount, len(m.Data))
	}
	return nil
}

func (m *Module) validateMemories() error {
	for i := uint32(0); int(i) < m.NumMemories(); i++ {
		mem, _ := m.MemoryAt(i)
		l := mem.Limits
		if l.Memory64 {
			continue
		}
		if l.Min > MaxPages32 || (l.Max != nil && *l.Max > MaxPages32) {
			return fmt.Errorf("memory %d: limits exceed %d pages", i, MaxPages32)
		}
		if l.Shared && l.Max == nil {
			return fmt.Errorf("memory %d: shared memory needs a maximum", i)
		}
	}
	return nil
}

// validateBodies checks that every index an instruction names is in range.
func (m *Module) validateBodies() error {
	nf, ng := uint32(m.NumFuncs()), uint32(m.NumGlobals())
	nt, nty := uint32(m.NumTables()), uint32(len(m.Types))
	for i := range m.Code {
		instrs, err := DecodeInstructions(m.Code[i].Code)
		if err != nil {
			return fmt.Errorf("function %d: %w", m.NumImportedFuncs()+i, err)
		}
		for _, ins := range instrs {
			bad := false
			switch imm := ins.Imm.(type) {
			case CallImm:
				bad = imm.FuncIdx >= nf
			case RefFuncImm:
				bad = imm.FuncIdx >= nf
			case GlobalImm:
				bad = imm.GlobalIdx >= ng
			case CallIndirectImm:
				bad = imm.TypeIdx >= nty || imm.TableIdx >= nt
			case BlockImm:
				bad = imm.Type >= 0 && uint32(imm.Type) >= nty
			}
			if bad {
				return fmt.Errorf("function %d: opcode 0x%02x references an index out of range", m.NumImportedFuncs()+i, ins.Opcode)
			}
		}
	}
	return nil
}
