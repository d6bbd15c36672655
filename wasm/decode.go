package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-easyjit/wasm/internal/binary"
)

// Header errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

type sectionParser struct {
	parse func(*binary.Reader, *Module) error
	name  string
	order int
}

// Non-custom sections must appear in this order. DataCount sits between
// Element and Code even though its ID is larger.
var sectionParsers = map[byte]sectionParser{
	SectionType:      {parseTypes, "type", 1},
	SectionImport:    {parseImports, "import", 2},
	SectionFunction:  {parseFunctions, "function", 3},
	SectionTable:     {parseTables, "table", 4},
	SectionMemory:    {parseMemories, "memory", 5},
	SectionGlobal:    {parseGlobals, "global", 6},
	SectionExport:    {parseExports, "export", 7},
	SectionStart:     {parseStart, "start", 8},
	SectionElement:   {parseElements, "element", 9},
	SectionDataCount: {parseDataCount, "data count", 10},
	SectionCode:      {parseCode, "code", 11},
	SectionData:      {parseData, "data", 12},
}

// ParseModule decodes a WebAssembly binary.
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(data)
	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.Fail("header", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.Fail("header", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}
	last := 0
	for r.Len() > 0 {
		id, _ := r.ReadByte()
		body, err := r.Sub()
		if err != nil {
			return nil, r.Fail("section header", err)
		}
		if id == SectionCustom {
			name, err := body.ReadName()
			if err != nil {
				return nil, body.Fail("custom", err)
			}
			m.CustomSections = append(m.CustomSections, CustomSection{Name: name, Data: clone(body.Rest())})
			continue
		}
		p, ok := sectionParsers[id]
		if !ok {
			return nil, fmt.Errorf("unknown section ID 0x%02x", id)
		}
		if p.order <= last {
			return nil, fmt.Errorf("%s section out of order", p.name)
		}
		last = p.order
		if err := p.parse(body, m); err != nil {
			return nil, body.Fail(p.name, err)
		}
		if body.Len() != 0 {
			return nil, body.Fail(p.name, errors.New("trailing bytes"))
		}
	}
	if len(m.Funcs) != len(m.Code) {
		return nil, fmt.Errorf("function and code section sizes differ: %d vs %d", len(m.Funcs), len(m.Code))
	}
	return m, nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// readCount reads a vector length, rejecting lengths that cannot fit in
// the remaining input.
func readCount(r *binary.Reader) (int, error) {
	n, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	if int(n) > r.Len() {
		return 0, fmt.Errorf("vector length %d exceeds section", n)
	}
	return int(n), nil
}

func parseTypes(r *binary.Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, n)
	for i := range m.Types {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != FuncTypeByte {
			return fmt.Errorf("type %d: unsupported form 0x%02x", i, form)
		}
		if m.Types[i].Params, err = readValTypes(r); err != nil {
			return err
		}
		if m.Types[i].Results, err = readValTypes(r); err != nil {
			return err
		}
	}
	return nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	raw, err := r.ReadBytes(n)
	if err != nil {
		return nil, err
	}
	out := make([]ValType, n)
	for i, b := range raw {
		out[i] = ValType(b)
	}
	return out, nil
}

func parseImports(r *binary.Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Imports = make([]Import, n)
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Module, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Name, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Desc.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		switch imp.Desc.Kind {
		case KindFunc:
			imp.Desc.TypeIdx, err = r.ReadU32()
		case KindTable:
			var t TableType
			t, err = readTableType(r)
			imp.Desc.Table = &t
		case KindMemory:
			var l Limits
			l, err = readLimits(r)
			imp.Desc.Memory = &MemoryType{Limits: l}
		case KindGlobal:
			var g GlobalType
			g, err = readGlobalType(r)
			imp.Desc.Global = &g
		default:
			return fmt.Errorf("import %s.%s: unsupported kind %d", imp.Module, imp.Name, imp.Desc.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func parseFunctions(r *binary.Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, n)
	for i := range m.Funcs {
		if m.Funcs[i], err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseTables(r *binary.Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Tables = make([]TableType, n)
	for i := range m.Tables {
		if m.Tables[i], err = readTableType(r); err != nil {
			return err
		}
	}
	return nil
}

func parseMemories(r *binary.Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Memories = make([]MemoryType, n)
	for i := range m.Memories {
		if m.Memories[i].Limits, err = readLimits(r); err != nil {
			return err
		}
	}
	return nil
}

func parseGlobals(r *binary.Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Globals = make([]Global, n)
	for i := range m.Globals {
		if m.Globals[i].Type, err = readGlobalType(r); err != nil {
			return err
		}
		if m.Globals[i].Init, err = readConstExpr(r); err != nil {
			return err
		}
	}
	return nil
}

func parseExports(r *binary.Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Exports = make([]Export, n)
	for i := range m.Exports {
		e := &m.Exports[i]
		if e.Name, err = r.ReadName(); err != nil {
			return err
		}
		if e.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		if e.Kind > KindGlobal {
			return fmt.Errorf("export %q: unsupported kind %d", e.Name, e.Kind)
		}
		if e.Idx, err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseStart(r *binary.Reader, m *Module) error {
	idx, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Start = &idx
	return nil
}

func parseElements(r *binary.Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Elements = make([]Element, n)
	for i := range m.Elements {
		e := &m.Elements[i]
		if e.Flags, err = r.ReadU32(); err != nil {
			return err
		}
		if e.Flags > 7 {
			return fmt.Errorf("element %d: invalid flags %d", i, e.Flags)
		}
		active := e.Flags&0x01 == 0
		exprs := e.Flags&0x04 != 0
		if active && e.Flags&0x02 != 0 {
			if e.TableIdx, err = r.ReadU32(); err != nil {
				return err
			}
		}
		if active {
			if e.Offset, err = readConstExpr(r); err != nil {
				return err
			}
		}
		if e.Flags&0x03 != 0 {
			b, err := r.ReadByte()
			if err != nil {
				return err
			}
			if exprs {
				e.Type = ValType(b)
			} else {
				e.ElemKind = b
			}
		} else if exprs {
			e.Type = ValFuncRef
		}
		count, err := readCount(r)
		if err != nil {
			return err
		}
		if exprs {
			e.Exprs = make([][]byte, count)
			for j := range e.Exprs {
				if e.Exprs[j], err = readConstExpr(r); err != nil {
					return err
				}
			}
			continue
		}
		e.FuncIdxs = make([]uint32, count)
		for j := range e.FuncIdxs {
			if e.FuncIdxs[j], err = r.ReadU32(); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseDataCount(r *binary.Reader, m *Module) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.DataCount = &n
	return nil
}

func parseCode(r *binary.Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, n)
	for i := range m.Code {
		body, err := r.Sub()
		if err != nil {
			return err
		}
		groups, err := readCount(body)
		if err != nil {
			return err
		}
		var total uint64
		for j := 0; j < groups; j++ {
			var le LocalEntry
			if le.Count, err = body.ReadU32(); err != nil {
				return err
			}
			t, err := body.ReadByte()
			if err != nil {
				return err
			}
			le.ValType = ValType(t)
			total += uint64(le.Count)
			if total > 50000 {
				return fmt.Errorf("function %d: too many locals", i)
			}
			m.Code[i].Locals = append(m.Code[i].Locals, le)
		}
		m.Code[i].Code = clone(body.Rest())
	}
	return nil
}

func parseData(r *binary.Reader, m *Module) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	m.Data = make([]DataSegment, n)
	for i := range m.Data {
		d := &m.Data[i]
		if d.Flags, err = r.ReadU32(); err != nil {
			return err
		}
		switch d.Flags {
		case 0:
		case 1:
		case 2:
			if d.MemIdx, err = r.ReadU32(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("data %d: invalid flags %d", i, d.Flags)
		}
		if d.Flags != 1 {
			if d.Offset, err = readConstExpr(r); err != nil {
				return err
			}
		}
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		init, err := r.ReadBytes(int(size))
		if err != nil {
			return err
		}
		d.Init = clone(init)
	}
	return nil
}

func readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags > LimitsHasMax|LimitsShared|LimitsMemory64 {
		return Limits{}, fmt.Errorf("invalid limits flags 0x%02x", flags)
	}
	l := Limits{Shared: flags&LimitsShared != 0, Memory64: flags&LimitsMemory64 != 0}
	read := r.ReadU64
	if !l.Memory64 {
		read = func() (uint64, error) {
			v, err := r.ReadU32()
			return uint64(v), err
		}
	}
	if l.Min, err = read(); err != nil {
		return Limits{}, err
	}
	if flags&LimitsHasMax != 0 {
		max, err := read()
		if err != nil {
			return Limits{}, err
		}
		if max < l.Min {
			return Limits{}, fmt.Errorf("limits min %d exceeds max %d", l.Min, max)
		}
		l.Max = &max
	}
	return l, nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	et, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	if et != byte(ValFuncRef) && et != byte(ValExtern) {
		return TableType{}, fmt.Errorf("unsupported table element type 0x%02x", et)
	}
	l, err := readLimits(r)
	return TableType{ElemType: ValType(et), Limits: l}, err
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	vt, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid mutability %d", mut)
	}
	return GlobalType{ValType: ValType(vt), Mutable: mut == 1}, nil
}

// readConstExpr returns the raw bytes of a constant expression up to and
// including its end opcode.
func readConstExpr(r *binary.Reader) ([]byte, error) {
	start := r.Position()
	for {
		ins, err := decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		if ins.Opcode == OpEnd {
			break
		}
	}
	return clone(r.Since(start)), nil
}
