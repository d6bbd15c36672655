package wasm

import (
	"sort"

	"github.com/wippyai/wasm-easyjit/wasm/internal/binary"
)

// NameSectionName is the custom section holding debug names.
const NameSectionName = "name"

// Name subsection IDs.
const (
	nameModule   byte = 0
	nameFunction byte = 1
	nameGlobal   byte = 7
)

// NameSection is the decoded subset of the "name" custom section: module,
// function and global names. Other subsections are dropped.
type NameSection struct {
	Funcs   map[uint32]string
	Globals map[uint32]string
	Module  string
}

// NewNameSection returns an empty NameSection.
func NewNameSection() *NameSection {
	return &NameSection{Funcs: map[uint32]string{}, Globals: map[uint32]string{}}
}

// ParseNameSection decodes the payload of a "name" custom section.
func ParseNameSection(data []byte) (*NameSection, error) {
	ns := NewNameSection()
	r := binary.NewReader(data)
	for r.Len() > 0 {
		id, _ := r.ReadByte()
		sub, err := r.Sub()
		if err != nil {
			return nil, r.Fail(NameSectionName, err)
		}
		switch id {
		case nameModule:
			if ns.Module, err = sub.ReadName(); err != nil {
				return nil, sub.Fail(NameSectionName, err)
			}
		case nameFunction:
			if err := readNameMap(sub, ns.Funcs); err != nil {
				return nil, sub.Fail(NameSectionName, err)
			}
		case nameGlobal:
			if err := readNameMap(sub, ns.Globals); err != nil {
				return nil, sub.Fail(NameSectionName, err)
			}
		}
	}
	return ns, nil
}

func readNameMap(r *binary.Reader, into map[uint32]string) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		into[idx] = name
	}
	return nil
}

// Encode serializes the section payload with maps sorted by index.
func (ns *NameSection) Encode() []byte {
	w := binary.NewWriter()
	if ns.Module != "" {
		s := binary.NewWriter()
		s.WriteName(ns.Module)
		w.Byte(nameModule)
		w.WriteSized(s.Bytes())
	}
	writeNameMap(w, nameFunction, ns.Funcs)
	writeNameMap(w, nameGlobal, ns.Globals)
	return w.Bytes()
}

func writeNameMap(w *binary.Writer, id byte, names map[uint32]string) {
	if len(names) == 0 {
		return
	}
	idxs := make([]uint32, 0, len(names))
	for idx := range names {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	s := binary.NewWriter()
	s.WriteU32(uint32(len(idxs)))
	for _, idx := range idxs {
		s.WriteU32(idx)
		s.WriteName(names[idx])
	}
	w.Byte(id)
	w.WriteSized(s.Bytes())
}

// Names decodes the module's name section. A missing or malformed section
// yields an empty result: names are advisory.
func (m *Module) Names() *NameSection {
	cs := m.CustomSection(NameSectionName)
	if cs == nil {
		return NewNameSection()
	}
	ns, err := ParseNameSection(cs.Data)
	if err != nil {
		return NewNameSection()
	}
	return ns
}

// SetNames replaces the module's name section.
func (m *Module) SetNames(ns *NameSection) {
	data := ns.Encode()
	if cs := m.CustomSection(NameSectionName); cs != nil {
		cs.Data = data
		return
	}
	m.CustomSections = append(m.CustomSections, CustomSection{Name: NameSectionName, Data: data})
}
