package engine

import (
	"fmt"

	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/program"
	"github.com/wippyai/wasm-easyjit/wasm"
)

// Layout places the serialized fragment and the candidate names in memory
// 0 of the program, starting at the first page past its initial size.
type Layout struct {
	// Region is the data segment contents: the blob followed by one
	// NUL-terminated name per candidate.
	Region []byte

	// Names holds the address of each candidate's name, by candidate order.
	Names []uint32

	Base     uint32
	BlobLen  uint64
	MinPages uint64

	// CreateMemory is set when the program has no memory 0 yet.
	CreateMemory bool
}

// Blob returns the serialized fragment.
func (l *Layout) Blob() []byte {
	return l.Region[:l.BlobLen]
}

// Serialize encodes fragment f and lays it out in p for cands.
func Serialize(p, f *program.Program, cands []Candidate) (*Layout, error) {
	blob, err := f.Encode()
	if err != nil {
		return nil, err
	}
	return layout(p, blob, cands)
}

func layout(p *program.Program, blob []byte, cands []Candidate) (*Layout, error) {
	l := &Layout{BlobLen: uint64(len(blob)), CreateMemory: len(p.Memories) == 0}

	var oldMin uint64
	var max *uint64
	if !l.CreateMemory {
		oldMin = p.Memories[0].Type.Limits.Min
		max = p.Memories[0].Type.Limits.Max
	}

	region := make([]byte, 0, len(blob)+16*len(cands))
	region = append(region, blob...)
	base := oldMin * wasm.PageSize
	for _, c := range cands {
		l.Names = append(l.Names, uint32(base+uint64(len(region))))
		region = append(region, p.Symbol(c.ID).Name...)
		region = append(region, 0)
	}
	l.Region = region

	end := base + uint64(len(region))
	l.MinPages = (end + wasm.PageSize - 1) / wasm.PageSize
	limit := uint64(wasm.MaxPages32)
	if max != nil && *max < limit {
		limit = *max
	}
	if l.MinPages > limit {
		return nil, errors.New(errors.PhaseSerialize, errors.KindUnsupported).
			Value(l.MinPages).
			Detail("embedded module needs %d pages of memory 0, limit is %d", l.MinPages, limit).
			Build()
	}
	if base > 0xFFFFFFFF {
		return nil, errors.Unsupported(errors.PhaseSerialize, fmt.Sprintf("memory 0 starts at %d pages", oldMin))
	}
	l.Base = uint32(base)
	return l, nil
}
