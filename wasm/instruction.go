package wasm

import (
	"fmt"

	"github.com/wippyai/wasm-easyjit/wasm/internal/binary"
)

// Instruction is one decoded instruction. Imm holds one of the *Imm types
// below, or nil for instructions without immediates.
type Instruction struct {
	Imm    any
	Opcode byte
}

// BlockImm is the block type of block, loop and if. Negative values are
// the BlockType constants; non-negative values are type indices.
type BlockImm struct {
	Type int32
}

// BranchImm is the label of br and br_if.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm is the label vector of br_table.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm is the callee of call.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm is the signature and table of call_indirect.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm is the local of local.get, local.set and local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm is the global of global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// TableImm is the table of table.get and table.set.
type TableImm struct {
	TableIdx uint32
}

// MemoryImm is the memarg of loads and stores.
type MemoryImm struct {
	Offset uint64
	Align  uint32
	MemIdx uint32
}

// MemoryIdxImm is the memory of memory.size and memory.grow.
type MemoryIdxImm struct {
	MemIdx uint32
}

// I32Imm is the operand of i32.const.
type I32Imm struct {
	Value int32
}

// I64Imm is the operand of i64.const.
type I64Imm struct {
	Value int64
}

// F32Imm is the operand of f32.const.
type F32Imm struct {
	Value float32
}

// F64Imm is the operand of f64.const.
type F64Imm struct {
	Value float64
}

// RefNullImm is the reference type of ref.null.
type RefNullImm struct {
	Type ValType
}

// RefFuncImm is the function of ref.func.
type RefFuncImm struct {
	FuncIdx uint32
}

// SelectTypeImm is the result type vector of typed select.
type SelectTypeImm struct {
	Types []ValType
}

// SIMDImm holds a 0xFD instruction. MemArg, Bytes and Lane are set
// according to the sub-opcode.
type SIMDImm struct {
	MemArg    *MemoryImm
	Lane      *byte
	Bytes     []byte
	SubOpcode uint32
}

// AtomicImm holds a 0xFE instruction. Every sub-opcode but atomic.fence
// carries a memarg.
type AtomicImm struct {
	MemArg    *MemoryImm
	SubOpcode uint32
}

// MiscImm is a 0xFC-prefixed instruction. Operands hold its index
// immediates in binary order.
type MiscImm struct {
	Operands  []uint32
	SubOpcode uint32
}

const memArgMultiMem = 0x40

// miscOperandCount maps each 0xFC sub-opcode to its number of u32 immediates.
var miscOperandCount = map[uint32]int{
	0x00: 0, 0x01: 0, 0x02: 0, 0x03: 0, 0x04: 0, 0x05: 0, 0x06: 0, 0x07: 0,
	MiscMemoryInit: 2,
	MiscDataDrop:   1,
	MiscMemoryCopy: 2,
	MiscMemoryFill: 1,
	MiscTableInit:  2,
	MiscElemDrop:   1,
	MiscTableCopy:  2,
	MiscTableGrow:  1,
	MiscTableSize:  1,
	MiscTableFill:  1,
}

// IsLoadStore reports whether op takes a memarg.
func IsLoadStore(op byte) bool {
	return op >= OpI32Load && op <= OpI64Store32
}

// DecodeInstructions decodes a complete instruction stream.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	r := binary.NewReader(code)
	out := make([]Instruction, 0, len(code)/2)
	for r.Len() > 0 {
		at := r.Position()
		ins, err := decodeInstruction(r)
		if err != nil {
			return nil, fmt.Errorf("instruction at %d: %w", at, err)
		}
		out = append(out, ins)
	}
	return out, nil
}

func decodeInstruction(r *binary.Reader) (Instruction, error) {
	op, err := r.ReadByte()
	if err != nil {
		return Instruction{}, err
	}
	ins := Instruction{Opcode: op}

	switch {
	case op >= numericFirst && op <= numericLast:
		return ins, nil
	case IsLoadStore(op):
		ins.Imm, err = readMemArg(r)
		return ins, err
	}

	switch op {
	case OpUnreachable, OpNop, OpElse, OpEnd, OpReturn, OpDrop, OpSelect, OpRefIsNull:
	case OpBlock, OpLoop, OpIf:
		var bt int64
		bt, err = r.ReadS33()
		ins.Imm = BlockImm{Type: int32(bt)}
	case OpBr, OpBrIf:
		var l uint32
		l, err = r.ReadU32()
		ins.Imm = BranchImm{LabelIdx: l}
	case OpBrTable:
		ins.Imm, err = readBrTable(r)
	case OpCall:
		var f uint32
		f, err = r.ReadU32()
		ins.Imm = CallImm{FuncIdx: f}
	case OpCallIndirect:
		var imm CallIndirectImm
		if imm.TypeIdx, err = r.ReadU32(); err == nil {
			imm.TableIdx, err = r.ReadU32()
		}
		ins.Imm = imm
	case OpSelectType:
		var n uint32
		if n, err = r.ReadU32(); err != nil {
			break
		}
		var raw []byte
		raw, err = r.ReadBytes(int(n))
		types := make([]ValType, len(raw))
		for i, b := range raw {
			types[i] = ValType(b)
		}
		ins.Imm = SelectTypeImm{Types: types}
	case OpLocalGet, OpLocalSet, OpLocalTee:
		var l uint32
		l, err = r.ReadU32()
		ins.Imm = LocalImm{LocalIdx: l}
	case OpGlobalGet, OpGlobalSet:
		var g uint32
		g, err = r.ReadU32()
		ins.Imm = GlobalImm{GlobalIdx: g}
	case OpTableGet, OpTableSet:
		var t uint32
		t, err = r.ReadU32()
		ins.Imm = TableImm{TableIdx: t}
	case OpMemorySize, OpMemoryGrow:
		var m uint32
		m, err = r.ReadU32()
		ins.Imm = MemoryIdxImm{MemIdx: m}
	case OpI32Const:
		var v int32
		v, err = r.ReadS32()
		ins.Imm = I32Imm{Value: v}
	case OpI64Const:
		var v int64
		v, err = r.ReadS64()
		ins.Imm = I64Imm{Value: v}
	case OpF32Const:
		var v float32
		v, err = r.ReadF32()
		ins.Imm = F32Imm{Value: v}
	case OpF64Const:
		var v float64
		v, err = r.ReadF64()
		ins.Imm = F64Imm{Value: v}
	case OpRefNull:
		var t byte
		t, err = r.ReadByte()
		ins.Imm = RefNullImm{Type: ValType(t)}
	case OpRefFunc:
		var f uint32
		f, err = r.ReadU32()
		ins.Imm = RefFuncImm{FuncIdx: f}
	case OpPrefixMisc:
		ins.Imm, err = readMisc(r)
	case OpPrefixSIMD:
		ins.Imm, err = readSIMD(r)
	case OpPrefixAtomic:
		ins.Imm, err = readAtomic(r)
	default:
		return ins, fmt.Errorf("unsupported opcode 0x%02x", op)
	}
	return ins, err
}

func readBrTable(r *binary.Reader) (BrTableImm, error) {
	n, err := r.ReadU32()
	if err != nil {
		return BrTableImm{}, err
	}
	if int(n) > r.Len() {
		return BrTableImm{}, fmt.Errorf("br_table with %d labels exceeds body", n)
	}
	labels := make([]uint32, n)
	for i := range labels {
		if labels[i], err = r.ReadU32(); err != nil {
			return BrTableImm{}, err
		}
	}
	def, err := r.ReadU32()
	return BrTableImm{Labels: labels, Default: def}, err
}

func readMemArg(r *binary.Reader) (MemoryImm, error) {
	align, err := r.ReadU32()
	if err != nil {
		return MemoryImm{}, err
	}
	var imm MemoryImm
	if align&memArgMultiMem != 0 {
		if imm.MemIdx, err = r.ReadU32(); err != nil {
			return MemoryImm{}, err
		}
	}
	imm.Align = align &^ memArgMultiMem
	imm.Offset, err = r.ReadU64()
	return imm, err
}

func readMisc(r *binary.Reader) (MiscImm, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return MiscImm{}, err
	}
	n, ok := miscOperandCount[sub]
	if !ok {
		return MiscImm{}, fmt.Errorf("unsupported 0xFC sub-opcode 0x%02x", sub)
	}
	imm := MiscImm{SubOpcode: sub}
	if n > 0 {
		imm.Operands = make([]uint32, n)
		for i := range imm.Operands {
			if imm.Operands[i], err = r.ReadU32(); err != nil {
				return MiscImm{}, err
			}
		}
	}
	return imm, nil
}

func readSIMD(r *binary.Reader) (SIMDImm, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return SIMDImm{}, err
	}
	imm := SIMDImm{SubOpcode: sub}
	withMemArg := func() error {
		m, err := readMemArg(r)
		imm.MemArg = &m
		return err
	}
	withLane := func() error {
		b, err := r.ReadByte()
		imm.Lane = &b
		return err
	}

	switch {
	case sub <= SimdV128Load64Splat, sub == SimdV128Store,
		sub == SimdV128Load32Zero, sub == SimdV128Load64Zero:
		err = withMemArg()
	case sub == SimdV128Const, sub == SimdI8x16Shuffle:
		var raw []byte
		raw, err = r.ReadBytes(16)
		imm.Bytes = append([]byte(nil), raw...)
	case sub >= SimdI8x16ExtractLaneS && sub <= SimdF64x2ReplaceLane:
		err = withLane()
	case sub >= SimdV128Load8Lane && sub <= SimdV128Store64Lane:
		if err = withMemArg(); err == nil {
			err = withLane()
		}
	}
	if err != nil {
		return SIMDImm{}, err
	}
	return imm, nil
}

func readAtomic(r *binary.Reader) (AtomicImm, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return AtomicImm{}, err
	}
	imm := AtomicImm{SubOpcode: sub}
	if sub == AtomicFence {
		_, err = r.ReadByte()
		return imm, err
	}
	m, err := readMemArg(r)
	if err != nil {
		return AtomicImm{}, err
	}
	imm.MemArg = &m
	return imm, nil
}

func writeMemArg(w *binary.Writer, imm MemoryImm) {
	if imm.MemIdx != 0 {
		w.WriteU32(imm.Align | memArgMultiMem)
		w.WriteU32(imm.MemIdx)
	} else {
		w.WriteU32(imm.Align)
	}
	w.WriteU64(imm.Offset)
}

// EncodeInstructions encodes an instruction stream.
func EncodeInstructions(instrs []Instruction) []byte {
	w := binary.NewWriter()
	for i := range instrs {
		encodeInstruction(w, &instrs[i])
	}
	return w.Bytes()
}

func encodeInstruction(w *binary.Writer, ins *Instruction) {
	w.Byte(ins.Opcode)
	switch imm := ins.Imm.(type) {
	case nil:
	case BlockImm:
		w.WriteS32(imm.Type)
	case BranchImm:
		w.WriteU32(imm.LabelIdx)
	case BrTableImm:
		w.WriteU32(uint32(len(imm.Labels)))
		for _, l := range imm.Labels {
			w.WriteU32(l)
		}
		w.WriteU32(imm.Default)
	case CallImm:
		w.WriteU32(imm.FuncIdx)
	case CallIndirectImm:
		w.WriteU32(imm.TypeIdx)
		w.WriteU32(imm.TableIdx)
	case SelectTypeImm:
		w.WriteU32(uint32(len(imm.Types)))
		for _, t := range imm.Types {
			w.Byte(byte(t))
		}
	case LocalImm:
		w.WriteU32(imm.LocalIdx)
	case GlobalImm:
		w.WriteU32(imm.GlobalIdx)
	case TableImm:
		w.WriteU32(imm.TableIdx)
	case MemoryImm:
		writeMemArg(w, imm)
	case MemoryIdxImm:
		w.WriteU32(imm.MemIdx)
	case I32Imm:
		w.WriteS32(imm.Value)
	case I64Imm:
		w.WriteS64(imm.Value)
	case F32Imm:
		w.WriteF32(imm.Value)
	case F64Imm:
		w.WriteF64(imm.Value)
	case RefNullImm:
		w.Byte(byte(imm.Type))
	case RefFuncImm:
		w.WriteU32(imm.FuncIdx)
	case MiscImm:
		w.WriteU32(imm.SubOpcode)
		for _, o := range imm.Operands {
			w.WriteU32(o)
		}
	case SIMDImm:
		w.WriteU32(imm.SubOpcode)
		if imm.MemArg != nil {
			writeMemArg(w, *imm.MemArg)
		}
		w.WriteBytes(imm.Bytes)
		if imm.Lane != nil {
			w.Byte(*imm.Lane)
		}
	case AtomicImm:
		w.WriteU32(imm.SubOpcode)
		if imm.SubOpcode == AtomicFence {
			w.Byte(0)
		} else if imm.MemArg != nil {
			writeMemArg(w, *imm.MemArg)
		}
	default:
		panic(fmt.Sprintf("wasm: cannot encode immediate %T", imm))
	}
}
