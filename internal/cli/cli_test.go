package cli

// Test Plan for the CLI:
// - parsePositions and parseArgs accept valid input and reject bad values
// - formatResults renders each value type
// - selectionFromFlags combines a selection file with --func patterns
// - extract, inspect and run work end to end on a small module
// - the interactive model selects a function and shows its result

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-easyjit/extract"
	"github.com/wippyai/wasm-easyjit/wasm"
)

func ins(op byte, imm any) wasm.Instruction {
	return wasm.Instruction{Opcode: op, Imm: imm}
}

func code(is ...wasm.Instruction) []byte {
	return wasm.EncodeInstructions(append(is, ins(wasm.OpEnd, nil)))
}

// kernel exports helper(x) = x + 1 and foo(a i32, b f32) = env.scale(helper(a)) + trunc(b).
func kernel() []byte {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32, wasm.ValF32}, Results: []wasm.ValType{wasm.ValI32}},
			{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
		},
		Imports: []wasm.Import{
			{Module: "env", Name: "scale", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 1}},
		},
		Funcs:    []uint32{1, 0},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Exports: []wasm.Export{
			{Name: "helper", Kind: wasm.KindFunc, Idx: 1},
			{Name: "foo", Kind: wasm.KindFunc, Idx: 2},
		},
		Code: []wasm.FuncBody{
			{Code: code(
				ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 0}),
				ins(wasm.OpI32Const, wasm.I32Imm{Value: 1}),
				ins(wasm.OpI32Add, nil),
			)},
			{Code: code(
				ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 0}),
				ins(wasm.OpCall, wasm.CallImm{FuncIdx: 1}),
				ins(wasm.OpCall, wasm.CallImm{FuncIdx: 0}),
				ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 1}),
				ins(wasm.OpI32TruncF32S, nil),
				ins(wasm.OpI32Add, nil),
			)},
		},
	}
	return m.Encode()
}

func TestParsePositions(t *testing.T) {
	got, err := parsePositions("1, 2,0")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 0}, got)

	got, err = parsePositions("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parsePositions("1,x")
	assert.Error(t, err)
}

func TestParseArgs(t *testing.T) {
	types := []api.ValueType{api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64}
	got, err := parseArgs([]string{"-3", "0x10", "2.5", "-0.25"}, types)
	require.NoError(t, err)
	assert.Equal(t, int32(-3), api.DecodeI32(got[0]))
	assert.Equal(t, uint64(16), got[1])
	assert.Equal(t, float32(2.5), api.DecodeF32(got[2]))
	assert.Equal(t, -0.25, api.DecodeF64(got[3]))

	tests := []struct {
		name   string
		values []string
		types  []api.ValueType
	}{
		{"count mismatch", []string{"1"}, types},
		{"bad int", []string{"one"}, []api.ValueType{api.ValueTypeI32}},
		{"i32 overflow", []string{"4294967296"}, []api.ValueType{api.ValueTypeI32}},
		{"bad float", []string{"x"}, []api.ValueType{api.ValueTypeF32}},
		{"reference", []string{"0"}, []api.ValueType{api.ValueTypeExternref}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseArgs(tt.values, tt.types)
			assert.Error(t, err)
		})
	}
}

func TestFormatResults(t *testing.T) {
	out := formatResults(
		[]uint64{api.EncodeI32(-1), api.EncodeI64(7), api.EncodeF32(1.5), api.EncodeF64(0.125)},
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64})
	assert.Equal(t, "-1, 7, 1.5, 0.125", out)
	assert.Equal(t, "", formatResults(nil, nil))
}

func TestSelectionFromFlags(t *testing.T) {
	_, err := selectionFromFlags("", nil, "", 2)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "sel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("candidates:\n  - function: helper\n"), 0o644))

	sel, err := selectionFromFlags(path, []string{"foo", "bar_*"}, "1", 3)
	require.NoError(t, err)
	require.Len(t, sel.Candidates, 3)
	assert.Equal(t, "helper", sel.Candidates[0].Function)
	assert.Equal(t, extract.Rule{Function: "bar_*", Level: 3, Params: []uint32{1}}, sel.Candidates[2])

	_, err = selectionFromFlags("", []string{"foo"}, "a", 2)
	assert.Error(t, err)
}

func TestExtractInspectRun(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "kernel.wasm")
	out := filepath.Join(dir, "kernel.jit.wasm")
	require.NoError(t, os.WriteFile(in, kernel(), 0o644))

	sel := &extract.SelectionFile{Candidates: []extract.Rule{
		{Function: "foo", Level: 2, Params: []uint32{1}},
		{Function: "missing"},
	}}
	var buf bytes.Buffer
	require.NoError(t, extractFile(&buf, in, out, sel, extract.Config{Validate: true}))
	assert.Contains(t, buf.String(), "warning: not_found: missing")
	assert.Contains(t, buf.String(), "extracted foo")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, extract.IsProcessed(data))

	buf.Reset()
	require.NoError(t, inspect(&buf, out, data, newStyles(false)))
	listing := buf.String()
	assert.Contains(t, listing, "processed: yes")
	assert.Contains(t, listing, "easy_jit_module")
	assert.Contains(t, listing, "easy_jit.compile_and_specialize_1")

	ctx := context.Background()
	svc, inst, err := load(ctx, data, zap.NewNop(), true)
	require.NoError(t, err)
	defer func() { _ = svc.Close(ctx) }()

	// env.scale is stubbed to return 0, so foo(3, 2.5) is trunc(2.5).
	buf.Reset()
	require.NoError(t, call(ctx, &buf, svc, inst, "foo", []string{"3", "2.5"}, 3))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "foo(3, 2.5) = 2", lines[0])
	assert.Equal(t, "compiles: 1  hits: 2  active: 0", lines[1])

	assert.Error(t, call(ctx, &buf, svc, inst, "nope", nil, 1))
	assert.Error(t, call(ctx, &buf, svc, inst, "foo", []string{"3"}, 1))
}

func TestExtractUnchanged(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "kernel.wasm")
	out := filepath.Join(dir, "out.wasm")
	require.NoError(t, os.WriteFile(in, kernel(), 0o644))

	sel := &extract.SelectionFile{Candidates: []extract.Rule{{Function: "foo", Params: []uint32{7}}}}
	var buf bytes.Buffer
	require.NoError(t, extractFile(&buf, in, out, sel, extract.Config{}))
	assert.Contains(t, buf.String(), "out_of_bounds")
	assert.Contains(t, buf.String(), "unchanged")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, kernel(), data)
}

func TestInteractiveModel(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "kernel.wasm")
	out := filepath.Join(dir, "kernel.jit.wasm")
	require.NoError(t, os.WriteFile(in, kernel(), 0o644))
	sel := &extract.SelectionFile{Candidates: []extract.Rule{{Function: "foo", Params: []uint32{1}}}}
	require.NoError(t, extractFile(&bytes.Buffer{}, in, out, sel, extract.Config{}))
	data, err := os.ReadFile(out)
	require.NoError(t, err)

	ctx := context.Background()
	svc, inst, err := load(ctx, data, zap.NewNop(), true)
	require.NoError(t, err)
	defer func() { _ = svc.Close(ctx) }()

	m := newInteractiveModel("kernel.jit.wasm", svc, inst)
	require.Len(t, m.funcs, 2)
	assert.Equal(t, "foo", m.funcs[0].name)
	assert.Contains(t, m.View(), "Select a function")

	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.Equal(t, stateInputArgs, m.state)
	require.Len(t, m.inputs, 2)
	m.inputs[0].SetValue("1")
	m.inputs[1].SetValue("4")

	m.Update(m.callFunction())
	require.Equal(t, stateShowResult, m.state)
	require.NoError(t, m.err)
	assert.True(t, strings.HasPrefix(m.result, "4"), "result = %q", m.result)

	m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, stateSelectFunc, m.state)
}
