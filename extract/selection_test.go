package extract

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/wasm-easyjit/errors"
	"github.com/wippyai/wasm-easyjit/program"
	"github.com/wippyai/wasm-easyjit/wasm"
)

const selectionYAML = `
candidates:
  - function: "kernel_*"
    level: 3
    params: [0]
  - function: "foo"
    level: 2
    params: [1]
  - function: "kernel_a"
    level: 1
  - function: "missing_*"
`

func loadSample(t *testing.T) *program.Program {
	t.Helper()
	m, err := wasm.ParseModule(sample())
	if err != nil {
		t.Fatal(err)
	}
	p, err := program.Load(m)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSelectionResolve(t *testing.T) {
	f, err := ParseSelection([]byte(selectionYAML))
	if err != nil {
		t.Fatal(err)
	}
	core, logs := observer.New(zap.WarnLevel)
	sel, diags, err := f.Resolve(loadSample(t), zap.New(core))
	if err != nil {
		t.Fatal(err)
	}
	if n := logs.FilterField(zap.String("pattern", "missing_*")).Len(); n != 1 {
		t.Errorf("logged %d warnings for missing_*, want 1", n)
	}

	tests := []struct {
		name   string
		level  int32
		params []uint32
	}{
		{"kernel_a", 3, []uint32{0}},
		{"kernel_b", 3, []uint32{0}},
		{"foo", 2, []uint32{1}},
	}
	if len(sel) != len(tests) {
		t.Errorf("selection = %v", sel)
	}
	for _, tt := range tests {
		spec, ok := sel[tt.name]
		if !ok {
			t.Errorf("%s not selected", tt.name)
			continue
		}
		if spec.Level != tt.level || len(spec.Params) != len(tt.params) || (len(tt.params) > 0 && spec.Params[0] != tt.params[0]) {
			t.Errorf("%s: spec = %+v", tt.name, spec)
		}
	}

	// kernel_a is shadowed by the first rule, missing_* matches nothing.
	if len(diags) != 2 {
		t.Fatalf("diagnostics = %v", diags)
	}
	for _, d := range diags {
		if d.Kind != errors.KindNotFound {
			t.Errorf("diagnostic kind = %s", d.Kind)
		}
	}
}

func TestSelectionEndToEnd(t *testing.T) {
	f, err := ParseSelection([]byte("candidates:\n  - function: \"kernel_?\"\n    params: [0]\n"))
	if err != nil {
		t.Fatal(err)
	}
	sel, _, err := f.Resolve(loadSample(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Transform(sample(), sel, Config{Validate: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Extracted) != 2 || out.Extracted[0] != "kernel_a" || out.Extracted[1] != "kernel_b" {
		t.Errorf("Extracted = %v", out.Extracted)
	}
}

func TestParseSelectionErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "candidates: [\n"},
		{"empty pattern", "candidates:\n  - level: 1\n"},
		{"bad params", "candidates:\n  - function: f\n    params: [-1]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSelection([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestResolveBadPattern(t *testing.T) {
	f := &SelectionFile{Candidates: []Rule{{Function: "kernel_[a"}}}
	if _, _, err := f.Resolve(loadSample(t), nil); err == nil {
		t.Error("expected pattern compile error")
	}
}

func TestLoadSelection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sel.yaml")
	if err := os.WriteFile(path, []byte(selectionYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := LoadSelection(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Candidates) != 4 || f.Candidates[1].Function != "foo" {
		t.Errorf("candidates = %+v", f.Candidates)
	}
	if _, err := LoadSelection(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
