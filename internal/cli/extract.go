package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-easyjit/extract"
	"github.com/wippyai/wasm-easyjit/program"
	"github.com/wippyai/wasm-easyjit/wasm"
)

var (
	extractOutput    string
	extractSelection string
	extractFunctions []string
	extractParams    string
	extractLevel     int32
	extractValidate  bool
)

var extractCmd = &cobra.Command{
	Use:   "extract IN",
	Short: "Rewrite selected functions into runtime-specialized trampolines",
	Long: `Extract embeds a pruned copy of the selected functions into the module and
replaces each of them with a trampoline that calls the compilation service.

Functions are selected with a selection file or with --func patterns:

  candidates:
    - function: "kernel_*"
      level: 2
      params: [1, 2]

Examples:
  # Use a selection file
  easyjit extract app.wasm -s selection.yaml -o app.jit.wasm

  # Specialize the second parameter of foo
  easyjit extract app.wasm --func foo --params 1 -o app.jit.wasm
`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringVarP(&extractOutput, "output", "o", "", "output file (default IN with .jit.wasm extension)")
	extractCmd.Flags().StringVarP(&extractSelection, "selection", "s", "", "selection file")
	extractCmd.Flags().StringSliceVar(&extractFunctions, "func", nil, "function name patterns to extract")
	extractCmd.Flags().StringVar(&extractParams, "params", "", "comma-separated parameter positions for --func")
	extractCmd.Flags().Int32Var(&extractLevel, "level", 2, "optimization level for --func")
	extractCmd.Flags().BoolVar(&extractValidate, "validate", true, "validate input, embedded module and output")

	_ = viper.BindPFlag("selection", extractCmd.Flags().Lookup("selection"))
}

func runExtract(cmd *cobra.Command, args []string) error {
	log, err := newLogger(viper.GetBool("verbose"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sel, err := selectionFromFlags(viper.GetString("selection"), extractFunctions, extractParams, extractLevel)
	if err != nil {
		return err
	}
	out := extractOutput
	if out == "" {
		out = strings.TrimSuffix(args[0], ".wasm") + ".jit.wasm"
	}
	cfg := extract.Config{
		Logger:   log,
		Suffix:   viper.GetString("suffix"),
		Validate: extractValidate,
	}
	return extractFile(cmd.OutOrStdout(), args[0], out, sel, cfg)
}

// selectionFromFlags builds the selection from a file or from --func
// patterns; both may be given.
func selectionFromFlags(path string, patterns []string, params string, level int32) (*extract.SelectionFile, error) {
	sel := &extract.SelectionFile{}
	if path != "" {
		f, err := extract.LoadSelection(path)
		if err != nil {
			return nil, err
		}
		sel.Candidates = append(sel.Candidates, f.Candidates...)
	}
	if len(patterns) > 0 {
		positions, err := parsePositions(params)
		if err != nil {
			return nil, err
		}
		for _, p := range patterns {
			sel.Candidates = append(sel.Candidates, extract.Rule{Function: p, Level: level, Params: positions})
		}
	}
	if len(sel.Candidates) == 0 {
		return nil, fmt.Errorf("no functions selected: use --selection or --func")
	}
	return sel, nil
}

func parsePositions(s string) ([]uint32, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []uint32
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parameter position %q: %w", f, err)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

// extractFile transforms in and writes the result to out. Diagnostics are
// printed to w; the output is written even when nothing changed.
func extractFile(w io.Writer, in, out string, sel *extract.SelectionFile, cfg extract.Config) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	m, err := wasm.ParseModule(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", in, err)
	}
	p, err := program.Load(m)
	if err != nil {
		return err
	}
	resolved, diags, err := sel.Resolve(p, cfg.Logger)
	if err != nil {
		return err
	}

	res, err := extract.New(cfg).Transform(data, resolved)
	if err != nil {
		return err
	}
	for _, d := range append(diags, res.Diagnostics...) {
		fmt.Fprintf(w, "warning: %s\n", d)
	}
	if err := os.WriteFile(out, res.Output, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	if !res.Changed {
		fmt.Fprintf(w, "%s: unchanged\n", out)
		return nil
	}
	fmt.Fprintf(w, "%s: extracted %s (%d byte module, imports %s)\n",
		out, strings.Join(res.Extracted, ", "), len(res.Fragment), orNone(res.Closure))
	if cfg.Logger != nil {
		cfg.Logger.Debug("selection resolved", zap.Int("functions", len(resolved)))
	}
	return nil
}

func orNone(names []string) string {
	if len(names) == 0 {
		return "nothing"
	}
	return strings.Join(names, ", ")
}
