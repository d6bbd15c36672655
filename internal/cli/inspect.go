package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/wasm-easyjit/extract"
	"github.com/wippyai/wasm-easyjit/program"
	"github.com/wippyai/wasm-easyjit/wasm"
)

var inspectAll bool

var inspectCmd = &cobra.Command{
	Use:   "inspect IN",
	Short: "List the symbols of a module",
	Long: `Inspect prints the functions and globals of a module with their linkage,
type and import or export names, and whether the module was already
processed by extract.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		styled := false
		if f, ok := cmd.OutOrStdout().(*os.File); ok {
			styled = term.IsTerminal(int(f.Fd()))
		}
		return inspect(cmd.OutOrStdout(), args[0], data, newStyles(styled))
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVarP(&inspectAll, "all", "a", false, "include unnamed internal symbols")
}

type styles struct {
	title    lipgloss.Style
	header   lipgloss.Style
	function lipgloss.Style
	variable lipgloss.Style
	external lipgloss.Style
	muted    lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain}
	}
	return styles{
		title:    titleStyle,
		header:   lipgloss.NewStyle().Bold(true).Underline(true),
		function: funcStyle,
		variable: typeStyle,
		external: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD580")),
		muted:    helpStyle,
	}
}

// inspect writes the symbol table of the module in data.
func inspect(w io.Writer, path string, data []byte, st styles) error {
	m, err := wasm.ParseModule(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	p, err := program.Load(m)
	if err != nil {
		return err
	}

	processed := "no"
	if extract.IsProcessedProgram(p) {
		processed = "yes"
	}
	fmt.Fprintf(w, "%s %s\n", st.title.Render("module"), path)
	fmt.Fprintf(w, "symbols: %d  memories: %d  tables: %d  processed: %s\n\n",
		p.Len(), len(p.Memories), len(p.Tables), processed)

	rows := [][]string{{"NAME", "KIND", "LINKAGE", "TYPE", "IMPORT", "EXPORTS"}}
	kinds := []program.Kind{0}
	for _, id := range p.Symbols() {
		s := p.Symbol(id)
		if !inspectAll && p.Linkage(id) == program.Internal && !s.Debug && isPlaceholder(s.Name) {
			continue
		}
		imp := "-"
		if s.Import != nil {
			imp = s.Import.Module + "." + s.Import.Name
		}
		exports := "-"
		if names := p.ExportsOf(id); len(names) > 0 {
			exports = strings.Join(names, ", ")
		}
		rows = append(rows, []string{s.Name, s.Kind.String(), p.Linkage(id).String(), symbolType(s), imp, exports})
		kinds = append(kinds, s.Kind)
	}

	widths := make([]int, len(rows[0]))
	for _, r := range rows {
		for i, c := range r {
			widths[i] = max(widths[i], len(c))
		}
	}
	for i, r := range rows {
		cells := make([]string, len(r))
		for j, c := range r {
			cell := lipgloss.NewStyle().Width(widths[j] + 2).Render(c)
			switch {
			case i == 0:
				cell = st.header.Render(cell)
			case j == 0 && kinds[i] == program.KindFunction:
				cell = st.function.Render(cell)
			case j == 0:
				cell = st.variable.Render(cell)
			case j == 2 && c == program.External.String():
				cell = st.external.Render(cell)
			case c == "-":
				cell = st.muted.Render(cell)
			}
			cells[j] = cell
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, ""), " "))
	}
	return nil
}

func symbolType(s *program.Symbol) string {
	switch {
	case s.Func != nil:
		return s.Func.Type.String()
	case s.Var != nil:
		return globalType(s.Var.Type)
	}
	return "?"
}

func globalType(t wasm.GlobalType) string {
	if t.Mutable {
		return "mut " + t.ValType.String()
	}
	return t.ValType.String()
}

func isPlaceholder(name string) bool {
	return strings.HasPrefix(name, "func[") || strings.HasPrefix(name, "global[")
}
