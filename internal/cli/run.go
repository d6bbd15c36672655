package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-easyjit/abi"
	"github.com/wippyai/wasm-easyjit/runtime"
	"github.com/wippyai/wasm-easyjit/wasm"
)

var (
	runFunc        string
	runArgs        string
	runRepeat      int
	runStub        bool
	runInteractive bool
)

var runCmd = &cobra.Command{
	Use:   "run IN",
	Short: "Run a function of a processed module on the reference service",
	Long: `Run instantiates a module on the reference compilation service, calls one
of its exported functions and prints the result together with the service
counters. Arguments are parsed according to the function signature.

Imports other than the service entry points are stubbed with functions
returning zeros unless --stub=false is given.

Examples:
  easyjit run app.jit.wasm --func foo --args 3,2.5
  easyjit run app.jit.wasm --func foo --args 3,2.5 --repeat 10
  easyjit run app.jit.wasm -i
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(viper.GetBool("verbose"))
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		svc, inst, err := load(ctx, data, log, runStub)
		if err != nil {
			return err
		}
		defer func() { _ = svc.Close(ctx) }()

		if runInteractive {
			return runTUI(args[0], svc, inst)
		}
		if runFunc == "" {
			return fmt.Errorf("--func is required; exported functions: %s", strings.Join(inst.Functions(), ", "))
		}
		var values []string
		if runArgs != "" {
			values = strings.Split(runArgs, ",")
		}
		return call(ctx, cmd.OutOrStdout(), svc, inst, runFunc, values, runRepeat)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runFunc, "func", "", "function to call")
	runCmd.Flags().StringVar(&runArgs, "args", "", "comma-separated arguments")
	runCmd.Flags().IntVar(&runRepeat, "repeat", 1, "number of calls")
	runCmd.Flags().BoolVar(&runStub, "stub", true, "stub unresolved imports")
	runCmd.Flags().BoolVarP(&runInteractive, "interactive", "i", false, "interactive mode with TUI")
}

// load starts a service configured from viper and instantiates data on it.
func load(ctx context.Context, data []byte, log *zap.Logger, stub bool) (*runtime.Service, *runtime.Instance, error) {
	svc, err := runtime.New(ctx,
		runtime.WithLogger(log),
		runtime.WithSuffix(viper.GetString("suffix")),
		runtime.WithCacheSize(viper.GetInt("cache_size")))
	if err != nil {
		return nil, nil, err
	}
	if stub {
		if err := stubImports(ctx, svc, data); err != nil {
			_ = svc.Close(ctx)
			return nil, nil, err
		}
	}
	inst, err := svc.Instantiate(ctx, data, viper.GetString("module"))
	if err != nil {
		_ = svc.Close(ctx)
		return nil, nil, err
	}
	return svc, inst, nil
}

// stubImports defines every imported function outside the service module
// as a host function returning zeros.
func stubImports(ctx context.Context, svc *runtime.Service, data []byte) error {
	m, err := wasm.ParseModule(data)
	if err != nil {
		return fmt.Errorf("decode module: %w", err)
	}
	var order []string
	byModule := map[string][]runtime.HostFunc{}
	for _, imp := range m.Imports {
		if imp.Desc.Kind != wasm.KindFunc || imp.Module == abi.HostModule {
			continue
		}
		if int(imp.Desc.TypeIdx) >= len(m.Types) {
			return fmt.Errorf("import %s.%s: type %d out of range", imp.Module, imp.Name, imp.Desc.TypeIdx)
		}
		ft := m.Types[imp.Desc.TypeIdx]
		if _, ok := byModule[imp.Module]; !ok {
			order = append(order, imp.Module)
		}
		n := len(ft.Results)
		byModule[imp.Module] = append(byModule[imp.Module], runtime.HostFunc{
			Name:    imp.Name,
			Params:  valueTypes(ft.Params),
			Results: valueTypes(ft.Results),
			Handler: func(_ context.Context, _ api.Module, stack []uint64) {
				clear(stack[:n])
			},
		})
	}
	for _, mod := range order {
		if err := svc.DefineHost(ctx, mod, byModule[mod]...); err != nil {
			return err
		}
	}
	return nil
}

func valueTypes(ts []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(ts))
	for i, t := range ts {
		out[i] = api.ValueType(t)
	}
	return out
}

// call invokes fn repeat times and prints the last result and the
// service counters.
func call(ctx context.Context, w io.Writer, svc *runtime.Service, inst *runtime.Instance, fn string, values []string, repeat int) error {
	params, results, ok := inst.Signature(fn)
	if !ok {
		return fmt.Errorf("no exported function %q", fn)
	}
	raw, err := parseArgs(values, params)
	if err != nil {
		return fmt.Errorf("%s(%s): %w", fn, typeNames(params), err)
	}
	if repeat < 1 {
		repeat = 1
	}
	var out []uint64
	for i := 0; i < repeat; i++ {
		if out, err = inst.Call(ctx, fn, raw...); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "%s(%s) = %s\n", fn, strings.Join(values, ", "), formatResults(out, results))
	st := svc.Stats()
	fmt.Fprintf(w, "compiles: %d  hits: %d  active: %d\n", st.Compiles, st.Hits, st.Active)
	return nil
}
