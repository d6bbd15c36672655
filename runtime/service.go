package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/maypok86/otter"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-easyjit/abi"
	"github.com/wippyai/wasm-easyjit/errors"
)

const defaultCacheSize = 1024

// Option configures a Service.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	suffix    string
	cacheSize int
	compiler  bool
}

// WithLogger sets the service logger. Defaults to the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSuffix sets the suffix fragments append to candidate names. It must
// match the suffix the program was extracted with.
func WithSuffix(suffix string) Option {
	return func(o *options) { o.suffix = suffix }
}

// WithCacheSize bounds the number of cached specializations.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithCompiler selects wazero's compiler instead of the interpreter.
func WithCompiler() Option {
	return func(o *options) { o.compiler = true }
}

// Stats counts service activity.
type Stats struct {
	Compiles int64 // specializations instantiated
	Hits     int64 // requests served from the cache
	Active   int64 // calls between compile and end_call
}

// specialization is one instantiated fragment. slot indexes the table of
// the caller instance it was built for.
type specialization struct {
	module api.Module
	caller string
	slot   uint32
}

// Service implements the compilation entry points of extracted programs.
type Service struct {
	rt     wazero.Runtime
	log    *zap.Logger
	cache  otter.Cache[string, *specialization]
	active map[string]int64
	suffix string
	stats  Stats
	seq    int
	mu     sync.Mutex
}

// New creates a service with its own wazero runtime and registers the
// easy_jit host module.
func New(ctx context.Context, opts ...Option) (*Service, error) {
	o := options{suffix: abi.Suffix, cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = Logger()
	}
	if o.cacheSize <= 0 {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "cache size must be positive")
	}

	cache, err := otter.MustBuilder[string, *specialization](o.cacheSize).Build()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidInput, err, "build specialization cache")
	}

	cfg := wazero.NewRuntimeConfigInterpreter()
	if o.compiler {
		cfg = wazero.NewRuntimeConfig()
	}
	s := &Service{
		rt:     wazero.NewRuntimeWithConfig(ctx, cfg),
		log:    o.logger,
		cache:  cache,
		active: make(map[string]int64),
		suffix: o.suffix,
	}
	if err := s.instantiateService(ctx); err != nil {
		_ = s.rt.Close(ctx)
		cache.Close()
		return nil, err
	}
	return s, nil
}

// Runtime returns the underlying wazero runtime.
func (s *Service) Runtime() wazero.Runtime {
	return s.rt
}

// Close releases the runtime and every module instantiated through it.
func (s *Service) Close(ctx context.Context) error {
	s.cache.Close()
	return s.rt.Close(ctx)
}

// Instantiate compiles and instantiates a program under name. Fragments
// resolve their host imports by this name, so it must be unique.
func (s *Service) Instantiate(ctx context.Context, wasmData []byte, name string) (*Instance, error) {
	if name == "" {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "module name cannot be empty")
	}
	compiled, err := s.rt.CompileModule(ctx, wasmData)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}
	mod, err := s.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	return &Instance{module: mod, svc: s}, nil
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// compile returns the table slot of the specialization requested by call,
// instantiating it on a cache miss.
func (s *Service) compile(ctx context.Context, caller api.Module, call abi.Call) (uint32, error) {
	mem := caller.Memory()
	name, ok := readString(mem, call.Name)
	if !ok {
		return 0, errors.New(errors.PhaseRuntime, errors.KindOutOfBounds).
			Value(call.Name).
			Detail("function name outside caller memory").
			Build()
	}
	key := cacheKey(caller.Name(), name, call)

	s.mu.Lock()
	defer s.mu.Unlock()

	if spec, ok := s.cache.Get(key); ok {
		s.stats.Hits++
		s.acquire(caller.Name(), spec.slot)
		return spec.slot, nil
	}

	if call.Length > uint64(^uint32(0)) {
		return 0, errors.OutOfBounds(errors.PhaseRuntime, name, int(call.Fragment), int(mem.Size()))
	}
	blob, ok := mem.Read(call.Fragment, uint32(call.Length))
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseRuntime, name, int(call.Fragment), int(mem.Size()))
	}
	// Read aliases guest memory.
	blob = append([]byte(nil), blob...)

	spec, err := s.instantiate(ctx, caller.Name(), name, blob, call.Pairs)
	if err != nil {
		return 0, err
	}
	s.cache.Set(key, spec)
	s.stats.Compiles++
	s.acquire(caller.Name(), spec.slot)

	s.log.Debug("function specialized",
		zap.String("module", caller.Name()),
		zap.String("function", name),
		zap.Int32("level", call.Level),
		zap.Int("pairs", len(call.Pairs)),
		zap.Uint32("slot", spec.slot))
	return spec.slot, nil
}

func (s *Service) instantiate(ctx context.Context, caller, name string, blob []byte, pairs []abi.Pair) (*specialization, error) {
	wasmData, err := Specialize(blob, name+s.suffix, pairs, caller)
	if err != nil {
		return nil, err
	}
	compiled, err := s.rt.CompileModule(ctx, wasmData)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, err, "compile specialization of "+name)
	}
	s.seq++
	modName := fmt.Sprintf("%s.%s.%s%d", caller, abi.HostModule, name, s.seq)
	mod, err := s.rt.InstantiateModule(ctx, compiled, compileModuleConfig(modName))
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	g := mod.ExportedGlobal(SlotExport)
	if g == nil {
		return nil, errors.Invariant(errors.PhaseRuntime, name, "specialization exports no slot")
	}
	slot := int32(uint32(g.Get()))
	if slot < 0 {
		return nil, errors.Invariant(errors.PhaseRuntime, name, "caller table could not grow")
	}
	return &specialization{module: mod, caller: caller, slot: uint32(slot)}, nil
}

// forget drops the specializations and in-flight counts of a closed
// caller. Slots are only valid in the caller's table, so a module
// instantiated later under the same name must compile afresh.
func (s *Service) forget(ctx context.Context, caller string) {
	var mods []api.Module
	s.mu.Lock()
	s.cache.DeleteByFunc(func(_ string, spec *specialization) bool {
		if spec.caller != caller {
			return false
		}
		mods = append(mods, spec.module)
		return true
	})
	prefix := caller + "#"
	for k, n := range s.active {
		if strings.HasPrefix(k, prefix) {
			s.stats.Active -= n
			delete(s.active, k)
		}
	}
	s.mu.Unlock()

	for _, m := range mods {
		if err := m.Close(ctx); err != nil {
			s.log.Warn("close specialization", zap.String("module", m.Name()), zap.Error(err))
		}
	}
	if len(mods) > 0 {
		s.log.Debug("specializations dropped", zap.String("module", caller), zap.Int("count", len(mods)))
	}
}

// acquire and release track calls in flight. s.mu must be held by acquire.
func (s *Service) acquire(caller string, slot uint32) {
	s.active[handleKey(caller, slot)]++
	s.stats.Active++
}

func (s *Service) release(caller string, slot uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := handleKey(caller, slot)
	if s.active[k] == 0 {
		s.log.Warn("end_call without a matching compile",
			zap.String("module", caller),
			zap.Uint32("handle", slot))
		return
	}
	s.active[k]--
	if s.active[k] == 0 {
		delete(s.active, k)
	}
	s.stats.Active--
}

func handleKey(caller string, slot uint32) string {
	return caller + "#" + strconv.FormatUint(uint64(slot), 10)
}

func cacheKey(caller, name string, call abi.Call) string {
	var b strings.Builder
	b.WriteString(caller)
	b.WriteByte(0)
	b.WriteString(name)
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(int64(call.Level), 10))
	for _, p := range call.Pairs {
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(p.Index), 10))
		b.WriteByte('=')
		b.WriteString(strconv.FormatUint(p.Value, 16))
	}
	return b.String()
}
