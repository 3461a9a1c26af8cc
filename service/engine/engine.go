// Package engine is the agent's process context: it resolves the
// configured functions, hooks them, and drives the controller script
// once per frame.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-delve/framelock/pkg/bus"
	"github.com/go-delve/framelock/pkg/config"
	"github.com/go-delve/framelock/pkg/foreign"
	"github.com/go-delve/framelock/pkg/framesync"
	"github.com/go-delve/framelock/pkg/hook"
	"github.com/go-delve/framelock/pkg/logflags"
	"github.com/go-delve/framelock/pkg/symbols"
	"github.com/go-delve/framelock/service/script"
)

// Resolver finds functions by name. *symbols.Image implements it.
type Resolver interface {
	Lookup(name string) (symbols.Symbol, bool)
}

// Installer patches functions. *hook.Manager implements it.
type Installer interface {
	Install(addr uint64, policy hook.Policy, handler hook.Handler, opts ...hook.Option) (*hook.Record, error)
	UninstallAll() error
}

// Config provides the configuration of an Engine.
type Config struct {
	*config.Config

	// Symbols resolves the configured hook symbols.
	Symbols Resolver
	// Installer hooks the resolved functions.
	Installer Installer
	// Memory is used to access the objects passed to the tick hook.
	Memory foreign.MemoryReadWriter
}

// ResolutionError is returned by New when a hook target can not be found.
type ResolutionError struct {
	Symbol string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("could not resolve hook target %s: %v", e.Symbol, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Hook is an installed, configured hook.
type Hook struct {
	Config config.HookConfig
	Addr   uint64
	Record *hook.Record

	calls uint64
}

// Calls returns the number of times the hooked function was called.
func (h *Hook) Calls() uint64 {
	return atomic.LoadUint64(&h.calls)
}

// Engine holds everything resolved and installed at start-up.
type Engine struct {
	config  *Config
	log     logflags.Logger
	gate    *framesync.Gate
	layouts *foreign.Table
	root    *foreign.Layout
	// hooks maps symbol names to installed hooks, it is not modified after
	// New returns.
	hooks  map[string]*Hook
	frames *bus.Queue[*frame]
	frame  uint64

	// mu guards the state shared between the instrumented thread, the
	// controller thread and the listener.
	mu        sync.Mutex
	bus       *bus.Bus
	overrides map[string]uint64
	pending   []edit
	script    *script.Script
	loading   *script.Script
	cancel    func()
	done      chan struct{}

	// wd is only used by the controller thread.
	wd string
}

// New resolves every configured hook target and installs the hooks. A
// target that can not be resolved aborts start-up, a hook that can not be
// installed aborts start-up only if it is required.
func New(cfg *Config) (*Engine, error) {
	if cfg.Config == nil || cfg.Symbols == nil || cfg.Installer == nil || cfg.Memory == nil {
		return nil, errors.New("incomplete engine configuration")
	}
	e := &Engine{
		config:    cfg,
		log:       logflags.EngineLogger(),
		gate:      framesync.NewGate(0),
		hooks:     map[string]*Hook{},
		frames:    bus.NewQueue[*frame](),
		overrides: map[string]uint64{},
		wd:        cfg.ScriptDir,
	}
	// No controller yet, frames run free.
	e.gate.Detach()

	var err error
	e.layouts, err = foreign.BuildTable(cfg.LayoutSpecs())
	if err != nil {
		return nil, err
	}
	if cfg.RootLayout != "" {
		var ok bool
		e.root, ok = e.layouts.Get(cfg.RootLayout)
		if !ok {
			return nil, fmt.Errorf("root layout %s not defined", cfg.RootLayout)
		}
		for _, path := range cfg.Watch {
			if err := e.root.CheckPath(path); err != nil {
				return nil, fmt.Errorf("watch %s: %w", path, err)
			}
		}
	} else if len(cfg.Watch) > 0 {
		return nil, errors.New("watch paths configured without root-layout")
	}

	targets := make([]symbols.Symbol, len(cfg.Hooks))
	for i, hc := range cfg.Hooks {
		sym, ok := cfg.Symbols.Lookup(hc.Symbol)
		if !ok {
			return nil, &ResolutionError{Symbol: hc.Symbol, Err: &symbols.NotFoundError{Name: hc.Symbol}}
		}
		targets[i] = sym
		e.log.Debugf("resolved %s at %#x", hc.Symbol, sym.Addr)
	}

	for i, hc := range cfg.Hooks {
		if err := e.install(hc, targets[i]); err != nil {
			if hc.Required {
				e.Close()
				return nil, err
			}
			e.log.Warnf("hook %s not installed: %v", hc.Symbol, err)
		}
	}
	return e, nil
}

func (e *Engine) install(hc config.HookConfig, sym symbols.Symbol) error {
	policy, err := hook.ParsePolicy(hc.Policy)
	if err != nil {
		return err
	}
	h := &Hook{Config: hc, Addr: sym.Addr}
	var handler hook.Handler
	switch hc.Action {
	case config.ActionTick:
		handler = e.tickHandler(h)
	case config.ActionOverride:
		handler = e.overrideHandler(h)
	case config.ActionTrace:
		handler = e.traceHandler(h)
	default:
		return fmt.Errorf("unknown action %q", hc.Action)
	}
	opts := []hook.Option{hook.WithSymbol(hc.Symbol)}
	if sym.Size > 0 {
		opts = append(opts, hook.WithSize(int(sym.Size)))
	}
	h.Record, err = e.config.Installer.Install(sym.Addr, policy, handler, opts...)
	if err != nil {
		return fmt.Errorf("installing %s hook on %s: %w", hc.Action, hc.Symbol, err)
	}
	e.hooks[hc.Symbol] = h
	e.log.Infof("hooked %s", h.Record)
	return nil
}

// Hooks returns the installed hooks sorted by symbol.
func (e *Engine) Hooks() []*Hook {
	r := make([]*Hook, 0, len(e.hooks))
	for _, h := range e.hooks {
		r = append(r, h)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Config.Symbol < r[j].Config.Symbol })
	return r
}

// Hook returns the installed hook of symbol.
func (e *Engine) Hook(symbol string) (*Hook, bool) {
	h, ok := e.hooks[symbol]
	return h, ok
}

// Close releases the instrumented thread and uninstalls every hook. The
// caller must make sure no thread is executing a hooked function.
func (e *Engine) Close() error {
	e.gate.Detach()
	return e.config.Installer.UninstallAll()
}

// notify sends a log line to the controller, if one is connected.
func (e *Engine) notify(level bus.LogLevel, format string, args ...interface{}) {
	e.mu.Lock()
	b := e.bus
	e.mu.Unlock()
	if b != nil {
		b.Logf(level, format, args...)
	}
}

func (e *Engine) overrideHandler(h *Hook) hook.Handler {
	symbol, def := h.Config.Symbol, h.Config.DefaultReturn
	return func(c *hook.Context) {
		atomic.AddUint64(&h.calls, 1)
		e.mu.Lock()
		v, ok := e.overrides[symbol]
		e.mu.Unlock()
		if !ok {
			v = def
		}
		c.SetReturn(v)
	}
}

func (e *Engine) traceHandler(h *Hook) hook.Handler {
	return func(c *hook.Context) {
		n := atomic.AddUint64(&h.calls, 1)
		if logflags.Engine() {
			e.log.Debugf("%s call %d: args %#x %#x %#x, return address %#x", h.Config.Symbol, n, c.Arg(0), c.Arg(1), c.Arg(2), c.ReturnAddress())
		}
	}
}
