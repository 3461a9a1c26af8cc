// Package hook intercepts calls to functions of the current process.
//
// Installing a hook overwrites the first instructions of the target with a
// jump to a generated trampoline. The trampoline saves the full native
// calling context, calls the Go handler, restores the context and, unless
// the hook replaces the target, runs the displaced instructions before
// jumping back into the original function.
package hook

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-delve/framelock/pkg/logflags"
)

// Policy decides whether and when the original function runs.
type Policy uint8

const (
	// Replace runs the handler instead of the original function. The
	// return value registers left by the handler are returned to the
	// caller.
	Replace Policy = iota
	// InterceptBefore runs the handler, then the original function.
	InterceptBefore
	// InterceptAfter runs the original function, then the handler. The
	// stack of pending returns is kept per hook, not per thread, so the
	// hooked function must only be called from one thread.
	InterceptAfter
)

func (p Policy) String() string {
	switch p {
	case Replace:
		return "replace"
	case InterceptBefore:
		return "before"
	case InterceptAfter:
		return "after"
	}
	return fmt.Sprintf("Policy(%d)", p)
}

// ParsePolicy parses the configuration name of a policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "replace":
		return Replace, nil
	case "before", "intercept-before":
		return InterceptBefore, nil
	case "after", "intercept-after":
		return InterceptAfter, nil
	}
	return 0, fmt.Errorf("unknown hook policy %q", s)
}

// ErrHookInstall is wrapped by every error that prevents a hook from
// being installed.
var ErrHookInstall = errors.New("could not install hook")

// UnsafeTargetError is returned when the code at the target can not be
// patched without breaking it.
type UnsafeTargetError struct {
	Addr   uint64
	Reason string
}

func (e *UnsafeTargetError) Error() string {
	return fmt.Sprintf("unsafe hook target %#x: %s", e.Addr, e.Reason)
}

func (e *UnsafeTargetError) Unwrap() error { return ErrHookInstall }

// AlreadyHookedError is returned when installing a hook at an address that
// is already hooked.
type AlreadyHookedError struct {
	Addr   uint64
	Symbol string
}

func (e *AlreadyHookedError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s (%#x) is already hooked", e.Symbol, e.Addr)
	}
	return fmt.Sprintf("%#x is already hooked", e.Addr)
}

func (e *AlreadyHookedError) Unwrap() error { return ErrHookInstall }

// NotHookedError is returned when uninstalling a record that is not
// installed.
type NotHookedError struct {
	Addr uint64
}

func (e *NotHookedError) Error() string {
	return fmt.Sprintf("no hook installed at %#x", e.Addr)
}

// Handler is called every time a hooked function is intercepted, on the
// thread that called it. The context is only valid until the handler
// returns.
type Handler func(ctx *Context)

// State is the install state of a Record.
type State uint8

const (
	Unhooked State = iota
	Hooked
)

func (s State) String() string {
	if s == Hooked {
		return "hooked"
	}
	return "unhooked"
}

// Record describes one interception point.
type Record struct {
	ID     uint64
	Addr   uint64
	Symbol string
	Policy Policy

	// Original holds the bytes overwritten by the patch.
	Original []byte

	// Trampoline is the address of the generated code, TrampolineSize the
	// size of the region allocated for it.
	Trampoline     uint64
	TrampolineSize int

	handler Handler
	size    int
	state   State
}

// State returns the install state of the record.
func (r *Record) State() State {
	return r.state
}

func (r *Record) String() string {
	name := r.Symbol
	if name == "" {
		name = fmt.Sprintf("%#x", r.Addr)
	}
	return fmt.Sprintf("%s (%s, %s)", name, r.Policy, r.state)
}

// Option configures a hook at install time.
type Option func(r *Record)

// WithSymbol records the name of the hooked function, for diagnostics.
func WithSymbol(name string) Option {
	return func(r *Record) { r.Symbol = name }
}

// WithSize sets the size of the hooked function. When it is known the
// whole function body is scanned for branches into the patched prefix.
func WithSize(size int) Option {
	return func(r *Record) { r.size = size }
}

// defaultScanLen is the number of bytes read at the target when the size
// of the function is not known.
const defaultScanLen = 64

// maxScanLen bounds the number of bytes scanned for branches.
const maxScanLen = 1 << 16

var nextID uint64

// Manager installs and uninstalls hooks. There is exactly one Record per
// hooked address.
type Manager struct {
	mu       sync.Mutex
	mem      CodeMemory
	arch     Arch
	dispatch uint64
	registry *registry
	records  map[uint64]*Record
	log      logflags.Logger
}

// NewManager returns a manager patching mem.
func NewManager(mem CodeMemory, arch Arch) *Manager {
	return &Manager{
		mem:      mem,
		arch:     arch,
		dispatch: dispatchAddr(),
		registry: handlers,
		records:  map[uint64]*Record{},
		log:      logflags.HookLogger(),
	}
}

// Lookup returns the record of the hook installed at addr.
func (m *Manager) Lookup(addr uint64) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[addr]
	return r, ok
}

// Records returns the installed hooks.
func (m *Manager) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		r = append(r, rec)
	}
	return r
}

// Install hooks the function at addr. The patch is written only after the
// trampoline is complete, so a failed install leaves the target untouched.
func (m *Manager) Install(addr uint64, policy Policy, handler Handler, opts ...Option) (*Record, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrHookInstall)
	}
	rec := &Record{Addr: addr, Policy: policy, handler: handler}
	for _, opt := range opts {
		opt(rec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, hooked := m.records[addr]; hooked {
		return nil, &AlreadyHookedError{Addr: addr, Symbol: rec.Symbol}
	}
	if m.dispatch == 0 {
		return nil, fmt.Errorf("%w: interception is not supported on %s/%s", ErrHookInstall, runtime.GOOS, runtime.GOARCH)
	}

	scan := rec.size
	if scan <= 0 {
		scan = defaultScanLen
	}
	if scan > maxScanLen {
		scan = maxScanLen
	}
	// The scan may run past the end of the mapping holding the target:
	// whatever could be read is analyzed.
	code := make([]byte, scan)
	n, err := m.mem.ReadMemory(code, addr)
	if n == 0 && err != nil {
		return nil, fmt.Errorf("%w: reading %#x: %v", ErrHookInstall, addr, err)
	}
	code = code[:n]

	codeLen, dataLen := m.arch.TrampolineSize(policy)
	base, err := m.mem.AllocNear(addr, codeLen+dataLen)
	if err != nil {
		return nil, fmt.Errorf("%w: allocating trampoline: %w", ErrHookInstall, err)
	}
	free := func() {
		if err := m.mem.Free(base, codeLen+dataLen); err != nil {
			m.log.Warnf("could not free trampoline at %#x: %v", base, err)
		}
	}

	prefix, err := m.arch.Analyze(code, addr, m.arch.PatchLen(addr, base))
	if err != nil {
		free()
		return nil, err
	}

	rec.ID = atomic.AddUint64(&nextID, 1)
	tramp, err := m.arch.Trampoline(&TrampolineSpec{
		Base:     base,
		Data:     base + uint64(codeLen),
		Policy:   policy,
		ID:       rec.ID,
		Dispatch: m.dispatch,
		Prefix:   prefix,
	})
	if err == nil && len(tramp) > codeLen {
		err = fmt.Errorf("%w: trampoline too large (%d bytes)", ErrHookInstall, len(tramp))
	}
	if err != nil {
		free()
		return nil, err
	}
	if err := m.mem.WriteCode(base, tramp); err != nil {
		free()
		return nil, fmt.Errorf("%w: writing trampoline: %w", ErrHookInstall, err)
	}

	rec.Original = append([]byte(nil), code[:prefix.Len]...)
	rec.Trampoline = base
	rec.TrampolineSize = codeLen + dataLen

	m.registry.register(rec, m.log)
	if err := m.mem.WriteCode(addr, m.arch.Patch(addr, base, prefix.Len)); err != nil {
		m.registry.unregister(rec.ID)
		free()
		return nil, fmt.Errorf("%w: patching %#x: %w", ErrHookInstall, addr, err)
	}
	rec.state = Hooked
	m.records[addr] = rec

	m.log.Debugf("installed %s: %d byte prefix, trampoline at %#x", rec, prefix.Len, base)
	return rec, nil
}

// Uninstall writes the original bytes back and frees the trampoline. The
// caller must make sure no thread is executing the hooked function.
func (m *Manager) Uninstall(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uninstall(rec)
}

func (m *Manager) uninstall(rec *Record) error {
	if rec == nil || rec.state != Hooked || m.records[rec.Addr] != rec {
		addr := uint64(0)
		if rec != nil {
			addr = rec.Addr
		}
		return &NotHookedError{Addr: addr}
	}
	if err := m.mem.WriteCode(rec.Addr, rec.Original); err != nil {
		return fmt.Errorf("restoring %#x: %w", rec.Addr, err)
	}
	m.registry.unregister(rec.ID)
	delete(m.records, rec.Addr)
	rec.state = Unhooked
	if err := m.mem.Free(rec.Trampoline, rec.TrampolineSize); err != nil {
		m.log.Warnf("could not free trampoline of %s: %v", rec, err)
	}
	m.log.Debugf("uninstalled %s", rec)
	return nil
}

// UninstallAll uninstalls every hook, returning the first error.
func (m *Manager) UninstallAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, rec := range m.records {
		if err := m.uninstall(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
