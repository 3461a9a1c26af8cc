package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/go-delve/framelock/pkg/bus"
	"github.com/go-delve/framelock/pkg/config"
	"github.com/go-delve/framelock/pkg/foreign"
	"github.com/go-delve/framelock/pkg/hook"
	"github.com/go-delve/framelock/pkg/symbols"
)

type world struct {
	frame uint64
	hp    int32
	pos   [3]float32
}

const testConfig = `
hooks:
  - {symbol: "Game::tick(World*)", policy: before, action: tick, root-arg: 1, required: true}
  - {symbol: rng_next, policy: replace, action: override, default-return: 4}
  - {symbol: "Player::jump()", policy: after, action: trace}
root-layout: World
watch: [frame, hp, pos]
layouts:
  - name: World
    size: 32
    fields:
      - {name: frame, offset: 0, kind: uint64}
      - {name: hp, offset: 8, kind: int32}
      - {name: pos, offset: 12, kind: array, elem: float32, len: 3}
`

type fakeResolver map[string]uint64

func (r fakeResolver) Lookup(name string) (symbols.Symbol, bool) {
	addr, ok := r[name]
	return symbols.Symbol{Name: name, Demangled: name, Addr: addr}, ok
}

var testSymbols = fakeResolver{
	"Game::tick(World*)": 0x401000,
	"rng_next":           0x402000,
	"Player::jump()":     0x403000,
}

// fakeInstaller records handlers instead of patching code.
type fakeInstaller struct {
	mu          sync.Mutex
	handlers    map[uint64]hook.Handler
	records     map[uint64]*hook.Record
	fail        map[uint64]error
	uninstalled int
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{
		handlers: map[uint64]hook.Handler{},
		records:  map[uint64]*hook.Record{},
		fail:     map[uint64]error{},
	}
}

func (fi *fakeInstaller) Install(addr uint64, policy hook.Policy, handler hook.Handler, opts ...hook.Option) (*hook.Record, error) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if err := fi.fail[addr]; err != nil {
		return nil, err
	}
	rec := &hook.Record{Addr: addr, Policy: policy}
	for _, opt := range opts {
		opt(rec)
	}
	fi.handlers[addr] = handler
	fi.records[addr] = rec
	return rec, nil
}

func (fi *fakeInstaller) UninstallAll() error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.uninstalled += len(fi.handlers)
	fi.handlers = map[uint64]hook.Handler{}
	return nil
}

// call simulates a call of the hooked function at addr.
func (fi *fakeInstaller) call(t *testing.T, addr uint64, regs *hook.Regs) {
	t.Helper()
	fi.mu.Lock()
	h, rec := fi.handlers[addr], fi.records[addr]
	fi.mu.Unlock()
	if h == nil {
		t.Fatalf("no hook at %#x", addr)
	}
	h(&hook.Context{Record: rec, Regs: regs})
}

func newTestEngine(t *testing.T, scriptDir string) (*Engine, *fakeInstaller) {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	cfg.ScriptDir = scriptDir
	fi := newFakeInstaller()
	e, err := New(&Config{Config: cfg, Symbols: testSymbols, Installer: fi, Memory: foreign.LocalMemory{}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e, fi
}

func writeScript(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0600); err != nil {
		t.Fatal(err)
	}
}

// expect receives messages for the controller until one satisfies match.
func expect(t *testing.T, b *bus.Bus, what string, match func(bus.Message) bool) bus.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		m, err := b.ToController.Recv(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(m) {
			return m
		}
	}
}

func isStatus(running bool) func(bus.Message) bool {
	return func(m bus.Message) bool {
		s, ok := m.(bus.ScriptStatus)
		return ok && s.Running == running
	}
}

func TestNew(t *testing.T) {
	e, fi := newTestEngine(t, "")
	if len(e.Hooks()) != 3 || len(fi.handlers) != 3 {
		t.Fatalf("installed %d hooks", len(e.Hooks()))
	}
	h, ok := e.Hook("rng_next")
	if !ok || h.Addr != 0x402000 || h.Record.Symbol != "rng_next" || h.Record.Policy != hook.Replace {
		t.Fatalf("rng_next hook %+v", h)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if fi.uninstalled != 3 {
		t.Fatalf("uninstalled %d hooks", fi.uninstalled)
	}
}

func TestResolutionError(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	fi := newFakeInstaller()
	_, err = New(&Config{Config: cfg, Symbols: fakeResolver{"rng_next": 1}, Installer: fi, Memory: foreign.LocalMemory{}})
	var rerr *ResolutionError
	if !errors.As(err, &rerr) || !errors.Is(err, symbols.ErrNotFound) {
		t.Fatalf("expected resolution error, got %v", err)
	}
	if len(fi.handlers) != 0 {
		t.Fatal("hooks installed although a target is missing")
	}
}

func TestInstallFailure(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	unsafeTarget := &hook.UnsafeTargetError{Addr: 0x403000, Reason: "ret in prefix"}

	// optional hook: start-up continues without it
	fi := newFakeInstaller()
	fi.fail[0x403000] = unsafeTarget
	e, err := New(&Config{Config: cfg, Symbols: testSymbols, Installer: fi, Memory: foreign.LocalMemory{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.Hook("Player::jump()"); ok || len(e.Hooks()) != 2 {
		t.Fatal("failed hook reported as installed")
	}

	// required hook: start-up fails and installed hooks are removed
	cfg.Hooks[2].Required = true
	fi = newFakeInstaller()
	fi.fail[0x403000] = unsafeTarget
	_, err = New(&Config{Config: cfg, Symbols: testSymbols, Installer: fi, Memory: foreign.LocalMemory{}})
	if !errors.Is(err, hook.ErrHookInstall) {
		t.Fatalf("expected install error, got %v", err)
	}
	if len(fi.handlers) != 0 {
		t.Fatal("hooks left installed after a required hook failed")
	}
}

func TestFramesRunFreeWithoutScript(t *testing.T) {
	e, fi := newTestEngine(t, "")
	w := &world{hp: 100}
	regs := &hook.Regs{Rsi: uint64(uintptr(unsafe.Pointer(w)))}
	for i := 0; i < 3; i++ {
		fi.call(t, 0x401000, regs)
	}
	runtime.KeepAlive(w)
	h, _ := e.Hook("Game::tick(World*)")
	if h.Calls() != 3 || w.hp != 100 {
		t.Fatalf("%d calls, hp %d", h.Calls(), w.hp)
	}
}

func TestFrameLoop(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "drain.star", `
def on_frame(frame, state):
    if state["frame"] != frame - 1:
        fail("frame %d saw state %s" % (frame, state))
    set("hp", state["hp"] - 1)
    set("pos", [state["pos"][0] + 0.5, 0, 0])
    if frame == 3:
        stop()
`)
	e, fi := newTestEngine(t, dir)
	b := bus.New()
	e.Attach(b)
	defer e.Detach()

	b.ToEngine.Send(bus.StartScript{Path: "drain.star"})
	expect(t, b, "script start", isStatus(true))

	w := &world{hp: 100}
	regs := &hook.Regs{Rsi: uint64(uintptr(unsafe.Pointer(w)))}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			fi.call(t, 0x401000, regs)
			w.frame++
		}
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("instrumented thread blocked")
	}
	runtime.KeepAlive(w)

	// three frames decided, then the script stopped and frames ran free
	if w.hp != 97 || w.pos[0] != 1.5 || w.frame != 5 {
		t.Fatalf("world after 5 frames: %+v", *w)
	}
	for n := uint64(1); n <= 3; n++ {
		m := expect(t, b, "frame report", func(m bus.Message) bool {
			_, ok := m.(bus.FrameReport)
			return ok
		})
		if m.(bus.FrameReport).Frame != n {
			t.Fatalf("expected report for frame %d, got %v", n, m)
		}
	}
	expect(t, b, "script stop", isStatus(false))
}

func TestDetachReleasesTick(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "spin.star", `
def on_frame(frame, state):
    while True:
        pass
`)
	e, fi := newTestEngine(t, dir)
	b := bus.New()
	e.Attach(b)
	b.ToEngine.Send(bus.StartScript{Path: "spin.star"})
	expect(t, b, "script start", isStatus(true))

	w := &world{}
	regs := &hook.Regs{Rsi: uint64(uintptr(unsafe.Pointer(w)))}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fi.call(t, 0x401000, regs)
	}()

	// wait for the frame to reach the controller
	for e.frames.Len() > 0 || atomic.LoadUint64(&e.frame) == 0 {
		time.Sleep(time.Millisecond)
	}
	detached := make(chan struct{})
	go func() {
		e.Detach()
		close(detached)
	}()
	for _, ch := range []chan struct{}{done, detached} {
		select {
		case <-ch:
		case <-time.After(10 * time.Second):
			t.Fatal("teardown did not release the instrumented thread")
		}
	}
	runtime.KeepAlive(w)
}

func TestDetachDuringScriptLoad(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "spin.star", "x = 0\nwhile True:\n    x += 1\n")
	writeScript(t, dir, "frames.star", "def on_frame(frame, state):\n    pass\n")
	e, _ := newTestEngine(t, dir)
	b := bus.New()
	e.Attach(b)
	b.ToEngine.Send(bus.StartScript{Path: "spin.star"})

	// wait for the top level of the script to be running
	deadline := time.Now().Add(10 * time.Second)
	for {
		e.mu.Lock()
		loading := e.loading
		e.mu.Unlock()
		if loading != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("script never started loading")
		}
		time.Sleep(time.Millisecond)
	}

	detached := make(chan struct{})
	go func() {
		e.Detach()
		close(detached)
	}()
	select {
	case <-detached:
	case <-time.After(10 * time.Second):
		t.Fatal("Detach did not interrupt the top level of the script")
	}
	if !e.gate.Detached() {
		t.Fatal("gate attached after Detach")
	}

	// the engine serves the next session
	b = bus.New()
	e.Attach(b)
	defer e.Detach()
	b.ToEngine.Send(bus.StartScript{Path: "frames.star"})
	expect(t, b, "script start", isStatus(true))
}

func TestOverride(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "rng.star", `override("rng_next", 6)`)
	writeScript(t, dir, "bad.star", `override("Player::jump()", 6)`)
	e, fi := newTestEngine(t, dir)
	regs := &hook.Regs{}

	fi.call(t, 0x402000, regs)
	if regs.Rax != 4 {
		t.Fatalf("default return %d", regs.Rax)
	}

	b := bus.New()
	e.Attach(b)
	b.ToEngine.Send(bus.StartScript{Path: "rng.star"})
	expect(t, b, "script done", isStatus(false))
	fi.call(t, 0x402000, regs)
	if regs.Rax != 6 {
		t.Fatalf("overridden return %d", regs.Rax)
	}

	b.ToEngine.Send(bus.StartScript{Path: "bad.star"})
	m := expect(t, b, "script error", isStatus(false))
	if m.(bus.ScriptStatus).Err == "" {
		t.Fatal("override of a trace hook accepted")
	}

	// overrides do not outlive the session
	b.ToEngine.Send(bus.StartScript{Path: "rng.star"})
	expect(t, b, "script done", isStatus(false))
	e.Detach()
	fi.call(t, 0x402000, regs)
	if regs.Rax != 4 {
		t.Fatalf("return %d after detach", regs.Rax)
	}
	h, _ := e.Hook("rng_next")
	if h.Calls() != 3 {
		t.Fatalf("%d calls", h.Calls())
	}
}

func TestWorkingDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "scripts"), 0700); err != nil {
		t.Fatal(err)
	}
	writeScript(t, filepath.Join(dir, "scripts"), "hello.star", `log("hello")`)
	e, _ := newTestEngine(t, dir)
	b := bus.New()
	e.Attach(b)
	defer e.Detach()

	isLog := func(text string) func(bus.Message) bool {
		return func(m bus.Message) bool {
			l, ok := m.(bus.Log)
			return ok && l.Text == text
		}
	}

	b.ToEngine.Send(bus.SetWorkingDir{Dir: "missing"})
	expect(t, b, "cd error", func(m bus.Message) bool {
		l, ok := m.(bus.Log)
		return ok && l.Level == bus.LevelError
	})
	b.ToEngine.Send(bus.SetWorkingDir{Dir: "scripts"})
	expect(t, b, "cd", isLog("working directory is "+filepath.Join(dir, "scripts")))
	b.ToEngine.Send(bus.StartScript{Path: "hello.star"})
	expect(t, b, "script output", isLog("hello"))
	b.ToEngine.Send(bus.StartScript{Path: "nothere.star"})
	expect(t, b, "load error", func(m bus.Message) bool {
		s, ok := m.(bus.ScriptStatus)
		return ok && !s.Running && s.Err != ""
	})
}

func TestTrace(t *testing.T) {
	e, fi := newTestEngine(t, "")
	for i := 0; i < 4; i++ {
		fi.call(t, 0x403000, &hook.Regs{Rdi: uint64(i)})
	}
	h, _ := e.Hook("Player::jump()")
	if h.Calls() != 4 {
		t.Fatalf("%d calls traced", h.Calls())
	}
}
