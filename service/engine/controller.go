package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-delve/framelock/pkg/bus"
	"github.com/go-delve/framelock/pkg/config"
	"github.com/go-delve/framelock/service/script"
)

// Attach starts the controller thread of a new session.
func (e *Engine) Attach(b *bus.Bus) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.mu.Lock()
	e.bus = b
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()
	e.log.Debugf("controller attached")
	go func() {
		defer close(done)
		e.control(ctx, b)
	}()
}

// Detach ends the session: the instrumented thread is released, the
// script is stopped and the controller thread is joined. Overrides and
// edits made by the session are discarded.
func (e *Engine) Detach() {
	// The context is cancelled under mu: the controller thread registers
	// scripts and attaches the gate under mu after checking it.
	e.mu.Lock()
	sc, loading, cancel, done := e.script, e.loading, e.cancel, e.done
	if cancel != nil {
		cancel()
	}
	e.mu.Unlock()
	e.gate.Detach()
	sc.Cancel()
	loading.Cancel()
	if done != nil {
		<-done
	}

	e.mu.Lock()
	e.bus = nil
	e.script = nil
	e.loading = nil
	e.cancel = nil
	e.done = nil
	e.pending = nil
	e.overrides = map[string]uint64{}
	e.mu.Unlock()
	e.drainFrames()
	e.log.Debugf("controller detached")
}

func (e *Engine) drainFrames() {
	for {
		if _, ok := e.frames.TryRecv(); !ok {
			return
		}
	}
}

// control is the controller thread.
func (e *Engine) control(ctx context.Context, b *bus.Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.ToEngine.Done():
			return
		case <-b.ToEngine.Ready():
			for {
				m, ok := b.ToEngine.TryRecv()
				if !ok {
					break
				}
				e.command(ctx, b, m)
			}
		case <-e.frames.Ready():
			for {
				f, ok := e.frames.TryRecv()
				if !ok {
					break
				}
				e.decide(b, f)
			}
		}
	}
}

func (e *Engine) command(ctx context.Context, b *bus.Bus, m bus.Message) {
	switch m := m.(type) {
	case bus.StartScript:
		e.startScript(ctx, b, m.Path)
	case bus.StopScript:
		if !e.stopScript(b, "") {
			b.Logf(bus.LevelInfo, "no script running")
		}
	case bus.SetWorkingDir:
		if err := e.chdir(m.Dir); err != nil {
			b.Logf(bus.LevelError, "cd: %v", err)
			return
		}
		b.Logf(bus.LevelInfo, "working directory is %s", e.wd)
	default:
		e.log.Warnf("unexpected message %T", m)
	}
}

func (e *Engine) path(p string) string {
	if filepath.IsAbs(p) || e.wd == "" {
		return p
	}
	return filepath.Join(e.wd, p)
}

func (e *Engine) chdir(dir string) error {
	dir = e.path(dir)
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	e.wd = dir
	return nil
}

func (e *Engine) currentScript() *script.Script {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.script
}

func (e *Engine) startScript(ctx context.Context, b *bus.Bus, path string) {
	e.stopScript(b, "")
	e.mu.Lock()
	e.overrides = map[string]uint64{}
	e.pending = nil
	e.mu.Unlock()

	path = e.path(path)
	sc := script.New(path, &scriptHost{e: e, b: b})
	// Detach cancels the top level of the script while it runs.
	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.loading = sc
	e.mu.Unlock()
	err := sc.Exec(nil)
	e.mu.Lock()
	e.loading = nil
	e.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		e.log.Warnf("loading %s: %v", path, err)
		b.Logf(bus.LevelError, "%v", err)
		b.ToController.Send(bus.ScriptStatus{Running: false, Err: err.Error()})
		return
	}
	if !sc.HasFrameFunc() || sc.Stopped() {
		// the script only ran once, its overrides and edits stay in effect
		b.Logf(bus.LevelInfo, "%s done", path)
		b.ToController.Send(bus.ScriptStatus{Running: false})
		return
	}

	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.script = sc
	e.drainFrames()
	e.gate.Attach(e.config.InitialFrames)
	e.mu.Unlock()
	e.log.Infof("running %s", path)
	b.ToController.Send(bus.ScriptStatus{Running: true})
}

// stopScript stops the running script, if any, and lets frames run free.
func (e *Engine) stopScript(b *bus.Bus, errmsg string) bool {
	e.mu.Lock()
	sc := e.script
	e.script = nil
	e.mu.Unlock()
	if sc == nil {
		return false
	}
	sc.Cancel()
	e.gate.Detach()
	if errmsg != "" {
		e.log.Warnf("%s stopped: %s", sc.Name(), errmsg)
		b.Logf(bus.LevelError, "%s", errmsg)
	}
	b.ToController.Send(bus.ScriptStatus{Running: false, Err: errmsg})
	return true
}

// decide runs the script on f and releases the frame.
func (e *Engine) decide(b *bus.Bus, f *frame) {
	for _, msg := range f.errs {
		b.Logf(bus.LevelWarn, "frame %d: %s", f.number, msg)
	}
	sc := e.currentScript()
	if sc == nil {
		// stale frame, the instrumented thread was released by Detach
		return
	}
	err := sc.OnFrame(f.number, f.state)
	b.ToController.Send(bus.FrameReport{Frame: f.number})
	switch {
	case errors.Is(err, script.ErrStopped):
		e.stopScript(b, "")
	case err != nil:
		e.stopScript(b, err.Error())
	default:
		e.gate.Release()
	}
}

// scriptHost applies the effects of a script to the engine.
type scriptHost struct {
	e *Engine
	b *bus.Bus
}

func (h *scriptHost) Set(path string, value interface{}) error {
	e := h.e
	if e.root == nil {
		return errors.New("no root layout configured")
	}
	if err := e.root.CheckPath(path); err != nil {
		return err
	}
	e.mu.Lock()
	e.pending = append(e.pending, edit{path: path, value: value})
	e.mu.Unlock()
	return nil
}

func (h *scriptHost) overrideHook(symbol string) error {
	hk, ok := h.e.hooks[symbol]
	if !ok || hk.Config.Action != config.ActionOverride {
		return fmt.Errorf("%s is not an installed override hook", symbol)
	}
	return nil
}

func (h *scriptHost) Override(symbol string, value uint64) error {
	if err := h.overrideHook(symbol); err != nil {
		return err
	}
	h.e.mu.Lock()
	h.e.overrides[symbol] = value
	h.e.mu.Unlock()
	return nil
}

func (h *scriptHost) ClearOverride(symbol string) error {
	if err := h.overrideHook(symbol); err != nil {
		return err
	}
	h.e.mu.Lock()
	delete(h.e.overrides, symbol)
	h.e.mu.Unlock()
	return nil
}

func (h *scriptHost) Log(msg string) {
	h.b.Logf(bus.LevelInfo, "%s", msg)
}
