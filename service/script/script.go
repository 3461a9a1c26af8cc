// Package script runs controller scripts written in Starlark.
//
// A script is executed once when it is started. If it defines a function
// named on_frame it is then called once per frame, with the frame number
// and a dict of the watched fields, on the controller thread. The engine
// waits for on_frame to return before letting the frame run, so edits
// queued by on_frame are applied at the start of the next frame.
package script

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/go-delve/framelock/pkg/logflags"
)

const (
	onFrameName              = "on_frame"
	setBuiltinName           = "set"
	overrideBuiltinName      = "override"
	clearOverrideBuiltinName = "clear_override"
	logBuiltinName           = "log"
	stopBuiltinName          = "stop"
	storeName                = "store"
	scriptContextName        = "framelock_context"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// ErrStopped is returned by OnFrame once the script called stop() or was
// cancelled.
var ErrStopped = errors.New("script stopped")

// Host receives the effects of a script.
type Host interface {
	// Set queues a write of value to the watched object field at path. The
	// write happens at the start of the next frame.
	Set(path string, value interface{}) error
	// Override sets the value returned by the override hook of symbol.
	Override(symbol string, value uint64) error
	// ClearOverride makes the override hook of symbol return its default
	// value again.
	ClearOverride(symbol string) error
	// Log sends a line of script output to the controller.
	Log(msg string)
}

// Script is a loaded controller script.
type Script struct {
	name    string
	host    Host
	env     starlark.StringDict
	onFrame *starlark.Function
	log     logflags.Logger

	mu       sync.Mutex
	thread   *starlark.Thread
	cancelfn context.CancelFunc
	stopped  bool
}

// Load executes the script at path. Source can be nil, in which case
// the file is read, or a []byte, string or io.Reader holding the source.
func Load(path string, source interface{}, host Host) (*Script, error) {
	s := New(path, host)
	if err := s.Exec(source); err != nil {
		return nil, err
	}
	return s, nil
}

// New returns a script that has not been executed yet. Cancel may be
// called on it before or while Exec runs.
func New(path string, host Host) *Script {
	s := &Script{
		name: path,
		host: host,
		log:  logflags.ScriptLogger().WithField("script", path),
	}
	s.env = s.predeclare()
	return s
}

// Exec runs the top level of the script and looks up on_frame. A
// cancelled script fails with the cancellation error.
func (s *Script) Exec(source interface{}) (_err error) {
	defer func() {
		if ierr := recover(); ierr != nil {
			s.log.Errorf("panic loading script: %v\n%s", ierr, debug.Stack())
			_err = fmt.Errorf("panic loading script %s: %v", s.name, ierr)
		}
	}()

	globals, err := starlark.ExecFile(s.newThread(), s.name, source, s.env)
	if err != nil {
		return describe(err)
	}
	if v, ok := globals[onFrameName]; ok {
		fn, ok := v.(*starlark.Function)
		if !ok {
			return fmt.Errorf("%s: %s is not a function", s.name, onFrameName)
		}
		if fn.NumParams() != 2 {
			return fmt.Errorf("%s: %s must take two arguments (frame, state)", s.name, onFrameName)
		}
		s.onFrame = fn
	}
	s.log.Debugf("loaded, %s defined: %v", onFrameName, s.onFrame != nil)
	return nil
}

// Name returns the path the script was loaded from.
func (s *Script) Name() string {
	return s.name
}

// Stopped reports whether the script called stop() or was cancelled.
func (s *Script) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// HasFrameFunc reports whether the script defines on_frame.
func (s *Script) HasFrameFunc() bool {
	return s.onFrame != nil
}

// OnFrame calls on_frame with the frame number and the watched state. A
// script without on_frame does nothing. ErrStopped is returned if the
// script is stopped, before or during the call.
func (s *Script) OnFrame(frame uint64, state map[string]interface{}) (_err error) {
	if s.Stopped() {
		return ErrStopped
	}
	if s.onFrame == nil {
		return nil
	}
	defer func() {
		if ierr := recover(); ierr != nil {
			s.log.Errorf("panic in %s: %v\n%s", onFrameName, ierr, debug.Stack())
			_err = fmt.Errorf("panic in %s: %v", onFrameName, ierr)
		}
	}()
	args := starlark.Tuple{starlark.MakeUint64(frame), toStarlark(state)}
	_, err := starlark.Call(s.newThread(), s.onFrame, args, nil)
	if s.Stopped() {
		return ErrStopped
	}
	return describe(err)
}

// Cancel stops the script, interrupting on_frame if it is running.
func (s *Script) Cancel() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.cancelfn != nil {
		s.cancelfn()
		s.cancelfn = nil
	}
	if s.thread != nil {
		s.thread.Cancel("script stopped")
	}
}

func (s *Script) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Name:  s.name,
		Print: func(_ *starlark.Thread, msg string) { s.host.Log(msg) },
	}
	s.mu.Lock()
	var ctx context.Context
	ctx, s.cancelfn = context.WithCancel(context.Background())
	s.thread = thread
	if s.stopped {
		thread.Cancel("script stopped")
	}
	s.mu.Unlock()
	thread.SetLocal(scriptContextName, ctx)
	return thread
}

func (s *Script) predeclare() starlark.StringDict {
	// Globals are frozen once the script is loaded, store is the only
	// state that survives from one frame to the next.
	env := starlark.StringDict{
		"time":    startime.Module,
		storeName: starlark.NewDict(0),
	}

	env[setBuiltinName] = starlark.NewBuiltin(setBuiltinName, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, err
		}
		var path string
		var value starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "value", &value); err != nil {
			return starlark.None, err
		}
		x, err := fromStarlark(value)
		if err != nil {
			return starlark.None, decorateError(thread, err)
		}
		return starlark.None, decorateError(thread, s.host.Set(path, x))
	})

	env[overrideBuiltinName] = starlark.NewBuiltin(overrideBuiltinName, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, err
		}
		var symbol string
		var value starlark.Int
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "symbol", &symbol, "value", &value); err != nil {
			return starlark.None, err
		}
		var ret uint64
		if n, ok := value.Int64(); ok {
			// negative values are returned as their two's complement
			ret = uint64(n)
		} else if ret, ok = value.Uint64(); !ok {
			return starlark.None, decorateError(thread, fmt.Errorf("return value %s out of range", value))
		}
		return starlark.None, decorateError(thread, s.host.Override(symbol, ret))
	})

	env[clearOverrideBuiltinName] = starlark.NewBuiltin(clearOverrideBuiltinName, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var symbol string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "symbol", &symbol); err != nil {
			return starlark.None, err
		}
		return starlark.None, decorateError(thread, s.host.ClearOverride(symbol))
	})

	env[logBuiltinName] = starlark.NewBuiltin(logBuiltinName, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			if str, ok := a.(starlark.String); ok {
				parts[i] = string(str)
			} else {
				parts[i] = a.String()
			}
		}
		s.host.Log(strings.Join(parts, " "))
		return starlark.None, nil
	})

	env[stopBuiltinName] = starlark.NewBuiltin(stopBuiltinName, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return starlark.None, err
		}
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		return starlark.None, nil
	})

	return env
}

func isCancelled(thread *starlark.Thread) error {
	if ctx, ok := thread.Local(scriptContextName).(context.Context); ok {
		select {
		case <-ctx.Done():
			return ErrStopped
		default:
		}
	}
	return nil
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %v", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %v", pos.Filename(), pos.Line, err)
}

// describe adds the starlark backtrace to evaluation errors.
func describe(err error) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return errors.New(evalErr.Backtrace())
	}
	return err
}
