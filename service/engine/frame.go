package engine

import (
	"sync/atomic"

	"github.com/go-delve/framelock/pkg/bus"
	"github.com/go-delve/framelock/pkg/foreign"
	"github.com/go-delve/framelock/pkg/hook"
)

// frame is what the instrumented thread hands to the controller thread at
// a frame boundary. State is copied out of the root object, nothing in it
// refers to foreign memory.
type frame struct {
	number uint64
	state  map[string]interface{}
	errs   []string
}

// edit is a field write decided by the script, applied by the
// instrumented thread inside the scope of the next frame.
type edit struct {
	path  string
	value interface{}
}

// tickHandler runs at the start of every frame, on the instrumented
// thread. While a script is running it hands the frame to the controller
// thread and waits for the decision before applying the queued edits.
func (e *Engine) tickHandler(h *Hook) hook.Handler {
	rootArg := h.Config.RootArg
	return func(c *hook.Context) {
		atomic.AddUint64(&h.calls, 1)
		f := &frame{number: atomic.AddUint64(&e.frame, 1)}
		err := foreign.WithScope(e.config.Memory, c.Arg(rootArg), e.root, func(s *foreign.Scope) error {
			if !e.gate.Detached() {
				e.snapshot(s, f)
				e.handoff(f)
			}
			e.apply(s)
			return nil
		})
		if err != nil {
			// the controller still decides on the frame, it just can not
			// see or change anything
			e.log.Warnf("frame %d: %v", f.number, err)
			f.errs = append(f.errs, err.Error())
			e.handoff(f)
		}
	}
}

// handoff publishes f and blocks until the controller released it or went
// away.
func (e *Engine) handoff(f *frame) {
	if e.gate.Detached() {
		return
	}
	e.frames.Send(f)
	e.gate.Acquire()
}

func (e *Engine) snapshot(s *foreign.Scope, f *frame) {
	f.state = make(map[string]interface{}, len(e.config.Watch))
	for _, path := range e.config.Watch {
		v, err := s.Path(path)
		if err == nil {
			f.state[path], err = v.Interface()
		}
		if err != nil {
			f.state[path] = nil
			f.errs = append(f.errs, err.Error())
		}
	}
}

// apply writes the queued edits to the object in scope.
func (e *Engine) apply(s *foreign.Scope) {
	e.mu.Lock()
	edits := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, ed := range edits {
		v, err := s.Path(ed.path)
		if err == nil {
			err = v.Set(ed.value)
		}
		if err != nil {
			e.log.Warnf("set %s: %v", ed.path, err)
			e.notify(bus.LevelWarn, "set %s: %v", ed.path, err)
		}
	}
}
