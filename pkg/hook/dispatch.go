package hook

import (
	"runtime/debug"
	"sync"

	"github.com/go-delve/framelock/pkg/logflags"
)

type registration struct {
	rec     *Record
	handler Handler
	log     logflags.Logger
}

// registry maps hook ids to handlers for the dispatcher.
type registry struct {
	mu       sync.RWMutex
	handlers map[uint64]registration
}

// handlers is the registry used by the trampolines of this process: the
// dispatcher is called from machine code and can not be given any state
// but the hook id.
var handlers = &registry{handlers: map[uint64]registration{}}

func (r *registry) register(rec *Record, log logflags.Logger) {
	r.mu.Lock()
	r.handlers[rec.ID] = registration{rec: rec, handler: rec.handler, log: log}
	r.mu.Unlock()
}

func (r *registry) unregister(id uint64) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mu.Unlock()
}

func (r *registry) lookup(id uint64) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[id]
	return reg, ok
}

// dispatch runs the handler of hook id on the frame saved by its
// trampoline. A panicking handler is logged and its changes to the frame
// are discarded.
func (r *registry) dispatch(regs *Regs, id uint64, entry *entrySnapshot) {
	reg, ok := r.lookup(id)
	if !ok {
		return
	}
	ctx := &Context{Record: reg.rec, Regs: regs}
	if entry != nil {
		snap := *entry
		ctx.entry = &snap
	}
	saved := *regs
	defer func() {
		if ierr := recover(); ierr != nil {
			*regs = saved
			reg.log.Errorf("handler of %s panicked: %v\n%s", reg.rec, ierr, debug.Stack())
		}
	}()
	reg.handler(ctx)
}
