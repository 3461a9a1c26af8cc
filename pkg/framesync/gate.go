// Package framesync implements the counting handshake used to alternate
// control between the instrumented thread and the controller thread once
// per frame.
//
// The instrumented thread calls Acquire at every frame boundary, the
// controller calls Release once for every frame it has finished deciding
// on. At most one frame proceeds per Release.
package framesync

import "sync"

// Gate is a counting semaphore with an unbounded upper limit and a
// detached mode. While detached every Acquire returns immediately without
// consuming a permit, this is how a controller that went away releases a
// blocked instrumented thread.
type Gate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	count    int
	detached bool
}

// NewGate returns an attached gate holding initial permits. A negative
// initial value is treated as zero.
func NewGate(initial int) *Gate {
	if initial < 0 {
		initial = 0
	}
	g := &Gate{count: initial}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// TryAcquire consumes one permit if the count is strictly positive. It
// never blocks. It returns false when no permit was available, including
// when the gate is detached.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count > 0 {
		g.count--
		return true
	}
	return false
}

// Acquire blocks until a permit is available and consumes it, returning
// true. If the gate is (or becomes) detached while waiting Acquire returns
// false without consuming anything: the caller should treat the frame as
// a no-op frame that the controller did not decide on.
func (g *Gate) Acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.count == 0 && !g.detached {
		g.cond.Wait()
	}
	if g.count > 0 {
		g.count--
		return true
	}
	return false
}

// Release adds one permit and wakes one waiter.
func (g *Gate) Release() {
	g.mu.Lock()
	g.count++
	g.mu.Unlock()
	g.cond.Signal()
}

// Detach wakes every waiter and makes subsequent Acquire calls return
// immediately while no permits are available.
func (g *Gate) Detach() {
	g.mu.Lock()
	g.detached = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Attach leaves detached mode and resets the count to initial.
func (g *Gate) Attach(initial int) {
	if initial < 0 {
		initial = 0
	}
	g.mu.Lock()
	g.detached = false
	g.count = initial
	g.mu.Unlock()
	if initial > 0 {
		g.cond.Broadcast()
	}
}

// Detached reports whether the gate is in detached mode.
func (g *Gate) Detached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.detached
}

// Count returns the number of permits currently available.
func (g *Gate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}
