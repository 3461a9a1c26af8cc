//go:build linux && amd64 && cgo

package hook

/*
#include <stdint.h>

extern void framelockDispatch(void*, uintptr_t, void*);

static uintptr_t framelock_dispatch_addr(void) {
	return (uintptr_t)&framelockDispatch;
}
*/
import "C"

// dispatchAddr returns the address of the C entry point of the
// dispatcher, called by every trampoline.
func dispatchAddr() uint64 {
	return uint64(C.framelock_dispatch_addr())
}
