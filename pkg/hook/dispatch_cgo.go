//go:build linux && amd64 && cgo

package hook

/*
#include <stdint.h>
*/
import "C"

import "unsafe"

//export framelockDispatch
func framelockDispatch(regs unsafe.Pointer, id C.uintptr_t, entry unsafe.Pointer) {
	handlers.dispatch((*Regs)(regs), uint64(id), (*entrySnapshot)(entry))
}
