package foreign

import "unsafe"

// MemoryReader reads the memory of the instrumented process.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter reads and writes the memory of the instrumented
// process.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// LocalMemory accesses the address space of the current process. The
// agent runs inside the instrumented process, so foreign objects live in
// this address space; the addresses must be valid for the whole access.
type LocalMemory struct{}

// ReadMemory copies len(buf) bytes starting at addr into buf.
func (LocalMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if addr == 0 {
		return 0, ErrInvalidRoot
	}
	return copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(buf))), nil
}

// WriteMemory copies data to addr.
func (LocalMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if addr == 0 {
		return 0, ErrInvalidRoot
	}
	return copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(data)), data), nil
}
