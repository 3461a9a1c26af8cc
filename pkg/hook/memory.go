package hook

// CodeMemory gives access to the code of the hooked process.
type CodeMemory interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
	// WriteCode writes code to addr, which may be in a read-only
	// executable mapping.
	WriteCode(addr uint64, code []byte) error
	// AllocNear allocates size bytes of executable memory, as close to
	// addr as possible.
	AllocNear(addr uint64, size int) (uint64, error)
	// Free releases memory returned by AllocNear.
	Free(addr uint64, size int) error
}
