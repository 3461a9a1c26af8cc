package hook

// ContextCapture emits the code that saves the full native calling
// context of an intercepted call before the handler runs and restores it
// afterwards. After SaveContext the stack pointer addresses the saved
// frame, whose layout is Regs.
//
// On amd64 the vector state saved is the FXSAVE area: the upper halves of
// YMM0-YMM15 and the AVX-512 registers are not preserved across the
// handler, so functions taking or returning 256 or 512 bit vectors can not
// be intercepted safely.
type ContextCapture interface {
	SaveContext(e *emitter)
	RestoreContext(e *emitter)
}

// Arch generates the code of hooks for one instruction set and ABI.
type Arch interface {
	ContextCapture

	// PatchLen returns the length of the jump written at from to reach to.
	PatchLen(from, to uint64) int
	// Patch returns the jump from from to to, padded to n bytes.
	Patch(from, to uint64, n int) []byte
	// Analyze decodes the whole instructions at the start of code (which
	// is located at pc) covering at least need bytes, failing with an
	// UnsafeTargetError if they can not be moved.
	Analyze(code []byte, pc uint64, need int) (*Prefix, error)
	// TrampolineSize returns the size of the code and data regions of a
	// trampoline for policy.
	TrampolineSize(policy Policy) (code, data int)
	// Trampoline generates the trampoline described by t.
	Trampoline(t *TrampolineSpec) ([]byte, error)
}

// TrampolineSpec describes a trampoline to generate.
type TrampolineSpec struct {
	Base     uint64 // address of the code region
	Data     uint64 // address of the data region
	Policy   Policy
	ID       uint64 // hook id passed to the dispatcher
	Dispatch uint64 // address of the dispatcher
	Prefix   *Prefix
}
