package hook

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// Regs is the frame saved by the trampoline, from the lowest address up.
// The handler may modify it: every field is restored when it returns.
type Regs struct {
	// Fx is the FXSAVE64 area: x87, MXCSR and XMM0-XMM15. The upper
	// halves of the YMM registers are not part of the frame.
	Fx [fxsaveLen]byte
	_  [scratchLen - fxsaveLen]byte

	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	Rbp, Rdi, Rsi, Rdx, Rcx, Rbx, Rax    uint64
	Rflags                               uint64

	// Ret is the return address of the intercepted call.
	Ret uint64
}

const (
	fxMXCSR = 24
	fxXMM   = 160

	retOffset = unsafe.Offsetof(Regs{}.Ret)
)

// XMM returns register XMMi.
func (r *Regs) XMM(i int) [16]byte {
	var x [16]byte
	copy(x[:], r.Fx[fxXMM+16*i:])
	return x
}

// SetXMM sets register XMMi.
func (r *Regs) SetXMM(i int, x [16]byte) {
	copy(r.Fx[fxXMM+16*i:fxXMM+16*(i+1)], x[:])
}

// MXCSR returns the SSE control and status register.
func (r *Regs) MXCSR() uint32 {
	return binary.LittleEndian.Uint32(r.Fx[fxMXCSR:])
}

// entrySnapshot is one slot of the entry stack of an InterceptAfter hook.
type entrySnapshot struct {
	Ret                        uint64
	Rdi, Rsi, Rdx, Rcx, R8, R9 uint64
}

// Context is the view of an intercepted call given to handlers.
type Context struct {
	Record *Record
	Regs   *Regs

	entry *entrySnapshot
}

// intArg returns the i-th integer argument register of the SysV ABI.
func intArg(rdi, rsi, rdx, rcx, r8, r9 uint64, i int) uint64 {
	return [...]uint64{rdi, rsi, rdx, rcx, r8, r9}[i]
}

// Arg returns the i-th integer argument of the call. The first six come
// from registers, the others from the stack. For InterceptAfter hooks the
// register arguments are the values the function was called with, not
// what is left in the registers when it returns.
func (c *Context) Arg(i int) uint64 {
	if i >= 6 {
		return c.StackArg(i - 6)
	}
	if c.entry != nil {
		e := c.entry
		return intArg(e.Rdi, e.Rsi, e.Rdx, e.Rcx, e.R8, e.R9, i)
	}
	r := c.Regs
	return intArg(r.Rdi, r.Rsi, r.Rdx, r.Rcx, r.R8, r.R9, i)
}

// SetArg changes the i-th integer register argument. It only has an effect
// on InterceptBefore hooks.
func (c *Context) SetArg(i int, v uint64) {
	r := c.Regs
	switch i {
	case 0:
		r.Rdi = v
	case 1:
		r.Rsi = v
	case 2:
		r.Rdx = v
	case 3:
		r.Rcx = v
	case 4:
		r.R8 = v
	case 5:
		r.R9 = v
	}
}

// SP returns the stack pointer at the time of the call, the address of
// the return address.
func (c *Context) SP() uint64 {
	return uint64(uintptr(unsafe.Pointer(c.Regs)) + retOffset)
}

// StackArg returns the i-th argument passed on the stack.
func (c *Context) StackArg(i int) uint64 {
	p := unsafe.Add(unsafe.Pointer(c.Regs), retOffset+8+8*uintptr(i))
	return *(*uint64)(p)
}

// ReturnAddress returns the address the call returns to.
func (c *Context) ReturnAddress() uint64 {
	return c.Regs.Ret
}

// ReturnValue returns the integer return register.
func (c *Context) ReturnValue() uint64 {
	return c.Regs.Rax
}

// SetReturn sets the integer return register.
func (c *Context) SetReturn(v uint64) {
	c.Regs.Rax = v
}

// ReturnFloat returns the floating point return register as a float64.
func (c *Context) ReturnFloat() float64 {
	x := c.Regs.XMM(0)
	return math.Float64frombits(binary.LittleEndian.Uint64(x[:]))
}

// SetReturnFloat sets the floating point return register.
func (c *Context) SetReturnFloat(f float64) {
	var x [16]byte
	binary.LittleEndian.PutUint64(x[:], math.Float64bits(f))
	c.Regs.SetXMM(0, x)
}
