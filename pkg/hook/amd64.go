package hook

const (
	nearJumpLen = 5  // jmp rel32
	farJumpLen  = 14 // jmp [rip+0]; .quad target

	fxsaveLen = 512
	// scratchLen is the stack reserved below the pushed registers; the
	// extra 8 bytes keep the FXSAVE area 16 byte aligned.
	scratchLen = fxsaveLen + 8

	// maxAfterDepth bounds the nesting of InterceptAfter calls per hook.
	// Deeper calls run the original function without the handler.
	maxAfterDepth = 256
	// afterSlotLen is the size of one entry snapshot: the return address
	// followed by the six integer argument registers.
	afterSlotLen = 7 * 8
	afterDataLen = 8 + maxAfterDepth*afterSlotLen

	pageLen = 4096
)

// Register numbers as used by the encodings below.
const (
	rax = iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
	r8
	r9
	r10
	r11
	r12
	r13
	r14
	r15
)

// savedOrder is the push order of the general purpose registers, the
// reverse of the field order of Regs.
var savedOrder = [...]int{rax, rbx, rcx, rdx, rsi, rdi, rbp, r8, r9, r10, r11, r12, r13, r14, r15}

// AMD64 generates hooks for x86-64 code following the System V ABI.
type AMD64 struct{}

var _ Arch = AMD64{}

func (AMD64) PatchLen(from, to uint64) int {
	if fitsRel32(from+nearJumpLen, to) {
		return nearJumpLen
	}
	return farJumpLen
}

func (a AMD64) Patch(from, to uint64, n int) []byte {
	e := newEmitter(from)
	a.jump(e, to)
	for len(e.buf) < n {
		e.bytes(0xcc) // int3
	}
	return e.buf
}

func (AMD64) Analyze(code []byte, pc uint64, need int) (*Prefix, error) {
	return analyzeAMD64(code, pc, need)
}

func (AMD64) TrampolineSize(policy Policy) (code, data int) {
	if policy == InterceptAfter {
		return pageLen, (afterDataLen + pageLen - 1) &^ (pageLen - 1)
	}
	return pageLen, 0
}

func (AMD64) jump(e *emitter, to uint64) {
	if fitsRel32(e.pc()+nearJumpLen, to) {
		e.bytes(0xe9)
		e.u32(uint32(int32(int64(to - (e.pc() + 4)))))
		return
	}
	e.bytes(0xff, 0x25, 0, 0, 0, 0)
	e.u64(to)
}

func push(e *emitter, r int) {
	if r >= r8 {
		e.bytes(0x41)
	}
	e.bytes(0x50 + byte(r&7))
}

func pop(e *emitter, r int) {
	if r >= r8 {
		e.bytes(0x41)
	}
	e.bytes(0x58 + byte(r&7))
}

// SaveContext pushes RFLAGS and the general purpose registers and saves
// the x87/SSE state with FXSAVE64. On entry the stack pointer is 8 modulo
// 16, as it is at the first instruction of a function; on exit it is
// aligned for a call. Only the low 128 bits of the vector registers are
// saved.
func (AMD64) SaveContext(e *emitter) {
	e.bytes(0x9c) // pushfq
	for _, r := range savedOrder {
		push(e, r)
	}
	e.bytes(0x48, 0x81, 0xec) // sub rsp, imm32
	e.u32(scratchLen)
	e.bytes(0x48, 0x0f, 0xae, 0x04, 0x24) // fxsave64 [rsp]
}

// RestoreContext undoes SaveContext.
func (AMD64) RestoreContext(e *emitter) {
	e.bytes(0x48, 0x0f, 0xae, 0x0c, 0x24) // fxrstor64 [rsp]
	e.bytes(0x48, 0x81, 0xc4)             // add rsp, imm32
	e.u32(scratchLen)
	for i := len(savedOrder) - 1; i >= 0; i-- {
		pop(e, savedOrder[i])
	}
	e.bytes(0x9d) // popfq
}

// call emits the call to the dispatcher: dispatch(frame, id, entry). When
// data is not zero entry points to the current slot of the entry stack
// stored there, otherwise it is nil.
func (AMD64) call(e *emitter, dispatch, id, data uint64) {
	e.bytes(0x48, 0x89, 0xe7) // mov rdi, rsp
	e.bytes(0x48, 0xbe)       // movabs rsi, id
	e.u64(id)
	if data == 0 {
		e.bytes(0x31, 0xd2) // xor edx, edx
	} else {
		e.bytes(0x48, 0xba) // movabs rdx, data
		e.u64(data)
		e.bytes(0x48, 0x8b, 0x02)               // mov rax, [rdx]
		e.bytes(0x48, 0x6b, 0xc0, afterSlotLen) // imul rax, rax, afterSlotLen
		e.bytes(0x48, 0x8d, 0x54, 0x02, 0x08)   // lea rdx, [rdx+rax+8]
	}
	e.bytes(0x48, 0xb8) // movabs rax, dispatch
	e.u64(dispatch)
	e.bytes(0xff, 0xd0) // call rax
}

// original emits the relocated prefix followed by a jump to the rest of
// the original function.
func (a AMD64) original(e *emitter, p *Prefix) error {
	code, err := p.relocate(e.pc())
	if err != nil {
		return err
	}
	e.bytes(code...)
	a.jump(e, p.PC+uint64(p.Len))
	return nil
}

func (a AMD64) Trampoline(t *TrampolineSpec) ([]byte, error) {
	e := newEmitter(t.Base)
	switch t.Policy {
	case Replace:
		a.SaveContext(e)
		a.call(e, t.Dispatch, t.ID, 0)
		a.RestoreContext(e)
		e.bytes(0xc3) // ret

	case InterceptBefore:
		a.SaveContext(e)
		a.call(e, t.Dispatch, t.ID, 0)
		a.RestoreContext(e)
		if err := a.original(e, t.Prefix); err != nil {
			return nil, err
		}

	case InterceptAfter:
		a.afterEntry(e, t.Data)
		e.label("original")
		if err := a.original(e, t.Prefix); err != nil {
			return nil, err
		}
		e.label("exit")
		a.afterExit(e, t.Data)
		a.SaveContext(e)
		a.call(e, t.Dispatch, t.ID, t.Data)
		a.RestoreContext(e)
		e.bytes(0xc3) // ret

	default:
		return nil, &UnsafeTargetError{Addr: t.Prefix.PC, Reason: "unknown policy " + t.Policy.String()}
	}
	return e.finish()
}

// afterEntry pushes the return address and the argument registers on the
// entry stack in data and points the return address at the exit stub.
// Only R10 and R11, which are not preserved across calls and carry no
// arguments, are used as scratch, and they are restored anyway.
func (AMD64) afterEntry(e *emitter, data uint64) {
	push(e, r11)
	push(e, r10)
	e.bytes(0x49, 0xbb) // movabs r11, data
	e.u64(data)
	e.bytes(0x4d, 0x8b, 0x13) // mov r10, [r11]
	e.bytes(0x49, 0x81, 0xfa) // cmp r10, imm32
	e.u32(maxAfterDepth)
	e.bytes(0x0f, 0x83) // jae skip
	e.rel32("skip")
	e.bytes(0x4d, 0x6b, 0xd2, afterSlotLen) // imul r10, r10, afterSlotLen
	e.bytes(0x4f, 0x8d, 0x54, 0x13, 0x08)   // lea r10, [r11+r10+8]
	e.bytes(0xff, 0x74, 0x24, 0x10)         // push qword [rsp+16]
	e.bytes(0x41, 0x8f, 0x02)               // pop qword [r10]
	e.bytes(0x49, 0x89, 0x7a, 0x08)         // mov [r10+8], rdi
	e.bytes(0x49, 0x89, 0x72, 0x10)         // mov [r10+16], rsi
	e.bytes(0x49, 0x89, 0x52, 0x18)         // mov [r10+24], rdx
	e.bytes(0x49, 0x89, 0x4a, 0x20)         // mov [r10+32], rcx
	e.bytes(0x4d, 0x89, 0x42, 0x28)         // mov [r10+40], r8
	e.bytes(0x4d, 0x89, 0x4a, 0x30)         // mov [r10+48], r9
	e.bytes(0x49, 0xff, 0x03)               // inc qword [r11]
	e.bytes(0x49, 0xba)                     // movabs r10, exit
	e.abs64("exit")
	e.bytes(0x4c, 0x89, 0x54, 0x24, 0x10) // mov [rsp+16], r10
	e.label("skip")
	pop(e, r10)
	pop(e, r11)
}

// afterExit is reached when the original function returns. It pops the
// entry stack and stores the real return address in a new stack slot so
// that the final ret goes back to the caller.
func (AMD64) afterExit(e *emitter, data uint64) {
	e.bytes(0x48, 0x83, 0xec, 0x08) // sub rsp, 8
	push(e, r11)
	push(e, r10)
	e.bytes(0x49, 0xbb) // movabs r11, data
	e.u64(data)
	e.bytes(0x49, 0xff, 0x0b)               // dec qword [r11]
	e.bytes(0x4d, 0x8b, 0x13)               // mov r10, [r11]
	e.bytes(0x4d, 0x6b, 0xd2, afterSlotLen) // imul r10, r10, afterSlotLen
	e.bytes(0x4f, 0x8d, 0x54, 0x13, 0x08)   // lea r10, [r11+r10+8]
	e.bytes(0x41, 0xff, 0x32)               // push qword [r10]
	e.bytes(0x8f, 0x44, 0x24, 0x10)         // pop qword [rsp+16]
	pop(e, r10)
	pop(e, r11)
}
