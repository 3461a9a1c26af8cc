package hook

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/framelock/pkg/logflags"
)

const (
	testTarget   = 0x401000
	testNearBase = 0x480000
	testFarBase  = 0x7f0000000000
	testDispatch = 0x4f0000
)

// addCode is fixture_add: 16 bytes of position independent instructions
// followed by a RIP-relative increment.
var addCode = []byte{
	0x55,             // push rbp
	0x48, 0x89, 0xe5, // mov rbp, rsp
	0x48, 0x89, 0xf8, // mov rax, rdi
	0x48, 0x01, 0xf0, // add rax, rsi
	0x48, 0x01, 0xd0, // add rax, rdx
	0x48, 0x01, 0xc8, // add rax, rcx
	0x48, 0x83, 0x05, 0x00, 0x10, 0x00, 0x00, 0x01, // add qword [rip+0x1000], 1
	0x4c, 0x01, 0xc0, // add rax, r8
	0x4c, 0x01, 0xc8, // add rax, r9
	0x5d, // pop rbp
	0xc3, // ret
}

// fakeMemory is a sparse address space. Bytes never written read as int3.
// When end is set, reads stop there.
type fakeMemory struct {
	mem    map[uint64]byte
	end    uint64
	next   uint64
	allocs int
	frees  int
	writes int
}

func newFakeMemory(trampolines uint64) *fakeMemory {
	return &fakeMemory{mem: map[uint64]byte{}, next: trampolines}
}

func (m *fakeMemory) load(addr uint64, code []byte) {
	for i, b := range code {
		m.mem[addr+uint64(i)] = b
	}
}

func (m *fakeMemory) bytes(addr uint64, n int) []byte {
	buf := make([]byte, n)
	m.ReadMemory(buf, addr)
	return buf
}

func (m *fakeMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		if m.end != 0 && addr+uint64(i) >= m.end {
			return i, errors.New("unmapped")
		}
		b, ok := m.mem[addr+uint64(i)]
		if !ok {
			b = 0xcc
		}
		buf[i] = b
	}
	return len(buf), nil
}

func (m *fakeMemory) WriteCode(addr uint64, code []byte) error {
	m.writes++
	m.load(addr, code)
	return nil
}

func (m *fakeMemory) AllocNear(addr uint64, size int) (uint64, error) {
	m.allocs++
	p := m.next
	m.next += uint64(size)
	return p, nil
}

func (m *fakeMemory) Free(addr uint64, size int) error {
	m.frees++
	for i := 0; i < size; i++ {
		delete(m.mem, addr+uint64(i))
	}
	return nil
}

func newTestManager(mem CodeMemory) *Manager {
	m := NewManager(mem, AMD64{})
	m.dispatch = testDispatch
	return m
}

func decode(t *testing.T, code []byte, pc uint64) ([]x86asm.Inst, []uint64) {
	t.Helper()
	var insts []x86asm.Inst
	var pcs []uint64
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			t.Fatalf("could not decode generated code at %#x: %v", pc+uint64(off), err)
		}
		insts = append(insts, inst)
		pcs = append(pcs, pc+uint64(off))
		off += inst.Len
	}
	return insts, pcs
}

func ops(insts []x86asm.Inst) []x86asm.Op {
	r := make([]x86asm.Op, len(insts))
	for i := range insts {
		r[i] = insts[i].Op
	}
	return r
}

func indexOp(insts []x86asm.Inst, op x86asm.Op, from int) int {
	for i := from; i < len(insts); i++ {
		if insts[i].Op == op {
			return i
		}
	}
	return -1
}

func noop(*Context) {}

func TestParsePolicy(t *testing.T) {
	for s, want := range map[string]Policy{
		"replace":          Replace,
		"before":           InterceptBefore,
		"After":            InterceptAfter,
		"intercept-before": InterceptBefore,
	} {
		p, err := ParsePolicy(s)
		if err != nil || p != want {
			t.Errorf("ParsePolicy(%q) = %v, %v", s, p, err)
		}
		if q, _ := ParsePolicy(p.String()); q != p {
			t.Errorf("%v does not round trip", p)
		}
	}
	if _, err := ParsePolicy("around"); err == nil {
		t.Error("ParsePolicy(around) succeeded")
	}
}

func TestInstallUninstallRoundTrip(t *testing.T) {
	for _, policy := range []Policy{Replace, InterceptBefore, InterceptAfter} {
		mem := newFakeMemory(testNearBase)
		mem.load(testTarget, addCode)
		m := newTestManager(mem)

		rec, err := m.Install(testTarget, policy, noop, WithSymbol("fixture_add"), WithSize(len(addCode)))
		if err != nil {
			t.Fatalf("%v: Install: %v", policy, err)
		}
		if rec.State() != Hooked || rec.Trampoline != testNearBase {
			t.Fatalf("%v: unexpected record %v at %#x", policy, rec, rec.Trampoline)
		}
		if !bytes.Equal(rec.Original, addCode[:7]) {
			t.Fatalf("%v: saved %x, expected the first 7 bytes", policy, rec.Original)
		}

		patched := mem.bytes(testTarget, len(rec.Original))
		inst, err := x86asm.Decode(patched, 64)
		if err != nil || inst.Op != x86asm.JMP || inst.Len != nearJumpLen {
			t.Fatalf("%v: target does not start with a near jump: %v %v", policy, inst, err)
		}
		if dst, _ := branchTarget(inst, testTarget); dst != testNearBase {
			t.Fatalf("%v: jump to %#x, expected %#x", policy, dst, testNearBase)
		}
		if !bytes.Equal(patched[nearJumpLen:], []byte{0xcc, 0xcc}) {
			t.Fatalf("%v: prefix not padded: %x", policy, patched)
		}
		if r, ok := m.Lookup(testTarget); !ok || r != rec {
			t.Fatalf("%v: Lookup did not return the record", policy)
		}

		if err := m.Uninstall(rec); err != nil {
			t.Fatalf("%v: Uninstall: %v", policy, err)
		}
		if got := mem.bytes(testTarget, len(addCode)); !bytes.Equal(got, addCode) {
			t.Fatalf("%v: original bytes not restored: %x", policy, got)
		}
		if rec.State() != Unhooked || mem.frees != 1 {
			t.Fatalf("%v: state %v, %d frees", policy, rec.State(), mem.frees)
		}
		if _, ok := m.Lookup(testTarget); ok {
			t.Fatalf("%v: record still registered", policy)
		}
		var nh *NotHookedError
		if err := m.Uninstall(rec); !errors.As(err, &nh) {
			t.Fatalf("%v: second Uninstall: %v", policy, err)
		}
	}
}

func TestInstallAtMappingEnd(t *testing.T) {
	mem := newFakeMemory(testNearBase)
	mem.load(testTarget, addCode)
	mem.end = testTarget + uint64(len(addCode))
	m := newTestManager(mem)
	rec, err := m.Install(testTarget, InterceptBefore, noop)
	if err != nil {
		t.Fatalf("Install of a function ending its mapping: %v", err)
	}
	if !bytes.Equal(rec.Original, addCode[:7]) {
		t.Fatalf("saved %x", rec.Original)
	}
	if err := m.Uninstall(rec); err != nil {
		t.Fatal(err)
	}

	// Not enough code left for the patch.
	mem.end = testTarget + 4
	_, err = m.Install(testTarget, InterceptBefore, noop)
	var ut *UnsafeTargetError
	if !errors.As(err, &ut) {
		t.Fatalf("expected UnsafeTargetError, got %v", err)
	}

	mem.end = testTarget
	if _, err := m.Install(testTarget, InterceptBefore, noop); !errors.Is(err, ErrHookInstall) {
		t.Fatalf("expected ErrHookInstall for an unreadable target, got %v", err)
	}
}

func TestAlreadyHooked(t *testing.T) {
	mem := newFakeMemory(testNearBase)
	mem.load(testTarget, addCode)
	m := newTestManager(mem)
	rec, err := m.Install(testTarget, InterceptBefore, noop)
	if err != nil {
		t.Fatal(err)
	}
	before := mem.bytes(testTarget, len(addCode))
	_, err = m.Install(testTarget, Replace, noop, WithSymbol("fixture_add"))
	var ah *AlreadyHookedError
	if !errors.As(err, &ah) || !errors.Is(err, ErrHookInstall) {
		t.Fatalf("expected AlreadyHookedError, got %v", err)
	}
	if !bytes.Equal(before, mem.bytes(testTarget, len(addCode))) {
		t.Fatal("target modified by the rejected install")
	}
	if err := m.UninstallAll(); err != nil {
		t.Fatal(err)
	}
	if rec.State() != Unhooked {
		t.Fatal("UninstallAll did not uninstall")
	}
}

func TestUnsafeTargets(t *testing.T) {
	for _, tc := range []struct {
		name string
		code []byte
	}{
		{"ret", []byte{0x55, 0xc3}},
		{"short branch", []byte{0x48, 0x85, 0xc0, 0x74, 0x03, 0x90, 0x90, 0x90, 0xc3}},
		{"truncated", []byte{0x48, 0x8b}},
		{"branch into prefix", []byte{
			0x55,             // push rbp
			0x48, 0x89, 0xe5, // mov rbp, rsp
			0x48, 0x89, 0xf8, // mov rax, rdi
			0x48, 0x85, 0xc0, // test rax, rax
			0x0f, 0x85, 0xf1, 0xff, 0xff, 0xff, // jne target+1
			0xc3,
		}},
	} {
		mem := newFakeMemory(testNearBase)
		mem.load(testTarget, tc.code)
		m := newTestManager(mem)
		_, err := m.Install(testTarget, InterceptBefore, noop, WithSize(len(tc.code)))
		var ut *UnsafeTargetError
		if !errors.As(err, &ut) || !errors.Is(err, ErrHookInstall) {
			t.Fatalf("%s: expected UnsafeTargetError, got %v", tc.name, err)
		}
		if !bytes.Equal(mem.bytes(testTarget, len(tc.code)), tc.code) {
			t.Fatalf("%s: target modified", tc.name)
		}
		if mem.allocs != mem.frees {
			t.Fatalf("%s: trampoline leaked", tc.name)
		}
	}
}

func TestFarTrampoline(t *testing.T) {
	mem := newFakeMemory(testFarBase)
	mem.load(testTarget, addCode)
	m := newTestManager(mem)
	rec, err := m.Install(testTarget, InterceptBefore, noop, WithSize(len(addCode)))
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Original) != 16 {
		t.Fatalf("expected a 16 byte prefix, got %d", len(rec.Original))
	}
	patched := mem.bytes(testTarget, 16)
	inst, err := x86asm.Decode(patched, 64)
	if err != nil || inst.Op != x86asm.JMP || inst.Len != 6 {
		t.Fatalf("expected an indirect jump, got %v %v", inst, err)
	}
	want := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x7f, 0x00, 0x00, 0xcc, 0xcc}
	if !bytes.Equal(patched[6:], want) {
		t.Fatalf("jump operand %x, expected %x", patched[6:], want)
	}
	if err := m.Uninstall(rec); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem.bytes(testTarget, len(addCode)), addCode) {
		t.Fatal("original bytes not restored")
	}
}

func TestRelocation(t *testing.T) {
	code := []byte{
		0x48, 0x8b, 0x05, 0x00, 0x01, 0x00, 0x00, // mov rax, [rip+0x100]
		0x48, 0x01, 0xf0, // add rax, rsi
		0x48, 0x01, 0xd0, // add rax, rdx
		0x48, 0x01, 0xc8, // add rax, rcx
		0xc3,
	}
	const want = testTarget + 7 + 0x100

	mem := newFakeMemory(testNearBase)
	mem.load(testTarget, code)
	m := newTestManager(mem)
	rec, err := m.Install(testTarget, InterceptBefore, noop, WithSize(len(code)))
	if err != nil {
		t.Fatal(err)
	}
	tramp, err := AMD64{}.Trampoline(&TrampolineSpec{Base: rec.Trampoline, Policy: InterceptBefore, ID: rec.ID, Dispatch: testDispatch, Prefix: mustAnalyze(t, code, 5)})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tramp, mem.bytes(rec.Trampoline, len(tramp))) {
		t.Fatal("installed trampoline differs from the generated one")
	}
	insts, pcs := decode(t, tramp, rec.Trampoline)
	i := indexOp(insts, x86asm.POPFQ, 0) + 1
	if insts[i].Op != x86asm.MOV {
		t.Fatalf("relocated instruction is %v", insts[i])
	}
	mem0, ok := insts[i].Args[1].(x86asm.Mem)
	if !ok || mem0.Base != x86asm.RIP {
		t.Fatalf("relocated instruction is not RIP-relative: %v", insts[i])
	}
	if got := pcs[i] + uint64(insts[i].Len) + uint64(int64(int32(mem0.Disp))); got != want {
		t.Fatalf("relocated reference to %#x, expected %#x", got, want)
	}
	if dst, _ := branchTarget(insts[i+1], pcs[i+1]); insts[i+1].Op != x86asm.JMP || dst != testTarget+7 {
		t.Fatalf("expected a jump back to %#x, got %v", testTarget+7, insts[i+1])
	}
	m.Uninstall(rec)

	// Out of reach of a far trampoline.
	mem = newFakeMemory(testFarBase)
	mem.load(testTarget, code)
	m = newTestManager(mem)
	_, err = m.Install(testTarget, InterceptBefore, noop, WithSize(len(code)))
	var ut *UnsafeTargetError
	if !errors.As(err, &ut) {
		t.Fatalf("expected UnsafeTargetError, got %v", err)
	}
	if !bytes.Equal(mem.bytes(testTarget, len(code)), code) || mem.frees != 1 {
		t.Fatal("failed install left changes behind")
	}
}

func mustAnalyze(t *testing.T, code []byte, need int) *Prefix {
	t.Helper()
	p, err := AMD64{}.Analyze(code, testTarget, need)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestContextFrame(t *testing.T) {
	e := newEmitter(testNearBase)
	AMD64{}.SaveContext(e)
	insts, _ := decode(t, e.buf, testNearBase)

	// pushfq and the general purpose registers, then the FXSAVE area.
	pushed := 0
	for _, inst := range insts {
		switch inst.Op {
		case x86asm.PUSHFQ, x86asm.PUSH:
			pushed++
		case x86asm.XSAVE, x86asm.XSAVE64, x86asm.XSAVEOPT, x86asm.XSAVEOPT64:
			t.Fatalf("frame saves extended state with %v, Regs only has room for the FXSAVE area", inst.Op)
		}
	}
	if last := insts[len(insts)-1]; last.Op != x86asm.FXSAVE64 {
		t.Fatalf("vector state saved with %v", last.Op)
	}
	frame := unsafe.Offsetof(Regs{}.Ret)
	if frame != scratchLen+uintptr(pushed)*8 {
		t.Fatalf("Regs places Ret at %d, the trampoline pushes %d bytes", frame, scratchLen+pushed*8)
	}
	// The return address is at 8 modulo 16 on entry.
	if (frame+8)%16 != 0 {
		t.Fatalf("FXSAVE area at %d modulo 16", (frame+8)%16)
	}
}

func TestTrampolineShape(t *testing.T) {
	prefix := mustAnalyze(t, addCode, nearJumpLen)
	gen := func(policy Policy) ([]x86asm.Inst, []uint64) {
		code, err := AMD64{}.Trampoline(&TrampolineSpec{
			Base:     testNearBase,
			Data:     testNearBase + pageLen,
			Policy:   policy,
			ID:       7,
			Dispatch: testDispatch,
			Prefix:   prefix,
		})
		if err != nil {
			t.Fatalf("%v: %v", policy, err)
		}
		return decode(t, code, testNearBase)
	}
	checkCall := func(policy Policy, insts []x86asm.Inst, from int) int {
		save := indexOp(insts, x86asm.FXSAVE64, from)
		call := indexOp(insts, x86asm.CALL, from)
		restore := indexOp(insts, x86asm.FXRSTOR64, from)
		popf := indexOp(insts, x86asm.POPFQ, from)
		if save < 0 || !(save < call && call < restore && restore < popf) {
			t.Fatalf("%v: bad save/call/restore sequence: %v", policy, ops(insts))
		}
		if save < 17 || insts[save-17].Op != x86asm.PUSHFQ {
			t.Fatalf("%v: flags are not saved first: %v", policy, ops(insts))
		}
		return popf
	}

	insts, _ := gen(Replace)
	popf := checkCall(Replace, insts, 0)
	if popf != len(insts)-2 || insts[len(insts)-1].Op != x86asm.RET {
		t.Fatalf("replace: expected restore then ret: %v", ops(insts))
	}
	if indexOp(insts, x86asm.JMP, 0) >= 0 {
		t.Fatal("replace: the original function is reachable")
	}

	insts, pcs := gen(InterceptBefore)
	popf = checkCall(InterceptBefore, insts, 0)
	rest := ops(insts[popf+1:])
	wantRest := []x86asm.Op{x86asm.PUSH, x86asm.MOV, x86asm.MOV, x86asm.JMP}
	if len(rest) != len(wantRest) {
		t.Fatalf("before: unexpected tail %v", rest)
	}
	for i := range wantRest {
		if rest[i] != wantRest[i] {
			t.Fatalf("before: unexpected tail %v", rest)
		}
	}
	if dst, _ := branchTarget(insts[len(insts)-1], pcs[len(pcs)-1]); dst != testTarget+7 {
		t.Fatalf("before: jumps back to %#x", dst)
	}

	insts, pcs = gen(InterceptAfter)
	back := indexOp(insts, x86asm.JMP, 0)
	if back < 0 {
		t.Fatalf("after: no jump back: %v", ops(insts))
	}
	if dst, _ := branchTarget(insts[back], pcs[back]); dst != testTarget+7 {
		t.Fatalf("after: jumps back to %#x", dst)
	}
	if indexOp(insts[:back], x86asm.CALL, 0) >= 0 {
		t.Fatal("after: handler called before the original function")
	}
	// The return address is redirected to the first instruction after the
	// jump back.
	exit := pcs[back] + uint64(insts[back].Len)
	found := false
	for _, inst := range insts[:back] {
		if inst.Op == x86asm.MOV {
			if imm, ok := inst.Args[1].(x86asm.Imm); ok && uint64(imm) == exit {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("after: exit stub %#x never referenced", exit)
	}
	checkCall(InterceptAfter, insts, back)
	if insts[len(insts)-1].Op != x86asm.RET {
		t.Fatalf("after: does not end with ret: %v", ops(insts))
	}
}

func TestDispatch(t *testing.T) {
	r := &registry{handlers: map[uint64]registration{}}
	log := logflags.HookLogger()

	var seen []uint64
	before := &Record{ID: 1, Policy: InterceptBefore, handler: func(c *Context) {
		for i := 0; i < 6; i++ {
			seen = append(seen, c.Arg(i))
		}
		c.SetReturn(99)
	}}
	r.register(before, log)
	regs := &Regs{Rdi: 1, Rsi: 2, Rdx: 3, Rcx: 4, R8: 5, R9: 6}
	r.dispatch(regs, 1, nil)
	for i, v := range seen {
		if v != uint64(i+1) {
			t.Fatalf("arguments %v", seen)
		}
	}
	if regs.Rax != 99 {
		t.Fatalf("return value %d", regs.Rax)
	}

	after := &Record{ID: 2, Policy: InterceptAfter, handler: func(c *Context) {
		seen = []uint64{c.Arg(0), c.Arg(5), c.ReturnValue(), c.ReturnAddress()}
	}}
	r.register(after, log)
	regs = &Regs{Rdi: 100, Rax: 21, Ret: 0xabc}
	r.dispatch(regs, 2, &entrySnapshot{Ret: 0xabc, Rdi: 1, R9: 6})
	if seen[0] != 1 || seen[1] != 6 || seen[2] != 21 || seen[3] != 0xabc {
		t.Fatalf("after: %v", seen)
	}

	panicky := &Record{ID: 3, handler: func(c *Context) {
		c.SetReturn(1)
		panic("boom")
	}}
	r.register(panicky, log)
	regs = &Regs{Rax: 5}
	r.dispatch(regs, 3, nil)
	if regs.Rax != 5 {
		t.Fatalf("panicking handler changes kept: rax=%d", regs.Rax)
	}

	r.unregister(1)
	regs = &Regs{}
	r.dispatch(regs, 1, nil)
	if regs.Rax != 0 {
		t.Fatal("unregistered handler called")
	}
}

func TestContextStack(t *testing.T) {
	var frame struct {
		regs  Regs
		stack [3]uint64
	}
	frame.regs.Ret = 0x1234
	frame.stack = [3]uint64{7, 8, 9}
	c := &Context{Regs: &frame.regs}
	if c.StackArg(0) != 7 || c.StackArg(2) != 9 || c.Arg(7) != 8 {
		t.Fatalf("stack arguments %d %d %d", c.StackArg(0), c.StackArg(2), c.Arg(7))
	}
	c.SetReturnFloat(2.5)
	if c.ReturnFloat() != 2.5 {
		t.Fatalf("float return %v", c.ReturnFloat())
	}
	if c.ReturnAddress() != 0x1234 {
		t.Fatal("wrong return address")
	}
}
