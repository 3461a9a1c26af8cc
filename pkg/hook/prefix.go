package hook

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Prefix is the run of whole instructions displaced by a patch.
type Prefix struct {
	PC  uint64
	Len int

	code  []byte
	insts []x86asm.Inst
}

// terminates reports whether execution never falls through inst.
func terminates(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.UD0, x86asm.UD1, x86asm.UD2, x86asm.INT, x86asm.HLT, x86asm.IRET, x86asm.IRETQ:
		return true
	}
	return false
}

// branchTarget returns the destination of a PC-relative branch.
func branchTarget(inst x86asm.Inst, pc uint64) (uint64, bool) {
	for _, a := range inst.Args {
		if rel, ok := a.(x86asm.Rel); ok {
			return pc + uint64(inst.Len) + uint64(int64(rel)), true
		}
	}
	return 0, false
}

func analyzeAMD64(code []byte, pc uint64, need int) (*Prefix, error) {
	unsafeTarget := func(format string, args ...interface{}) error {
		return &UnsafeTargetError{Addr: pc, Reason: fmt.Sprintf(format, args...)}
	}
	p := &Prefix{PC: pc}
	for p.Len < need {
		if p.Len >= len(code) {
			return nil, unsafeTarget("function is shorter than %d bytes", need)
		}
		at := pc + uint64(p.Len)
		inst, err := x86asm.Decode(code[p.Len:], 64)
		if err != nil {
			return nil, unsafeTarget("can not decode instruction at %#x: %v", at, err)
		}
		if terminates(inst) {
			return nil, unsafeTarget("%s at %#x ends the function inside the first %d bytes", inst.Op, at, need)
		}
		if inst.PCRel > 0 && inst.PCRel < 4 {
			return nil, unsafeTarget("short branch %s at %#x can not be relocated", inst.Op, at)
		}
		p.insts = append(p.insts, inst)
		p.Len += inst.Len
	}
	p.code = code[:p.Len]

	// No branch, inside the prefix or after it, may land strictly inside
	// the prefix: that code no longer exists once the jump is written.
	inside := func(target uint64) bool {
		return target > pc && target < pc+uint64(p.Len)
	}
	off := 0
	for _, inst := range p.insts {
		if target, ok := branchTarget(inst, pc+uint64(off)); ok && inside(target) {
			return nil, unsafeTarget("%s at %#x branches into the patched prefix", inst.Op, pc+uint64(off))
		}
		off += inst.Len
	}
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			// padding or data after the end of the function
			break
		}
		if target, ok := branchTarget(inst, pc+uint64(off)); ok && inside(target) {
			return nil, unsafeTarget("%s at %#x branches into the patched prefix", inst.Op, pc+uint64(off))
		}
		off += inst.Len
	}
	return p, nil
}

// relocate returns the prefix instructions re-encoded to run at to.
func (p *Prefix) relocate(to uint64) ([]byte, error) {
	out := make([]byte, 0, p.Len)
	off := 0
	for _, inst := range p.insts {
		raw := append([]byte(nil), p.code[off:off+inst.Len]...)
		if inst.PCRel == 4 {
			disp := int32(binary.LittleEndian.Uint32(raw[inst.PCRelOff:]))
			target := p.PC + uint64(off+inst.Len) + uint64(int64(disp))
			next := to + uint64(len(out)+inst.Len)
			if !fitsRel32(next, target) {
				return nil, &UnsafeTargetError{
					Addr:   p.PC,
					Reason: fmt.Sprintf("%s at %#x references %#x, out of reach of the trampoline at %#x", inst.Op, p.PC+uint64(off), target, to),
				}
			}
			binary.LittleEndian.PutUint32(raw[inst.PCRelOff:], uint32(int32(int64(target-next))))
		}
		out = append(out, raw...)
		off += inst.Len
	}
	return out, nil
}
