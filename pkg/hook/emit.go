package hook

import (
	"encoding/binary"
	"fmt"
)

type fixupKind uint8

const (
	fixRel32 fixupKind = iota // 32 bit displacement from the end of the field
	fixAbs64                  // absolute 64 bit address
)

type fixup struct {
	at    int
	label string
	kind  fixupKind
}

// emitter assembles machine code at a known base address. Forward
// references to labels are resolved by finish.
type emitter struct {
	base   uint64
	buf    []byte
	labels map[string]int
	fixups []fixup
}

func newEmitter(base uint64) *emitter {
	return &emitter{base: base, labels: map[string]int{}}
}

// pc returns the address of the next byte emitted.
func (e *emitter) pc() uint64 {
	return e.base + uint64(len(e.buf))
}

func (e *emitter) bytes(b ...byte) {
	e.buf = append(e.buf, b...)
}

func (e *emitter) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *emitter) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *emitter) label(name string) {
	e.labels[name] = len(e.buf)
}

// rel32 emits a placeholder for the displacement to label.
func (e *emitter) rel32(label string) {
	e.fixups = append(e.fixups, fixup{at: len(e.buf), label: label, kind: fixRel32})
	e.u32(0)
}

// abs64 emits a placeholder for the address of label.
func (e *emitter) abs64(label string) {
	e.fixups = append(e.fixups, fixup{at: len(e.buf), label: label, kind: fixAbs64})
	e.u64(0)
}

func (e *emitter) finish() ([]byte, error) {
	for _, f := range e.fixups {
		off, ok := e.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		switch f.kind {
		case fixRel32:
			binary.LittleEndian.PutUint32(e.buf[f.at:], uint32(int32(off-(f.at+4))))
		case fixAbs64:
			binary.LittleEndian.PutUint64(e.buf[f.at:], e.base+uint64(off))
		}
	}
	return e.buf, nil
}

// fitsRel32 reports whether target can be reached with a 32 bit
// displacement relative to next.
func fitsRel32(next, target uint64) bool {
	d := int64(target - next)
	return d == int64(int32(d))
}
