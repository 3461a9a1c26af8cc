// Package foreign gives typed access to the fields of objects owned by
// the instrumented process.
//
// Foreign objects are only guaranteed to be alive and in a consistent
// layout for a bounded window (typically the body of a hook handler).
// WithScope opens such a window: every Value obtained inside it stops
// working when it returns. Values must not be retained or handed to other
// goroutines; any access after the scope closed fails with ErrScopeClosed.
package foreign

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
)

var (
	// ErrInvalidRoot is returned for a null root pointer or when a null
	// pointer field is dereferenced.
	ErrInvalidRoot = errors.New("invalid root pointer")
	// ErrScopeClosed is returned by any access through a Scope or Value
	// after the WithScope call that produced it returned.
	ErrScopeClosed = errors.New("reflection scope closed")
)

// OutOfBoundsError is returned when a field does not fit in the extent of
// the object it belongs to.
type OutOfBoundsError struct {
	Field  string
	Offset uintptr
	Size   uintptr
	Extent uintptr
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("field %s at offset %#x (size %d) is outside of the object extent %#x", e.Field, e.Offset, e.Size, e.Extent)
}

// TypeMismatchError is returned when a field is read or written as a type
// that does not match its descriptor.
type TypeMismatchError struct {
	Field string
	Want  string
	Got   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("field %s is %s, can not be accessed as %s", e.Field, e.Want, e.Got)
}

// UnknownFieldError is returned when a layout has no field with the
// requested name.
type UnknownFieldError struct {
	Layout string
	Field  string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("layout %s has no field %s", e.Layout, e.Field)
}

// Scope is the window during which the root object is guaranteed valid.
type Scope struct {
	mem    MemoryReadWriter
	root   uint64
	layout *Layout
	open   atomic.Bool
}

// WithScope calls body with a scope over the object at root, described
// by layout. The scope, and every Value derived from it, is invalid after
// WithScope returns.
func WithScope(mem MemoryReadWriter, root uint64, layout *Layout, body func(s *Scope) error) error {
	if root == 0 {
		return ErrInvalidRoot
	}
	if layout == nil {
		return errors.New("nil layout")
	}
	s := &Scope{mem: mem, root: root, layout: layout}
	s.open.Store(true)
	defer s.open.Store(false)
	return body(s)
}

func (s *Scope) check() error {
	if !s.open.Load() {
		return ErrScopeClosed
	}
	return nil
}

// Root returns the address of the root object.
func (s *Scope) Root() uint64 {
	return s.root
}

// Layout returns the layout of the root object.
func (s *Scope) Layout() *Layout {
	return s.layout
}

// Object returns the root object itself, as a Struct value.
func (s *Scope) Object() (Value, error) {
	if err := s.check(); err != nil {
		return Value{}, err
	}
	return Value{scope: s, addr: s.root, desc: Inline(s.layout.Name, 0, s.layout)}, nil
}

// Field returns the named field of the root object.
func (s *Scope) Field(name string) (Value, error) {
	obj, err := s.Object()
	if err != nil {
		return Value{}, err
	}
	return obj.Field(name)
}

// FieldAt returns the field of the root object described by d. The
// descriptor does not need to belong to the root layout, it is only
// checked against the root object's extent.
func (s *Scope) FieldAt(d Descriptor) (Value, error) {
	obj, err := s.Object()
	if err != nil {
		return Value{}, err
	}
	return obj.fieldAt(d)
}

// Path returns the value at a dotted path starting from the root object.
// Segments name fields, an optional [n] suffix selects an array element,
// pointer fields followed by another segment are dereferenced.
func (s *Scope) Path(path string) (Value, error) {
	if err := s.check(); err != nil {
		return Value{}, err
	}
	steps, err := s.layout.compile(path)
	if err != nil {
		return Value{}, err
	}
	v, err := s.Object()
	if err != nil {
		return Value{}, err
	}
	for _, step := range steps {
		v, err = v.fieldAt(step.desc)
		if err != nil {
			return Value{}, err
		}
		if step.index >= 0 {
			v, err = v.Index(step.index)
			if err != nil {
				return Value{}, err
			}
		}
		if step.deref {
			v, err = v.Deref()
			if err != nil {
				return Value{}, err
			}
		}
	}
	return v, nil
}

// Value is a typed view of the bytes of one field of a foreign object.
type Value struct {
	scope *Scope
	addr  uint64 // address of the field
	desc  Descriptor
}

// Addr returns the address of the field.
func (v Value) Addr() uint64 {
	return v.addr
}

// Descriptor returns the descriptor of the field.
func (v Value) Descriptor() Descriptor {
	return v.desc
}

func (v Value) check() error {
	if v.scope == nil {
		return ErrScopeClosed
	}
	return v.scope.check()
}

// Field returns the named field of a Struct value.
func (v Value) Field(name string) (Value, error) {
	if err := v.check(); err != nil {
		return Value{}, err
	}
	if v.desc.Kind != reflect.Struct || v.desc.Layout == nil {
		return Value{}, &TypeMismatchError{Field: v.desc.Name, Want: v.desc.Kind.String(), Got: "struct"}
	}
	d, ok := v.desc.Layout.Field(name)
	if !ok {
		return Value{}, &UnknownFieldError{Layout: v.desc.Layout.Name, Field: name}
	}
	return v.fieldAt(d)
}

// fieldAt returns the field d of the Struct value v, checking that it fits
// in v's extent before any memory is touched.
func (v Value) fieldAt(d Descriptor) (Value, error) {
	if err := v.check(); err != nil {
		return Value{}, err
	}
	if v.desc.Kind != reflect.Struct {
		return Value{}, &TypeMismatchError{Field: v.desc.Name, Want: v.desc.Kind.String(), Got: "struct"}
	}
	extent := v.desc.Size
	if d.Offset > extent || d.Size > extent-d.Offset {
		return Value{}, &OutOfBoundsError{Field: d.Name, Offset: d.Offset, Size: d.Size, Extent: extent}
	}
	return Value{scope: v.scope, addr: v.addr + uint64(d.Offset), desc: d}, nil
}

// Index returns element i of an Array value.
func (v Value) Index(i int) (Value, error) {
	if err := v.check(); err != nil {
		return Value{}, err
	}
	if v.desc.Kind != reflect.Array {
		return Value{}, &TypeMismatchError{Field: v.desc.Name, Want: v.desc.Kind.String(), Got: "array"}
	}
	es := primitiveSize(v.desc.Elem)
	if i < 0 || i >= v.desc.Len {
		return Value{}, &OutOfBoundsError{Field: fmt.Sprintf("%s[%d]", v.desc.Name, i), Offset: uintptr(i) * es, Size: es, Extent: v.desc.Size}
	}
	return Value{
		scope: v.scope,
		addr:  v.addr + uint64(uintptr(i)*es),
		desc:  Primitive(fmt.Sprintf("%s[%d]", v.desc.Name, i), 0, v.desc.Elem),
	}, nil
}

// Deref reads a Ptr value and returns the object it points to. The
// pointee extent is the size of the pointer's layout.
func (v Value) Deref() (Value, error) {
	if err := v.check(); err != nil {
		return Value{}, err
	}
	if v.desc.Kind != reflect.Ptr {
		return Value{}, &TypeMismatchError{Field: v.desc.Name, Want: v.desc.Kind.String(), Got: "ptr"}
	}
	if v.desc.Layout == nil {
		return Value{}, fmt.Errorf("pointer %s has no layout", v.desc.Name)
	}
	p, err := Read[uintptr](v)
	if err != nil {
		return Value{}, err
	}
	if p == 0 {
		return Value{}, fmt.Errorf("dereferencing %s: %w", v.desc.Name, ErrInvalidRoot)
	}
	return Value{scope: v.scope, addr: uint64(p), desc: Inline(v.desc.Name, 0, v.desc.Layout)}, nil
}

// String returns a short description of the value, without reading it.
func (v Value) String() string {
	return fmt.Sprintf("%s at %#x", strings.TrimSpace(v.desc.String()), v.addr)
}
