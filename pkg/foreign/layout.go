package foreign

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unsafe"

	lru "github.com/hashicorp/golang-lru"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// pathCacheSize is the number of compiled paths each Layout remembers.
const pathCacheSize = 128

// Descriptor describes one field of a foreign object.
type Descriptor struct {
	Name   string
	Offset uintptr
	Size   uintptr
	Kind   reflect.Kind

	// Elem and Len describe the elements of an Array field. Elem is always
	// a primitive kind.
	Elem reflect.Kind
	Len  int

	// Layout is the layout of the pointee of a Ptr field or of the inline
	// object of a Struct field.
	Layout *Layout
}

func (d Descriptor) String() string {
	switch d.Kind {
	case reflect.Array:
		return fmt.Sprintf("%s [%d]%s @%#x", d.Name, d.Len, d.Elem, d.Offset)
	case reflect.Ptr, reflect.Struct:
		lname := "?"
		if d.Layout != nil {
			lname = d.Layout.Name
		}
		if d.Kind == reflect.Ptr {
			return fmt.Sprintf("%s *%s @%#x", d.Name, lname, d.Offset)
		}
		return fmt.Sprintf("%s %s @%#x", d.Name, lname, d.Offset)
	}
	return fmt.Sprintf("%s %s @%#x", d.Name, d.Kind, d.Offset)
}

// primitiveSize returns the size of a primitive kind, 0 if k is not one.
func primitiveSize(k reflect.Kind) uintptr {
	switch k {
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		return 4
	case reflect.Int64, reflect.Uint64, reflect.Float64:
		return 8
	case reflect.Uintptr:
		return ptrSize
	}
	return 0
}

var kindNames = map[string]reflect.Kind{}

func init() {
	for _, k := range []reflect.Kind{
		reflect.Bool,
		reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Uintptr, reflect.Float32, reflect.Float64,
		reflect.Array, reflect.Ptr, reflect.Struct,
	} {
		kindNames[k.String()] = k
	}
	kindNames["pointer"] = reflect.Ptr
}

// ParseKind converts a kind name ("int32", "float64", "array", "ptr", ...)
// into the corresponding reflect.Kind.
func ParseKind(s string) (reflect.Kind, error) {
	if k, ok := kindNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return reflect.Invalid, fmt.Errorf("unsupported field kind %q", s)
}

// Primitive returns a descriptor for a primitive field of kind k.
func Primitive(name string, offset uintptr, k reflect.Kind) Descriptor {
	return Descriptor{Name: name, Offset: offset, Size: primitiveSize(k), Kind: k}
}

// Array returns a descriptor for an inline array of n elements of kind elem.
func Array(name string, offset uintptr, elem reflect.Kind, n int) Descriptor {
	return Descriptor{Name: name, Offset: offset, Size: primitiveSize(elem) * uintptr(n), Kind: reflect.Array, Elem: elem, Len: n}
}

// Pointer returns a descriptor for a pointer to an object with layout l.
func Pointer(name string, offset uintptr, l *Layout) Descriptor {
	return Descriptor{Name: name, Offset: offset, Size: ptrSize, Kind: reflect.Ptr, Layout: l}
}

// Inline returns a descriptor for an object with layout l embedded at
// offset.
func Inline(name string, offset uintptr, l *Layout) Descriptor {
	return Descriptor{Name: name, Offset: offset, Size: l.Size, Kind: reflect.Struct, Layout: l}
}

func (d Descriptor) validate() error {
	switch d.Kind {
	case reflect.Array:
		es := primitiveSize(d.Elem)
		if es == 0 {
			return fmt.Errorf("field %s: unsupported array element kind %s", d.Name, d.Elem)
		}
		if d.Len < 0 || d.Size != es*uintptr(d.Len) {
			return fmt.Errorf("field %s: array size %d does not match %d elements of %s", d.Name, d.Size, d.Len, d.Elem)
		}
	case reflect.Ptr:
		if d.Size != ptrSize {
			return fmt.Errorf("field %s: pointer size must be %d", d.Name, ptrSize)
		}
	case reflect.Struct:
		if d.Layout == nil {
			return fmt.Errorf("field %s: inline object without layout", d.Name)
		}
		if d.Size != d.Layout.Size {
			return fmt.Errorf("field %s: size %d does not match layout %s", d.Name, d.Size, d.Layout.Name)
		}
	default:
		ps := primitiveSize(d.Kind)
		if ps == 0 {
			return fmt.Errorf("field %s: unsupported kind %s", d.Name, d.Kind)
		}
		if d.Size != ps {
			return fmt.Errorf("field %s: size %d does not match kind %s", d.Name, d.Size, d.Kind)
		}
	}
	return nil
}

// Layout is the memory layout of a foreign type: its size and the
// descriptors of the fields that are known. Layouts are immutable once
// their fields are set.
type Layout struct {
	Name   string
	Size   uintptr
	Fields []Descriptor

	byName map[string]int
	paths  *lru.Cache
}

// NewLayout returns a layout with the given fields. Field bounds are not
// checked here: accessing a field that does not fit in Size fails with an
// OutOfBoundsError.
func NewLayout(name string, size uintptr, fields ...Descriptor) (*Layout, error) {
	l := &Layout{Name: name, Size: size}
	if err := l.setFields(fields); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layout) setFields(fields []Descriptor) error {
	l.byName = make(map[string]int, len(fields))
	for i, d := range fields {
		if err := d.validate(); err != nil {
			return fmt.Errorf("layout %s: %v", l.Name, err)
		}
		if _, dup := l.byName[d.Name]; dup {
			return fmt.Errorf("layout %s: duplicate field %s", l.Name, d.Name)
		}
		l.byName[d.Name] = i
	}
	l.Fields = fields
	l.paths, _ = lru.New(pathCacheSize)
	return nil
}

// Field returns the descriptor of the named field.
func (l *Layout) Field(name string) (Descriptor, bool) {
	i, ok := l.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return l.Fields[i], true
}

// pathStep is one segment of a compiled path.
type pathStep struct {
	desc  Descriptor
	index int // element index for arrays, -1 otherwise
	deref bool
}

// compile resolves a dotted path ("pos.x", "target.hp", "ammo[2]") into
// descriptors. Pointer fields followed by another segment are
// dereferenced.
func (l *Layout) compile(path string) ([]pathStep, error) {
	if l.paths != nil {
		if v, ok := l.paths.Get(path); ok {
			return v.([]pathStep), nil
		}
	}
	segs := strings.Split(path, ".")
	steps := make([]pathStep, 0, len(segs))
	cur := l
	for i, seg := range segs {
		if cur == nil {
			return nil, fmt.Errorf("path %q: %s has no layout", path, segs[i-1])
		}
		name, index, err := splitIndex(seg)
		if err != nil {
			return nil, fmt.Errorf("path %q: %v", path, err)
		}
		d, ok := cur.Field(name)
		if !ok {
			return nil, &UnknownFieldError{Layout: cur.Name, Field: name}
		}
		if index >= 0 && d.Kind != reflect.Array {
			return nil, fmt.Errorf("path %q: %s is not an array", path, name)
		}
		last := i == len(segs)-1
		step := pathStep{desc: d, index: index}
		switch d.Kind {
		case reflect.Ptr:
			step.deref = !last
			cur = d.Layout
		case reflect.Struct:
			cur = d.Layout
		default:
			if !last {
				return nil, fmt.Errorf("path %q: %s is a %s, not an object", path, name, d.Kind)
			}
		}
		steps = append(steps, step)
	}
	if l.paths != nil {
		l.paths.Add(path, steps)
	}
	return steps, nil
}

// CheckPath reports whether path names a field reachable from l.
func (l *Layout) CheckPath(path string) error {
	_, err := l.compile(path)
	return err
}

func splitIndex(seg string) (string, int, error) {
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		if seg == "" {
			return "", -1, fmt.Errorf("empty segment")
		}
		return seg, -1, nil
	}
	if !strings.HasSuffix(seg, "]") || open == 0 {
		return "", -1, fmt.Errorf("malformed segment %q", seg)
	}
	n, err := strconv.Atoi(seg[open+1 : len(seg)-1])
	if err != nil || n < 0 {
		return "", -1, fmt.Errorf("malformed index in %q", seg)
	}
	return seg[:open], n, nil
}

// LayoutSpec is the declarative form of a Layout, as found in
// configuration files. Field layouts are referenced by name.
type LayoutSpec struct {
	Name   string
	Size   uintptr
	Fields []FieldSpec
}

// FieldSpec is the declarative form of a Descriptor.
type FieldSpec struct {
	Name   string
	Offset uintptr
	Kind   string
	Elem   string
	Len    int
	Layout string
}

// Table holds the layouts of the foreign types known to the engine.
type Table struct {
	layouts map[string]*Layout
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{layouts: map[string]*Layout{}}
}

// Add adds l to the table.
func (t *Table) Add(l *Layout) error {
	if _, dup := t.layouts[l.Name]; dup {
		return fmt.Errorf("duplicate layout %s", l.Name)
	}
	t.layouts[l.Name] = l
	return nil
}

// Get returns the layout called name.
func (t *Table) Get(name string) (*Layout, bool) {
	l, ok := t.layouts[name]
	return l, ok
}

// BuildTable builds a table from specs. Layouts may reference each other
// (and themselves, through pointers) regardless of their order. A layout
// may not contain itself inline, directly or through other layouts.
func BuildTable(specs []LayoutSpec) (*Table, error) {
	t := NewTable()
	for _, spec := range specs {
		if err := t.Add(&Layout{Name: spec.Name, Size: spec.Size}); err != nil {
			return nil, err
		}
	}
	for _, spec := range specs {
		l := t.layouts[spec.Name]
		fields := make([]Descriptor, 0, len(spec.Fields))
		for _, fs := range spec.Fields {
			d, err := t.descriptor(spec.Name, fs)
			if err != nil {
				return nil, err
			}
			fields = append(fields, d)
		}
		if err := l.setFields(fields); err != nil {
			return nil, err
		}
	}
	for _, spec := range specs {
		if err := t.checkInline(t.layouts[spec.Name], nil); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// checkInline walks the inline fields of l, returning an error if one of
// the layouts in stack is reached again.
func (t *Table) checkInline(l *Layout, stack []string) error {
	for i, name := range stack {
		if name == l.Name {
			cycle := append(stack[i:len(stack):len(stack)], l.Name)
			return fmt.Errorf("layout %s contains itself inline: %s", l.Name, strings.Join(cycle, " -> "))
		}
	}
	stack = append(stack, l.Name)
	for _, d := range l.Fields {
		if d.Kind != reflect.Struct {
			continue
		}
		if err := t.checkInline(d.Layout, stack); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) descriptor(owner string, fs FieldSpec) (Descriptor, error) {
	k, err := ParseKind(fs.Kind)
	if err != nil {
		return Descriptor{}, fmt.Errorf("layout %s field %s: %v", owner, fs.Name, err)
	}
	switch k {
	case reflect.Array:
		elem, err := ParseKind(fs.Elem)
		if err != nil {
			return Descriptor{}, fmt.Errorf("layout %s field %s: %v", owner, fs.Name, err)
		}
		return Array(fs.Name, fs.Offset, elem, fs.Len), nil
	case reflect.Ptr, reflect.Struct:
		l, ok := t.layouts[fs.Layout]
		if !ok {
			return Descriptor{}, fmt.Errorf("layout %s field %s: unknown layout %q", owner, fs.Name, fs.Layout)
		}
		if k == reflect.Ptr {
			return Pointer(fs.Name, fs.Offset, l), nil
		}
		return Inline(fs.Name, fs.Offset, l), nil
	}
	return Primitive(fs.Name, fs.Offset, k), nil
}
