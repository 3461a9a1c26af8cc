package foreign

import (
	"fmt"
	"io"
	"math"
	"reflect"
	"unsafe"
)

// compatible returns an error unless values of type t have the same
// representation as the field described by d.
func compatible(d Descriptor, t reflect.Type) error {
	mismatch := func() error {
		got := "<nil>"
		if t != nil {
			got = t.String()
		}
		want := d.Kind.String()
		if d.Kind == reflect.Array {
			want = fmt.Sprintf("[%d]%s", d.Len, d.Elem)
		}
		return &TypeMismatchError{Field: d.Name, Want: want, Got: got}
	}
	if t == nil || t.Size() != d.Size {
		return mismatch()
	}
	switch d.Kind {
	case reflect.Struct:
		return mismatch()
	case reflect.Ptr:
		if t.Kind() != reflect.Uintptr {
			return mismatch()
		}
	case reflect.Array:
		if t.Kind() != reflect.Array || t.Len() != d.Len || t.Elem().Kind() != d.Elem {
			return mismatch()
		}
	default:
		if t.Kind() != d.Kind {
			return mismatch()
		}
	}
	return nil
}

// Read reads the field as a T. The kind and size of T must match the
// descriptor: primitive kinds map to the Go type of the same kind, arrays
// to Go arrays of the same length and element kind, pointers to uintptr.
func Read[T any](v Value) (T, error) {
	var x T
	if err := v.check(); err != nil {
		return x, err
	}
	if err := compatible(v.desc, reflect.TypeOf(x)); err != nil {
		return x, err
	}
	if v.desc.Size == 0 {
		return x, nil
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&x)), v.desc.Size)
	n, err := v.scope.mem.ReadMemory(buf, v.addr)
	if err == nil && n != len(buf) {
		err = io.ErrUnexpectedEOF
	}
	return x, err
}

// Write writes x to the field. Type compatibility follows the rules of
// Read.
func Write[T any](v Value, x T) error {
	if err := v.check(); err != nil {
		return err
	}
	if err := compatible(v.desc, reflect.TypeOf(x)); err != nil {
		return err
	}
	if v.desc.Size == 0 {
		return nil
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&x)), v.desc.Size)
	n, err := v.scope.mem.WriteMemory(v.addr, buf)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	return err
}

// Interface reads the field into a dynamically typed Go value: bool,
// int64 for signed kinds, uint64 for unsigned kinds and pointers, float64
// for floats, []interface{} for arrays and map[string]interface{} for
// inline objects (pointer fields of objects are returned as addresses).
func (v Value) Interface() (interface{}, error) {
	switch v.desc.Kind {
	case reflect.Bool:
		return Read[bool](v)
	case reflect.Int8:
		x, err := Read[int8](v)
		return int64(x), err
	case reflect.Int16:
		x, err := Read[int16](v)
		return int64(x), err
	case reflect.Int32:
		x, err := Read[int32](v)
		return int64(x), err
	case reflect.Int64:
		return Read[int64](v)
	case reflect.Uint8:
		x, err := Read[uint8](v)
		return uint64(x), err
	case reflect.Uint16:
		x, err := Read[uint16](v)
		return uint64(x), err
	case reflect.Uint32:
		x, err := Read[uint32](v)
		return uint64(x), err
	case reflect.Uint64:
		return Read[uint64](v)
	case reflect.Uintptr, reflect.Ptr:
		x, err := Read[uintptr](v)
		return uint64(x), err
	case reflect.Float32:
		x, err := Read[float32](v)
		return float64(x), err
	case reflect.Float64:
		return Read[float64](v)
	case reflect.Array:
		r := make([]interface{}, v.desc.Len)
		for i := range r {
			e, err := v.Index(i)
			if err != nil {
				return nil, err
			}
			if r[i], err = e.Interface(); err != nil {
				return nil, err
			}
		}
		return r, nil
	case reflect.Struct:
		if v.desc.Layout == nil {
			return nil, fmt.Errorf("object %s has no layout", v.desc.Name)
		}
		r := make(map[string]interface{}, len(v.desc.Layout.Fields))
		for _, d := range v.desc.Layout.Fields {
			f, err := v.fieldAt(d)
			if err != nil {
				return nil, err
			}
			if r[d.Name], err = f.Interface(); err != nil {
				return nil, err
			}
		}
		return r, nil
	}
	return nil, &TypeMismatchError{Field: v.desc.Name, Want: v.desc.Kind.String(), Got: "interface{}"}
}

// Set writes a dynamically typed value (as produced by Interface, or by a
// script) to the field, converting it to the field's kind. Values that do
// not fit the field fail with a TypeMismatchError.
func (v Value) Set(x interface{}) error {
	mismatch := func() error {
		return &TypeMismatchError{Field: v.desc.Name, Want: v.desc.Kind.String(), Got: fmt.Sprintf("%T %v", x, x)}
	}
	switch v.desc.Kind {
	case reflect.Bool:
		b, ok := x.(bool)
		if !ok {
			return mismatch()
		}
		return Write(v, b)
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := toInt64(x)
		if !ok {
			return mismatch()
		}
		bits := 8 * v.desc.Size
		if bits < 64 && (n < -(1<<(bits-1)) || n >= 1<<(bits-1)) {
			return mismatch()
		}
		switch v.desc.Kind {
		case reflect.Int8:
			return Write(v, int8(n))
		case reflect.Int16:
			return Write(v, int16(n))
		case reflect.Int32:
			return Write(v, int32(n))
		}
		return Write(v, n)
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr, reflect.Ptr:
		n, ok := toUint64(x)
		if !ok {
			return mismatch()
		}
		bits := 8 * v.desc.Size
		if bits < 64 && n >= 1<<bits {
			return mismatch()
		}
		switch v.desc.Kind {
		case reflect.Uint8:
			return Write(v, uint8(n))
		case reflect.Uint16:
			return Write(v, uint16(n))
		case reflect.Uint32:
			return Write(v, uint32(n))
		case reflect.Uint64:
			return Write(v, n)
		}
		return Write(v, uintptr(n))
	case reflect.Float32:
		f, ok := toFloat64(x)
		if !ok {
			return mismatch()
		}
		return Write(v, float32(f))
	case reflect.Float64:
		f, ok := toFloat64(x)
		if !ok {
			return mismatch()
		}
		return Write(v, f)
	case reflect.Array:
		elems, ok := x.([]interface{})
		if !ok || len(elems) != v.desc.Len {
			return mismatch()
		}
		for i := range elems {
			e, err := v.Index(i)
			if err != nil {
				return err
			}
			if err := e.Set(elems[i]); err != nil {
				return err
			}
		}
		return nil
	}
	return mismatch()
}

func toInt64(x interface{}) (int64, bool) {
	switch x := x.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case float64:
		if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	}
	return 0, false
}

func toUint64(x interface{}) (uint64, bool) {
	switch x := x.(type) {
	case uint64:
		return x, true
	case uint:
		return uint64(x), true
	case uintptr:
		return uint64(x), true
	default:
		n, ok := toInt64(x)
		if !ok || n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
}

func toFloat64(x interface{}) (float64, bool) {
	switch x := x.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	if n, ok := toInt64(x); ok {
		return float64(n), true
	}
	return 0, false
}
