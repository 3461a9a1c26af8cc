package script

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
)

// toStarlark converts a value copied out of a foreign object (see
// foreign.Value.Interface) into a starlark value.
func toStarlark(v interface{}) starlark.Value {
	switch v := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(v)
	case int64:
		return starlark.MakeInt64(v)
	case int:
		return starlark.MakeInt(v)
	case uint64:
		return starlark.MakeUint64(v)
	case float64:
		return starlark.Float(v)
	case string:
		return starlark.String(v)
	case error:
		return starlark.String(v.Error())
	case []interface{}:
		elems := make([]starlark.Value, len(v))
		for i := range v {
			elems[i] = toStarlark(v[i])
		}
		return starlark.NewList(elems)
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(v))
		for _, k := range keys {
			d.SetKey(starlark.String(k), toStarlark(v[k]))
		}
		return d
	default:
		return starlark.String(fmt.Sprintf("%v", v))
	}
}

// fromStarlark converts a script value into one accepted by
// foreign.Value.Set.
func fromStarlark(v starlark.Value) (interface{}, error) {
	switch v := v.(type) {
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		if n, ok := v.Int64(); ok {
			return n, nil
		}
		if n, ok := v.Uint64(); ok {
			return n, nil
		}
		return nil, fmt.Errorf("integer %s out of range", v)
	case starlark.Float:
		return float64(v), nil
	case *starlark.List:
		return fromIterable(v)
	case starlark.Tuple:
		return fromIterable(v)
	default:
		return nil, fmt.Errorf("can not assign a %s to a field", v.Type())
	}
}

func fromIterable(v starlark.Indexable) (interface{}, error) {
	r := make([]interface{}, v.Len())
	for i := range r {
		x, err := fromStarlark(v.Index(i))
		if err != nil {
			return nil, fmt.Errorf("element %d: %v", i, err)
		}
		r[i] = x
	}
	return r, nil
}
