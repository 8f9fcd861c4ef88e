package structured

import (
	"math"
	"math/big"
	"reflect"
	"time"
)

// Circular replaces a reference back to a value that is still being
// converted by Plain.
const Circular = "[Circular]"

// Plain converts a cloned value into one encoding/json can marshal, the way
// a console would print it: undefined, invalid dates and non-finite numbers
// become nil, Maps become arrays of [key, value] pairs, Sets become arrays,
// errors become {name, message} objects, bigints become decimal strings and
// byte buffers become arrays of numbers.
func Plain(v any) any {
	return plainValue(v, make(map[uintptr]bool))
}

func plainValue(v any, active map[uintptr]bool) any {
	switch x := v.(type) {
	case nil, undefined, invalidDate:
		return nil
	case bool, string, int64:
		return x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case *big.Int:
		if x == nil {
			return nil
		}
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case RegExp:
		return "/" + x.Source + "/" + x.Flags
	case []byte:
		return bytesPlain(x)
	case TypedArray:
		return bytesPlain(x.Bytes)
	case *Error:
		if x == nil {
			return nil
		}
		return map[string]any{"name": x.Name, "message": x.Message}
	}

	ptr, ok := identity(v)
	if ok {
		if active[ptr] {
			return Circular
		}
		active[ptr] = true
		defer delete(active, ptr)
	}

	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plainValue(e, active)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plainValue(e, active)
		}
		return out
	case *Map:
		out := make([]any, 0, len(x.Entries))
		for _, e := range x.Entries {
			out = append(out, []any{plainValue(e.Key, active), plainValue(e.Value, active)})
		}
		return out
	case *Set:
		out := make([]any, 0, len(x.Values))
		for _, e := range x.Values {
			out = append(out, plainValue(e, active))
		}
		return out
	}
	return v
}

// identity returns the address behind a reference value that may take part
// in a cycle.
func identity(v any) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Pointer:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	case reflect.Slice:
		if rv.Len() == 0 {
			return 0, false
		}
		return rv.Pointer(), true
	}
	return 0, false
}

func bytesPlain(b []byte) []any {
	out := make([]any, len(b))
	for i, c := range b {
		out[i] = int64(c)
	}
	return out
}
