package structured

import (
	"math"
	"math/big"
	"reflect"
	"strings"
	"time"
)

var (
	errorType   = reflect.TypeFor[error]()
	timeType    = reflect.TypeFor[time.Time]()
	bigIntType  = reflect.TypeFor[big.Int]()
	undefType   = reflect.TypeFor[undefined]()
	invalidType = reflect.TypeFor[invalidDate]()
	regexpType  = reflect.TypeFor[RegExp]()
	typedType   = reflect.TypeFor[TypedArray]()
	mapType     = reflect.TypeFor[Map]()
	setType     = reflect.TypeFor[Set]()
	jsErrorType = reflect.TypeFor[Error]()

	sliceType  = reflect.TypeFor[[]any]()
	objectType = reflect.TypeFor[map[string]any]()
	jsMapType  = reflect.TypeFor[*Map]()
	jsSetType  = reflect.TypeFor[*Set]()
)

func uintptrOf(v any) uintptr {
	return reflect.ValueOf(v).Pointer()
}

// ref identifies a reference-typed Go value for cycle detection.
type ref struct {
	t reflect.Type
	p uintptr
	n int
}

type cloner struct {
	memo     map[ref]any
	transfer map[uintptr]struct{}
}

// Clone converts an arbitrary Go value into the neutral representation,
// deep-copying it. Byte slices listed in transfer are moved rather than
// copied: the caller gives up ownership of them.
//
// Structs are cloned as plain objects using their exported fields and json
// tags. Maps keyed by strings become plain objects, other maps become *Map.
// Non-nil errors that are not *Error become *Error.
func Clone(v any, transfer ...[]byte) (any, error) {
	c := &cloner{memo: make(map[ref]any)}
	if len(transfer) > 0 {
		c.transfer = make(map[uintptr]struct{}, len(transfer))
		for _, b := range transfer {
			if len(b) == 0 {
				continue
			}
			p := reflect.ValueOf(b).Pointer()
			if _, dup := c.transfer[p]; dup {
				return nil, notCloneable("[]byte", "duplicate entry in transfer list")
			}
			c.transfer[p] = struct{}{}
		}
	}
	return c.clone(reflect.ValueOf(v))
}

func (c *cloner) clone(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return c.clone(rv.Elem())
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
	}

	if out, ok, err := c.special(rv); ok || err != nil {
		return out, err
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return float64(u), nil
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Pointer:
		return c.clonePointer(rv)
	case reflect.Map:
		return c.cloneMap(rv)
	case reflect.Slice, reflect.Array:
		return c.cloneList(rv)
	case reflect.Struct:
		out := make(map[string]any)
		return out, c.fillStruct(out, rv)
	default:
		return nil, notCloneable(rv.Type().String(), "unsupported kind "+rv.Kind().String())
	}
}

// special handles the types with a dedicated neutral representation.
func (c *cloner) special(rv reflect.Value) (any, bool, error) {
	t := rv.Type()
	switch t {
	case undefType:
		return Undefined, true, nil
	case invalidType:
		return InvalidDate, true, nil
	case timeType:
		return rv.Interface().(time.Time), true, nil
	case bigIntType:
		return new(big.Int).Set(ptrTo(rv).Interface().(*big.Int)), true, nil
	case regexpType:
		return rv.Interface().(RegExp), true, nil
	case typedType:
		v := rv.Interface().(TypedArray)
		return TypedArray{Type: v.Type, Bytes: c.bytes(v.Bytes)}, true, nil
	case mapType, setType, jsErrorType:
		return c.special(ptrTo(rv))
	}

	if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
		return c.bytes(rv.Bytes()), true, nil
	}

	if t.Kind() == reflect.Pointer {
		switch v := rv.Interface().(type) {
		case *big.Int:
			return new(big.Int).Set(v), true, nil
		case *Map:
			out, err := c.cloneJSMap(rv, v)
			return out, true, err
		case *Set:
			out, err := c.cloneJSSet(rv, v)
			return out, true, err
		case *Error:
			cp := *v
			return &cp, true, nil
		}
	}

	if t.Implements(errorType) && (rv.Kind() != reflect.Pointer || !rv.IsNil()) {
		err := rv.Interface().(error)
		return &Error{Name: "Error", Message: err.Error()}, true, nil
	}

	switch t.Kind() {
	case reflect.Func, reflect.Chan, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return nil, false, notCloneable(t.String(), t.Kind().String()+" values cannot be cloned")
	}
	return nil, false, nil
}

// ptrTo returns an addressable pointer to a copy of rv.
func ptrTo(rv reflect.Value) reflect.Value {
	p := reflect.New(rv.Type())
	p.Elem().Set(rv)
	return p
}

func (c *cloner) bytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	if len(b) > 0 && c.transfer != nil {
		if _, ok := c.transfer[reflect.ValueOf(b).Pointer()]; ok {
			return b
		}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (c *cloner) clonePointer(rv reflect.Value) (any, error) {
	key := ref{t: rv.Type(), p: rv.Pointer()}
	if out, ok := c.memo[key]; ok {
		return out, nil
	}
	elem := rv.Elem()
	if elem.Kind() == reflect.Struct {
		out := make(map[string]any)
		c.memo[key] = out
		return out, c.fillStruct(out, elem)
	}
	return c.clone(elem)
}

func (c *cloner) cloneMap(rv reflect.Value) (any, error) {
	key := ref{t: rv.Type(), p: rv.Pointer()}
	if out, ok := c.memo[key]; ok {
		return out, nil
	}

	if rv.Type().Key().Kind() == reflect.String {
		out := make(map[string]any, rv.Len())
		c.memo[key] = out
		iter := rv.MapRange()
		for iter.Next() {
			v, err := c.clone(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = v
		}
		return out, nil
	}

	out := &Map{Entries: make([]Entry, 0, rv.Len())}
	c.memo[key] = out
	iter := rv.MapRange()
	for iter.Next() {
		k, err := c.clone(iter.Key())
		if err != nil {
			return nil, err
		}
		v, err := c.clone(iter.Value())
		if err != nil {
			return nil, err
		}
		out.Entries = append(out.Entries, Entry{Key: k, Value: v})
	}
	return out, nil
}

func (c *cloner) cloneList(rv reflect.Value) (any, error) {
	n := rv.Len()
	out := make([]any, n)
	if rv.Kind() == reflect.Slice && n > 0 {
		key := ref{t: rv.Type(), p: rv.Pointer(), n: n}
		if prev, ok := c.memo[key]; ok {
			return prev, nil
		}
		c.memo[key] = out
	}
	for i := 0; i < n; i++ {
		v, err := c.clone(rv.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *cloner) cloneJSMap(rv reflect.Value, m *Map) (any, error) {
	key := ref{t: rv.Type(), p: rv.Pointer()}
	if out, ok := c.memo[key]; ok {
		return out, nil
	}
	out := &Map{Entries: make([]Entry, 0, len(m.Entries))}
	c.memo[key] = out
	for _, e := range m.Entries {
		k, err := c.clone(reflect.ValueOf(e.Key))
		if err != nil {
			return nil, err
		}
		v, err := c.clone(reflect.ValueOf(e.Value))
		if err != nil {
			return nil, err
		}
		out.Entries = append(out.Entries, Entry{Key: k, Value: v})
	}
	return out, nil
}

func (c *cloner) cloneJSSet(rv reflect.Value, s *Set) (any, error) {
	key := ref{t: rv.Type(), p: rv.Pointer()}
	if out, ok := c.memo[key]; ok {
		return out, nil
	}
	out := &Set{Values: make([]any, 0, len(s.Values))}
	c.memo[key] = out
	for _, item := range s.Values {
		v, err := c.clone(reflect.ValueOf(item))
		if err != nil {
			return nil, err
		}
		out.Values = append(out.Values, v)
	}
	return out, nil
}

func (c *cloner) fillStruct(out map[string]any, rv reflect.Value) error {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, omitEmpty, skip := fieldName(f)
		if skip {
			continue
		}
		fv := rv.Field(i)

		if f.Anonymous && name == "" {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct && inner.Type() != timeType {
				if err := c.fillStruct(out, inner); err != nil {
					return err
				}
				continue
			}
		}
		if name == "" {
			name = f.Name
		}
		if omitEmpty && fv.IsZero() {
			continue
		}
		v, err := c.clone(fv)
		if err != nil {
			return err
		}
		out[name] = v
	}
	return nil
}

// fieldName reads the json tag of a struct field.
func fieldName(f reflect.StructField) (name string, omitEmpty, skip bool) {
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return "", false, false
	}
	if tag == "-" {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == "omitempty" || opt == "omitzero" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}
