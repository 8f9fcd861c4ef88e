package structured

import (
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// maxSafeInteger is Number.MAX_SAFE_INTEGER.
const maxSafeInteger = 1<<53 - 1

// typedArrays are the view constructors cloned as raw bytes. Uint8Array and
// Uint8ClampedArray map to []byte, the rest to TypedArray.
var typedArrays = map[string]bool{
	"Int8Array":         true,
	"Uint8Array":        true,
	"Uint8ClampedArray": true,
	"Int16Array":        true,
	"Uint16Array":       true,
	"Int32Array":        true,
	"Uint32Array":       true,
	"Float32Array":      true,
	"Float64Array":      true,
	"BigInt64Array":     true,
	"BigUint64Array":    true,
	"DataView":          true,
}

// notCloneableClasses are object classes the algorithm refuses outright.
var notCloneableClasses = map[string]bool{
	"Function": true,
	"Promise":  true,
	"Symbol":   true,
	"WeakMap":  true,
	"WeakSet":  true,
	"WeakRef":  true,
}

// errorConstructors are the native error types reconstructed by name.
var errorConstructors = map[string]bool{
	"Error":          true,
	"EvalError":      true,
	"RangeError":     true,
	"ReferenceError": true,
	"SyntaxError":    true,
	"TypeError":      true,
	"URIError":       true,
}

type jsCloner struct {
	vm       *goja.Runtime
	memo     map[*goja.Object]any
	transfer map[*goja.Object]goja.ArrayBuffer
	toString goja.Callable
	getTime  goja.Callable
}

// FromJS clones a JS value into the neutral Go representation. Each entry
// of transfer must be a distinct ArrayBuffer; transferred buffers are moved
// into the result without copying and detached from the JS side once the
// clone succeeds.
//
// FromJS must be called on the goroutine that owns vm.
func FromJS(vm *goja.Runtime, v goja.Value, transfer ...goja.Value) (any, error) {
	c := &jsCloner{vm: vm, memo: make(map[*goja.Object]any)}
	if len(transfer) > 0 {
		c.transfer = make(map[*goja.Object]goja.ArrayBuffer, len(transfer))
		for _, t := range transfer {
			obj, ok := t.(*goja.Object)
			if !ok || c.tag(obj) != "ArrayBuffer" {
				return nil, notCloneable(typeName(t), "transfer list entries must be ArrayBuffers")
			}
			if _, dup := c.transfer[obj]; dup {
				return nil, notCloneable("ArrayBuffer", "duplicate entry in transfer list")
			}
			ab, ok := obj.Export().(goja.ArrayBuffer)
			if !ok {
				return nil, notCloneable("ArrayBuffer", "not an ArrayBuffer")
			}
			if ab.Detached() {
				return nil, notCloneable("ArrayBuffer", "buffer is already detached")
			}
			c.transfer[obj] = ab
		}
	}

	out, err := c.clone(v)
	if err != nil {
		return nil, err
	}
	for _, ab := range c.transfer {
		ab.Detach()
	}
	return out, nil
}

func (c *jsCloner) clone(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) {
		return Undefined, nil
	}
	if goja.IsNull(v) {
		return nil, nil
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return c.primitive(v)
	}
	if out, ok := c.memo[obj]; ok {
		return out, nil
	}

	if _, isFunc := goja.AssertFunction(obj); isFunc {
		return nil, notCloneable("Function", "functions cannot be cloned")
	}

	class := c.tag(obj)
	switch {
	case notCloneableClasses[class]:
		return nil, notCloneable(class, "objects of this class cannot be cloned")
	case class == "Array":
		return c.cloneArray(obj)
	case class == "Date":
		return c.cloneDate(obj)
	case class == "RegExp":
		return RegExp{Source: obj.Get("source").String(), Flags: obj.Get("flags").String()}, nil
	case class == "Error":
		return c.cloneError(obj), nil
	case class == "ArrayBuffer":
		return c.arrayBuffer(obj)
	case typedArrays[class]:
		return c.view(obj, class)
	case class == "Map":
		return c.cloneMap(obj)
	case class == "Set":
		return c.cloneSet(obj)
	case class == "Boolean" || class == "Number" || class == "String" || class == "BigInt":
		return c.primitive(c.vm.ToValue(obj.Export()))
	}

	out := make(map[string]any)
	c.memo[obj] = out
	for _, key := range obj.Keys() {
		v, err := c.clone(obj.Get(key))
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func (c *jsCloner) primitive(v goja.Value) (any, error) {
	if _, ok := v.(*goja.Symbol); ok {
		return nil, notCloneable("Symbol", "symbols cannot be cloned")
	}
	switch x := v.Export().(type) {
	case bool, string:
		return x, nil
	case int64:
		return x, nil
	case float64:
		return normalizeNumber(x), nil
	case *big.Int:
		return new(big.Int).Set(x), nil
	default:
		return nil, notCloneable(typeName(v), "unsupported primitive")
	}
}

// normalizeNumber reports integral finite numbers in the safe range as
// int64, keeping -0, fractions and non-finite values as float64.
func normalizeNumber(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger && !(f == 0 && math.Signbit(f)) {
		return int64(f)
	}
	return f
}

// cloneDate reads the time value with Date.prototype.getTime, which covers
// the whole Date range and NaN.
func (c *jsCloner) cloneDate(obj *goja.Object) (any, error) {
	if c.getTime == nil {
		proto := c.vm.Get("Date").ToObject(c.vm).Get("prototype").ToObject(c.vm)
		fn, ok := goja.AssertFunction(proto.Get("getTime"))
		if !ok {
			return nil, notCloneable("Date", "Date.prototype.getTime is not callable")
		}
		c.getTime = fn
	}
	v, err := c.getTime(obj)
	if err != nil {
		return nil, err
	}
	ms := v.ToFloat()
	if math.IsNaN(ms) {
		return InvalidDate, nil
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func (c *jsCloner) cloneArray(obj *goja.Object) (any, error) {
	n := obj.Get("length").ToInteger()
	out := make([]any, n)
	c.memo[obj] = out
	for i := int64(0); i < n; i++ {
		v, err := c.clone(obj.Get(strconv.FormatInt(i, 10)))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *jsCloner) cloneError(obj *goja.Object) *Error {
	e := &Error{Name: "Error"}
	if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
		e.Name = name.String()
	}
	if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
		e.Message = msg.String()
	}
	if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
		e.Stack = stack.String()
	}
	c.memo[obj] = e
	return e
}

func (c *jsCloner) arrayBuffer(obj *goja.Object) (any, error) {
	ab, ok := obj.Export().(goja.ArrayBuffer)
	if !ok {
		return nil, notCloneable("ArrayBuffer", "not an ArrayBuffer")
	}
	if ab.Detached() {
		return nil, notCloneable("ArrayBuffer", "buffer is detached")
	}
	var out []byte
	if _, moved := c.transfer[obj]; moved {
		out = ab.Bytes()
	} else {
		out = append([]byte(nil), ab.Bytes()...)
	}
	c.memo[obj] = out
	return out, nil
}

func (c *jsCloner) view(obj *goja.Object, class string) (any, error) {
	bufObj, ok := obj.Get("buffer").(*goja.Object)
	if !ok {
		return nil, notCloneable(class, "view has no buffer")
	}
	ab, ok := bufObj.Export().(goja.ArrayBuffer)
	if !ok || ab.Detached() {
		return nil, notCloneable(class, "view buffer is detached")
	}
	offset := obj.Get("byteOffset").ToInteger()
	length := obj.Get("byteLength").ToInteger()
	data := ab.Bytes()
	if offset < 0 || length < 0 || offset+length > int64(len(data)) {
		return nil, notCloneable(class, "view is out of bounds")
	}
	raw := append([]byte(nil), data[offset:offset+length]...)

	var out any = raw
	if class != "Uint8Array" && class != "Uint8ClampedArray" {
		out = TypedArray{Type: class, Bytes: raw}
	}
	c.memo[obj] = out
	return out, nil
}

func (c *jsCloner) entries(obj *goja.Object) ([]goja.Value, error) {
	from, ok := goja.AssertFunction(c.vm.Get("Array").ToObject(c.vm).Get("from"))
	if !ok {
		return nil, notCloneable(c.tag(obj), "Array.from is unavailable")
	}
	list, err := from(goja.Undefined(), obj)
	if err != nil {
		return nil, notCloneable(c.tag(obj), err.Error())
	}
	arr := list.ToObject(c.vm)
	n := arr.Get("length").ToInteger()
	out := make([]goja.Value, 0, n)
	for i := int64(0); i < n; i++ {
		out = append(out, arr.Get(strconv.FormatInt(i, 10)))
	}
	return out, nil
}

func (c *jsCloner) cloneMap(obj *goja.Object) (any, error) {
	pairs, err := c.entries(obj)
	if err != nil {
		return nil, err
	}
	out := &Map{Entries: make([]Entry, 0, len(pairs))}
	c.memo[obj] = out
	for _, pair := range pairs {
		p := pair.ToObject(c.vm)
		k, err := c.clone(p.Get("0"))
		if err != nil {
			return nil, err
		}
		v, err := c.clone(p.Get("1"))
		if err != nil {
			return nil, err
		}
		out.Entries = append(out.Entries, Entry{Key: k, Value: v})
	}
	return out, nil
}

func (c *jsCloner) cloneSet(obj *goja.Object) (any, error) {
	items, err := c.entries(obj)
	if err != nil {
		return nil, err
	}
	out := &Set{Values: make([]any, 0, len(items))}
	c.memo[obj] = out
	for _, item := range items {
		v, err := c.clone(item)
		if err != nil {
			return nil, err
		}
		out.Values = append(out.Values, v)
	}
	return out, nil
}

// tag returns the builtin tag of obj as reported by
// Object.prototype.toString, e.g. "Map" or "Uint8Array".
func (c *jsCloner) tag(obj *goja.Object) string {
	if c.toString == nil {
		proto := c.vm.Get("Object").ToObject(c.vm).Get("prototype").ToObject(c.vm)
		fn, ok := goja.AssertFunction(proto.Get("toString"))
		if !ok {
			return obj.ClassName()
		}
		c.toString = fn
	}
	v, err := c.toString(obj)
	if err != nil {
		return obj.ClassName()
	}
	return strings.TrimSuffix(strings.TrimPrefix(v.String(), "[object "), "]")
}

func typeName(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		return obj.ClassName()
	}
	return v.ExportType().String()
}

type jsBuilder struct {
	vm   *goja.Runtime
	memo map[ref]*goja.Object
}

// ToJS materializes a neutral value inside vm. Byte slices are copied into
// fresh buffers. Values outside the neutral representation are passed to
// vm.ToValue unchanged.
//
// ToJS must be called on the goroutine that owns vm.
func ToJS(vm *goja.Runtime, v any) (goja.Value, error) {
	b := &jsBuilder{vm: vm, memo: make(map[ref]*goja.Object)}
	return b.build(v)
}

func (b *jsBuilder) build(v any) (goja.Value, error) {
	switch x := v.(type) {
	case nil:
		return goja.Null(), nil
	case undefined:
		return goja.Undefined(), nil
	case bool, string, int64, float64:
		return b.vm.ToValue(x), nil
	case *big.Int:
		return b.vm.ToValue(new(big.Int).Set(x)), nil
	case time.Time:
		return b.construct("Date", b.vm.ToValue(float64(x.UnixMilli())))
	case invalidDate:
		return b.construct("Date", b.vm.ToValue(math.NaN()))
	case RegExp:
		return b.construct("RegExp", b.vm.ToValue(x.Source), b.vm.ToValue(x.Flags))
	case []byte:
		buf := b.vm.NewArrayBuffer(append([]byte(nil), x...))
		return b.construct("Uint8Array", b.vm.ToValue(buf))
	case TypedArray:
		buf := b.vm.NewArrayBuffer(append([]byte(nil), x.Bytes...))
		return b.construct(x.Type, b.vm.ToValue(buf))
	case *Error:
		return b.buildError(x)
	case []any:
		return b.buildArray(x)
	case map[string]any:
		return b.buildObject(x)
	case *Map:
		return b.buildMap(x)
	case *Set:
		return b.buildSet(x)
	default:
		return b.vm.ToValue(x), nil
	}
}

func (b *jsBuilder) construct(name string, args ...goja.Value) (goja.Value, error) {
	obj, err := b.vm.New(b.vm.Get(name), args...)
	if err != nil {
		return nil, notCloneable(name, err.Error())
	}
	return obj, nil
}

func (b *jsBuilder) buildError(e *Error) (goja.Value, error) {
	ctor := "Error"
	if errorConstructors[e.Name] {
		ctor = e.Name
	}
	v, err := b.construct(ctor, b.vm.ToValue(e.Message))
	if err != nil {
		return nil, err
	}
	obj := v.(*goja.Object)
	if e.Name != ctor {
		_ = obj.Set("name", e.Name)
	}
	if e.Stack != "" {
		_ = obj.Set("stack", e.Stack)
	}
	return obj, nil
}

func (b *jsBuilder) buildArray(items []any) (goja.Value, error) {
	if len(items) > 0 {
		key := ref{t: sliceType, p: uintptrOf(items), n: len(items)}
		if obj, ok := b.memo[key]; ok {
			return obj, nil
		}
		arr := b.vm.NewArray()
		b.memo[key] = arr
		return arr, b.fillArray(arr, items)
	}
	return b.vm.NewArray(), nil
}

func (b *jsBuilder) fillArray(arr *goja.Object, items []any) error {
	for i, item := range items {
		v, err := b.build(item)
		if err != nil {
			return err
		}
		if err := arr.Set(strconv.Itoa(i), v); err != nil {
			return err
		}
	}
	return nil
}

func (b *jsBuilder) buildObject(m map[string]any) (goja.Value, error) {
	key := ref{t: objectType, p: uintptrOf(m)}
	if obj, ok := b.memo[key]; ok {
		return obj, nil
	}
	obj := b.vm.NewObject()
	b.memo[key] = obj

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := b.build(m[k])
		if err != nil {
			return nil, err
		}
		if err := obj.Set(k, v); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func (b *jsBuilder) buildMap(m *Map) (goja.Value, error) {
	key := ref{t: jsMapType, p: uintptrOf(m)}
	if obj, ok := b.memo[key]; ok {
		return obj, nil
	}
	v, err := b.construct("Map")
	if err != nil {
		return nil, err
	}
	obj := v.(*goja.Object)
	b.memo[key] = obj
	set, ok := goja.AssertFunction(obj.Get("set"))
	if !ok {
		return nil, notCloneable("Map", "Map.prototype.set is unavailable")
	}
	for _, e := range m.Entries {
		k, err := b.build(e.Key)
		if err != nil {
			return nil, err
		}
		val, err := b.build(e.Value)
		if err != nil {
			return nil, err
		}
		if _, err := set(obj, k, val); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func (b *jsBuilder) buildSet(s *Set) (goja.Value, error) {
	key := ref{t: jsSetType, p: uintptrOf(s)}
	if obj, ok := b.memo[key]; ok {
		return obj, nil
	}
	v, err := b.construct("Set")
	if err != nil {
		return nil, err
	}
	obj := v.(*goja.Object)
	b.memo[key] = obj
	add, ok := goja.AssertFunction(obj.Get("add"))
	if !ok {
		return nil, notCloneable("Set", "Set.prototype.add is unavailable")
	}
	for _, item := range s.Values {
		val, err := b.build(item)
		if err != nil {
			return nil, err
		}
		if _, err := add(obj, val); err != nil {
			return nil, err
		}
	}
	return obj, nil
}
