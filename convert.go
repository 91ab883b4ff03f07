package gotov8

import (
	"context"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	v8 "github.com/tommie/v8go"
)

// MaxArrayLength is the largest guest array converted or indexed.
const MaxArrayLength = 50_000_000

// maxConvertDepth bounds host→guest recursion, catching pointer cycles.
const maxConvertDepth = 512

// conversion is one top-level guest→host conversion. Guest objects already
// seen during it come back as CircularReference.
type conversion struct {
	p       *Program
	deep    bool
	seen    map[int32]struct{}
	visited int
}

func (p *Program) toHost(s *scope, v *v8.Value) (any, error) {
	c := &conversion{p: p}
	return c.toHost(v)
}

// toData converts v deeply and reports how many containers it materialized.
func (p *Program) toData(s *scope, v *v8.Value) (any, int, error) {
	c := &conversion{p: p, deep: true}
	out, err := c.toHost(v)
	return out, c.visited, err
}

func (c *conversion) toHost(v *v8.Value) (any, error) {
	switch {
	case v == nil || v.IsNullOrUndefined():
		return nil, nil
	case v.IsInt32():
		return int64(v.Int32()), nil
	case v.IsUint32():
		return int64(v.Uint32()), nil
	case v.IsBigInt():
		return bigToHost(v.BigInt()), nil
	case v.IsBoolean():
		return v.Boolean(), nil
	case v.IsString():
		return v.String(), nil
	case v.IsNumber():
		return v.Number(), nil
	case v.IsDate():
		return time.UnixMilli(int64(v.Number())).UTC(), nil
	case v.IsArray():
		return c.array(v)
	case v.IsPromise():
		return c.p.wrapPromise(v)
	case v.IsObject():
		obj, err := v.AsObject()
		if err != nil {
			return nil, newError(KindTypeConversion, "convert.to_host").Cause(err).Build()
		}
		if c.deep && !v.IsFunction() {
			return c.object(obj)
		}
		return c.p.wrapObject(obj), nil
	}
	return nil, newError(KindTypeConversion, "convert.to_host").
		Detail("Cannot convert v8 '%s' value", c.p.typeOf(v)).Build()
}

func bigToHost(b *big.Int) any {
	switch {
	case b == nil:
		return nil
	case b.IsInt64():
		return b.Int64()
	case b.IsUint64():
		return b.Uint64()
	}
	return Number(b.String())
}

// enter marks obj as visited. It reports false when obj was seen before.
func (c *conversion) enter(obj *v8.Object) (bool, error) {
	id, err := c.p.helpers.identity.Call(v8.Undefined(c.p.iso), obj)
	if err != nil {
		return false, newError(KindTypeConversion, "convert.to_host").Cause(c.p.guestException(err)).Build()
	}
	if c.seen == nil {
		c.seen = make(map[int32]struct{})
	}
	key := id.Int32()
	if _, ok := c.seen[key]; ok {
		return false, nil
	}
	c.seen[key] = struct{}{}
	c.visited++
	return true, nil
}

func (c *conversion) array(v *v8.Value) (any, error) {
	obj, err := v.AsObject()
	if err != nil {
		return nil, newError(KindTypeConversion, "convert.to_host").Cause(err).Build()
	}
	if first, err := c.enter(obj); err != nil {
		return nil, err
	} else if !first {
		return CircularReference{}, nil
	}
	n := arrayLength(obj)
	if n > MaxArrayLength {
		return nil, newError(KindIndexOutOfRange, "convert.to_host").
			Detail("array length %d exceeds %d", n, MaxArrayLength).Build()
	}
	out := make([]any, n)
	for i := uint32(0); i < n; i++ {
		elem, err := obj.GetIdx(i)
		if err != nil {
			return nil, newError(KindTypeConversion, "convert.to_host").
				Path("["+strconv.Itoa(int(i))+"]").Cause(c.p.guestException(err)).Build()
		}
		if out[i], err = c.toHost(elem); err != nil {
			return nil, withPath(err, "["+strconv.Itoa(int(i))+"]")
		}
	}
	return out, nil
}

func (c *conversion) object(obj *v8.Object) (any, error) {
	if first, err := c.enter(obj); err != nil {
		return nil, err
	} else if !first {
		return CircularReference{}, nil
	}
	keys, err := c.p.keysOf(obj)
	if err != nil {
		return nil, newError(KindTypeConversion, "convert.to_host").Cause(err).Build()
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		val, err := obj.Get(k)
		if err != nil {
			return nil, newError(KindTypeConversion, "convert.to_host").
				Path(k).Cause(c.p.guestException(err)).Build()
		}
		if out[k], err = c.toHost(val); err != nil {
			return nil, withPath(err, k)
		}
	}
	return out, nil
}

func arrayLength(obj *v8.Object) uint32 {
	l, err := obj.Get("length")
	if err != nil || !l.IsNumber() {
		return 0
	}
	return l.Uint32()
}

func (p *Program) keysOf(obj *v8.Object) ([]string, error) {
	val, err := p.helpers.keys.Call(v8.Undefined(p.iso), obj)
	if err != nil {
		return nil, p.guestException(err)
	}
	arr, err := val.AsObject()
	if err != nil {
		return nil, err
	}
	n := arrayLength(arr)
	keys := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := arr.GetIdx(i)
		if err != nil {
			return nil, p.guestException(err)
		}
		keys = append(keys, k.String())
	}
	return keys, nil
}

func (p *Program) typeOf(v *v8.Value) string {
	if p.helpers == nil {
		return "unknown"
	}
	t, err := p.helpers.typeOf.Call(v8.Undefined(p.iso), v)
	if err != nil {
		return "unknown"
	}
	return t.String()
}

// handler is implemented by wrappers around guest values.
type handler interface {
	handle() (*Program, *v8.Value)
}

var funcType = reflect.TypeOf(Func(nil))

func (p *Program) toGuest(s *scope, v any) (*v8.Value, error) {
	return p.guestValue(s, v, 0)
}

func (p *Program) guestValue(s *scope, v any, depth int) (*v8.Value, error) {
	if depth > maxConvertDepth {
		return nil, newError(KindTypeConversion, "convert.to_guest").
			Detail("value nests deeper than %d levels", maxConvertDepth).Build()
	}
	switch x := v.(type) {
	case nil:
		return v8.Null(p.iso), nil
	case *v8.Value:
		return x, nil
	case *v8.Object:
		return x.Value, nil
	case handler:
		owner, h := x.handle()
		if owner != p {
			return nil, newError(KindTypeConversion, "convert.to_guest").
				Detail("the wrapped value belongs to a different Program").Build()
		}
		if h == nil {
			return nil, newError(KindTypeConversion, "convert.to_guest").
				Detail("the wrapped value has been released").Build()
		}
		return h, nil
	case *CallRef:
		return p.guestValue(s, x.fn, depth)
	case bool:
		return p.primitive(x)
	case string:
		return p.primitive(x)
	case int:
		return p.intToGuest(int64(x))
	case int8:
		return p.intToGuest(int64(x))
	case int16:
		return p.intToGuest(int64(x))
	case int32:
		return p.intToGuest(int64(x))
	case int64:
		return p.intToGuest(x)
	case uint:
		return p.uintToGuest(uint64(x))
	case uint8:
		return p.uintToGuest(uint64(x))
	case uint16:
		return p.uintToGuest(uint64(x))
	case uint32:
		return p.uintToGuest(uint64(x))
	case uint64:
		return p.uintToGuest(x)
	case float32:
		return p.primitive(float64(x))
	case float64:
		return p.primitive(x)
	case *big.Int:
		if x == nil {
			return v8.Null(p.iso), nil
		}
		return p.bigToGuest(x)
	case Number:
		if b, ok := x.BigInt(); ok {
			return p.bigToGuest(b)
		}
		f, err := x.Float64()
		if err != nil {
			return nil, newError(KindTypeConversion, "convert.to_guest").
				Detail("Cannot convert Number %q", string(x)).Build()
		}
		return p.primitive(f)
	case []byte:
		text, err := p.decoder.String(x)
		if err != nil {
			return nil, newError(KindTypeConversion, "convert.to_guest").
				Detail("Cannot transcode bytes from %s", p.decoder.Name()).Cause(err).Build()
		}
		return p.primitive(text)
	case time.Time:
		return p.primitive(x.Format(time.RFC3339Nano))
	case Func:
		return p.mintFunction(s, x, x)
	case func(context.Context, ...any) (any, error):
		return p.mintFunction(s, Func(x), x)
	case Callable:
		return p.mintFunction(s, x.Call, x)
	}
	return p.reflectToGuest(s, reflect.ValueOf(v), depth)
}

func (p *Program) primitive(v any) (*v8.Value, error) {
	val, err := v8.NewValue(p.iso, v)
	if err != nil {
		return nil, newError(KindTypeConversion, "convert.to_guest").Cause(err).Build()
	}
	return val, nil
}

// intToGuest picks the narrowest lossless guest form: int32, uint32, BigInt.
func (p *Program) intToGuest(i int64) (*v8.Value, error) {
	switch {
	case i >= math.MinInt32 && i <= math.MaxInt32:
		return p.primitive(int32(i))
	case i >= 0 && i <= math.MaxUint32:
		return p.primitive(uint32(i))
	}
	return p.primitive(i)
}

func (p *Program) uintToGuest(u uint64) (*v8.Value, error) {
	switch {
	case u <= math.MaxInt32:
		return p.primitive(int32(u))
	case u <= math.MaxUint32:
		return p.primitive(uint32(u))
	}
	return p.primitive(u)
}

func (p *Program) bigToGuest(b *big.Int) (*v8.Value, error) {
	switch {
	case b.IsInt64():
		return p.intToGuest(b.Int64())
	case b.IsUint64():
		return p.uintToGuest(b.Uint64())
	}
	return p.primitive(b)
}

func (p *Program) reflectToGuest(s *scope, rv reflect.Value, depth int) (*v8.Value, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return v8.Null(p.iso), nil
		}
		return p.guestValue(s, rv.Elem().Interface(), depth+1)
	case reflect.Bool:
		return p.primitive(rv.Bool())
	case reflect.String:
		return p.primitive(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return p.intToGuest(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return p.uintToGuest(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return p.primitive(rv.Float())
	case reflect.Slice:
		if rv.IsNil() {
			return v8.Null(p.iso), nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return p.guestValue(s, rv.Bytes(), depth)
		}
		return p.arrayToGuest(s, rv, depth)
	case reflect.Array:
		return p.arrayToGuest(s, rv, depth)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		if rv.IsNil() {
			return v8.Null(p.iso), nil
		}
		return p.mapToGuest(s, rv, depth)
	case reflect.Struct:
		return p.structToGuest(s, rv, depth)
	case reflect.Func:
		if !rv.IsNil() && rv.Type().ConvertibleTo(funcType) {
			fn := rv.Convert(funcType).Interface().(Func)
			return p.mintFunction(s, fn, rv.Interface())
		}
	}
	typeName := "invalid"
	if rv.IsValid() {
		typeName = rv.Type().String()
	}
	return nil, newError(KindTypeConversion, "convert.to_guest").
		Detail("Cannot convert Go '%s' value", typeName).Build()
}

func (p *Program) arrayToGuest(s *scope, rv reflect.Value, depth int) (*v8.Value, error) {
	n := rv.Len()
	if n > MaxArrayLength {
		return nil, newError(KindIndexOutOfRange, "convert.to_guest").
			Detail("array length %d exceeds %d", n, MaxArrayLength).Build()
	}
	length, err := p.primitive(uint32(n))
	if err != nil {
		return nil, err
	}
	val, err := p.helpers.newArray.Call(v8.Undefined(p.iso), length)
	if err != nil {
		return nil, newError(KindTypeConversion, "convert.to_guest").Cause(p.guestException(err)).Build()
	}
	arr, err := val.AsObject()
	if err != nil {
		return nil, newError(KindTypeConversion, "convert.to_guest").Cause(err).Build()
	}
	for i := 0; i < n; i++ {
		elem, err := p.guestValue(s, rv.Index(i).Interface(), depth+1)
		if err != nil {
			return nil, withPath(err, "["+strconv.Itoa(i)+"]")
		}
		if err := arr.SetIdx(uint32(i), elem); err != nil {
			return nil, newError(KindTypeConversion, "convert.to_guest").Cause(p.guestException(err)).Build()
		}
	}
	return arr.Value, nil
}

func (p *Program) newGuestObject() (*v8.Object, error) {
	obj, err := p.objTmpl.NewInstance(p.v8ctx)
	if err != nil {
		return nil, newError(KindTypeConversion, "convert.to_guest").Cause(err).Build()
	}
	return obj, nil
}

func (p *Program) mapToGuest(s *scope, rv reflect.Value, depth int) (*v8.Value, error) {
	obj, err := p.newGuestObject()
	if err != nil {
		return nil, err
	}
	iter := rv.MapRange()
	for iter.Next() {
		key := iter.Key().String()
		val, err := p.guestValue(s, iter.Value().Interface(), depth+1)
		if err != nil {
			return nil, withPath(err, key)
		}
		if err := obj.Set(key, val); err != nil {
			return nil, newError(KindTypeConversion, "convert.to_guest").Path(key).Cause(p.guestException(err)).Build()
		}
	}
	return obj.Value, nil
}

func (p *Program) structToGuest(s *scope, rv reflect.Value, depth int) (*v8.Value, error) {
	obj, err := p.newGuestObject()
	if err != nil {
		return nil, err
	}
	for _, f := range fieldsOf(rv.Type()) {
		fv, err := rv.FieldByIndexErr(f.index)
		if err != nil {
			// promoted through a nil embedded pointer
			continue
		}
		if !fv.CanInterface() {
			continue
		}
		if f.omitEmpty && fv.IsZero() {
			continue
		}
		val, err := p.guestValue(s, fv.Interface(), depth+1)
		if err != nil {
			return nil, withPath(err, f.name)
		}
		if err := obj.Set(f.name, val); err != nil {
			return nil, newError(KindTypeConversion, "convert.to_guest").Path(f.name).Cause(p.guestException(err)).Build()
		}
	}
	return obj.Value, nil
}

type structField struct {
	name      string
	index     []int
	omitEmpty bool
}

var structFieldCache sync.Map // reflect.Type -> []structField

// fieldsOf lists the exported fields of t, promoted fields included. A js tag
// wins over a json tag; "-" skips the field.
func fieldsOf(t reflect.Type) []structField {
	if cached, ok := structFieldCache.Load(t); ok {
		return cached.([]structField)
	}
	var fields []structField
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() {
			continue
		}
		tag, hasTag := f.Tag.Lookup("js")
		if !hasTag {
			tag, hasTag = f.Tag.Lookup("json")
		}
		if tag == "-" {
			continue
		}
		ft := f.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		if f.Anonymous && !hasTag && ft.Kind() == reflect.Struct {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		fields = append(fields, structField{
			name:      name,
			index:     f.Index,
			omitEmpty: strings.Contains(opts, "omitempty"),
		})
	}
	structFieldCache.Store(t, fields)
	return fields
}
