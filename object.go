package gotov8

import (
	"context"
	"math"
	"runtime"
	"strconv"
	"sync/atomic"

	v8 "github.com/tommie/v8go"
)

// Wrapper is the capability set of a host handle on a guest object.
type Wrapper interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any) error
	CallAsFunction(ctx context.Context, receiver any, offset int, args ...any) (any, error)
	Keys(ctx context.Context) ([]string, error)
}

var _ Wrapper = (*Object)(nil)

// Object is a lazy handle on a guest object. Properties are read on demand.
// An Object keeps its Program's storage alive until it is released.
type Object struct {
	program  *Program
	value    *v8.Object
	callable bool
	released atomic.Bool
}

func (p *Program) wrapObject(obj *v8.Object) *Object {
	w := &Object{
		program:  p,
		value:    obj,
		callable: obj.Value.IsFunction(),
	}
	p.weakRef()
	runtime.SetFinalizer(w, (*Object).Release)
	return w
}

// Program returns the Program the object lives in.
func (o *Object) Program() *Program {
	return o.program
}

func (o *Object) handle() (*Program, *v8.Value) {
	if o.released.Load() {
		return o.program, nil
	}
	return o.program, o.value.Value
}

// Release drops the handle. Further use fails.
func (o *Object) Release() {
	if !o.released.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(o, nil)
	o.program.weakDeref()
}

func (o *Object) enter(ctx context.Context, op string) (*scope, error) {
	if o.released.Load() {
		return nil, unavailable(op, "the object handle has been released")
	}
	return o.program.enter(ctx, op)
}

// Get reads a property.
func (o *Object) Get(ctx context.Context, key string) (any, error) {
	s, err := o.enter(ctx, "object.get")
	if err != nil {
		return nil, err
	}
	defer s.exit()

	val, err := o.value.Get(key)
	if err != nil {
		return nil, o.program.guestError("object.get", err)
	}
	res, err := o.program.toHost(s, val)
	return res, withPath(err, key)
}

// GetIndex reads an array element.
func (o *Object) GetIndex(ctx context.Context, i int) (any, error) {
	if i < 0 || i > MaxArrayLength || uint64(i) >= math.MaxUint32 {
		return nil, newError(KindIndexOutOfRange, "object.get_index").Detail("Invalid array offset %d", i).Build()
	}
	s, err := o.enter(ctx, "object.get_index")
	if err != nil {
		return nil, err
	}
	defer s.exit()

	val, err := o.value.GetIdx(uint32(i))
	if err != nil {
		return nil, o.program.guestError("object.get_index", err)
	}
	return o.program.toHost(s, val)
}

// Set writes a property. A throwing setter or a frozen object fails with a
// PropertyWrite error carrying the guest exception.
func (o *Object) Set(ctx context.Context, key string, value any) error {
	s, err := o.enter(ctx, "object.set")
	if err != nil {
		return err
	}
	defer s.exit()

	val, err := o.program.toGuest(s, value)
	if err != nil {
		return withPath(err, key)
	}
	if err := o.program.setProperty(o.value, key, val); err != nil {
		return newError(KindPropertyWrite, "object.set").Path(key).
			Detail("Unable to set property %q", key).Cause(o.program.guestException(err)).Build()
	}
	return nil
}

// SetIndex writes an array element.
func (o *Object) SetIndex(ctx context.Context, i int, value any) error {
	if i < 0 || i > MaxArrayLength {
		return newError(KindIndexOutOfRange, "object.set_index").Detail("Invalid array offset %d", i).Build()
	}
	s, err := o.enter(ctx, "object.set_index")
	if err != nil {
		return err
	}
	defer s.exit()

	val, err := o.program.toGuest(s, value)
	if err != nil {
		return err
	}
	if err := o.program.setProperty(o.value, uint32(i), val); err != nil {
		return newError(KindPropertyWrite, "object.set_index").
			Detail("Unable to set index %d", i).Cause(o.program.guestException(err)).Build()
	}
	return nil
}

// Keys returns the own enumerable property names in order.
func (o *Object) Keys(ctx context.Context) ([]string, error) {
	s, err := o.enter(ctx, "object.keys")
	if err != nil {
		return nil, err
	}
	defer s.exit()

	keys, err := o.program.keysOf(o.value)
	if err != nil {
		return nil, newError(KindGuestRuntime, "object.keys").Cause(err).Build()
	}
	return keys, nil
}

// IsCallable reports whether the object is a function.
func (o *Object) IsCallable() bool {
	return o.callable
}

// IsConstructor reports whether the object can be called with new. The check
// does not run the constructor.
func (o *Object) IsConstructor(ctx context.Context) (bool, error) {
	if !o.callable {
		return false, nil
	}
	s, err := o.enter(ctx, "object.is_constructor")
	if err != nil {
		return false, err
	}
	defer s.exit()

	res, err := o.program.helpers.isConstructor.Call(v8.Undefined(o.program.iso), o.value)
	if err != nil {
		return false, o.program.guestError("object.is_constructor", err)
	}
	return res.Boolean(), nil
}

// CallAsFunction calls the object with receiver as this. Arguments before
// offset are skipped, mirroring variadic forwarding where leading arguments
// were already consumed. A nil receiver calls with this undefined.
func (o *Object) CallAsFunction(ctx context.Context, receiver any, offset int, args ...any) (any, error) {
	if !o.callable {
		return nil, newError(KindNotCallable, "object.call").Detail("JavaScript object is not callable").Build()
	}
	s, err := o.enter(ctx, "object.call")
	if err != nil {
		return nil, err
	}
	defer s.exit()
	return o.program.callFunction(s, o.value, receiver, offset, args)
}

// Call calls the object with this undefined.
func (o *Object) Call(ctx context.Context, args ...any) (any, error) {
	return o.CallAsFunction(ctx, nil, 0, args...)
}

// MethodCall calls the method name with the object as this.
func (o *Object) MethodCall(ctx context.Context, name string, args ...any) (any, error) {
	s, err := o.enter(ctx, "object.method_call")
	if err != nil {
		return nil, err
	}
	defer s.exit()

	method, err := o.value.Get(name)
	if err != nil {
		return nil, o.program.guestError("object.method_call", err)
	}
	if !method.IsFunction() {
		return nil, newError(KindNoSuchMethod, "object.method_call").Detail("No such method %q", name).Build()
	}
	fn, err := method.AsObject()
	if err != nil {
		return nil, newError(KindNoSuchMethod, "object.method_call").Detail("No such method %q", name).Build()
	}
	return o.program.callFunction(s, fn, o.value, 0, args)
}

// ToData converts the object deeply into maps, slices and primitives.
// Functions stay wrapped; repeated objects become CircularReference.
func (o *Object) ToData(ctx context.Context) (any, error) {
	s, err := o.enter(ctx, "object.to_data")
	if err != nil {
		return nil, err
	}
	defer s.exit()

	out, _, err := o.program.toData(s, o.value.Value)
	return out, err
}

// ToMap is a shallow map of the own enumerable properties.
func (o *Object) ToMap(ctx context.Context) (map[string]any, error) {
	s, err := o.enter(ctx, "object.to_map")
	if err != nil {
		return nil, err
	}
	defer s.exit()

	keys, err := o.program.keysOf(o.value)
	if err != nil {
		return nil, newError(KindGuestRuntime, "object.to_map").Cause(err).Build()
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		val, err := o.value.Get(k)
		if err != nil {
			return nil, o.program.guestError("object.to_map", err)
		}
		if out[k], err = o.program.toHost(s, val); err != nil {
			return nil, withPath(err, k)
		}
	}
	return out, nil
}

// CallRef binds the function to a receiver for repeated calls.
func (o *Object) CallRef(receiver any) (*CallRef, error) {
	if !o.callable {
		return nil, newError(KindNotCallable, "object.call_ref").Detail("JavaScript object is not callable").Build()
	}
	return &CallRef{fn: o, receiver: receiver}, nil
}

// CallRef is a guest function usable as a host callable.
type CallRef struct {
	fn       *Object
	receiver any
}

// Call invokes the function with the bound receiver.
func (r *CallRef) Call(ctx context.Context, args ...any) (any, error) {
	return r.fn.CallAsFunction(ctx, r.receiver, 0, args...)
}

// Function returns the wrapped function.
func (r *CallRef) Function() *Object {
	return r.fn
}

func (p *Program) callFunction(s *scope, fnObj *v8.Object, receiver any, offset int, args []any) (any, error) {
	fn, err := fnObj.Value.AsFunction()
	if err != nil {
		return nil, newError(KindNotCallable, "object.call").Detail("JavaScript object is not callable").Build()
	}
	var this *v8.Value
	if receiver == nil {
		this = v8.Undefined(p.iso)
	} else if this, err = p.toGuest(s, receiver); err != nil {
		return nil, withPath(err, "this")
	}
	if offset < 0 || offset > len(args) {
		offset = len(args)
	}
	argv := make([]v8.Valuer, 0, len(args)-offset)
	for i, a := range args[offset:] {
		val, err := p.toGuest(s, a)
		if err != nil {
			return nil, withPath(err, argName(i+offset))
		}
		argv = append(argv, val)
	}
	res, err := fn.Call(this, argv...)
	if err != nil {
		return nil, p.guestError("object.call", err)
	}
	return p.toHost(s, res)
}

// setProperty assigns through a strict mode helper so that throwing setters
// and frozen objects surface as guest exceptions.
func (p *Program) setProperty(obj *v8.Object, key any, val *v8.Value) error {
	k, err := p.primitive(key)
	if err != nil {
		return err
	}
	_, err = p.helpers.set.Call(v8.Undefined(p.iso), obj, k, val)
	return err
}

func argName(i int) string {
	return "arg[" + strconv.Itoa(i) + "]"
}
