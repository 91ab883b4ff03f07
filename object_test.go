package gotov8

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectProperties(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "props.js")
	ctx := context.Background()
	obj := evalObject(t, p, "({ a: 1, b: 'x' })")

	keys, err := obj.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, obj.Set(ctx, "c", 3))
	v, err := obj.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = obj.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	m, err := obj.ToMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int64(1), "b": "x", "c": int64(3)}, m)
}

func TestObjectToMapIsShallow(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "shallow.js")
	obj := evalObject(t, p, "({ inner: { b: 1 } })")

	m, err := obj.ToMap(context.Background())
	require.NoError(t, err)
	inner, ok := m["inner"].(*Object)
	require.True(t, ok)
	v, err := inner.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestObjectPropertyWriteErrors(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "write.js")
	ctx := context.Background()

	setter := evalObject(t, p, `({ set bad(v) { throw new Error("nope") } })`)
	err := setter.Set(ctx, "bad", 1)
	require.ErrorIs(t, err, ErrPropertyWrite)
	var ge *GuestException
	require.ErrorAs(t, err, &ge)
	assert.Contains(t, ge.Message, "nope")

	frozen := evalObject(t, p, "Object.freeze({ a: 1 })")
	assert.ErrorIs(t, frozen.Set(ctx, "a", 2), ErrPropertyWrite)
	assert.ErrorIs(t, frozen.SetIndex(ctx, 0, 2), ErrPropertyWrite)
}

func TestObjectIndexes(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "index.js")
	ctx := context.Background()
	arr := evalObject(t, p, "({ 0: 10, 1: 20, length: 2 })")

	v, err := arr.GetIndex(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), v)

	_, err = arr.GetIndex(ctx, -1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = arr.GetIndex(ctx, MaxArrayLength+1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.ErrorIs(t, arr.SetIndex(ctx, -1, 0), ErrIndexOutOfRange)

	require.NoError(t, arr.SetIndex(ctx, 2, "x"))
	v, err = arr.GetIndex(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestObjectCalls(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "calls.js")
	ctx := context.Background()

	plain := evalObject(t, p, "({ n: 2, twice() { return this.n * 2 } })")
	assert.False(t, plain.IsCallable())
	_, err := plain.Call(ctx)
	assert.ErrorIs(t, err, ErrNotCallable)
	_, err = plain.CallRef(nil)
	assert.ErrorIs(t, err, ErrNotCallable)

	v, err := plain.MethodCall(ctx, "twice")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
	_, err = plain.MethodCall(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoSuchMethod)
	_, err = plain.MethodCall(ctx, "n")
	assert.ErrorIs(t, err, ErrNoSuchMethod)

	count := evalObject(t, p, "(...a) => a.length")
	v, err = count.CallAsFunction(ctx, nil, 2, 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	this := evalObject(t, p, "(function () { return this.v })")
	v, err = this.CallAsFunction(ctx, map[string]any{"v": 9}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)

	thrower := evalObject(t, p, "(() => { throw new TypeError('bad call') })")
	_, err = thrower.Call(ctx)
	require.ErrorIs(t, err, ErrGuestRuntime)
	assert.Contains(t, err.Error(), "TypeError: bad call")
}

func TestCallRef(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "ref.js")
	double := evalObject(t, p, "(x) => x * 2")

	ref, err := double.CallRef(nil)
	require.NoError(t, err)
	v, err := ref.Call(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	apply := evalObject(t, p, "(f, x) => f(x)")
	v, err = apply.Call(context.Background(), ref, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)
}

func TestIsConstructor(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "ctor.js")
	ctx := context.Background()

	for src, want := range map[string]bool{
		"(class A {})":                          true,
		"(function () { globalThis.ran = true })": true,
		"(() => 1)":                             false,
		"({ m() {} }).m":                        false,
		"({})":                                  false,
	} {
		ok, err := evalObject(t, p, src).IsConstructor(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, ok, src)
	}

	ran, err := p.Eval(ctx, "globalThis.ran", "")
	require.NoError(t, err)
	assert.Nil(t, ran, "IsConstructor must not run the constructor")
}

func TestReleasedObject(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "release.js")
	obj := evalObject(t, p, "({ a: 1 })")

	obj.Release()
	obj.Release()
	_, err := obj.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrProgramUnavailable)

	identity := evalObject(t, p, "(x) => x")
	_, err = identity.Call(context.Background(), obj)
	assert.ErrorIs(t, err, ErrTypeConversion)
}

func TestObjectKeepsProgramStorage(t *testing.T) {
	e := newTestEngine(t)
	p, err := e.Compile(context.Background(), "", "keep.js")
	require.NoError(t, err)
	obj := evalObject(t, p, "({})")

	require.NoError(t, p.Close())
	assert.Equal(t, 1, e.programs.Len(), "a live wrapper keeps the Program registered")
	_, err = obj.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrProgramUnavailable)

	obj.Release()
	assert.Equal(t, 0, e.programs.Len())
}
