package gotov8

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostFunctionCalledFromGuest(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "host.js")

	var calls [][]any
	setGlobal(t, p, "add", Func(func(ctx context.Context, args ...any) (any, error) {
		calls = append(calls, args)
		return args[0].(int64) + args[1].(int64), nil
	}))

	v, err := p.Eval(context.Background(), "add(1, 2)", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
	require.Len(t, calls, 1)
	assert.Equal(t, []any{int64(1), int64(2)}, calls[0])
}

type greeter struct{ prefix string }

func (g *greeter) Call(ctx context.Context, args ...any) (any, error) {
	return g.prefix + args[0].(string), nil
}

func TestCallableAndPlainFuncs(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "kinds.js")
	setGlobal(t, p, "greet", &greeter{prefix: "hi "})
	setGlobal(t, p, "plain", func(ctx context.Context, args ...any) (any, error) {
		return len(args), nil
	})

	v, err := p.Eval(context.Background(), "greet('bob') + ' ' + plain(1, 2, 3)", "")
	require.NoError(t, err)
	assert.Equal(t, "hi bob 3", v)
}

func TestHostErrorsBecomeGuestExceptions(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "errors.js")
	setGlobal(t, p, "fail", Func(func(ctx context.Context, args ...any) (any, error) {
		return nil, errors.New("bad input")
	}))
	setGlobal(t, p, "explode", Func(func(ctx context.Context, args ...any) (any, error) {
		panic("boom")
	}))
	setGlobal(t, p, "convert", Func(func(ctx context.Context, args ...any) (any, error) {
		return make(chan int), nil
	}))
	ctx := context.Background()

	v, err := p.Eval(ctx, "try { fail() } catch (e) { e }", "")
	require.NoError(t, err)
	assert.Equal(t, "HOST-EXCEPTION: bad input", v)

	v, err = p.Eval(ctx, "try { explode() } catch (e) { e }", "")
	require.NoError(t, err)
	assert.Equal(t, "HOST-EXCEPTION: host callable panicked: boom", v)

	v, err = p.Eval(ctx, "try { convert() } catch (e) { e }", "")
	require.NoError(t, err)
	assert.Contains(t, v, "JAVASCRIPT-TYPE-ERROR: Cannot convert Go 'chan int' value")

	_, err = p.Eval(ctx, "fail()", "")
	require.ErrorIs(t, err, ErrGuestRuntime)
	var ge *GuestException
	require.ErrorAs(t, err, &ge)
	assert.Contains(t, ge.Message, "HOST-EXCEPTION: bad input")

	// the Program survives
	v, err = p.Eval(ctx, "1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestHostCallableReentersProgram(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "var secret = 40", "reenter.js")
	setGlobal(t, p, "inner", Func(func(ctx context.Context, args ...any) (any, error) {
		return p.Eval(ctx, "secret + 2", "")
	}))

	v, err := p.Eval(context.Background(), "inner()", "")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestHostCallableReceivesGuestFunction(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "callback.js")
	setGlobal(t, p, "twice", Func(func(ctx context.Context, args ...any) (any, error) {
		fn := args[0].(*Object)
		first, err := fn.Call(ctx, 1)
		if err != nil {
			return nil, err
		}
		return fn.Call(ctx, first)
	}))

	v, err := p.Eval(context.Background(), "twice((x) => x + 10)", "")
	require.NoError(t, err)
	assert.Equal(t, int64(21), v)
}

func TestCollectedHostCallable(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "weak.js")
	p.SetSaveReferenceCallback(func(ctx context.Context, ref *HostRef) error {
		return nil
	})
	setGlobal(t, p, "f", Func(func(ctx context.Context, args ...any) (any, error) {
		return "alive", nil
	}))

	assert.Eventually(t, func() bool {
		runtime.GC()
		v, err := p.Eval(context.Background(), "try { f() } catch (e) { e }", "")
		return err == nil && v == "JAVASCRIPT-PROGRAM-ERROR: host callable is no longer available"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSavedHostCallableSurvivesGC(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "strong.js")
	setGlobal(t, p, "f", Func(func(ctx context.Context, args ...any) (any, error) {
		return "alive", nil
	}))

	runtime.GC()
	runtime.GC()
	v, err := p.Eval(context.Background(), "f()", "")
	require.NoError(t, err)
	assert.Equal(t, "alive", v)
	assert.Len(t, p.References(""), 1)
}

func TestSaveReferenceFailureAbortsConversion(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "savefail.js")
	p.SetSaveReferenceCallback(func(ctx context.Context, ref *HostRef) error {
		return errors.New("full")
	})
	g, err := p.Global(context.Background())
	require.NoError(t, err)

	err = g.Set(context.Background(), "f", Func(func(ctx context.Context, args ...any) (any, error) {
		return nil, nil
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full")
	assert.Equal(t, 0, p.callbacks.len())
}

func TestCallbackGaugeReturnsToZero(t *testing.T) {
	e := newTestEngine(t)
	p, err := e.Compile(context.Background(), "", "gauge.js")
	require.NoError(t, err)
	for _, name := range []string{"a", "b"} {
		setGlobal(t, p, name, Func(func(ctx context.Context, args ...any) (any, error) {
			return nil, nil
		}))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(e.Metrics.callbacksLive))

	require.NoError(t, p.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(e.Metrics.callbacksLive))
	assert.Equal(t, 0, p.callbacks.len())
}

func TestUnreachableHostCallableIsReleased(t *testing.T) {
	e := newTestEngine(t)
	p := loadProgram(t, e, "", "release.js")
	ctx := context.Background()

	setGlobal(t, p, "f", Func(func(ctx context.Context, args ...any) (any, error) {
		return "alive", nil
	}))
	require.Equal(t, 1, p.callbacks.len())
	require.Len(t, p.References(""), 1)

	_, err := p.Eval(ctx, "delete globalThis.f", "")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		if _, err := p.Eval(ctx, "gc()", ""); err != nil {
			return false
		}
		if err := p.SpinEventLoop(ctx); err != nil {
			return false
		}
		return p.callbacks.len() == 0 && len(p.References("")) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(e.Metrics.callbacksLive))
}

func TestReachableHostCallableSurvivesGuestGC(t *testing.T) {
	e := newTestEngine(t)
	p := loadProgram(t, e, "", "keep.js")
	ctx := context.Background()

	setGlobal(t, p, "f", Func(func(ctx context.Context, args ...any) (any, error) {
		return "alive", nil
	}))
	for range 5 {
		_, err := p.Eval(ctx, "gc()", "")
		require.NoError(t, err)
		require.NoError(t, p.SpinEventLoop(ctx))
	}
	v, err := p.Eval(ctx, "f()", "")
	require.NoError(t, err)
	assert.Equal(t, "alive", v)
	assert.Equal(t, 1, p.callbacks.len())
}

func TestCallableGoroutineWaitsForEntryLock(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "", "spawn.js")
	done := make(chan error, 1)
	var got any
	setGlobal(t, p, "spawn", Func(func(ctx context.Context, args ...any) (any, error) {
		go func() {
			v, err := p.Eval(ctx, "1", "")
			got = v
			done <- err
		}()
		select {
		case <-done:
			return "ran inside", nil
		case <-time.After(50 * time.Millisecond):
			return "queued", nil
		}
	}))

	v, err := p.Eval(context.Background(), "spawn()", "")
	require.NoError(t, err)
	assert.Equal(t, "queued", v)

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine never entered the Program")
	}
}
