package gotov8

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yejune/gotov8/internal/stacktrace"
)

func TestLiveStackDuringCallback(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), `
function inner() { return here(); }
function outer() { return inner(); }
`, "stack.js")

	var frames []Frame
	var kept *LiveStack
	setGlobal(t, p, "here", Func(func(ctx context.Context, args ...any) (any, error) {
		kept = StackFromContext(ctx)
		frames = kept.Frames()
		return nil, nil
	}))

	_, err := p.Eval(context.Background(), "outer()", "")
	require.NoError(t, err)

	i := slices.IndexFunc(frames, func(f Frame) bool { return f.Function == "inner" })
	require.GreaterOrEqual(t, i, 0, "inner missing from %v", frames)
	require.Greater(t, len(frames), i+1)
	assert.Equal(t, Frame{Function: "inner", File: "stack.js", Line: 2, Language: stacktrace.LanguageJavaScript}, frames[i])
	assert.Equal(t, "outer", frames[i+1].Function)
	assert.Equal(t, 3, frames[i+1].Line)

	assert.Equal(t, []Frame{NoStackFrame}, kept.Frames(), "the stack is gone once the callable returns")
}

func TestLiveStackAllResetsCache(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "function run() { return here(); }", "all.js")

	var walked, cached int
	setGlobal(t, p, "here", Func(func(ctx context.Context, args ...any) (any, error) {
		ls := StackFromContext(ctx)
		ls.Frames()
		cached = len(ls.frames)
		for range ls.All() {
			walked++
		}
		assert.False(t, ls.captured)
		return nil, nil
	}))

	_, err := p.Eval(context.Background(), "run()", "")
	require.NoError(t, err)
	assert.Positive(t, walked)
	assert.Equal(t, cached, walked)
}

func TestLiveStackOutsideCallback(t *testing.T) {
	assert.Nil(t, StackFromContext(context.Background()))

	var ls *LiveStack
	assert.Equal(t, []Frame{NoStackFrame}, ls.Frames())
	var n int
	for f := range ls.All() {
		assert.Equal(t, NoStackFrame, f)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestLiveStackFromAnotherGoroutine(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), "function run() { return here(); }", "foreign.js")

	var foreign, own []Frame
	var cachedByForeign bool
	setGlobal(t, p, "here", Func(func(ctx context.Context, args ...any) (any, error) {
		ls := StackFromContext(ctx)
		got := make(chan []Frame, 1)
		go func() { got <- ls.Frames() }()
		select {
		case foreign = <-got:
		case <-time.After(5 * time.Second):
			return nil, errors.New("Frames blocked on a foreign goroutine")
		}
		cachedByForeign = ls.captured
		own = ls.Frames()
		return nil, nil
	}))

	_, err := p.Eval(context.Background(), "run()", "")
	require.NoError(t, err)
	assert.Equal(t, []Frame{NoStackFrame}, foreign)
	assert.False(t, cachedByForeign)
	assert.True(t, slices.ContainsFunc(own, func(f Frame) bool { return f.Function == "run" }), "run missing from %v", own)
}
