package gotov8

import (
	"context"
	"iter"
	"sync"

	v8 "github.com/tommie/v8go"
	"github.com/yejune/gotov8/internal/stacktrace"
)

// NoStackFrame is reported when no guest stack is available, for example
// after the host callable that received the LiveStack has returned.
var NoStackFrame = Frame{
	Function: "<v8_module_no_runtime_stack_info>",
	File:     "<v8_module_unknown>",
	Line:     -1,
	Language: stacktrace.LanguageJavaScript,
}

type liveStackKey struct{}

// LiveStack is the guest call stack of an in-progress host callable. It is
// only walked on demand, only while the callable is still running and only
// on the goroutine running it. Other goroutines see NoStackFrame.
type LiveStack struct {
	program *Program
	owner   *scope

	mu       sync.Mutex
	frames   []Frame
	captured bool
}

// StackFromContext returns the LiveStack of the guest call that invoked the
// running host callable, or nil outside one.
func StackFromContext(ctx context.Context) *LiveStack {
	ls, _ := ctx.Value(liveStackKey{}).(*LiveStack)
	return ls
}

func withLiveStack(ctx context.Context, p *Program, owner *scope) context.Context {
	return context.WithValue(ctx, liveStackKey{}, &LiveStack{program: p, owner: owner})
}

// Frames returns the guest frames, innermost first. The walk happens once and
// is cached until All runs to completion.
func (l *LiveStack) Frames() []Frame {
	if l == nil {
		return []Frame{NoStackFrame}
	}
	// Only the goroutine running the callable may walk the guest stack; any
	// other would call into an isolate that goroutine is inside.
	if l.owner == nil || l.owner.closed.Load() || l.owner.goid != goroutineID() {
		return []Frame{NoStackFrame}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.captured {
		l.frames = l.capture()
		l.captured = true
	}
	if len(l.frames) == 0 {
		return []Frame{NoStackFrame}
	}
	return l.frames
}

// All iterates over the frames. A complete iteration drops the cache so the
// next request walks the stack again.
func (l *LiveStack) All() iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		for _, f := range l.Frames() {
			if !yield(f) {
				return
			}
		}
		if l != nil {
			l.mu.Lock()
			l.frames, l.captured = nil, false
			l.mu.Unlock()
		}
	}
}

func (l *LiveStack) capture() []Frame {
	p := l.program
	if p.helpers == nil || p.iso == nil {
		return nil
	}
	val, err := p.helpers.captureStack.Call(v8.Undefined(p.iso))
	if err != nil || !val.IsArray() {
		p.logger.Debug("Failed to capture guest stack", "error", err)
		return nil
	}
	arr, err := val.AsObject()
	if err != nil {
		return nil
	}
	n := arrayLength(arr)
	frames := make([]Frame, 0, n)
	for i := uint32(0); i < n; i++ {
		entry, err := arr.GetIdx(i)
		if err != nil || !entry.IsArray() {
			continue
		}
		site, _ := entry.AsObject()
		fn, _ := site.GetIdx(0)
		file, _ := site.GetIdx(1)
		line, _ := site.GetIdx(2)
		frames = append(frames, Frame{
			Function: fn.String(),
			File:     file.String(),
			Line:     int(line.Int32()),
			Language: stacktrace.LanguageJavaScript,
		})
	}
	return frames
}
