package gotov8

import (
	"runtime"
	"strconv"
	"strings"

	v8 "github.com/tommie/v8go"
	"github.com/yejune/gotov8/internal/stacktrace"
)

// Frame is one call stack entry, guest or host.
type Frame = stacktrace.Frame

// Location is where a guest exception was raised.
type Location struct {
	File     string
	Line     int
	Language string
}

// GuestException is a guest exception translated into a host error.
type GuestException struct {
	Category   string
	Message    string
	Location   Location
	Frames     []Frame // guest frames, innermost first
	HostFrames []Frame // Go frames at translation time
	Stack      string  // raw guest stack
}

func (e *GuestException) Error() string {
	var b strings.Builder
	b.WriteString(e.Category)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Location.File != "" {
		b.WriteString(" (")
		b.WriteString(e.Location.File)
		if e.Location.Line > 0 {
			b.WriteString(":")
			b.WriteString(strconv.Itoa(e.Location.Line))
		}
		b.WriteString(")")
	}
	return b.String()
}

// CallStack returns the guest frames followed by the host frames.
func (e *GuestException) CallStack() []Frame {
	out := make([]Frame, 0, len(e.Frames)+len(e.HostFrames))
	out = append(out, e.Frames...)
	return append(out, e.HostFrames...)
}

func translateException(jsErr *v8.JSError, label string) *GuestException {
	ge := &GuestException{
		Category:   codes[KindGuestRuntime],
		Message:    jsErr.Message,
		Stack:      jsErr.StackTrace,
		Frames:     stacktrace.Parse(jsErr.StackTrace),
		HostFrames: hostFrames(3),
	}
	ge.Location.Language = stacktrace.LanguageJavaScript
	switch {
	case len(ge.Frames) > 0:
		ge.Location.File = ge.Frames[0].File
		ge.Location.Line = ge.Frames[0].Line
	default:
		if file, line, ok := stacktrace.ParseLocation(jsErr.Location); ok {
			ge.Location.File = file
			ge.Location.Line = line
		} else {
			ge.Location.File = label
		}
	}
	return ge
}

func hostFrames(skip int) []Frame {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var out []Frame
	for {
		f, more := frames.Next()
		out = append(out, Frame{
			Function: f.Function,
			File:     f.File,
			Line:     f.Line,
			Language: stacktrace.LanguageGo,
		})
		if !more {
			break
		}
	}
	return out
}
