package gotov8

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a boundary failure.
type Kind string

const (
	KindCompile            Kind = "compile"
	KindProgramUnavailable Kind = "program_unavailable"
	KindTypeConversion     Kind = "type_conversion"
	KindNotCallable        Kind = "not_callable"
	KindNoSuchMethod       Kind = "no_such_method"
	KindPropertyWrite      Kind = "property_write"
	KindPromisePending     Kind = "promise_pending"
	KindGuestRuntime       Kind = "guest_runtime"
	KindIndexOutOfRange    Kind = "index_out_of_range"
	KindWaitReentry        Kind = "wait_reentry"
	KindHost               Kind = "host"
)

// codes are the categories rendered into guest exceptions.
var codes = map[Kind]string{
	KindCompile:            "JAVASCRIPT-COMPILE-ERROR",
	KindProgramUnavailable: "JAVASCRIPT-PROGRAM-ERROR",
	KindTypeConversion:     "JAVASCRIPT-TYPE-ERROR",
	KindNotCallable:        "JAVASCRIPT-ERROR",
	KindNoSuchMethod:       "NO-SUCH-METHOD",
	KindPropertyWrite:      "JAVASCRIPT-PROPERTY-ERROR",
	KindPromisePending:     "PROMISE-PENDING",
	KindGuestRuntime:       "JAVASCRIPT-EXCEPTION",
	KindIndexOutOfRange:    "JAVASCRIPT-ERROR",
	KindWaitReentry:        "PROMISE-WAIT-ERROR",
	KindHost:               "HOST-EXCEPTION",
}

// Sentinels for errors.Is.
var (
	ErrCompile            = &Error{Kind: KindCompile}
	ErrProgramUnavailable = &Error{Kind: KindProgramUnavailable}
	ErrTypeConversion     = &Error{Kind: KindTypeConversion}
	ErrNotCallable        = &Error{Kind: KindNotCallable}
	ErrNoSuchMethod       = &Error{Kind: KindNoSuchMethod}
	ErrPropertyWrite      = &Error{Kind: KindPropertyWrite}
	ErrPromisePending     = &Error{Kind: KindPromisePending}
	ErrGuestRuntime       = &Error{Kind: KindGuestRuntime}
	ErrIndexOutOfRange    = &Error{Kind: KindIndexOutOfRange}
	ErrWaitReentry        = &Error{Kind: KindWaitReentry}
)

// Error is the error type returned by every boundary operation.
type Error struct {
	Kind   Kind
	Op     string // operation that failed, e.g. "object.set"
	Path   []string
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code())
	if e.Op != "" {
		b.WriteString(" [")
		b.WriteString(e.Op)
		b.WriteString("]")
	}
	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so that sentinels compare equal to any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Code returns the category string used when the error is thrown into a guest.
func (e *Error) Code() string {
	if c, ok := codes[e.Kind]; ok {
		return c
	}
	return codes[KindHost]
}

// Builder assembles an *Error.
type Builder struct {
	err *Error
}

func newError(kind Kind, op string) *Builder {
	return &Builder{err: &Error{Kind: kind, Op: op}}
}

func (b *Builder) Detail(format string, args ...any) *Builder {
	b.err.Detail = fmt.Sprintf(format, args...)
	return b
}

func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Path prepends segments, so nested conversions can annotate on the way out.
func (b *Builder) Path(segments ...string) *Builder {
	b.err.Path = append(segments, b.err.Path...)
	return b
}

func (b *Builder) Build() *Error {
	return b.err
}

// withPath annotates a conversion error with the container segment it failed in.
func withPath(err error, segment string) error {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindTypeConversion {
		e.Path = append([]string{segment}, e.Path...)
		return e
	}
	return err
}

func unavailable(op, detail string) error {
	return newError(KindProgramUnavailable, op).Detail("%s", detail).Build()
}

// guestCode reports the category and description of err as thrown into a guest.
func guestCode(err error) (string, string) {
	var ge *GuestException
	var e *Error
	switch {
	case errors.As(err, &e):
		desc := e.Detail
		if e.Cause != nil {
			if desc != "" {
				desc += ": "
			}
			desc += e.Cause.Error()
		}
		return e.Code(), desc
	case errors.As(err, &ge):
		return ge.Category, ge.Message
	default:
		return codes[KindHost], err.Error()
	}
}
