package gotov8

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v8 "github.com/tommie/v8go"
	"github.com/yejune/gotov8/internal/stacktrace"
)

func TestGuestExceptionFromCall(t *testing.T) {
	p := loadProgram(t, newTestEngine(t), `function fail() {
	throw new Error("nope");
}`, "boom.js")

	fail := evalObject(t, p, "fail")
	_, err := fail.Call(context.Background())
	require.ErrorIs(t, err, ErrGuestRuntime)

	var ge *GuestException
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "JAVASCRIPT-EXCEPTION", ge.Category)
	assert.Equal(t, "Error: nope", ge.Message)
	assert.Equal(t, Location{File: "boom.js", Line: 2, Language: stacktrace.LanguageJavaScript}, ge.Location)
	require.NotEmpty(t, ge.Frames)
	assert.Equal(t, "fail", ge.Frames[0].Function)
	assert.Contains(t, ge.Stack, "at fail (boom.js:2")

	require.NotEmpty(t, ge.HostFrames)
	for _, f := range ge.HostFrames {
		assert.Equal(t, stacktrace.LanguageGo, f.Language)
	}
	stack := ge.CallStack()
	assert.Len(t, stack, len(ge.Frames)+len(ge.HostFrames))
	assert.Equal(t, ge.Frames[0], stack[0])
}

func TestGuestExceptionString(t *testing.T) {
	ge := &GuestException{Category: "JAVASCRIPT-EXCEPTION", Message: "Error: nope", Location: Location{File: "boom.js", Line: 2}}
	assert.Equal(t, "JAVASCRIPT-EXCEPTION: Error: nope (boom.js:2)", ge.Error())

	ge.Location.Line = 0
	assert.Equal(t, "JAVASCRIPT-EXCEPTION: Error: nope (boom.js)", ge.Error())

	ge.Location.File = ""
	assert.Equal(t, "JAVASCRIPT-EXCEPTION: Error: nope", ge.Error())
}

func TestTranslateExceptionLocation(t *testing.T) {
	tests := []struct {
		name string
		err  *v8.JSError
		file string
		line int
	}{
		{
			name: "first frame",
			err:  &v8.JSError{Message: "Error: x", Location: "other.js:9:1", StackTrace: "Error: x\n    at f (stack.js:4:2)\n    at g (stack.js:8:3)"},
			file: "stack.js",
			line: 4,
		},
		{
			name: "reported location",
			err:  &v8.JSError{Message: "SyntaxError: x", Location: "C:/scripts/a.js:7:3"},
			file: "C:/scripts/a.js",
			line: 7,
		},
		{
			name: "label",
			err:  &v8.JSError{Message: "x"},
			file: "main.js",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ge := translateException(tt.err, "main.js")
			assert.Equal(t, tt.file, ge.Location.File)
			assert.Equal(t, tt.line, ge.Location.Line)
			assert.Equal(t, tt.err.Message, ge.Message)
		})
	}
}

func TestGuestCode(t *testing.T) {
	code, desc := guestCode(newError(KindNoSuchMethod, "object.method_call").Detail("No such method %q", "x").Build())
	assert.Equal(t, "NO-SUCH-METHOD", code)
	assert.Equal(t, `No such method "x"`, desc)

	code, desc = guestCode(&GuestException{Category: "JAVASCRIPT-EXCEPTION", Message: "Error: y"})
	assert.Equal(t, "JAVASCRIPT-EXCEPTION", code)
	assert.Equal(t, "Error: y", desc)

	code, desc = guestCode(assert.AnError)
	assert.Equal(t, "HOST-EXCEPTION", code)
	assert.Equal(t, assert.AnError.Error(), desc)
}
