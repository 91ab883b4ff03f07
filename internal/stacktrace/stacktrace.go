package stacktrace

import (
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
)

// LanguageJavaScript tags frames that come from guest code.
const LanguageJavaScript = "JavaScript"

// LanguageGo tags frames captured from the host.
const LanguageGo = "Go"

// Frame is one entry of a call stack.
type Frame struct {
	Function string
	File     string
	Line     int
	Language string
}

// framePattern matches "    at fn (file:line:col)". Anonymous frames without
// parentheses are not matched and are skipped.
var framePattern = regexp2.MustCompile(` at ([^\)]+) \(([^:]+):([0-9]+):[0-9]+\)`, regexp2.None)

// Parse extracts frames from a V8 stack string. The first line holds the
// exception message and is always skipped, as is every line that does not
// match the frame pattern.
func Parse(stack string) []Frame {
	lines := strings.Split(stack, "\n")
	if len(lines) < 2 {
		return nil
	}
	frames := make([]Frame, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if f, ok := ParseLine(line); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

// ParseLine parses a single frame line.
func ParseLine(line string) (Frame, bool) {
	m, err := framePattern.FindStringMatch(line)
	if err != nil || m == nil {
		return Frame{}, false
	}
	lineNo, err := strconv.Atoi(m.GroupByNumber(3).String())
	if err != nil {
		return Frame{}, false
	}
	return Frame{
		Function: m.GroupByNumber(1).String(),
		File:     m.GroupByNumber(2).String(),
		Line:     lineNo,
		Language: LanguageJavaScript,
	}, true
}

// ParseLocation splits a "file:line:col" location as reported by V8 for a
// caught exception. The file itself may contain colons.
func ParseLocation(loc string) (string, int, bool) {
	parts := strings.Split(loc, ":")
	if len(parts) < 3 {
		return loc, 0, false
	}
	line, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return loc, 0, false
	}
	return strings.Join(parts[:len(parts)-2], ":"), line, true
}
