package transpile

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// Error is a transpile failure. It keeps the first esbuild message's position.
type Error struct {
	File    string
	Line    int
	Column  int
	Message string
	More    int // number of further messages
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	if e.More > 0 {
		msg += fmt.Sprintf(" (and %d more)", e.More)
	}
	return msg
}

// Options controls a single transform.
type Options struct {
	Label  string
	Target string // "es2020" by default
}

// NeedsTranspile reports whether a label names a source esbuild must lower first.
func NeedsTranspile(label string) bool {
	switch strings.ToLower(filepath.Ext(label)) {
	case ".ts", ".tsx", ".jsx", ".mts", ".cts":
		return true
	}
	return false
}

func loaderFor(label string) api.Loader {
	switch strings.ToLower(filepath.Ext(label)) {
	case ".ts", ".mts", ".cts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	default:
		return api.LoaderJS
	}
}

func targetFor(name string) api.Target {
	switch strings.ToLower(name) {
	case "es2015":
		return api.ES2015
	case "es2017":
		return api.ES2017
	case "es2019":
		return api.ES2019
	case "es2022":
		return api.ES2022
	case "esnext":
		return api.ESNext
	default:
		return api.ES2020
	}
}

// Transform lowers source to plain script JavaScript. ESM exports are
// rewritten to CommonJS so they land on the module shim.
func Transform(source string, opts Options) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Loader:     loaderFor(opts.Label),
		Target:     targetFor(opts.Target),
		Format:     api.FormatCommonJS,
		Sourcefile: opts.Label,
		LogLevel:   api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		first := result.Errors[0]
		e := &Error{File: opts.Label, Message: first.Text, More: len(result.Errors) - 1}
		if first.Location != nil {
			e.File = first.Location.File
			e.Line = first.Location.Line
			e.Column = first.Location.Column
		}
		return "", e
	}
	return string(result.Code), nil
}
