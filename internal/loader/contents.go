package loader

import (
	"strings"
	"text/template"
)

// HelpersOrigin and PreludeOrigin label the support scripts in guest stack traces.
const (
	HelpersOrigin = "<gotov8:helpers>"
	PreludeOrigin = "<gotov8:prelude>"
)

// helpersTemplate evaluates to a factory taking the host invoke function and
// returning the guest-side helpers the bridge calls into. Guest functions
// minted from host callables are closures over invoke and a token; the host
// keeps no handle on them, and sweep reports the tokens whose closure has
// been collected.
var helpersTemplate = `(function (invoke) {
	"use strict";
	const ids = new WeakMap();
	let nextId = 1;
	const bound = new Map();
	function captureStack() {
		const holder = {};
		const limit = Error.stackTraceLimit;
		const prepare = Error.prepareStackTrace;
		Error.stackTraceLimit = {{ .StackFrameLimit }};
		Error.prepareStackTrace = (_, sites) => sites.map((s) => [
			s.getFunctionName() || "unknown",
			s.getScriptNameOrSourceURL() || "unknown",
			s.getLineNumber() || 0,
		]);
		try {
			Error.captureStackTrace(holder, captureStack);
			return holder.stack;
		} finally {
			Error.stackTraceLimit = limit;
			Error.prepareStackTrace = prepare;
		}
	}
	return {
		keys: (o) => Object.keys(o),
		set: (o, k, v) => {
			o[k] = v;
		},
		identity: (o) => {
			let id = ids.get(o);
			if (id === undefined) {
				id = nextId++;
				ids.set(o, id);
			}
			return id;
		},
		typeOf: (v) => typeof v,
		isConstructor: (f) => {
			try {
				Reflect.construct(String, [], f);
				return true;
			} catch (e) {
				return false;
			}
		},
		newArray: (n) => new Array(n),
		bind: (token) => {
			const fn = function (...args) {
				return invoke.call(this, token, ...args);
			};
			bound.set(token, new WeakRef(fn));
			return fn;
		},
		sweep: () => {
			const dead = [];
			for (const [token, ref] of bound) {
				if (ref.deref() === undefined) {
					bound.delete(token);
					dead.push(token);
				}
			}
			return dead.join(",");
		},
		captureStack,
	};
})`

var preludeTemplate = `{{ if .ModuleShim }}globalThis.module = { exports: {} };
globalThis.exports = globalThis.module.exports;
{{ end }}if (typeof globalThis.queueMicrotask !== "function") {
	globalThis.queueMicrotask = (cb) => { Promise.resolve().then(() => cb()); };
}
`

func buildWithTemplate(buildTemplate string, params map[string]interface{}) (string, error) {
	templ, err := template.New("buildTemplate").Parse(buildTemplate)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	err = templ.Execute(&out, params)
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

// GenerateHelpers returns the helper factory source with a bounded stack capture.
func GenerateHelpers(stackFrameLimit int) (string, error) {
	if stackFrameLimit <= 0 {
		stackFrameLimit = 300
	}
	return buildWithTemplate(helpersTemplate, map[string]interface{}{
		"StackFrameLimit": stackFrameLimit,
	})
}

// GeneratePrelude returns the script run before any user code in a new context.
func GeneratePrelude(moduleShim bool) (string, error) {
	return buildWithTemplate(preludeTemplate, map[string]interface{}{
		"ModuleShim": moduleShim,
	})
}
