package gotov8

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	v8 "github.com/tommie/v8go"
	"github.com/yejune/gotov8/internal/loader"
)

// helpers are guest functions the bridge calls into.
type helpers struct {
	keys          *v8.Function
	set           *v8.Function
	identity      *v8.Function
	typeOf        *v8.Function
	isConstructor *v8.Function
	newArray      *v8.Function
	bind          *v8.Function
	sweep         *v8.Function
	captureStack  *v8.Function
}

// maxTimerDelay caps guest timer delays that do not fit a time.Duration.
const maxTimerDelay = time.Duration(math.MaxInt64)

// installBuiltins builds the helpers, runs the prelude and installs console
// and the timer globals.
func (p *Program) installBuiltins(helperSource, preludeSource string) error {
	factoryVal, err := p.v8ctx.RunScript(helperSource, loader.HelpersOrigin)
	if err != nil {
		return p.guestException(err)
	}
	factory, err := factoryVal.AsFunction()
	if err != nil {
		return err
	}
	invoke := v8.NewFunctionTemplate(p.iso, p.trampoline).GetFunction(p.v8ctx)
	hv, err := factory.Call(v8.Undefined(p.iso), invoke)
	if err != nil {
		return p.guestException(err)
	}
	hobj, err := hv.AsObject()
	if err != nil {
		return err
	}
	fn := func(name string) *v8.Function {
		if err != nil {
			return nil
		}
		var v *v8.Value
		if v, err = hobj.Get(name); err != nil {
			return nil
		}
		var f *v8.Function
		if f, err = v.AsFunction(); err != nil {
			err = fmt.Errorf("helper %s: %w", name, err)
		}
		return f
	}
	p.helpers = &helpers{
		keys:          fn("keys"),
		set:           fn("set"),
		identity:      fn("identity"),
		typeOf:        fn("typeOf"),
		isConstructor: fn("isConstructor"),
		newArray:      fn("newArray"),
		bind:          fn("bind"),
		sweep:         fn("sweep"),
		captureStack:  fn("captureStack"),
	}
	if err != nil {
		return err
	}

	if err := p.installConsole(); err != nil {
		return err
	}
	timers := map[string]v8.FunctionCallback{
		"setTimeout":    p.setTimer(false),
		"setInterval":   p.setTimer(true),
		"clearTimeout":  p.clearTimer,
		"clearInterval": p.clearTimer,
	}
	for name, cb := range timers {
		if err := p.global.Set(name, v8.NewFunctionTemplate(p.iso, cb).GetFunction(p.v8ctx)); err != nil {
			return err
		}
	}

	if _, err := p.v8ctx.RunScript(preludeSource, loader.PreludeOrigin); err != nil {
		return p.guestException(err)
	}
	return nil
}

func (p *Program) installConsole() error {
	levels := map[string]slog.Level{
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	tmpl := v8.NewObjectTemplate(p.iso)
	for name, level := range levels {
		tmpl.Set(name, v8.NewFunctionTemplate(p.iso, p.consoleFunc(level)))
	}
	console, err := tmpl.NewInstance(p.v8ctx)
	if err != nil {
		return err
	}
	return p.global.Set("console", console)
}

func (p *Program) consoleFunc(level slog.Level) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = p.format(a)
		}
		p.logger.Log(context.Background(), level, strings.Join(parts, " "), "source", "console")
		return nil
	}
}

func (p *Program) format(v *v8.Value) string {
	if v.IsObject() && !v.IsFunction() {
		if s, err := v8.JSONStringify(p.v8ctx, v); err == nil {
			return s
		}
	}
	return v.String()
}

func (p *Program) setTimer(repeat bool) v8.FunctionCallback {
	return func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) == 0 || !args[0].IsFunction() {
			return p.throw(newError(KindTypeConversion, "timer.set").Detail("timer callback must be a function").Build())
		}
		fn, err := args[0].AsFunction()
		if err != nil {
			return p.throw(err)
		}
		var delay time.Duration
		if len(args) > 1 && args[1].IsNumber() {
			if ms := args[1].Number(); ms > 0 {
				delay = maxTimerDelay
				if ms < float64(maxTimerDelay/time.Millisecond) {
					delay = time.Duration(ms * float64(time.Millisecond))
				}
			}
		}
		var extra []v8.Valuer
		if len(args) > 2 {
			extra = make([]v8.Valuer, 0, len(args)-2)
			for _, a := range args[2:] {
				extra = append(extra, a)
			}
		}
		id, err := v8.NewValue(p.iso, p.loop.addTimer(delay, repeat, fn, extra))
		if err != nil {
			return nil
		}
		return id
	}
}

func (p *Program) clearTimer(info *v8.FunctionCallbackInfo) *v8.Value {
	if args := info.Args(); len(args) > 0 && args[0].IsNumber() {
		p.loop.clearTimer(args[0].Int32())
	}
	return nil
}
