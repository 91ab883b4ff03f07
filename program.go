package gotov8

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	v8 "github.com/tommie/v8go"
	"github.com/yejune/gotov8/internal/cache"
	"github.com/yejune/gotov8/internal/transcode"
)

// ProgramState is the lifecycle state of a Program.
type ProgramState int

const (
	StateConstructing ProgramState = iota
	StateValid
	StateMarkedForDestruction
	StateDestroyed
)

func (s ProgramState) String() string {
	switch s {
	case StateConstructing:
		return "constructing"
	case StateValid:
		return "valid"
	case StateMarkedForDestruction:
		return "marked_for_destruction"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("ProgramState(%d)", int(s))
}

// Program owns one V8 isolate, its context, the compiled main script and the
// event loop driving timers and promises. Every method that touches the guest
// is serialized through the Program's entry lock.
//
// Host callables run with a context derived from the crossing that invoked
// them. Calls back into the same Program must use that context on the
// callable's own goroutine; a fresh context, or the same one on another
// goroutine, waits for the lock the crossing already holds.
type Program struct {
	id     string
	label  string
	source string // the source as written, before transpiling
	code   string // the source V8 compiled

	engine  *Engine
	logger  *slog.Logger
	metrics *Metrics
	decoder *transcode.Decoder
	domain  string

	iso     *v8.Isolate
	v8ctx   *v8.Context
	script  *v8.UnboundScript
	global  *v8.Object
	objTmpl *v8.ObjectTemplate
	helpers *helpers

	loop      *eventLoop
	callbacks *callbackTable
	refs      *references

	mu        sync.Mutex
	valid     bool
	toDestroy bool
	tornDown  bool // teardown claimed
	cleaned   bool // teardown completed
	freed     bool
	opCount   int
	weak      int
	saveRef   SaveReferenceFunc
	done      chan struct{}
	closeOnce sync.Once

	entry      sync.Mutex
	active     *scope
	waiting    bool
	pinned     []*v8.Value
	terminated atomic.Bool
}

// newProgram builds the isolate and context and compiles code. The returned
// Program is valid; on failure nothing is returned and every engine resource
// acquired so far is released.
func newProgram(e *Engine, source, code, label, key string) (_ *Program, err error) {
	id := uuid.NewString()
	p := &Program{
		id:        id,
		label:     label,
		source:    source,
		code:      code,
		engine:    e,
		logger:    e.Logger.With("program", label, "id", id),
		metrics:   e.Metrics,
		decoder:   e.decoder,
		domain:    e.Config.ReferenceDomain,
		loop:      newEventLoop(),
		callbacks: newCallbackTable(e.Metrics.callbacksLive),
		refs:      newReferences(),
		weak:      1,
		done:      make(chan struct{}),
	}
	defer func() {
		if r := recover(); r != nil {
			err = newError(KindCompile, "program.create").Detail("engine initialization failed: %v", r).Build()
		}
		if err != nil {
			p.callbacks.releaseAll()
			p.disposeEngine()
		}
	}()

	p.iso = v8.NewIsolate()
	if p.iso == nil {
		return nil, newError(KindCompile, "program.create").Detail("could not obtain a V8 isolate").Build()
	}
	p.v8ctx = v8.NewContext(p.iso)
	if p.v8ctx == nil {
		return nil, newError(KindCompile, "program.create").Detail("could not obtain a V8 context").Build()
	}
	p.global = p.v8ctx.Global()
	p.objTmpl = v8.NewObjectTemplate(p.iso)

	if err := p.installBuiltins(e.helperSource, e.preludeSource); err != nil {
		return nil, newError(KindCompile, "program.create").Detail("installing builtins").Cause(err).Build()
	}
	if err := p.compileMain(e.Cache, key); err != nil {
		return nil, err
	}
	p.valid = true
	return p, nil
}

// compileMain compiles the main script, consuming and producing V8 code cache data.
func (p *Program) compileMain(cc cache.Cache, key string) error {
	var opts v8.CompileOptions
	if data, ok, err := cc.GetCodeCache(key); err != nil {
		p.logger.Warn("Failed to read code cache", "error", err)
	} else if ok {
		opts.CachedData = &v8.CompilerCachedData{Bytes: data}
	}

	script, err := p.iso.CompileUnboundScript(p.code, p.label, opts)
	if err != nil {
		return newError(KindCompile, "program.create").Cause(p.guestException(err)).Build()
	}
	p.script = script

	switch {
	case opts.CachedData == nil:
		p.metrics.codeCacheHits.WithLabelValues("miss").Inc()
		p.storeCodeCache(cc, key)
	case opts.CachedData.Rejected:
		p.metrics.codeCacheHits.WithLabelValues("rejected").Inc()
		p.logger.Debug("V8 rejected cached code, regenerating")
		if err := cc.RemoveCodeCache(key); err != nil {
			p.logger.Warn("Failed to drop rejected code cache", "error", err)
		}
		p.storeCodeCache(cc, key)
	default:
		p.metrics.codeCacheHits.WithLabelValues("hit").Inc()
	}
	return nil
}

func (p *Program) storeCodeCache(cc cache.Cache, key string) {
	data := p.script.CreateCodeCache()
	if data == nil || len(data.Bytes) == 0 {
		return
	}
	if err := cc.SetCodeCache(key, data.Bytes); err != nil {
		p.logger.Warn("Failed to store code cache", "error", err)
		return
	}
	if err := cc.SetLabelKey(p.label, key); err != nil {
		p.logger.Warn("Failed to map label to code cache", "error", err)
	}
}

// ID returns the Program's unique id.
func (p *Program) ID() string {
	return p.id
}

// Label returns the diagnostic label the Program was compiled under.
func (p *Program) Label() string {
	return p.label
}

// Source returns the source the Program was created from.
func (p *Program) Source() string {
	return p.source
}

// State reports the lifecycle state.
func (p *Program) State() ProgramState {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.tornDown:
		return StateDestroyed
	case p.toDestroy:
		return StateMarkedForDestruction
	case p.valid:
		return StateValid
	}
	return StateConstructing
}

// Done is closed once teardown has completed.
func (p *Program) Done() <-chan struct{} {
	return p.done
}

// Run executes the compiled main script and returns its completion value.
func (p *Program) Run(ctx context.Context) (any, error) {
	s, err := p.enter(ctx, "program.run")
	if err != nil {
		return nil, err
	}
	defer s.exit()

	val, err := p.script.Run(p.v8ctx)
	if err != nil {
		return nil, p.guestError("program.run", err)
	}
	return p.toHost(s, val)
}

// Eval runs more source in the Program's context. Labels ending in .ts, .tsx
// or .jsx are transpiled first.
func (p *Program) Eval(ctx context.Context, source, label string) (any, error) {
	if label == "" {
		label = "<eval>"
	}
	code, _, err := p.engine.prepare(source, label)
	if err != nil {
		return nil, err
	}
	s, err := p.enter(ctx, "program.eval")
	if err != nil {
		return nil, err
	}
	defer s.exit()

	val, err := p.v8ctx.RunScript(code, label)
	if err != nil {
		return nil, p.guestError("program.eval", err)
	}
	return p.toHost(s, val)
}

// Global returns a wrapper around the global object.
func (p *Program) Global(ctx context.Context) (*Object, error) {
	s, err := p.enter(ctx, "program.global")
	if err != nil {
		return nil, err
	}
	defer s.exit()
	return p.wrapObject(p.global), nil
}

// Exports returns module.exports as populated by CommonJS style scripts.
func (p *Program) Exports(ctx context.Context) (any, error) {
	s, err := p.enter(ctx, "program.exports")
	if err != nil {
		return nil, err
	}
	defer s.exit()

	module, err := p.global.Get("module")
	if err != nil {
		return nil, p.guestError("program.exports", err)
	}
	if !module.IsObject() {
		return nil, nil
	}
	obj, err := module.AsObject()
	if err != nil {
		return nil, p.guestError("program.exports", err)
	}
	exports, err := obj.Get("exports")
	if err != nil {
		return nil, p.guestError("program.exports", err)
	}
	return p.toHost(s, exports)
}

// Clone compiles the Program's source again into a new, independent Program.
func (p *Program) Clone(ctx context.Context) (*Program, error) {
	if p.State() != StateValid {
		return nil, unavailable("program.clone", "the Program has been destroyed and can no longer be accessed")
	}
	return p.engine.Compile(ctx, p.source, p.label)
}

// SetSaveReferenceCallback replaces the default reference policy. The callback
// receives every host value a guest closure captures and must keep it alive
// for as long as the guest may call it. A nil fn restores the default.
func (p *Program) SetSaveReferenceCallback(fn SaveReferenceFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saveRef = fn
}

// Destroy requests destruction. With operations in flight the Program is
// marked for destruction and the last one to exit tears it down; otherwise
// teardown happens now. Destroy is idempotent.
func (p *Program) Destroy() {
	p.mu.Lock()
	if !p.valid {
		p.mu.Unlock()
		return
	}
	p.valid = false
	if inFlight := p.opCount; inFlight > 0 {
		p.toDestroy = true
		p.mu.Unlock()
		p.logger.Debug("Program destruction deferred", "in_flight", inFlight)
		return
	}
	p.tornDown = true
	p.mu.Unlock()
	p.teardown()
}

// Close destroys the Program and drops the owner's keepalive.
func (p *Program) Close() error {
	p.closeOnce.Do(func() {
		p.Destroy()
		p.weakDeref()
	})
	return nil
}

// Terminate stops any script running in the Program and destroys it. A Wait
// or SpinEventLoop in progress returns ProgramUnavailable. It is safe to call
// from any goroutine.
func (p *Program) Terminate() {
	p.terminated.Store(true)
	p.mu.Lock()
	if !p.cleaned && !p.tornDown && p.iso != nil {
		p.iso.TerminateExecution()
	}
	p.mu.Unlock()
	p.loop.signal()
	p.Destroy()
}

// ForceDestroy is the shutdown path: running script is terminated and the
// Program destroyed as soon as in-flight operations allow.
func (p *Program) ForceDestroy() {
	p.mu.Lock()
	busy := p.opCount > 0
	p.mu.Unlock()
	if busy {
		p.Terminate()
		return
	}
	p.Destroy()
}

func (p *Program) weakRef() {
	p.mu.Lock()
	p.weak++
	p.mu.Unlock()
}

func (p *Program) weakDeref() {
	p.mu.Lock()
	p.weak--
	p.mu.Unlock()
	p.maybeFree()
}

// maybeFree drops the Program from the registry once teardown has completed
// and nothing on the host side references it anymore.
func (p *Program) maybeFree() {
	p.mu.Lock()
	free := p.weak <= 0 && p.cleaned && !p.freed
	if free {
		p.freed = true
	}
	p.mu.Unlock()
	if free && p.engine != nil {
		p.engine.programs.Remove(p)
	}
}

// teardown releases everything the Program owns. Callers claim it by setting
// tornDown, so it runs once, with no operation in flight.
func (p *Program) teardown() {
	p.loop.close()
	p.callbacks.releaseAll()

	p.mu.Lock()
	p.saveRef = nil
	p.mu.Unlock()
	p.refs.releaseAll(p.logger)

	var stats v8.HeapStatistics
	if p.iso != nil {
		stats = p.iso.GetHeapStatistics()
	}
	p.mu.Lock()
	p.cleaned = true
	p.mu.Unlock()
	p.disposeEngine()

	p.metrics.programsDestroyed.Inc()
	p.metrics.programsLive.Dec()
	p.logger.Debug("Program destroyed",
		"used_heap", humanize.Bytes(stats.UsedHeapSize),
		"heap_limit", humanize.Bytes(stats.HeapSizeLimit))
	close(p.done)
	p.maybeFree()
}

func (p *Program) disposeEngine() {
	if p.v8ctx != nil {
		p.v8ctx.Close()
		p.v8ctx = nil
	}
	if p.iso != nil {
		p.iso.Dispose()
		p.iso = nil
	}
}

// guestError turns an error returned by V8 into a GuestRuntime error.
func (p *Program) guestError(op string, err error) error {
	return newError(KindGuestRuntime, op).Cause(p.guestException(err)).Build()
}

// guestException translates a V8 error. Errors that are not guest
// exceptions pass through unchanged.
func (p *Program) guestException(err error) error {
	var jsErr *v8.JSError
	if !errors.As(err, &jsErr) {
		return err
	}
	p.metrics.guestExceptions.Inc()
	return translateException(jsErr, p.label)
}
