package gotov8

import (
	"context"
	"runtime"
	"sync"

	v8 "github.com/tommie/v8go"
)

// PromiseState is the settlement state of a guest promise.
type PromiseState int

const (
	PromiseStatePending PromiseState = iota
	PromiseStateFulfilled
	PromiseStateRejected
)

func (s PromiseState) String() string {
	switch s {
	case PromiseStateFulfilled:
		return "fulfilled"
	case PromiseStateRejected:
		return "rejected"
	}
	return "pending"
}

// Promise is a handle on a guest promise.
type Promise struct {
	*Object
	promise *v8.Promise
}

func (p *Program) wrapPromise(v *v8.Value) (*Promise, error) {
	prom, err := v.AsPromise()
	if err != nil {
		return nil, newError(KindTypeConversion, "convert.to_host").Cause(err).Build()
	}
	obj, err := v.AsObject()
	if err != nil {
		return nil, newError(KindTypeConversion, "convert.to_host").Cause(err).Build()
	}
	return &Promise{Object: p.wrapObject(obj), promise: prom}, nil
}

func stateOf(prom *v8.Promise) PromiseState {
	switch prom.State() {
	case v8.Fulfilled:
		return PromiseStateFulfilled
	case v8.Rejected:
		return PromiseStateRejected
	}
	return PromiseStatePending
}

// State reports whether the promise has settled.
func (pr *Promise) State(ctx context.Context) (PromiseState, error) {
	s, err := pr.enter(ctx, "promise.state")
	if err != nil {
		return PromiseStatePending, err
	}
	defer s.exit()
	return stateOf(pr.promise), nil
}

// Result returns the fulfillment value without running the event loop.
// A rejected promise yields its reason as a GuestRuntime error.
func (pr *Promise) Result(ctx context.Context) (any, error) {
	s, err := pr.enter(ctx, "promise.result")
	if err != nil {
		return nil, err
	}
	defer s.exit()
	return pr.settled(s, "promise.result")
}

func (pr *Promise) settled(s *scope, op string) (any, error) {
	p := pr.program
	switch stateOf(pr.promise) {
	case PromiseStateFulfilled:
		return p.toHost(s, pr.promise.Result())
	case PromiseStateRejected:
		return nil, newError(KindGuestRuntime, op).Cause(p.rejection(pr.promise.Result())).Build()
	}
	return nil, newError(KindPromisePending, op).Detail("The Promise has not yet been resolved").Build()
}

// Wait runs the event loop until the promise settles and returns the
// fulfillment value. There is no timeout beyond ctx. Wait fails with
// WaitReentry inside a host callable and with PromisePending when the loop
// runs out of work that could settle the promise.
func (pr *Promise) Wait(ctx context.Context) (any, error) {
	s, err := pr.enter(ctx, "promise.wait")
	if err != nil {
		return nil, err
	}
	defer s.exit()

	p := pr.program
	if s.nested || p.waiting {
		return nil, newError(KindWaitReentry, "promise.wait").
			Detail("a Promise cannot be waited on while the event loop is already running").Build()
	}
	p.waiting = true
	defer func() { p.waiting = false }()

	for {
		if p.terminated.Load() {
			return nil, unavailable("promise.wait", "the Program has been terminated")
		}
		p.v8ctx.PerformMicrotaskCheckpoint()
		if stateOf(pr.promise) != PromiseStatePending {
			return pr.settled(s, "promise.wait")
		}
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
		if !p.runOnce(s, true) {
			return nil, newError(KindPromisePending, "promise.wait").
				Detail("The Promise has not yet been resolved and the event loop is idle").Build()
		}
	}
}

// Then registers host reactions and returns the chained promise. A nil
// onRejected lets a rejection propagate to the chained promise.
func (pr *Promise) Then(ctx context.Context, onFulfilled, onRejected Func) (*Promise, error) {
	return pr.chain(ctx, "promise.then", "then", reaction(onFulfilled), reaction(onRejected))
}

// Catch is Then with only a rejection handler.
func (pr *Promise) Catch(ctx context.Context, onRejected Func) (*Promise, error) {
	return pr.chain(ctx, "promise.catch", "catch", reaction(onRejected))
}

// reaction maps a nil Func to an untyped nil so it reaches the guest as null.
func reaction(fn Func) any {
	if fn == nil {
		return nil
	}
	return fn
}

func (pr *Promise) chain(ctx context.Context, op, method string, reactions ...any) (*Promise, error) {
	s, err := pr.enter(ctx, op)
	if err != nil {
		return nil, err
	}
	defer s.exit()

	p := pr.program
	fn, err := pr.value.Get(method)
	if err != nil {
		return nil, p.guestError(op, err)
	}
	fnObj, err := fn.AsObject()
	if err != nil {
		return nil, newError(KindNotCallable, op).Cause(err).Build()
	}
	res, err := p.callFunction(s, fnObj, pr.value, 0, reactions)
	if err != nil {
		return nil, err
	}
	chained, ok := res.(*Promise)
	if !ok {
		return nil, newError(KindTypeConversion, op).Detail("%s did not return a Promise", method).Build()
	}
	return chained, nil
}

// rejection translates a rejection reason into a GuestException.
func (p *Program) rejection(reason *v8.Value) *GuestException {
	jsErr := &v8.JSError{Message: reason.String()}
	if reason.IsObject() {
		if obj, err := reason.AsObject(); err == nil {
			if stack, err := obj.Get("stack"); err == nil && stack.IsString() {
				jsErr.StackTrace = stack.String()
			}
		}
	}
	p.metrics.guestExceptions.Inc()
	return translateException(jsErr, p.label)
}

// Resolver settles a promise created by NewPromise. It is safe to use from
// any goroutine; the first Resolve or Reject wins.
type Resolver struct {
	program  *Program
	resolver *v8.PromiseResolver
	once     sync.Once
}

// NewPromise creates a pending promise to be settled from the host. Until it
// is settled, or the Resolver is dropped unsettled and collected, Wait and
// SpinEventLoop treat the loop as busy.
func (p *Program) NewPromise(ctx context.Context) (*Promise, *Resolver, error) {
	s, err := p.enter(ctx, "program.new_promise")
	if err != nil {
		return nil, nil, err
	}
	defer s.exit()

	res, err := v8.NewPromiseResolver(p.v8ctx)
	if err != nil {
		return nil, nil, newError(KindGuestRuntime, "program.new_promise").Cause(err).Build()
	}
	pr, err := p.wrapPromise(res.GetPromise().Value)
	if err != nil {
		return nil, nil, err
	}
	p.loop.hold()
	r := &Resolver{program: p, resolver: res}
	runtime.SetFinalizer(r, (*Resolver).abandon)
	return pr, r, nil
}

// abandon gives up the loop hold of a Resolver collected without settling.
func (r *Resolver) abandon() {
	r.once.Do(r.program.loop.release)
}

// Resolve fulfills the promise with v. It reports whether the settlement was
// queued.
func (r *Resolver) Resolve(v any) bool {
	return r.settle(v, false)
}

// Reject rejects the promise. An error is rendered the way host errors are
// thrown into guests.
func (r *Resolver) Reject(v any) bool {
	if err, ok := v.(error); ok {
		code, desc := guestCode(err)
		v = code + ": " + desc
	}
	return r.settle(v, true)
}

func (r *Resolver) settle(v any, reject bool) bool {
	queued := false
	r.once.Do(func() {
		p := r.program
		queued = p.loop.post(func(s *scope) {
			defer p.loop.release()
			val, err := p.toGuest(s, v)
			if err != nil {
				code, desc := guestCode(err)
				val, _ = v8.NewValue(p.iso, code+": "+desc)
				reject = true
			}
			if reject {
				r.resolver.Reject(val)
			} else {
				r.resolver.Resolve(val)
			}
		})
	})
	return queued
}
