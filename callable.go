package gotov8

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"weak"

	"github.com/prometheus/client_golang/prometheus"
	v8 "github.com/tommie/v8go"
)

// Func is a host callable exposed to guests. ctx carries the crossing that
// invoked it; use it for any call back into the same Program.
type Func func(ctx context.Context, args ...any) (any, error)

// Callable is implemented by host values that can be called from a guest.
type Callable interface {
	Call(ctx context.Context, args ...any) (any, error)
}

// HostRef boxes a host value captured by a guest function. The guest only
// holds a weak pointer to it; whatever the save-reference policy keeps alive
// decides how long the guest may call it.
type HostRef struct {
	Value any
	call  Func
}

// SaveReferenceFunc receives every HostRef a guest function captures.
type SaveReferenceFunc func(ctx context.Context, ref *HostRef) error

type registration struct {
	token int32
	ref   weak.Pointer[HostRef]
}

// callbackTable holds the registrations of the guest functions minted from
// host callables.
type callbackTable struct {
	mu    sync.Mutex
	next  int32
	regs  map[int32]*registration
	gauge prometheus.Gauge
}

func newCallbackTable(gauge prometheus.Gauge) *callbackTable {
	return &callbackTable{
		regs:  make(map[int32]*registration),
		gauge: gauge,
	}
}

func (t *callbackTable) add(ref *HostRef) *registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	reg := &registration{token: t.next, ref: weak.Make(ref)}
	t.regs[reg.token] = reg
	t.gauge.Inc()
	return reg
}

// release drops a registration and returns it, or nil if it was already gone.
func (t *callbackTable) release(token int32) *registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	reg, ok := t.regs[token]
	if !ok {
		return nil
	}
	delete(t.regs, token)
	t.gauge.Dec()
	return reg
}

func (t *callbackTable) get(token int32) *registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs[token]
}

func (t *callbackTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.regs)
}

func (t *callbackTable) releaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gauge.Sub(float64(len(t.regs)))
	clear(t.regs)
}

// mintFunction exposes fn to the guest as a function. value is what the
// save-reference policy sees. The guest function is a helper closure over the
// shared invoke function; the handle returned here is pinned only until the
// top-level crossing exits, so the closure's lifetime is the guest's alone.
func (p *Program) mintFunction(s *scope, fn Func, value any) (*v8.Value, error) {
	box := &HostRef{Value: value, call: fn}
	reg := p.callbacks.add(box)

	ctx := context.Background()
	if s != nil {
		ctx = s.ctx
	}
	if err := p.saveReference(ctx, box); err != nil {
		p.callbacks.release(reg.token)
		return nil, newError(KindHost, "callable.mint").Detail("saving host reference").Cause(err).Build()
	}

	token, err := p.primitive(reg.token)
	if err != nil {
		p.releaseToken(reg.token)
		return nil, err
	}
	p.pin(token)
	gf, err := p.helpers.bind.Call(v8.Undefined(p.iso), token)
	if err != nil {
		p.releaseToken(reg.token)
		return nil, newError(KindHost, "callable.mint").Cause(p.guestException(err)).Build()
	}
	p.pin(gf)
	return gf, nil
}

// trampoline is the shared invoke function behind every minted guest
// function; the first argument is the registration token. Nothing may unwind
// through the V8 frames above it: errors and panics become guest exceptions.
func (p *Program) trampoline(info *v8.FunctionCallbackInfo) (ret *v8.Value) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Host callable panicked", "panic", r)
			ret = p.throw(newError(KindHost, "callable.invoke").Detail("host callable panicked: %v", r).Build())
		}
	}()

	raw := info.Args()
	var box *HostRef
	if len(raw) > 0 && raw[0].IsInt32() {
		if reg := p.callbacks.get(raw[0].Int32()); reg != nil {
			box = reg.ref.Value()
		}
	}
	if box == nil {
		return p.throw(unavailable("callable.invoke", "host callable is no longer available"))
	}

	s, err := p.enter(p.callbackContext(), "callable.invoke")
	if err != nil {
		return p.throw(err)
	}
	defer s.exit()

	raw = raw[1:]
	args := make([]any, len(raw))
	for i, a := range raw {
		if args[i], err = p.toHost(s, a); err != nil {
			return p.throw(withPath(err, argName(i)))
		}
	}

	res, err := box.call(withLiveStack(s.ctx, p, s), args...)
	if err != nil {
		return p.throw(err)
	}
	val, err := p.toGuest(s, res)
	if err != nil {
		return p.throw(err)
	}
	return val
}

// throw schedules err as a guest exception, rendered as "CODE: description".
func (p *Program) throw(err error) *v8.Value {
	code, desc := guestCode(err)
	msg, verr := v8.NewValue(p.iso, fmt.Sprintf("%s: %s", code, desc))
	if verr != nil {
		return nil
	}
	return p.iso.ThrowException(msg)
}

// releaseToken drops a registration and unsaves its box.
func (p *Program) releaseToken(token int32) {
	reg := p.callbacks.release(token)
	if reg == nil {
		return
	}
	if box := reg.ref.Value(); box != nil {
		p.refs.remove(box)
	}
}

// sweepCallbacks releases the registrations of minted functions the guest has
// collected. The checkpoint afterwards lets V8 drop the objects WeakRef.deref
// kept alive for the current job, so the next collection can reclaim them.
func (p *Program) sweepCallbacks() {
	if p.helpers == nil || p.v8ctx == nil || p.terminated.Load() || p.callbacks.len() == 0 {
		return
	}
	val, err := p.helpers.sweep.Call(v8.Undefined(p.iso))
	if err != nil {
		return
	}
	dead := val.String()
	val.Release()
	p.v8ctx.PerformMicrotaskCheckpoint()
	if dead == "" {
		return
	}
	for _, field := range strings.Split(dead, ",") {
		token, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			continue
		}
		p.releaseToken(int32(token))
	}
	p.logger.Debug("Released collected host callables", "count", strings.Count(dead, ",")+1)
}

// pin holds v until the top-level crossing exits. v8go keeps every handle it
// returns alive for the life of the context unless released.
func (p *Program) pin(v *v8.Value) {
	p.pinned = append(p.pinned, v)
}

func (p *Program) unpinAll() {
	for _, v := range p.pinned {
		v.Release()
	}
	clear(p.pinned)
	p.pinned = p.pinned[:0]
}
