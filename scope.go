package gotov8

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync/atomic"
)

type scopeKey struct{}

// scope is one boundary crossing. A top-level scope holds the Program's entry
// lock until exit; a nested scope runs inside a guest→host callback on the
// goroutine that already holds it.
type scope struct {
	p      *Program
	ctx    context.Context
	op     string
	goid   uint64 // goroutine the crossing runs on
	nested bool
	closed atomic.Bool
}

// live reports whether s is an open scope of p.
func (s *scope) live(p *Program) bool {
	return s != nil && s.p == p && !s.closed.Load()
}

// goroutineID parses the current goroutine's id from the header
// runtime.Stack writes, "goroutine 18 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// enter is the operation guard every crossing goes through.
func (p *Program) enter(ctx context.Context, op string) (*scope, error) {
	if p == nil {
		return nil, unavailable(op, "program is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// Only the goroutine running the outer crossing re-enters. Others that
	// carry its context, such as goroutines started by a host callable, queue
	// on the entry lock.
	goid := goroutineID()
	outer, _ := ctx.Value(scopeKey{}).(*scope)
	nested := outer.live(p) && outer.goid == goid

	p.mu.Lock()
	switch {
	case p.toDestroy:
		p.mu.Unlock()
		return nil, unavailable(op, "the Program has been marked for destruction")
	case !p.valid:
		p.mu.Unlock()
		return nil, unavailable(op, "the Program has been destroyed and can no longer be accessed")
	}
	p.opCount++
	p.mu.Unlock()

	s := &scope{p: p, op: op, goid: goid, nested: nested}
	if nested {
		s.ctx = ctx
	} else {
		p.entry.Lock()
		p.active = s
		s.ctx = context.WithValue(ctx, scopeKey{}, s)
	}
	p.metrics.crossings.WithLabelValues(op).Inc()
	return s, nil
}

// exit ends the crossing. The last exit of a Program marked for destruction
// performs the teardown.
func (s *scope) exit() {
	if s.closed.Load() {
		return
	}
	p := s.p
	if !s.nested {
		// microtasks run by the sweep may still call back into this crossing
		p.sweepCallbacks()
	}
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if !s.nested {
		p.unpinAll()
		p.active = nil
		p.entry.Unlock()
	}

	p.mu.Lock()
	p.opCount--
	teardown := p.opCount == 0 && p.toDestroy && !p.tornDown
	if teardown {
		p.tornDown = true
	}
	p.mu.Unlock()

	if teardown {
		p.teardown()
	}
}

// callbackContext is the context handed to host code running inside the
// current crossing.
func (p *Program) callbackContext() context.Context {
	if s := p.active; s != nil {
		return s.ctx
	}
	return context.Background()
}
