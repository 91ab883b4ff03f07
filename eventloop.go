package gotov8

import (
	"container/heap"
	"context"
	"sync"
	"time"

	v8 "github.com/tommie/v8go"
)

// minInterval keeps zero-delay intervals from firing more than once per pass.
const minInterval = time.Millisecond

type timer struct {
	id       int32
	when     time.Time
	seq      uint64
	interval time.Duration
	repeat   bool
	fn       *v8.Function
	args     []v8.Valuer
	index    int
}

// timerHeap orders timers by due time, then by creation.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// eventLoop is the Program's task and timer queue. Only the goroutine holding
// the entry lock runs what it holds; post and the resolver hold/release pair
// are safe from any goroutine.
type eventLoop struct {
	mu      sync.Mutex
	timers  timerHeap
	byID    map[int32]*timer
	nextID  int32
	seq     uint64
	tasks   []func(*scope)
	wake    chan struct{}
	pending int
	closed  bool
}

func newEventLoop() *eventLoop {
	return &eventLoop{
		byID: make(map[int32]*timer),
		wake: make(chan struct{}, 1),
	}
}

func (l *eventLoop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *eventLoop) addTimer(delay time.Duration, repeat bool, fn *v8.Function, args []v8.Valuer) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0
	}
	l.nextID++
	l.seq++
	if repeat && delay < minInterval {
		delay = minInterval
	}
	t := &timer{
		id:       l.nextID,
		when:     time.Now().Add(delay),
		seq:      l.seq,
		interval: delay,
		repeat:   repeat,
		fn:       fn,
		args:     args,
	}
	heap.Push(&l.timers, t)
	l.byID[t.id] = t
	return t.id
}

func (l *eventLoop) clearTimer(id int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byID[id]
	if !ok {
		return
	}
	delete(l.byID, id)
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
}

// popDue removes the earliest timer due at now. Intervals are queued again
// for their next run before they fire.
func (l *eventLoop) popDue(now time.Time) *timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 || l.timers[0].when.After(now) {
		return nil
	}
	t := heap.Pop(&l.timers).(*timer)
	if t.repeat {
		l.seq++
		t.seq = l.seq
		t.when = now.Add(t.interval)
		heap.Push(&l.timers, t)
	} else {
		delete(l.byID, t.id)
	}
	return t
}

// untilNext reports the wait for the next timer.
func (l *eventLoop) untilNext() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return 0, false
	}
	return time.Until(l.timers[0].when), true
}

// post queues task to run on the Program's goroutine. It reports false once
// the loop is closed.
func (l *eventLoop) post(task func(*scope)) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()
	l.signal()
	return true
}

func (l *eventLoop) takeTasks() []func(*scope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tasks := l.tasks
	l.tasks = nil
	return tasks
}

// hold keeps the loop from being idle until the matching release, so Wait
// blocks for work that will be posted from another goroutine.
func (l *eventLoop) hold() {
	l.mu.Lock()
	l.pending++
	l.mu.Unlock()
}

func (l *eventLoop) release() {
	l.mu.Lock()
	if l.pending > 0 {
		l.pending--
	}
	l.mu.Unlock()
	l.signal()
}

func (l *eventLoop) idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers) == 0 && len(l.tasks) == 0 && l.pending == 0
}

func (l *eventLoop) close() {
	l.mu.Lock()
	l.closed = true
	l.timers = nil
	clear(l.byID)
	l.tasks = nil
	l.pending = 0
	l.mu.Unlock()
	l.signal()
}

// runOnce runs posted tasks and due timers, checking the microtask queue
// after each. With block set and nothing run, it waits for the next timer, a
// posted task or the end of the crossing's context. It reports false when the
// loop is idle and nothing can arrive.
func (p *Program) runOnce(s *scope, block bool) bool {
	l := p.loop
	p.sweepCallbacks()
	ran := false
	for _, task := range l.takeTasks() {
		task(s)
		p.v8ctx.PerformMicrotaskCheckpoint()
		ran = true
	}
	now := time.Now()
	for t := l.popDue(now); t != nil && !p.terminated.Load(); t = l.popDue(now) {
		if _, err := t.fn.Call(v8.Undefined(p.iso), t.args...); err != nil {
			p.logger.Error("Uncaught exception in timer callback", "timer", t.id, "error", p.guestException(err))
		}
		p.v8ctx.PerformMicrotaskCheckpoint()
		ran = true
	}
	if ran || !block {
		return ran || !l.idle()
	}

	wait, hasTimer := l.untilNext()
	if !hasTimer && l.idle() {
		return false
	}
	var fire <-chan time.Time
	if hasTimer {
		t := time.NewTimer(wait)
		defer t.Stop()
		fire = t.C
	}
	select {
	case <-fire:
	case <-l.wake:
	case <-s.ctx.Done():
	}
	return true
}

// SpinEventLoop runs timers and posted tasks until none remain or ctx ends.
func (p *Program) SpinEventLoop(ctx context.Context) error {
	s, err := p.enter(ctx, "program.spin_event_loop")
	if err != nil {
		return err
	}
	defer s.exit()
	if s.nested {
		return newError(KindWaitReentry, "program.spin_event_loop").
			Detail("the event loop cannot be spun from inside a host callable").Build()
	}

	for {
		if p.terminated.Load() {
			return unavailable("program.spin_event_loop", "the Program has been terminated")
		}
		p.v8ctx.PerformMicrotaskCheckpoint()
		if err := s.ctx.Err(); err != nil {
			return err
		}
		if !p.runOnce(s, true) {
			return nil
		}
	}
}
