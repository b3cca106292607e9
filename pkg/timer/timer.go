// Package timer implements the one-shot timer service the IPv4 engine uses
// for fragment-reassembly expiry and IGMP query-response delays. Every
// firing is funneled through a single dispatch goroutine so callbacks
// observe the same serialization as the rest of the engine's datagram
// processing, even though the underlying clock is Go's runtime timer heap.
package timer

import (
	"sync"
	"time"
)

// Callback is invoked with the context passed to Acquire/Set when a timer
// fires. It always runs on the Service's single dispatch goroutine.
type Callback func(ctx any)

// Timer is an opaque handle to one pending firing; at most one firing is
// ever pending per Timer.
type Timer struct {
	mu      sync.Mutex
	svc     *Service
	timer   *time.Timer
	freed   bool
	genAt   uint64 // generation at schedule time; guards against stale firings
}

// Service runs one dispatch goroutine that every Timer funnels its firing
// through, so two timers can never invoke their callbacks concurrently with
// each other.
type Service struct {
	mu   sync.Mutex
	work chan func()
	done chan struct{}
	gen  uint64
}

// NewService starts a timer service with a buffered dispatch queue.
func NewService() *Service {
	s := &Service{
		work: make(chan func(), 64),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Service) run() {
	for {
		select {
		case fn := <-s.work:
			fn()
		case <-s.done:
			return
		}
	}
}

// Close stops the dispatch goroutine. Pending timers are not implicitly
// freed; callers should Free them first.
func (s *Service) Close() {
	close(s.done)
}

// Acquire schedules a new one-shot timer, firing callback(ctx) after d on
// the Service's dispatch goroutine.
func (s *Service) Acquire(callback Callback, ctx any, d time.Duration) *Timer {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	t := &Timer{svc: s, genAt: gen}
	t.timer = time.AfterFunc(d, func() { s.fire(t, callback, ctx, gen) })
	return t
}

func (s *Service) fire(t *Timer, callback Callback, ctx any, gen uint64) {
	select {
	case s.work <- func() {
		t.mu.Lock()
		stale := t.freed || t.genAt != gen
		t.mu.Unlock()
		if stale {
			return
		}
		callback(ctx)
	}:
	case <-s.done:
	}
}

// Set reschedules an existing timer, as the reassembly engine does on every
// successful fragment insertion to push its expiry back out. The previous
// pending firing, if any, is superseded and will observe itself as stale.
// time.Timer.Reset cannot swap the function an already-fired AfterFunc
// runs, so Set re-creates the underlying runtime timer under a new
// generation instead.
func (t *Timer) Set(callback Callback, ctx any, d time.Duration) {
	t.mu.Lock()
	if t.freed {
		t.mu.Unlock()
		return
	}
	t.timer.Stop()
	svc := t.svc
	t.mu.Unlock()

	svc.mu.Lock()
	svc.gen++
	gen := svc.gen
	svc.mu.Unlock()

	nt := time.AfterFunc(d, func() { svc.fire(t, callback, ctx, gen) })

	t.mu.Lock()
	t.genAt = gen
	t.timer = nt
	t.mu.Unlock()
}

// Free cancels a timer; the dispatch service never invokes its callback
// again. Any firing already in flight observes the freed flag and is a
// no-op — this is what makes it safe to free a timer that already escaped
// time.Timer.Stop's race window.
func (t *Timer) Free() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.freed {
		return
	}
	t.freed = true
	t.timer.Stop()
}
