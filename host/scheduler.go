// Package host declares the surface the bridge consumes from the enclosing
// application: a cooperative timer scheduler running callbacks on the host's
// main thread. It also ships LoopScheduler, a reference single-threaded
// implementation used by the demo host and by integrations whose host exposes
// a plain run-loop instead of a timer API.
package host

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Callback is a scheduled timer callback. It returns the interval until its
// next invocation; a negative return cancels the timer.
type Callback func() time.Duration

// Timer is an opaque handle for a registered timer.
type Timer interface{}

// Scheduler is the host's timer facility: run a callback every interval
// until cancelled. Callbacks run on the host's single main thread.
type Scheduler interface {
	Register(interval time.Duration, cb Callback) (Timer, error)
	Unregister(t Timer) error
}

// ErrUnknownTimer is returned when unregistering a handle the scheduler does
// not own.
var ErrUnknownTimer = errors.New("unknown timer handle")

// LoopScheduler drives all registered timers from a single goroutine, the
// simulated host main thread. Register and Unregister may be called from any
// goroutine; callbacks only ever run on the loop goroutine.
type LoopScheduler struct {
	mu      sync.Mutex
	nextID  int
	timers  map[int]*loopTimer
	wakeup  chan struct{}
	started bool
}

type loopTimer struct {
	id       int
	deadline time.Time
	cb       Callback
}

// NewLoopScheduler returns an idle scheduler. Run must be called for timers
// to fire.
func NewLoopScheduler() *LoopScheduler {
	return &LoopScheduler{
		timers: make(map[int]*loopTimer),
		wakeup: make(chan struct{}, 1),
	}
}

// Register schedules cb to first run after interval.
func (s *LoopScheduler) Register(interval time.Duration, cb Callback) (Timer, error) {
	if cb == nil {
		return nil, errors.New("nil callback")
	}
	if interval < 0 {
		interval = 0
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.timers[id] = &loopTimer{id: id, deadline: time.Now().Add(interval), cb: cb}
	s.mu.Unlock()
	s.wake()
	return id, nil
}

// Unregister cancels a timer. An in-flight callback invocation runs to
// completion; only future invocations are prevented.
func (s *LoopScheduler) Unregister(t Timer) error {
	id, ok := t.(int)
	if !ok {
		return ErrUnknownTimer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[id]; !ok {
		return ErrUnknownTimer
	}
	delete(s.timers, id)
	return nil
}

func (s *LoopScheduler) wake() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Run executes the scheduler loop until ctx is cancelled. It is the host's
// main thread: timer callbacks run here, one at a time, in deadline order.
// Only one loop may run at a time; a second Run returns immediately while
// the first is live.
func (s *LoopScheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
	}()
	for {
		next, ok := s.nextDue()
		var wait time.Duration
		if ok {
			wait = time.Until(next.deadline)
		} else {
			wait = time.Hour
		}
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-s.wakeup:
				t.Stop()
				continue
			case <-t.C:
			}
		}
		if ok {
			s.fire(next)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// nextDue returns the timer with the earliest deadline.
func (s *LoopScheduler) nextDue() (*loopTimer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *loopTimer
	for _, t := range s.timers {
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	return next, next != nil
}

// fire runs a timer callback and reschedules or removes it based on the
// returned interval. The timer may have been unregistered while we waited;
// in that case the callback is skipped.
func (s *LoopScheduler) fire(t *loopTimer) {
	s.mu.Lock()
	cur, live := s.timers[t.id]
	s.mu.Unlock()
	if !live || cur != t {
		return
	}
	next := t.cb()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, still := s.timers[t.id]; !still {
		// Unregistered during the callback; nothing to reschedule.
		return
	}
	if next < 0 {
		delete(s.timers, t.id)
		return
	}
	t.deadline = time.Now().Add(next)
}
