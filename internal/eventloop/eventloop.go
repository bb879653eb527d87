// Package eventloop implements the single-threaded cooperative scheduler
// spec §4.1 describes: a wall-clock-ordered timer queue plus readiness
// notification for a fixed set of I/O sources, run from one goroutine so
// every callback observes a race-free view of station state.
//
// The timer queue is realized with a min-heap (container/heap) rather
// than the original's sorted linked list; the ordering guarantee -
// earliest deadline first, same-deadline timers in insertion order - is
// preserved. I/O readiness is realized the idiomatic Go way: producer
// goroutines (pipe readers, the WS read loop) post a ready event onto a
// channel instead of the loop calling select/epoll directly, but the
// loop goroutine is the only place any callback body executes, so "no
// callback may block, no callback overlaps another" still holds.
package eventloop

import (
	"container/heap"
	"context"
	"time"
)

// Clock abstracts host-monotonic microsecond time, primarily so tests can
// control the loop without sleeping.
type Clock interface {
	NowUstime() int64
}

// SystemClock reads the real host monotonic clock via time.Now.
type SystemClock struct{ epoch time.Time }

// NewSystemClock returns a Clock anchored at the current time.
func NewSystemClock() SystemClock { return SystemClock{epoch: time.Now()} }

// NowUstime returns microseconds elapsed since the clock was created.
func (c SystemClock) NowUstime() int64 { return time.Since(c.epoch).Microseconds() }

// TimerID identifies a scheduled timer for ClrTimer.
type TimerID int64

// Callback runs when a timer fires, or when a posted I/O event is
// delivered. It must not block.
type Callback func()

type timerEntry struct {
	id       TimerID
	deadline int64 // host microseconds
	seq      int64 // insertion order, for same-deadline FIFO ordering
	cb       Callback
	canceled bool
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// ioEvent is a posted readiness notification awaiting dispatch on the
// loop goroutine.
type ioEvent struct {
	cb Callback
}

// Loop is the event loop: one timer heap and one I/O-event inbox, driven
// from a single goroutine by Run.
type Loop struct {
	clock   Clock
	timers  timerHeap
	byID    map[TimerID]*timerEntry
	nextID  TimerID
	nextSeq int64

	ioCh  chan ioEvent
	wake  chan struct{}
}

// New builds a Loop using clock for deadlines; ioQueueDepth bounds how
// many pending I/O notifications may be buffered before PostIO blocks
// its caller (a non-loop goroutine).
func New(clock Clock, ioQueueDepth int) *Loop {
	return &Loop{
		clock: clock,
		byID:  make(map[TimerID]*timerEntry),
		ioCh:  make(chan ioEvent, ioQueueDepth),
		wake:  make(chan struct{}, 1),
	}
}

// SetTimer schedules cb to run at deadline (host microseconds per clock).
// Timers with an identical deadline run in the order they were set.
func (l *Loop) SetTimer(deadline int64, cb Callback) TimerID {
	l.nextID++
	l.nextSeq++
	e := &timerEntry{id: l.nextID, deadline: deadline, seq: l.nextSeq, cb: cb}
	heap.Push(&l.timers, e)
	l.byID[e.id] = e
	l.signalWake()
	return e.id
}

// YieldTo reschedules id (previously returned by SetTimer) to run
// immediately (deadline = now), preserving FIFO order among ties.
func (l *Loop) YieldTo(id TimerID) {
	if e, ok := l.byID[id]; ok {
		l.ClrTimer(id)
		l.SetTimer(l.clock.NowUstime(), e.cb)
	}
}

// ClrTimer unlinks a previously scheduled timer; it is a no-op if the
// timer already fired or was never set.
func (l *Loop) ClrTimer(id TimerID) {
	e, ok := l.byID[id]
	if !ok {
		return
	}
	delete(l.byID, id)
	if e.index >= 0 {
		heap.Remove(&l.timers, e.index)
	}
}

func (l *Loop) signalWake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// PostIO enqueues cb to run on the loop goroutine the next time the loop
// wakes; safe to call from any goroutine (a pipe reader, a WS read
// loop). If the inbox is full the call blocks the poster, never the
// loop - matching spec §5's "read callbacks loop until EAGAIN" model
// where backpressure belongs to the producer, not the single-threaded
// core.
func (l *Loop) PostIO(cb Callback) {
	l.ioCh <- ioEvent{cb: cb}
}

// Run drives the loop until ctx is canceled: on each iteration it runs
// every timer whose deadline has passed (earliest first), then blocks
// until either the next deadline, a posted I/O event, or a SetTimer call
// (which signals the wake channel) requires recomputing the wait.
// ClrTimer does not signal a wake.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.runDueTimers()

		var timerC <-chan time.Time
		var t *time.Timer
		if len(l.timers) > 0 {
			d := l.timers[0].deadline - l.clock.NowUstime()
			if d < 0 {
				d = 0
			}
			t = time.NewTimer(time.Duration(d) * time.Microsecond)
			timerC = t.C
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return ctx.Err()
		case <-timerC:
			// loop back around; runDueTimers handles it
		case ev := <-l.ioCh:
			ev.cb()
		case <-l.wake:
			// a timer was added by SetTimer; loop back around to
			// recompute the wait.
		}
		if t != nil {
			t.Stop()
		}
	}
}

// runDueTimers pops and runs every timer whose deadline is <= now,
// earliest (and, for ties, earliest-inserted) first. Each callback runs
// to completion before the next is taken, so timers set by a callback
// mid-run are picked up on the next pass rather than interleaved.
func (l *Loop) runDueTimers() {
	now := l.clock.NowUstime()
	for len(l.timers) > 0 && l.timers[0].deadline <= now {
		e := heap.Pop(&l.timers).(*timerEntry)
		delete(l.byID, e.id)
		if e.canceled {
			continue
		}
		e.cb()
	}
}

// Pending reports how many timers are currently scheduled; used by tests
// and diagnostics, not by the loop itself.
func (l *Loop) Pending() int { return len(l.timers) }
