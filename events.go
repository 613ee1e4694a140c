package btcnet

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// eventQueue serializes all state machine work onto the goroutine that calls
// pump. Timers and foreign goroutines hand closures to post; pump dispatches
// them one at a time. The queue is unbounded so that event-goroutine code
// may post freely without risking a self-deadlock.
type eventQueue struct {
	clk clock.Clock

	mu     sync.Mutex
	events []func()

	notify chan struct{}

	depth int32

	quitOnce sync.Once
	quit     chan struct{}
}

func newEventQueue(clk clock.Clock) *eventQueue {
	return &eventQueue{
		clk:    clk,
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
}

// post enqueues f for dispatch on the event goroutine and reports whether it
// was accepted. Safe from any goroutine and never blocks. Events posted
// after loopbreak are dropped.
func (q *eventQueue) post(f func()) bool {
	if !q.alive() {
		return false
	}
	q.mu.Lock()
	q.events = append(q.events, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// postDelayed arms a timer that posts f after d. The returned timer may be
// stopped to cancel.
func (q *eventQueue) postDelayed(d time.Duration, f func()) *clock.Timer {
	return q.clk.AfterFunc(d, func() {
		q.post(f)
	})
}

func (q *eventQueue) take() []func() {
	q.mu.Lock()
	batch := q.events
	q.events = nil
	q.mu.Unlock()
	return batch
}

// pump runs one pass of the loop: when block is set it waits for at least one
// event to arrive. It returns false once loopbreak has been called and every
// remaining event has drained.
func (q *eventQueue) pump(block bool) bool {
	batch := q.take()
	if len(batch) == 0 && block {
		select {
		case <-q.notify:
			batch = q.take()
		case <-q.quit:
		}
	}
	for _, f := range batch {
		q.dispatch(f)
	}

	if q.alive() {
		return true
	}
	// Drain whatever the terminating events queued behind themselves.
	for {
		batch = q.take()
		if len(batch) == 0 {
			return false
		}
		for _, f := range batch {
			q.dispatch(f)
		}
	}
}

func (q *eventQueue) dispatch(f func()) {
	atomic.AddInt32(&q.depth, 1)
	defer atomic.AddInt32(&q.depth, -1)
	f()
}

func (q *eventQueue) alive() bool {
	select {
	case <-q.quit:
		return false
	default:
		return true
	}
}

// loopbreak stops the loop. Events already queued are still drained by the
// final pump pass; new posts are dropped.
func (q *eventQueue) loopbreak() {
	q.quitOnce.Do(func() {
		close(q.quit)
	})
}

// assertEventLoop panics when the caller is not running inside an event
// dispatch. Phase transitions and registry mutations require the event
// goroutine; tripping this indicates a bug in the embedding.
func (q *eventQueue) assertEventLoop() {
	if atomic.LoadInt32(&q.depth) == 0 {
		panic("btcnet: called outside the event loop")
	}
}
