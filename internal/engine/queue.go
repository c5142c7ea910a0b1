package engine

import (
	"container/list"
	"sync"

	"github.com/quantgrid/gridcore/internal/core"
)

type eventKind int

const (
	eventKindTick eventKind = iota
	eventKindFill
	eventKindCommand
)

type commandFunc func() error

type event struct {
	kind eventKind
	tick core.Ticker
	fill core.FillEvent
	cmd  commandFunc
	done chan error
}

// queue is the engine's single-consumer event queue (§5). Ticker updates
// are coalesced in place: if a ticker event is already waiting when a new
// one arrives, its value is overwritten rather than a second event being
// appended, so backpressure never makes the engine fall behind on stale
// prices. Fills and commands are always appended and always processed.
type queue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	items       *list.List
	pendingTick *list.Element
	closed      bool
}

func newQueue() *queue {
	q := &queue{items: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) pushTick(t core.Ticker) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.pendingTick != nil {
		q.pendingTick.Value.(*event).tick = t
		q.cond.Signal()
		return
	}
	e := &event{kind: eventKindTick, tick: t}
	q.pendingTick = q.items.PushBack(e)
	q.cond.Signal()
}

func (q *queue) pushFill(f core.FillEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items.PushBack(&event{kind: eventKindFill, fill: f})
	q.cond.Signal()
}

// pushCommand enqueues fn and blocks until it has run, returning its
// error. Used for operator commands (stop/teardown) that callers need a
// synchronous result from.
func (q *queue) pushCommand(fn commandFunc) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	done := make(chan error, 1)
	q.items.PushBack(&event{kind: eventKindCommand, cmd: fn, done: done})
	q.cond.Signal()
	q.mu.Unlock()
	return <-done
}

// pop blocks until an event is available or the queue is closed, in which
// case ok is false.
func (q *queue) pop() (*event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Len() == 0 {
		return nil, false
	}
	front := q.items.Front()
	e := front.Value.(*event)
	q.items.Remove(front)
	if front == q.pendingTick {
		q.pendingTick = nil
	}
	return e, true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
