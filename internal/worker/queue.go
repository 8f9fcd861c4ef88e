package worker

import "sync"

// eventQueue is an unbounded FIFO between the event loop, which produces,
// and the dispatcher goroutine, which consumes.
type eventQueue struct {
	mu        sync.Mutex
	items     []Event
	closed    bool
	discarded bool
	signal    chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// push appends ev, reporting false once the queue is closed or discarded.
func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	if q.closed || q.discarded {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.notify()
	return true
}

// close stops further pushes. Events already queued are still delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// discard drops everything queued and stops further pushes.
func (q *eventQueue) discard() {
	q.mu.Lock()
	q.discarded = true
	clear(q.items)
	q.items = nil
	q.mu.Unlock()
	q.notify()
}

// next blocks for the next event. It returns false once the queue is
// discarded, or closed and drained.
func (q *eventQueue) next() (Event, bool) {
	for {
		q.mu.Lock()
		switch {
		case q.discarded:
			q.mu.Unlock()
			return Event{}, false
		case len(q.items) > 0:
			ev := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		case q.closed:
			q.mu.Unlock()
			return Event{}, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}
