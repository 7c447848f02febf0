package chunk

import (
	"sync"
	"time"
)

// delayEntry holds one request and the time it becomes due.
type delayEntry struct {
	request *Request
	due     time.Time
}

// delayQueue defers request submission by a short debounce. Once a
// worker picks up a request it cannot be cancelled, so while the view
// is still changing rapidly requests sit here where Clear can drop
// them trivially. Without the delay a fast slider drag would flood the
// pool with loads whose results nobody wants.
type delayQueue struct {
	delay  time.Duration
	submit func(*Request)

	mu      sync.Mutex
	entries []delayEntry

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newDelayQueue(delay time.Duration, submit func(*Request)) *delayQueue {
	q := &delayQueue{
		delay:  delay,
		submit: submit,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Add queues the request for submission after the debounce delay. With
// a zero delay it submits immediately.
func (q *delayQueue) Add(r *Request) {
	if q.delay == 0 {
		q.submit(r)
		return
	}

	q.mu.Lock()
	q.entries = append(q.entries, delayEntry{request: r, due: time.Now().Add(q.delay)})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Clear drops every queued entry for a source before it is submitted.
func (q *delayQueue) Clear(sourceID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.request.Key.SourceID != sourceID {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}

// Stop terminates the queue goroutine. Queued entries are discarded.
func (q *delayQueue) Stop() {
	q.once.Do(func() { close(q.done) })
}

func (q *delayQueue) run() {
	for {
		now := time.Now()

		q.mu.Lock()
		var due []*Request
		kept := q.entries[:0]
		var next time.Duration
		for _, e := range q.entries {
			if !e.due.After(now) {
				due = append(due, e.request)
				continue
			}
			kept = append(kept, e)
			wait := e.due.Sub(now)
			if next == 0 || wait < next {
				next = wait
			}
		}
		q.entries = kept
		q.mu.Unlock()

		// Submit outside the lock; the pool feed may block briefly.
		for _, r := range due {
			q.submit(r)
		}

		if next == 0 {
			select {
			case <-q.wake:
			case <-q.done:
				return
			}
			continue
		}

		timer := time.NewTimer(next)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-q.done:
			timer.Stop()
			return
		}
	}
}
