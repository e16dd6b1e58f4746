// Package opqueue implements the per-connection operation queue: three
// priority classes backed by singly-linked lists, a single
// worker-notification mechanism, and a draining discipline (spec.md
// §4.4). This is the worker's single source of truth for a connection.
//
// Grounded on flow/limiter.go's "one mutex held only around the
// critical section" style; the notify-then-drain shape mirrors
// datagramsession/manager.go's single-consumer event loop, adapted from
// a channel-of-events design to a mutex-protected linked-list-of-three
// design because the spec requires strict priority ordering that a plain
// channel cannot express.
package opqueue

import (
	"sync"

	"github.com/cloudflare/quicapi/operation"
)

type node struct {
	op   *operation.Operation
	next *node
}

type list struct {
	head, tail *node
	len        int
}

func (l *list) pushBack(op *operation.Operation) {
	n := &node{op: op}
	if l.tail == nil {
		l.head, l.tail = n, n
	} else {
		l.tail.next = n
		l.tail = n
	}
	l.len++
}

func (l *list) popFront() *operation.Operation {
	if l.head == nil {
		return nil
	}
	n := l.head
	l.head = n.next
	if l.head == nil {
		l.tail = nil
	}
	l.len--
	n.next = nil
	return n.op
}

// Queue is the per-connection operation queue. Enqueue is lock-protected;
// a single consumer (the owning worker) calls Dequeue in a loop until it
// returns nil (spec §5 "multiple producers ... and a single consumer ...
// coexist").
type Queue struct {
	mu       sync.Mutex
	highest  list
	priority list
	normal   list
	closed   bool

	// notify is a capacity-1 channel; Enqueue does a non-blocking send so
	// a goroutine waiting on NotifyChannel wakes up. Multiple enqueues between
	// wakeups coalesce into a single wakeup, which is fine because the
	// worker always drains to empty before waiting again.
	notify chan struct{}

	depth DepthGauge
}

// DepthGauge is the prometheus hook for queue-depth telemetry
// (SPEC_FULL.md §4.4 expansion). A nil DepthGauge disables reporting.
type DepthGauge interface {
	Set(priorityLabel string, n int)
}

// New constructs an empty Queue. depth may be nil.
func New(depth DepthGauge) *Queue {
	return &Queue{notify: make(chan struct{}, 1), depth: depth}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue adds op to the priority class p. It returns false if the queue
// has been closed (the connection is tearing down and no longer accepts
// new work), in which case the caller is responsible for whatever cleanup
// its call path requires (e.g. releasing a ref it had taken).
func (q *Queue) Enqueue(op *operation.Operation, p operation.Priority) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	switch p {
	case operation.PriorityHighest:
		q.highest.pushBack(op)
	case operation.PriorityHigh:
		q.priority.pushBack(op)
	default:
		q.normal.pushBack(op)
	}
	q.reportDepthLocked()
	q.mu.Unlock()
	q.wake()
	return true
}

func (q *Queue) reportDepthLocked() {
	if q.depth == nil {
		return
	}
	q.depth.Set("highest", q.highest.len)
	q.depth.Set("priority", q.priority.len)
	q.depth.Set("normal", q.normal.len)
}

// Dequeue pops the next operation in priority order (highest, then
// priority, then normal), or returns nil if all three lists are
// currently empty. It never blocks.
func (q *Queue) Dequeue() *operation.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *Queue) dequeueLocked() *operation.Operation {
	if op := q.highest.popFront(); op != nil {
		q.reportDepthLocked()
		return op
	}
	if op := q.priority.popFront(); op != nil {
		q.reportDepthLocked()
		return op
	}
	if op := q.normal.popFront(); op != nil {
		q.reportDepthLocked()
		return op
	}
	return nil
}

// DrainAll pops and returns every pending operation across all three
// priority classes, in processing order. Used when a connection is being
// torn down and queued operations must be failed out rather than
// silently dropped (mirrors datagramsession.manager.shutdownSessions'
// "unregister everything still tracked" discipline).
func (q *Queue) DrainAll() []*operation.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var all []*operation.Operation
	for {
		op := q.dequeueLocked()
		if op == nil {
			break
		}
		all = append(all, op)
	}
	return all
}

// Close marks the queue closed: further Enqueue calls fail. Already
// queued operations are left in place for the worker to drain via
// Dequeue/DrainAll; Close does not discard them, so a close racing with
// in-flight producers never loses an operation the producer believes was
// accepted.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// NotifyChannel exposes the wakeup channel for a select-based consumer
// (paired with, e.g., a shutdown context). workerpool.Partition.Run does
// not use it; it waits on its own channel, signaled by Partition.Notify.
func (q *Queue) NotifyChannel() <-chan struct{} {
	return q.notify
}

// Len reports the total number of operations across all three classes.
// Test/metrics use only.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.highest.len + q.priority.len + q.normal.len
}
