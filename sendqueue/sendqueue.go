// Package sendqueue implements the per-stream send-request queue
// (spec.md §4.5, §3 "Send request"): a lock-protected singly-linked FIFO,
// tail-pointer walk on insert, with the "only one flush in flight" rule
// that lets StreamSend tell whether it needs to enqueue a new StreamSend
// operation or simply append to the flush the worker already has queued.
//
// Grounded on opqueue.Queue's lock-protected linked-list shape, scaled
// down to a single FIFO since send requests have no priority classes.
package sendqueue

import (
	"errors"
	"sync"
)

// MaxTotalLength is the largest total byte length a single StreamSend may
// cover (spec §6 "total length ≤ 2³²−1").
const MaxTotalLength = (1 << 32) - 1

// ErrTotalLengthTooLarge is returned by TotalLength when the buffers
// passed to StreamSend would overflow the protocol's length field.
var ErrTotalLengthTooLarge = errors.New("sendqueue: total buffer length exceeds 2^32-1")

// internalFlagsMask covers bits this module reserves for its own
// bookkeeping; MaskFlags strips them from caller-supplied flags before a
// Request is queued (spec §3 "flags with internal bits masked out").
const internalFlagsMask uint32 = 0xFF000000

// MaskFlags clears any internal-only bits from a caller-supplied flags
// value.
func MaskFlags(flags uint32) uint32 {
	return flags &^ internalFlagsMask
}

// TotalLength sums the length of every buffer, rejecting the request if
// the sum would exceed MaxTotalLength.
func TotalLength(buffers [][]byte) (uint64, error) {
	var total uint64
	for _, b := range buffers {
		total += uint64(len(b))
		if total > MaxTotalLength {
			return 0, ErrTotalLengthTooLarge
		}
	}
	return total, nil
}

// Request is one pending StreamSend call. Buffers are borrowed from the
// caller: the caller owns them until the completion callback fires, per
// spec §3 "borrowed buffer vector (owned by the caller until
// completion)".
type Request struct {
	next *Request

	Buffers       [][]byte
	Flags         uint32
	TotalLength   uint64
	ClientContext any

	// Canceled is set by the worker when the request is torn down before
	// it could be sent (e.g. connection shutdown cancels outstanding
	// sends, spec §5 "Cancellation & timeouts").
	Canceled bool
}

// NewRequest validates and constructs a Request ready to append to a
// Queue. It copies neither the buffer slice headers nor their backing
// arrays — the caller's contract is that the buffers remain valid and
// unmodified until the completion callback runs.
func NewRequest(buffers [][]byte, flags uint32, clientContext any) (*Request, error) {
	total, err := TotalLength(buffers)
	if err != nil {
		return nil, err
	}
	return &Request{
		Buffers:       buffers,
		Flags:         MaskFlags(flags),
		TotalLength:   total,
		ClientContext: clientContext,
	}, nil
}

// Queue is a per-stream FIFO of pending send requests, mutated only under
// its own lock (spec invariant 4: "A stream's send-request list is
// mutated only under its own dispatch lock; reads by the worker also take
// that lock").
type Queue struct {
	mu         sync.Mutex
	head, tail *Request
	length     int
}

// Append adds req to the tail of the queue and reports whether the queue
// was empty beforehand. The dispatcher uses that to decide QueueOper
// (spec §4.3 "If a prior request was already queued ... it sets
// QueueOper=false ... Otherwise it sets QueueOper=true").
func (q *Queue) Append(req *Request) (wasEmpty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	wasEmpty = q.tail == nil
	if q.tail == nil {
		q.head = req
	} else {
		q.tail.next = req
	}
	q.tail = req
	q.length++
	return wasEmpty
}

// DrainAll atomically removes and returns every pending Request in FIFO
// order — "the worker drains all pending requests in one flush" (spec
// §4.5).
func (q *Queue) DrainAll() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == nil {
		return nil
	}
	all := make([]*Request, 0, q.length)
	for n := q.head; n != nil; {
		next := n.next
		n.next = nil
		all = append(all, n)
		n = next
	}
	q.head, q.tail, q.length = nil, nil, 0
	return all
}

// Len reports the number of requests currently queued. Test/metrics use
// only.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// CompletionFunc is invoked once per Request after the worker has
// finished with it, successfully or not, carrying the opaque client
// context back to the application (spec §4.5 "Each completed request ...
// invokes the application callback with the opaque client context and a
// canceled flag").
type CompletionFunc func(clientContext any, canceled bool)

// Complete invokes cb for every request in reqs, in order, so the
// application observes send completions in the same order StreamSend
// accepted them (spec invariant 2).
func Complete(reqs []*Request, cb CompletionFunc) {
	for _, r := range reqs {
		cb(r.ClientContext, r.Canceled)
	}
}
