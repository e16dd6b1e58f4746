package operation

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Pool is a per-partition free list of Operations, avoiding cross-thread
// contention the way msquic keeps one memory pool per partition (spec
// §5 "Memory pools are per-partition to avoid cross-thread contention").
// Grounded on sync.Pool rather than a third-party pool library: no pool
// library appears anywhere in the example pack, and sync.Pool already
// gives per-P free lists, which is the Go-native analogue of msquic's
// per-partition allocator.
//
// Unlike msquic's fixed-size block pool, Go's allocator essentially never
// fails, so this Pool adds an optional outstanding-operation budget
// (maxOutstanding) purely so the OOM-recovery paths described in spec
// §4.3 step 3 and §4.8 are actually exercisable — by tests, and by a
// deployment that wants a hard cap on in-flight operations per
// partition.
type Pool struct {
	pool      sync.Pool
	exhausted prometheus.Counter

	maxOutstanding int64
	outstanding    int64
}

// NewPool constructs a Pool. exhausted is incremented every time Get must
// fall back to a fresh allocation because the free list was empty — not
// an error by itself, but useful sizing telemetry (SPEC_FULL.md §2
// metrics wiring).
func NewPool(exhausted prometheus.Counter) *Pool {
	p := &Pool{exhausted: exhausted}
	p.pool.New = func() any {
		if p.exhausted != nil {
			p.exhausted.Inc()
		}
		return &Operation{}
	}
	return p
}

// SetMaxOutstanding bounds the number of operations this Pool will hand
// out before TryGet starts reporting failure, simulating msquic's
// allocator exhaustion (spec scenario 6: "Force the send-operation
// allocator to fail"). Zero (the default) means unlimited.
func (p *Pool) SetMaxOutstanding(max int64) {
	atomic.StoreInt64(&p.maxOutstanding, max)
}

// TryGet is the allocation path the dispatcher calls for operations that
// may legitimately fail with OutOfMemory (spec §4.3 step 3). It returns
// ok == false when the configured budget is exhausted; callers must not
// call Put on a nil Operation.
func (p *Pool) TryGet(t Type) (op *Operation, ok bool) {
	max := atomic.LoadInt64(&p.maxOutstanding)
	if max > 0 {
		for {
			cur := atomic.LoadInt64(&p.outstanding)
			if cur >= max {
				return nil, false
			}
			if atomic.CompareAndSwapInt64(&p.outstanding, cur, cur+1) {
				break
			}
		}
	} else {
		atomic.AddInt64(&p.outstanding, 1)
	}
	return p.Get(t), true
}

// Get returns a zeroed Operation of the given Type, stamped with a fresh
// trace id and with FreeAfterProcess already set to true, ready to have
// its *Params field populated by the caller. Get itself never fails —
// callers that need a simulatable failure path use TryGet instead.
func (p *Pool) Get(t Type) *Operation {
	op := p.pool.Get().(*Operation)
	op.Type = t
	op.Trace = uuid.New()
	op.FreeAfterProcess = true
	return op
}

// Put returns op to the pool after the worker has fully processed it.
// Callers must not call Put on the connection's reserved back-up
// operation or on any operation with FreeAfterProcess == false.
func (p *Pool) Put(op *Operation) {
	if op == nil || !op.FreeAfterProcess {
		return
	}
	atomic.AddInt64(&p.outstanding, -1)
	op.reset()
	p.pool.Put(op)
}
