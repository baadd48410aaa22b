package hashqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/deque"
	"github.com/mitchellh/copystructure"
)

// PopRequest describes a pop from a [Queue] or [Map].
//
// The zero value requests a single item without blocking or locking.
type PopRequest[V any] struct {
	// Size is the number of items requested. A non-positive Size requests a
	// single item; sized and unsized requests differ only in the convenience
	// wrappers built on top of them.
	Size int

	// Lock adds one lock credit to the queue for every item the pop returns.
	Lock bool

	// Block parks the caller until the queue can return at least one item.
	Block bool

	// Accept, if set, is shown the items that the pop would return before they
	// are removed. If it returns false the pop has no effect and reports no
	// result, even when Block is set. Accept runs with the queue locked and
	// must not call back into the same queue.
	Accept func([]V) bool
}

func (r PopRequest[V]) size() int { return max(r.Size, 1) }

// errRetired is returned by the live variants of queue operations when the
// queue no longer belongs to its [Map].
var errRetired = errors.New("hashqueue: queue retired")

// Queue is a FIFO queue of items with blocking retrieval and lock credits.
// The zero value is an empty, unlocked queue ready for use.
//
// Lock credits are a single reservation count against the queue rather than
// against particular items. A pop requesting size items returns
// min(size, Len()) - LockCount() of them, or nothing at all when that is not
// positive. Credits are added by [Queue.Lock] or by pops that set
// [PopRequest.Lock], and are removed only by [Queue.Unlock] and
// [Queue.UnlockAll].
//
// A Queue must not be copied after first use.
type Queue[V any] struct {
	// mu guards every other field, including the waiters' capped flags.
	mu      sync.Mutex
	items   deque.Deque[V]
	locks   ledger
	waiters deque.Deque[*waiter]

	// retired marks a queue that a [Map] no longer holds. Map-level enqueues
	// refuse retired queues and resolve a fresh one instead.
	retired bool
}

// waiter is a blocking pop parked on a queue. Waiters stay in the queue's list,
// in arrival order, from the time they first park until they take items or
// give up.
type waiter struct {
	size int
	lock bool

	// wake is 1-buffered. A wake that finds the buffer full is dropped, as the
	// waiter is already runnable and will re-validate before taking anything.
	wake chan struct{}

	// capped records whether the most recent wake came from an unlock, which
	// permits the waiter to settle for fewer than size items.
	capped bool
}

func (w *waiter) signal(capped bool) {
	w.capped = capped
	w.poke()
}

// poke makes w re-validate without changing the rule it validates with.
func (w *waiter) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// NewQueue returns an empty queue.
func NewQueue[V any]() *Queue[V] {
	return new(Queue[V])
}

// Enqueue appends items to the back of the queue in the order given, then
// wakes any blocked pops that the new items can satisfy. It never blocks.
func (q *Queue[V]) Enqueue(items ...V) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(items)
}

// enqueueLive behaves like Enqueue, unless q is retired, in which case it
// leaves q untouched and returns false.
func (q *Queue[V]) enqueueLive(items []V) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retired {
		return false
	}
	q.enqueueLocked(items)
	return true
}

func (q *Queue[V]) enqueueLocked(items []V) {
	for _, item := range items {
		q.items.PushBack(item)
	}
	if len(items) > 0 {
		q.wakeWaiters(false)
	}
}

// Pop removes items from the front of the queue as described by req. It
// returns ok == false when the queue had nothing to return, or when
// req.Accept declined the items.
//
// A blocking pop that cannot return immediately parks until an [Queue.Enqueue]
// makes its whole batch available, or until an unlock lets it take whatever
// the queue holds. If ctx is done first, the pop leaves the queue and returns
// ctx.Err(). Non-blocking pops never return an error.
func (q *Queue[V]) Pop(ctx context.Context, req PopRequest[V]) (items []V, ok bool, err error) {
	return q.pop(ctx, req, false)
}

// pop implements [Queue.Pop]. A live pop fails with errRetired instead of
// touching a retired queue, whether it finds q retired on entry or is parked
// on q when it retires.
func (q *Queue[V]) pop(ctx context.Context, req PopRequest[V], live bool) (items []V, ok bool, err error) {
	size := req.size()

	q.mu.Lock()
	defer q.mu.Unlock()

	if live && q.retired {
		return nil, false, errRetired
	}
	if !req.Block || q.take(size) > 0 {
		items, ok = q.popLocked(size, req)
		return
	}

	w := &waiter{size: size, lock: req.Lock, wake: make(chan struct{}, 1)}
	q.waiters.PushBack(w)
	for {
		q.mu.Unlock()
		select {
		case <-w.wake:
		case <-ctx.Done():
		}
		q.mu.Lock()

		if live && q.retired {
			q.removeWaiter(w)
			return nil, false, errRetired
		}
		if q.eligible(w, w.capped) {
			q.removeWaiter(w)
			if items, ok = q.popLocked(size, req); !ok {
				// Accept declined items that other waiters were skipped over for.
				q.wakeWaiters(w.capped)
			}
			return
		}
		if err = ctx.Err(); err != nil {
			q.removeWaiter(w)
			// We may have absorbed a wake meant for us while giving up, so let the
			// remaining waiters have a look at what is here.
			q.wakeWaiters(w.capped)
			return nil, false, err
		}
		w.capped = false // Lost a race for the items; park again in place.
	}
}

// TryPop removes and returns the front item if one is available.
func (q *Queue[V]) TryPop() (item V, ok bool) { return popFunc[V](q.Pop).tryPop() }

// TryPopN removes and returns up to n items from the front of the queue without
// blocking. The result is empty if no items are available or n <= 0.
func (q *Queue[V]) TryPopN(n int) []V { return popFunc[V](q.Pop).tryPopN(n) }

// Wait removes and returns the front item, blocking until one is available or
// ctx is done.
func (q *Queue[V]) Wait(ctx context.Context) (V, error) { return popFunc[V](q.Pop).wait(ctx) }

// WaitN removes and returns up to n items, blocking as described by
// [Queue.Pop].
func (q *Queue[V]) WaitN(ctx context.Context, n int) ([]V, error) {
	return popFunc[V](q.Pop).waitN(ctx, n)
}

// popFunc has the shape of [Queue.Pop]. The convenience pops of [Queue] and
// [Handle] are built on it.
type popFunc[V any] func(context.Context, PopRequest[V]) ([]V, bool, error)

func (pop popFunc[V]) tryPop() (item V, ok bool) {
	items, ok, _ := pop(context.Background(), PopRequest[V]{})
	if ok {
		item = items[0]
	}
	return
}

func (pop popFunc[V]) tryPopN(n int) []V {
	if n <= 0 {
		return nil
	}
	items, _, _ := pop(context.Background(), PopRequest[V]{Size: n})
	return items
}

func (pop popFunc[V]) wait(ctx context.Context) (item V, err error) {
	items, _, err := pop(ctx, PopRequest[V]{Block: true})
	if err == nil {
		item = items[0]
	}
	return
}

func (pop popFunc[V]) waitN(ctx context.Context, n int) ([]V, error) {
	if n <= 0 {
		return nil, nil
	}
	items, _, err := pop(ctx, PopRequest[V]{Size: n, Block: true})
	return items, err
}

// take is the number of items that a pop of the given size may remove right
// now. It is not positive when the pop must return nothing.
func (q *Queue[V]) take(size int) int {
	return min(size, q.items.Len()) - q.locks.count()
}

func (q *Queue[V]) popLocked(size int, req PopRequest[V]) ([]V, bool) {
	n := q.take(size)
	if n <= 0 {
		return nil, false
	}

	items := make([]V, n)
	for i := range items {
		items[i] = q.items.At(i)
	}
	if req.Accept != nil && !req.Accept(items) {
		return nil, false
	}

	for range n {
		q.items.PopFront()
	}
	if req.Lock {
		q.locks.lock(n)
	}
	return items, true
}

// eligible reports whether w may take items now. Uncapped waiters hold out
// for their whole batch, since an enqueue might still supply it. Capped
// waiters settle for any positive take.
func (q *Queue[V]) eligible(w *waiter, capped bool) bool {
	return q.take(w.size) > 0 && (capped || q.items.Len() >= w.size)
}

// wakeWaiters signals, in arrival order, every waiter that the current items
// can satisfy. It charges each woken waiter's take against a running tally, so
// that two waiters are never woken for the same items.
func (q *Queue[V]) wakeWaiters(capped bool) {
	var (
		avail = q.items.Len()
		locks = q.locks.count()
	)
	for i := 0; i < q.waiters.Len() && avail > locks; i++ {
		w := q.waiters.At(i)
		take := min(w.size, avail) - locks
		if take <= 0 || (!capped && avail < w.size) {
			continue
		}
		w.signal(capped)
		avail -= take
		if w.lock {
			locks += take
		}
	}
}

func (q *Queue[V]) removeWaiter(w *waiter) {
	if i := q.waiters.Index(func(x *waiter) bool { return x == w }); i >= 0 {
		q.waiters.Remove(i)
	}
}

// Peek returns the front item without removing it. It ignores lock credits.
func (q *Queue[V]) Peek() (item V, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() > 0 {
		item, ok = q.items.Front(), true
	}
	return
}

// PeekN returns up to n items from the front of the queue without removing
// them. It ignores lock credits.
func (q *Queue[V]) PeekN(n int) []V {
	q.mu.Lock()
	defer q.mu.Unlock()
	n = min(max(n, 0), q.items.Len())
	if n == 0 {
		return nil
	}
	items := make([]V, n)
	for i := range items {
		items[i] = q.items.At(i)
	}
	return items
}

// Len returns the number of items in the queue, locked or not.
func (q *Queue[V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Empty reports whether the queue holds no items.
func (q *Queue[V]) Empty() bool {
	return q.Len() == 0
}

// Clear removes every item from the queue. It does not release lock credits.
func (q *Queue[V]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Clear()
}

// Lock adds n lock credits to the queue, independent of any pop.
func (q *Queue[V]) Lock(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.locks.lock(n)
}

// lockLive behaves like Lock, unless q is retired, in which case it leaves q
// untouched and returns false.
func (q *Queue[V]) lockLive(n int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retired {
		return false
	}
	q.locks.lock(n)
	return true
}

// Unlock releases up to n lock credits, never dropping below zero, and wakes
// any blocked pops that can now take items.
func (q *Queue[V]) Unlock(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.locks.unlock(n) > 0 {
		q.wakeWaiters(true)
	}
}

// UnlockAll releases every lock credit and wakes any blocked pops that can now
// take items.
func (q *Queue[V]) UnlockAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.locks.reset() > 0 {
		q.wakeWaiters(true)
	}
}

// Locked reports whether the queue holds any lock credits.
func (q *Queue[V]) Locked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.locks.locked()
}

// LockCount returns the number of outstanding lock credits.
func (q *Queue[V]) LockCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.locks.count()
}

// Snapshot returns a deep copy of the queue's items in order, leaving the queue
// untouched. Callers can inspect or modify the copy without racing producers or
// consumers that share the original values.
func (q *Queue[V]) Snapshot() ([]V, error) {
	q.mu.Lock()
	items := make([]V, q.items.Len())
	for i := range items {
		items[i] = q.items.At(i)
	}
	q.mu.Unlock()
	if len(items) == 0 {
		return items, nil
	}

	copied, err := copystructure.Copy(items)
	if err != nil {
		return nil, err
	}
	return copied.([]V), nil
}

// retireIfIdle retires q if it holds no items, no lock credits, and no parked
// waiters, and reports whether it did.
func (q *Queue[V]) retireIfIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() > 0 || q.locks.locked() || q.waiters.Len() > 0 {
		return false
	}
	q.retired = true
	return true
}

// retire retires q regardless of its contents, and pokes its waiters so that
// live pops among them can move to the key's next queue.
func (q *Queue[V]) retire() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retired = true
	for i := range q.waiters.Len() {
		q.waiters.At(i).poke()
	}
}
