package hashqueue

import (
	"context"
	"errors"
)

// Handle is a capability to operate on the queue for a single key of a [Map].
//
// A Handle owns no queue. Every method resolves the key's current queue
// afresh, creating it if necessary, so a Handle stays valid across
// [Map.Clean] and [Map.Clear]. The zero value is not usable; obtain handles
// from [Map.Handle].
type Handle[K comparable, V any] struct {
	m   *Map[K, V]
	key K
}

// Key returns the key that h operates on.
func (h Handle[K, V]) Key() K { return h.key }

// Queue returns the key's current queue. Prefer the forwarding methods on h,
// since the returned queue may be retired by a later cleanup.
func (h Handle[K, V]) Queue() *Queue[V] { return h.m.Resolve(h.key) }

// Enqueue is analogous to [Queue.Enqueue], and is safe against concurrent
// cleanup of the key.
func (h Handle[K, V]) Enqueue(items ...V) { h.m.Enqueue(h.key, items...) }

// Pop is analogous to [Queue.Pop]. A pop that finds the key's queue retired
// by a concurrent cleanup, before or while it blocks, starts over against the
// key's current queue.
func (h Handle[K, V]) Pop(ctx context.Context, req PopRequest[V]) ([]V, bool, error) {
	for {
		items, ok, err := h.Queue().pop(ctx, req, true)
		if !errors.Is(err, errRetired) {
			return items, ok, err
		}
	}
}

// TryPop is analogous to [Queue.TryPop].
func (h Handle[K, V]) TryPop() (V, bool) { return popFunc[V](h.Pop).tryPop() }

// TryPopN is analogous to [Queue.TryPopN].
func (h Handle[K, V]) TryPopN(n int) []V { return popFunc[V](h.Pop).tryPopN(n) }

// Wait is analogous to [Queue.Wait].
func (h Handle[K, V]) Wait(ctx context.Context) (V, error) { return popFunc[V](h.Pop).wait(ctx) }

// WaitN is analogous to [Queue.WaitN].
func (h Handle[K, V]) WaitN(ctx context.Context, n int) ([]V, error) {
	return popFunc[V](h.Pop).waitN(ctx, n)
}

// Peek is analogous to [Queue.Peek].
func (h Handle[K, V]) Peek() (V, bool) { return h.Queue().Peek() }

// PeekN is analogous to [Queue.PeekN].
func (h Handle[K, V]) PeekN(n int) []V { return h.Queue().PeekN(n) }

// Len is analogous to [Queue.Len].
func (h Handle[K, V]) Len() int { return h.Queue().Len() }

// Empty is analogous to [Queue.Empty].
func (h Handle[K, V]) Empty() bool { return h.Queue().Empty() }

// Clear is analogous to [Queue.Clear].
func (h Handle[K, V]) Clear() { h.Queue().Clear() }

// Lock is analogous to [Queue.Lock], and is safe against concurrent cleanup of
// the key.
func (h Handle[K, V]) Lock(n int) {
	for !h.Queue().lockLive(n) {
	}
}

// Unlock is analogous to [Queue.Unlock].
func (h Handle[K, V]) Unlock(n int) { h.Queue().Unlock(n) }

// UnlockAll is analogous to [Queue.UnlockAll].
func (h Handle[K, V]) UnlockAll() { h.Queue().UnlockAll() }

// Locked is analogous to [Queue.Locked].
func (h Handle[K, V]) Locked() bool { return h.Queue().Locked() }

// LockCount is analogous to [Queue.LockCount].
func (h Handle[K, V]) LockCount() int { return h.Queue().LockCount() }

// Snapshot is analogous to [Queue.Snapshot].
func (h Handle[K, V]) Snapshot() ([]V, error) { return h.Queue().Snapshot() }
