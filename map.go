package hashqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"

	"go.alexhamlin.co/hashqueue/internal/log"
)

// DefaultPollInterval is how long a blocking [Map.Pop] sleeps between
// attempts when no queue has anything to return.
const DefaultPollInterval = 100 * time.Millisecond

// Option configures a [Map].
type Option func(*config)

type config struct {
	pollInterval time.Duration
}

// WithPollInterval sets the delay between attempts of a blocking [Map.Pop].
// Non-positive intervals select [DefaultPollInterval].
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// Map is a keyed collection of [Queue]s. It creates each key's queue on first
// use, and supports pops that span every queue at once.
//
// Operations on different keys proceed in parallel: the map's own lock covers
// only lookups and changes to its key set, never an operation on a queue.
type Map[K comparable, V any] struct {
	// queues holds at most one queue per key. Every handle for a key observes
	// the same queue for as long as it stays in the map.
	queues   map[K]*Queue[V]
	queuesMu sync.Mutex

	pollInterval time.Duration
}

// NewMap creates an empty map.
func NewMap[K comparable, V any](opts ...Option) *Map[K, V] {
	c := config{pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(&c)
	}
	return &Map[K, V]{
		queues:       make(map[K]*Queue[V]),
		pollInterval: c.pollInterval,
	}
}

// Handle returns a [Handle] for key. It does not create the key's queue.
func (m *Map[K, V]) Handle(key K) Handle[K, V] {
	return Handle[K, V]{m: m, key: key}
}

// Resolve returns the queue for key, creating an empty one if the map has none.
//
// The result may be retired by a later [Map.Clean] or [Map.Clear], after which
// items enqueued directly into it are invisible to the map. Use a [Handle] or
// [Map.Enqueue] to produce into a key safely across cleanups.
func (m *Map[K, V]) Resolve(key K) *Queue[V] {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = NewQueue[V]()
		m.queues[key] = q
	}
	return q
}

// Enqueue appends items to the queue for key.
func (m *Map[K, V]) Enqueue(key K, items ...V) {
	// A concurrent Clean can retire the queue between Resolve and the enqueue,
	// in which case the next Resolve creates its replacement.
	for !m.Resolve(key).enqueueLive(items) {
	}
}

// Pop removes items from every queue in the map and returns them together.
//
// Each queue sees a non-blocking pop with req's Size, Lock, and Accept. The
// items from a single queue keep their order, but the order among queues is
// unspecified.
//
// If req.Block is set and no queue returns anything, Pop sleeps for the map's
// poll interval and tries again, until some queue returns items or ctx is
// done. Wake latency is therefore bounded by the poll interval rather than
// driven by enqueues, as no single wait can span the independently locked
// queues.
func (m *Map[K, V]) Pop(ctx context.Context, req PopRequest[V]) ([]V, error) {
	block := req.Block
	req.Block = false

	for {
		items := m.popAll(req)
		if len(items) > 0 || !block {
			return items, nil
		}

		log.Verbosef("hashqueue: nothing to pop, retrying in %v", m.pollInterval)
		timer := time.NewTimer(m.pollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// TryPop removes the front item, if any, from every queue in the map.
func (m *Map[K, V]) TryPop() []V {
	items, _ := m.Pop(context.Background(), PopRequest[V]{})
	return items
}

// TryPopN removes up to n items from every queue in the map.
func (m *Map[K, V]) TryPopN(n int) []V {
	if n <= 0 {
		return nil
	}
	items, _ := m.Pop(context.Background(), PopRequest[V]{Size: n})
	return items
}

func (m *Map[K, V]) popAll(req PopRequest[V]) []V {
	// Queues retired since the snapshot are skipped. Their items were discarded
	// by Clear, or they had none.
	return lo.FlatMap(m.liveQueues(), func(q *Queue[V], _ int) []V {
		items, _, _ := q.pop(context.Background(), req, true)
		return items
	})
}

func (m *Map[K, V]) liveQueues() []*Queue[V] {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()
	return lo.Values(m.queues)
}

// Len returns the total number of items in every queue.
func (m *Map[K, V]) Len() int {
	return lo.SumBy(m.liveQueues(), func(q *Queue[V]) int { return q.Len() })
}

// Empty reports whether every queue in the map is empty.
func (m *Map[K, V]) Empty() bool {
	return m.Len() == 0
}

// Keys returns the keys that currently have queues, in no particular order.
func (m *Map[K, V]) Keys() []K {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()
	return lo.Keys(m.queues)
}

// KeySet returns the keys that currently have queues as a set.
func (m *Map[K, V]) KeySet() mapset.Set[K] {
	return mapset.NewSet(m.Keys()...)
}

// Clean removes the queues for idle keys, and returns how many it removed.
//
// A queue is idle when it holds no items, no lock credits, and no blocked pops.
// Clean deliberately keeps an empty queue that still holds credits or waiters,
// rather than removing every empty queue, since removing it would discard the
// credits and strand the waiters on a queue that nothing can enqueue into.
func (m *Map[K, V]) Clean() (removed int) {
	func() {
		m.queuesMu.Lock()
		defer m.queuesMu.Unlock()
		for key, q := range m.queues {
			if q.retireIfIdle() {
				delete(m.queues, key)
				removed++
			}
		}
	}()
	if removed > 0 {
		log.Verbosef("hashqueue: cleaned %d idle queues", removed)
	}
	return
}

// Clear removes every queue from the map, regardless of contents. Existing
// handles keep working against fresh empty queues.
//
// Blocked pops made through a [Handle] move to the key's fresh queue. Pops
// parked directly on a [Queue] from [Map.Resolve] stay parked until their
// contexts are done, since nothing can enqueue into those queues through the
// map again.
func (m *Map[K, V]) Clear() {
	var cleared int
	func() {
		// Retire under the map lock, so an enqueue can't slip into a queue
		// between its removal and its retirement.
		m.queuesMu.Lock()
		defer m.queuesMu.Unlock()
		for _, q := range m.queues {
			q.retire()
		}
		cleared = len(m.queues)
		m.queues = make(map[K]*Queue[V])
	}()
	log.Verbosef("hashqueue: cleared %d queues", cleared)
}

// Snapshot returns a deep copy of every queue's items, keyed like the map.
func (m *Map[K, V]) Snapshot() (map[K][]V, error) {
	m.queuesMu.Lock()
	queues := lo.Entries(m.queues)
	m.queuesMu.Unlock()

	snap := make(map[K][]V, len(queues))
	for _, e := range queues {
		items, err := e.Value.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("copying queue for %v: %w", e.Key, err)
		}
		snap[e.Key] = items
	}
	return snap, nil
}
