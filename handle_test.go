package hashqueue

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleForwards(t *testing.T) {
	m := NewMap[string, int]()
	h := m.Handle("foo")
	assert.Equal(t, "foo", h.Key())

	h.Enqueue(1, 2, 3)
	assert.Equal(t, 3, h.Len())
	assert.False(t, h.Empty())

	item, ok := h.Peek()
	assert.True(t, ok)
	assert.Equal(t, 1, item)
	assert.Equal(t, []int{1, 2}, h.PeekN(2))

	h.Lock(2)
	assert.True(t, h.Locked())
	assert.Equal(t, 2, h.LockCount())
	assert.Equal(t, []int{1}, h.TryPopN(3))

	h.Unlock(1)
	item, ok = h.TryPop()
	assert.False(t, ok, "TryPop ignored a covering credit")
	h.UnlockAll()
	item, ok = h.TryPop()
	assert.True(t, ok)
	assert.Equal(t, 2, item)

	snap, err := h.Snapshot()
	assert.NoError(t, err)
	assert.Equal(t, []int{3}, snap)

	items, ok, err := h.Pop(context.Background(), PopRequest[int]{Size: 5, Lock: true})
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int{3}, items)
	assert.Equal(t, 1, m.Resolve("foo").LockCount())

	h.Enqueue(4)
	h.Clear()
	assert.True(t, h.Empty())
}

func TestHandleShareQueue(t *testing.T) {
	m := NewMap[string, int]()
	a, b := m.Handle("foo"), m.Handle("foo")
	a.Enqueue(1)
	item, ok := b.TryPop()
	assert.True(t, ok)
	assert.Equal(t, 1, item)
	assert.Same(t, a.Queue(), b.Queue())
}

func TestHandleSurvivesClear(t *testing.T) {
	m := NewMap[string, int]()
	h := m.Handle("foo")
	h.Enqueue(1)
	before := h.Queue()

	m.Clear()
	assert.True(t, h.Empty())
	assert.Equal(t, 0, h.LockCount())
	assert.NotSame(t, before, h.Queue())

	h.Enqueue(2)
	item, ok := h.TryPop()
	assert.True(t, ok)
	assert.Equal(t, 2, item)
}

func TestHandleSurvivesClean(t *testing.T) {
	m := NewMap[string, int]()
	h := m.Handle("foo")
	h.Enqueue(1)
	h.TryPop()
	m.Clean()
	assert.Empty(t, m.Keys())

	h.Enqueue(2)
	assert.Equal(t, []string{"foo"}, m.Keys())
	assert.Equal(t, []int{2}, m.TryPop())
}

func TestHandleWaitSynctest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := NewMap[string, int]()
		producer := m.Handle("foo")
		consumer := m.Handle("foo")
		go func() {
			time.Sleep(time.Second)
			producer.Enqueue(1, 2)
		}()

		items, err := consumer.WaitN(context.Background(), 2)
		assert.NoError(t, err)
		assert.Equal(t, []int{1, 2}, items)

		go func() {
			time.Sleep(time.Second)
			producer.Enqueue(3)
		}()
		item, err := consumer.Wait(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 3, item)
	})
}

func TestHandleWaitMovesAcrossClearSynctest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := NewMap[string, int]()
		h := m.Handle("foo")
		result := make(chan int, 1)
		go func() {
			item, err := h.Wait(context.Background())
			assert.NoError(t, err)
			result <- item
		}()
		synctest.Wait()
		before := h.Queue()

		m.Clear()
		synctest.Wait()
		assert.Equal(t, 0, waiterCount(before), "waiter stayed on the cleared queue")
		assert.Equal(t, 1, waiterCount(h.Queue()))

		h.Enqueue(1)
		assert.Equal(t, 1, <-result)
	})
}

func TestHandleLockAcrossClear(t *testing.T) {
	m := NewMap[string, int]()
	h := m.Handle("foo")
	h.Lock(1)
	m.Clear()
	assert.Equal(t, 0, h.LockCount())

	h.Lock(2)
	assert.Equal(t, 2, h.LockCount())
}

func TestRetiredQueueRefusesLiveOperations(t *testing.T) {
	m := NewMap[string, int]()
	stale := m.Resolve("foo")
	require.Equal(t, 1, m.Clean())

	_, _, err := stale.pop(context.Background(), PopRequest[int]{Block: true}, true)
	assert.ErrorIs(t, err, errRetired)
	assert.False(t, stale.lockLive(1))
	assert.Equal(t, 0, stale.LockCount())

	// Direct use of the retired queue keeps working for its holder.
	stale.Enqueue(1)
	item, ok := stale.TryPop()
	assert.True(t, ok)
	assert.Equal(t, 1, item)
}

func TestHandleConcurrentWaitLockAndClean(t *testing.T) {
	const rounds = 500
	m := NewMap[string, int]()
	h := m.Handle("foo")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		wg   conc.WaitGroup
		done atomic.Bool
	)
	wg.Go(func() {
		for !done.Load() {
			m.Clean()
			runtime.Gosched()
		}
	})
	defer wg.Wait()
	defer done.Store(true)

	for i := range rounds {
		// Credits must land in the queue that the key resolves to.
		h.Lock(1)
		require.Equal(t, 1, h.LockCount(), "round %d: credit landed in a removed queue", i)
		h.Unlock(1)

		result := make(chan int, 1)
		go func() {
			item, err := h.Wait(ctx)
			if err != nil {
				item = -1
			}
			result <- item
		}()
		runtime.Gosched()
		h.Enqueue(i)
		require.Equal(t, i, <-result, "round %d: waiter missed an item", i)
	}
}
