package cache_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	productsKey = querykey.New("products").WithParams(map[string]any{"category": "men"})
	ordersKey   = querykey.New("orders", "user", "u1")
)

// newTestStore creates a store on a fake clock with a 5 minute window for
// products and a 1 minute window for orders.
func newTestStore(t *testing.T) (*cache.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	store := cache.NewStore(cache.StoreConfig{
		Policy: cache.NewPolicy(30*time.Second, map[string]time.Duration{
			"products": 5 * time.Minute,
			"orders":   time.Minute,
		}),
		GracePeriod: 2 * time.Minute,
	}, clock, zerolog.Nop())
	return store, clock
}

// recorder collects notifications delivered to a listener.
type recorder struct {
	mu    sync.Mutex
	snaps []cache.Snapshot
}

func (r *recorder) listen(s cache.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() cache.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func TestStore_Write(t *testing.T) {
	// Arrange
	store, clock := newTestStore(t)
	now := clock.Now()

	// Act
	store.Write(productsKey, []string{"p1"})

	// Assert
	snap, ok := store.Get(productsKey)
	require.True(t, ok)
	assert.Equal(t, cache.StatusSuccess, snap.Status)
	assert.Equal(t, []string{"p1"}, snap.Data)
	assert.True(t, snap.HasData)
	assert.NoError(t, snap.Err)
	assert.Equal(t, now, snap.FetchedAt)
	assert.Equal(t, now.Add(5*time.Minute), snap.StaleAfter)
	assert.False(t, snap.IsStale)
}

func TestStore_Get_Absent(t *testing.T) {
	store, _ := newTestStore(t)

	_, ok := store.Get(productsKey)

	assert.False(t, ok)
}

func TestStore_Staleness(t *testing.T) {
	store, clock := newTestStore(t)
	store.Write(productsKey, "data")

	clock.Advance(5*time.Minute - time.Millisecond)
	snap, _ := store.Get(productsKey)
	assert.False(t, snap.IsStale, "data should still be fresh just before the window closes")

	clock.Advance(2 * time.Millisecond)
	snap, _ = store.Get(productsKey)
	assert.True(t, snap.IsStale, "data should be stale once the window has passed")
	assert.Equal(t, "data", snap.Data, "stale data is retained")
}

func TestStore_UnconfiguredResourceUsesDefaultWindow(t *testing.T) {
	store, clock := newTestStore(t)
	key := querykey.New("stats")

	store.Write(key, 42)

	snap, _ := store.Get(key)
	assert.Equal(t, clock.Now().Add(30*time.Second), snap.StaleAfter)
}

func TestStore_MarkLoading(t *testing.T) {
	t.Run("First load is pending", func(t *testing.T) {
		store, _ := newTestStore(t)

		store.MarkLoading(productsKey)

		snap, ok := store.Get(productsKey)
		require.True(t, ok)
		assert.Equal(t, cache.StatusLoading, snap.Status)
		assert.True(t, snap.IsPending())
		assert.True(t, snap.IsFetching)
		assert.False(t, snap.IsStale, "a pending entry is not stale")
	})

	t.Run("Revalidation keeps data", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.Write(productsKey, "old")

		store.MarkLoading(productsKey)

		snap, _ := store.Get(productsKey)
		assert.Equal(t, cache.StatusSuccess, snap.Status)
		assert.Equal(t, "old", snap.Data)
		assert.True(t, snap.IsFetching)
		assert.False(t, snap.IsPending())
	})
}

func TestStore_MarkError(t *testing.T) {
	fetchErr := errors.New("backend unavailable")

	t.Run("Without prior data the entry fails", func(t *testing.T) {
		store, _ := newTestStore(t)

		store.MarkError(productsKey, fetchErr)

		snap, _ := store.Get(productsKey)
		assert.Equal(t, cache.StatusError, snap.Status)
		assert.ErrorIs(t, snap.Err, fetchErr)
		assert.False(t, snap.HasData)
		assert.Nil(t, snap.Data)
	})

	t.Run("Prior data survives and the error is still recorded", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.Write(productsKey, "good")

		store.MarkError(productsKey, fetchErr)

		snap, _ := store.Get(productsKey)
		assert.Equal(t, cache.StatusSuccess, snap.Status)
		assert.Equal(t, "good", snap.Data)
		assert.ErrorIs(t, snap.Err, fetchErr)
	})

	t.Run("Next successful write clears the error", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.MarkError(productsKey, fetchErr)

		store.Write(productsKey, "recovered")

		snap, _ := store.Get(productsKey)
		assert.Equal(t, cache.StatusSuccess, snap.Status)
		assert.NoError(t, snap.Err)
	})
}

func TestStore_Invalidate(t *testing.T) {
	// Arrange: the example from the storefront, products fresh at t=0.
	store, clock := newTestStore(t)
	store.Write(productsKey, []string{"p1"})
	store.Write(ordersKey, []string{"o1"})
	productsBefore, _ := store.Get(productsKey)

	// Act: at t=1 a mutation invalidates the user's orders.
	clock.Advance(time.Second)
	n := store.Invalidate(querykey.HasPrefix("orders", "user", "u1"))

	// Assert
	assert.Equal(t, 1, n)

	orders, _ := store.Get(ordersKey)
	assert.Equal(t, clock.Now(), orders.StaleAfter)
	assert.True(t, orders.IsStale)
	assert.Equal(t, []string{"o1"}, orders.Data, "invalidation keeps last-known-good data")

	products, _ := store.Get(productsKey)
	assert.Equal(t, productsBefore.StaleAfter, products.StaleAfter, "unrelated keys are untouched")
	assert.False(t, products.IsStale)
}

func TestStore_EvictAndClear(t *testing.T) {
	store, _ := newTestStore(t)
	store.Write(productsKey, 1)
	store.Write(ordersKey, 2)

	assert.True(t, store.Evict(productsKey))
	assert.False(t, store.Evict(productsKey), "evicting twice is a no-op")
	_, ok := store.Get(productsKey)
	assert.False(t, ok)

	assert.Equal(t, 1, store.Clear())
	assert.Equal(t, 0, store.Len())
}

func TestStore_NotificationsOnlyReachTheTouchedKey(t *testing.T) {
	// Arrange
	store, _ := newTestStore(t)
	var products, orders recorder
	store.Registry().Subscribe(productsKey, products.listen)
	store.Registry().Subscribe(ordersKey, orders.listen)

	// Act
	store.Write(productsKey, "p")
	store.MarkLoading(productsKey)
	store.MarkError(productsKey, errors.New("x"))
	store.Invalidate(querykey.Exact(productsKey))
	store.Evict(productsKey)

	// Assert
	assert.Equal(t, 5, products.count())
	assert.Equal(t, 0, orders.count())
	last := products.last()
	assert.Equal(t, cache.StatusEmpty, last.Status, "eviction is reported as an empty entry")
	assert.Equal(t, 1, last.Subscribers)
}

func TestStore_UpdateNotifiesOncePerKey(t *testing.T) {
	store, _ := newTestStore(t)
	var rec recorder
	store.Registry().Subscribe(ordersKey, rec.listen)
	store.Write(ordersKey, "v1")
	before := rec.count()

	store.Update(func(tx *cache.Txn) {
		tx.Write(ordersKey, "v2")
		tx.Invalidate(querykey.Exact(ordersKey))
	})

	assert.Equal(t, before+1, rec.count())
	last := rec.last()
	assert.Equal(t, "v2", last.Data)
	assert.True(t, last.IsStale, "the listener sees the final state of the transaction")
}

func TestStore_SettleFetch(t *testing.T) {
	t.Run("Fresh result", func(t *testing.T) {
		store, clock := newTestStore(t)
		gen := store.MarkLoading(productsKey)

		out := store.SettleFetch(productsKey, gen, "data", nil)

		assert.Equal(t, cache.OutcomeFresh, out)
		snap, _ := store.Get(productsKey)
		assert.False(t, snap.IsFetching)
		assert.Equal(t, clock.Now().Add(5*time.Minute), snap.StaleAfter)
	})

	t.Run("Invalidation during flight leaves the late result stale", func(t *testing.T) {
		store, clock := newTestStore(t)
		store.Write(ordersKey, "before")
		gen := store.MarkLoading(ordersKey)
		clock.Advance(time.Second)
		store.Invalidate(querykey.Exact(ordersKey))
		clock.Advance(time.Second)

		out := store.SettleFetch(ordersKey, gen, "late", nil)

		assert.Equal(t, cache.OutcomeRestaled, out)
		snap, _ := store.Get(ordersKey)
		assert.Equal(t, "late", snap.Data)
		assert.True(t, snap.IsStale, "the late write must not be treated as fresh")
		assert.False(t, snap.IsFetching)
	})

	t.Run("Direct write during flight wins over the late result", func(t *testing.T) {
		store, _ := newTestStore(t)
		gen := store.MarkLoading(ordersKey)
		store.Write(ordersKey, "from-mutation")

		out := store.SettleFetch(ordersKey, gen, "late", nil)

		assert.Equal(t, cache.OutcomeDiscarded, out)
		snap, _ := store.Get(ordersKey)
		assert.Equal(t, "from-mutation", snap.Data)
		assert.False(t, snap.IsStale)
		assert.False(t, snap.IsFetching)
	})

	t.Run("Failure keeps prior data", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.Write(ordersKey, "good")
		gen := store.MarkLoading(ordersKey)

		out := store.SettleFetch(ordersKey, gen, nil, errors.New("502"))

		assert.Equal(t, cache.OutcomeFailed, out)
		snap, _ := store.Get(ordersKey)
		assert.Equal(t, "good", snap.Data)
		assert.Error(t, snap.Err)
	})

	t.Run("Result for an evicted entry is dropped", func(t *testing.T) {
		store, _ := newTestStore(t)
		gen := store.MarkLoading(ordersKey)
		store.Clear()
		store.MarkLoading(ordersKey) // a new incarnation

		out := store.SettleFetch(ordersKey, gen, "pre-logout", nil)

		assert.Equal(t, cache.OutcomeDropped, out)
		snap, _ := store.Get(ordersKey)
		assert.False(t, snap.HasData)
		assert.True(t, snap.IsFetching, "the new incarnation's flight is untouched")
	})
}

func TestStore_PlanAndBeginFetch(t *testing.T) {
	t.Run("Fresh entries need no fetch", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.Write(productsKey, "cached")

		plan := store.Plan(productsKey, 0, false)

		assert.False(t, plan.NeedsFetch)
		assert.Equal(t, "cached", plan.Snapshot.Data)
		assert.False(t, plan.Snapshot.IsFetching)
	})

	t.Run("Absent entries are flagged as fetching", func(t *testing.T) {
		store, _ := newTestStore(t)

		plan := store.Plan(productsKey, 0, false)

		assert.True(t, plan.NeedsFetch)
		assert.True(t, plan.Snapshot.IsFetching)
		assert.True(t, plan.Snapshot.IsPending())
	})

	t.Run("Force refetches fresh data", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.Write(productsKey, "cached")

		plan := store.Plan(productsKey, 0, true)

		assert.True(t, plan.NeedsFetch)
		assert.Equal(t, "cached", plan.Snapshot.Data)
	})

	t.Run("Window override applies to the next write", func(t *testing.T) {
		store, clock := newTestStore(t)

		store.Plan(productsKey, 10*time.Second, false)
		store.Write(productsKey, "short-lived")

		snap, _ := store.Get(productsKey)
		assert.Equal(t, clock.Now().Add(10*time.Second), snap.StaleAfter)
	})

	t.Run("BeginFetch skips when another flight already landed", func(t *testing.T) {
		store, _ := newTestStore(t)
		store.Plan(productsKey, 0, false)
		store.Write(productsKey, "landed")

		_, snap, started := store.BeginFetch(productsKey, false)

		assert.False(t, started)
		assert.Equal(t, "landed", snap.Data)
		assert.False(t, snap.IsFetching)
	})
}

func TestStore_Entries(t *testing.T) {
	store, _ := newTestStore(t)
	store.Write(productsKey, 1)
	store.Write(ordersKey, 2)

	entries := store.Entries()

	require.Len(t, entries, 2)
	assert.Equal(t, ordersKey.Canonical(), entries[0].Key.Canonical())
	assert.Equal(t, productsKey.Canonical(), entries[1].Key.Canonical())
}

func TestStore_UpdateDeferred(t *testing.T) {
	// Arrange
	store, _ := newTestStore(t)
	var rec recorder
	store.Registry().Subscribe(ordersKey, rec.listen)

	// Act
	notify := store.UpdateDeferred(func(tx *cache.Txn) {
		tx.Write(ordersKey, "v1")
	})

	// Assert: the write is visible before anyone is told about it.
	snap, ok := store.Get(ordersKey)
	require.True(t, ok)
	assert.Equal(t, "v1", snap.Data)
	assert.Equal(t, 0, rec.count())

	notify()
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "v1", rec.last().Data)
}

func TestStore_SegmentsWithSeparatorsAreDistinctEntries(t *testing.T) {
	// Arrange
	store, _ := newTestStore(t)
	nested := querykey.New("orders", "user", "u1", "recent")
	slashed := querykey.New("orders", "user", "u1/recent")
	withParams := querykey.New("product", "x").WithParams(map[string]any{"a": 1})
	questioned := querykey.New("product", `x?{"a":1}`)

	// Act
	store.Write(nested, "nested")
	store.Write(slashed, "slashed")
	store.Write(withParams, "params")
	store.Write(questioned, "questioned")

	// Assert
	assert.Equal(t, 4, store.Len())
	snap, _ := store.Get(nested)
	assert.Equal(t, "nested", snap.Data)
	snap, _ = store.Get(slashed)
	assert.Equal(t, "slashed", snap.Data)
	snap, _ = store.Get(withParams)
	assert.Equal(t, "params", snap.Data)
	snap, _ = store.Get(questioned)
	assert.Equal(t, "questioned", snap.Data)

	// Only the real path prefix matches; the slashed segment is a different user id.
	n := store.Invalidate(querykey.HasPrefix("orders", "user", "u1"))
	assert.Equal(t, 1, n)
	snap, _ = store.Get(slashed)
	assert.False(t, snap.IsStale)
}
