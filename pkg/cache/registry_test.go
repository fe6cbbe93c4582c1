package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SubscribeCounts(t *testing.T) {
	store, _ := newTestStore(t)
	reg := store.Registry()

	sub1 := reg.Subscribe(productsKey, func(cache.Snapshot) {})
	sub2 := reg.Subscribe(productsKey, func(cache.Snapshot) {})

	assert.Equal(t, 2, reg.Subscribers(productsKey))
	assert.NotEqual(t, sub1.ID, sub2.ID)
	snap, ok := store.Get(productsKey)
	require.True(t, ok, "subscribing creates the entry")
	assert.Equal(t, cache.StatusEmpty, snap.Status)
	assert.Equal(t, 2, snap.Subscribers)

	sub1.Unsubscribe()
	sub1.Unsubscribe() // idempotent
	assert.Equal(t, 1, reg.Subscribers(productsKey))
}

func TestRegistry_GarbageCollection(t *testing.T) {
	t.Run("Entry is evicted only after the grace period", func(t *testing.T) {
		// Arrange
		store, clock := newTestStore(t)
		reg := store.Registry()
		sub := reg.Subscribe(productsKey, func(cache.Snapshot) {})
		store.Write(productsKey, "p")

		// Act 1: last subscriber leaves.
		sub.Unsubscribe()
		clock.Advance(reg.GracePeriod() - time.Second)

		// Assert 1
		assert.Equal(t, 0, reg.CollectGarbage())
		_, ok := store.Get(productsKey)
		assert.True(t, ok, "entry survives inside the grace period")

		// Act 2
		clock.Advance(time.Second)

		// Assert 2
		assert.Equal(t, 1, reg.CollectGarbage())
		_, ok = store.Get(productsKey)
		assert.False(t, ok)
	})

	t.Run("Resubscribing during the grace period keeps the entry", func(t *testing.T) {
		store, clock := newTestStore(t)
		reg := store.Registry()
		sub := reg.Subscribe(productsKey, func(cache.Snapshot) {})
		store.Write(productsKey, "p")
		sub.Unsubscribe()

		clock.Advance(time.Minute)
		sub2 := reg.Subscribe(productsKey, func(cache.Snapshot) {})
		clock.Advance(time.Minute)
		sub2.Unsubscribe() // grace timer restarts here
		clock.Advance(reg.GracePeriod() - time.Second)

		assert.Equal(t, 0, reg.CollectGarbage(), "zero subscribers must hold for the whole grace period")

		clock.Advance(time.Second)
		assert.Equal(t, 1, reg.CollectGarbage())
	})

	t.Run("Watched entries are never collected", func(t *testing.T) {
		store, clock := newTestStore(t)
		reg := store.Registry()
		reg.Subscribe(productsKey, func(cache.Snapshot) {})
		store.Write(productsKey, "p")

		clock.Advance(time.Hour)

		assert.Equal(t, 0, reg.CollectGarbage())
	})

	t.Run("Entries nobody subscribed to are collected", func(t *testing.T) {
		store, clock := newTestStore(t)
		store.Write(ordersKey, "o")

		clock.Advance(store.Registry().GracePeriod())

		assert.Equal(t, 1, store.Registry().CollectGarbage())
	})

	t.Run("Entries with a fetch in flight wait for a later pass", func(t *testing.T) {
		store, clock := newTestStore(t)
		gen := store.MarkLoading(ordersKey)
		clock.Advance(store.Registry().GracePeriod())

		assert.Equal(t, 0, store.Registry().CollectGarbage())

		store.SettleFetch(ordersKey, gen, "late", nil)
		assert.Equal(t, 1, store.Registry().CollectGarbage(), "the late write lands and the entry is collectable")
	})
}

func TestRegistry_SubscriptionSurvivesClear(t *testing.T) {
	store, _ := newTestStore(t)
	var rec recorder
	store.Registry().Subscribe(ordersKey, rec.listen)
	store.Write(ordersKey, "o")

	store.Clear()
	store.Write(ordersKey, "after sign-in")

	assert.Equal(t, 1, store.Registry().Subscribers(ordersKey))
	assert.Equal(t, "after sign-in", rec.last().Data)
}

func TestRegistry_Run(t *testing.T) {
	// Arrange
	store, clock := newTestStore(t)
	store.Write(querykey.New("stats"), 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- store.Registry().Run(ctx) }()
	require.NoError(t, clock.BlockUntilContext(ctx, 1), "collector should be waiting on its ticker")

	// Act
	clock.Advance(store.Registry().GracePeriod())

	// Assert
	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
