package cache_test

import (
	"context"
	"errors"
	"testing"

	"github.com/matryer/is"

	"go.liveq.dev/liveq/pkg/cache"
)

func TestHashKey(t *testing.T) {
	is := is.New(t)

	is.Equal(cache.HashKey("q1"), cache.HashKey("q1"))
	is.True(cache.HashKey("q1") != cache.HashKey("q2"))

	type key struct {
		Topic string
		After int64
	}
	is.Equal(cache.HashKey(key{"a", 1}), cache.HashKey(key{"a", 1}))
	is.True(cache.HashKey(key{"a", 1}) != cache.HashKey(key{"a", 2}))
}

func TestObserverAccounting(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	c, err := cache.New(ctx)
	is.NoErr(err)

	var got []cache.LifecycleEvent
	is.NoErr(c.SubscribeLifecycle(ctx, func(ctx context.Context, ev cache.LifecycleEvent) {
		got = append(got, ev)
	}))

	id := cache.HashKey("q1")

	n, err := c.ObserverAdded(ctx, id)
	is.NoErr(err)
	is.Equal(n, 1)

	n, err = c.ObserverAdded(ctx, id)
	is.NoErr(err)
	is.Equal(n, 2)

	n, err = c.ObserverCount(ctx, id)
	is.NoErr(err)
	is.Equal(n, 2)

	n, err = c.ObserverRemoved(ctx, id)
	is.NoErr(err)
	is.Equal(n, 1)

	n, err = c.ObserverRemoved(ctx, id)
	is.NoErr(err)
	is.Equal(n, 0)

	// removal below zero clamps
	n, err = c.ObserverRemoved(ctx, id)
	is.NoErr(err)
	is.Equal(n, 0)

	is.Equal(got, []cache.LifecycleEvent{
		{Kind: cache.QueryAdded, ID: id},
		{Kind: cache.ObserverAdded, ID: id, Observers: 1},
		{Kind: cache.ObserverAdded, ID: id, Observers: 2},
		{Kind: cache.ObserverRemoved, ID: id, Observers: 1},
		{Kind: cache.ObserverRemoved, ID: id, Observers: 0},
		{Kind: cache.ObserverRemoved, ID: id, Observers: 0},
	})
}

func TestQueryAddedOncePerGeneration(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	c, err := cache.New(ctx)
	is.NoErr(err)

	var added int
	is.NoErr(c.SubscribeLifecycle(ctx, func(ctx context.Context, ev cache.LifecycleEvent) {
		if ev.Kind == cache.QueryAdded {
			added++
		}
	}))

	id := cache.HashKey("q1")

	_, err = c.ObserverAdded(ctx, id)
	is.NoErr(err)
	_, err = c.ObserverAdded(ctx, id)
	is.NoErr(err)
	is.Equal(added, 1)

	// invalidation ends the generation; the next attach is a fresh query
	is.NoErr(c.Invalidate(ctx, id))
	_, err = c.ObserverAdded(ctx, id)
	is.NoErr(err)
	is.Equal(added, 2)
}

func TestGetSetInvalidate(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	c, err := cache.New(ctx)
	is.NoErr(err)

	id := cache.HashKey("q1")

	_, ok := c.Get(ctx, id)
	is.True(!ok)

	c.Set(ctx, id, "a")
	v, ok := c.Get(ctx, id)
	is.True(ok)
	is.Equal(v, "a")

	c.Set(ctx, id, "b")
	v, ok = c.Get(ctx, id)
	is.True(ok)
	is.Equal(v, "b")

	var removed []string
	is.NoErr(c.SubscribeLifecycle(ctx, func(ctx context.Context, ev cache.LifecycleEvent) {
		if ev.Kind == cache.QueryRemoved {
			removed = append(removed, ev.ID)
		}
	}))

	is.NoErr(c.Invalidate(ctx, id))
	_, ok = c.Get(ctx, id)
	is.True(!ok)
	is.Equal(removed, []string{id})
}

func TestFetchStoresResult(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	c, err := cache.New(ctx)
	is.NoErr(err)

	id := cache.HashKey("q1")

	calls := 0
	v, err := c.Fetch(ctx, id, func(ctx context.Context) (any, error) {
		calls++
		return "x", nil
	})
	is.NoErr(err)
	is.Equal(v, "x")
	is.Equal(calls, 1)

	got, ok := c.Get(ctx, id)
	is.True(ok)
	is.Equal(got, "x")
}

func TestFetchErrorNotCached(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	c, err := cache.New(ctx)
	is.NoErr(err)

	id := cache.HashKey("q1")
	boom := errors.New("fetch failed")

	_, err = c.Fetch(ctx, id, func(ctx context.Context) (any, error) {
		return nil, boom
	})
	is.True(errors.Is(err, boom))

	_, ok := c.Get(ctx, id)
	is.True(!ok)
}
