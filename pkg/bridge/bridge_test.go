package bridge_test

import (
	"context"
	"errors"
	"testing"

	"github.com/matryer/is"

	"go.liveq.dev/liveq/pkg/bridge"
	"go.liveq.dev/liveq/pkg/cache"
	"go.liveq.dev/liveq/pkg/registry"
	"go.liveq.dev/liveq/pkg/slot"
	memsource "go.liveq.dev/liveq/pkg/source/mem-source"
)

func setup(t *testing.T) (context.Context, *memsource.MemSource, *cache.Cache, *bridge.Bridge) {
	t.Helper()
	is := is.New(t)
	ctx := context.Background()

	src := memsource.New(ctx)

	c, err := cache.New(ctx)
	is.NoErr(err)

	reg, err := registry.New(ctx)
	is.NoErr(err)

	b, err := bridge.New(ctx, src, reg, c)
	is.NoErr(err)

	is.NoErr(c.SubscribeLifecycle(ctx, b.OnLifecycle))

	return ctx, src, c, b
}

func TestSingleSubscriptionPerIdentity(t *testing.T) {
	is := is.New(t)
	ctx, src, c, b := setup(t)

	id := cache.HashKey("q1")

	// repeated attaches with no detach-to-zero open exactly one subscription
	for i := 0; i < 3; i++ {
		_, err := c.ObserverAdded(ctx, id)
		is.NoErr(err)
	}

	n, err := src.SubscriberCount(ctx, id)
	is.NoErr(err)
	is.Equal(n, 1)

	st, err := b.State(ctx, id)
	is.NoErr(err)
	is.Equal(st, bridge.AwaitingFirstEvent)
}

func TestFirstEventResolvesLaterEventsCache(t *testing.T) {
	is := is.New(t)
	ctx, src, c, b := setup(t)

	id := cache.HashKey("q1")

	_, err := c.ObserverAdded(ctx, id)
	is.NoErr(err)

	is.NoErr(src.Publish(ctx, id, "a"))

	st, err := b.State(ctx, id)
	is.NoErr(err)
	is.Equal(st, bridge.HasData)

	v, err := b.Wait(ctx, id)
	is.NoErr(err)
	is.Equal(v, "a")

	// the fetch path stores the first value
	v, err = c.Fetch(ctx, id, func(ctx context.Context) (any, error) { return b.Wait(ctx, id) })
	is.NoErr(err)
	is.Equal(v, "a")

	// a later push lands in the cache without touching the slot
	is.NoErr(src.Publish(ctx, id, "b"))

	got, ok := c.Get(ctx, id)
	is.True(ok)
	is.Equal(got, "b")

	v, err = b.Wait(ctx, id)
	is.NoErr(err)
	is.Equal(v, "a") // slot not re-resolved
}

func TestDetachToZeroClosesSubscription(t *testing.T) {
	is := is.New(t)
	ctx, src, c, b := setup(t)

	id := cache.HashKey("q1")

	_, err := c.ObserverAdded(ctx, id)
	is.NoErr(err)
	_, err = c.ObserverAdded(ctx, id)
	is.NoErr(err)

	// first removal leaves one observer; the subscription stays open
	_, err = c.ObserverRemoved(ctx, id)
	is.NoErr(err)

	n, err := src.SubscriberCount(ctx, id)
	is.NoErr(err)
	is.Equal(n, 1)

	_, err = c.ObserverRemoved(ctx, id)
	is.NoErr(err)

	n, err = src.SubscriberCount(ctx, id)
	is.NoErr(err)
	is.Equal(n, 0)

	st, err := b.State(ctx, id)
	is.NoErr(err)
	is.Equal(st, bridge.Unsubscribed)

	// a pending fetch for the torn down generation is released
	_, err = b.Wait(ctx, id)
	is.True(errors.Is(err, bridge.ErrNotAttached) || errors.Is(err, slot.ErrCancelled))
}

func TestReattachOpensFreshSubscription(t *testing.T) {
	is := is.New(t)
	ctx, src, c, b := setup(t)

	id := cache.HashKey("q1")

	_, err := c.ObserverAdded(ctx, id)
	is.NoErr(err)
	_, err = c.ObserverRemoved(ctx, id)
	is.NoErr(err)

	_, err = c.ObserverAdded(ctx, id)
	is.NoErr(err)

	n, err := src.SubscriberCount(ctx, id)
	is.NoErr(err)
	is.Equal(n, 1)

	st, err := b.State(ctx, id)
	is.NoErr(err)
	is.Equal(st, bridge.AwaitingFirstEvent)
}

func TestLateJoinerServedFromCache(t *testing.T) {
	is := is.New(t)
	ctx, src, c, b := setup(t)

	id := cache.HashKey("q1")

	_, err := c.ObserverAdded(ctx, id)
	is.NoErr(err)

	is.NoErr(src.Publish(ctx, id, "a"))

	_, err = c.Fetch(ctx, id, func(ctx context.Context) (any, error) { return b.Wait(ctx, id) })
	is.NoErr(err)

	// second consumer attaches after data arrived: no new subscription,
	// value comes straight from the cache
	_, err = c.ObserverAdded(ctx, id)
	is.NoErr(err)

	n, err := src.SubscriberCount(ctx, id)
	is.NoErr(err)
	is.Equal(n, 1)

	v, ok := c.Get(ctx, id)
	is.True(ok)
	is.Equal(v, "a")
}

func TestDeliveryErrorBeforeFirstEventRejects(t *testing.T) {
	is := is.New(t)
	ctx, src, c, b := setup(t)

	id := cache.HashKey("q1")

	_, err := c.ObserverAdded(ctx, id)
	is.NoErr(err)

	boom := errors.New("upstream gone")
	is.NoErr(src.PublishError(ctx, id, boom))

	_, err = b.Wait(ctx, id)
	is.True(errors.Is(err, boom))
}

func TestDeliveryErrorAfterFirstEventDropped(t *testing.T) {
	is := is.New(t)
	ctx, src, c, b := setup(t)

	id := cache.HashKey("q1")

	_, err := c.ObserverAdded(ctx, id)
	is.NoErr(err)

	is.NoErr(src.Publish(ctx, id, "a"))
	is.NoErr(src.PublishError(ctx, id, errors.New("late failure")))

	// the settled slot keeps its value; the cache keeps the last good one
	v, err := b.Wait(ctx, id)
	is.NoErr(err)
	is.Equal(v, "a")
}

func TestEvictionWinsOverObservers(t *testing.T) {
	is := is.New(t)
	ctx, src, c, b := setup(t)

	id := cache.HashKey("q1")

	_, err := c.ObserverAdded(ctx, id)
	is.NoErr(err)
	_, err = c.ObserverAdded(ctx, id)
	is.NoErr(err)

	is.NoErr(c.Invalidate(ctx, id))

	n, err := src.SubscriberCount(ctx, id)
	is.NoErr(err)
	is.Equal(n, 0)

	st, err := b.State(ctx, id)
	is.NoErr(err)
	is.Equal(st, bridge.Unsubscribed)
}

func TestScenarioQ1(t *testing.T) {
	is := is.New(t)
	ctx, src, c, b := setup(t)

	id := cache.HashKey("Q1")

	_, err := c.ObserverAdded(ctx, id)
	is.NoErr(err)

	n, err := src.SubscriberCount(ctx, id)
	is.NoErr(err)
	is.Equal(n, 1)

	is.NoErr(src.Publish(ctx, id, "a"))

	v, err := c.Fetch(ctx, id, func(ctx context.Context) (any, error) { return b.Wait(ctx, id) })
	is.NoErr(err)
	is.Equal(v, "a")

	got, ok := c.Get(ctx, id)
	is.True(ok)
	is.Equal(got, "a")

	is.NoErr(src.Publish(ctx, id, "b"))

	got, ok = c.Get(ctx, id)
	is.True(ok)
	is.Equal(got, "b")

	v, err = b.Wait(ctx, id)
	is.NoErr(err)
	is.Equal(v, "a")

	_, err = c.ObserverRemoved(ctx, id)
	is.NoErr(err)

	n, err = src.SubscriberCount(ctx, id)
	is.NoErr(err)
	is.Equal(n, 0)
}
