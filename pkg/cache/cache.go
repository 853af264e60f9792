// package cache is the pull side of the bridge: a keyed value store with
// observer accounting and a lifecycle feed. Storage is delegated to
// patrickmn/go-cache; keys are pre-hashed with HashKey.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"go.liveq.dev/liveq/internal/lg"
	"go.liveq.dev/liveq/pkg/locker"
	"go.liveq.dev/liveq/pkg/set"
)

type Kind int

const (
	QueryAdded Kind = iota
	QueryRemoved
	ObserverAdded
	ObserverRemoved
)

func (k Kind) String() string {
	switch k {
	case QueryAdded:
		return "queryAdded"
	case QueryRemoved:
		return "queryRemoved"
	case ObserverAdded:
		return "observerAdded"
	case ObserverRemoved:
		return "observerRemoved"
	}
	return "unknown"
}

// LifecycleEvent is delivered to lifecycle subscribers in emission order.
// Observers carries the count resulting from the change.
type LifecycleEvent struct {
	Kind      Kind
	ID        string
	Observers int
}

type LifecycleFunc func(context.Context, LifecycleEvent)

type state struct {
	observers map[string]int
	seen      set.Set[string]
	lifecycle []LifecycleFunc
}

type Cache struct {
	store *gocache.Cache
	state *locker.Locked[state]
	group singleflight.Group

	Mfetches   syncint64.Counter
	Mhits      syncint64.Counter
	Mevictions syncint64.Counter
}

func New(ctx context.Context) (*Cache, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	m := lg.Meter(ctx)

	c := &Cache{
		store: gocache.New(gocache.NoExpiration, 0),
		state: locker.New(&state{
			observers: make(map[string]int),
			seen:      set.New[string](),
		}),
	}

	var err, errs error
	c.Mfetches, err = m.SyncInt64().Counter("cache_fetches")
	errs = multierr.Append(errs, err)

	c.Mhits, err = m.SyncInt64().Counter("cache_hits")
	errs = multierr.Append(errs, err)

	c.Mevictions, err = m.SyncInt64().Counter("cache_evictions")
	errs = multierr.Append(errs, err)

	return c, errs
}

// HashKey derives the deterministic identity for a structured key. Strings
// hash as-is; other values hash their canonical JSON.
func HashKey(key any) string {
	switch k := key.(type) {
	case string:
		return fmt.Sprintf("%016x", xxhash.Sum64String(k))
	default:
		b, err := json.Marshal(key)
		if err != nil {
			b = []byte(fmt.Sprint(key))
		}
		return fmt.Sprintf("%016x", xxhash.Sum64(b))
	}
}

// SubscribeLifecycle registers fn for every later lifecycle event.
func (c *Cache) SubscribeLifecycle(ctx context.Context, fn LifecycleFunc) error {
	return c.state.Modify(ctx, func(ctx context.Context, state *state) error {
		state.lifecycle = append(state.lifecycle, fn)
		return nil
	})
}

// ObserverAdded records a consumer attaching to the id and returns the
// resulting observer count. The first sight of an id also emits QueryAdded.
func (c *Cache) ObserverAdded(ctx context.Context, id string) (int, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var count int
	var emit []LifecycleEvent
	var fns []LifecycleFunc

	err := c.state.Modify(ctx, func(ctx context.Context, state *state) error {
		if !state.seen.Has(id) {
			state.seen.Add(id)
			emit = append(emit, LifecycleEvent{Kind: QueryAdded, ID: id})
		}
		state.observers[id]++
		count = state.observers[id]
		emit = append(emit, LifecycleEvent{Kind: ObserverAdded, ID: id, Observers: count})
		fns = append(fns, state.lifecycle...)
		return nil
	})
	if err != nil {
		return 0, err
	}

	span.SetAttributes(attribute.String("id", id), attribute.Int("observers", count))
	deliver(ctx, fns, emit)

	return count, nil
}

// ObserverRemoved records a consumer detaching and returns the resulting
// count. Removals below zero clamp at zero.
func (c *Cache) ObserverRemoved(ctx context.Context, id string) (int, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var count int
	var fns []LifecycleFunc

	err := c.state.Modify(ctx, func(ctx context.Context, state *state) error {
		if n := state.observers[id]; n > 0 {
			state.observers[id] = n - 1
			count = n - 1
		}
		if count == 0 {
			delete(state.observers, id)
		}
		fns = append(fns, state.lifecycle...)
		return nil
	})
	if err != nil {
		return 0, err
	}

	span.SetAttributes(attribute.String("id", id), attribute.Int("observers", count))
	deliver(ctx, fns, []LifecycleEvent{{Kind: ObserverRemoved, ID: id, Observers: count}})

	return count, nil
}

// ObserverCount returns the current observers for the id.
func (c *Cache) ObserverCount(ctx context.Context, id string) (int, error) {
	var count int
	err := c.state.Modify(ctx, func(ctx context.Context, state *state) error {
		count = state.observers[id]
		return nil
	})
	return count, err
}

// Get returns the cached value for the id.
func (c *Cache) Get(ctx context.Context, id string) (any, bool) {
	v, ok := c.store.Get(id)
	if ok {
		c.Mhits.Add(ctx, 1)
	}
	return v, ok
}

// Set writes the value for the id, replacing any cached value.
func (c *Cache) Set(ctx context.Context, id string, value any) {
	c.store.Set(id, value, gocache.NoExpiration)
}

// Invalidate evicts the id and clears its bookkeeping, then emits
// QueryRemoved. Explicit removal wins over any remaining observers.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	c.store.Delete(id)
	c.Mevictions.Add(ctx, 1)

	var fns []LifecycleFunc
	err := c.state.Modify(ctx, func(ctx context.Context, state *state) error {
		delete(state.observers, id)
		state.seen.Delete(id)
		fns = append(fns, state.lifecycle...)
		return nil
	})
	if err != nil {
		return err
	}

	deliver(ctx, fns, []LifecycleEvent{{Kind: QueryRemoved, ID: id}})
	return nil
}

// Fetch runs queryFn for the id, collapsing concurrent duplicates, and
// caches the result. queryFn typically awaits a pending-result slot.
func (c *Cache) Fetch(ctx context.Context, id string, queryFn func(context.Context) (any, error)) (any, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	c.Mfetches.Add(ctx, 1)

	v, err, _ := c.group.Do(id, func() (any, error) {
		v, err := queryFn(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, id, v)
		return v, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return v, nil
}

// lifecycle callbacks run after the state lock is released so they can
// re-enter the cache
func deliver(ctx context.Context, fns []LifecycleFunc, events []LifecycleEvent) {
	for _, ev := range events {
		for _, fn := range fns {
			fn(ctx, ev)
		}
	}
}
