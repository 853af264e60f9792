// package bridge converts push deliveries from a source into the pull-style
// fetch contract of the cache. It reacts to cache lifecycle signals, keeps
// one live subscription per identity through the registry, and settles the
// pending-result slot of the current generation with the first event.
package bridge

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"go.liveq.dev/liveq/internal/lg"
	"go.liveq.dev/liveq/pkg/cache"
	"go.liveq.dev/liveq/pkg/locker"
	"go.liveq.dev/liveq/pkg/registry"
	"go.liveq.dev/liveq/pkg/slot"
	"go.liveq.dev/liveq/pkg/source"
)

var ErrNotAttached = errors.New("no active generation")

type State int

const (
	Unsubscribed State = iota
	AwaitingFirstEvent
	HasData
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case AwaitingFirstEvent:
		return "awaiting-first-event"
	case HasData:
		return "has-data"
	}
	return "unknown"
}

// generation is one attach cycle of an identity: created on the first attach
// with no live subscription, discarded on teardown.
type generation struct {
	id      ulid.ULID
	slot    *slot.Slot[any]
	resolve func(any)
	reject  func(error)
}

type state struct {
	gens map[string]*generation
}

type Bridge struct {
	reg   *registry.Registry
	cache *cache.Cache
	src   source.Source

	state *locker.Locked[state]

	Mfirst   syncint64.Counter
	Mcached  syncint64.Counter
	Mreplays syncint64.Counter
	Mdropped syncint64.Counter
}

func New(ctx context.Context, src source.Source, reg *registry.Registry, c *cache.Cache) (*Bridge, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	m := lg.Meter(ctx)

	b := &Bridge{
		reg:   reg,
		cache: c,
		src:   src,
		state: locker.New(&state{gens: make(map[string]*generation)}),
	}

	var err, errs error
	b.Mfirst, err = m.SyncInt64().Counter("bridge_first_events")
	errs = multierr.Append(errs, err)

	b.Mcached, err = m.SyncInt64().Counter("bridge_cached_events")
	errs = multierr.Append(errs, err)

	b.Mreplays, err = m.SyncInt64().Counter("bridge_replays")
	errs = multierr.Append(errs, err)

	b.Mdropped, err = m.SyncInt64().Counter("bridge_dropped_errors")
	errs = multierr.Append(errs, err)

	return b, errs
}

// OnLifecycle is the cache lifecycle callback. Wire it with
// cache.SubscribeLifecycle.
func (b *Bridge) OnLifecycle(ctx context.Context, ev cache.LifecycleEvent) {
	ctx, span := lg.Span(ctx)
	defer span.End()
	span.SetAttributes(
		attribute.String("kind", ev.Kind.String()),
		attribute.String("id", ev.ID),
		attribute.Int("observers", ev.Observers),
	)

	var err error
	switch ev.Kind {
	case cache.ObserverAdded:
		err = b.attach(ctx, ev.ID)
	case cache.ObserverRemoved:
		// only the removal that empties the observer set tears down
		if ev.Observers == 0 {
			err = b.teardown(ctx, ev.ID)
		}
	case cache.QueryRemoved:
		// eviction wins even while observers remain
		err = b.teardown(ctx, ev.ID)
	}
	if err != nil {
		span.RecordError(err)
	}
}

func (b *Bridge) attach(ctx context.Context, id string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	has, err := b.reg.Has(ctx, id)
	if err != nil {
		return err
	}
	if has {
		count, err := b.reg.EventCount(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 {
			// late joiner; the cached value serves it without a resubscribe
			b.Mreplays.Add(ctx, 1)
			span.AddEvent("replay from cache")
		}
		return nil
	}

	var gen *generation
	err = b.state.Modify(ctx, func(ctx context.Context, state *state) error {
		gen = state.gens[id]
		if gen == nil {
			gen = &generation{id: ulid.Make()}
			gen.slot, gen.resolve, gen.reject = slot.New[any]()
			state.gens[id] = gen
		}
		return nil
	})
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("generation", gen.id.String()))

	return b.reg.Open(ctx, id, func(ctx context.Context) (registry.UnsubscribeFunc, error) {
		unsub, err := b.src.Subscribe(ctx, id, func(ctx context.Context, ev source.Event) {
			b.deliver(ctx, id, ev)
		})
		return registry.UnsubscribeFunc(unsub), err
	})
}

func (b *Bridge) deliver(ctx context.Context, id string, ev source.Event) {
	ctx, span := lg.Span(ctx)
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	if ev.Err != nil {
		b.deliverError(ctx, id, ev.Err)
		return
	}

	n, err := b.reg.RecordEvent(ctx, id)
	if err != nil {
		// delivery raced a teardown; nothing is interested anymore
		span.AddEvent("dropped late delivery")
		return
	}

	if n == 1 {
		b.Mfirst.Add(ctx, 1)

		resolve, err := b.resolveFunc(ctx, id)
		if err != nil {
			return
		}
		if resolve == nil {
			// no fetch to satisfy for this generation; keep the value
			b.cache.Set(ctx, id, ev.Data)
			return
		}
		resolve(ev.Data)
		return
	}

	// later events bypass the fetch contract and land in the cache directly
	b.Mcached.Add(ctx, 1)
	b.cache.Set(ctx, id, ev.Data)
}

func (b *Bridge) deliverError(ctx context.Context, id string, deliveryErr error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	count, err := b.reg.EventCount(ctx, id)
	if err != nil {
		span.RecordError(err)
		return
	}

	if count == 0 {
		reject, err := b.rejectFunc(ctx, id)
		if err == nil && reject != nil {
			reject(deliveryErr)
			return
		}
	}

	// a value was already delivered; the fetch contract cannot carry this
	// error anymore, so it is counted and dropped
	b.Mdropped.Add(ctx, 1)
	span.RecordError(deliveryErr)
	span.AddEvent("dropped delivery error")
}

func (b *Bridge) teardown(ctx context.Context, id string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	err := b.reg.Close(ctx, id)

	return multierr.Append(err, b.state.Modify(ctx, func(ctx context.Context, state *state) error {
		if gen := state.gens[id]; gen != nil {
			gen.slot.Cancel()
			delete(state.gens, id)
		}
		return nil
	}))
}

// Wait blocks on the current generation's slot until the first event settles
// it. This is the queryFn the fetch path runs.
func (b *Bridge) Wait(ctx context.Context, id string) (any, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	var s *slot.Slot[any]
	err := b.state.Modify(ctx, func(ctx context.Context, state *state) error {
		if gen := state.gens[id]; gen != nil {
			s = gen.slot
			span.SetAttributes(attribute.String("generation", gen.id.String()))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotAttached
	}

	return s.Wait(ctx)
}

// State derives the per-identity state from the registry.
func (b *Bridge) State(ctx context.Context, id string) (State, error) {
	has, err := b.reg.Has(ctx, id)
	if err != nil {
		return Unsubscribed, err
	}
	if !has {
		return Unsubscribed, nil
	}

	count, err := b.reg.EventCount(ctx, id)
	if err != nil {
		return Unsubscribed, err
	}
	if count == 0 {
		return AwaitingFirstEvent, nil
	}
	return HasData, nil
}

func (b *Bridge) resolveFunc(ctx context.Context, id string) (func(any), error) {
	var fn func(any)
	err := b.state.Modify(ctx, func(ctx context.Context, state *state) error {
		if gen := state.gens[id]; gen != nil {
			fn = gen.resolve
		}
		return nil
	})
	return fn, err
}

func (b *Bridge) rejectFunc(ctx context.Context, id string) (func(error), error) {
	var fn func(error)
	err := b.state.Modify(ctx, func(ctx context.Context, state *state) error {
		if gen := state.gens[id]; gen != nil {
			fn = gen.reject
		}
		return nil
	})
	return fn, err
}
