// package liveq bridges a push-based event source into a pull-based cached
// query layer. Consumers observe a key and read a synchronous-looking query
// result; the bridge keeps the underlying subscription open exactly as long
// as at least one observer remains.
package liveq

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"go.liveq.dev/liveq/internal/lg"
	"go.liveq.dev/liveq/pkg/bridge"
	"go.liveq.dev/liveq/pkg/cache"
	"go.liveq.dev/liveq/pkg/registry"
	"go.liveq.dev/liveq/pkg/slot"
	"go.liveq.dev/liveq/pkg/source"
)

var ErrNoFetchFunc = errors.New("onlyOnce requires a fetch function")

// FetchFunc is the one-shot fetch used when OnlyOnce is selected.
type FetchFunc func(context.Context) (any, error)

type options struct {
	onlyOnce bool
	fetchFn  FetchFunc
}

type Option interface {
	apply(*options)
}

type onlyOnce struct{ fn FetchFunc }

func (o onlyOnce) apply(opts *options) {
	opts.onlyOnce = true
	opts.fetchFn = o.fn
}

// OnlyOnce bypasses the subscription machinery for this observe; the key is
// satisfied by a single call to fn instead.
func OnlyOnce(fn FetchFunc) Option { return onlyOnce{fn} }

type LiveQuery struct {
	src    source.Source
	cache  *cache.Cache
	reg    *registry.Registry
	bridge *bridge.Bridge
}

func New(ctx context.Context, src source.Source) (*LiveQuery, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	c, err := cache.New(ctx)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(ctx)
	if err != nil {
		return nil, err
	}

	b, err := bridge.New(ctx, src, reg, c)
	if err != nil {
		return nil, err
	}

	if err := c.SubscribeLifecycle(ctx, b.OnLifecycle); err != nil {
		return nil, err
	}

	return &LiveQuery{src: src, cache: c, reg: reg, bridge: b}, nil
}

// Cache exposes the query cache collaborator.
func (lq *LiveQuery) Cache() *cache.Cache { return lq.cache }

// Observe attaches a consumer to the key and returns its handle. Unless
// OnlyOnce is given this registers an observer, which opens the underlying
// subscription when the key has none yet.
func (lq *LiveQuery) Observe(ctx context.Context, key any, opts ...Option) (*Handle, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var o options
	for _, opt := range opts {
		opt.apply(&o)
	}

	id := cache.HashKey(key)
	span.SetAttributes(attribute.String("id", id))

	if o.onlyOnce {
		if o.fetchFn == nil {
			return nil, ErrNoFetchFunc
		}

		h := &Handle{lq: lq, id: id}
		h.oneshot, h.resolve, h.reject = slot.New[any]()

		ctx, span := lg.Fork(ctx)
		go func() {
			defer span.End()

			v, err := o.fetchFn(ctx)
			if err != nil {
				span.RecordError(err)
				h.reject(err)
				return
			}
			h.resolve(v)
		}()

		return h, nil
	}

	if _, err := lq.cache.ObserverAdded(ctx, id); err != nil {
		return nil, err
	}
	return &Handle{lq: lq, id: id}, nil
}

// State reports the subscription state for the key.
func (lq *LiveQuery) State(ctx context.Context, key any) (bridge.State, error) {
	return lq.bridge.State(ctx, cache.HashKey(key))
}

// Invalidate evicts the key. The bridge tears its subscription down through
// the resulting lifecycle signal.
func (lq *LiveQuery) Invalidate(ctx context.Context, key any) error {
	return lq.cache.Invalidate(ctx, cache.HashKey(key))
}

// Handle is one consumer's attachment to a key.
type Handle struct {
	lq *LiveQuery
	id string

	oneshot *slot.Slot[any]
	resolve func(any)
	reject  func(error)

	closeOnce sync.Once
}

// ID returns the hashed identity this handle observes.
func (h *Handle) ID() string { return h.id }

// Value returns the cached value when one exists, otherwise it fetches:
// awaiting the first pushed event, or the one-shot fetch result.
func (h *Handle) Value(ctx context.Context) (any, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()
	span.SetAttributes(attribute.String("id", h.id))

	if h.oneshot != nil {
		return h.lq.cache.Fetch(ctx, h.id, h.oneshot.Wait)
	}

	if v, ok := h.lq.cache.Get(ctx, h.id); ok {
		span.AddEvent("replay from cache")
		return v, nil
	}

	return h.lq.cache.Fetch(ctx, h.id, func(ctx context.Context) (any, error) {
		return h.lq.bridge.Wait(ctx, h.id)
	})
}

// Close detaches the consumer. For one-shot handles any in-flight fetch
// completion is suppressed. Close is idempotent.
func (h *Handle) Close(ctx context.Context) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var err error
	h.closeOnce.Do(func() {
		if h.oneshot != nil {
			h.oneshot.Cancel()
			return
		}
		_, err = h.lq.cache.ObserverRemoved(ctx, h.id)
	})
	return err
}

// Cancel invalidates the cached entry for the key. Subscription teardown
// still flows through the lifecycle signal path.
func (h *Handle) Cancel(ctx context.Context) error {
	return h.lq.cache.Invalidate(ctx, h.id)
}

// Unwrap returns the inner value of wrapping types.
func Unwrap[T any](t T) T {
	if unwrap, ok := any(t).(interface{ Unwrap() T }); ok {
		return unwrap.Unwrap()
	}
	var zero T
	return zero
}
