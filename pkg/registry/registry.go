// package registry tracks live subscriptions by identity. It guarantees at
// most one open subscription per identity between an Open and its matching
// Close, no matter how many consumers attach against it.
package registry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"go.liveq.dev/liveq/internal/lg"
	"go.liveq.dev/liveq/pkg/locker"
)

var ErrNotSubscribed = errors.New("not subscribed")

// UnsubscribeFunc closes the physical subscription it was returned for.
type UnsubscribeFunc func(context.Context) error

// Factory opens a physical subscription and returns its unsubscribe handle.
// It may deliver events synchronously before returning.
type Factory func(context.Context) (UnsubscribeFunc, error)

type entry struct {
	unsub  UnsubscribeFunc
	events uint64
}

type state struct {
	subs map[string]*entry
}

type Registry struct {
	state *locker.Locked[state]

	Mopened syncint64.Counter
	Mclosed syncint64.Counter
	Mevents syncint64.Counter
}

func New(ctx context.Context) (*Registry, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	m := lg.Meter(ctx)

	r := &Registry{state: locker.New(&state{subs: make(map[string]*entry)})}

	var err, errs error
	r.Mopened, err = m.SyncInt64().Counter("registry_subscriptions_opened")
	errs = multierr.Append(errs, err)

	r.Mclosed, err = m.SyncInt64().Counter("registry_subscriptions_closed")
	errs = multierr.Append(errs, err)

	r.Mevents, err = m.SyncInt64().Counter("registry_events_recorded")
	errs = multierr.Append(errs, err)

	return r, errs
}

// Open subscribes the identity if it is not already subscribed. A second Open
// for a live identity is a no-op; the factory is not invoked again.
//
// The entry is reserved before the factory runs so that a source delivering
// its first event synchronously from subscribe can already record it.
func (r *Registry) Open(ctx context.Context, identity string, factory Factory) error {
	ctx, span := lg.Span(ctx)
	defer span.End()
	span.SetAttributes(attribute.String("identity", identity))

	reserved := false
	err := r.state.Modify(ctx, func(ctx context.Context, state *state) error {
		if _, ok := state.subs[identity]; ok {
			return nil
		}
		state.subs[identity] = &entry{}
		reserved = true
		return nil
	})
	if err != nil {
		return err
	}
	if !reserved {
		span.AddEvent("already subscribed")
		return nil
	}

	unsub, err := factory(ctx)
	if err != nil {
		// release the reservation so a later Open can retry
		span.RecordError(err)
		return multierr.Append(
			fmt.Errorf("open %s: %w", identity, err),
			r.state.Modify(ctx, func(ctx context.Context, state *state) error {
				delete(state.subs, identity)
				return nil
			}),
		)
	}

	r.Mopened.Add(ctx, 1)

	return r.state.Modify(ctx, func(ctx context.Context, state *state) error {
		e, ok := state.subs[identity]
		if !ok {
			// closed while the factory was running; undo the subscribe
			return unsub(ctx)
		}
		e.unsub = unsub
		return nil
	})
}

// Close unsubscribes the identity and drops its event counter. Closing an
// identity that is not subscribed is a no-op.
func (r *Registry) Close(ctx context.Context, identity string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()
	span.SetAttributes(attribute.String("identity", identity))

	var unsub UnsubscribeFunc
	err := r.state.Modify(ctx, func(ctx context.Context, state *state) error {
		e, ok := state.subs[identity]
		if !ok {
			return nil
		}
		unsub = e.unsub
		delete(state.subs, identity)
		return nil
	})
	if err != nil {
		return err
	}
	if unsub == nil {
		return nil
	}

	r.Mclosed.Add(ctx, 1)

	return unsub(ctx)
}

// RecordEvent increments and returns the event counter for the identity.
// Returns ErrNotSubscribed when no entry is live, which callers treat as a
// drop signal for late deliveries, not a failure.
func (r *Registry) RecordEvent(ctx context.Context, identity string) (uint64, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var count uint64
	err := r.state.Modify(ctx, func(ctx context.Context, state *state) error {
		e, ok := state.subs[identity]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotSubscribed, identity)
		}
		e.events++
		count = e.events
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.Mevents.Add(ctx, 1)
	span.SetAttributes(
		attribute.String("identity", identity),
		attribute.Int64("count", int64(count)),
	)

	return count, nil
}

// Has reports whether a subscription is live for the identity.
func (r *Registry) Has(ctx context.Context, identity string) (bool, error) {
	var ok bool
	err := r.state.Modify(ctx, func(ctx context.Context, state *state) error {
		_, ok = state.subs[identity]
		return nil
	})
	return ok, err
}

// EventCount returns the events recorded for the identity, zero when the
// identity is not subscribed.
func (r *Registry) EventCount(ctx context.Context, identity string) (uint64, error) {
	var count uint64
	err := r.state.Modify(ctx, func(ctx context.Context, state *state) error {
		if e, ok := state.subs[identity]; ok {
			count = e.events
		}
		return nil
	})
	return count, err
}
