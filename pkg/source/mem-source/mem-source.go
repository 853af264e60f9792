// package memsource provides an in-process push source. Publish delivers to
// every live subscriber of the identity, in subscribe order.
package memsource

import (
	"context"
	"fmt"
	"sync"

	"go.liveq.dev/liveq/internal/lg"
	"go.liveq.dev/liveq/pkg/locker"
	"go.liveq.dev/liveq/pkg/source"
)

type subscriber struct {
	deliver func(context.Context, source.Event)
}

type state struct {
	subs map[string][]*subscriber
}

type MemSource struct {
	state *locker.Locked[state]
}

func New(ctx context.Context) *MemSource {
	_, span := lg.Span(ctx)
	defer span.End()

	return &MemSource{state: locker.New(&state{subs: map[string][]*subscriber{}})}
}

var _ source.Source = (*MemSource)(nil)

func (s *MemSource) Subscribe(ctx context.Context, identity string, deliver func(context.Context, source.Event)) (source.UnsubscribeFunc, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	sub := &subscriber{deliver: deliver}

	err := s.state.Modify(ctx, func(ctx context.Context, state *state) error {
		state.subs[identity] = append(state.subs[identity], sub)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() { err = s.delete(ctx, identity, sub) })
		return err
	}, nil
}

func (s *MemSource) delete(ctx context.Context, identity string, sub *subscriber) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return s.state.Modify(ctx, func(ctx context.Context, state *state) error {
		lis := state.subs[identity]
		for i := range lis {
			if lis[i] == sub {
				lis[i] = lis[len(lis)-1]
				state.subs[identity] = lis[:len(lis)-1]

				return nil
			}
		}
		return nil
	})
}

// Publish pushes data to every subscriber of the identity.
func (s *MemSource) Publish(ctx context.Context, identity string, data any) error {
	return s.send(ctx, identity, source.Event{Data: data})
}

// PublishError pushes a delivery failure to every subscriber of the identity.
func (s *MemSource) PublishError(ctx context.Context, identity string, err error) error {
	return s.send(ctx, identity, source.Event{Err: err})
}

func (s *MemSource) send(ctx context.Context, identity string, ev source.Event) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	// snapshot under lock, deliver outside so a handler can re-enter
	var subs []*subscriber
	err := s.state.Modify(ctx, func(ctx context.Context, state *state) error {
		span.AddEvent(fmt.Sprint("subscribers=", len(state.subs[identity])))
		subs = append(subs, state.subs[identity]...)
		return nil
	})
	if err != nil {
		return err
	}

	for _, sub := range subs {
		sub.deliver(ctx, ev)
	}
	return nil
}

// SubscriberCount reports the live subscribers for the identity.
func (s *MemSource) SubscriberCount(ctx context.Context, identity string) (int, error) {
	var n int
	err := s.state.Modify(ctx, func(ctx context.Context, state *state) error {
		n = len(state.subs[identity])
		return nil
	})
	return n, err
}
