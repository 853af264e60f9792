// package source defines the push-based collaborator the bridge subscribes
// to. Driver implementations live in subdirectories.
package source

import "context"

// Event is a single delivery from a source. Either Data is set, or Err
// carries a failure on the delivery path.
type Event struct {
	Data any
	Err  error
}

// UnsubscribeFunc closes the subscription it was returned for.
type UnsubscribeFunc func(context.Context) error

// Source is a push-based event producer. The deliver callback may fire zero
// or more times between Subscribe and the returned unsubscribe, in any time
// distribution, including synchronously from Subscribe itself.
type Source interface {
	Subscribe(ctx context.Context, identity string, deliver func(context.Context, Event)) (UnsubscribeFunc, error)
}
