// package wsource subscribes to a msgbus-style websocket endpoint and
// delivers each text message as an event. One connection per identity.
package wsource

import (
	"context"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"go.liveq.dev/liveq/internal/lg"
	"go.liveq.dev/liveq/pkg/source"
)

type WSSource struct {
	base   *url.URL
	dialer *websocket.Dialer
}

// New returns a source that dials base + "/" + identity for each
// subscription. base is e.g. "wss://push.example.com/inbox".
func New(base string) (*WSSource, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	return &WSSource{base: u, dialer: websocket.DefaultDialer}, nil
}

var _ source.Source = (*WSSource)(nil)

func (s *WSSource) Subscribe(ctx context.Context, identity string, deliver func(context.Context, source.Event)) (source.UnsubscribeFunc, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	u := s.base.JoinPath(identity)

	conn, _, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var once sync.Once
	closed := make(chan struct{})
	unsub := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(closed)
			err = conn.Close()
		})
		return err
	}

	ctx, span = lg.Fork(ctx)
	go func() {
		defer span.End()

		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-closed:
					// reader unblocked by our own unsubscribe
				default:
					span.RecordError(err)
					deliver(ctx, source.Event{Err: err})
				}
				return
			}
			if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
				continue
			}
			deliver(ctx, source.Event{Data: msg})
		}
	}()

	return unsub, nil
}
