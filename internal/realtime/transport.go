// Package realtime is the message channel between a voice session and the
// realtime speech backend. The session only sees JSON messages; how they
// travel (a websocket to the backend, a relayed browser socket, or an
// in-memory pipe in tests) is hidden behind Transport.
package realtime

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport closed")

// Transport is an ordered, bidirectional message channel.
type Transport interface {
	// Send marshals v as JSON and writes it.
	Send(v any) error
	// Messages yields inbound messages in order and is closed when the
	// transport ends.
	Messages() <-chan []byte
	// Done is closed once the transport has fully shut down.
	Done() <-chan struct{}
	// Err returns the error that ended the transport, if any.
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}
