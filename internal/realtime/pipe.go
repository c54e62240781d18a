package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Pipe is an in-memory Transport. The session end uses the Transport
// methods; the backend end reads Sent and writes with Inject.
type Pipe struct {
	inbound  chan []byte
	outbound chan []byte
	done     chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func NewPipe() *Pipe {
	return &Pipe{
		inbound:  make(chan []byte, inboundBuffer),
		outbound: make(chan []byte, inboundBuffer),
		done:     make(chan struct{}),
	}
}

func (p *Pipe) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.outbound <- data:
		return nil
	default:
		return fmt.Errorf("pipe send buffer full")
	}
}

func (p *Pipe) Messages() <-chan []byte { return p.inbound }

func (p *Pipe) Done() <-chan struct{} { return p.done }

func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipe) Close() error {
	p.fail(nil)
	return nil
}

// Fail ends the pipe as if the connection broke with err.
func (p *Pipe) Fail(err error) {
	p.fail(err)
}

func (p *Pipe) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.err = err
	close(p.inbound)
	close(p.done)
}

// Sent yields what the session end has sent, in order.
func (p *Pipe) Sent() <-chan []byte { return p.outbound }

// Inject delivers a backend message to the session end.
func (p *Pipe) Inject(v any) error {
	var data []byte
	switch m := v.(type) {
	case []byte:
		data = m
	case string:
		data = []byte(m)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.inbound <- data
	return nil
}
