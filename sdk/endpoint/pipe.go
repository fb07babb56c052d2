package endpoint

import (
	"context"
	"sync"
)

// DefaultPipeBuffer is the per-direction capacity of a Pipe.
const DefaultPipeBuffer = 256

type pipeState struct {
	once sync.Once
	done chan struct{}
}

// PipeEnd is one side of an in-memory connection created by Pipe.
type PipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

// Pipe returns two connected endpoints. Closing either end disconnects both.
func Pipe() (*PipeEnd, *PipeEnd) {
	return PipeSize(DefaultPipeBuffer)
}

// PipeSize is Pipe with an explicit per-direction buffer.
func PipeSize(buffer int) (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	st := &pipeState{done: make(chan struct{})}
	return &PipeEnd{in: ba, out: ab, state: st}, &PipeEnd{in: ab, out: ba, state: st}
}

// Send queues msg for the other end, blocking while its buffer is full.
func (p *PipeEnd) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	b := make([]byte, len(msg))
	copy(b, msg)
	select {
	case p.out <- b:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next message sent by the other end.
func (p *PipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close disconnects both ends.
func (p *PipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}

var _ Endpoint = (*PipeEnd)(nil)
