package server

import (
	"io"
	"net"
	"sync"
)

// pipeEnd is one side of an in-memory Transport pair. Closing either side
// closes both; frames already queued stay readable.
type pipeEnd struct {
	recv <-chan []byte
	send chan<- []byte
	done chan struct{}
	once *sync.Once
}

func newPipe() (*pipeEnd, *pipeEnd) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{recv: a, send: b, done: done, once: once},
		&pipeEnd{recv: b, send: a, done: done, once: once}
}

func (p *pipeEnd) ReadMessage() ([]byte, error) {
	select {
	case frame := <-p.recv:
		return frame, nil
	case <-p.done:
		select {
		case frame := <-p.recv:
			return frame, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeEnd) WriteMessage(frame []byte) error {
	select {
	case <-p.done:
		return net.ErrClosed
	default:
	}
	select {
	case p.send <- append([]byte(nil), frame...):
		return nil
	case <-p.done:
		return net.ErrClosed
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
