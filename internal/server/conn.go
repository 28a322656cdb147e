package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/loqalabs/voicewire/internal/protocol"
)

// conn holds the plumbing shared by both endpoints: the reader and writer
// goroutines around a transport and the bookkeeping for worker jobs.
type conn struct {
	srv      *Server
	t        Transport
	endpoint string
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	in      chan []byte
	readErr error

	out         chan []byte
	writeFailed chan struct{}
	writeErr    error
	writerDone  chan struct{}

	jobs sync.WaitGroup
	// last is set once a fatal message has been queued; nothing may follow it.
	last bool
}

func newConn(parent context.Context, srv *Server, t Transport, endpoint string) *conn {
	ctx, cancel := context.WithCancel(parent)
	queue := srv.cfg.Protocol.WriteQueue
	if queue <= 0 {
		queue = 64
	}
	c := &conn{
		srv:         srv,
		t:           t,
		endpoint:    endpoint,
		log:         srv.log.With(slog.String("endpoint", endpoint), slog.String("conn_id", uuid.NewString())),
		ctx:         ctx,
		cancel:      cancel,
		in:          make(chan []byte),
		out:         make(chan []byte, queue),
		writeFailed: make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	srv.metrics.connection(ctx, endpoint, 1)
	c.log.Debug("connection opened")
	return c
}

func (c *conn) readLoop() {
	defer close(c.in)
	for {
		frame, err := c.t.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.in <- frame:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)
	for frame := range c.out {
		if err := c.t.WriteMessage(frame); err != nil {
			c.writeErr = err
			close(c.writeFailed)
			for range c.out {
			}
			return
		}
	}
}

// send encodes msg and queues it for the writer. It reports false once the
// writer has failed or a fatal message has already been queued.
func (c *conn) send(msg interface{ Tag() protocol.Tag }) bool {
	if c.last {
		return false
	}
	frame, err := c.srv.encode(c.endpoint, msg)
	if err != nil {
		c.log.Error("failed to encode reply", slog.String("type", fmt.Sprintf("%T", msg)), slogError(err))
		return false
	}
	select {
	case c.out <- frame:
	case <-c.writeFailed:
		return false
	}
	c.srv.metrics.sent(c.ctx, c.endpoint, msg.Tag())
	if protocol.IsFatal(msg) || msg.Tag() == protocol.TagShuttingDown {
		c.last = true
	}
	return true
}

// fatal queues the connection's last message.
func (c *conn) fatal(msg interface{ Tag() protocol.Tag }, err error) {
	c.log.Warn("closing connection on fault", slog.String("type", fmt.Sprintf("%T", msg)), slogError(err))
	c.send(msg)
}

// readFailed reports why the reader stopped. A clean close from the peer ends
// the connection silently.
func (c *conn) readFailed() {
	err := c.readErr
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.log.Debug("peer closed connection")
	case errors.Is(err, ErrTextFrame):
		c.fatal(protocol.FatalUnknownError{Error: err.Error()}, err)
	default:
		c.fatal(protocol.FatalIoError{Error: err.Error()}, err)
	}
}

// decodeFailed handles a frame the codec could not parse. The connection
// cannot be trusted afterwards.
func (c *conn) decodeFailed(err error) {
	c.fatal(protocol.FatalUnknownError{Error: err.Error()}, err)
}

// recovered turns a panic in the dispatch loop into a fatal message.
func (c *conn) recovered(r any) {
	err := fmt.Errorf("internal fault: %v", r)
	c.log.Error("dispatch panic", slogError(err))
	c.fatal(protocol.FatalUnknownError{Error: "internal server error"}, err)
}

// teardown cancels every job, waits for the workers, flushes the writer and
// closes the transport.
func (c *conn) teardown() {
	c.cancel()
	c.jobs.Wait()
	close(c.out)
	<-c.writerDone
	if err := c.t.Close(); err != nil {
		c.log.Debug("transport close", slogError(err))
	}
	c.srv.metrics.connection(context.Background(), c.endpoint, -1)
	c.log.Debug("connection closed")
}

// event records a lifecycle step of one session.
func (c *conn) event(id uuid.UUID, event, detail string) {
	c.srv.metrics.session(c.ctx, c.endpoint, event)
	c.srv.emit(protocol.SessionEvent{
		SessionID: id.String(),
		Kind:      c.endpoint,
		Event:     event,
		Detail:    detail,
	})
}
