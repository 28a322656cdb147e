package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loqalabs/voicewire/internal/protocol"
)

// TTSClient requests syntheses over one TTS connection. Requests run
// concurrently; completions arrive in whatever order the server finishes
// them.
type TTSClient struct {
	*wsConn
	codec protocol.Codec

	mu        sync.Mutex
	pending   map[uuid.UUID]*synthesis
	completed map[uuid.UUID]struct{}
}

type synthesis struct {
	result chan synthResult
}

type synthResult struct {
	audio []byte
	err   error
}

// DialTTS connects to a TTS endpoint.
func DialTTS(ctx context.Context, url string, opts Options) (*TTSClient, error) {
	ws, err := dial(ctx, url, protocol.TTSSubprotocol, opts)
	if err != nil {
		return nil, err
	}
	c := &TTSClient{
		wsConn:    newWSConn(ws, opts.logger().With(slog.String("component", "tts-client"))),
		pending:   make(map[uuid.UUID]*synthesis),
		completed: make(map[uuid.UUID]struct{}),
	}
	go c.readLoop(c.dispatch)
	return c, nil
}

func (c *TTSClient) dispatch(frame []byte) error {
	msg, err := c.codec.DecodeTTSServer(frame)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case protocol.ApproveSession:
		if c.lookup(m.ID) == nil {
			c.log.Warn("approval for unknown session", slog.String("session_id", m.ID.String()))
		}
	case protocol.SessionComplete:
		c.finish(m.ID, synthResult{audio: m.Audio})
	case protocol.SessionRejected:
		c.finish(m.ID, synthResult{err: fmt.Errorf("%w: %s", ErrRejected, m.Error)})
	case protocol.SynthesisFailed:
		c.finish(m.ID, synthResult{err: &SessionError{Message: m.Error}})
	case protocol.ShuttingDown:
		return ErrShuttingDown
	case protocol.FatalIoError:
		return &FatalError{IO: true, Message: m.Error}
	case protocol.FatalUnknownError:
		return &FatalError{Message: m.Error}
	}
	return nil
}

func (c *TTSClient) lookup(id uuid.UUID) *synthesis {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

// finish delivers the outcome of a session. Outcomes for ids that are
// unknown or already completed are a protocol error on the server's side;
// they are logged and dropped.
func (c *TTSClient) finish(id uuid.UUID, res synthResult) {
	c.mu.Lock()
	s := c.pending[id]
	_, done := c.completed[id]
	if s != nil {
		delete(c.pending, id)
		c.completed[id] = struct{}{}
	}
	c.mu.Unlock()

	switch {
	case s != nil:
		s.result <- res
	case done:
		c.log.Warn("discarding outcome for completed session", slog.String("session_id", id.String()))
	default:
		c.log.Warn("discarding outcome for unknown session", slog.String("session_id", id.String()))
	}
}

// Synthesize requests audio for text and waits for it. A zero ID is
// replaced with a fresh one.
func (c *TTSClient) Synthesize(ctx context.Context, req protocol.RequestSession) ([]byte, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	s := &synthesis{result: make(chan synthResult, 1)}
	c.mu.Lock()
	if _, dup := c.pending[req.ID]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s already pending", req.ID)
	}
	c.pending[req.ID] = s
	c.mu.Unlock()

	frame, err := c.codec.EncodeTTSClient(req)
	if err == nil {
		err = c.write(frame)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-s.result:
		return res.audio, res.err
	case <-c.done:
		return nil, c.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close ends the connection; pending syntheses fail with ErrClosed.
func (c *TTSClient) Close() error {
	frame, _ := c.codec.EncodeTTSClient(protocol.CloseConnection{})
	return c.close(frame)
}
