package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loqalabs/voicewire/internal/protocol"
)

// Transcript is the outcome of one finalized stream. Count and Confidence
// are only meaningful for verbose streams; a verbose stream with Count zero
// heard no speech.
type Transcript struct {
	ID         uuid.UUID
	Text       string
	Verbose    bool
	Count      uint32
	Confidence *float32
}

// StreamOptions carry the decoding parameters. The codec decides whether
// they travel with InitializeStreaming or FinalizeStreaming.
type StreamOptions struct {
	Language  string
	Verbose   bool
	Translate bool
}

// STTClient multiplexes streams over one STT connection.
type STTClient struct {
	*wsConn
	codec protocol.Codec

	mu      sync.Mutex
	streams map[uuid.UUID]*Stream
	status  *StatusClient
}

// DialSTT connects to an STT endpoint speaking codec's layout.
func DialSTT(ctx context.Context, url string, codec protocol.Codec, opts Options) (*STTClient, error) {
	ws, err := dial(ctx, url, codec.STTSubprotocol(), opts)
	if err != nil {
		return nil, err
	}
	c := &STTClient{
		wsConn:  newWSConn(ws, opts.logger().With(slog.String("component", "stt-client"))),
		codec:   codec,
		streams: make(map[uuid.UUID]*Stream),
	}
	go c.readLoop(c.dispatch)
	return c, nil
}

func (c *STTClient) dispatch(frame []byte) error {
	msg, err := c.codec.DecodeSTTServer(frame)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case protocol.InitializationComplete:
		c.route(m.ID, m)
	case protocol.InitializationFailed:
		c.route(m.ID, m)
	case protocol.STTResult:
		c.route(m.ID, m)
	case protocol.STTVerboseResult:
		c.route(m.ID, m)
	case protocol.STTError:
		c.route(m.ID, m)
	case protocol.StatusConnectionOpen:
		if st := c.statusClient(); st != nil {
			st.opened(m)
			return nil
		}
		c.log.Warn("status open on a streaming connection")
	case protocol.StatusConnectionData:
		if st := c.statusClient(); st != nil {
			st.deliver(m.Utilization)
		}
	case protocol.ShuttingDown:
		return ErrShuttingDown
	case protocol.FatalIoError:
		return &FatalError{IO: true, Message: m.Error}
	case protocol.FatalUnknownError:
		return &FatalError{Message: m.Error}
	default:
		c.log.Warn("unexpected message on stt connection", slog.String("type", fmt.Sprintf("%T", msg)))
	}
	return nil
}

func (c *STTClient) statusClient() *StatusClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *STTClient) route(id uuid.UUID, msg protocol.STTServerMessage) {
	c.mu.Lock()
	s := c.streams[id]
	c.mu.Unlock()
	if s == nil {
		c.log.Warn("discarding reply for unknown stream", slog.String("session_id", id.String()), slog.String("type", fmt.Sprintf("%T", msg)))
		return
	}
	// Never block here: the read loop serves every stream on the connection.
	select {
	case s.replies <- msg:
	default:
		c.log.Warn("dropping reply for stalled stream", slog.String("session_id", id.String()), slog.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (c *STTClient) send(m protocol.STTClientMessage) error {
	frame, err := c.codec.EncodeSTTClient(m)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Open starts a stream and waits for the server to accept it.
func (c *STTClient) Open(ctx context.Context, opts StreamOptions) (*Stream, error) {
	s := &Stream{
		c:       c,
		ID:      uuid.New(),
		opts:    opts,
		replies: make(chan protocol.STTServerMessage, 32),
	}
	c.mu.Lock()
	c.streams[s.ID] = s
	c.mu.Unlock()

	if err := c.send(protocol.InitializeStreaming{Verbose: opts.Verbose, Language: opts.Language, ID: s.ID}); err != nil {
		s.forget()
		return nil, err
	}
	reply, err := s.await(ctx)
	if err != nil {
		s.forget()
		return nil, err
	}
	switch m := reply.(type) {
	case protocol.InitializationComplete:
		return s, nil
	case protocol.InitializationFailed:
		s.forget()
		return nil, &SessionError{Message: m.Error}
	case protocol.STTError:
		s.forget()
		return nil, &SessionError{Message: m.Error}
	default:
		s.forget()
		return nil, fmt.Errorf("unexpected reply %T to initialize", reply)
	}
}

// Transcribe streams pcm in chunks of chunk samples and returns the
// transcript.
func (c *STTClient) Transcribe(ctx context.Context, pcm []int16, chunk int, opts StreamOptions) (Transcript, error) {
	s, err := c.Open(ctx, opts)
	if err != nil {
		return Transcript{}, err
	}
	if chunk <= 0 {
		chunk = 4096
	}
	for start := 0; start < len(pcm); start += chunk {
		end := min(start+chunk, len(pcm))
		if err := s.Send(pcm[start:end]); err != nil {
			_ = s.Close()
			return Transcript{}, err
		}
	}
	return s.Finalize(ctx)
}

// ConvertToStatus asks the server to turn this connection into a status
// channel. On success the STTClient must no longer be used; read the
// returned StatusClient instead.
func (c *STTClient) ConvertToStatus(ctx context.Context) (*StatusClient, error) {
	// Status traffic carries no session id; route it through a private stream
	// keyed by the nil id so precondition errors come back too.
	probe := &Stream{c: c, ID: uuid.Nil, replies: make(chan protocol.STTServerMessage, 1)}
	c.mu.Lock()
	c.streams[uuid.Nil] = probe
	c.mu.Unlock()
	defer probe.forget()

	st := newStatusClient(c.wsConn, c.codec)
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
	if err := c.send(protocol.ConvertToStatus{}); err != nil {
		return nil, err
	}
	select {
	case open := <-st.open:
		st.caps = open
		return st, nil
	case reply := <-probe.replies:
		c.mu.Lock()
		c.status = nil
		c.mu.Unlock()
		if e, ok := reply.(protocol.STTError); ok {
			return nil, &SessionError{Message: e.Error}
		}
		return nil, fmt.Errorf("unexpected reply %T to convert", reply)
	case <-c.done:
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends every stream and the connection.
func (c *STTClient) Close() error {
	frame, _ := c.codec.EncodeSTTClient(protocol.CloseConnection{})
	return c.close(frame)
}

// Stream is one STT session on a client connection.
type Stream struct {
	c       *STTClient
	ID      uuid.UUID
	opts    StreamOptions
	replies chan protocol.STTServerMessage
}

// Send appends samples. Audio is not acknowledged; a session error reported
// by the server for earlier audio is returned by the next Send.
func (s *Stream) Send(pcm []int16) error {
	select {
	case reply := <-s.replies:
		if e, ok := reply.(protocol.STTError); ok {
			return &SessionError{Message: e.Error}
		}
		return fmt.Errorf("unexpected reply %T while streaming", reply)
	default:
	}
	return s.c.send(protocol.AudioData{Data: pcm, ID: s.ID})
}

// Finalize ends the audio and waits for the transcript.
func (s *Stream) Finalize(ctx context.Context) (Transcript, error) {
	defer s.forget()
	err := s.c.send(protocol.FinalizeStreaming{
		ID:        s.ID,
		Verbose:   s.opts.Verbose,
		Language:  s.opts.Language,
		Translate: s.opts.Translate,
	})
	if err != nil {
		return Transcript{}, err
	}
	reply, err := s.await(ctx)
	if err != nil {
		return Transcript{}, err
	}
	switch m := reply.(type) {
	case protocol.STTResult:
		return Transcript{ID: s.ID, Text: m.Result}, nil
	case protocol.STTVerboseResult:
		out := Transcript{ID: s.ID, Verbose: true, Count: m.NumTranscripts, Confidence: m.Confidence}
		if m.MainTranscript != nil {
			out.Text = *m.MainTranscript
		}
		return out, nil
	case protocol.STTError:
		return Transcript{}, &SessionError{Message: m.Error}
	default:
		return Transcript{}, fmt.Errorf("unexpected reply %T to finalize", reply)
	}
}

// Close aborts the stream on the server.
func (s *Stream) Close() error {
	s.forget()
	return s.c.send(protocol.CloseSession{ID: s.ID})
}

func (s *Stream) await(ctx context.Context) (protocol.STTServerMessage, error) {
	select {
	case reply := <-s.replies:
		return reply, nil
	case <-s.c.done:
		return nil, s.c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) forget() {
	s.c.mu.Lock()
	delete(s.c.streams, s.ID)
	s.c.mu.Unlock()
}
