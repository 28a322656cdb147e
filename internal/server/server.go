// Package server serves the STT and TTS endpoints. Each connection gets a
// reader goroutine, a writer goroutine and a dispatch loop that owns the
// connection's session state; recognition and synthesis run on a bounded
// pool of worker goroutines.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/loqalabs/voicewire/internal/config"
	"github.com/loqalabs/voicewire/internal/protocol"
	"github.com/loqalabs/voicewire/internal/status"
	"github.com/loqalabs/voicewire/internal/stt"
	"github.com/loqalabs/voicewire/internal/tts"
)

const (
	endpointSTT = "stt"
	endpointTTS = "tts"
)

// ErrServerClosed is returned by Shutdown when called more than once.
var ErrServerClosed = errors.New("server closed")

// Recorder receives session lifecycle events. Implementations are called
// from a single goroutine.
type Recorder interface {
	Record(ctx context.Context, evt protocol.SessionEvent) error
}

type Options struct {
	Config      config.Config
	Logger      *slog.Logger
	Tracker     *status.Tracker
	Recognizer  stt.Recognizer
	Synthesizer tts.Synthesizer
	Recorders   []Recorder
}

type Server struct {
	cfg         config.Config
	codec       protocol.Codec
	log         *slog.Logger
	tracker     *status.Tracker
	recognizer  stt.Recognizer
	synthesizer tts.Synthesizer
	avail       tts.Availability
	sttSlots    *semaphore.Weighted
	ttsSlots    *semaphore.Weighted
	metrics     *metrics
	tracer      trace.Tracer

	mu       sync.Mutex
	closing  bool
	shutdown chan struct{}
	conns    sync.WaitGroup

	recorders []Recorder
	events    chan protocol.SessionEvent
	stopSink  chan struct{}
	sinkDone  chan struct{}
}

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	placement, err := protocol.ParsePlacement(cfg.Protocol.InitParams)
	if err != nil {
		return nil, err
	}
	if cfg.STT.Enabled && opts.Recognizer == nil {
		return nil, errors.New("stt enabled without a recognizer")
	}
	if cfg.TTS.Enabled && opts.Synthesizer == nil {
		return nil, errors.New("tts enabled without a synthesizer")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = status.NewTracker(cfg.Status)
	}

	s := &Server{
		cfg:         cfg,
		codec:       protocol.Codec{InitParams: placement},
		log:         log.With(slog.String("component", "server")),
		tracker:     tracker,
		recognizer:  opts.Recognizer,
		synthesizer: opts.Synthesizer,
		sttSlots:    semaphore.NewWeighted(int64(max(cfg.STT.Workers, 1))),
		ttsSlots:    semaphore.NewWeighted(int64(max(cfg.TTS.Workers, 1))),
		tracer:      otel.Tracer(instrumentationName),
		shutdown:    make(chan struct{}),
		recorders:   opts.Recorders,
		events:      make(chan protocol.SessionEvent, 256),
		stopSink:    make(chan struct{}),
		sinkDone:    make(chan struct{}),
	}
	if avail, ok := opts.Synthesizer.(tts.Availability); ok {
		s.avail = avail
	}
	s.metrics = newMetrics(tracker, s.log)
	go s.runSink()
	return s, nil
}

// Codec returns the wire codec the server speaks.
func (s *Server) Codec() protocol.Codec {
	return s.codec
}

func (s *Server) Tracker() *status.Tracker {
	return s.tracker
}

// HandleSTT upgrades the request to a websocket and serves the STT endpoint
// on it until the connection ends.
func (s *Server) HandleSTT(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.STT.Enabled {
		http.NotFound(w, r)
		return
	}
	s.upgrade(w, r, s.codec.STTSubprotocol(), s.ServeSTT)
}

// HandleTTS upgrades the request to a websocket and serves the TTS endpoint.
func (s *Server) HandleTTS(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.TTS.Enabled {
		http.NotFound(w, r)
		return
	}
	s.upgrade(w, r, protocol.TTSSubprotocol, s.ServeTTS)
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, subprotocol string, serve func(context.Context, Transport)) {
	// A client that names its layout must name ours; frames of another
	// revision would decode into the wrong variants.
	if offered := websocket.Subprotocols(r); len(offered) > 0 && !slices.Contains(offered, subprotocol) {
		http.Error(w, fmt.Sprintf("unsupported subprotocol, server speaks %s", subprotocol), http.StatusBadRequest)
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{subprotocol},
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("remote", r.RemoteAddr), slogError(err))
		return
	}
	serve(context.WithoutCancel(r.Context()), NewWebsocketTransport(ws, s.cfg.Protocol))
}

// ServeSTT runs the STT endpoint on t and returns when the connection ends.
// The transport is closed on return.
func (s *Server) ServeSTT(ctx context.Context, t Transport) {
	c, ok := s.openConn(ctx, t, endpointSTT)
	if !ok {
		return
	}
	defer s.conns.Done()
	newSTTConn(c).run()
}

// ServeTTS runs the TTS endpoint on t and returns when the connection ends.
func (s *Server) ServeTTS(ctx context.Context, t Transport) {
	c, ok := s.openConn(ctx, t, endpointTTS)
	if !ok {
		return
	}
	defer s.conns.Done()
	newTTSConn(c).run()
}

func (s *Server) openConn(ctx context.Context, t Transport, endpoint string) (*conn, bool) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		if frame, err := s.encode(endpoint, protocol.ShuttingDown{}); err == nil {
			_ = t.WriteMessage(frame)
		}
		_ = t.Close()
		return nil, false
	}
	s.conns.Add(1)
	s.mu.Unlock()
	return newConn(ctx, s, t, endpoint), true
}

// Shutdown tells every connection the server is going away, cancels their
// in-flight work and waits for them to end or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closing = true
	close(s.shutdown)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	close(s.stopSink)
	<-s.sinkDone
	return err
}

func (s *Server) encode(endpoint string, msg interface{ Tag() protocol.Tag }) ([]byte, error) {
	switch endpoint {
	case endpointSTT:
		m, ok := msg.(protocol.STTServerMessage)
		if !ok {
			return nil, fmt.Errorf("%w: %T on stt endpoint", protocol.ErrInvalidMessage, msg)
		}
		return s.codec.EncodeSTTServer(m)
	default:
		m, ok := msg.(protocol.TTSServerMessage)
		if !ok {
			return nil, fmt.Errorf("%w: %T on tts endpoint", protocol.ErrInvalidMessage, msg)
		}
		return s.codec.EncodeTTSServer(m)
	}
}

// emit queues a lifecycle event for the recorders, dropping it when the
// queue is full.
func (s *Server) emit(evt protocol.SessionEvent) {
	if len(s.recorders) == 0 {
		return
	}
	evt.NodeID = s.cfg.Node.ID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case s.events <- evt:
	default:
		s.log.Warn("session event dropped", slog.String("session_id", evt.SessionID), slog.String("event", evt.Event))
	}
}

func (s *Server) runSink() {
	defer close(s.sinkDone)
	ctx := context.Background()
	record := func(evt protocol.SessionEvent) {
		for _, r := range s.recorders {
			if err := r.Record(ctx, evt); err != nil {
				s.log.Warn("failed to record session event", slog.String("session_id", evt.SessionID), slogError(err))
			}
		}
	}
	for {
		select {
		case evt := <-s.events:
			record(evt)
		case <-s.stopSink:
			for {
				select {
				case evt := <-s.events:
					record(evt)
				default:
					return
				}
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
