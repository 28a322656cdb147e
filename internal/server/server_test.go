package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/voicewire/internal/config"
	"github.com/loqalabs/voicewire/internal/protocol"
	"github.com/loqalabs/voicewire/internal/stt"
	"github.com/loqalabs/voicewire/internal/tts"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Status.IntervalMS = 10
	cfg.Protocol.PingIntervalMS = 0
	return cfg
}

func startServer(t *testing.T, cfg config.Config, mutate ...func(*Options)) *Server {
	t.Helper()
	opts := Options{
		Config:      cfg,
		Logger:      discardLogger(),
		Recognizer:  stt.NewMockRecognizer(),
		Synthesizer: tts.NewMockSynth(16000, 0),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

type peer struct {
	t     *testing.T
	p     *pipeEnd
	codec protocol.Codec
	done  chan struct{}
}

func connect(t *testing.T, srv *Server, serve func(context.Context, Transport)) *peer {
	t.Helper()
	client, server := newPipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(context.Background(), server)
	}()
	t.Cleanup(func() {
		_ = client.Close()
		<-done
	})
	return &peer{t: t, p: client, codec: srv.Codec(), done: done}
}

func (c *peer) sendSTT(m protocol.STTClientMessage) {
	c.t.Helper()
	frame, err := c.codec.EncodeSTTClient(m)
	if err != nil {
		c.t.Fatalf("encode %T: %v", m, err)
	}
	if err := c.p.WriteMessage(frame); err != nil {
		c.t.Fatalf("write %T: %v", m, err)
	}
}

func (c *peer) sendTTS(m protocol.TTSClientMessage) {
	c.t.Helper()
	frame, err := c.codec.EncodeTTSClient(m)
	if err != nil {
		c.t.Fatalf("encode %T: %v", m, err)
	}
	if err := c.p.WriteMessage(frame); err != nil {
		c.t.Fatalf("write %T: %v", m, err)
	}
}

func (c *peer) read() ([]byte, error) {
	c.t.Helper()
	type result struct {
		frame []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		frame, err := c.p.ReadMessage()
		ch <- result{frame, err}
	}()
	select {
	case r := <-ch:
		return r.frame, r.err
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for a frame")
		return nil, nil
	}
}

func (c *peer) recvSTT() protocol.STTServerMessage {
	c.t.Helper()
	frame, err := c.read()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	msg, err := c.codec.DecodeSTTServer(frame)
	if err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return msg
}

func (c *peer) recvTTS() protocol.TTSServerMessage {
	c.t.Helper()
	frame, err := c.read()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	msg, err := c.codec.DecodeTTSServer(frame)
	if err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return msg
}

func (c *peer) expectClosed() {
	c.t.Helper()
	if _, err := c.read(); !errors.Is(err, io.EOF) {
		c.t.Fatalf("expected closed connection, got %v", err)
	}
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.t.Fatal("connection did not shut down")
	}
}

func TestSTTHelloWorld(t *testing.T) {
	srv := startServer(t, testConfig())
	c := connect(t, srv, srv.ServeSTT)
	id := uuid.New()

	c.sendSTT(protocol.InitializeStreaming{Language: "en", ID: id})
	if got := c.recvSTT(); got != (protocol.InitializationComplete{ID: id}) {
		t.Fatalf("unexpected reply %#v", got)
	}
	c.sendSTT(protocol.AudioData{ID: id, Data: stt.EncodeText("hello ")})
	c.sendSTT(protocol.AudioData{ID: id, Data: stt.EncodeText("world")})
	c.sendSTT(protocol.FinalizeStreaming{ID: id})

	if got := c.recvSTT(); got != (protocol.STTResult{ID: id, Result: "hello world"}) {
		t.Fatalf("unexpected result %#v", got)
	}

	// The id is closed now and cannot stream again.
	c.sendSTT(protocol.AudioData{ID: id, Data: stt.EncodeText("x")})
	if _, ok := c.recvSTT().(protocol.STTError); !ok {
		t.Fatal("expected STTError for audio on a closed session")
	}

	c.sendSTT(protocol.CloseConnection{})
	c.expectClosed()
}

func TestSTTVerboseNoSpeech(t *testing.T) {
	srv := startServer(t, testConfig())
	c := connect(t, srv, srv.ServeSTT)
	id := uuid.New()

	c.sendSTT(protocol.InitializeStreaming{Verbose: true, ID: id})
	c.recvSTT()
	c.sendSTT(protocol.FinalizeStreaming{ID: id})
	got, ok := c.recvSTT().(protocol.STTVerboseResult)
	if !ok || got.ID != id || got.NumTranscripts != 0 || got.MainTranscript != nil || got.Confidence != nil {
		t.Fatalf("unexpected verbose result %#v", got)
	}
}

func TestSTTAudioInWrongStateIsSessionScoped(t *testing.T) {
	srv := startServer(t, testConfig())
	c := connect(t, srv, srv.ServeSTT)

	stray := uuid.New()
	c.sendSTT(protocol.AudioData{ID: stray, Data: []int16{1, 2, 3}})
	if e, ok := c.recvSTT().(protocol.STTError); !ok || e.ID != stray {
		t.Fatalf("expected STTError for %s, got %#v", stray, e)
	}

	id := uuid.New()
	c.sendSTT(protocol.InitializeStreaming{ID: id})
	if got := c.recvSTT(); got != (protocol.InitializationComplete{ID: id}) {
		t.Fatalf("connection should still serve sessions, got %#v", got)
	}
}

func TestSTTInterleavedSessionsDoNotLeak(t *testing.T) {
	srv := startServer(t, testConfig())
	c := connect(t, srv, srv.ServeSTT)
	a, b := uuid.New(), uuid.New()

	c.sendSTT(protocol.InitializeStreaming{ID: a})
	c.recvSTT()
	c.sendSTT(protocol.InitializeStreaming{ID: b})
	c.recvSTT()

	for _, word := range []string{"al", "ph", "a"} {
		c.sendSTT(protocol.AudioData{ID: a, Data: stt.EncodeText(word)})
		c.sendSTT(protocol.AudioData{ID: b, Data: stt.EncodeText(strings.ToUpper(word))})
	}
	c.sendSTT(protocol.FinalizeStreaming{ID: a})
	c.sendSTT(protocol.FinalizeStreaming{ID: b})

	got := map[uuid.UUID]string{}
	for range 2 {
		res, ok := c.recvSTT().(protocol.STTResult)
		if !ok {
			t.Fatalf("expected STTResult, got %#v", res)
		}
		got[res.ID] = res.Result
	}
	if got[a] != "alpha" || got[b] != "ALPHA" {
		t.Fatalf("transcripts leaked across sessions: %v", got)
	}
}

func TestStatusChannel(t *testing.T) {
	cfg := testConfig()
	cfg.Status.MaxUtilization = 0.9
	cfg.Status.CanOverload = false
	srv := startServer(t, cfg)
	c := connect(t, srv, srv.ServeSTT)

	c.sendSTT(protocol.ConvertToStatus{})
	if got := c.recvSTT(); got != (protocol.StatusConnectionOpen{MaxUtilization: 0.9, CanOverload: false}) {
		t.Fatalf("unexpected open message %#v", got)
	}

	c.sendSTT(protocol.InitializeStreaming{ID: uuid.New()})
	for range 3 {
		data, ok := c.recvSTT().(protocol.StatusConnectionData)
		if !ok {
			t.Fatalf("expected only status data after conversion, got %#v", data)
		}
		if data.Utilization < 0 {
			t.Fatalf("negative utilization %v", data.Utilization)
		}
	}
	if srv.Tracker().Snapshot().Active != 0 {
		t.Fatal("status connection must not admit sessions")
	}

	c.sendSTT(protocol.CloseConnection{})
	for {
		frame, err := c.read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg, _ := c.codec.DecodeSTTServer(frame); msg.Tag() != protocol.TagStatusConnectionData {
			t.Fatalf("unexpected frame %#v", msg)
		}
	}
}

func TestConvertToStatusWithOpenSessions(t *testing.T) {
	srv := startServer(t, testConfig())
	c := connect(t, srv, srv.ServeSTT)
	id := uuid.New()

	c.sendSTT(protocol.InitializeStreaming{ID: id})
	c.recvSTT()
	c.sendSTT(protocol.ConvertToStatus{})
	if e, ok := c.recvSTT().(protocol.STTError); !ok || e.ID != uuid.Nil {
		t.Fatalf("expected precondition error, got %#v", e)
	}

	c.sendSTT(protocol.AudioData{ID: id, Data: stt.EncodeText("ok")})
	c.sendSTT(protocol.FinalizeStreaming{ID: id})
	if got := c.recvSTT(); got != (protocol.STTResult{ID: id, Result: "ok"}) {
		t.Fatalf("connection should stay in stt mode, got %#v", got)
	}
}

type blockingRecognizer struct {
	started   chan uuid.UUID
	cancelled chan struct{}
}

func (b *blockingRecognizer) Recognize(ctx context.Context, req stt.Request) (stt.Result, error) {
	b.started <- uuid.Nil
	<-ctx.Done()
	close(b.cancelled)
	return stt.Result{}, ctx.Err()
}

func TestCloseSessionCancelsDecode(t *testing.T) {
	rec := &blockingRecognizer{started: make(chan uuid.UUID, 1), cancelled: make(chan struct{})}
	srv := startServer(t, testConfig(), func(o *Options) { o.Recognizer = rec })
	c := connect(t, srv, srv.ServeSTT)
	id := uuid.New()

	c.sendSTT(protocol.InitializeStreaming{ID: id})
	c.recvSTT()
	c.sendSTT(protocol.FinalizeStreaming{ID: id})
	<-rec.started
	c.sendSTT(protocol.CloseSession{ID: id})

	select {
	case <-rec.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("decode was not cancelled")
	}

	next := uuid.New()
	c.sendSTT(protocol.InitializeStreaming{ID: next})
	if got := c.recvSTT(); got != (protocol.InitializationComplete{ID: next}) {
		t.Fatalf("aborted session must not reply, got %#v", got)
	}
}

func TestDecodeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.STT.DecodeTimeoutMS = 20
	rec := &blockingRecognizer{started: make(chan uuid.UUID, 1), cancelled: make(chan struct{})}
	srv := startServer(t, cfg, func(o *Options) { o.Recognizer = rec })
	c := connect(t, srv, srv.ServeSTT)
	id := uuid.New()

	c.sendSTT(protocol.InitializeStreaming{ID: id})
	c.recvSTT()
	c.sendSTT(protocol.FinalizeStreaming{ID: id})
	if got := c.recvSTT(); got != (protocol.STTError{ID: id, Error: "recognition timed out"}) {
		t.Fatalf("unexpected reply %#v", got)
	}
}

func TestMalformedFrameIsFatal(t *testing.T) {
	srv := startServer(t, testConfig())
	c := connect(t, srv, srv.ServeSTT)

	if err := c.p.WriteMessage([]byte{0x42, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := c.recvSTT().(protocol.FatalUnknownError); !ok {
		t.Fatal("expected FatalUnknownError")
	}
	c.expectClosed()
}

type failingTransport struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (f *failingTransport) ReadMessage() ([]byte, error) {
	return nil, errors.New("connection reset by peer")
}

func (f *failingTransport) WriteMessage(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, frame)
	return nil
}

func (f *failingTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestReadFailureSendsFatalIoError(t *testing.T) {
	srv := startServer(t, testConfig())
	tr := &failingTransport{}
	srv.ServeSTT(context.Background(), tr)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.closed {
		t.Fatal("transport must be closed")
	}
	if len(tr.written) != 1 {
		t.Fatalf("expected exactly one frame, got %d", len(tr.written))
	}
	msg, err := srv.Codec().DecodeSTTServer(tr.written[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e, ok := msg.(protocol.FatalIoError); !ok || !strings.Contains(e.Error, "reset") {
		t.Fatalf("unexpected last message %#v", msg)
	}
}

func TestShutdownAnnouncesAndCancels(t *testing.T) {
	rec := &blockingRecognizer{started: make(chan uuid.UUID, 1), cancelled: make(chan struct{})}
	srv := startServer(t, testConfig(), func(o *Options) { o.Recognizer = rec })
	c := connect(t, srv, srv.ServeSTT)
	id := uuid.New()

	c.sendSTT(protocol.InitializeStreaming{ID: id})
	c.recvSTT()
	c.sendSTT(protocol.FinalizeStreaming{ID: id})
	<-rec.started

	errs := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs <- srv.Shutdown(ctx)
	}()

	if _, ok := c.recvSTT().(protocol.ShuttingDown); !ok {
		t.Fatal("expected ShuttingDown")
	}
	c.expectClosed()
	if err := <-errs; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	<-rec.cancelled
	if srv.Tracker().Snapshot().Active != 0 {
		t.Fatal("admission slots leaked")
	}

	late := connect(t, srv, srv.ServeSTT)
	if _, ok := late.recvSTT().(protocol.ShuttingDown); !ok {
		t.Fatal("connections after shutdown must be refused")
	}
}

func TestOverloadRejectsInitialization(t *testing.T) {
	cfg := testConfig()
	cfg.Status.Capacity = 1
	cfg.Status.MaxUtilization = 1
	srv := startServer(t, cfg)
	c := connect(t, srv, srv.ServeSTT)

	first, second := uuid.New(), uuid.New()
	c.sendSTT(protocol.InitializeStreaming{ID: first})
	c.recvSTT()
	c.sendSTT(protocol.InitializeStreaming{ID: second})
	if f, ok := c.recvSTT().(protocol.InitializationFailed); !ok || f.ID != second {
		t.Fatalf("expected InitializationFailed, got %#v", f)
	}
}

func TestTTSRequestApproveComplete(t *testing.T) {
	srv := startServer(t, testConfig())
	c := connect(t, srv, srv.ServeTTS)
	id := uuid.New()

	c.sendTTS(protocol.RequestSession{ID: id, Text: "hi", Language: "en", Config: protocol.Flite{Voice: "kal", Text: "hi"}})
	if got := c.recvTTS(); got != (protocol.ApproveSession{ID: id}) {
		t.Fatalf("unexpected reply %#v", got)
	}
	done, ok := c.recvTTS().(protocol.SessionComplete)
	if !ok || done.ID != id || !bytes.HasPrefix(done.Audio, []byte("RIFF")) {
		t.Fatalf("unexpected completion %#v", done)
	}
}

func TestTTSRejectsInvalidRequest(t *testing.T) {
	srv := startServer(t, testConfig())
	c := connect(t, srv, srv.ServeTTS)
	id := uuid.New()

	c.sendTTS(protocol.RequestSession{ID: id, Config: protocol.EspeakNg{Voice: "en"}})
	if r, ok := c.recvTTS().(protocol.SessionRejected); !ok || r.ID != id {
		t.Fatalf("expected SessionRejected, got %#v", r)
	}

	c.sendTTS(protocol.CloseConnection{})
	c.expectClosed()
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []protocol.SessionEvent
}

func (m *memoryRecorder) Record(_ context.Context, evt protocol.SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func TestSessionEventsAreRecorded(t *testing.T) {
	rec := &memoryRecorder{}
	cfg := testConfig()
	cfg.Node.ID = "node-a"
	srv := startServer(t, cfg, func(o *Options) { o.Recorders = []Recorder{rec} })
	c := connect(t, srv, srv.ServeSTT)
	id := uuid.New()

	c.sendSTT(protocol.InitializeStreaming{ID: id})
	c.recvSTT()
	c.sendSTT(protocol.FinalizeStreaming{ID: id})
	c.recvSTT()
	c.sendSTT(protocol.CloseConnection{})
	c.expectClosed()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var steps []string
	for _, evt := range rec.events {
		if evt.SessionID != id.String() || evt.NodeID != "node-a" || evt.Kind != endpointSTT {
			t.Fatalf("unexpected event %+v", evt)
		}
		steps = append(steps, evt.Event)
	}
	want := []string{protocol.EventOpened, protocol.EventFinalized, protocol.EventCompleted}
	if strings.Join(steps, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", steps, want)
	}
}

func TestHandleSTTOverWebsocket(t *testing.T) {
	srv := startServer(t, testConfig())
	hs := httptest.NewServer(http.HandlerFunc(srv.HandleSTT))
	defer hs.Close()
	url := "ws" + strings.TrimPrefix(hs.URL, "http")

	_, resp, err := (&websocket.Dialer{Subprotocols: []string{"voicewire.stt.v2"}}).Dial(url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a foreign subprotocol, got resp=%v err=%v", resp, err)
	}

	ws, resp, err := (&websocket.Dialer{Subprotocols: []string{srv.Codec().STTSubprotocol()}}).Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if resp.Header.Get("Sec-Websocket-Protocol") != srv.Codec().STTSubprotocol() {
		t.Fatalf("subprotocol not negotiated: %q", resp.Header.Get("Sec-Websocket-Protocol"))
	}

	id := uuid.New()
	send := func(m protocol.STTClientMessage) {
		frame, err := srv.Codec().EncodeSTTClient(m)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	recv := func() protocol.STTServerMessage {
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, frame, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		msg, err := srv.Codec().DecodeSTTServer(frame)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	}

	send(protocol.InitializeStreaming{ID: id, Language: "en"})
	if got := recv(); got != (protocol.InitializationComplete{ID: id}) {
		t.Fatalf("unexpected reply %#v", got)
	}
	send(protocol.AudioData{ID: id, Data: stt.EncodeText("over the wire")})
	send(protocol.FinalizeStreaming{ID: id})
	if got := recv(); got != (protocol.STTResult{ID: id, Result: "over the wire"}) {
		t.Fatalf("unexpected result %#v", got)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if _, ok := recv().(protocol.FatalUnknownError); !ok {
		t.Fatal("text frames must be fatal")
	}
}
