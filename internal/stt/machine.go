package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/loqalabs/voicewire/internal/config"
	"github.com/loqalabs/voicewire/internal/protocol"
	"github.com/loqalabs/voicewire/internal/session"
)

// Admitter reserves capacity for a new session.
type Admitter interface {
	Acquire() (func(), error)
}

// Job is a finalized session waiting for a recognizer. Ctx is cancelled when
// the session is aborted or the connection closes.
type Job struct {
	ID      uuid.UUID
	Ctx     context.Context
	Verbose bool
	Request Request
}

// Machine drives the STT sessions of one connection. It is owned by the
// connection's dispatch loop and is not safe for concurrent use.
type Machine struct {
	ctx        context.Context
	cfg        config.STTConfig
	placement  protocol.Placement
	admit      Admitter
	sessions   *session.Registry
	languages  map[string]struct{}
	maxSamples int
}

// NewMachine creates a machine whose jobs derive from ctx. A nil admitter
// admits every session.
func NewMachine(ctx context.Context, cfg config.STTConfig, placement protocol.Placement, admit Admitter) *Machine {
	var languages map[string]struct{}
	if len(cfg.Languages) > 0 {
		languages = make(map[string]struct{}, len(cfg.Languages))
		for _, lang := range cfg.Languages {
			languages[strings.ToLower(lang)] = struct{}{}
		}
	}
	return &Machine{
		ctx:        ctx,
		cfg:        cfg,
		placement:  placement,
		admit:      admit,
		sessions:   session.NewRegistry(),
		languages:  languages,
		maxSamples: cfg.MaxSessionSamples,
	}
}

// Initialize opens a session and moves it to Streaming.
func (m *Machine) Initialize(msg protocol.InitializeStreaming) protocol.STTServerMessage {
	s, err := m.sessions.Open(msg.ID, session.KindSTT)
	if errors.Is(err, session.ErrActive) {
		// The live session keeps running; this is a violation on it.
		return protocol.STTError{ID: msg.ID, Error: err.Error()}
	}
	if err != nil {
		return protocol.InitializationFailed{ID: msg.ID, Error: err.Error()}
	}
	s.State = session.Initializing

	if m.placement == protocol.ParamsOnInitialize {
		if err := m.checkLanguage(msg.Language); err != nil {
			m.sessions.Retire(msg.ID)
			return protocol.InitializationFailed{ID: msg.ID, Error: err.Error()}
		}
		s.Language = msg.Language
		s.Verbose = msg.Verbose
	}

	if m.admit != nil {
		release, err := m.admit.Acquire()
		if err != nil {
			m.sessions.Retire(msg.ID)
			return protocol.InitializationFailed{ID: msg.ID, Error: err.Error()}
		}
		s.Hold(release)
	}

	s.State = session.Streaming
	return protocol.InitializationComplete{ID: msg.ID}
}

// Audio appends samples to a streaming session. A non-nil reply is always an
// STTError; nil means the samples were accepted.
func (m *Machine) Audio(msg protocol.AudioData) protocol.STTServerMessage {
	s, err := m.sessions.Get(msg.ID)
	if err != nil {
		return protocol.STTError{ID: msg.ID, Error: fmt.Sprintf("audio data: %v", err)}
	}
	if s.State != session.Streaming {
		return protocol.STTError{ID: msg.ID, Error: fmt.Sprintf("audio data in state %s", s.State)}
	}
	if m.maxSamples > 0 && len(s.Audio)+len(msg.Data) > m.maxSamples {
		m.sessions.Retire(msg.ID)
		return protocol.STTError{ID: msg.ID, Error: fmt.Sprintf("session exceeds %d samples", m.maxSamples)}
	}
	s.Audio = append(s.Audio, msg.Data...)
	return nil
}

// Finalize ends the audio stream of a session and hands back the decode job.
// When the session cannot be finalized the job is nil and the reply explains
// why.
func (m *Machine) Finalize(msg protocol.FinalizeStreaming) (*Job, protocol.STTServerMessage) {
	s, err := m.sessions.Get(msg.ID)
	if err != nil {
		return nil, protocol.STTError{ID: msg.ID, Error: fmt.Sprintf("finalize: %v", err)}
	}
	if s.State != session.Streaming {
		return nil, protocol.STTError{ID: msg.ID, Error: fmt.Sprintf("finalize in state %s", s.State)}
	}
	if m.placement == protocol.ParamsOnFinalize {
		if err := m.checkLanguage(msg.Language); err != nil {
			m.sessions.Retire(msg.ID)
			return nil, protocol.STTError{ID: msg.ID, Error: err.Error()}
		}
		s.Language = msg.Language
		s.Verbose = msg.Verbose
		s.Translate = msg.Translate
	}

	ctx, cancel := context.WithCancel(m.ctx)
	s.Bind(cancel)
	s.State = session.Finalizing
	pcm := s.Audio
	s.Audio = nil

	return &Job{
		ID:      msg.ID,
		Ctx:     ctx,
		Verbose: s.Verbose,
		Request: Request{
			PCM:        pcm,
			SampleRate: m.cfg.SampleRate,
			Channels:   m.cfg.Channels,
			Language:   s.Language,
			Verbose:    s.Verbose,
			Translate:  s.Translate,
		},
	}, nil
}

// Complete turns a recognizer outcome into the final reply and closes the
// session. ok is false when the session was aborted while the job ran; the
// outcome is then dropped.
func (m *Machine) Complete(job *Job, result Result, recognizeErr error) (protocol.STTServerMessage, bool) {
	s, err := m.sessions.Get(job.ID)
	if err != nil || s.State != session.Finalizing {
		return nil, false
	}
	m.sessions.Retire(job.ID)

	if recognizeErr != nil {
		if errors.Is(recognizeErr, context.DeadlineExceeded) {
			return protocol.STTError{ID: job.ID, Error: "recognition timed out"}, true
		}
		return protocol.STTError{ID: job.ID, Error: recognizeErr.Error()}, true
	}

	best, found := result.Best()
	if job.Verbose {
		if !found {
			return protocol.NewVerboseResult(job.ID, 0, "", 0), true
		}
		return protocol.NewVerboseResult(job.ID, uint32(len(result.Transcripts)), best.Text, best.Confidence), true
	}
	return protocol.STTResult{ID: job.ID, Result: best.Text}, true
}

// Abort closes one session and cancels its decode, if any. It reports
// whether the session was live.
func (m *Machine) Abort(id uuid.UUID) bool {
	_, ok := m.sessions.Retire(id)
	return ok
}

// CloseAll closes every session of the connection.
func (m *Machine) CloseAll() []uuid.UUID {
	return m.sessions.RetireAll()
}

// Open reports the number of sessions that are not closed.
func (m *Machine) Open() int {
	return m.sessions.Len()
}

func (m *Machine) checkLanguage(lang string) error {
	if lang == "" || m.languages == nil {
		return nil
	}
	if _, ok := m.languages[strings.ToLower(lang)]; !ok {
		return fmt.Errorf("language %q is not supported", lang)
	}
	return nil
}
