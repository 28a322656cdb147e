package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/loqalabs/voicewire/internal/protocol"
	"github.com/loqalabs/voicewire/internal/session"
)

// Admitter reserves capacity for a new session.
type Admitter interface {
	Acquire() (func(), error)
}

// Job is an approved request waiting for a synthesizer.
type Job struct {
	ID      uuid.UUID
	Ctx     context.Context
	Request Request
}

// Machine drives the TTS sessions of one connection. Like the STT machine it
// belongs to the dispatch loop and is not safe for concurrent use.
type Machine struct {
	ctx      context.Context
	avail    Availability
	admit    Admitter
	maxText  int
	sessions *session.Registry
}

// NewMachine creates a machine whose jobs derive from ctx. A nil avail
// accepts every engine and a nil admit admits every session.
func NewMachine(ctx context.Context, maxText int, avail Availability, admit Admitter) *Machine {
	return &Machine{
		ctx:      ctx,
		avail:    avail,
		admit:    admit,
		maxText:  maxText,
		sessions: session.NewRegistry(),
	}
}

// Request validates a session request. On success it replies ApproveSession
// and returns the synthesis job; otherwise the reply is SessionRejected and
// the job is nil.
func (m *Machine) Request(msg protocol.RequestSession) (*Job, protocol.TTSServerMessage) {
	s, err := m.sessions.Open(msg.ID, session.KindTTS)
	if errors.Is(err, session.ErrActive) {
		// The live id still correlates the running session, so the
		// rejection carries the nil id.
		return nil, protocol.SessionRejected{ID: uuid.Nil, Error: fmt.Sprintf("%v: %s", err, msg.ID)}
	}
	if err != nil {
		return nil, protocol.SessionRejected{ID: msg.ID, Error: err.Error()}
	}
	s.State = session.Requested
	reject := func(err error) (*Job, protocol.TTSServerMessage) {
		m.sessions.Retire(msg.ID)
		return nil, protocol.SessionRejected{ID: msg.ID, Error: err.Error()}
	}

	if err := Validate(msg, m.maxText); err != nil {
		return reject(err)
	}
	if m.avail != nil && !m.avail.Supports(msg.Config.Engine()) {
		return reject(fmt.Errorf("%w: %s", ErrEngineUnavailable, msg.Config.Engine()))
	}
	if m.admit != nil {
		release, err := m.admit.Acquire()
		if err != nil {
			return reject(err)
		}
		s.Hold(release)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	s.Bind(cancel)
	s.State = session.Approved
	s.Text = msg.Text
	s.Language = msg.Language
	s.Config = msg.Config

	return &Job{
		ID:  msg.ID,
		Ctx: ctx,
		Request: Request{
			ID:       msg.ID,
			Text:     msg.Text,
			Language: msg.Language,
			Config:   msg.Config,
		},
	}, protocol.ApproveSession{ID: msg.ID}
}

// Complete turns a synthesis outcome into SessionComplete or SynthesisFailed.
// ok is false when the session is no longer approved.
func (m *Machine) Complete(job *Job, audio []byte, synthErr error) (protocol.TTSServerMessage, bool) {
	s, err := m.sessions.Get(job.ID)
	if err != nil || s.State != session.Approved {
		return nil, false
	}
	s.State = session.Completed
	m.sessions.Retire(job.ID)

	if synthErr != nil {
		if errors.Is(synthErr, context.DeadlineExceeded) {
			return protocol.SynthesisFailed{ID: job.ID, Error: "synthesis timed out"}, true
		}
		return protocol.SynthesisFailed{ID: job.ID, Error: synthErr.Error()}, true
	}
	return protocol.SessionComplete{ID: job.ID, Audio: audio}, true
}

// CloseAll closes every session of the connection and cancels their jobs.
func (m *Machine) CloseAll() []uuid.UUID {
	return m.sessions.RetireAll()
}

// Open reports the number of sessions still waiting for audio.
func (m *Machine) Open() int {
	return m.sessions.Len()
}
