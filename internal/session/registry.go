// Package session tracks the sessions multiplexed over one connection.
//
// A Registry is owned by the dispatch loop of a single connection and is not
// safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/voicewire/internal/protocol"
)

var (
	ErrActive  = errors.New("session id already active")
	ErrRetired = errors.New("session id was already used on this connection")
	ErrUnknown = errors.New("unknown session id")
)

type Kind uint8

const (
	KindSTT Kind = iota + 1
	KindTTS
)

func (k Kind) String() string {
	switch k {
	case KindSTT:
		return "stt"
	case KindTTS:
		return "tts"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type State uint8

const (
	Idle State = iota
	Initializing
	Streaming
	Finalizing
	Requested
	Approved
	Completed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Streaming:
		return "streaming"
	case Finalizing:
		return "finalizing"
	case Requested:
		return "requested"
	case Approved:
		return "approved"
	case Completed:
		return "completed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Session is the per-id state of one STT or TTS exchange.
type Session struct {
	ID        uuid.UUID
	Kind      Kind
	State     State
	Language  string
	Verbose   bool
	Translate bool
	Created   time.Time

	// Audio accumulates samples of a streaming STT session.
	Audio []int16

	// Text and Config describe a TTS request.
	Text   string
	Config protocol.TTSConfig

	cancel  context.CancelFunc
	release func()
}

// Bind attaches the cancel func of in-flight work to the session.
func (s *Session) Bind(cancel context.CancelFunc) {
	s.cancel = cancel
}

// Hold attaches the release func of the admission slot held by the session.
func (s *Session) Hold(release func()) {
	s.release = release
}

func (s *Session) stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

// MaxRetired bounds the retired ids a registry remembers, about 40 bytes
// each. Past the bound the oldest id becomes reusable again.
const MaxRetired = 1 << 16

// Registry maps ids to live sessions and remembers retired ids so a client
// cannot reuse an id within the connection.
type Registry struct {
	live    map[uuid.UUID]*Session
	retired map[uuid.UUID]struct{}
	// order is a ring of retired ids, oldest at next once full.
	order []uuid.UUID
	next  int
	limit int
	clock func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		live:    make(map[uuid.UUID]*Session),
		retired: make(map[uuid.UUID]struct{}),
		limit:   MaxRetired,
		clock:   time.Now,
	}
}

// Open creates a session in the Idle state.
func (r *Registry) Open(id uuid.UUID, kind Kind) (*Session, error) {
	if _, ok := r.live[id]; ok {
		return nil, ErrActive
	}
	if _, ok := r.retired[id]; ok {
		return nil, ErrRetired
	}
	s := &Session{ID: id, Kind: kind, State: Idle, Created: r.clock()}
	r.live[id] = s
	return s, nil
}

// Get returns a live session.
func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	if s, ok := r.live[id]; ok {
		return s, nil
	}
	if _, ok := r.retired[id]; ok {
		return nil, ErrRetired
	}
	return nil, ErrUnknown
}

// Retire closes the session, cancels its work and releases its admission
// slot. The id stays reserved until MaxRetired later ids push it out.
func (r *Registry) Retire(id uuid.UUID) (*Session, bool) {
	s, ok := r.live[id]
	if !ok {
		return nil, false
	}
	delete(r.live, id)
	r.remember(id)
	s.State = Closed
	s.stop()
	s.Audio = nil
	return s, true
}

func (r *Registry) remember(id uuid.UUID) {
	if len(r.order) < r.limit {
		r.order = append(r.order, id)
	} else {
		delete(r.retired, r.order[r.next])
		r.order[r.next] = id
		r.next = (r.next + 1) % r.limit
	}
	r.retired[id] = struct{}{}
}

// RetireAll retires every live session and returns their ids.
func (r *Registry) RetireAll() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	for _, id := range ids {
		r.Retire(id)
	}
	return ids
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	return len(r.live)
}

func (r *Registry) IsRetired(id uuid.UUID) bool {
	_, ok := r.retired[id]
	return ok
}
