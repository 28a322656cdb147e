package tts

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/loqalabs/voicewire/internal/protocol"
)

// ErrEngineUnavailable is returned for requests naming an engine that is not
// configured on this server.
var ErrEngineUnavailable = errors.New("tts engine not available")

// Request contains parameters to synthesize speech.
type Request struct {
	ID       uuid.UUID
	Text     string
	Language string
	Config   protocol.TTSConfig
}

// Synthesizer is the contract for producing audio. The returned bytes are a
// complete audio file, WAV unless the engine says otherwise.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// Availability reports which engines a synthesizer can serve.
type Availability interface {
	Supports(engine protocol.Engine) bool
}
