package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/voicewire/internal/config"
)

// Request is the audio and decoding parameters of one finalized session.
type Request struct {
	PCM        []int16
	SampleRate int
	Channels   int
	Language   string
	Verbose    bool
	Translate  bool
}

// Transcript is one candidate transcription with a confidence in [0,1].
type Transcript struct {
	Text       string
	Confidence float32
}

// Result lists candidate transcripts, best first. An empty list means the
// recognizer heard nothing it could transcribe.
type Result struct {
	Transcripts []Transcript
}

// Best returns the first transcript, if any.
func (r Result) Best() (Transcript, bool) {
	if len(r.Transcripts) == 0 {
		return Transcript{}, false
	}
	return r.Transcripts[0], true
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Recognize(ctx context.Context, req Request) (Result, error)
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
