package tts

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/voicewire/internal/config"
	"github.com/loqalabs/voicewire/internal/protocol"
)

// Engines routes each request to the synthesizer of the engine named by its
// config.
type Engines struct {
	byEngine map[protocol.Engine]Synthesizer
}

func NewEngines() *Engines {
	return &Engines{byEngine: make(map[protocol.Engine]Synthesizer)}
}

// Register installs synth for engine, replacing any earlier registration.
func (e *Engines) Register(engine protocol.Engine, synth Synthesizer) {
	e.byEngine[engine] = synth
}

func (e *Engines) Supports(engine protocol.Engine) bool {
	_, ok := e.byEngine[engine]
	return ok
}

func (e *Engines) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if req.Config == nil {
		return nil, fmt.Errorf("%w: missing engine config", ErrEngineUnavailable)
	}
	synth, ok := e.byEngine[req.Config.Engine()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineUnavailable, req.Config.Engine())
	}
	return synth.Synthesize(ctx, req)
}

// NewSynthesizer builds the synthesizer selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(22050, 0), nil
	case "engines":
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}

	engines := NewEngines()
	if cfg.EspeakNg.Enabled {
		synth, err := NewEspeakSynth(cfg.EspeakNg.Command)
		if err != nil {
			return nil, err
		}
		engines.Register(protocol.EngineEspeakNg, synth)
	}
	if cfg.Flite.Enabled {
		synth, err := NewFliteSynth(cfg.Flite.Command)
		if err != nil {
			return nil, err
		}
		engines.Register(protocol.EngineFlite, synth)
	}
	if cfg.MaryTTS.Enabled {
		client := &http.Client{Timeout: time.Duration(cfg.SynthTimeoutMS) * time.Millisecond}
		engines.Register(protocol.EngineMaryTTS, NewMaryTTSSynth(cfg.MaryTTS.Endpoint, client))
	}
	return engines, nil
}
