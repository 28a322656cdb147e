package tts

import (
	"context"
	"time"

	"github.com/loqalabs/voicewire/internal/protocol"
)

type mockSynth struct {
	sampleRate int
	delay      time.Duration
}

// NewMockSynth returns a synthesizer that renders the text's code points as
// 16-bit samples in a WAV file, for every engine.
func NewMockSynth(sampleRate int, delay time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	text := req.Text
	if f, ok := req.Config.(protocol.Flite); ok && f.Text != "" {
		text = f.Text
	}
	pcm := make([]int16, 0, len(text))
	for _, r := range text {
		if r <= 0xFFFF {
			pcm = append(pcm, int16(uint16(r)))
		}
	}
	return encodeWav(pcm, m.sampleRate)
}

func (m *mockSynth) Supports(protocol.Engine) bool { return true }
