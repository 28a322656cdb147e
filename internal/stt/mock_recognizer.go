package stt

import (
	"context"
	"strings"
	"unicode/utf8"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a deterministic recognizer that reads every
// sample as a Unicode code point, so tests can stream text as audio.
// Samples that are not valid code points are skipped.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Recognize(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(req.PCM) == 0 {
		return Result{}, nil
	}
	var b strings.Builder
	b.Grow(len(req.PCM))
	for _, s := range req.PCM {
		r := rune(uint16(s))
		if r == 0 || !utf8.ValidRune(r) {
			continue
		}
		b.WriteRune(r)
	}
	return Result{Transcripts: []Transcript{{Text: b.String(), Confidence: 1}}}, nil
}

// EncodeText is the inverse of the mock recognizer: it turns text into
// samples the mock transcribes back to the same text.
func EncodeText(text string) []int16 {
	out := make([]int16, 0, len(text))
	for _, r := range text {
		if r > 0xFFFF {
			continue
		}
		out = append(out, int16(uint16(r)))
	}
	return out
}
