package stt

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
)

// ReadWav decodes a PCM WAV stream into mono 16-bit samples, averaging
// channels and rescaling other bit depths. It returns the samples and the
// stream's sample rate.
func ReadWav(r io.ReadSeeker) ([]int16, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("not a PCM wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = 16
	}

	frames := len(buf.Data) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int
		for ch := range channels {
			sum += buf.Data[i*channels+ch]
		}
		out[i] = rescale(sum/channels, depth)
	}
	return out, int(dec.SampleRate), nil
}

func rescale(v, depth int) int16 {
	switch {
	case depth == 8:
		// 8-bit wav is unsigned.
		return int16((v - 128) << 8)
	case depth > 16:
		return int16(v >> (depth - 16))
	default:
		return int16(v)
	}
}
