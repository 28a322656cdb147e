package tts

import (
	"errors"
	"fmt"
	"math"

	"github.com/loqalabs/voicewire/internal/protocol"
)

// MaxChorusTaps is the largest tap count MaryTTS accepts for Chorus.
const MaxChorusTaps = 20

// Validate checks a request before it is approved. maxText bounds the text
// in bytes; zero disables the check.
func Validate(req protocol.RequestSession, maxText int) error {
	text := req.Text
	if f, ok := req.Config.(protocol.Flite); ok && f.Text != "" {
		text = f.Text
	}
	if text == "" {
		return errors.New("text must not be empty")
	}
	if maxText > 0 && len(text) > maxText {
		return fmt.Errorf("text exceeds %d bytes", maxText)
	}
	switch cfg := req.Config.(type) {
	case nil:
		return errors.New("missing engine config")
	case protocol.MaryTTS:
		for i, fx := range cfg.Effects {
			if err := validateEffect(fx); err != nil {
				return fmt.Errorf("effect %d: %w", i, err)
			}
		}
	}
	return nil
}

func isNaN(v float32) bool { return math.IsNaN(float64(v)) }

func inRange(name string, v, lo, hi float32) error {
	if isNaN(v) || v < lo || v > hi {
		return fmt.Errorf("%s %g outside [%g, %g]", name, v, lo, hi)
	}
	return nil
}

func validateEffect(fx protocol.MaryEffect) error {
	switch fx := fx.(type) {
	case protocol.Volume:
		if isNaN(fx.Amount) || fx.Amount < 0 {
			return fmt.Errorf("volume %g must be >= 0", fx.Amount)
		}
	case protocol.TractScaler:
		return inRange("tract scaler", fx.Amount, 0.25, 4)
	case protocol.F0Scale:
		return inRange("f0 scale", fx.Scale, 0, 3)
	case protocol.F0Add:
		return inRange("f0 add", fx.Add, -300, 300)
	case protocol.Rate:
		return inRange("rate", fx.DurationScale, 0.1, 3)
	case protocol.Robot:
		return inRange("robot", fx.Amount, 0, 100)
	case protocol.Whisper:
		return inRange("whisper", fx.Amount, 0, 100)
	case protocol.Stadium:
		return inRange("stadium", fx.Amount, 0, 200)
	case protocol.Chorus:
		if len(fx.Taps) == 0 || len(fx.Taps) > MaxChorusTaps {
			return fmt.Errorf("chorus needs 1 to %d taps, got %d", MaxChorusTaps, len(fx.Taps))
		}
		for _, tap := range fx.Taps {
			if err := inRange("chorus delay", tap.Delay, 0, 5000); err != nil {
				return err
			}
			if err := inRange("chorus amplitude", tap.Amplitude, -5, 5); err != nil {
				return err
			}
		}
	case protocol.FIRFilter:
		switch fx.Type {
		case protocol.LowPass, protocol.HighPass:
			if isNaN(fx.Cutoff) || fx.Cutoff < 0 {
				return fmt.Errorf("%s cutoff %g must be >= 0", fx.Type, fx.Cutoff)
			}
		case protocol.BandPass, protocol.BandReject:
			if isNaN(fx.Lower) || isNaN(fx.Upper) || fx.Lower < 0 || fx.Upper < fx.Lower {
				return fmt.Errorf("%s needs 0 <= lower <= upper, got %g..%g", fx.Type, fx.Lower, fx.Upper)
			}
		default:
			return fmt.Errorf("unknown filter type %d", fx.Type)
		}
	case protocol.JetPilot:
	default:
		return fmt.Errorf("unsupported effect %T", fx)
	}
	return nil
}
